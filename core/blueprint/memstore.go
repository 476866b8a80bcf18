package blueprint

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/lyzr/flowcore/common/errs"
)

// MemStore is the in-process store used by tests and single-node hosts
type MemStore struct {
	mu          sync.RWMutex
	blueprints  map[string]*Blueprint
	locks       map[string]string
	revIndex    map[string][]string
	revisions   map[string]map[string]*Blueprint
	favorites   map[string]map[string]bool
	collections map[string]map[string]bool
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store
func NewMemStore() *MemStore {
	return &MemStore{
		blueprints:  make(map[string]*Blueprint),
		locks:       make(map[string]string),
		revIndex:    make(map[string][]string),
		revisions:   make(map[string]map[string]*Blueprint),
		favorites:   make(map[string]map[string]bool),
		collections: make(map[string]map[string]bool),
	}
}

func (s *MemStore) Create(ctx context.Context, bp *Blueprint, lock string) (string, string, error) {
	if err := checkCreateLock(lock); err != nil {
		return "", "", err
	}
	if err := bp.Validate(); err != nil {
		return "", "", err
	}

	stored, err := bp.Clone()
	if err != nil {
		return "", "", err
	}
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.SchemaVersion == "" {
		stored.SchemaVersion = SchemaVersion
	}

	newLock, err := stored.ComputeLock()
	if err != nil {
		return "", "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.blueprints[stored.ID]; exists {
		return "", "", errs.Newf(errs.Conflict, "blueprint %q already exists", stored.ID)
	}
	s.blueprints[stored.ID] = stored
	s.locks[stored.ID] = newLock
	s.recordRevision(stored)

	return stored.ID, newLock, nil
}

func (s *MemStore) Get(ctx context.Context, id string) (*Blueprint, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bp, ok := s.blueprints[id]
	if !ok {
		return nil, "", errs.Newf(errs.NotFound, "blueprint %q not found", id)
	}
	copied, err := bp.Clone()
	if err != nil {
		return nil, "", err
	}
	return copied, s.locks[id], nil
}

func (s *MemStore) Put(ctx context.Context, id string, bp *Blueprint, lock string) (string, error) {
	if err := bp.Validate(); err != nil {
		return "", err
	}
	replacement, err := bp.Clone()
	if err != nil {
		return "", err
	}
	replacement.ID = id
	return s.replace(id, replacement, lock)
}

func (s *MemStore) PatchNodes(ctx context.Context, id string, specs []json.RawMessage, lock string) (string, error) {
	current, _, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	patched, err := applyNodeSpecs(current, specs)
	if err != nil {
		return "", err
	}
	return s.replace(id, patched, lock)
}

func (s *MemStore) ApplyPatch(ctx context.Context, id string, patchDoc []byte, lock string) (string, error) {
	current, _, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	patched, err := applyJSONPatch(current, patchDoc)
	if err != nil {
		return "", err
	}
	return s.replace(id, patched, lock)
}

func (s *MemStore) Delete(ctx context.Context, id, lock string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.locks[id]
	if !ok {
		return errs.Newf(errs.NotFound, "blueprint %q not found", id)
	}
	if err := checkLock(lock, current); err != nil {
		return err
	}
	delete(s.blueprints, id)
	delete(s.locks, id)
	return nil
}

func (s *MemStore) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.blueprints))
	for id := range s.blueprints {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemStore) Revisions(ctx context.Context, id string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.revIndex[id]...), nil
}

func (s *MemStore) Revision(ctx context.Context, id, revID string) (*Blueprint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	revs, ok := s.revisions[id]
	if !ok {
		return nil, errs.Newf(errs.NotFound, "blueprint %q has no revisions", id)
	}
	bp, ok := revs[revID]
	if !ok {
		return nil, errs.Newf(errs.NotFound, "revision %q not found", revID)
	}
	return bp.Clone()
}

func (s *MemStore) Favorite(ctx context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.favorites[userID] == nil {
		s.favorites[userID] = make(map[string]bool)
	}
	s.favorites[userID][id] = true
	return nil
}

func (s *MemStore) Unfavorite(ctx context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.favorites[userID], id)
	return nil
}

func (s *MemStore) Favorites(ctx context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return setToSlice(s.favorites[userID]), nil
}

func (s *MemStore) AddToCollection(ctx context.Context, collectionID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.collections[collectionID] == nil {
		s.collections[collectionID] = make(map[string]bool)
	}
	s.collections[collectionID][id] = true
	return nil
}

func (s *MemStore) RemoveFromCollection(ctx context.Context, collectionID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections[collectionID], id)
	return nil
}

func (s *MemStore) CollectionItems(ctx context.Context, collectionID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return setToSlice(s.collections[collectionID]), nil
}

// replace swaps the stored body under the lock check and snapshots a
// revision
func (s *MemStore) replace(id string, next *Blueprint, lock string) (string, error) {
	newLock, err := next.ComputeLock()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.locks[id]
	if !ok {
		return "", errs.Newf(errs.NotFound, "blueprint %q not found", id)
	}
	if err := checkLock(lock, current); err != nil {
		return "", err
	}

	s.blueprints[id] = next
	s.locks[id] = newLock
	s.recordRevision(next)
	return newLock, nil
}

func (s *MemStore) recordRevision(bp *Blueprint) {
	snapshot, err := bp.Clone()
	if err != nil {
		return
	}
	revID := uuid.NewString()
	if s.revisions[bp.ID] == nil {
		s.revisions[bp.ID] = make(map[string]*Blueprint)
	}
	s.revisions[bp.ID][revID] = snapshot
	s.revIndex[bp.ID] = append(s.revIndex[bp.ID], revID)
}

func setToSlice(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
