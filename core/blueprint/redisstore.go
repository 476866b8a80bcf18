package blueprint

import (
	"context"
	"encoding/json"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/google/uuid"

	"github.com/lyzr/flowcore/common/errs"
	"github.com/lyzr/flowcore/common/redis"
)

const (
	blueprintKeyPrefix = "blueprint:"
	revIndexKeyPrefix  = "revindex:"
	revKeyPrefix       = "rev:"
	favKeyPrefix       = "fav:"
	collectionPrefix   = "colitems:"
)

// RedisStore persists blueprints in Redis. Bodies are stored as canonical
// JSON so the version lock is always recomputable from the stored bytes;
// conditional writes run under WATCH so concurrent writers race on the
// lock, not on last-write-wins.
type RedisStore struct {
	client *redis.Client
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a store over the shared Redis client
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func blueprintKey(id string) string { return blueprintKeyPrefix + id }
func revIndexKey(id string) string  { return revIndexKeyPrefix + id }
func revKey(id, revID string) string {
	return revKeyPrefix + id + ":" + revID
}

func (s *RedisStore) Create(ctx context.Context, bp *Blueprint, lock string) (string, string, error) {
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

	body, err := stored.CanonicalJSON()
	if err != nil {
		return "", "", err
	}
	newLock, err := stored.ComputeLock()
	if err != nil {
		return "", "", err
	}

	wasSet, err := s.client.SetNX(ctx, blueprintKey(stored.ID), string(body), 0)
	if err != nil {
		return "", "", errs.Wrap(errs.Internal, "store blueprint", err)
	}
	if !wasSet {
		return "", "", errs.Newf(errs.Conflict, "blueprint %q already exists", stored.ID)
	}

	if err := s.recordRevision(ctx, stored.ID, body); err != nil {
		return "", "", err
	}
	return stored.ID, newLock, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Blueprint, string, error) {
	body, found, err := s.client.Get(ctx, blueprintKey(id))
	if err != nil {
		return nil, "", errs.Wrap(errs.Internal, "load blueprint", err)
	}
	if !found {
		return nil, "", errs.Newf(errs.NotFound, "blueprint %q not found", id)
	}

	var bp Blueprint
	if err := json.Unmarshal([]byte(body), &bp); err != nil {
		return nil, "", errs.Wrap(errs.Internal, "decode stored blueprint", err)
	}
	currentLock, err := bp.ComputeLock()
	if err != nil {
		return nil, "", err
	}
	return &bp, currentLock, nil
}

func (s *RedisStore) Put(ctx context.Context, id string, bp *Blueprint, lock string) (string, error) {
	if err := bp.Validate(); err != nil {
		return "", err
	}
	replacement, err := bp.Clone()
	if err != nil {
		return "", err
	}
	replacement.ID = id
	return s.replace(ctx, id, lock, func(*Blueprint) (*Blueprint, error) {
		return replacement, nil
	})
}

func (s *RedisStore) PatchNodes(ctx context.Context, id string, specs []json.RawMessage, lock string) (string, error) {
	return s.replace(ctx, id, lock, func(current *Blueprint) (*Blueprint, error) {
		return applyNodeSpecs(current, specs)
	})
}

func (s *RedisStore) ApplyPatch(ctx context.Context, id string, patchDoc []byte, lock string) (string, error) {
	return s.replace(ctx, id, lock, func(current *Blueprint) (*Blueprint, error) {
		return applyJSONPatch(current, patchDoc)
	})
}

func (s *RedisStore) Delete(ctx context.Context, id, lock string) error {
	_, currentLock, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := checkLock(lock, currentLock); err != nil {
		return err
	}
	if err := s.client.Delete(ctx, blueprintKey(id)); err != nil {
		return errs.Wrap(errs.Internal, "delete blueprint", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	keys, err := s.client.Keys(ctx, blueprintKeyPrefix+"*")
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "list blueprints", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, blueprintKeyPrefix))
	}
	return ids, nil
}

func (s *RedisStore) Revisions(ctx context.Context, id string) ([]string, error) {
	revs, err := s.client.ListRange(ctx, revIndexKey(id), 0, -1)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "list revisions", err)
	}
	return revs, nil
}

func (s *RedisStore) Revision(ctx context.Context, id, revID string) (*Blueprint, error) {
	body, found, err := s.client.Get(ctx, revKey(id, revID))
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "load revision", err)
	}
	if !found {
		return nil, errs.Newf(errs.NotFound, "revision %q not found", revID)
	}
	var bp Blueprint
	if err := json.Unmarshal([]byte(body), &bp); err != nil {
		return nil, errs.Wrap(errs.Internal, "decode revision", err)
	}
	return &bp, nil
}

func (s *RedisStore) Favorite(ctx context.Context, userID, id string) error {
	return s.client.AddToSet(ctx, favKeyPrefix+userID, id)
}

func (s *RedisStore) Unfavorite(ctx context.Context, userID, id string) error {
	return s.client.RemoveFromSet(ctx, favKeyPrefix+userID, id)
}

func (s *RedisStore) Favorites(ctx context.Context, userID string) ([]string, error) {
	return s.client.SetMembers(ctx, favKeyPrefix+userID)
}

func (s *RedisStore) AddToCollection(ctx context.Context, collectionID, id string) error {
	return s.client.AddToSet(ctx, collectionPrefix+collectionID, id)
}

func (s *RedisStore) RemoveFromCollection(ctx context.Context, collectionID, id string) error {
	return s.client.RemoveFromSet(ctx, collectionPrefix+collectionID, id)
}

func (s *RedisStore) CollectionItems(ctx context.Context, collectionID string) ([]string, error) {
	return s.client.SetMembers(ctx, collectionPrefix+collectionID)
}

// replace runs read-modify-write under WATCH on the blueprint key. The
// presented lock is checked against the body read inside the transaction,
// and a concurrent write between read and EXEC surfaces as Conflict.
func (s *RedisStore) replace(ctx context.Context, id, lock string, mutate func(*Blueprint) (*Blueprint, error)) (string, error) {
	var newLock string

	key := blueprintKey(id)
	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		body, err := tx.Get(ctx, key).Result()
		if err == goredis.Nil {
			return errs.Newf(errs.NotFound, "blueprint %q not found", id)
		}
		if err != nil {
			return errs.Wrap(errs.Internal, "load blueprint", err)
		}

		var current Blueprint
		if err := json.Unmarshal([]byte(body), &current); err != nil {
			return errs.Wrap(errs.Internal, "decode stored blueprint", err)
		}
		currentLock, err := current.ComputeLock()
		if err != nil {
			return err
		}
		if err := checkLock(lock, currentLock); err != nil {
			return err
		}

		next, err := mutate(&current)
		if err != nil {
			return err
		}
		next.ID = id

		nextBody, err := next.CanonicalJSON()
		if err != nil {
			return err
		}
		newLock, err = next.ComputeLock()
		if err != nil {
			return err
		}

		revID := uuid.NewString()
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, string(nextBody), 0)
			pipe.Set(ctx, revKey(id, revID), string(nextBody), 0)
			pipe.RPush(ctx, revIndexKey(id), revID)
			return nil
		})
		return err
	}, key)

	if err == goredis.TxFailedErr {
		return "", errs.New(errs.Conflict, "blueprint changed concurrently")
	}
	if err != nil {
		return "", err
	}
	return newLock, nil
}

func (s *RedisStore) recordRevision(ctx context.Context, id string, body []byte) error {
	revID := uuid.NewString()
	if err := s.client.Set(ctx, revKey(id, revID), string(body), 0); err != nil {
		return errs.Wrap(errs.Internal, "store revision", err)
	}
	if err := s.client.PushToList(ctx, revIndexKey(id), revID); err != nil {
		return errs.Wrap(errs.Internal, "index revision", err)
	}
	return nil
}
