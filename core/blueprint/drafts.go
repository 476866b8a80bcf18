package blueprint

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"time"

	"github.com/lyzr/flowcore/common/errs"
	"github.com/lyzr/flowcore/common/redis"
)

const (
	draftKeyPrefix  = "draft:"
	defaultDraftTTL = 24 * time.Hour
)

// DraftTTL reads the draft expiry from DRAFTSTORE_TTL (seconds), falling
// back to 24h when unset or malformed
func DraftTTL() time.Duration {
	raw := os.Getenv("DRAFTSTORE_TTL")
	if raw == "" {
		return defaultDraftTTL
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return defaultDraftTTL
	}
	return time.Duration(secs) * time.Second
}

// DraftStore holds per-user work-in-progress blueprints. Drafts skip
// validation and version locking; they expire after the configured TTL.
type DraftStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewDraftStore creates a draft store; ttl <= 0 uses DraftTTL()
func NewDraftStore(client *redis.Client, ttl time.Duration) *DraftStore {
	if ttl <= 0 {
		ttl = DraftTTL()
	}
	return &DraftStore{client: client, ttl: ttl}
}

func draftKey(userID string) string { return draftKeyPrefix + userID }

// Save stores the user's draft, resetting its expiry
func (d *DraftStore) Save(ctx context.Context, userID string, bp *Blueprint) error {
	body, err := json.Marshal(bp)
	if err != nil {
		return errs.Wrap(errs.Internal, "marshal draft", err)
	}
	if err := d.client.Set(ctx, draftKey(userID), string(body), d.ttl); err != nil {
		return errs.Wrap(errs.Internal, "store draft", err)
	}
	return nil
}

// Load returns the user's current draft
func (d *DraftStore) Load(ctx context.Context, userID string) (*Blueprint, error) {
	body, found, err := d.client.Get(ctx, draftKey(userID))
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "load draft", err)
	}
	if !found {
		return nil, errs.Newf(errs.NotFound, "no draft for user %q", userID)
	}
	var bp Blueprint
	if err := json.Unmarshal([]byte(body), &bp); err != nil {
		return nil, errs.Wrap(errs.Internal, "decode draft", err)
	}
	return &bp, nil
}

// Discard removes the user's draft
func (d *DraftStore) Discard(ctx context.Context, userID string) error {
	if err := d.client.Delete(ctx, draftKey(userID)); err != nil {
		return errs.Wrap(errs.Internal, "discard draft", err)
	}
	return nil
}
