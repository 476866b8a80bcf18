package memory

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/lyzr/flowcore/common/db"
	"github.com/lyzr/flowcore/common/errs"
)

// PGBackend persists entries in postgres for the durable memories
// (episodic and semantic). Guarantees: durable.
type PGBackend struct {
	db *db.DB
}

// pgSchema is the backing table. Applied idempotently on construction.
const pgSchema = `
CREATE TABLE IF NOT EXISTS memory_entries (
    key        TEXT PRIMARY KEY,
    entry      JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// NewPGBackend creates the backend and ensures its table exists
func NewPGBackend(ctx context.Context, database *db.DB) (*PGBackend, error) {
	if _, err := database.Exec(ctx, pgSchema); err != nil {
		return nil, errs.Wrap(errs.Upstream, "create memory table", err)
	}
	return &PGBackend{db: database}, nil
}

func (b *PGBackend) Put(ctx context.Context, key string, e *Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return errs.Wrap(errs.Internal, "marshal memory entry", err)
	}

	_, err = b.db.Exec(ctx, `
		INSERT INTO memory_entries (key, entry, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET entry = $2, updated_at = now()`,
		key, raw)
	if err != nil {
		return errs.Wrap(errs.Upstream, "write memory entry", err)
	}
	return nil
}

func (b *PGBackend) Get(ctx context.Context, key string) (*Entry, error) {
	var raw []byte
	err := b.db.QueryRow(ctx, `SELECT entry FROM memory_entries WHERE key = $1`, key).Scan(&raw)
	if err == pgx.ErrNoRows {
		return nil, errs.Newf(errs.NotFound, "memory entry %q not found", key)
	}
	if err != nil {
		return nil, errs.Wrap(errs.Upstream, "read memory entry", err)
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, errs.Wrap(errs.Internal, "unmarshal memory entry", err)
	}
	return &e, nil
}

func (b *PGBackend) Delete(ctx context.Context, key string) error {
	if _, err := b.db.Exec(ctx, `DELETE FROM memory_entries WHERE key = $1`, key); err != nil {
		return errs.Wrap(errs.Upstream, "delete memory entry", err)
	}
	return nil
}

func (b *PGBackend) Keys(ctx context.Context, pattern string) ([]string, error) {
	rows, err := b.db.Query(ctx, `SELECT key FROM memory_entries WHERE key LIKE $1`, globToLike(pattern))
	if err != nil {
		return nil, errs.Wrap(errs.Upstream, "list memory keys", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, errs.Wrap(errs.Upstream, "scan memory key", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (b *PGBackend) Clear(ctx context.Context, pattern string) error {
	if _, err := b.db.Exec(ctx, `DELETE FROM memory_entries WHERE key LIKE $1`, globToLike(pattern)); err != nil {
		return errs.Wrap(errs.Upstream, "clear memory entries", err)
	}
	return nil
}

func (b *PGBackend) Guarantees() []Guarantee {
	return []Guarantee{GuaranteeDurable}
}

func (b *PGBackend) Close() error {
	return nil
}

// globToLike converts the * glob used by the memory API to SQL LIKE syntax
func globToLike(pattern string) string {
	escaped := strings.ReplaceAll(pattern, "%", `\%`)
	escaped = strings.ReplaceAll(escaped, "_", `\_`)
	return strings.ReplaceAll(escaped, "*", "%")
}
