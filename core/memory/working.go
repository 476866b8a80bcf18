package memory

import (
	"context"
)

// Working is the ephemeral scratch memory agents read and write between
// iterations. Bounded by the backend's LRU/TTL configuration.
type Working struct {
	base
}

func newWorking(cfg Config, backend Backend, est *Estimator) *Working {
	b := backend
	// MaxEntries/TTL bounds need a TTL-capable backend; otherwise the
	// working tier runs on a bounded in-process layer
	if cfg.MaxEntries > 0 || cfg.TTL > 0 {
		if !offersGuarantee(backend, GuaranteeTTL) {
			b = NewMemBackend(cfg.MaxEntries, cfg.TTL)
		}
	}
	return &Working{base: base{prefix: "working", backend: b, estimator: est}}
}

// SetImportance re-weights an entry; higher importance survives pruning
func (w *Working) SetImportance(ctx context.Context, key string, importance float64) error {
	if importance < 0 {
		importance = 0
	}
	if importance > 10 {
		importance = 10
	}

	e, err := w.backend.Get(ctx, w.key(key))
	if err != nil {
		return err
	}
	e.Importance = importance
	return w.backend.Put(ctx, w.key(key), e)
}

func offersGuarantee(b Backend, g Guarantee) bool {
	for _, offered := range b.Guarantees() {
		if offered == g {
			return true
		}
	}
	return false
}
