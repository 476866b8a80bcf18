package exec

import (
	"context"
	"sync"
	"time"

	"github.com/lyzr/flowcore/common/errs"
	"github.com/lyzr/flowcore/core/ctxstore"
	"github.com/lyzr/flowcore/core/node"
)

// Decisions is the mailbox for human-in-the-loop nodes. The HTTP tier (or a
// test) submits an operator decision; the human executor blocks on it.
type Decisions struct {
	mu    sync.Mutex
	boxes map[string]chan map[string]any
}

// NewDecisions creates an empty mailbox set
func NewDecisions() *Decisions {
	return &Decisions{
		boxes: make(map[string]chan map[string]any),
	}
}

func (d *Decisions) box(nodeID string) chan map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()

	box, ok := d.boxes[nodeID]
	if !ok {
		box = make(chan map[string]any, 1)
		d.boxes[nodeID] = box
	}
	return box
}

// Submit delivers an operator decision for a node. A second submission for
// the same undelivered node is rejected.
func (d *Decisions) Submit(nodeID string, decision map[string]any) error {
	select {
	case d.box(nodeID) <- decision:
		return nil
	default:
		return errs.Newf(errs.Conflict, "decision for node %s already pending", nodeID)
	}
}

// Wait blocks until a decision arrives or the context ends
func (d *Decisions) Wait(ctx context.Context, nodeID string) (map[string]any, error) {
	select {
	case decision := <-d.box(nodeID):
		return decision, nil
	case <-ctx.Done():
		return nil, errs.Wrap(errs.Cancelled, "wait for decision interrupted", ctx.Err())
	}
}

// executeHuman pauses the node until an operator decision arrives through
// the mailbox, failing with Timeout when the deadline passes first
func executeHuman(ctx context.Context, h Handle, cfg *node.Config, inputs map[string]any, ec *ctxstore.Context) (map[string]any, *node.Usage, error) {
	if cfg.Human == nil {
		return nil, nil, errs.Newf(errs.Validation, "node %s: missing human config", cfg.ID)
	}

	waitCtx := ctx
	var cancel context.CancelFunc
	if cfg.Human.TimeoutSeconds > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, time.Duration(cfg.Human.TimeoutSeconds*float64(time.Second)))
		defer cancel()
	}

	decision, err := h.Decisions().Wait(waitCtx, cfg.ID)
	if err != nil {
		if waitCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, nil, errs.New(errs.Timeout, "no operator decision before deadline")
		}
		return nil, nil, err
	}

	if len(cfg.Human.Choices) > 0 {
		choice, _ := decision["choice"].(string)
		valid := false
		for _, c := range cfg.Human.Choices {
			if c == choice {
				valid = true
				break
			}
		}
		if !valid {
			return nil, nil, errs.Newf(errs.Validation, "node %s: %q is not an offered choice", cfg.ID, choice)
		}
	}

	output := map[string]any{"prompt": cfg.Human.Prompt}
	for k, v := range decision {
		output[k] = v
	}
	return output, nil, nil
}
