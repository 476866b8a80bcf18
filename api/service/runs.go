// Package service holds the host-side services behind the HTTP handlers:
// run lifecycle management over the engine and blueprint access over the
// store. The core packages never depend on this tier.
package service

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/lyzr/flowcore/common/errs"
	"github.com/lyzr/flowcore/common/logger"
	"github.com/lyzr/flowcore/core/engine"
	"github.com/lyzr/flowcore/core/event"
	"github.com/lyzr/flowcore/core/exec"
	"github.com/lyzr/flowcore/core/node"
)

// eventBuffer is the per-watcher channel capacity; a watcher that falls
// this far behind loses events
const eventBuffer = 1024

// RunManager starts workflow runs asynchronously and tracks their events,
// results, and pending human decisions
type RunManager struct {
	engine *engine.Engine
	log    *logger.Logger

	mu   sync.RWMutex
	runs map[string]*runRecord
}

type runRecord struct {
	runID      string
	workflowID string
	decisions  *exec.Decisions
	cancel     context.CancelFunc
	done       chan struct{}

	mu       sync.Mutex
	events   []event.Event
	watchers map[chan event.Event]bool
	result   *node.Result
	err      error
}

// NewRunManager creates a manager over the shared engine
func NewRunManager(eng *engine.Engine, log *logger.Logger) *RunManager {
	return &RunManager{
		engine: eng,
		log:    log,
		runs:   make(map[string]*runRecord),
	}
}

// Start launches a run on a background goroutine and returns its id
// immediately
func (m *RunManager) Start(workflowID string, nodes []*node.Config, opts engine.RunOpts) (string, error) {
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rec := &runRecord{
		runID:      runID,
		workflowID: workflowID,
		decisions:  exec.NewDecisions(),
		cancel:     cancel,
		done:       make(chan struct{}),
		watchers:   make(map[chan event.Event]bool),
	}

	bus := event.NewBus()
	bus.Subscribe(func(e event.Event) {
		rec.deliver(e)
	})

	opts.RunID = runID
	opts.Bus = bus
	opts.Decisions = rec.decisions

	m.mu.Lock()
	if _, exists := m.runs[runID]; exists {
		m.mu.Unlock()
		cancel()
		return "", errs.Newf(errs.Conflict, "run %q already exists", runID)
	}
	m.runs[runID] = rec
	m.mu.Unlock()

	go func() {
		defer cancel()
		result, err := m.engine.Execute(runCtx, workflowID, nodes, opts)
		rec.finish(result, err)
		if err != nil {
			m.log.Error("run failed to start", "run_id", runID, "error", err)
		}
	}()

	m.log.Info("run started", "run_id", runID, "workflow_id", workflowID)
	return runID, nil
}

// Result returns the run outcome. done is false while the run is still
// executing.
func (m *RunManager) Result(runID string) (result *node.Result, done bool, err error) {
	rec, err := m.record(runID)
	if err != nil {
		return nil, false, err
	}

	select {
	case <-rec.done:
	default:
		return nil, false, nil
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.err != nil {
		return nil, true, rec.err
	}
	return rec.result, true, nil
}

// Events returns a channel primed with the run's event history that then
// follows live emission, plus a cancel func the caller must invoke
func (m *RunManager) Events(runID string) (<-chan event.Event, func(), error) {
	rec, err := m.record(runID)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan event.Event, eventBuffer)

	rec.mu.Lock()
	for _, e := range rec.events {
		select {
		case ch <- e:
		default:
		}
	}
	finished := rec.result != nil || rec.err != nil
	if finished {
		close(ch)
	} else {
		rec.watchers[ch] = true
	}
	rec.mu.Unlock()

	cancelWatch := func() {
		rec.mu.Lock()
		if rec.watchers[ch] {
			delete(rec.watchers, ch)
			close(ch)
		}
		rec.mu.Unlock()
	}
	return ch, cancelWatch, nil
}

// SubmitDecision delivers an operator decision to a waiting human node
func (m *RunManager) SubmitDecision(runID, nodeID string, decision map[string]any) error {
	rec, err := m.record(runID)
	if err != nil {
		return err
	}

	select {
	case <-rec.done:
		return errs.Newf(errs.Conflict, "run %q already finished", runID)
	default:
	}
	return rec.decisions.Submit(nodeID, decision)
}

// Cancel requests cooperative cancellation of a running workflow
func (m *RunManager) Cancel(runID string) error {
	rec, err := m.record(runID)
	if err != nil {
		return err
	}
	rec.cancel()
	return nil
}

func (m *RunManager) record(runID string) (*runRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.runs[runID]
	if !ok {
		return nil, errs.Newf(errs.NotFound, "run %q not found", runID)
	}
	return rec, nil
}

// deliver appends the event to the history and fans it out to watchers.
// A full watcher channel drops the event rather than blocking emission.
func (r *runRecord) deliver(e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, e)
	for ch := range r.watchers {
		select {
		case ch <- e:
		default:
		}
	}
}

func (r *runRecord) finish(result *node.Result, err error) {
	r.mu.Lock()
	r.result = result
	r.err = err
	for ch := range r.watchers {
		delete(r.watchers, ch)
		close(ch)
	}
	r.mu.Unlock()
	close(r.done)
}
