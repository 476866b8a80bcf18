package memory

import (
	"context"
	"encoding/json"

	"github.com/lyzr/flowcore/common/errs"
)

// Procedure is a learned action pattern with its track record
type Procedure struct {
	Name          string         `json:"name"`
	TaskType      string         `json:"task_type"`
	Steps         []string       `json:"steps,omitempty"`
	SuccessRate   float64        `json:"success_rate"`
	UsageCount    int            `json:"usage_count"`
	Applicability map[string]any `json:"applicability,omitempty"`
	SubProcedures []string       `json:"sub_procedures,omitempty"`
}

// Procedural is the how-to memory: procedures with success tracking and
// applicability filters
type Procedural struct {
	base
}

func newProcedural(backend Backend, est *Estimator) *Procedural {
	return &Procedural{base: base{prefix: "procedural", backend: backend, estimator: est}}
}

// StoreProcedure stores or replaces a procedure
func (m *Procedural) StoreProcedure(ctx context.Context, p *Procedure) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return errs.Wrap(errs.Internal, "marshal procedure", err)
	}
	_, err = m.Store(ctx, p.Name, string(raw), map[string]any{"task_type": p.TaskType})
	return err
}

// GetProcedure retrieves a procedure by name
func (m *Procedural) GetProcedure(ctx context.Context, name string) (*Procedure, error) {
	e, err := m.Retrieve(ctx, name)
	if err != nil {
		return nil, err
	}
	var p Procedure
	if err := json.Unmarshal([]byte(e.Content), &p); err != nil {
		return nil, errs.Wrap(errs.Internal, "unmarshal procedure", err)
	}
	return &p, nil
}

// FindProcedures returns procedures for a task type whose applicability
// filters are all satisfied by the given context
func (m *Procedural) FindProcedures(ctx context.Context, taskType string, callCtx map[string]any) ([]*Procedure, error) {
	keys, err := m.ListKeys(ctx, "*")
	if err != nil {
		return nil, err
	}

	var found []*Procedure
	for _, key := range keys {
		e, err := m.backend.Get(ctx, m.key(key))
		if err != nil {
			if errs.Is(err, errs.NotFound) {
				continue
			}
			return nil, err
		}
		var p Procedure
		if err := json.Unmarshal([]byte(e.Content), &p); err != nil {
			continue
		}
		if taskType != "" && p.TaskType != taskType {
			continue
		}
		if !applicable(&p, callCtx) {
			continue
		}
		found = append(found, &p)
	}
	return found, nil
}

// RecordOutcome folds one execution outcome into the procedure's success
// rate and usage count
func (m *Procedural) RecordOutcome(ctx context.Context, name string, success bool) error {
	p, err := m.GetProcedure(ctx, name)
	if err != nil {
		return err
	}

	outcome := 0.0
	if success {
		outcome = 1.0
	}
	p.SuccessRate = (p.SuccessRate*float64(p.UsageCount) + outcome) / float64(p.UsageCount+1)
	p.UsageCount++

	return m.StoreProcedure(ctx, p)
}

// Compose builds a composite procedure from existing ones. Every named
// sub-procedure must exist.
func (m *Procedural) Compose(ctx context.Context, name, taskType string, subNames []string) (*Procedure, error) {
	var steps []string
	for _, sub := range subNames {
		p, err := m.GetProcedure(ctx, sub)
		if err != nil {
			return nil, err
		}
		steps = append(steps, p.Steps...)
	}

	composite := &Procedure{
		Name:          name,
		TaskType:      taskType,
		Steps:         steps,
		SubProcedures: subNames,
	}
	if err := m.StoreProcedure(ctx, composite); err != nil {
		return nil, err
	}
	return composite, nil
}

func applicable(p *Procedure, callCtx map[string]any) bool {
	for k, want := range p.Applicability {
		got, ok := callCtx[k]
		if !ok || got != want {
			return false
		}
	}
	return true
}
