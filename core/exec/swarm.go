package exec

import (
	"context"
	"strings"
	"sync"

	"github.com/lyzr/flowcore/common/errs"
	"github.com/lyzr/flowcore/core/agent"
	"github.com/lyzr/flowcore/core/ctxstore"
	"github.com/lyzr/flowcore/core/node"
)

const (
	mergeFirstSuccess = "first_success"
	mergeVote         = "vote"
)

type swarmOutcome struct {
	index   int
	outcome *agent.Outcome
	err     error
}

// executeSwarm fans the same task out to every configured agent and merges
// their answers by the declared strategy
func executeSwarm(ctx context.Context, h Handle, cfg *node.Config, inputs map[string]any, ec *ctxstore.Context) (map[string]any, *node.Usage, error) {
	if cfg.Swarm == nil || len(cfg.Swarm.Agents) == 0 {
		return nil, nil, errs.Newf(errs.Validation, "node %s: missing swarm config", cfg.ID)
	}

	task, _ := inputs["task"].(string)
	if task == "" {
		return nil, nil, errs.Newf(errs.Validation, "node %s: no task for swarm", cfg.ID)
	}

	strategy := cfg.Swarm.MergeStrategy
	if strategy == "" {
		strategy = mergeVote
	}

	swarmCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcomes := make(chan swarmOutcome, len(cfg.Swarm.Agents))
	var wg sync.WaitGroup
	for i := range cfg.Swarm.Agents {
		ac := cfg.Swarm.Agents[i]
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			runner, err := buildRunner(h, &ac, cfg.Name)
			if err != nil {
				outcomes <- swarmOutcome{index: index, err: err}
				return
			}
			outcome, err := runner.Run(swarmCtx, task)
			outcomes <- swarmOutcome{index: index, outcome: outcome, err: err}
		}(i)
	}

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	usage := &node.Usage{}
	switch strategy {
	case mergeFirstSuccess:
		return mergeByFirstSuccess(cancel, outcomes, usage)
	case mergeVote:
		return mergeByVote(outcomes, usage, len(cfg.Swarm.Agents))
	default:
		return nil, nil, errs.Newf(errs.Validation, "node %s: unknown merge strategy %q", cfg.ID, strategy)
	}
}

func mergeByFirstSuccess(cancel context.CancelFunc, outcomes <-chan swarmOutcome, usage *node.Usage) (map[string]any, *node.Usage, error) {
	var failures []string
	for o := range outcomes {
		if o.err != nil {
			failures = append(failures, o.err.Error())
			continue
		}
		accumulate(usage, &o.outcome.Usage)
		cancel()
		return map[string]any{
			"answer": o.outcome.Answer,
			"agent":  o.index,
		}, usage, nil
	}
	return nil, nil, errs.Newf(errs.Upstream, "every swarm agent failed: %s", strings.Join(failures, "; "))
}

// mergeByVote waits for all agents and picks the majority answer, ties
// broken by first arrival
func mergeByVote(outcomes <-chan swarmOutcome, usage *node.Usage, n int) (map[string]any, *node.Usage, error) {
	votes := make(map[string]int, n)
	order := make([]string, 0, n)
	var failures []string

	for o := range outcomes {
		if o.err != nil {
			failures = append(failures, o.err.Error())
			continue
		}
		accumulate(usage, &o.outcome.Usage)
		answer := o.outcome.Answer
		if votes[answer] == 0 {
			order = append(order, answer)
		}
		votes[answer]++
	}

	if len(order) == 0 {
		return nil, nil, errs.Newf(errs.Upstream, "every swarm agent failed: %s", strings.Join(failures, "; "))
	}

	winner := order[0]
	for _, answer := range order {
		if votes[answer] > votes[winner] {
			winner = answer
		}
	}

	return map[string]any{
		"answer": winner,
		"votes":  votes[winner],
		"total":  n,
	}, usage, nil
}

func accumulate(total, part *node.Usage) {
	total.TokensIn += part.TokensIn
	total.TokensOut += part.TokensOut
	total.CostUSD += part.CostUSD
	if total.Model == "" {
		total.Model = part.Model
	}
	if total.Provider == "" {
		total.Provider = part.Provider
	}
}
