package ratelimit

import "github.com/lyzr/flowcore/core/node"

// Tier buckets a workflow by how expensive its runs are. Agent and swarm
// nodes dominate cost (every iteration is a model call), so the tier is
// keyed to how many of them a blueprint carries.
type Tier string

const (
	TierSimple   Tier = "simple"   // no agent or swarm nodes
	TierStandard Tier = "standard" // 1-2 agent or swarm nodes
	TierHeavy    Tier = "heavy"    // 3 or more
)

// TierLimit is the admission budget for one tier.
type TierLimit struct {
	Tier          Tier
	Limit         int64 // run starts per window, per tenant
	WindowSeconds int
	Description   string
}

// DefaultTierLimits keeps each tier on its own counter so a tenant's
// simple workflows are not starved by their heavy ones.
var DefaultTierLimits = map[Tier]TierLimit{
	TierSimple: {
		Tier:          TierSimple,
		Limit:         100,
		WindowSeconds: 60,
		Description:   "tool and condition pipelines without model loops",
	},
	TierStandard: {
		Tier:          TierStandard,
		Limit:         20,
		WindowSeconds: 60,
		Description:   "workflows with one or two agent nodes",
	},
	TierHeavy: {
		Tier:          TierHeavy,
		Limit:         5,
		WindowSeconds: 60,
		Description:   "agent-dense workflows and swarms",
	},
}

// DefaultGlobalLimit caps run starts across all tenants per minute.
const DefaultGlobalLimit int64 = 100

// Profile summarizes a blueprint's cost drivers for admission control.
type Profile struct {
	Tier       Tier
	AgentNodes int
	TotalNodes int
}

// Classify inspects a node set and assigns its tier. Subworkflow and
// recursive nodes count as agents because their bodies are opaque here.
func Classify(nodes []*node.Config) Profile {
	p := Profile{Tier: TierSimple, TotalNodes: len(nodes)}
	for _, n := range nodes {
		switch n.Kind {
		case node.KindAgent, node.KindSwarm, node.KindWorkflow, node.KindRecursive:
			p.AgentNodes++
		}
	}
	switch {
	case p.AgentNodes == 0:
		p.Tier = TierSimple
	case p.AgentNodes <= 2:
		p.Tier = TierStandard
	default:
		p.Tier = TierHeavy
	}
	return p
}

// LimitFor returns the budget for a tier, falling back to the most
// restrictive tier for unknown values.
func LimitFor(tier Tier) TierLimit {
	if l, ok := DefaultTierLimits[tier]; ok {
		return l
	}
	return DefaultTierLimits[TierHeavy]
}
