package memory

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/flowcore/common/errs"
)

// Episode is one recorded happening: what occurred, who was involved, and
// how it ended
type Episode struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Participants []string  `json:"participants,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
	Outcome      string    `json:"outcome,omitempty"`
	Content      string    `json:"content"`
	Timestamp    time.Time `json:"timestamp"`
}

// EpisodeFilter narrows history retrieval
type EpisodeFilter struct {
	Type        string
	Participant string
	Tag         string
	Outcome     string
	Since       time.Time
	Until       time.Time
	Limit       int
}

// Episodic is the durable what-happened memory, indexed by type,
// participant, tag, date, and outcome
type Episodic struct {
	base
}

func newEpisodic(backend Backend, est *Estimator) *Episodic {
	return &Episodic{base: base{prefix: "episodic", backend: backend, estimator: est}}
}

// RecordEpisode stores an episode. A missing id and timestamp are filled in.
func (m *Episodic) RecordEpisode(ctx context.Context, ep *Episode) error {
	if ep.ID == "" {
		ep.ID = uuid.NewString()
	}
	if ep.Timestamp.IsZero() {
		ep.Timestamp = time.Now()
	}

	raw, err := json.Marshal(ep)
	if err != nil {
		return errs.Wrap(errs.Internal, "marshal episode", err)
	}
	_, err = m.Store(ctx, ep.ID, string(raw), map[string]any{
		"type":    ep.Type,
		"outcome": ep.Outcome,
	})
	return err
}

// GetHistory retrieves episodes matching the filter, newest first
func (m *Episodic) GetHistory(ctx context.Context, filter EpisodeFilter) ([]*Episode, error) {
	keys, err := m.ListKeys(ctx, "*")
	if err != nil {
		return nil, err
	}

	var episodes []*Episode
	for _, key := range keys {
		e, err := m.backend.Get(ctx, m.key(key))
		if err != nil {
			if errs.Is(err, errs.NotFound) {
				continue
			}
			return nil, err
		}

		var ep Episode
		if err := json.Unmarshal([]byte(e.Content), &ep); err != nil {
			continue
		}
		if episodeMatches(&ep, filter) {
			episodes = append(episodes, &ep)
		}
	}

	sort.Slice(episodes, func(i, j int) bool {
		return episodes[i].Timestamp.After(episodes[j].Timestamp)
	})
	if filter.Limit > 0 && len(episodes) > filter.Limit {
		episodes = episodes[:filter.Limit]
	}
	return episodes, nil
}

// PatternStats summarises episode history
type PatternStats struct {
	Total      int            `json:"total"`
	ByType     map[string]int `json:"by_type"`
	ByOutcome  map[string]int `json:"by_outcome"`
	TopOutcome string         `json:"top_outcome,omitempty"`
}

// AnalyzePatterns aggregates episode counts by type and outcome
func (m *Episodic) AnalyzePatterns(ctx context.Context, filter EpisodeFilter) (*PatternStats, error) {
	episodes, err := m.GetHistory(ctx, filter)
	if err != nil {
		return nil, err
	}

	stats := &PatternStats{
		Total:     len(episodes),
		ByType:    make(map[string]int),
		ByOutcome: make(map[string]int),
	}
	for _, ep := range episodes {
		stats.ByType[ep.Type]++
		if ep.Outcome != "" {
			stats.ByOutcome[ep.Outcome]++
		}
	}

	best := 0
	for outcome, count := range stats.ByOutcome {
		if count > best || (count == best && outcome < stats.TopOutcome) {
			best = count
			stats.TopOutcome = outcome
		}
	}
	return stats, nil
}

func episodeMatches(ep *Episode, f EpisodeFilter) bool {
	if f.Type != "" && ep.Type != f.Type {
		return false
	}
	if f.Outcome != "" && ep.Outcome != f.Outcome {
		return false
	}
	if !f.Since.IsZero() && ep.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && ep.Timestamp.After(f.Until) {
		return false
	}
	if f.Participant != "" && !containsString(ep.Participants, f.Participant) {
		return false
	}
	if f.Tag != "" && !containsString(ep.Tags, f.Tag) {
		return false
	}
	return true
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
