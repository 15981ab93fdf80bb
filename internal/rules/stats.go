package rules

import (
	"sync"

	"softmock/pkg/model"
)

type stats struct {
	mu       sync.Mutex
	total    int64
	captured int64
	skipped  int64
	mocked   int64
	byRule   map[model.RuleID]int64
}

func newStats() *stats {
	return &stats{byRule: make(map[model.RuleID]int64)}
}

func (s *stats) record(r *model.Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	if r == nil || r.Action != model.RuleActionSkip {
		s.captured++
	} else {
		s.skipped++
	}
	if r != nil {
		s.byRule[r.ID]++
	}
}

func (s *stats) recordMocked() {
	s.mu.Lock()
	s.mocked++
	s.mu.Unlock()
}

func (s *stats) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total, s.captured, s.skipped, s.mocked = 0, 0, 0, 0
	s.byRule = make(map[model.RuleID]int64)
}

func (s *stats) snapshot() model.EngineStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := model.EngineStats{
		Total:    s.total,
		Captured: s.captured,
		Skipped:  s.skipped,
		Mocked:   s.mocked,
		ByRule:   make(map[model.RuleID]int64, len(s.byRule)),
	}
	for k, v := range s.byRule {
		out.ByRule[k] = v
	}
	return out
}
