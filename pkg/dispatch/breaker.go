package dispatch

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/chengis/chengis/pkg/config"
)

// breakerSet holds one circuit breaker per agent. gobreaker supplies the
// failure counting and the open/half-open probe cycle; on top of it each
// re-open doubles a penalty window, capped by config, so a repeatedly
// failing agent is probed less and less often.
type breakerSet struct {
	cfg *config.DispatcherConfig

	mu       sync.Mutex
	breakers map[string]*agentBreaker
}

type agentBreaker struct {
	cb *gobreaker.CircuitBreaker
	// consecutiveOpens counts open transitions without an intervening
	// success; it drives the exponential penalty.
	consecutiveOpens int
	notBefore        time.Time
}

func newBreakerSet(cfg *config.DispatcherConfig) *breakerSet {
	return &breakerSet{cfg: cfg, breakers: make(map[string]*agentBreaker)}
}

func (s *breakerSet) get(agentID string) *agentBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	ab, ok := s.breakers[agentID]
	if !ok {
		ab = &agentBreaker{}
		ab.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     "agent-" + agentID,
			Interval: s.cfg.BreakerWindow,
			Timeout:  s.cfg.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.TotalFailures >= uint32(s.cfg.BreakerFailures)
			},
			OnStateChange: func(_ string, _, to gobreaker.State) {
				s.onStateChange(agentID, to)
			},
		})
		s.breakers[agentID] = ab
	}
	return ab
}

func (s *breakerSet) onStateChange(agentID string, to gobreaker.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ab, ok := s.breakers[agentID]
	if !ok {
		return
	}
	switch to {
	case gobreaker.StateOpen:
		ab.consecutiveOpens++
		penalty := s.cfg.BreakerCooldown << (ab.consecutiveOpens - 1)
		if limit := s.cfg.BreakerMaxCooldown; limit > 0 && penalty > limit {
			penalty = limit
		}
		ab.notBefore = time.Now().Add(penalty)
	case gobreaker.StateClosed:
		ab.consecutiveOpens = 0
		ab.notBefore = time.Time{}
	}
}

// allows reports whether the agent may receive a build right now.
func (s *breakerSet) allows(agentID string) bool {
	ab := s.get(agentID)

	s.mu.Lock()
	notBefore := ab.notBefore
	s.mu.Unlock()
	if time.Now().Before(notBefore) {
		return false
	}
	return ab.cb.State() != gobreaker.StateOpen
}

// execute runs fn under the agent's breaker.
func (s *breakerSet) execute(agentID string, fn func() error) error {
	ab := s.get(agentID)
	_, err := ab.cb.Execute(func() (any, error) { return nil, fn() })
	return err
}
