// Package router selects a target session for each recipient. The default
// strategy is sticky: a recipient keeps their session for 24h so a contact
// always hears from the same number, which is the main anti-ban lever.
package router

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/waflow/antiban-dispatcher/internal/domain"
)

// Strategy names the session-selection policies.
type Strategy string

const (
	StrategySticky      Strategy = "sticky"
	StrategyHealth      Strategy = "health"
	StrategyLeastLoaded Strategy = "least-loaded"
	StrategyRoundRobin  Strategy = "round-robin"
	StrategyRandom      Strategy = "random"
)

// Sticky entries outlive session queues by design: both share the 24h
// horizon.
const stickyTTL = 24 * time.Hour

// Request carries the routing inputs for one task.
type Request struct {
	To               string
	PreferredSession string
	FromNumber       string
}

type stickyEntry struct {
	sessionID string
	expiresAt time.Time
}

// Router is safe for concurrent use; in this dispatcher it is driven by the
// single intake loop.
type Router struct {
	mu      sync.Mutex
	sticky  map[string]stickyEntry
	rrIndex int
	rng     *rand.Rand
	now     func() time.Time
}

// New builds a router with an empty sticky map.
func New() *Router {
	return &Router{
		sticky: make(map[string]stickyEntry),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // tie-breaking, not crypto
		now:    time.Now,
	}
}

// Select picks a session for the request using the given strategy.
func (r *Router) Select(sessions []domain.Session, req Request, strategy Strategy) (domain.Session, error) {
	healthy := make([]domain.Session, 0, len(sessions))
	for _, s := range sessions {
		if s.Connected() && !s.Banned && !s.RateLimited {
			healthy = append(healthy, s)
		}
	}
	if len(healthy) == 0 {
		for _, s := range sessions {
			if s.Status == domain.SessionConnected {
				healthy = append(healthy, s)
			}
		}
	}
	if len(healthy) == 0 {
		return domain.Session{}, fmt.Errorf("op=router.Select: %w", domain.ErrNoSessions)
	}

	if req.PreferredSession != "" {
		for _, s := range healthy {
			if s.SessionID == req.PreferredSession {
				return s, nil
			}
		}
	}
	if req.FromNumber != "" {
		for _, s := range healthy {
			if s.Phone == req.FromNumber {
				return s, nil
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	switch strategy {
	case StrategyHealth:
		return r.selectHealth(healthy, req.To), nil
	case StrategyLeastLoaded:
		return leastLoaded(healthy), nil
	case StrategyRoundRobin:
		s := healthy[r.rrIndex%len(healthy)]
		r.rrIndex++
		return s, nil
	case StrategyRandom:
		return healthy[r.rng.Intn(len(healthy))], nil
	default:
		return r.selectSticky(healthy, req.To), nil
	}
}

// selectSticky reuses the cached session while it stays healthy; otherwise
// it re-pins the recipient to the least-loaded session.
func (r *Router) selectSticky(healthy []domain.Session, to string) domain.Session {
	now := r.now()
	if e, ok := r.sticky[to]; ok && now.Before(e.expiresAt) {
		for _, s := range healthy {
			if s.SessionID == e.sessionID {
				return s
			}
		}
	}
	s := leastLoaded(healthy)
	r.sticky[to] = stickyEntry{sessionID: s.SessionID, expiresAt: now.Add(stickyTTL)}
	return s
}

// selectHealth scores candidates and picks the highest; the winner becomes
// the recipient's sticky session.
func (r *Router) selectHealth(healthy []domain.Session, to string) domain.Session {
	now := r.now()
	var stickyID string
	if e, ok := r.sticky[to]; ok && now.Before(e.expiresAt) {
		stickyID = e.sessionID
	}
	best := healthy[0]
	bestScore := -1.0
	for _, s := range healthy {
		score := 100.0
		load := float64(s.MessageCount) / 10
		if load > 30 {
			load = 30
		}
		score -= load
		score -= 10 * float64(s.RecentErrors)
		if s.LastPing > 0 && now.UnixMilli()-s.LastPing > 120_000 {
			score -= 20
		}
		if s.SessionID == stickyID {
			score += 20
		}
		score += r.rng.Float64() * 10
		if score > bestScore {
			bestScore = score
			best = s
		}
	}
	r.sticky[to] = stickyEntry{sessionID: best.SessionID, expiresAt: now.Add(stickyTTL)}
	return best
}

func leastLoaded(healthy []domain.Session) domain.Session {
	best := healthy[0]
	for _, s := range healthy[1:] {
		if s.MessageCount < best.MessageCount {
			best = s
		}
	}
	return best
}

// Sweep removes expired sticky entries and returns how many were dropped.
// The dispatcher runs this hourly.
func (r *Router) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	dropped := 0
	for to, e := range r.sticky {
		if !now.Before(e.expiresAt) {
			delete(r.sticky, to)
			dropped++
		}
	}
	return dropped
}

// StickyLen reports the sticky map size, for observability.
func (r *Router) StickyLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sticky)
}
