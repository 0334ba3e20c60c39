package pkce

import (
	"sync"
	"time"
)

// pruneThreshold bounds the consumed-token map before an inline sweep runs.
const pruneThreshold = 4096

// ReplayGuard gives state tokens single-use semantics: age-window validation
// alone lets a captured token complete a second callback inside the window.
// Entries live in process memory, so the guard covers single-process
// deployments only.
type ReplayGuard struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

// NewReplayGuard creates a guard whose entries expire after ttl. ttl should
// match the state max age; a non-positive ttl falls back to
// DefaultStateMaxAge.
func NewReplayGuard(ttl time.Duration) *ReplayGuard {
	if ttl <= 0 {
		ttl = DefaultStateMaxAge
	}
	return &ReplayGuard{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// WithClock overrides the time source for tests.
func (g *ReplayGuard) WithClock(now func() time.Time) *ReplayGuard {
	g.now = now
	return g
}

// Consume marks token used. The first call within the ttl returns true;
// repeat calls return false until the entry expires.
func (g *ReplayGuard) Consume(token string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if expiry, ok := g.seen[token]; ok && now.Before(expiry) {
		return false
	}

	if len(g.seen) >= pruneThreshold {
		g.pruneLocked(now)
	}

	g.seen[token] = now.Add(g.ttl)
	return true
}

// Prune drops expired entries. Consume prunes on its own once the map
// grows; explicit calls are for periodic maintenance.
func (g *ReplayGuard) Prune() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked(g.now())
}

func (g *ReplayGuard) pruneLocked(now time.Time) {
	for token, expiry := range g.seen {
		if !now.Before(expiry) {
			delete(g.seen, token)
		}
	}
}
