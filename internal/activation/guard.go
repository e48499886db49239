package activation

import (
	"sync"
	"time"
)

// AttemptGuard blocks clients that fail verification too often. A client
// that reaches maxFailures within window is blocked for blockFor.
type AttemptGuard struct {
	mu          sync.Mutex
	failures    map[string]int
	lastFailure map[string]time.Time
	blocked     map[string]time.Time

	maxFailures int
	window      time.Duration
	blockFor    time.Duration
}

// GuardStats is a point-in-time view of the guard.
type GuardStats struct {
	Tracked     int    `json:"tracked"`
	Blocked     int    `json:"blocked"`
	MaxFailures int    `json:"maxFailures"`
	Window      string `json:"window"`
	BlockFor    string `json:"blockFor"`
}

// NewAttemptGuard creates a guard. maxFailures <= 0 disables blocking.
func NewAttemptGuard(maxFailures int, window, blockFor time.Duration) *AttemptGuard {
	return &AttemptGuard{
		failures:    make(map[string]int),
		lastFailure: make(map[string]time.Time),
		blocked:     make(map[string]time.Time),
		maxFailures: maxFailures,
		window:      window,
		blockFor:    blockFor,
	}
}

// Blocked reports whether client is currently locked out.
func (g *AttemptGuard) Blocked(client string, now time.Time) bool {
	if g == nil || g.maxFailures <= 0 {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	since, ok := g.blocked[client]
	if !ok {
		return false
	}
	if now.Sub(since) < g.blockFor {
		return true
	}
	delete(g.blocked, client)
	return false
}

// Record counts an attempt. It returns false when this failure blocked the client.
func (g *AttemptGuard) Record(client string, success bool, now time.Time) bool {
	if g == nil || g.maxFailures <= 0 {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if success {
		delete(g.failures, client)
		delete(g.lastFailure, client)
		return true
	}

	if last, ok := g.lastFailure[client]; ok && now.Sub(last) <= g.window {
		g.failures[client]++
	} else {
		g.failures[client] = 1
	}
	g.lastFailure[client] = now

	if g.failures[client] >= g.maxFailures {
		g.blocked[client] = now
		delete(g.failures, client)
		delete(g.lastFailure, client)
		return false
	}
	return true
}

// Prune drops counters and blocks that no longer matter at now.
func (g *AttemptGuard) Prune(now time.Time) int {
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for client, last := range g.lastFailure {
		if now.Sub(last) > g.window {
			delete(g.failures, client)
			delete(g.lastFailure, client)
			removed++
		}
	}
	for client, since := range g.blocked {
		if now.Sub(since) >= g.blockFor {
			delete(g.blocked, client)
			removed++
		}
	}
	return removed
}

// Stats returns current counters.
func (g *AttemptGuard) Stats() GuardStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return GuardStats{
		Tracked:     len(g.failures),
		Blocked:     len(g.blocked),
		MaxFailures: g.maxFailures,
		Window:      g.window.String(),
		BlockFor:    g.blockFor.String(),
	}
}
