package gossip

import (
	"sync"
	"time"
)

// RateLimitVerdict is the outcome of a per-peer rate-limit check.
type RateLimitVerdict int

const (
	RateLimitAllowed RateLimitVerdict = iota
	RateLimitThrottled
	RateLimitBanned
)

// RateLimitResult carries the verdict and, for bans, the remaining ban
// duration.
type RateLimitResult struct {
	Verdict   RateLimitVerdict
	Remaining time.Duration
}

// RateLimitConfig configures the per-peer sliding-window limiter.
type RateLimitConfig struct {
	MessagesPerWindow int
	Window            time.Duration
	BanDuration       time.Duration
	BanThreshold      int
}

// DefaultRateLimitConfig allows 100 messages per 10s window, banning a
// peer for 5 minutes after 3 violations.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MessagesPerWindow: 100,
		Window:            10 * time.Second,
		BanDuration:       5 * time.Minute,
		BanThreshold:      3,
	}
}

type peerRateState struct {
	arrivals    []time.Time
	violations  int
	bannedUntil time.Time
}

// RateLimiter enforces a per-peer message budget: a sliding window of
// arrival counts, escalating to a ban after BanThreshold violations. A
// continuous token bucket doesn't fit here — the transient Throttled
// verdict and the stateful Banned verdict need a violation counter
// between them.
type RateLimiter struct {
	mu    sync.Mutex
	cfg   RateLimitConfig
	peers map[string]*peerRateState
}

// NewRateLimiter constructs a RateLimiter with the given configuration.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{cfg: cfg, peers: make(map[string]*peerRateState)}
}

// Check records an arrival from peer and returns the resulting verdict.
func (r *RateLimiter) Check(peer string) RateLimitResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	st, ok := r.peers[peer]
	if !ok {
		st = &peerRateState{}
		r.peers[peer] = st
	}

	if now.Before(st.bannedUntil) {
		return RateLimitResult{Verdict: RateLimitBanned, Remaining: st.bannedUntil.Sub(now)}
	}

	st.arrivals = append(st.arrivals, now)
	cutoff := now.Add(-r.cfg.Window)
	kept := st.arrivals[:0]
	for _, t := range st.arrivals {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	st.arrivals = kept

	if len(st.arrivals) > r.cfg.MessagesPerWindow {
		st.violations++
		if st.violations >= r.cfg.BanThreshold {
			st.bannedUntil = now.Add(r.cfg.BanDuration)
			return RateLimitResult{Verdict: RateLimitBanned, Remaining: r.cfg.BanDuration}
		}
		return RateLimitResult{Verdict: RateLimitThrottled}
	}

	return RateLimitResult{Verdict: RateLimitAllowed}
}

// Reset clears all rate-limit state for peer, including any active ban.
func (r *RateLimiter) Reset(peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, peer)
}
