// Package throttle spaces outbound requests per destination host. Each host
// gets an adaptive delay that decays while the host responds quickly and
// grows on slow responses and failures, bounded by fixed policy limits. An
// optional process-wide token bucket caps aggregate request rate on top.
package throttle

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Fixed policy limits for the adaptive delay. These are not configurable.
const (
	// MinDelay is the floor for the adaptive per-host delay.
	MinDelay = 50 * time.Millisecond
	// MaxDelay is the cap for the adaptive per-host delay.
	MaxDelay = 2 * time.Second

	fastResponse = 1 * time.Second
	slowResponse = 3 * time.Second

	decayFactor   = 0.9
	growthFactor  = 1.2
	failureFactor = 1.5

	// Hosts with more than penaltyRequests requests and a success rate
	// below penaltySuccessRate get their delay multiplied by penaltyFactor.
	penaltyFactor      = 1.5
	penaltyRequests    = 10
	penaltySuccessRate = 0.8

	latencyRingCap = 100
)

// RateLimit configures the optional process-wide token bucket.
type RateLimit struct {
	Requests int
	Window   time.Duration
}

// Options bound the host map and enable the global limiter.
type Options struct {
	HostTTL   time.Duration
	MaxHosts  int
	RateLimit RateLimit
}

// Throttle tracks per-host request statistics and computes the delay to
// apply before the next request to each host.
type Throttle struct {
	ttl      time.Duration
	maxHosts int
	global   *rate.Limiter

	mu    sync.Mutex
	hosts map[string]*hostState
}

type hostState struct {
	mu        sync.Mutex
	delay     time.Duration
	next      time.Time
	successes int
	failures  int
	latencies latencyRing

	lastSeen atomic.Int64
}

// HostStats is a point-in-time snapshot of one host's throttle state.
type HostStats struct {
	Host       string
	Delay      time.Duration
	Successes  int
	Failures   int
	AvgLatency time.Duration
}

// New creates a throttle. Zero option fields fall back to defaults.
func New(opts Options) *Throttle {
	if opts.HostTTL <= 0 {
		opts.HostTTL = time.Hour
	}
	if opts.MaxHosts <= 0 {
		opts.MaxHosts = 4096
	}
	t := &Throttle{
		ttl:      opts.HostTTL,
		maxHosts: opts.MaxHosts,
		hosts:    make(map[string]*hostState),
	}
	if rl := opts.RateLimit; rl.Requests > 0 && rl.Window > 0 {
		interval := rl.Window / time.Duration(rl.Requests)
		if interval <= 0 {
			interval = time.Millisecond
		}
		t.global = rate.NewLimiter(rate.Every(interval), rl.Requests)
	}
	return t
}

// Acquire blocks until a request to rawURL's host may start. The host's
// reservation is advanced before sleeping so concurrent callers to the same
// host space out while callers to other hosts proceed independently.
func (t *Throttle) Acquire(ctx context.Context, rawURL string) error {
	if t == nil {
		return nil
	}
	if t.global != nil {
		if err := t.global.Wait(ctx); err != nil {
			return err
		}
	}
	host := HostOf(rawURL)
	if host == "" {
		return nil
	}

	h := t.host(host)

	h.mu.Lock()
	now := time.Now()
	start := h.next
	if start.Before(now) {
		start = now
	}
	h.next = start.Add(h.requiredDelayLocked())
	h.mu.Unlock()
	h.lastSeen.Store(now.UnixNano())

	wait := time.Until(start)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecordSuccess feeds one successful response back into the host's state.
// Fast responses decay the delay, slow ones grow it.
func (t *Throttle) RecordSuccess(rawURL string, elapsed time.Duration) {
	host := HostOf(rawURL)
	if t == nil || host == "" {
		return
	}
	h := t.host(host)

	h.mu.Lock()
	h.successes++
	h.latencies.push(elapsed)
	switch {
	case elapsed < fastResponse:
		h.delay = clamp(time.Duration(float64(h.delay) * decayFactor))
	case elapsed > slowResponse:
		h.delay = clamp(time.Duration(float64(h.delay) * growthFactor))
	}
	h.mu.Unlock()
	h.lastSeen.Store(time.Now().UnixNano())
}

// RecordFailure grows the host's delay after a failed request.
func (t *Throttle) RecordFailure(rawURL string) {
	host := HostOf(rawURL)
	if t == nil || host == "" {
		return
	}
	h := t.host(host)

	h.mu.Lock()
	h.failures++
	h.delay = clamp(time.Duration(float64(h.delay) * failureFactor))
	h.mu.Unlock()
	h.lastSeen.Store(time.Now().UnixNano())
}

// RequiredDelay reports the delay the next request to rawURL's host would
// be subject to. Unknown hosts report the initial delay.
func (t *Throttle) RequiredDelay(rawURL string) time.Duration {
	host := HostOf(rawURL)
	if t == nil || host == "" {
		return MinDelay
	}
	t.mu.Lock()
	h, ok := t.hosts[host]
	t.mu.Unlock()
	if !ok {
		return MinDelay
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.requiredDelayLocked()
}

// Stats snapshots the throttle state for rawURL's host.
func (t *Throttle) Stats(rawURL string) (HostStats, bool) {
	host := HostOf(rawURL)
	if t == nil || host == "" {
		return HostStats{}, false
	}
	t.mu.Lock()
	h, ok := t.hosts[host]
	t.mu.Unlock()
	if !ok {
		return HostStats{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return HostStats{
		Host:       host,
		Delay:      h.delay,
		Successes:  h.successes,
		Failures:   h.failures,
		AvgLatency: h.latencies.average(),
	}, true
}

// host returns the state for host, creating it on first sight. Inserting a
// new host sweeps expired entries and evicts the idlest one past the cap.
func (t *Throttle) host(host string) *hostState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.hosts[host]; ok {
		return h
	}
	now := time.Now()
	t.removeExpiredLocked(now)
	if len(t.hosts) >= t.maxHosts {
		t.evictOldestLocked()
	}
	h := &hostState{delay: MinDelay}
	h.lastSeen.Store(now.UnixNano())
	t.hosts[host] = h
	return h
}

func (t *Throttle) removeExpiredLocked(now time.Time) {
	cutoff := now.Add(-t.ttl).UnixNano()
	for key, h := range t.hosts {
		if h.lastSeen.Load() < cutoff {
			delete(t.hosts, key)
		}
	}
}

func (t *Throttle) evictOldestLocked() {
	var oldestKey string
	var oldest int64
	for key, h := range t.hosts {
		seen := h.lastSeen.Load()
		if oldestKey == "" || seen < oldest {
			oldestKey = key
			oldest = seen
		}
	}
	if oldestKey != "" {
		delete(t.hosts, oldestKey)
	}
}

// requiredDelayLocked applies the low-success-rate penalty on top of the
// adaptive delay. Caller holds h.mu.
func (h *hostState) requiredDelayLocked() time.Duration {
	delay := h.delay
	if total := h.successes + h.failures; total > penaltyRequests {
		if rate := float64(h.successes) / float64(total); rate < penaltySuccessRate {
			delay = time.Duration(float64(delay) * penaltyFactor)
		}
	}
	return clamp(delay)
}

func clamp(d time.Duration) time.Duration {
	if d < MinDelay {
		return MinDelay
	}
	if d > MaxDelay {
		return MaxDelay
	}
	return d
}

// HostOf extracts the lowercased host from a URL. Bare host strings are
// accepted as-is.
func HostOf(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		return strings.ToLower(u.Hostname())
	}
	host := rawURL
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	return strings.ToLower(host)
}

type latencyRing struct {
	buf  [latencyRingCap]time.Duration
	next int
	size int
}

func (r *latencyRing) push(d time.Duration) {
	r.buf[r.next] = d
	r.next = (r.next + 1) % latencyRingCap
	if r.size < latencyRingCap {
		r.size++
	}
}

func (r *latencyRing) average() time.Duration {
	if r.size == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < r.size; i++ {
		sum += r.buf[i]
	}
	return sum / time.Duration(r.size)
}
