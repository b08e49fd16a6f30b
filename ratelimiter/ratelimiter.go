// Package ratelimiter implements the sliding-window-log rate limiter with
// adaptive penalty/reward the risk engine orchestrator calls on every
// request, plus the token-bucket, leaky-bucket, and weighted-sliding-window
// primitives the spec keeps as part of the contract even though the
// orchestrator itself only calls Check.
package ratelimiter

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/fcaptcha/riskengine/numeric"
	"github.com/fcaptcha/riskengine/rmetrics"
	"github.com/fcaptcha/riskengine/store"
	"golang.org/x/time/rate"
)

// Backend is an optional networked sliding-window counter a caller can
// inject so several engine processes behind a load balancer share
// rate-limit state instead of each keeping its own local bucket.
// store/redisbackend.Backend implements this.
type Backend interface {
	CountInWindow(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error)
	Reset(ctx context.Context, key string) error
}

// Config controls limiter behavior. Zero-value fields are replaced with the
// spec's defaults by New.
type Config struct {
	DefaultLimit    int
	WindowSize      time.Duration
	BurstMultiplier float64
	PenaltyDecay    float64
	RewardRate      float64
	AdaptiveEnabled bool
	CleanupInterval time.Duration

	// Backend, when set, backs CheckDistributed with a shared counter.
	// Check (the path the risk engine orchestrator calls) never uses it.
	Backend Backend
}

func (c *Config) applyDefaults() {
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = 60
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 60 * time.Second
	}
	if c.BurstMultiplier <= 0 {
		c.BurstMultiplier = 2
	}
	if c.PenaltyDecay <= 0 || c.PenaltyDecay >= 1 {
		c.PenaltyDecay = 0.9
	}
	if c.RewardRate <= 0 {
		c.RewardRate = 0.2
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 60 * time.Second
	}
}

// Reason codes for a denied check.
const (
	ReasonBurstExceeded = "burstExceeded"
	ReasonRateExceeded  = "rateExceeded"
)

// CheckOptions carries the per-call modifiers to the base limit.
type CheckOptions struct {
	// RiskScore in (0,1] shrinks the effective limit; 0 means "unknown/no
	// risk signal available" and leaves the limit unshrunk.
	RiskScore float64
}

// Result is the outcome of a single Check call.
type Result struct {
	Allowed      bool
	Remaining    int
	ResetIn      time.Duration
	Limit        int
	CurrentCount int
	Severity     float64
	Reason       string
	RetryAfter   time.Duration
}

type windowBucket struct {
	Requests   []int64 // ms timestamps, ascending
	CreatedAt  int64
	LastAccess int64
	Violations int
}

// Limiter implements the sliding-window-log primary API plus the
// alternative token-bucket, leaky-bucket, and weighted-log primitives. Its
// per-identity buckets and penalties live in the shared store, per the
// spec's "co-located behind the store interface" resource model.
type Limiter struct {
	cfg     Config
	st      *store.Store
	metrics *rmetrics.Collector
	backend Backend

	tokenBuckets sync.Map // key -> *rate.Limiter
	leakyBuckets sync.Map // key -> *leakyBucket

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a Limiter backed by st. st must not be nil.
func New(st *store.Store, cfg Config, metrics *rmetrics.Collector) *Limiter {
	cfg.applyDefaults()
	l := &Limiter{cfg: cfg, st: st, metrics: metrics, backend: cfg.Backend, stopCh: make(chan struct{})}
	l.wg.Add(1)
	go l.cleanupLoop()
	return l
}

// Close stops the background stale-bucket sweeper.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}

func bucketKey(id, endpoint string) string { return "rl:bucket:" + id + ":" + endpoint }
func penaltyKey(id string) string          { return "rl:penalty:" + id }

// Penalty returns identity's current penalty multiplier, defaulting to 1
// (no penalty) when unset.
func (l *Limiter) Penalty(id string) float64 {
	v, ok := l.st.Get(penaltyKey(id))
	if !ok {
		return 1
	}
	return v.(float64)
}

// Check runs the sliding-window-log algorithm for identity id against
// endpoint, per spec.md §4.2: prune the window, compute the effective
// limit from the identity's penalty and opts.RiskScore, and either admit
// the request (appending now to the window and rewarding compliant
// traffic) or deny it (escalating the penalty in proportion to how far the
// current count has climbed from the limit toward the burst limit, at full
// severity once it reaches the burst limit).
func (l *Limiter) Check(id, endpoint string, opts CheckOptions) Result {
	now := time.Now()
	nowMs := now.UnixMilli()
	windowMs := l.cfg.WindowSize.Milliseconds()

	penalty := l.Penalty(id)
	limit := l.effectiveLimit(penalty, opts.RiskScore)
	burstLimit := int(math.Floor(float64(limit) * l.cfg.BurstMultiplier))
	if burstLimit < limit {
		burstLimit = limit
	}

	var result Result
	var oldestMs int64

	key := bucketKey(id, endpoint)
	l.st.Update(key, func(current interface{}) (interface{}, bool) {
		var b windowBucket
		if current != nil {
			b = current.(windowBucket)
		} else {
			b.CreatedAt = nowMs
		}

		// Prune timestamps older than the window.
		cutoff := nowMs - windowMs
		pruned := b.Requests[:0:0]
		for _, ts := range b.Requests {
			if ts > cutoff {
				pruned = append(pruned, ts)
			}
		}
		b.Requests = pruned
		b.LastAccess = nowMs

		currentCount := len(b.Requests)
		if len(b.Requests) > 0 {
			oldestMs = b.Requests[0]
		} else {
			oldestMs = nowMs
		}

		if currentCount >= limit {
			var severity float64
			if currentCount >= burstLimit {
				severity = 1
			} else {
				severity = float64(currentCount-limit) / float64(burstLimit-limit)
			}
			newPenalty := math.Min(penalty*(1+0.5*severity), 10)
			b.Violations++

			reason := ReasonRateExceeded
			if currentCount >= burstLimit {
				reason = ReasonBurstExceeded
			}
			retryAfter := time.Duration(float64(l.cfg.WindowSize/10) * severity * newPenalty)

			result = Result{
				Allowed:      false,
				Remaining:    0,
				ResetIn:      resetIn(oldestMs, windowMs, nowMs),
				Limit:        limit,
				CurrentCount: currentCount,
				Severity:     severity,
				Reason:       reason,
				RetryAfter:   retryAfter,
			}
			l.setPenalty(id, newPenalty)
			return b, true
		}

		// Admit: append now, and reward compliant traffic.
		b.Requests = append(b.Requests, nowMs)
		if l.cfg.AdaptiveEnabled && currentCount < limit/2 {
			newPenalty := math.Max(penalty*l.cfg.PenaltyDecay, 1)
			if newPenalty-1 < 1e-6 {
				l.st.Delete(penaltyKey(id))
			} else {
				l.setPenalty(id, newPenalty)
			}
		}

		remaining := limit - currentCount - 1
		if remaining < 0 {
			remaining = 0
		}
		result = Result{
			Allowed:      true,
			Remaining:    remaining,
			ResetIn:      resetIn(oldestMs, windowMs, nowMs),
			Limit:        limit,
			CurrentCount: currentCount + 1,
		}
		return b, true
	})

	if l.metrics != nil {
		l.metrics.SetRateLimitBuckets(len(l.st.Keys("rl:bucket:*")))
	}
	return result
}

// CheckDistributed makes the same admit/deny decision as Check, but counts
// requests against cfg.Backend instead of the local bucket, so several
// engine processes enforce one shared limit per identity+endpoint. Falls
// back to Check when no Backend is configured or the Backend errs (e.g. a
// tripped circuit breaker). The deny condition is currentCount >= limit,
// the same boundary Check itself uses; unlike Check, the backend's
// CountInWindow call always records the current request before the
// admit/deny decision is made, so a denied distributed check still counts
// toward the window, and the request that brings the shared count up to
// the limit is the one denied rather than the first one past it.
func (l *Limiter) CheckDistributed(ctx context.Context, id, endpoint string, opts CheckOptions) Result {
	if l.backend == nil {
		return l.Check(id, endpoint, opts)
	}

	now := time.Now()
	count, err := l.backend.CountInWindow(ctx, bucketKey(id, endpoint), now, l.cfg.WindowSize)
	if err != nil {
		return l.Check(id, endpoint, opts)
	}

	penalty := l.Penalty(id)
	limit := l.effectiveLimit(penalty, opts.RiskScore)
	burstLimit := int(math.Floor(float64(limit) * l.cfg.BurstMultiplier))
	if burstLimit < limit {
		burstLimit = limit
	}
	currentCount := int(count)

	if currentCount >= limit {
		var severity float64
		if currentCount >= burstLimit {
			severity = 1
		} else {
			severity = float64(currentCount-limit) / float64(burstLimit-limit)
		}
		newPenalty := math.Min(penalty*(1+0.5*severity), 10)
		reason := ReasonRateExceeded
		if currentCount >= burstLimit {
			reason = ReasonBurstExceeded
		}
		l.setPenalty(id, newPenalty)
		return Result{
			Allowed:      false,
			Remaining:    0,
			ResetIn:      l.cfg.WindowSize,
			Limit:        limit,
			CurrentCount: currentCount,
			Severity:     severity,
			Reason:       reason,
			RetryAfter:   time.Duration(float64(l.cfg.WindowSize/10) * severity * newPenalty),
		}
	}

	remaining := limit - currentCount
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:      true,
		Remaining:    remaining,
		ResetIn:      l.cfg.WindowSize,
		Limit:        limit,
		CurrentCount: currentCount,
	}
}

func resetIn(oldestMs, windowMs, nowMs int64) time.Duration {
	resetAt := oldestMs + windowMs - nowMs
	if resetAt < 0 {
		resetAt = 0
	}
	return time.Duration(resetAt) * time.Millisecond
}

func (l *Limiter) setPenalty(id string, p float64) {
	l.st.Set(penaltyKey(id), p, 0)
}

// effectiveLimit implements floor(base/penalty), then the riskScore
// multiplier (1-0.7*riskScore), floored at 1.
func (l *Limiter) effectiveLimit(penalty, riskScore float64) int {
	limit := math.Floor(float64(l.cfg.DefaultLimit) / penalty)
	if riskScore > 0 && riskScore <= 1 {
		limit *= 1 - 0.7*riskScore
	}
	if limit < 1 {
		limit = 1
	}
	return int(limit)
}

// Reset purges all rate-limiter state — bucket and penalty — for id across
// every endpoint, satisfying the identity-reset atomicity invariant from
// the caller's point of view (each per-endpoint bucket delete is itself
// atomic; a reader never observes a partially-reset identity within a
// single Check call since Check always re-reads fresh state).
func (l *Limiter) Reset(id string) {
	for _, k := range l.st.Keys("rl:bucket:" + id + ":*") {
		l.st.Delete(k)
	}
	l.st.Delete(penaltyKey(id))
}

func (l *Limiter) cleanupLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.cleanupStaleBuckets()
		}
	}
}

func (l *Limiter) cleanupStaleBuckets() {
	staleAfterMs := 10 * l.cfg.WindowSize.Milliseconds()
	nowMs := time.Now().UnixMilli()
	for _, k := range l.st.Keys("rl:bucket:*") {
		v, ok := l.st.Get(k)
		if !ok {
			continue
		}
		b := v.(windowBucket)
		if nowMs-b.LastAccess > staleAfterMs {
			l.st.Delete(k)
		}
	}
}

// --- Adaptive limit recomputation -----------------------------------------

// AdaptiveRecompute derives a revised per-identity limit from a window of
// observed usage fractions (currentCount/limit per check), following
// spec.md §4.2: a consistently under-used identity (mean<0.3, peak<0.5)
// earns a higher limit; a consistently saturated one (mean>0.8 or
// peak>0.95) is throttled. riskScore further shrinks the result. Requires
// at least 50 samples to activate; returns defaultLimit unchanged
// otherwise.
func AdaptiveRecompute(usageFractions []float64, defaultLimit int, riskScore float64) int {
	if len(usageFractions) < 50 {
		return defaultLimit
	}
	mean := numeric.Mean(usageFractions)
	peak := 0.0
	for _, v := range usageFractions {
		if v > peak {
			peak = v
		}
	}

	limit := float64(defaultLimit)
	switch {
	case mean < 0.3 && peak < 0.5:
		limit *= 1.2
	case mean > 0.8 || peak > 0.95:
		limit *= 0.8
	}

	lo := float64(defaultLimit) * 0.1
	hi := float64(defaultLimit) * 3
	limit = numeric.Clamp(limit, lo, hi)

	if riskScore > 0 {
		limit *= 1 - 0.5*riskScore
	}
	if limit < 1 {
		limit = 1
	}
	return int(math.Floor(limit))
}

// --- Token bucket ----------------------------------------------------------

// CheckTokenBucket implements the alternate token-bucket primitive: a
// namespaced key gets its own golang.org/x/time/rate.Limiter with the given
// capacity (burst) and refill rate (tokens/sec). cost is the number of
// tokens this call consumes; pass <=0 for the default cost of 1.
func (l *Limiter) CheckTokenBucket(key string, capacity int, refillPerSec float64, cost int) bool {
	if cost <= 0 {
		cost = 1
	}
	v, _ := l.tokenBuckets.LoadOrStore(key, rate.NewLimiter(rate.Limit(refillPerSec), capacity))
	limiter := v.(*rate.Limiter)
	return limiter.AllowN(time.Now(), cost)
}

// --- Leaky bucket ------------------------------------------------------------

type leakyBucket struct {
	mu       sync.Mutex
	level    float64
	capacity float64
	leakRate float64 // units/sec
	lastLeak time.Time
}

// CheckLeakyBucket implements the alternate leaky-bucket primitive: level
// leaks continuously at leakRate units/sec, capped at capacity. amount is
// the cost of this request; pass <=0 for the default of 1. Returns false
// (denied) when admitting amount would overflow capacity.
func (l *Limiter) CheckLeakyBucket(key string, capacity, leakRate, amount float64) bool {
	if amount <= 0 {
		amount = 1
	}
	v, _ := l.leakyBuckets.LoadOrStore(key, &leakyBucket{capacity: capacity, leakRate: leakRate, lastLeak: time.Now()})
	b := v.(*leakyBucket)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastLeak).Seconds()
	b.level = math.Max(0, b.level-elapsed*b.leakRate)
	b.lastLeak = now

	if b.level+amount > b.capacity {
		return false
	}
	b.level += amount
	return true
}

// --- Weighted sliding window -------------------------------------------------

// WeightedCount returns the sum of (1 - age/window) over every timestamp in
// timestampsMs that falls within window of now, implementing the
// sliding-window-weighted-log primitive: recent requests count close to 1,
// requests near the edge of the window count close to 0.
func WeightedCount(timestampsMs []int64, nowMs int64, window time.Duration) float64 {
	windowMs := float64(window.Milliseconds())
	if windowMs <= 0 {
		return 0
	}
	var total float64
	for _, ts := range timestampsMs {
		age := float64(nowMs - ts)
		if age < 0 || age > windowMs {
			continue
		}
		total += 1 - age/windowMs
	}
	return total
}
