package ratelimiter

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fcaptcha/riskengine/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is an in-memory stand-in for store/redisbackend.Backend so
// CheckDistributed can be exercised without a live Redis instance.
type fakeBackend struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	failing bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{windows: make(map[string][]time.Time)}
}

func (f *fakeBackend) CountInWindow(_ context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	if f.failing {
		return 0, fmt.Errorf("backend unavailable")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := now.Add(-window)
	kept := f.windows[key][:0]
	for _, ts := range f.windows[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	f.windows[key] = kept
	return int64(len(kept)), nil
}

func (f *fakeBackend) Reset(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.windows, key)
	return nil
}

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *store.Store) {
	s := store.New(store.Config{})
	l := New(s, cfg, nil)
	t.Cleanup(func() {
		l.Close()
		s.Close()
	})
	return l, s
}

func TestWithinLimitAllAllowed(t *testing.T) {
	l, _ := newTestLimiter(t, Config{DefaultLimit: 10, WindowSize: 10 * time.Second})
	for i := 0; i < 10; i++ {
		res := l.Check("user1", "login", CheckOptions{})
		assert.True(t, res.Allowed, "request %d should be allowed", i)
	}
}

func TestOverLimitDeniedWithRetryAfter(t *testing.T) {
	l, _ := newTestLimiter(t, Config{DefaultLimit: 10, WindowSize: 10 * time.Second, BurstMultiplier: 1})
	for i := 0; i < 10; i++ {
		require.True(t, l.Check("user1", "login", CheckOptions{}).Allowed)
	}
	res := l.Check("user1", "login", CheckOptions{})
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
	assert.Equal(t, ReasonBurstExceeded, res.Reason)
}

func TestWindowRecoveryAllowsAgain(t *testing.T) {
	l, _ := newTestLimiter(t, Config{DefaultLimit: 10, WindowSize: 50 * time.Millisecond, BurstMultiplier: 1})
	for i := 0; i < 10; i++ {
		require.True(t, l.Check("user1", "login", CheckOptions{}).Allowed)
	}
	require.False(t, l.Check("user1", "login", CheckOptions{}).Allowed)

	time.Sleep(60 * time.Millisecond)
	res := l.Check("user1", "login", CheckOptions{})
	assert.True(t, res.Allowed, "window should have rolled over, admitting a fresh request")
	assert.Equal(t, res.Limit-1, res.Remaining)
}

func TestPenaltyEscalatesOnRepeatedViolation(t *testing.T) {
	l, _ := newTestLimiter(t, Config{DefaultLimit: 10, WindowSize: 10 * time.Second, BurstMultiplier: 1})
	for i := 0; i < 10; i++ {
		require.True(t, l.Check("user1", "login", CheckOptions{}).Allowed)
	}
	l.Check("user1", "login", CheckOptions{})
	p1 := l.Penalty("user1")
	assert.Greater(t, p1, 1.0)

	l.Check("user1", "login", CheckOptions{})
	p2 := l.Penalty("user1")
	assert.GreaterOrEqual(t, p2, p1)
	assert.LessOrEqual(t, p2, 10.0)
}

func TestPenaltyDecaysOnlyOnCompliantTraffic(t *testing.T) {
	l, _ := newTestLimiter(t, Config{DefaultLimit: 10, WindowSize: 10 * time.Second, BurstMultiplier: 1, AdaptiveEnabled: true})
	for i := 0; i < 11; i++ {
		l.Check("user1", "login", CheckOptions{})
	}
	require.Greater(t, l.Penalty("user1"), 1.0)

	// Requests that each land in a fresh, near-empty window count as
	// compliant traffic and should decay the penalty back toward 1
	// without ever triggering another violation. Spreading across
	// endpoints keeps every bucket's currentCount below half the limit.
	for i := 0; i < 50; i++ {
		l.Check("user1", fmt.Sprintf("endpoint-%d", i), CheckOptions{})
	}
	assert.Equal(t, 1.0, l.Penalty("user1"))
}

func TestRiskScoreShrinksEffectiveLimit(t *testing.T) {
	l, _ := newTestLimiter(t, Config{DefaultLimit: 10, WindowSize: 10 * time.Second, BurstMultiplier: 1})
	res := l.Check("risky", "login", CheckOptions{RiskScore: 0.9})
	assert.Less(t, res.Limit, 10)
}

func TestResetClearsBucketAndPenalty(t *testing.T) {
	l, _ := newTestLimiter(t, Config{DefaultLimit: 2, WindowSize: 10 * time.Second, BurstMultiplier: 1})
	l.Check("user1", "login", CheckOptions{})
	l.Check("user1", "login", CheckOptions{})
	l.Check("user1", "login", CheckOptions{}) // violation, escalates penalty
	require.Greater(t, l.Penalty("user1"), 1.0)

	l.Reset("user1")
	assert.Equal(t, 1.0, l.Penalty("user1"))
	res := l.Check("user1", "login", CheckOptions{})
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.Remaining)
}

func TestAdaptiveRecomputeRequiresMinimumSamples(t *testing.T) {
	few := make([]float64, 10)
	assert.Equal(t, 60, AdaptiveRecompute(few, 60, 0))
}

func TestAdaptiveRecomputeRaisesLimitForUnderused(t *testing.T) {
	usage := make([]float64, 60)
	for i := range usage {
		usage[i] = 0.1
	}
	got := AdaptiveRecompute(usage, 60, 0)
	assert.Greater(t, got, 60)
	assert.LessOrEqual(t, got, 180) // clamp at default*3
}

func TestAdaptiveRecomputeLowersLimitForSaturated(t *testing.T) {
	usage := make([]float64, 60)
	for i := range usage {
		usage[i] = 0.95
	}
	got := AdaptiveRecompute(usage, 60, 0)
	assert.Less(t, got, 60)
	assert.GreaterOrEqual(t, got, 6) // clamp at default*0.1
}

func TestTokenBucketAllowsUpToCapacityThenDenies(t *testing.T) {
	l, _ := newTestLimiter(t, Config{})
	allowed := 0
	for i := 0; i < 10; i++ {
		if l.CheckTokenBucket("tb:key", 5, 0.001, 1) {
			allowed++
		}
	}
	assert.LessOrEqual(t, allowed, 5)
}

func TestLeakyBucketDeniesOverflow(t *testing.T) {
	l, _ := newTestLimiter(t, Config{})
	for i := 0; i < 5; i++ {
		assert.True(t, l.CheckLeakyBucket("lb:key", 5, 0.001, 1))
	}
	assert.False(t, l.CheckLeakyBucket("lb:key", 5, 0.001, 1))
}

func TestCheckDistributedUsesSharedBackendCount(t *testing.T) {
	backend := newFakeBackend()
	l, _ := newTestLimiter(t, Config{DefaultLimit: 5, WindowSize: 10 * time.Second, BurstMultiplier: 1, Backend: backend})

	// The backend's CountInWindow records the current request before
	// CheckDistributed decides, so the request that brings the count up to
	// the limit itself is the one denied — same >= boundary Check applies
	// to its own (pre-insert) count.
	for i := 0; i < 4; i++ {
		res := l.CheckDistributed(context.Background(), "shared-user", "login", CheckOptions{})
		assert.True(t, res.Allowed, "request %d should be allowed under the shared limit", i)
	}
	res := l.CheckDistributed(context.Background(), "shared-user", "login", CheckOptions{})
	assert.False(t, res.Allowed, "the 5th request brings the shared count to the limit and should be denied")
}

func TestCheckDistributedFallsBackToLocalOnBackendError(t *testing.T) {
	backend := newFakeBackend()
	backend.failing = true
	l, _ := newTestLimiter(t, Config{DefaultLimit: 3, WindowSize: 10 * time.Second, Backend: backend})

	res := l.CheckDistributed(context.Background(), "fallback-user", "login", CheckOptions{})
	assert.True(t, res.Allowed, "a failing backend should fall back to the local in-memory bucket")
}

func TestWeightedCountDecaysWithAge(t *testing.T) {
	now := int64(10_000)
	window := 10 * time.Second
	fresh := WeightedCount([]int64{now}, now, window)
	old := WeightedCount([]int64{now - 9000}, now, window)
	assert.Greater(t, fresh, old)
}
