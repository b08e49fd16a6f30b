package riskengine

import (
	"testing"
	"time"

	"github.com/fcaptcha/riskengine/behavior"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T, cfg Config) *Engine {
	e := New(cfg)
	t.Cleanup(e.Close)
	return e
}

func TestEvaluateColdStartSingleRequestAllowsLowRisk(t *testing.T) {
	e := newEngine(t, Config{})

	d := e.Evaluate(Request{
		IP:     "203.0.113.5",
		Method: "GET",
		Path:   "/home",
		Action: "get",
		Headers: map[string]string{
			"user-agent": "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 Chrome/124.0 Safari/537.36",
		},
		Client: &Client{
			Timezone:       "America/Los_Angeles",
			ScreenWidth:    1920,
			ScreenHeight:   1080,
			ColorDepth:     24,
			Platform:       "Win32",
			CookiesEnabled: true,
			CanvasHash:     "abc123",
			WebglHash:      "def456",
		},
	})

	assert.True(t, d.Allowed)
	assert.Equal(t, ActionAllow, d.Action.Type)
	assert.Contains(t, []RiskLevel{LevelMinimal, LevelLow}, d.RiskLevel)
	assert.Nil(t, d.Components.Behavior, "a single request has too few events for a behavior baseline")
	assert.GreaterOrEqual(t, d.RiskScore, 0.0)
	assert.LessOrEqual(t, d.RiskScore, 1.0)
}

func TestEvaluateRoboticTimingElevatesBehaviorComponent(t *testing.T) {
	e := newEngine(t, Config{})
	identity := "robo-user"

	nowMs := time.Now().UnixMilli()
	seeded := make([]interface{}, 0, 99)
	for i := 0; i < 99; i++ {
		seeded = append(seeded, behavior.Event{
			TimestampMs:  nowMs - int64(99-i)*1000,
			Action:       "click",
			Endpoint:     "/dashboard",
			ResponseTime: 120,
		})
	}
	e.st.Set(eventKey(identity), seeded, 0)

	d := e.Evaluate(Request{
		UserID: identity,
		IP:     "203.0.113.9",
		Method: "POST",
		Path:   "/dashboard",
		Action: "click",
		Endpoint: "/dashboard",
		Headers: map[string]string{"user-agent": "Mozilla/5.0"},
	})

	require.NotNil(t, d.Components.Behavior, "100 events is well past the minimum sample count")
	assert.GreaterOrEqual(t, *d.Components.Behavior, 0.5,
		"perfectly metronomic 1s spacing and a single repeated action/endpoint should read as strongly automated")
}

func TestEvaluateBruteForceLoginFloorsRiskAboveMedium(t *testing.T) {
	e := newEngine(t, Config{
		RateLimit: RateLimitConfig{DefaultLimit: 1000, WindowSize: time.Minute},
	})

	var last Decision
	for i := 0; i < 6; i++ {
		last = e.Evaluate(Request{
			IP:       "198.51.100.20",
			Method:   "POST",
			Path:     "/api/login",
			Endpoint: "/api/login",
			Action:   "login",
			Headers:  map[string]string{"user-agent": "Mozilla/5.0"},
		})
	}

	assert.Equal(t, "bruteForce", last.AttackType)
	assert.GreaterOrEqual(t, last.RiskScore, FloorAttackType)
	assert.NotEqual(t, ActionAllow, last.Action.Type)
}

func TestEvaluateBotUserAgentFloorsRiskAndBlocks(t *testing.T) {
	e := newEngine(t, Config{})

	d := e.Evaluate(Request{
		IP:       "34.123.45.67", // falls in a known datacenter range
		Method:   "GET",
		Path:     "/api/data",
		Endpoint: "/api/data",
		Action:   "get",
		Headers:  map[string]string{"user-agent": "python-requests/2.31 crawler"},
		Client:   &Client{NoJS: true},
	})

	assert.GreaterOrEqual(t, d.RiskScore, FloorBotDetected)
	assert.Contains(t, []ActionType{ActionBlock, ActionBan}, d.Action.Type)
	assert.False(t, d.Allowed)
}

func TestEvaluateRateLimitDeniesThenRecovers(t *testing.T) {
	e := newEngine(t, Config{
		RateLimit: RateLimitConfig{
			DefaultLimit:    10,
			WindowSize:      200 * time.Millisecond,
			BurstMultiplier: 1,
		},
	})

	req := Request{
		IP:       "198.51.100.40",
		Method:   "GET",
		Path:     "/api/resource",
		Endpoint: "/api/resource",
		Action:   "get",
		Headers:  map[string]string{"user-agent": "Mozilla/5.0"},
	}

	var eleventh Decision
	for i := 0; i < 11; i++ {
		eleventh = e.Evaluate(req)
	}
	require.NotNil(t, eleventh.Components.RateLimit)
	assert.Greater(t, *eleventh.Components.RateLimit, 0.0, "the 11th request in the window should be denied")
	assert.GreaterOrEqual(t, eleventh.RiskScore, FloorRateLimitDenied)

	time.Sleep(250 * time.Millisecond)

	recovered := e.Evaluate(req)
	require.NotNil(t, recovered.Components.RateLimit)
	assert.Equal(t, 0.0, *recovered.Components.RateLimit, "after the window elapses the identity should be allowed again")
}

func TestResetUserClearsAllProducerState(t *testing.T) {
	e := newEngine(t, Config{})
	identity := "reset-me"

	for i := 0; i < 15; i++ {
		e.Evaluate(Request{
			UserID:   identity,
			IP:       "198.51.100.60",
			Method:   "GET",
			Path:     "/api/login",
			Endpoint: "/api/login",
			Action:   "login",
			Headers:  map[string]string{"user-agent": "Mozilla/5.0"},
		})
	}

	e.ResetUser(identity)

	d := e.Evaluate(Request{
		UserID:   identity,
		IP:       "198.51.100.60",
		Method:   "GET",
		Path:     "/home",
		Endpoint: "/home",
		Action:   "get",
		Headers:  map[string]string{"user-agent": "Mozilla/5.0"},
	})

	assert.Nil(t, d.Components.Behavior, "reset should drop the behavior baseline built up before it")
	assert.Equal(t, "", d.AttackType, "reset should drop the pattern history that produced bruteForce")
	require.NotNil(t, d.Components.Reputation)
	assert.Equal(t, 0.0, *d.Components.Reputation)
}

func TestFingerprintComponentDeterministicForIdenticalClients(t *testing.T) {
	e := newEngine(t, Config{})

	mk := func(identity string) Decision {
		return e.Evaluate(Request{
			UserID:   identity,
			IP:       "203.0.113.77",
			Method:   "GET",
			Path:     "/home",
			Endpoint: "/home",
			Action:   "get",
			Headers:  map[string]string{"user-agent": "Mozilla/5.0"},
			Client: &Client{
				Timezone:     "UTC",
				ScreenWidth:  1366,
				ScreenHeight: 768,
				Platform:     "Win32",
				CanvasHash:   "same-canvas",
				WebglHash:    "same-webgl",
			},
		})
	}

	d1 := mk("fp-user-a")
	d2 := mk("fp-user-b")

	require.NotNil(t, d1.Components.Fingerprint)
	require.NotNil(t, d2.Components.Fingerprint)
	assert.Equal(t, *d1.Components.Fingerprint, *d2.Components.Fingerprint,
		"identical client attributes from distinct identities should fingerprint identically")
}

func TestEvaluateNeverPanicsOnAnEmptyRequest(t *testing.T) {
	e := newEngine(t, Config{})
	d := e.Evaluate(Request{})
	assert.Equal(t, "anonymous", d.UserID)
	assert.GreaterOrEqual(t, d.RiskScore, 0.0)
	assert.LessOrEqual(t, d.RiskScore, 1.0)
}

func TestApplyFloorsNeverLowersAnExistingHigherScore(t *testing.T) {
	assert.Equal(t, 0.95, applyFloors(0.95, true, true, true))
	assert.Equal(t, FloorBotDetected, applyFloors(0.1, false, true, false))
	assert.Equal(t, FloorRateLimitDenied, applyFloors(0.0, false, false, true))
	assert.Equal(t, 0.0, applyFloors(0.0, false, false, false))
}

func TestLevelForCascadesThresholds(t *testing.T) {
	th := defaultThresholds()
	assert.Equal(t, LevelMinimal, levelFor(0.0, th))
	assert.Equal(t, LevelLow, levelFor(0.3, th))
	assert.Equal(t, LevelMedium, levelFor(0.5, th))
	assert.Equal(t, LevelHigh, levelFor(0.7, th))
	assert.Equal(t, LevelCritical, levelFor(0.9, th))
}

func TestExportImportRoundTrip(t *testing.T) {
	e1 := newEngine(t, Config{})
	e1.Evaluate(Request{
		UserID:   "export-user",
		IP:       "198.51.100.80",
		Method:   "GET",
		Path:     "/home",
		Endpoint: "/home",
		Action:   "get",
		Headers:  map[string]string{"user-agent": "Mozilla/5.0"},
	})
	snapshot := e1.ExportState()
	require.NotEmpty(t, snapshot)

	e2 := newEngine(t, Config{})
	err := e2.ImportState(snapshot)
	require.NoError(t, err)

	rep := e2.reputation.Get("export-user", time.Now().UnixMilli())
	assert.Equal(t, int64(1), rep.TotalRequests)
}
