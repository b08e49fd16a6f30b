package fingerprint

import (
	"testing"

	"github.com/fcaptcha/riskengine/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUserAgentDetectsChromeWindows(t *testing.T) {
	ua := "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 Chrome/120.0.0.0 Safari/537.36"
	info := ParseUserAgent(ua)
	assert.Equal(t, "Chrome", info.Browser)
	assert.Equal(t, "Windows", info.OS)
	assert.Equal(t, "desktop", info.DeviceClass)
	assert.False(t, info.IsBot)
}

func TestParseUserAgentDetectsBot(t *testing.T) {
	info := ParseUserAgent("python-requests/2.31.0")
	assert.True(t, info.IsBot)
}

func TestClassifyIPPrivate(t *testing.T) {
	assert.Equal(t, IPPrivate, ClassifyIP("192.168.1.5"))
}

func TestClassifyIPDatacenter(t *testing.T) {
	assert.Equal(t, IPDatacenter, ClassifyIP("3.5.6.7"))
}

func TestGenerateIsDeterministic(t *testing.T) {
	in := Input{
		UserAgent:      "Mozilla/5.0 Chrome/120.0 Safari/537.36",
		IP:             "203.0.113.5",
		AcceptLanguage: []string{"en", "fr"},
		Timezone:       "America/New_York",
		ScreenWidth:    1920,
		ScreenHeight:   1080,
		Platform:       "Win32",
		CanvasHash:     "abc123",
		CookiesEnabled: true,
	}
	a := Generate(in)
	b := Generate(in)
	assert.Equal(t, a.Hash, b.Hash)
}

func TestGenerateHashChangesWithInput(t *testing.T) {
	a := Generate(Input{UserAgent: "Mozilla/5.0 Chrome/120.0", IP: "203.0.113.5"})
	b := Generate(Input{UserAgent: "Mozilla/5.0 Firefox/120.0", IP: "203.0.113.5"})
	assert.NotEqual(t, a.Hash, b.Hash)
}

func TestBotScoreWebDriverIsMaximal(t *testing.T) {
	fp := Generate(Input{WebDriver: true})
	assert.Equal(t, 1.0, fp.BotScore)
	assert.True(t, fp.IsBot)
}

func TestAnomalyScoreClampedToOne(t *testing.T) {
	fp := Generate(Input{
		UserAgent:    "headless chrome scraper bot",
		IP:           "3.5.6.7",
		ScreenWidth:  5000,
		ScreenHeight: 5000,
	})
	assert.LessOrEqual(t, fp.AnomalyScore, 1.0)
	assert.Greater(t, fp.AnomalyScore, 0.0)
}

func TestConfidenceIncreasesWithMoreComponents(t *testing.T) {
	sparse := Generate(Input{UserAgent: "x"})
	rich := Generate(Input{
		UserAgent: "x", IP: "1.2.3.4", Timezone: "UTC", ScreenWidth: 1, ScreenHeight: 1,
		AcceptLanguage: []string{"en"}, AcceptEncoding: "gzip", Connection: "keep-alive",
		ColorDepth: 24, Platform: "Win32", Plugins: []string{"pdf"}, CanvasHash: "a", WebglHash: "b",
	})
	assert.Greater(t, rich.Confidence, sparse.Confidence)
}

func TestCompareIdenticalFingerprintsMatch(t *testing.T) {
	in := Input{UserAgent: "Mozilla/5.0 Chrome/120.0", IP: "1.2.3.4", Timezone: "UTC"}
	res := Compare(Generate(in), Generate(in))
	assert.True(t, res.Match)
	assert.Equal(t, 1.0, res.Similarity)
}

func TestCompareDifferentFingerprintsBelowThreshold(t *testing.T) {
	a := Generate(Input{UserAgent: "Mozilla/5.0 Chrome/120.0", IP: "1.2.3.4", Timezone: "UTC", Platform: "Win32"})
	b := Generate(Input{UserAgent: "curl/8.0", IP: "9.9.9.9", Timezone: "Asia/Tokyo", Platform: "Linux"})
	res := Compare(a, b)
	assert.False(t, res.Match)
}

func TestRecordStabilityFlagsHighChurn(t *testing.T) {
	s := store.New(store.Config{})
	defer s.Close()
	f := New(s)

	var last Stability
	for i := 0; i < 10; i++ {
		last = f.Record("user1", uint32(i)) // every hash distinct
	}
	assert.False(t, last.Stable)
	assert.Equal(t, 10, last.DistinctCount)
}

func TestRecordStabilityHoldsForRepeatedHash(t *testing.T) {
	s := store.New(store.Config{})
	defer s.Close()
	f := New(s)

	var last Stability
	for i := 0; i < 10; i++ {
		last = f.Record("user2", uint32(42))
	}
	assert.True(t, last.Stable)
	assert.Equal(t, 1, last.DistinctCount)
}

func TestAnalyzeHeadersFlagsMissingAndSuspicious(t *testing.T) {
	dets := AnalyzeHeaders(map[string]string{
		"x-forwarded-for": "1.2.3.4",
	})
	require.NotEmpty(t, dets)
}

func TestAnalyzeFormInteractionFlagsProgrammaticSubmit(t *testing.T) {
	dets := AnalyzeFormInteraction(map[string]interface{}{
		"submit": map[string]interface{}{"method": "programmatic", "eventsBeforeSubmit": 0.0},
	})
	require.NotEmpty(t, dets)
}

func TestCheckJA3FingerprintKnownBot(t *testing.T) {
	dets := CheckJA3Fingerprint("473cd7cb9faa642487833865d516e578")
	require.Len(t, dets, 1)
	assert.Equal(t, "curl", dets[0].Details["tool"])
}
