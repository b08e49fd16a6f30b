package pattern

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func repeatingSequenceEvents() []Event {
	actions := []string{"view", "addToCart"}
	var events []Event
	for i := 0; i < 12; i++ {
		events = append(events, Event{
			TimestampMs: int64(i) * 500,
			Action:      actions[i%2],
			Endpoint:    "/catalog",
		})
	}
	return events
}

func TestDetectSequencesFindsRepeatingPair(t *testing.T) {
	patterns := detectSequences(repeatingSequenceEvents())
	require.NotEmpty(t, patterns)
	found := false
	for _, p := range patterns {
		if p.Kind == "sequence" {
			found = true
			assert.Greater(t, p.Risk, 0.0)
		}
	}
	assert.True(t, found)
}

func TestDetectSequencesNoPatternBelowMinOccurrences(t *testing.T) {
	events := []Event{
		{TimestampMs: 0, Action: "a"},
		{TimestampMs: 100, Action: "b"},
		{TimestampMs: 200, Action: "c"},
		{TimestampMs: 300, Action: "d"},
	}
	patterns := detectSequences(events)
	assert.Empty(t, patterns)
}

func TestDetectTemporalFindsBurst(t *testing.T) {
	// Four slow 1s gaps, then ten requests 10ms apart: the fast run's gaps
	// are far below 0.2x the stream's mean gap.
	var events []Event
	for i := 0; i < 5; i++ {
		events = append(events, Event{TimestampMs: int64(i) * 1000, Action: "req"})
	}
	for i := 1; i <= 10; i++ {
		events = append(events, Event{TimestampMs: 4000 + int64(i)*10, Action: "req"})
	}
	patterns := detectTemporal(events)
	found := false
	for _, p := range patterns {
		if p.Kind == "burst" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestDetectKnownAttackBruteForce(t *testing.T) {
	var events []Event
	for i := 0; i < 8; i++ {
		events = append(events, Event{TimestampMs: int64(i) * 1000, Endpoint: "/login", Action: "submit"})
	}
	attackType, patterns := detectKnownAttacks(events)
	assert.Equal(t, "bruteForce", attackType)
	require.NotEmpty(t, patterns)
}

func TestDetectKnownAttackNoneBelowThreshold(t *testing.T) {
	events := []Event{
		{TimestampMs: 0, Endpoint: "/login"},
		{TimestampMs: 1000, Endpoint: "/login"},
	}
	attackType, patterns := detectKnownAttacks(events)
	assert.Equal(t, "", attackType)
	assert.Empty(t, patterns)
}

func TestDetectAnomalousEndpointZScore(t *testing.T) {
	// Eleven busy endpoints with 50 hits each and one with 3: the rare
	// endpoint's count sits about 3.3 standard deviations from the mean.
	var events []Event
	for e := 0; e < 11; e++ {
		for i := 0; i < 50; i++ {
			events = append(events, Event{TimestampMs: int64(len(events)) * 100, Endpoint: "/page" + string(rune('a'+e))})
		}
	}
	for i := 0; i < 3; i++ {
		events = append(events, Event{TimestampMs: int64(len(events)) * 100, Endpoint: "/rare"})
	}
	patterns := detectAnomalousAndCoordinated(events)
	found := false
	for _, p := range patterns {
		if p.Kind == "anomalousEndpoint" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestDetectIPRotation(t *testing.T) {
	var events []Event
	ips := []string{"1.1.1.1", "2.2.2.2", "3.3.3.3", "4.4.4.4", "5.5.5.5"}
	for i := 0; i < 10; i++ {
		events = append(events, Event{TimestampMs: int64(i) * 100, IP: ips[i%len(ips)]})
	}
	patterns := detectAnomalousAndCoordinated(events)
	found := false
	for _, p := range patterns {
		if p.Kind == "ipRotation" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestDetectAggregateRiskCombinesPatterns(t *testing.T) {
	result := Detect(repeatingSequenceEvents())
	assert.GreaterOrEqual(t, result.Risk, 0.0)
	assert.LessOrEqual(t, result.Risk, 1.0)
}

func TestDetectEmptyEventsYieldsZeroRisk(t *testing.T) {
	result := Detect(nil)
	assert.Equal(t, 0.0, result.Risk)
	assert.Empty(t, result.Patterns)
}
