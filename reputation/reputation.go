// Package reputation maintains a per-identity trust score: an EWMA over
// recent decision scores blended with the identity's overall block ratio.
package reputation

import (
	"github.com/fcaptcha/riskengine/numeric"
	"github.com/fcaptcha/riskengine/store"
)

const (
	ewmaAlpha       = 0.3
	maxHistory      = 100
	ewmaSampleDepth = 20
)

// Entry is one recorded decision outcome.
type Entry struct {
	TimestampMs int64
	RiskScore   float64
	Action      string
}

// Reputation is an identity's current trust state.
type Reputation struct {
	Score           float64
	History         []Entry
	FirstSeen       int64
	TotalRequests   int64
	BlockedRequests int64
}

// Tracker reads and updates Reputation records in the shared store.
type Tracker struct {
	st *store.Store
}

// New constructs a Tracker backed by st.
func New(st *store.Store) *Tracker {
	return &Tracker{st: st}
}

func key(identity string) string { return "reputation:" + identity }

// Get returns identity's current reputation, or a freshly-seeded zero
// value if none exists yet.
func (t *Tracker) Get(identity string, nowMs int64) Reputation {
	v, ok := t.st.Get(key(identity))
	if !ok {
		return Reputation{Score: 0, FirstSeen: nowMs}
	}
	return v.(Reputation)
}

func isBlockingAction(action string) bool {
	switch action {
	case "block", "ban", "throttle":
		return true
	}
	return false
}

// Record appends a decision outcome to identity's history (bounded to the
// most recent 100), recomputes Score as an EWMA (α=0.3) over the last 20
// decision scores blended 0.7/0.3 with the running block ratio, and
// persists the result. blockedRequests never exceeds totalRequests.
func (t *Tracker) Record(identity string, entry Entry) Reputation {
	rep := t.Get(identity, entry.TimestampMs)
	if rep.TotalRequests == 0 && rep.FirstSeen == 0 {
		rep.FirstSeen = entry.TimestampMs
	}

	rep.History = append(rep.History, entry)
	if len(rep.History) > maxHistory {
		rep.History = rep.History[len(rep.History)-maxHistory:]
	}

	rep.TotalRequests++
	if isBlockingAction(entry.Action) {
		rep.BlockedRequests++
	}

	sample := rep.History
	if len(sample) > ewmaSampleDepth {
		sample = sample[len(sample)-ewmaSampleDepth:]
	}
	var ewma float64
	for _, e := range sample {
		ewma = numeric.EWMA(ewma, e.RiskScore, ewmaAlpha)
	}

	blockRatio := 0.0
	if rep.TotalRequests > 0 {
		blockRatio = float64(rep.BlockedRequests) / float64(rep.TotalRequests)
	}

	rep.Score = numeric.Clamp01(0.7*ewma + 0.3*blockRatio)

	t.st.Set(key(identity), rep, 0)
	return rep
}

// Reset purges identity's reputation entirely.
func (t *Tracker) Reset(identity string) {
	t.st.Delete(key(identity))
}
