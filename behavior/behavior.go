// Package behavior extracts a feature vector from an identity's recent
// event history, maintains a rolling per-identity baseline, and fuses six
// weighted sub-scores into a single behavior risk in [0,1].
package behavior

import (
	"math"

	"github.com/fcaptcha/riskengine/numeric"
	"github.com/fcaptcha/riskengine/store"
)

// Event is the minimal shape behavior analysis needs from a recorded
// request; riskengine's own Event type satisfies this by field alignment.
type Event struct {
	TimestampMs  int64
	Action       string
	Endpoint     string
	ResponseTime float64
	PayloadSize  float64
	HasMouse     bool
	HasScroll    bool

	// FormSeverity is fingerprint.FormAutomationSeverity's score for this
	// event's form-interaction telemetry, or 0 when none was reported.
	FormSeverity float64
}

const minSamples = 10

// FeatureVector is one sample of extracted behavioral features.
type FeatureVector struct {
	TimestampMs int64

	IntervalMean    float64
	IntervalStd     float64
	IntervalEntropy float64
	ActionEntropy   float64
	EndpointEntropy float64

	EventCount      int
	UniqueActions   int
	UniqueEndpoints int

	ResponseTimeMean float64
	ResponseTimeStd  float64
	PayloadMean      float64

	TimeSpanMs   int64
	EventsPerMin float64

	RoundMultipleFraction float64
	IntervalRepetition    float64
	MouseAbsentRatio      float64
	ScrollAbsentRatio     float64
	FormSeverityMax       float64
}

// featureStat mirrors spec.md's per-feature baseline shape.
type featureStat struct {
	Mean   float64
	Std    float64
	Median float64
	Q1, Q3 float64
}

// Baseline holds the per-feature statistics computed from feature
// history, once enough samples exist.
type Baseline map[string]featureStat

// Profile is the per-identity behavioral state.
type Profile struct {
	FeatureHistory []FeatureVector
	Baseline       Baseline
	Confidence     float64
	LastUpdated    int64
}

// Result is the fused behavior-risk outcome of Evaluate.
type Result struct {
	Score      float64
	Reliable   bool
	SubScores  map[string]float64
	Confidence float64
}

// Analyzer computes behavior risk from event history and persists profiles
// in the shared store.
type Analyzer struct {
	st *store.Store

	AnomalyThreshold float64
}

// New constructs an Analyzer backed by st.
func New(st *store.Store) *Analyzer {
	return &Analyzer{st: st, AnomalyThreshold: 2.5}
}

func profileKey(identity string) string { return "behavior:profile:" + identity }

// Profile returns identity's current profile, or a zero-value Profile if
// none exists yet.
func (a *Analyzer) Profile(identity string) Profile {
	v, ok := a.st.Get(profileKey(identity))
	if !ok {
		return Profile{}
	}
	return v.(Profile)
}

// ExtractFeatures computes a FeatureVector from the most recent events,
// per spec.md §4.4. Returns ok=false when there are fewer than
// minSamples events.
func ExtractFeatures(events []Event) (FeatureVector, bool) {
	if len(events) < minSamples {
		return FeatureVector{}, false
	}

	ts := make([]int64, len(events))
	actionCounts := map[string]int{}
	endpointCounts := map[string]int{}
	var responseTimes, payloads []float64
	mouseCount, scrollCount := 0, 0
	var formSeverityMax float64

	for i, e := range events {
		ts[i] = e.TimestampMs
		actionCounts[e.Action]++
		endpointCounts[e.Endpoint]++
		if e.ResponseTime > 0 {
			responseTimes = append(responseTimes, e.ResponseTime)
		}
		payloads = append(payloads, e.PayloadSize)
		if e.HasMouse {
			mouseCount++
		}
		if e.HasScroll {
			scrollCount++
		}
		if e.FormSeverity > formSeverityMax {
			formSeverityMax = e.FormSeverity
		}
	}

	intervals := numeric.Intervals(ts)
	fv := FeatureVector{
		TimestampMs:           events[len(events)-1].TimestampMs,
		IntervalMean:          numeric.Mean(intervals),
		IntervalStd:           numeric.StdDev(intervals),
		IntervalEntropy:       numeric.IntervalEntropy(intervals, 10),
		ActionEntropy:         numeric.NormalizedEntropy(actionCounts),
		EndpointEntropy:       numeric.NormalizedEntropy(endpointCounts),
		EventCount:            len(events),
		UniqueActions:         len(actionCounts),
		UniqueEndpoints:       len(endpointCounts),
		ResponseTimeMean:      numeric.Mean(responseTimes),
		ResponseTimeStd:       numeric.StdDev(responseTimes),
		PayloadMean:           numeric.Mean(payloads),
		TimeSpanMs:            events[len(events)-1].TimestampMs - events[0].TimestampMs,
		RoundMultipleFraction: roundMultipleFraction(intervals),
		IntervalRepetition:    intervalRepetitionFraction(intervals),
		MouseAbsentRatio:      1 - numeric.UniqueRatio(mouseCount, len(events)),
		ScrollAbsentRatio:     1 - numeric.UniqueRatio(scrollCount, len(events)),
		FormSeverityMax:       formSeverityMax,
	}
	if fv.TimeSpanMs > 0 {
		fv.EventsPerMin = float64(len(events)) / (float64(fv.TimeSpanMs) / 60000.0)
	}
	return fv, true
}

// roundMultipleIntervalUnitsMs are the cadences a scripted caller sleeping a
// fixed amount between requests tends to land on.
var roundMultipleIntervalUnitsMs = []float64{100, 500, 1000}

// roundMultipleFraction returns the fraction of intervals that land within
// a small tolerance of an integer multiple of 100/500/1000ms — the
// metronomic spacing a timer-driven script produces, as distinct from
// intervalRepetitionFraction below (which catches a script re-using the
// exact same gap regardless of what that gap is).
func roundMultipleFraction(intervals []float64) float64 {
	if len(intervals) == 0 {
		return 0
	}
	const tolerance = 15.0
	hits := 0
	for _, iv := range intervals {
		for _, unit := range roundMultipleIntervalUnitsMs {
			if iv < unit/2 {
				continue
			}
			remainder := math.Mod(iv, unit)
			if remainder > unit/2 {
				remainder = unit - remainder
			}
			if remainder <= tolerance {
				hits++
				break
			}
		}
	}
	return numeric.Clamp01(float64(hits) / float64(len(intervals)))
}

// intervalRepetitionFraction returns the fraction of consecutive interval
// pairs within 5% of each other — a caller replaying the same gap over and
// over, independent of whether that gap happens to be a round number.
func intervalRepetitionFraction(intervals []float64) float64 {
	if len(intervals) < 2 {
		return 0
	}
	hits := 0
	for i := 1; i < len(intervals); i++ {
		prev, cur := intervals[i-1], intervals[i]
		base := math.Max(prev, 1)
		if math.Abs(cur-prev)/base < 0.05 {
			hits++
		}
	}
	return numeric.Clamp01(float64(hits) / float64(len(intervals)-1))
}

func featureValues(name string, history []FeatureVector) []float64 {
	out := make([]float64, len(history))
	for i, fv := range history {
		out[i] = featureValue(name, fv)
	}
	return out
}

func featureValue(name string, fv FeatureVector) float64 {
	switch name {
	case "intervalMean":
		return fv.IntervalMean
	case "intervalStd":
		return fv.IntervalStd
	case "intervalEntropy":
		return fv.IntervalEntropy
	case "actionEntropy":
		return fv.ActionEntropy
	case "endpointEntropy":
		return fv.EndpointEntropy
	case "eventCount":
		return float64(fv.EventCount)
	case "responseTimeMean":
		return fv.ResponseTimeMean
	case "responseTimeStd":
		return fv.ResponseTimeStd
	case "payloadMean":
		return fv.PayloadMean
	case "eventsPerMin":
		return fv.EventsPerMin
	}
	return 0
}

var featureNames = []string{
	"intervalMean", "intervalStd", "intervalEntropy", "actionEntropy",
	"endpointEntropy", "eventCount", "responseTimeMean", "responseTimeStd",
	"payloadMean", "eventsPerMin",
}

func computeBaseline(history []FeatureVector) Baseline {
	if len(history) < 5 {
		return nil
	}
	b := make(Baseline, len(featureNames))
	for _, name := range featureNames {
		vals := featureValues(name, history)
		q1, q3 := numeric.IQR(vals)
		b[name] = featureStat{
			Mean:   numeric.Mean(vals),
			Std:    numeric.StdDev(vals),
			Median: numeric.Median(vals),
			Q1:     q1,
			Q3:     q3,
		}
	}
	return b
}

const maxFeatureHistory = 100

// Update appends the feature vector extracted from events to identity's
// profile (trimming to the last 100) and recomputes the baseline.
func (a *Analyzer) Update(identity string, events []Event, nowMs int64) (Profile, bool) {
	fv, ok := ExtractFeatures(events)
	if !ok {
		return a.Profile(identity), false
	}

	profile := a.Profile(identity)
	profile.FeatureHistory = append(profile.FeatureHistory, fv)
	if len(profile.FeatureHistory) > maxFeatureHistory {
		profile.FeatureHistory = profile.FeatureHistory[len(profile.FeatureHistory)-maxFeatureHistory:]
	}
	profile.Baseline = computeBaseline(profile.FeatureHistory)
	profile.Confidence = math.Min(float64(len(profile.FeatureHistory))/20.0, 1)
	profile.LastUpdated = nowMs

	a.st.Set(profileKey(identity), profile, 0)
	return profile, true
}

// Evaluate fuses the six sub-scores against the current feature vector and
// profile baseline into a single behavior risk.
func (a *Analyzer) Evaluate(profile Profile, fv FeatureVector) Result {
	sub := map[string]float64{}

	type weighted struct {
		name      string
		value     float64
		weight    float64
		threshold float64
	}

	anomaly := a.anomalyScore(profile, fv)
	velocity := velocityScore(fv)
	rhythm := rhythmScore(fv)
	diversity := diversityScore(fv)
	automation := automationScore(fv)
	sessionAnomaly := sessionAnomalyScore(fv)

	sub["anomaly"] = anomaly
	sub["velocity"] = velocity
	sub["rhythm"] = rhythm
	sub["diversity"] = diversity
	sub["automation"] = automation
	sub["sessionAnomaly"] = sessionAnomaly

	entries := []weighted{
		{"anomaly", anomaly, 0.25, 0.3},
		{"velocity", velocity, 0.20, 0.5},
		{"rhythm", rhythm, 0.15, 0.4},
		{"diversity", 1 - diversity, 0.10, 0.8},
		{"automation", automation, 0.20, 0.6},
		{"sessionAnomaly", sessionAnomaly, 0.10, 0.5},
	}

	var num, den float64
	for _, e := range entries {
		if e.value > e.threshold {
			num += e.value * e.weight
			den += e.weight
		}
	}

	score := 0.0
	if den > 0 {
		score = num / den
	}
	return Result{
		Score:      numeric.Clamp01(score),
		Reliable:   profile.Confidence >= 0.3,
		SubScores:  sub,
		Confidence: profile.Confidence,
	}
}

func (a *Analyzer) anomalyScore(profile Profile, fv FeatureVector) float64 {
	if profile.Baseline == nil || profile.Confidence < 0.3 {
		return 0
	}
	var zs []float64
	for _, name := range featureNames {
		stat := profile.Baseline[name]
		z := numeric.ZScore(featureValue(name, fv), stat.Mean, stat.Std)
		zs = append(zs, math.Abs(z))
	}

	threshold := a.AnomalyThreshold
	if threshold <= 0 {
		threshold = 2.5
	}
	var capped []float64
	for _, z := range zs {
		v := z / threshold
		if v > 2 {
			v = 2
		}
		capped = append(capped, v)
	}
	return numeric.Sigmoid(numeric.Mean(capped) - 1)
}

func velocityScore(fv FeatureVector) float64 {
	var s float64
	minInterval := fv.IntervalMean - fv.IntervalStd
	switch {
	case minInterval < 50:
		s += 0.4
	case minInterval < 100:
		s += 0.2
	}

	switch {
	case fv.EventsPerMin > 600: // >10 events/s
		s += 0.3
	case fv.EventsPerMin > 300: // >5 events/s
		s += 0.15
	}

	burstScore := 0.0
	if fv.IntervalStd > 0 && fv.IntervalMean > 0 {
		cv := fv.IntervalStd / fv.IntervalMean
		if cv > 1 {
			burstScore = math.Min(1, cv/3)
		}
	}
	s += 0.3 * burstScore

	return numeric.Clamp01(s)
}

func rhythmScore(fv FeatureVector) float64 {
	var s float64
	switch {
	case fv.IntervalMean > 0 && fv.IntervalStd/maxFloat(fv.IntervalMean, 1e-9) < 0.1:
		s = 0.8
	case fv.IntervalMean > 0 && fv.IntervalStd/maxFloat(fv.IntervalMean, 1e-9) < 0.2:
		s = 0.5
	case fv.IntervalMean > 0 && fv.IntervalStd/maxFloat(fv.IntervalMean, 1e-9) < 0.3:
		s = 0.2
	}
	// Low interval entropy (intervals concentrated in one or two of
	// IntervalEntropy's log-spaced buckets) indicates a metronomic caller
	// and adds 0.2. This bonus does not test whether the intervals sit
	// near a multiple of 100ms.
	if fv.IntervalEntropy < 0.2 {
		s += 0.2
	}
	return numeric.Clamp01(s)
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func diversityScore(fv FeatureVector) float64 {
	actionUniqueRatio := numeric.UniqueRatio(fv.UniqueActions, fv.EventCount)
	endpointUniqueRatio := numeric.UniqueRatio(fv.UniqueEndpoints, fv.EventCount)

	blend := 0.25*actionUniqueRatio + 0.25*endpointUniqueRatio + 0.25*fv.ActionEntropy + 0.25*fv.EndpointEntropy
	return numeric.Clamp01(blend)
}

func automationScore(fv FeatureVector) float64 {
	roundMultiple := fv.RoundMultipleFraction
	repetition := fv.IntervalRepetition
	sequenceRepetition := numeric.Clamp01(1 - fv.ActionEntropy)

	lowVariability := 0.0
	if fv.ResponseTimeMean > 0 {
		cv := fv.ResponseTimeStd / fv.ResponseTimeMean
		if cv < 0.1 {
			lowVariability = numeric.Clamp01((0.1 - cv) / 0.1)
		}
	} else {
		lowVariability = 1
	}
	missingHumanMarkers := numeric.Clamp01((fv.MouseAbsentRatio + fv.ScrollAbsentRatio + lowVariability) / 3)
	if fv.FormSeverityMax > missingHumanMarkers {
		missingHumanMarkers = fv.FormSeverityMax
	}

	return numeric.Clamp01(0.3*roundMultiple + 0.2*repetition + 0.25*sequenceRepetition + 0.25*missingHumanMarkers)
}

func sessionAnomalyScore(fv FeatureVector) float64 {
	var s float64
	if fv.EventCount > 20 && fv.TimeSpanMs < 5000 {
		s += 0.4
	}
	if fv.TimeSpanMs > 30*60*1000 {
		s += 0.4
	}
	return numeric.Clamp01(s)
}

// IsolationScore is an offline-only analysis over a feature-vector
// history, kept deliberately outside the weighted fusion in Evaluate (see
// DESIGN.md's Open Question decisions). It approximates isolation-forest
// behavior with a cheap path-length proxy: the mean normalized distance
// of a sample from every other sample in the history, under Euclidean
// distance over the numeric feature projection.
func IsolationScore(history []FeatureVector, sample FeatureVector) float64 {
	if len(history) < 5 {
		return 0
	}
	vec := projectFeatures(sample)
	var total float64
	for _, h := range history {
		total += numeric.EuclideanDistance(vec, projectFeatures(h))
	}
	mean := total / float64(len(history))
	return numeric.Clamp01(numeric.Sigmoid(mean/1000 - 1))
}

func projectFeatures(fv FeatureVector) []float64 {
	return []float64{
		fv.IntervalMean, fv.IntervalStd, fv.IntervalEntropy,
		fv.ActionEntropy, fv.EndpointEntropy, float64(fv.EventCount),
		fv.ResponseTimeMean, fv.ResponseTimeStd, fv.PayloadMean, fv.EventsPerMin,
	}
}
