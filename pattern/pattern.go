// Package pattern finds repeating action sub-sequences, temporal
// bursts/periodicity/clock alignment, and matches event streams against a
// closed set of known attack classes.
package pattern

import (
	"math"
	"regexp"
	"sort"

	"github.com/fcaptcha/riskengine/numeric"
)

// Event is the minimal shape pattern detection needs.
type Event struct {
	TimestampMs int64
	Action      string
	Endpoint    string
	IP          string
	UserAgent   string
	PayloadHash string
}

// Pattern is one detected pattern with its own risk contribution.
type Pattern struct {
	Kind    string // sequence | periodicity | burst | clockAlignment | knownAttack | anomalousEndpoint | payloadRepetition | ipRotation | sharedUAManyIPs | highRateBucket
	Risk    float64
	Details map[string]interface{}
}

// Result is the aggregate output of Detect.
type Result struct {
	Patterns   []Pattern
	Risk       float64
	AttackType string
}

// Detect runs every sub-detector over events and aggregates the result
// per spec.md §4.5.
func Detect(events []Event) Result {
	var patterns []Pattern
	patterns = append(patterns, detectSequences(events)...)
	patterns = append(patterns, detectTemporal(events)...)

	knownAttack, attackPatterns := detectKnownAttacks(events)
	patterns = append(patterns, attackPatterns...)

	patterns = append(patterns, detectAnomalousAndCoordinated(events)...)

	if len(patterns) == 0 {
		return Result{}
	}

	var max, sum float64
	for _, p := range patterns {
		if p.Risk > max {
			max = p.Risk
		}
		sum += p.Risk
	}
	mean := sum / float64(len(patterns))
	risk := numeric.Clamp01(0.6*max + 0.3*mean + math.Min(0.2, float64(len(patterns))/10))

	return Result{Patterns: patterns, Risk: risk, AttackType: knownAttack}
}

// --- Sequence detection ------------------------------------------------------

func detectSequences(events []Event) []Pattern {
	n := len(events)
	if n < 4 {
		return nil
	}
	actions := make([]string, n)
	ts := make([]int64, n)
	for i, e := range events {
		actions[i] = e.Action
		ts[i] = e.TimestampMs
	}

	maxL := n / 2
	if maxL > 10 {
		maxL = 10
	}
	if maxL < 2 {
		return nil
	}

	type candidate struct {
		seq         []string
		occurrences []int // start indices
	}
	var candidates []candidate

	for l := 2; l <= maxL; l++ {
		occurrences := map[string][]int{}
		for i := 0; i+l <= n; i++ {
			key := joinActions(actions[i : i+l])
			occurrences[key] = append(occurrences[key], i)
		}
		for key, starts := range occurrences {
			if len(starts) >= 3 {
				candidates = append(candidates, candidate{seq: splitKey(key), occurrences: starts})
			}
		}
	}

	var patterns []Pattern
	for _, c := range candidates {
		l := len(c.seq)
		count := len(c.occurrences)

		var occurrenceTimes []int64
		for _, idx := range c.occurrences {
			occurrenceTimes = append(occurrenceTimes, ts[idx])
		}
		intervals := numeric.Intervals(occurrenceTimes)
		cv := numeric.CoefficientOfVariation(intervals)

		risk := math.Log2(float64(count)) / 10
		risk += 0.3 * float64(l) / float64(maxL)
		if cv < 0.2 && len(intervals) > 0 {
			risk += 0.3
		}
		risk = numeric.Clamp01(risk)

		patterns = append(patterns, Pattern{
			Kind: "sequence",
			Risk: risk,
			Details: map[string]interface{}{
				"sequence": c.seq,
				"count":    count,
				"length":   l,
			},
		})
	}

	sort.Slice(patterns, func(i, j int) bool { return patterns[i].Risk > patterns[j].Risk })
	if len(patterns) > 10 {
		patterns = patterns[:10]
	}
	return patterns
}

func joinActions(xs []string) string {
	out := ""
	for i, x := range xs {
		if i > 0 {
			out += "\x00"
		}
		out += x
	}
	return out
}

func splitKey(key string) []string {
	var out []string
	cur := ""
	for _, r := range key {
		if r == '\x00' {
			out = append(out, cur)
			cur = ""
			continue
		}
		cur += string(r)
	}
	out = append(out, cur)
	return out
}

// --- Temporal detection -------------------------------------------------------

func detectTemporal(events []Event) []Pattern {
	n := len(events)
	if n < 3 {
		return nil
	}
	ts := make([]int64, n)
	for i, e := range events {
		ts[i] = e.TimestampMs
	}
	intervals := numeric.Intervals(ts)
	var patterns []Pattern

	// Periodicity: fraction of intervals that round to the same 100ms
	// bucket.
	buckets := map[int64]int{}
	for _, iv := range intervals {
		buckets[int64(math.Round(iv/100))*100]++
	}
	var bestBucket int64
	var bestCount int
	for b, c := range buckets {
		if c > bestCount {
			bestBucket, bestCount = b, c
		}
	}
	if len(intervals) > 0 {
		fraction := float64(bestCount) / float64(len(intervals))
		if fraction >= 0.3 {
			patterns = append(patterns, Pattern{
				Kind: "periodicity",
				Risk: 0.6 * fraction,
				Details: map[string]interface{}{
					"confidence": fraction,
					"bucketMs":   bestBucket,
				},
			})
		}
	}

	// Bursts: runs of >=5 events with inter-interval < 0.2*avgInterval.
	avgInterval := numeric.Mean(intervals)
	if avgInterval > 0 {
		runStart := 0
		runLen := 1
		flushBurst := func(start, length int) {
			if length >= 5 {
				duration := ts[start+length-1] - ts[start]
				rate := 0.0
				if duration > 0 {
					rate = float64(length) / (float64(duration) / 1000.0)
				}
				risk := numeric.Clamp01(math.Min(1, rate/50) * math.Min(1, float64(length)/20))
				patterns = append(patterns, Pattern{
					Kind: "burst",
					Risk: risk,
					Details: map[string]interface{}{
						"count":    length,
						"duration": duration,
						"rate":     rate,
					},
				})
			}
		}
		for i := 0; i < len(intervals); i++ {
			if intervals[i] < 0.2*avgInterval {
				runLen++
			} else {
				flushBurst(runStart, runLen)
				runStart = i + 1
				runLen = 1
			}
		}
		flushBurst(runStart, runLen)
	}

	// Clock alignment: fraction of timestamps exactly on a second/minute
	// boundary.
	aligned := 0
	for _, t := range ts {
		if t%1000 == 0 || t%60000 == 0 || t%3600000 == 0 {
			aligned++
		}
	}
	fraction := float64(aligned) / float64(n)
	if fraction > 0.3 {
		patterns = append(patterns, Pattern{
			Kind: "clockAlignment",
			Risk: numeric.Clamp01(fraction),
			Details: map[string]interface{}{
				"fraction": fraction,
			},
		})
	}

	return patterns
}

// --- Known attacks -------------------------------------------------------------

type knownAttackDef struct {
	Name            string
	EndpointPattern *regexp.Regexp
	ActionPattern   *regexp.Regexp
	MinRepetitions  int
	MaxInterval     float64 // ms, 0 = unconstrained
	SequentialIDs   bool
	LowVariance     bool
	RiskMultiplier  float64
}

var knownAttacks = []knownAttackDef{
	{
		Name:            "bruteForce",
		EndpointPattern: regexp.MustCompile(`(?i)login|signin|auth`),
		MinRepetitions:  5,
		MaxInterval:     5000,
		RiskMultiplier:  1.2,
	},
	{
		Name:            "enumeration",
		EndpointPattern: regexp.MustCompile(`(?i)user|account|profile`),
		MinRepetitions:  10,
		SequentialIDs:   true,
		RiskMultiplier:  1.1,
	},
	{
		Name:            "scraping",
		EndpointPattern: regexp.MustCompile(`(?i)product|listing|catalog|search`),
		MinRepetitions:  20,
		LowVariance:     true,
		RiskMultiplier:  1.0,
	},
	{
		Name:            "cardTesting",
		EndpointPattern: regexp.MustCompile(`(?i)payment|checkout|card|billing`),
		MinRepetitions:  5,
		MaxInterval:     3000,
		RiskMultiplier:  1.5,
	},
	{
		Name:            "accountTakeover",
		EndpointPattern: regexp.MustCompile(`(?i)password|reset|recover|2fa|mfa`),
		MinRepetitions:  3,
		MaxInterval:     10000,
		RiskMultiplier:  1.3,
	},
	{
		Name:            "apiAbuse",
		EndpointPattern: regexp.MustCompile(`(?i)/api/`),
		MinRepetitions:  50,
		LowVariance:     true,
		RiskMultiplier:  0.9,
	},
}

func detectKnownAttacks(events []Event) (string, []Pattern) {
	if len(events) == 0 {
		return "", nil
	}
	var patterns []Pattern
	var bestName string
	var bestRisk float64

	for _, def := range knownAttacks {
		var matchIdx []int
		for i, e := range events {
			matched := false
			if def.EndpointPattern != nil && def.EndpointPattern.MatchString(e.Endpoint) {
				matched = true
			}
			if def.ActionPattern != nil && def.ActionPattern.MatchString(e.Action) {
				matched = true
			}
			if matched {
				matchIdx = append(matchIdx, i)
			}
		}
		if len(matchIdx) < def.MinRepetitions {
			continue
		}

		bonus := 0.0
		if def.MaxInterval > 0 {
			var ts []int64
			for _, idx := range matchIdx {
				ts = append(ts, events[idx].TimestampMs)
			}
			intervals := numeric.Intervals(ts)
			allFast := true
			for _, iv := range intervals {
				if iv > def.MaxInterval {
					allFast = false
					break
				}
			}
			if allFast {
				bonus += 0.2
			}
		}
		if def.LowVariance {
			var ts []int64
			for _, idx := range matchIdx {
				ts = append(ts, events[idx].TimestampMs)
			}
			if numeric.CoefficientOfVariation(numeric.Intervals(ts)) < 0.3 {
				bonus += 0.15
			}
		}

		risk := numeric.Clamp01(float64(len(matchIdx))/(3*float64(def.MinRepetitions))*def.RiskMultiplier + bonus)
		patterns = append(patterns, Pattern{
			Kind: "knownAttack",
			Risk: risk,
			Details: map[string]interface{}{
				"attackType": def.Name,
				"matchCount": len(matchIdx),
			},
		})
		if risk > bestRisk {
			bestRisk, bestName = risk, def.Name
		}
	}

	return bestName, patterns
}

// --- Anomalous and coordinated detection ---------------------------------------

func detectAnomalousAndCoordinated(events []Event) []Pattern {
	var patterns []Pattern
	if len(events) == 0 {
		return nil
	}

	endpointCounts := map[string]int{}
	for _, e := range events {
		endpointCounts[e.Endpoint]++
	}
	var counts []float64
	for _, c := range endpointCounts {
		counts = append(counts, float64(c))
	}
	mean := numeric.Mean(counts)
	std := numeric.StdDev(counts)
	for ep, c := range endpointCounts {
		z := numeric.ZScore(float64(c), mean, std)
		if z > 3 {
			patterns = append(patterns, Pattern{
				Kind: "anomalousEndpoint",
				Risk: numeric.Clamp01(z / 6),
				Details: map[string]interface{}{"endpoint": ep, "count": c, "zScore": z},
			})
		}
	}

	if len(events) >= 10 {
		payloadCounts := map[string]int{}
		for _, e := range events {
			if e.PayloadHash != "" {
				payloadCounts[e.PayloadHash]++
			}
		}
		var maxCount int
		for _, c := range payloadCounts {
			if c > maxCount {
				maxCount = c
			}
		}
		if maxCount > 0 {
			repetition := float64(maxCount) / float64(len(events))
			if repetition > 0.8 {
				patterns = append(patterns, Pattern{
					Kind:    "payloadRepetition",
					Risk:    numeric.Clamp01(repetition),
					Details: map[string]interface{}{"repetitionRatio": repetition},
				})
			}
		}
	}

	ips := map[string]struct{}{}
	for _, e := range events {
		if e.IP != "" {
			ips[e.IP] = struct{}{}
		}
	}
	if len(ips) > 3 && len(events) > 0 {
		ratio := float64(len(ips)) / float64(len(events))
		if ratio >= 0.5 {
			patterns = append(patterns, Pattern{
				Kind:    "ipRotation",
				Risk:    numeric.Clamp01(ratio),
				Details: map[string]interface{}{"distinctIPs": len(ips)},
			})
		}
	}

	uaToIPs := map[string]map[string]struct{}{}
	for _, e := range events {
		if e.UserAgent == "" || e.IP == "" {
			continue
		}
		if uaToIPs[e.UserAgent] == nil {
			uaToIPs[e.UserAgent] = map[string]struct{}{}
		}
		uaToIPs[e.UserAgent][e.IP] = struct{}{}
	}
	for ua, ipset := range uaToIPs {
		if len(ipset) > 5 {
			patterns = append(patterns, Pattern{
				Kind:    "sharedUAManyIPs",
				Risk:    numeric.Clamp01(float64(len(ipset)) / 20),
				Details: map[string]interface{}{"userAgent": ua, "distinctIPs": len(ipset)},
			})
		}
	}

	secondBuckets := map[int64]int{}
	for _, e := range events {
		secondBuckets[e.TimestampMs/1000]++
	}
	for bucket, c := range secondBuckets {
		if c > 20 {
			patterns = append(patterns, Pattern{
				Kind:    "highRateBucket",
				Risk:    numeric.Clamp01(float64(c) / 40),
				Details: map[string]interface{}{"bucketSec": bucket, "count": c},
			})
		}
	}

	return patterns
}
