package fingerprint

import (
	"fmt"
	"math"
	"net"
	"regexp"
	"strings"

	"github.com/fcaptcha/riskengine/numeric"
)

// Detection is one independent signal surfaced by the supplemented
// header/JA3/reputation/form-interaction analyses below. The header, JA3
// and form-interaction detections feed the Suspicious flag on Fingerprint;
// CheckIPReputation's detections are returned only to its own caller. None
// of them participate in the core anomaly/bot weighted sums.
type Detection struct {
	Reason     string
	Score      float64
	Confidence float64
	Details    map[string]interface{}
}

// Known datacenter/cloud CIDR ranges. Not exhaustive; a production
// deployment would source this from a maintained IP-intelligence feed.
var datacenterCIDRs = []string{
	"3.0.0.0/8", "13.0.0.0/8", "18.0.0.0/8", "34.0.0.0/8", "35.0.0.0/8",
	"52.0.0.0/8", "54.0.0.0/8", "99.0.0.0/8",
	"34.64.0.0/10", "35.184.0.0/13", "104.154.0.0/15", "104.196.0.0/14",
	"13.64.0.0/11", "20.0.0.0/8", "40.64.0.0/10", "52.224.0.0/11",
	"64.225.0.0/16", "68.183.0.0/16", "104.131.0.0/16", "134.209.0.0/16",
	"138.68.0.0/16", "139.59.0.0/16", "142.93.0.0/16", "157.245.0.0/16",
	"159.65.0.0/16", "159.89.0.0/16", "161.35.0.0/16", "164.90.0.0/16",
	"45.33.0.0/16", "45.56.0.0/16", "45.79.0.0/16", "50.116.0.0/16",
	"45.32.0.0/16", "45.63.0.0/16", "45.76.0.0/16", "45.77.0.0/16",
	"5.9.0.0/16", "23.88.0.0/14", "46.4.0.0/14", "78.46.0.0/15",
	"51.38.0.0/16", "51.68.0.0/16", "51.75.0.0/16", "51.77.0.0/16",
}

var datacenterNets []*net.IPNet

func init() {
	for _, cidr := range datacenterCIDRs {
		if _, ipNet, err := net.ParseCIDR(cidr); err == nil {
			datacenterNets = append(datacenterNets, ipNet)
		}
	}
}

var vpnProxyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)vpn`),
	regexp.MustCompile(`(?i)proxy`),
	regexp.MustCompile(`(?i)tor-exit`),
	regexp.MustCompile(`(?i)exit-?node`),
	regexp.MustCompile(`(?i)anonymizer`),
	regexp.MustCompile(`(?i)hide-?my`),
	regexp.MustCompile(`(?i)tunnel`),
	regexp.MustCompile(`(?i)relay`),
}

// CheckIPReputation performs a reverse-DNS lookup on ip and flags hostnames
// that look like a VPN/proxy exit. It is a separate, explicitly-invoked
// call rather than part of Generate since it makes a network round trip.
func CheckIPReputation(ip string) []Detection {
	names, err := net.LookupAddr(ip)
	if err != nil {
		return nil
	}
	var detections []Detection
	for _, name := range names {
		for _, pattern := range vpnProxyPatterns {
			if pattern.MatchString(name) {
				detections = append(detections, Detection{
					Reason:     "reverse DNS suggests VPN/proxy",
					Score:      0.5,
					Confidence: 0.6,
					Details:    map[string]interface{}{"hostname": name},
				})
				break
			}
		}
	}
	return detections
}

var expectedBrowserHeaders = []string{"accept", "accept-language", "accept-encoding", "user-agent"}

var suspiciousHeaders = map[string]bool{
	"x-requested-with":    true,
	"x-forwarded-for":     true,
	"x-real-ip":           true,
	"via":                 true,
	"forwarded":           true,
	"x-originating-ip":    true,
	"cf-connecting-ip":    true,
	"true-client-ip":      true,
	"x-cluster-client-ip": true,
}

// headerRule is one weighted header-anomaly check. severity returns 0 when
// the rule doesn't apply and a value in (0,1] scaling with how strongly it
// applies, so "half the expected headers are missing" scores higher than
// "one is missing" instead of the two collapsing to the same fixed score.
type headerRule struct {
	reason     string
	weight     float64
	confidence float64
	severity   func(headers map[string]string) float64
}

var headerRules = []headerRule{
	{
		reason:     "missing expected browser headers",
		weight:     0.4,
		confidence: 0.5,
		severity: func(headers map[string]string) float64 {
			missing := 0
			for _, h := range expectedBrowserHeaders {
				if _, ok := headers[h]; !ok {
					missing++
				}
			}
			if missing <= 1 {
				return 0
			}
			return numeric.Clamp01(float64(missing) / float64(len(expectedBrowserHeaders)))
		},
	},
	{
		reason:     "proxy/automation header present",
		weight:     0.3,
		confidence: 0.4,
		severity: func(headers map[string]string) float64 {
			hits := 0
			for h := range headers {
				if suspiciousHeaders[strings.ToLower(h)] {
					hits++
				}
			}
			if hits == 0 {
				return 0
			}
			return numeric.Clamp01(float64(hits) / 3)
		},
	},
	{
		reason:     "invalid Accept-Language header",
		weight:     0.3,
		confidence: 0.4,
		severity: func(headers map[string]string) float64 {
			al, ok := headers["accept-language"]
			if ok && (al == "" || al == "*") {
				return 1
			}
			return 0
		},
	},
	{
		reason:     "unusual Accept-Encoding",
		weight:     0.2,
		confidence: 0.3,
		severity: func(headers map[string]string) float64 {
			ae, ok := headers["accept-encoding"]
			if !ok {
				return 0
			}
			if strings.Contains(ae, "gzip") || strings.Contains(ae, "deflate") {
				return 0
			}
			return 1
		},
	},
}

// AnalyzeHeaders inspects a case-insensitive header map against headerRules
// and returns one Detection per rule that fired, scaled by how severely it
// fired rather than a fixed per-rule score.
func AnalyzeHeaders(headers map[string]string) []Detection {
	if headers == nil {
		return nil
	}
	var detections []Detection
	for _, rule := range headerRules {
		severity := rule.severity(headers)
		if severity <= 0 {
			continue
		}
		detections = append(detections, Detection{
			Reason:     rule.reason,
			Score:      numeric.Clamp01(rule.weight * severity),
			Confidence: rule.confidence,
			Details:    map[string]interface{}{"severity": severity},
		})
	}
	return detections
}

// Known JA3 hashes for common non-browser HTTP clients and automation
// tooling.
var knownBotJA3Hashes = map[string]string{
	"3b5074b1b5d032e5620f69f9f700ff0e": "python-requests",
	"b32309a26951912be7dba376398abc3b": "python-urllib",
	"9e10692f1b7f78228b2d4e424db3a98c": "go-net/http",
	"473cd7cb9faa642487833865d516e578": "curl",
	"c12f54a3f91dc7bafd92cb59fe009a35": "wget",
	"2d1eb5817ece335c24904f516ad5da2f": "java-httpclient",
	"fc54fe03db02a25e1be5bb5a7678b7a4": "node-axios",
	"5d7974c9fe7862e0f9a3eb35a6a5d9c8": "puppeteer-default",
}

// MatchJA3 reports whether a pre-computed TLS JA3 hash (usually supplied by
// a TLS-terminating reverse proxy) matches a known automation tool, and if
// so which one. A hash either matches the table or it doesn't, so this
// returns at most one result rather than a slice.
func MatchJA3(ja3Hash string) (tool string, matched bool) {
	if ja3Hash == "" {
		return "", false
	}
	tool, matched = knownBotJA3Hashes[ja3Hash]
	return tool, matched
}

// CheckJA3Fingerprint adapts MatchJA3 to the Detection shape the rest of
// the supplemented-signal pipeline uses.
func CheckJA3Fingerprint(ja3Hash string) []Detection {
	tool, ok := MatchJA3(ja3Hash)
	if !ok {
		return nil
	}
	return []Detection{{
		Reason: "TLS fingerprint matches known automation tool", Score: 0.8, Confidence: 0.9,
		Details: map[string]interface{}{"ja3": ja3Hash, "tool": tool},
	}}
}

func getMap(m map[string]interface{}, key string) map[string]interface{} {
	if m == nil {
		return nil
	}
	v, _ := m[key].(map[string]interface{})
	return v
}

func getString(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func getFloat(m map[string]interface{}, key string) float64 {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// formRule mirrors headerRule for form-interaction telemetry: a reason, a
// weight, and a severity function producing a continuous signal instead of
// a fixed score the moment a threshold is crossed.
type formRule struct {
	reason     string
	weight     float64
	confidence float64
	severity   func(formAnalysis map[string]interface{}) float64
}

var formRules = []formRule{
	{
		reason:     "form submitted programmatically",
		weight:     0.8,
		confidence: 0.85,
		severity: func(fa map[string]interface{}) float64 {
			method := getString(getMap(fa, "submit"), "method")
			if method == "programmatic" || method == "programmatic_click" {
				return 1
			}
			return 0
		},
	},
	{
		reason:     "form submitted too quickly after page load",
		weight:     0.7,
		confidence: 0.75,
		severity: func(fa map[string]interface{}) float64 {
			t := getFloat(getMap(fa, "submit"), "timeSincePageLoad")
			if t <= 0 || t >= 800 {
				return 0
			}
			return numeric.Clamp01((800 - t) / 800)
		},
	},
	{
		reason:     "first interaction too fast after page load",
		weight:     0.6,
		confidence: 0.65,
		severity: func(fa map[string]interface{}) float64 {
			t := getFloat(fa, "pageLoadToFirstInteraction")
			if t <= 0 || t >= 300 {
				return 0
			}
			return numeric.Clamp01((300 - t) / 300)
		},
	},
	{
		reason:     "form submitted with too few interaction events",
		weight:     0.9,
		confidence: 0.9,
		severity: func(fa map[string]interface{}) float64 {
			submit := getMap(fa, "submit")
			method := getString(submit, "method")
			if method == "" || method == "none" {
				return 0
			}
			n := getFloat(submit, "eventsBeforeSubmit")
			if n >= 3 {
				return 0
			}
			return numeric.Clamp01((3 - n) / 3)
		},
	},
}

// AnalyzeFormInteraction inspects client-reported form timing/keystroke
// telemetry for programmatic submission and spam-bot typing patterns,
// folding the submission-level checks in formRules with per-textarea
// keystroke-rhythm checks.
func AnalyzeFormInteraction(formAnalysis map[string]interface{}) []Detection {
	if formAnalysis == nil {
		return nil
	}
	var detections []Detection
	for _, rule := range formRules {
		severity := rule.severity(formAnalysis)
		if severity <= 0 {
			continue
		}
		detections = append(detections, Detection{
			Reason:     rule.reason,
			Score:      numeric.Clamp01(rule.weight * severity),
			Confidence: rule.confidence,
			Details:    map[string]interface{}{"severity": severity},
		})
	}
	detections = append(detections, textareaDetections(getMap(formAnalysis, "textareaKeyboard"))...)
	return detections
}

func textareaDetections(fields map[string]interface{}) []Detection {
	var detections []Detection
	for fieldID, raw := range fields {
		stats, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		detections = append(detections, textareaFieldDetections(fieldID, stats)...)
	}
	return detections
}

func textareaFieldDetections(fieldID string, stats map[string]interface{}) []Detection {
	pasteCount := getFloat(stats, "pasteCount")
	keyCount := getFloat(stats, "keyCount")
	avgInterval := getFloat(stats, "avgKeyInterval")
	intervalVariance := getFloat(stats, "keyIntervalVariance")
	keydownUpRatio := getFloat(stats, "keydownUpRatio")

	var detections []Detection
	if pasteCount > 0 && keyCount < 5 {
		severity := numeric.Clamp01(1 - keyCount/5)
		detections = append(detections, Detection{
			Reason:     fmt.Sprintf("textarea %q filled mostly by paste", fieldID),
			Score:      numeric.Clamp01(0.6 * severity),
			Confidence: 0.6,
		})
	}
	if keyCount > 10 {
		if intervalVariance < 100 {
			severity := numeric.Clamp01((100 - intervalVariance) / 100)
			detections = append(detections, Detection{
				Reason:     fmt.Sprintf("textarea %q has unnaturally consistent typing rhythm", fieldID),
				Score:      numeric.Clamp01(0.5 * severity),
				Confidence: 0.55,
			})
		}
		if avgInterval > 0 && avgInterval < 50 {
			severity := numeric.Clamp01((50 - avgInterval) / 50)
			detections = append(detections, Detection{
				Reason:     fmt.Sprintf("textarea %q typing speed impossibly fast (%.0fms/key)", fieldID, avgInterval),
				Score:      numeric.Clamp01(0.7 * severity),
				Confidence: 0.7,
			})
		}
		if keydownUpRatio > 0 && (keydownUpRatio < 0.8 || keydownUpRatio > 1.2) {
			severity := numeric.Clamp01(math.Abs(keydownUpRatio-1) / 0.5)
			detections = append(detections, Detection{
				Reason:     fmt.Sprintf("textarea %q has abnormal keydown/keyup ratio (%.2f)", fieldID, keydownUpRatio),
				Score:      numeric.Clamp01(0.4 * severity),
				Confidence: 0.5,
			})
		}
	}
	return detections
}

// FormAutomationSeverity collapses AnalyzeFormInteraction's detections into
// a single [0,1] score: the highest-scoring detection, or 0 when the
// telemetry was absent or clean. The BehaviorAnalyzer folds this into its
// automation sub-score's missing-human-markers term instead of leaving
// form-interaction telemetry visible only to the Fingerprinter.
func FormAutomationSeverity(formAnalysis map[string]interface{}) float64 {
	detections := AnalyzeFormInteraction(formAnalysis)
	var max float64
	for _, d := range detections {
		if d.Score > max {
			max = d.Score
		}
	}
	return max
}
