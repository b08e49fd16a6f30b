// Package fingerprint derives a stable device/browser fingerprint hash and
// an anomaly/bot score from request headers and client-declared attributes,
// and tracks per-identity fingerprint stability history.
package fingerprint

import (
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/fcaptcha/riskengine/numeric"
	"github.com/fcaptcha/riskengine/store"
)

// IPClass classifies an IP's origin.
type IPClass string

const (
	IPPrivate     IPClass = "private"
	IPDatacenter  IPClass = "datacenter"
	IPVPN         IPClass = "vpn"
	IPResidential IPClass = "residential"
)

// UAInfo is the parsed structure of a User-Agent header.
type UAInfo struct {
	Browser        string
	BrowserVersion string
	OS             string
	DeviceClass    string // mobile | tablet | desktop
	IsBot          bool
	BotName        string
}

var botUAPattern = regexp.MustCompile(`(?i)bot|crawler|spider|scraper|headless|phantom|selenium|puppeteer|playwright|webdriver|python-requests`)

var (
	chromePattern  = regexp.MustCompile(`Chrome/(\d+)`)
	firefoxPattern = regexp.MustCompile(`Firefox/(\d+)`)
	safariPattern  = regexp.MustCompile(`Version/(\d+).*Safari`)
	edgePattern    = regexp.MustCompile(`Edg/(\d+)`)
	operaPattern   = regexp.MustCompile(`OPR/(\d+)`)
)

// ParseUserAgent extracts browser, OS, and device class from a raw
// User-Agent string, flagging known automation tooling via the bot regex.
func ParseUserAgent(ua string) UAInfo {
	var info UAInfo
	if ua == "" {
		return info
	}
	if m := botUAPattern.FindString(ua); m != "" {
		info.IsBot = true
		info.BotName = strings.ToLower(m)
	}

	switch {
	case edgePattern.MatchString(ua):
		m := edgePattern.FindStringSubmatch(ua)
		info.Browser, info.BrowserVersion = "Edge", m[1]
	case operaPattern.MatchString(ua):
		m := operaPattern.FindStringSubmatch(ua)
		info.Browser, info.BrowserVersion = "Opera", m[1]
	case chromePattern.MatchString(ua):
		m := chromePattern.FindStringSubmatch(ua)
		info.Browser, info.BrowserVersion = "Chrome", m[1]
	case firefoxPattern.MatchString(ua):
		m := firefoxPattern.FindStringSubmatch(ua)
		info.Browser, info.BrowserVersion = "Firefox", m[1]
	case strings.Contains(ua, "Safari") && safariPattern.MatchString(ua) && !strings.Contains(ua, "Chrome"):
		m := safariPattern.FindStringSubmatch(ua)
		info.Browser, info.BrowserVersion = "Safari", m[1]
	}

	switch {
	case strings.Contains(ua, "Windows"):
		info.OS = "Windows"
	case strings.Contains(ua, "Mac OS X"), strings.Contains(ua, "Macintosh"):
		info.OS = "macOS"
	case strings.Contains(ua, "Android"):
		info.OS = "Android"
	case strings.Contains(ua, "iPhone"), strings.Contains(ua, "iPad"):
		info.OS = "iOS"
	case strings.Contains(ua, "Linux"):
		info.OS = "Linux"
	}

	switch {
	case strings.Contains(ua, "iPad"), strings.Contains(ua, "Tablet"):
		info.DeviceClass = "tablet"
	case strings.Contains(ua, "Mobile"), info.OS == "Android", info.OS == "iOS":
		info.DeviceClass = "mobile"
	default:
		info.DeviceClass = "desktop"
	}

	return info
}

// ClassifyIP buckets an IP into private/datacenter/residential. It never
// returns IPVPN; reverse-DNS VPN/proxy hints are reported separately, as
// Detections, by CheckIPReputation.
func ClassifyIP(ipStr string) IPClass {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return IPResidential
	}
	if ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
		return IPPrivate
	}
	for _, n := range datacenterNets {
		if n.Contains(ip) {
			return IPDatacenter
		}
	}
	return IPResidential
}

// ipPrefix returns the first three octets of an IPv4 address (or the
// equivalent /48 textual prefix for IPv6), used as a coarse, privacy-minded
// fingerprint component rather than the full address.
func ipPrefix(ipStr string) string {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return ipStr
	}
	if v4 := ip.To4(); v4 != nil {
		return strconv.Itoa(int(v4[0])) + "." + strconv.Itoa(int(v4[1])) + "." + strconv.Itoa(int(v4[2]))
	}
	parts := strings.Split(ip.String(), ":")
	if len(parts) > 3 {
		parts = parts[:3]
	}
	return strings.Join(parts, ":")
}

// Input is every client-declared and request-derived attribute the
// fingerprinter consumes. Fields are all optional; missing ones simply
// contribute nothing to the hash and reduce Confidence.
type Input struct {
	UserAgent      string
	IP             string
	AcceptLanguage []string // primary language codes, any order
	AcceptEncoding string
	Connection     string
	Timezone       string
	ScreenWidth    int
	ScreenHeight   int
	ColorDepth     int
	Platform       string
	CanvasHash     string
	WebglHash      string
	AudioHash      string
	Plugins        []string
	Fonts          []string
	CookiesEnabled bool
	TouchSupport   bool

	NoJS             bool
	PhantomNavigator bool
	HeadlessChrome   bool
	WebDriver        bool

	Headers      map[string]string
	JA3Hash      string
	FormAnalysis map[string]interface{}
}

// Fingerprint is the computed result of Generate.
type Fingerprint struct {
	Hash         uint32
	UA           UAInfo
	IPClass      IPClass
	AnomalyScore float64
	BotScore     float64
	IsBot        bool
	Suspicious   bool
	Confidence   float64
	Components   map[string]string
}

const fnvOffset32 = 0x811c9dc5
const fnvPrime32 = 16777619

func fnv1a(s string) uint32 {
	h := uint32(fnvOffset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= fnvPrime32
	}
	return h
}

func sortedJoin(xs []string) string {
	cp := append([]string(nil), xs...)
	sort.Strings(cp)
	return strings.Join(cp, ",")
}

// Generate computes a deterministic fingerprint for in. Calling Generate
// twice with byte-identical input always yields the same Hash.
func Generate(in Input) Fingerprint {
	ua := ParseUserAgent(in.UserAgent)
	ipClass := ClassifyIP(in.IP)

	components := map[string]string{
		"ua":             strconv.FormatUint(uint64(fnv1a(in.UserAgent)), 16),
		"ipPrefix":       strconv.FormatUint(uint64(fnv1a(ipPrefix(in.IP))), 16),
		"acceptLanguage": sortedJoin(in.AcceptLanguage),
		"timezone":       in.Timezone,
		"screen":         strconv.Itoa(in.ScreenWidth) + "x" + strconv.Itoa(in.ScreenHeight),
		"platform":       in.Platform,
		"canvas":         in.CanvasHash,
		"webgl":          in.WebglHash,
		"plugins":        strconv.FormatUint(uint64(fnv1a(sortedJoin(in.Plugins))), 16),
		"fonts":          strconv.FormatUint(uint64(fnv1a(sortedJoin(in.Fonts))), 16),
	}

	order := []string{"ua", "ipPrefix", "acceptLanguage", "timezone", "screen", "platform", "canvas", "webgl", "plugins", "fonts"}
	parts := make([]string, len(order))
	for i, k := range order {
		parts[i] = components[k]
	}
	hash := fnv1a(strings.Join(parts, "|"))

	fp := Fingerprint{
		Hash:       hash,
		UA:         ua,
		IPClass:    ipClass,
		Components: components,
	}
	fp.AnomalyScore = anomalyScore(in, ua, ipClass)
	fp.BotScore = botScore(in, ua, ipClass)
	fp.IsBot = fp.BotScore > 0.7
	fp.Confidence = confidence(in)
	fp.Suspicious = suspicious(in)
	return fp
}

func anomalyScore(in Input, ua UAInfo, ipClass IPClass) float64 {
	var s float64
	if ua.IsBot {
		s += 0.8
	}
	if in.UserAgent == "" {
		s += 0.3
	}
	if ipClass == IPDatacenter {
		s += 0.4
	}
	if ua.Browser == "Chrome" {
		if v, err := strconv.Atoi(ua.BrowserVersion); err == nil && v < 70 {
			s += 0.2
		}
	}
	if in.Timezone == "" && in.ScreenWidth == 0 && in.ScreenHeight == 0 {
		s += 0.3
	}
	if in.CanvasHash == "" && in.WebglHash == "" {
		s += 0.2
	}
	if in.ScreenWidth > 3840 || (in.ScreenWidth > 0 && in.ScreenWidth < 320) {
		s += 0.15
	}
	if ua.DeviceClass == "mobile" && !in.TouchSupport {
		s += 0.25
	}
	if len(in.Plugins) == 0 && ua.Browser == "Chrome" && ua.OS == "Windows" {
		s += 0.15
	}
	if !in.CookiesEnabled {
		s += 0.1
	}
	return numeric.Clamp01(s)
}

func botScore(in Input, ua UAInfo, ipClass IPClass) float64 {
	var s float64
	if ua.IsBot {
		s += 0.9
	}
	if in.NoJS {
		s += 0.7
	}
	if in.PhantomNavigator {
		s += 0.6
	}
	if in.HeadlessChrome {
		s += 0.95
	}
	if in.WebDriver {
		s += 1.0
	}
	if ipClass == IPDatacenter {
		s += 0.3
	}
	return numeric.Clamp01(s)
}

// suspicious folds in the supplemented header/JA3/form-interaction
// detections: any hit marks the fingerprint as suspicious even when the
// core anomaly/bot weights above stay below their own thresholds.
func suspicious(in Input) bool {
	if len(AnalyzeHeaders(in.Headers)) > 0 {
		return true
	}
	if len(CheckJA3Fingerprint(in.JA3Hash)) > 0 {
		return true
	}
	if len(AnalyzeFormInteraction(in.FormAnalysis)) > 0 {
		return true
	}
	return false
}

var confidenceWeights = map[string]float64{
	"userAgent":      0.15,
	"ip":             0.20,
	"timezone":       0.10,
	"screen":         0.10,
	"acceptLanguage": 0.10,
	"acceptEncoding": 0.05,
	"connection":     0.05,
	"colorDepth":     0.05,
	"platform":       0.05,
	"plugins":        0.05,
	"canvas":         0.05,
	"webgl":          0.05,
}

func confidence(in Input) float64 {
	var c float64
	if in.UserAgent != "" {
		c += confidenceWeights["userAgent"]
	}
	if in.IP != "" {
		c += confidenceWeights["ip"]
	}
	if in.Timezone != "" {
		c += confidenceWeights["timezone"]
	}
	if in.ScreenWidth > 0 && in.ScreenHeight > 0 {
		c += confidenceWeights["screen"]
	}
	if len(in.AcceptLanguage) > 0 {
		c += confidenceWeights["acceptLanguage"]
	}
	if in.AcceptEncoding != "" {
		c += confidenceWeights["acceptEncoding"]
	}
	if in.Connection != "" {
		c += confidenceWeights["connection"]
	}
	if in.ColorDepth > 0 {
		c += confidenceWeights["colorDepth"]
	}
	if in.Platform != "" {
		c += confidenceWeights["platform"]
	}
	if len(in.Plugins) > 0 {
		c += confidenceWeights["plugins"]
	}
	if in.CanvasHash != "" {
		c += confidenceWeights["canvas"]
		c += 0.05
	}
	if in.WebglHash != "" {
		c += confidenceWeights["webgl"]
		c += 0.05
	}
	if len(in.Fonts) > 0 {
		c += 0.03
	}
	if in.AudioHash != "" {
		c += 0.02
	}
	return numeric.Clamp01(c)
}

// --- Stability tracking ------------------------------------------------------

// Stability is the result of Record: whether the identity's recent
// fingerprints have stayed consistent.
type Stability struct {
	Stable        bool
	DistinctCount int
	SampleCount   int
}

// Fingerprinter tracks per-identity fingerprint history in the shared
// store.
type Fingerprinter struct {
	st *store.Store
}

// New constructs a Fingerprinter backed by st.
func New(st *store.Store) *Fingerprinter {
	return &Fingerprinter{st: st}
}

func historyKey(identity string) string { return "fp:history:" + identity }

// Record appends hash to identity's fingerprint history (bounded to the
// most recent 100) and reports whether the history looks stable: fewer
// than 3 distinct fingerprints across the last 10 samples.
func (f *Fingerprinter) Record(identity string, hash uint32) Stability {
	f.st.Push(historyKey(identity), hash, 100)

	v, ok := f.st.Get(historyKey(identity))
	if !ok {
		return Stability{Stable: true}
	}
	list := v.([]interface{})

	last := list
	if len(last) > 10 {
		last = last[len(last)-10:]
	}
	seen := make(map[uint32]struct{})
	for _, h := range last {
		seen[h.(uint32)] = struct{}{}
	}
	return Stability{
		Stable:        len(seen) < 3,
		DistinctCount: len(seen),
		SampleCount:   len(last),
	}
}

// --- Compare -----------------------------------------------------------------

// CompareResult is the outcome of comparing two fingerprints' components.
type CompareResult struct {
	Similarity float64
	Match      bool
}

// Compare reports how similar two fingerprints' underlying components are.
// An exact hash match always scores 1.0; otherwise similarity is the mean
// component equality, using normalized edit distance for string fields.
// match is true when similarity exceeds 0.8.
func Compare(a, b Fingerprint) CompareResult {
	if a.Hash == b.Hash {
		return CompareResult{Similarity: 1.0, Match: true}
	}
	keys := make([]string, 0, len(a.Components))
	for k := range a.Components {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var total float64
	for _, k := range keys {
		total += stringSimilarity(a.Components[k], b.Components[k])
	}
	similarity := 0.0
	if len(keys) > 0 {
		similarity = total / float64(len(keys))
	}
	return CompareResult{Similarity: similarity, Match: similarity > 0.8}
}

func stringSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(levenshtein(a, b))/float64(maxLen)
}

func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			m := del
			if ins < m {
				m = ins
			}
			if sub < m {
				m = sub
			}
			curr[j] = m
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}
