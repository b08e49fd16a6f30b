// Package riskengine orchestrates the five signal producers — behavior
// analysis, pattern detection, rate limiting, fingerprinting, and
// reputation — into a single fused risk score, risk level, and mitigation
// action per request.
package riskengine

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/fcaptcha/riskengine/apperr"
	"github.com/fcaptcha/riskengine/behavior"
	"github.com/fcaptcha/riskengine/fingerprint"
	"github.com/fcaptcha/riskengine/numeric"
	"github.com/fcaptcha/riskengine/pattern"
	"github.com/fcaptcha/riskengine/ratelimiter"
	"github.com/fcaptcha/riskengine/reputation"
	"github.com/fcaptcha/riskengine/rlog"
	"github.com/fcaptcha/riskengine/rmetrics"
	"github.com/fcaptcha/riskengine/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RiskLevel is the categorical bucket a fused score maps to.
type RiskLevel string

const (
	LevelMinimal  RiskLevel = "minimal"
	LevelLow      RiskLevel = "low"
	LevelMedium   RiskLevel = "medium"
	LevelHigh     RiskLevel = "high"
	LevelCritical RiskLevel = "critical"
)

// ActionType is the mitigation the engine selects for a decision.
type ActionType string

const (
	ActionAllow     ActionType = "allow"
	ActionChallenge ActionType = "challenge"
	ActionThrottle  ActionType = "throttle"
	ActionBlock     ActionType = "block"
	ActionBan       ActionType = "ban"
)

// ChallengeType distinguishes the sub-kind of a challenge action.
type ChallengeType string

const (
	ChallengeCaptcha     ChallengeType = "captcha"
	ChallengeProofOfWork ChallengeType = "proofOfWork"
	ChallengeJS          ChallengeType = "jsChallenge"
)

// Action is a tagged variant: only the fields valid for Type are
// meaningful, per the spec's "closed struct per kind" design note.
type Action struct {
	Type          ActionType
	Reason        string
	Duration      time.Duration // block, ban
	Factor        float64       // throttle
	ChallengeType ChallengeType // challenge
}

// Components is the per-signal score breakdown attached to a Decision.
type Components struct {
	Behavior    *float64
	Pattern     *float64
	RateLimit   *float64
	Fingerprint *float64
	Reputation  *float64
}

// Decision is the outbound result of Evaluate.
type Decision struct {
	UserID     string
	SessionID  string
	RiskScore  float64
	RiskLevel  RiskLevel
	Action     Action
	Allowed    bool
	Components Components
	AttackType string
	Metadata   Metadata
}

// Metadata carries evaluation bookkeeping that isn't itself a risk signal.
type Metadata struct {
	EvaluationTimeMs float64
	TimestampMs      int64
}

// Client carries optional client-declared attributes from the adapter.
type Client struct {
	Timezone       string
	ScreenWidth    int
	ScreenHeight   int
	ColorDepth     int
	Platform       string
	TouchSupport   bool
	CookiesEnabled bool
	CanvasHash     string
	WebglHash      string
	AudioHash      string
	Plugins        []string
	Fonts          []string

	NoJS             bool
	PhantomNavigator bool
	HeadlessChrome   bool
	WebDriver        bool
}

// Request is the inbound record the adapter constructs per spec §6.
type Request struct {
	IP           string
	UserID       string
	SessionID    string
	Method       string
	Path         string
	Endpoint     string
	Action       string
	Headers      map[string]string // case-insensitive: caller lowercases keys
	BodySize     float64
	QuerySize    float64
	Client       *Client
	JA3Hash      string
	FormAnalysis map[string]interface{}

	// HasMouse and HasScroll are client-reported interaction markers for
	// this request; their absence across an identity's recent history
	// feeds the BehaviorAnalyzer's missing-human-markers signal.
	HasMouse   bool
	HasScroll  bool

	ResponseTime float64
	StatusCode   int
}

func (r *Request) userAgent() string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers["user-agent"]
}

// Hooks lets a caller observe high-risk decisions without the orchestrator
// itself ever failing on a bad implementation — every call is wrapped in a
// panic-safe boundary and swallowed on failure.
type Hooks interface {
	OnHighRisk(Decision)
	OnBlock(Decision)
	OnAnomaly(Decision)
}

// NopHooks is the default no-op Hooks implementation.
type NopHooks struct{}

func (NopHooks) OnHighRisk(Decision) {}
func (NopHooks) OnBlock(Decision)    {}
func (NopHooks) OnAnomaly(Decision)  {}

// Thresholds maps a fused score to a RiskLevel. Values must be ascending
// in [0,1].
type Thresholds struct {
	Low      float64
	Medium   float64
	High     float64
	Critical float64
}

func defaultThresholds() Thresholds {
	return Thresholds{Low: 0.3, Medium: 0.5, High: 0.7, Critical: 0.9}
}

// Weights controls the per-signal contribution to the fused score before
// floor rules are applied. Weights need not sum to 1 — they are
// normalized over whichever signals are actually present for a given
// request.
type Weights struct {
	Behavior    float64
	Pattern     float64
	RateLimit   float64
	Fingerprint float64
	Reputation  float64
}

func defaultWeights() Weights {
	return Weights{Behavior: 0.25, Pattern: 0.25, RateLimit: 0.20, Fingerprint: 0.15, Reputation: 0.15}
}

// Floor rule constants: post-hoc upward (MAX) clamps applied after the
// weighted fusion, per spec.md §4.7 step 4 and the Open Question decision
// recorded in DESIGN.md. Treated as first-class, independently tunable
// constants rather than folded into Weights.
const (
	FloorAttackType      = 0.6
	FloorBotDetected     = 0.7
	FloorRateLimitDenied = 0.5
)

// RateLimitConfig mirrors ratelimiter.Config for construction convenience.
type RateLimitConfig = ratelimiter.Config

// Config is accepted at construction time; all fields have spec-compliant
// defaults.
type Config struct {
	Thresholds Thresholds
	Weights    Weights
	RateLimit  RateLimitConfig
	Hooks      Hooks

	Store   *store.Store
	Logger  *rlog.Logger
	Metrics *rmetrics.Collector
}

// Engine is the risk-fusion orchestrator. Safe for concurrent Evaluate
// calls.
type Engine struct {
	cfg Config

	st          *store.Store
	rateLimiter *ratelimiter.Limiter
	fingerprint *fingerprint.Fingerprinter
	behavior    *behavior.Analyzer
	reputation  *reputation.Tracker

	log     *rlog.Logger
	metrics *rmetrics.Collector
	hooks   Hooks

	statsMu sync.Mutex
	stats   globalStats
}

type globalStats struct {
	total, blocked, challenged, allowed int64
	meanScore                           float64
}

// New constructs an Engine with its own store (or the one supplied in cfg)
// and starts the store's and rate limiter's background sweepers. Call
// Close to release them.
func New(cfg Config) *Engine {
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = defaultThresholds()
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = defaultWeights()
	}
	if cfg.Hooks == nil {
		cfg.Hooks = NopHooks{}
	}

	st := cfg.Store
	if st == nil {
		st = store.New(store.Config{Metrics: cfg.Metrics})
	}

	e := &Engine{
		cfg:         cfg,
		st:          st,
		rateLimiter: ratelimiter.New(st, cfg.RateLimit, cfg.Metrics),
		fingerprint: fingerprint.New(st),
		behavior:    behavior.New(st),
		reputation:  reputation.New(st),
		log:         rlog.Nop(),
		metrics:     cfg.Metrics,
		hooks:       cfg.Hooks,
	}
	if cfg.Logger != nil {
		e.log = cfg.Logger
	}
	return e
}

// Close stops every background sweeper the engine owns.
func (e *Engine) Close() {
	e.rateLimiter.Close()
	if e.cfg.Store == nil {
		e.st.Close()
	}
}

func identityOf(r *Request) string {
	switch {
	case r.UserID != "":
		return r.UserID
	case r.SessionID != "":
		return r.SessionID
	case r.IP != "":
		return r.IP
	default:
		return "anonymous"
	}
}

func sessionIDOf(r *Request, nowMs int64) string {
	if r.SessionID != "" {
		return r.SessionID
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d", r.IP, r.userAgent(), nowMs)
	return fmt.Sprintf("sess_%x", h.Sum64())
}

func eventKey(identity string) string { return "events:" + identity }

const maxEventHistory = 1000

// recordEvent appends the request as an Event to identity's bounded event
// list and returns the full current list for the producers to consume.
func (e *Engine) recordEvent(identity string, r *Request, nowMs int64) []behavior.Event {
	ev := behavior.Event{
		TimestampMs:  nowMs,
		Action:       r.Action,
		Endpoint:     r.Endpoint,
		ResponseTime: r.ResponseTime,
		PayloadSize:  r.BodySize,
		HasMouse:     r.HasMouse,
		HasScroll:    r.HasScroll,
		FormSeverity: fingerprint.FormAutomationSeverity(r.FormAnalysis),
	}
	e.st.Push(eventKey(identity), ev, maxEventHistory)

	v, ok := e.st.Get(eventKey(identity))
	if !ok {
		return []behavior.Event{ev}
	}
	raw := v.([]interface{})
	out := make([]behavior.Event, len(raw))
	for i, x := range raw {
		out[i] = x.(behavior.Event)
	}
	return out
}

func toPatternEvents(events []behavior.Event, r *Request) []pattern.Event {
	out := make([]pattern.Event, len(events))
	for i, ev := range events {
		out[i] = pattern.Event{
			TimestampMs: ev.TimestampMs,
			Action:      ev.Action,
			Endpoint:    ev.Endpoint,
			IP:          r.IP,
			UserAgent:   r.userAgent(),
		}
	}
	return out
}

// Evaluate runs the full pipeline for a single request, per spec.md §4.7.
// It never panics outward: an internal failure degrades to a fail-open
// allow decision with logging, since blocking legitimate traffic on an
// engine bug is worse than the abuse it would have caught.
func (e *Engine) Evaluate(r Request) (d Decision) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			e.log.HookFailure("evaluate", rec)
			d = e.failOpenDecision(&r, start)
		}
	}()
	return e.evaluate(&r, start)
}

func (e *Engine) failOpenDecision(r *Request, start time.Time) Decision {
	now := time.Now()
	return Decision{
		UserID:    identityOf(r),
		SessionID: sessionIDOf(r, now.UnixMilli()),
		RiskScore: 0,
		RiskLevel: LevelMinimal,
		Action:    Action{Type: ActionAllow, Reason: "internal_error_fail_open"},
		Allowed:   true,
		Metadata: Metadata{
			EvaluationTimeMs: float64(time.Since(start).Microseconds()) / 1000.0,
			TimestampMs:      now.UnixMilli(),
		},
	}
}

func (e *Engine) evaluate(r *Request, start time.Time) Decision {
	now := time.Now()
	nowMs := now.UnixMilli()

	identity := identityOf(r)
	sessionID := sessionIDOf(r, nowMs)

	events := e.recordEvent(identity, r, nowMs)

	reputationBefore := e.reputation.Get(identity, nowMs)

	rlResult := e.rateLimiter.Check(identity, r.Endpoint, ratelimiter.CheckOptions{RiskScore: reputationBefore.Score})

	var fp fingerprint.Fingerprint
	if r.Client != nil {
		fp = fingerprint.Generate(clientToInput(r, r.Client))
	} else {
		fp = fingerprint.Generate(fingerprint.Input{UserAgent: r.userAgent(), IP: r.IP, Headers: r.Headers, JA3Hash: r.JA3Hash, FormAnalysis: r.FormAnalysis})
	}
	fpStability := e.fingerprint.Record(identity, fp.Hash)
	if !fpStability.Stable && fpStability.SampleCount >= 5 {
		e.log.StoreEvent("fingerprint_unstable", zap.String("identity", identity),
			zap.Int("sampleCount", fpStability.SampleCount))
	}

	behaviorProfile, _ := e.behavior.Update(identity, events, nowMs)
	fv, haveFeatures := behavior.ExtractFeatures(events)
	var behaviorResult behavior.Result
	if haveFeatures {
		behaviorResult = e.behavior.Evaluate(behaviorProfile, fv)
	} else {
		// StateNotInitialized: too few samples for a trained baseline. The
		// result is marked unreliable at a neutral 0.5; since
		// behaviorPresent is false below, it is left out of the fused score
		// and Components.Behavior stays nil.
		behaviorResult = behavior.Result{Score: 0.5, Reliable: false}
		e.log.StoreEvent("behavior_unreliable", zap.String("identity", identity),
			zap.String("code", string(apperr.StateNotInitialized)))
	}

	patternResult := pattern.Detect(toPatternEvents(events, r))

	fused, components := e.fuse(fuseInput{
		behaviorScore:       behaviorResult.Score,
		behaviorPresent:     haveFeatures,
		patternScore:        patternResult.Risk,
		patternPresent:      len(events) > 0,
		rateLimitResult:     rlResult,
		fingerprintScore:    fp.AnomalyScore,
		fingerprintBot:      fp.BotScore,
		fingerprintSusp:     fp.Suspicious,
		reputationScore:     reputationBefore.Score,
	})

	fused = applyFloors(fused, patternResult.AttackType != "", fp.IsBot, !rlResult.Allowed)
	level := levelFor(fused, e.cfg.Thresholds)
	action := e.selectAction(fused, patternResult, fp, rlResult, behaviorResult)

	e.reputation.Record(identity, reputation.Entry{TimestampMs: nowMs, RiskScore: fused, Action: string(action.Type)})

	e.updateGlobalStats(action.Type, fused)

	decision := Decision{
		UserID:    identity,
		SessionID: sessionID,
		RiskScore: fused,
		RiskLevel: level,
		Action:    action,
		Allowed:   action.Type == ActionAllow || action.Type == ActionChallenge,
		Components: Components{
			Behavior:    ptrIf(haveFeatures, behaviorResult.Score),
			Pattern:     ptrIf(len(events) > 0, patternResult.Risk),
			RateLimit:   ptrIf(true, components.rateLimit),
			Fingerprint: ptrIf(true, components.fingerprint),
			Reputation:  ptrIf(true, reputationBefore.Score),
		},
		AttackType: patternResult.AttackType,
		Metadata: Metadata{
			EvaluationTimeMs: float64(time.Since(start).Microseconds()) / 1000.0,
			TimestampMs:      nowMs,
		},
	}

	e.metrics.RecordDecision(string(action.Type), string(level), time.Since(start))
	e.fireHooks(decision, fused)
	e.log.Decision(identity, string(level), string(action.Type), fused)

	return decision
}

func ptrIf(ok bool, v float64) *float64 {
	if !ok {
		return nil
	}
	return &v
}

func clientToInput(r *Request, c *Client) fingerprint.Input {
	return fingerprint.Input{
		UserAgent:      r.userAgent(),
		IP:             r.IP,
		Timezone:       c.Timezone,
		ScreenWidth:    c.ScreenWidth,
		ScreenHeight:   c.ScreenHeight,
		ColorDepth:     c.ColorDepth,
		Platform:       c.Platform,
		TouchSupport:   c.TouchSupport,
		CookiesEnabled: c.CookiesEnabled,
		CanvasHash:     c.CanvasHash,
		WebglHash:      c.WebglHash,
		AudioHash:      c.AudioHash,
		Plugins:        c.Plugins,
		Fonts:          c.Fonts,

		NoJS:             c.NoJS,
		PhantomNavigator: c.PhantomNavigator,
		HeadlessChrome:   c.HeadlessChrome,
		WebDriver:        c.WebDriver,

		Headers:      r.Headers,
		JA3Hash:      r.JA3Hash,
		FormAnalysis: r.FormAnalysis,
	}
}

type fuseInput struct {
	behaviorScore   float64
	behaviorPresent bool

	patternScore   float64
	patternPresent bool

	rateLimitResult ratelimiter.Result

	fingerprintScore float64
	fingerprintBot   float64
	fingerprintSusp  bool

	reputationScore float64
}

type fusedComponents struct {
	rateLimit   float64
	fingerprint float64
}

// fuse implements spec.md §4.7 step 4: a weighted mean over present
// components, each present component's weight normalized by the sum of
// weights actually present. The floor-rule MAX clamps are applied
// afterwards, by applyFloors.
func (e *Engine) fuse(in fuseInput) (float64, fusedComponents) {
	w := e.cfg.Weights

	rateLimitScore := 0.0
	if !in.rateLimitResult.Allowed {
		severity := in.rateLimitResult.Severity
		if severity <= 0 {
			severity = 0.5
		}
		rateLimitScore = severity
	}

	fingerprintScore := in.fingerprintScore
	if in.fingerprintBot > fingerprintScore {
		fingerprintScore = in.fingerprintBot
	}
	if in.fingerprintSusp && 0.7 > fingerprintScore {
		fingerprintScore = 0.7
	}

	var num, den float64
	if in.behaviorPresent {
		num += w.Behavior * in.behaviorScore
		den += w.Behavior
	}
	if in.patternPresent {
		num += w.Pattern * in.patternScore
		den += w.Pattern
	}
	// Rate-limit, fingerprint and reputation signals are always included.
	num += w.RateLimit * rateLimitScore
	den += w.RateLimit
	num += w.Fingerprint * fingerprintScore
	den += w.Fingerprint
	num += w.Reputation * in.reputationScore
	den += w.Reputation

	score := 0.0
	if den > 0 {
		score = num / den
	}
	score = numeric.Clamp01(score)

	return score, fusedComponents{rateLimit: rateLimitScore, fingerprint: fingerprintScore}
}

func levelFor(score float64, t Thresholds) RiskLevel {
	switch {
	case score >= t.Critical:
		return LevelCritical
	case score >= t.High:
		return LevelHigh
	case score >= t.Medium:
		return LevelMedium
	case score >= t.Low:
		return LevelLow
	default:
		return LevelMinimal
	}
}

func applyFloors(score float64, attackDetected, botDetected, rateLimitDenied bool) float64 {
	if attackDetected && FloorAttackType > score {
		score = FloorAttackType
	}
	if botDetected && FloorBotDetected > score {
		score = FloorBotDetected
	}
	if rateLimitDenied && FloorRateLimitDenied > score {
		score = FloorRateLimitDenied
	}
	return numeric.Clamp01(score)
}

// selectAction maps an already-floored, already-clamped fused score to a
// mitigation action. Callers must apply applyFloors before calling this.
func (e *Engine) selectAction(fused float64, pr pattern.Result, fp fingerprint.Fingerprint, rl ratelimiter.Result, br behavior.Result) Action {
	t := e.cfg.Thresholds

	switch {
	case fused >= t.Critical:
		return Action{Type: ActionBan, Duration: 24 * time.Hour, Reason: dominantReason(pr, fp, rl)}
	case fused >= t.High:
		return Action{Type: ActionBlock, Duration: time.Hour, Reason: dominantReason(pr, fp, rl)}
	case fused >= t.Medium:
		return Action{Type: ActionThrottle, Factor: 0.5, Reason: "risk_score_medium"}
	case fused >= t.Low:
		return Action{Type: ActionChallenge, ChallengeType: selectChallenge(fp, br), Reason: "risk_score_elevated"}
	default:
		return Action{Type: ActionAllow, Reason: "risk_score_low"}
	}
}

func selectChallenge(fp fingerprint.Fingerprint, br behavior.Result) ChallengeType {
	switch {
	case fp.BotScore > 0.5:
		return ChallengeCaptcha
	case br.SubScores["automation"] > 0.5:
		return ChallengeProofOfWork
	default:
		return ChallengeJS
	}
}

func dominantReason(pr pattern.Result, fp fingerprint.Fingerprint, rl ratelimiter.Result) string {
	if pr.AttackType != "" {
		return "detected_" + pr.AttackType
	}
	if fp.IsBot {
		return "detected_bot"
	}
	if !rl.Allowed {
		return "rate_limit_exceeded"
	}
	return "detected_risk"
}

func (e *Engine) updateGlobalStats(action ActionType, score float64) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.stats.total++
	switch action {
	case ActionBlock, ActionBan:
		e.stats.blocked++
	case ActionChallenge:
		e.stats.challenged++
	case ActionAllow:
		e.stats.allowed++
	}
	e.stats.meanScore = numeric.EWMA(e.stats.meanScore, score, 1.0/float64(e.stats.total+1))
}

// Stats is a snapshot of cumulative decision counters.
type Stats struct {
	Total, Blocked, Challenged, Allowed int64
	MeanScore                           float64
}

// Stats returns a snapshot of the engine's global decision counters.
func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return Stats{
		Total:      e.stats.total,
		Blocked:    e.stats.blocked,
		Challenged: e.stats.challenged,
		Allowed:    e.stats.allowed,
		MeanScore:  e.stats.meanScore,
	}
}

// Metrics returns the Collector the Engine was constructed with, or nil if
// none was configured. An HTTP adapter exposing a /metrics scrape route
// should register this Collector's Registry rather than the global default
// one, since the engine's instruments live on their own registry.
func (e *Engine) Metrics() *rmetrics.Collector {
	return e.metrics
}

func (e *Engine) fireHooks(d Decision, fused float64) {
	safeCall := func(name string, fn func()) {
		defer func() {
			if rec := recover(); rec != nil {
				e.log.HookFailure(name, rec)
			}
		}()
		fn()
	}

	if fused >= e.cfg.Thresholds.High {
		safeCall("onHighRisk", func() { e.hooks.OnHighRisk(d) })
	}
	if d.Action.Type == ActionBlock || d.Action.Type == ActionBan {
		safeCall("onBlock", func() { e.hooks.OnBlock(d) })
	}
	if d.AttackType != "" {
		safeCall("onAnomaly", func() { e.hooks.OnAnomaly(d) })
	}
}

// ResetUser purges events, reputation, behavior profile, fingerprint
// history, and all rate-limiter state for identity, atomically with
// respect to readers of each individual key (per-key linearizability from
// the store, not a single cross-key transaction) per spec.md invariant (f).
func (e *Engine) ResetUser(identity string) {
	e.st.Delete(eventKey(identity))
	e.reputation.Reset(identity)
	e.st.Delete("behavior:profile:" + identity)
	e.st.Delete("fp:history:" + identity)
	e.rateLimiter.Reset(identity)
}

// NewRequestID generates a random identifier suitable for correlating a
// decision with logs/responses.
func NewRequestID() string {
	return uuid.NewString()
}

// ExportState returns a snapshot of every key the engine's store currently
// holds, suitable for persisting across a restart.
func (e *Engine) ExportState() map[string]store.ExportedEntry {
	return e.st.Export()
}

// ImportState re-hydrates a prior ExportState snapshot. A failure here is
// the one error kind the engine propagates to the caller rather than
// degrading silently, since a corrupt import leaves every producer's state
// for the affected identities undefined.
func (e *Engine) ImportState(data map[string]store.ExportedEntry) error {
	n, err := e.st.Import(data)
	if err != nil {
		return apperr.Wrap(apperr.ImportFailure, "riskengine: import failed", err)
	}
	e.log.StoreEvent("import", zap.Int("keys", n))
	return nil
}
