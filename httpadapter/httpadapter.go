// Package httpadapter exposes a riskengine.Engine over HTTP: a chi router
// with the same middleware stack and handler-factory idiom the teacher's
// own main.go uses, translating each Decision into the response shape
// spec.md §6 describes.
package httpadapter

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fcaptcha/riskengine/attestation"
	"github.com/fcaptcha/riskengine/pow"
	"github.com/fcaptcha/riskengine/riskengine"
	"github.com/fcaptcha/riskengine/rlog"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config controls router construction.
type Config struct {
	Engine         *riskengine.Engine
	Logger         *rlog.Logger
	AllowedOrigins []string
	RequestTimeout time.Duration

	// Secret signs issued proof-of-work challenges and the attestation
	// token attached to every allowed decision, and verifies both.
	Secret string
	PoW    *pow.Store
}

// NewRouter builds the chi router exposing POST /api/evaluate,
// POST /api/reset/{identity}, GET /health, and GET /metrics.
func NewRouter(cfg Config) chi.Router {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = rlog.Nop()
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Challenge-Response", "X-JA3-Hash"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Risk-Score", "X-Risk-Level"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	powStore := cfg.PoW
	if powStore == nil {
		powStore = pow.NewStore()
	}

	a := &adapter{engine: cfg.Engine, log: cfg.Logger, pow: powStore, secret: cfg.Secret}

	r.Get("/health", a.healthHandler)
	r.Get("/metrics", metricsHandler(cfg.Engine))
	r.Post("/api/evaluate", a.evaluateHandler)
	r.Post("/api/reset/{identity}", a.resetHandler)
	r.Post("/api/pow/verify", a.powVerifyHandler)
	r.Post("/api/attestation/verify", a.attestationVerifyHandler)

	return r
}

type adapter struct {
	engine *riskengine.Engine
	log    *rlog.Logger
	pow    *pow.Store
	secret string
}

func (a *adapter) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// metricsHandler scrapes the engine's own Collector registry when one was
// configured, falling back to the global default registry (empty, absent
// anything else in-process registering against it) so the route is always
// safe to mount.
func metricsHandler(engine *riskengine.Engine) http.HandlerFunc {
	if engine != nil {
		if m := engine.Metrics(); m != nil {
			return promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}).ServeHTTP
		}
	}
	return promhttp.Handler().ServeHTTP
}

// evaluateRequestBody is the wire shape of the inbound request record from
// spec.md §6: ip/method/path/endpoint/action/headers/body/query/client,
// with every field optional except what the caller can actually supply.
type evaluateRequestBody struct {
	UserID       string                 `json:"userId,omitempty"`
	SessionID    string                 `json:"sessionId,omitempty"`
	Method       string                 `json:"method,omitempty"`
	Path         string                 `json:"path,omitempty"`
	Endpoint     string                 `json:"endpoint,omitempty"`
	Action       string                 `json:"action,omitempty"`
	Body         map[string]interface{} `json:"body,omitempty"`
	BodySize     float64                `json:"bodySize,omitempty"`
	Query        map[string]interface{} `json:"query,omitempty"`
	QuerySize    float64                `json:"querySize,omitempty"`
	Client       *clientBody            `json:"client,omitempty"`
	FormAnalysis map[string]interface{} `json:"formAnalysis,omitempty"`
	ResponseTime float64                `json:"responseTime,omitempty"`
	HasMouse     bool                   `json:"hasMouse,omitempty"`
	HasScroll    bool                   `json:"hasScroll,omitempty"`
}

type clientBody struct {
	Timezone       string   `json:"timezone,omitempty"`
	ScreenWidth    int      `json:"screenWidth,omitempty"`
	ScreenHeight   int      `json:"screenHeight,omitempty"`
	ColorDepth     int      `json:"colorDepth,omitempty"`
	Platform       string   `json:"platform,omitempty"`
	TouchSupport   bool     `json:"touchSupport,omitempty"`
	CookiesEnabled bool     `json:"cookiesEnabled,omitempty"`
	CanvasHash     string   `json:"canvasHash,omitempty"`
	WebglHash      string   `json:"webglHash,omitempty"`
	AudioHash      string   `json:"audioHash,omitempty"`
	Plugins        []string `json:"plugins,omitempty"`
	Fonts          []string `json:"fonts,omitempty"`

	NoJS             bool `json:"noJs,omitempty"`
	PhantomNavigator bool `json:"phantomNavigator,omitempty"`
	HeadlessChrome   bool `json:"headlessChrome,omitempty"`
	WebDriver        bool `json:"webDriver,omitempty"`
}

// evaluateResponseBody mirrors the Decision struct per spec.md §6's
// outbound adapter contract.
type evaluateResponseBody struct {
	UserID     string              `json:"userId"`
	SessionID  string              `json:"sessionId"`
	RiskScore  float64             `json:"riskScore"`
	RiskLevel  string              `json:"riskLevel"`
	Action     actionBody          `json:"action"`
	Allowed    bool                `json:"allowed"`
	Components map[string]float64 `json:"components"`
	AttackType string              `json:"attackType,omitempty"`
	Metadata   riskengine.Metadata `json:"metadata"`
	RequestID  string              `json:"requestId"`
	Token      string              `json:"token,omitempty"`
}

type actionBody struct {
	Type          string  `json:"type"`
	Reason        string  `json:"reason"`
	DurationMs    int64   `json:"durationMs,omitempty"`
	Factor        float64 `json:"factor,omitempty"`
	ChallengeType string  `json:"challengeType,omitempty"`
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return host
}

// identityFromRequest follows spec.md's preference order: explicit userId
// in the body, then an authenticated user id header, then a caller-
// supplied identity header, then the caller's IP, then "anonymous" (the
// final fallback lives inside riskengine.identityOf itself).
func identityFromRequest(body evaluateRequestBody, r *http.Request) (userID, sessionID string) {
	userID = body.UserID
	if userID == "" {
		userID = r.Header.Get("X-Authenticated-User-Id")
	}
	if userID == "" {
		userID = r.Header.Get("X-Identity")
	}
	return userID, body.SessionID
}

func headersOf(r *http.Request) map[string]string {
	out := make(map[string]string, len(r.Header))
	for k, vs := range r.Header {
		if len(vs) > 0 {
			out[strings.ToLower(k)] = vs[0]
		}
	}
	return out
}

func (a *adapter) evaluateHandler(w http.ResponseWriter, r *http.Request) {
	var body evaluateRequestBody
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err.Error() != "EOF" {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	userID, sessionID := identityFromRequest(body, r)
	headers := headersOf(r)

	req := riskengine.Request{
		IP:           clientIP(r),
		UserID:       userID,
		SessionID:    sessionID,
		Method:       r.Method,
		Path:         r.URL.Path,
		Endpoint:     firstNonEmpty(body.Endpoint, r.URL.Path),
		Action:       firstNonEmpty(body.Action, strings.ToLower(r.Method)),
		Headers:      headers,
		BodySize:     body.BodySize,
		QuerySize:    body.QuerySize,
		JA3Hash:      headers["x-ja3-hash"],
		FormAnalysis: body.FormAnalysis,
		ResponseTime: body.ResponseTime,
		HasMouse:     body.HasMouse,
		HasScroll:    body.HasScroll,
	}
	if body.Client != nil {
		req.Client = &riskengine.Client{
			Timezone:         body.Client.Timezone,
			ScreenWidth:      body.Client.ScreenWidth,
			ScreenHeight:     body.Client.ScreenHeight,
			ColorDepth:       body.Client.ColorDepth,
			Platform:         body.Client.Platform,
			TouchSupport:     body.Client.TouchSupport,
			CookiesEnabled:   body.Client.CookiesEnabled,
			CanvasHash:       body.Client.CanvasHash,
			WebglHash:        body.Client.WebglHash,
			AudioHash:        body.Client.AudioHash,
			Plugins:          body.Client.Plugins,
			Fonts:            body.Client.Fonts,
			NoJS:             body.Client.NoJS,
			PhantomNavigator: body.Client.PhantomNavigator,
			HeadlessChrome:   body.Client.HeadlessChrome,
			WebDriver:        body.Client.WebDriver,
		}
	}

	decision := a.engine.Evaluate(req)
	requestID := middleware.GetReqID(r.Context())

	w.Header().Set("X-Risk-Score", fmt.Sprintf("%.3f", decision.RiskScore))
	w.Header().Set("X-Risk-Level", string(decision.RiskLevel))

	switch decision.Action.Type {
	case riskengine.ActionAllow:
		writeJSON(w, http.StatusOK, a.toResponseBody(decision, requestID))
	case riskengine.ActionChallenge:
		if r.Header.Get("X-Challenge-Response") != "" {
			writeJSON(w, http.StatusOK, a.toResponseBody(decision, requestID))
			return
		}
		if decision.Action.ChallengeType == riskengine.ChallengeProofOfWork {
			challenge := a.pow.Issue(a.secret, pow.DifficultyFor(decision.RiskScore))
			writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"challengeType": string(decision.Action.ChallengeType),
				"challenge":     challenge,
				"requestId":     requestID,
			})
			return
		}
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"challengeType": string(decision.Action.ChallengeType),
			"challenge":     requestID,
			"requestId":     requestID,
		})
	case riskengine.ActionThrottle:
		factor := decision.Action.Factor
		if factor <= 0 {
			factor = 1
		}
		delay := time.Duration(throttleBaseDelayMs/factor) * time.Millisecond
		time.Sleep(delay)
		writeJSON(w, http.StatusOK, a.toResponseBody(decision, requestID))
	case riskengine.ActionBlock, riskengine.ActionBan:
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"reason":     decision.Action.Reason,
			"retryAfter": int64(decision.Action.Duration / time.Second),
			"requestId":  requestID,
		})
	default:
		writeJSON(w, http.StatusOK, a.toResponseBody(decision, requestID))
	}
}

// throttleBaseDelayMs is the spec's base delay before dividing by the
// throttle factor ("delay by throttleDelay/factor ms").
const throttleBaseDelayMs = 200

func (a *adapter) powVerifyHandler(w http.ResponseWriter, r *http.Request) {
	var sol pow.Solution
	if err := json.NewDecoder(r.Body).Decode(&sol); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	result := a.pow.Verify(a.secret, sol)
	if !result.Valid {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"valid": false, "reason": result.Reason})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"valid": true, "difficulty": result.Difficulty})
}

func (a *adapter) resetHandler(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	if identity == "" {
		http.Error(w, "missing identity", http.StatusBadRequest)
		return
	}
	a.engine.ResetUser(identity)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "identity": identity})
}

// toResponseBody maps a Decision onto the wire response, issuing a signed
// attestation token when the request was allowed so a relying party can
// later confirm this outcome via attestationVerifyHandler without calling
// back into the risk engine.
func (a *adapter) toResponseBody(d riskengine.Decision, requestID string) evaluateResponseBody {
	var token string
	if d.Allowed {
		token = attestation.Issue(a.secret, d.UserID, d.RiskScore)
	}

	components := map[string]float64{}
	if d.Components.Behavior != nil {
		components["behavior"] = *d.Components.Behavior
	}
	if d.Components.Pattern != nil {
		components["pattern"] = *d.Components.Pattern
	}
	if d.Components.RateLimit != nil {
		components["rateLimit"] = *d.Components.RateLimit
	}
	if d.Components.Fingerprint != nil {
		components["fingerprint"] = *d.Components.Fingerprint
	}
	if d.Components.Reputation != nil {
		components["reputation"] = *d.Components.Reputation
	}

	return evaluateResponseBody{
		UserID:     d.UserID,
		SessionID:  d.SessionID,
		RiskScore:  d.RiskScore,
		RiskLevel:  string(d.RiskLevel),
		Action: actionBody{
			Type:          string(d.Action.Type),
			Reason:        d.Action.Reason,
			DurationMs:    d.Action.Duration.Milliseconds(),
			Factor:        d.Action.Factor,
			ChallengeType: string(d.Action.ChallengeType),
		},
		Allowed:    d.Allowed,
		Components: components,
		AttackType: d.AttackType,
		Metadata:   d.Metadata,
		RequestID:  requestID,
		Token:      token,
	}
}

func (a *adapter) attestationVerifyHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	result := attestation.Verify(a.secret, body.Token)
	if !result.Valid {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"valid": false, "reason": result.Reason})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":     true,
		"identity":  result.Identity,
		"riskScore": result.RiskScore,
		"issuedAt":  result.IssuedAt,
	})
}

func firstNonEmpty(xs ...string) string {
	for _, x := range xs {
		if x != "" {
			return x
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
