// Package attestation issues and verifies signed tokens a relying party
// can check server-side to confirm a request already cleared the risk
// engine, without re-running Evaluate itself.
package attestation

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"math"
	"time"
)

// ttl is how long an issued token remains acceptable to Verify.
const ttl = 5 * time.Minute

// Result is the outcome of verifying a token.
type Result struct {
	Valid     bool
	Reason    string
	Identity  string
	RiskScore float64
	IssuedAt  int64
}

// Issue mints a token attesting that identity cleared the risk engine at
// riskScore, signed with secret so a relying party holding the same
// secret can call Verify without consulting the engine again.
func Issue(secret, identity string, riskScore float64) string {
	data := map[string]interface{}{
		"identity":  identity,
		"timestamp": time.Now().Unix(),
		"score":     math.Round(riskScore*1000) / 1000,
	}
	payload, _ := json.Marshal(data)
	data["sig"] = sign(secret, payload)

	tokenData, _ := json.Marshal(data)
	return base64.URLEncoding.EncodeToString(tokenData)
}

// Verify checks token's signature and age against secret.
func Verify(secret, token string) Result {
	decoded, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return Result{Reason: "invalid_encoding"}
	}

	var data map[string]interface{}
	if err := json.Unmarshal(decoded, &data); err != nil {
		return Result{Reason: "invalid_json"}
	}

	timestamp, ok := data["timestamp"].(float64)
	if !ok {
		return Result{Reason: "missing_timestamp"}
	}
	if time.Now().Unix()-int64(timestamp) > int64(ttl.Seconds()) {
		return Result{Reason: "expired"}
	}

	sig, ok := data["sig"].(string)
	if !ok {
		return Result{Reason: "missing_signature"}
	}

	delete(data, "sig")
	payload, _ := json.Marshal(data)
	if !hmac.Equal([]byte(sig), []byte(sign(secret, payload))) {
		return Result{Reason: "invalid_signature"}
	}

	identity, _ := data["identity"].(string)
	score, _ := data["score"].(float64)
	return Result{
		Valid:     true,
		Identity:  identity,
		RiskScore: score,
		IssuedAt:  int64(timestamp),
	}
}

func sign(secret string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))[:16]
}
