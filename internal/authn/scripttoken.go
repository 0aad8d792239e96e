package authn

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ScriptTokenTTL is the default lifetime of an issued script token
// (spec.md §4.6: "Script tokens default to 15-minute TTL").
const ScriptTokenTTL = 15 * time.Minute

// ScriptPayload is the decoded form of a script token, per spec.md §3.
type ScriptPayload struct {
	JTI       string    `json:"jti"`
	FlowID    string    `json:"flowId"`
	SessionID string    `json:"sessionId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// NewScriptPayload constructs a fresh payload scoped to flowID/sessionID.
func NewScriptPayload(flowID, sessionID string, now time.Time, ttl time.Duration) ScriptPayload {
	if ttl <= 0 {
		ttl = ScriptTokenTTL
	}
	return ScriptPayload{
		JTI:       uuid.NewString(),
		FlowID:    flowID,
		SessionID: sessionID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// SignScriptToken produces the on-wire form described by spec.md §3:
// script.<base64url(payload-json)>.<base64url(HMAC-SHA256(payload-b64, serverToken))>.
func SignScriptToken(payload ScriptPayload, serverToken string) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(raw)
	mac := hmac.New(sha256.New, []byte(serverToken))
	mac.Write([]byte(payloadB64))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return "script." + payloadB64 + "." + sig, nil
}

// VerifyScriptToken validates token against serverToken and isActive,
// implementing spec.md §4.6 step 2 verbatim: split payload/signature,
// recompute HMAC, constant-time compare, decode JSON, check expiry, check
// the jti is still active.
func VerifyScriptToken(token, serverToken string, isActive func(jti string) bool) (*ScriptPayload, error) {
	rest, ok := stripScriptPrefix(token)
	if !ok {
		return nil, fmt.Errorf("not a script token")
	}
	parts := strings.Split(rest, ".")
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed script token")
	}
	payloadB64, sigB64 := parts[0], parts[1]

	mac := hmac.New(sha256.New, []byte(serverToken))
	mac.Write([]byte(payloadB64))
	expectedSig := mac.Sum(nil)

	gotSig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, fmt.Errorf("malformed signature")
	}
	if subtle.ConstantTimeCompare(expectedSig, gotSig) != 1 {
		return nil, fmt.Errorf("signature mismatch")
	}

	raw, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil, fmt.Errorf("malformed payload")
	}
	var payload ScriptPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("malformed payload json")
	}

	if time.Now().After(payload.ExpiresAt) {
		return nil, fmt.Errorf("token expired")
	}
	if isActive != nil && !isActive(payload.JTI) {
		return nil, fmt.Errorf("token revoked")
	}
	return &payload, nil
}

// stripScriptPrefix accepts both the "script." wire prefix and the legacy
// underscore-separated form named in spec.md §3.
func stripScriptPrefix(token string) (string, bool) {
	if rest, ok := strings.CutPrefix(token, "script."); ok {
		return rest, true
	}
	if rest, ok := strings.CutPrefix(token, "script_"); ok {
		return strings.Replace(rest, "_", ".", 1), true
	}
	return "", false
}
