// Package security implements the per-reporter token service (C4): it
// mints and verifies short-lived HS256 bearer tokens binding a submitter
// identifier to a request, following the cookie-or-header bearer
// extraction and Claim{sub,iat,exp} shape of
// original_source/server/src/rest/api/jwt.rs. The signing algorithm and
// secret discovery are explicitly a placeholder for a future PKI design;
// everything above this middleware boundary is expected to survive that
// swap unchanged.
package security

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

// TokenTTL is the lifetime of a minted token: exp = iat + 360s.
const TokenTTL = 360 * time.Second

// secretAlphabet is used to generate the process-lifetime 42-character
// alphanumeric signing secret when none is configured.
const secretAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

const secretLength = 42

var jwtSecret []byte

// ConfigureSecret installs an operator-provided signing secret. Intended
// to be called once at startup before the first login/auth request; an
// empty secret leaves the process to generate its own on first use.
func ConfigureSecret(secret string) {
	secret = strings.TrimSpace(secret)
	if secret != "" {
		jwtSecret = []byte(secret)
	}
}

// InitAuth ensures a signing secret exists, generating a random
// 42-character alphanumeric one if ConfigureSecret was never called.
func InitAuth() {
	if len(jwtSecret) != 0 {
		return
	}
	jwtSecret = []byte(randomAlphanumeric(secretLength))
}

func randomAlphanumeric(n int) string {
	b := make([]byte, n)
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is effectively unrecoverable; fall back to a
		// fixed placeholder rather than panicking the whole process.
		for i := range b {
			b[i] = secretAlphabet[0]
		}
		return string(b)
	}
	for i, v := range buf {
		b[i] = secretAlphabet[int(v)%len(secretAlphabet)]
	}
	return string(b)
}

// Claim is the token payload: sub identifies the submitter, iat/exp bound
// its validity window.
type Claim struct {
	Sub string `json:"sub"`
	Iat int64  `json:"iat"`
	Exp int64  `json:"exp"`
}

// ErrEmptyIdentifier is returned by Login for an empty identifier.
var ErrEmptyIdentifier = errors.New("security: identifier is empty")

// ErrInvalidToken is returned by Authenticate for a missing, malformed,
// or expired token.
var ErrInvalidToken = errors.New("security: invalid or expired token")

// Login mints a token for identifier. The caller (the /telemetry/login
// handler) is responsible for rejecting an empty body before calling
// this, but Login re-checks and returns ErrEmptyIdentifier defensively.
func Login(identifier string) (string, error) {
	if identifier == "" {
		return "", ErrEmptyIdentifier
	}
	InitAuth()
	now := time.Now().Unix()
	claim := Claim{Sub: identifier, Iat: now, Exp: now + int64(TokenTTL/time.Second)}
	return signClaim(claim)
}

func signClaim(c Claim) (string, error) {
	header := base64urlEncode([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	body := header + "." + base64urlEncode(payload)
	mac := hmac.New(sha256.New, jwtSecret)
	mac.Write([]byte(body))
	sig := base64urlEncode(mac.Sum(nil))
	return body + "." + sig, nil
}

// Verify decodes and validates a token's signature and expiry, returning
// its Claim.
func Verify(token string) (Claim, error) {
	InitAuth()
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return Claim{}, ErrInvalidToken
	}
	mac := hmac.New(sha256.New, jwtSecret)
	mac.Write([]byte(parts[0] + "." + parts[1]))
	expected := mac.Sum(nil)
	sig, err := base64urlDecode(parts[2])
	if err != nil || !hmac.Equal(expected, sig) {
		return Claim{}, ErrInvalidToken
	}
	payload, err := base64urlDecode(parts[1])
	if err != nil {
		return Claim{}, ErrInvalidToken
	}
	var claim Claim
	if err := json.Unmarshal(payload, &claim); err != nil {
		return Claim{}, ErrInvalidToken
	}
	if claim.Exp <= claim.Iat || time.Now().Unix() > claim.Exp {
		return Claim{}, ErrInvalidToken
	}
	return claim, nil
}

func base64urlEncode(b []byte) string {
	return strings.TrimRight(base64.URLEncoding.EncodeToString(b), "=")
}

func base64urlDecode(s string) ([]byte, error) {
	if m := len(s) % 4; m != 0 {
		s += strings.Repeat("=", 4-m)
	}
	return base64.URLEncoding.DecodeString(s)
}

// tokenFromRequest extracts the bearer token from the "token" cookie if
// present, else from the Authorization: Bearer header.
func tokenFromRequest(r *http.Request) (string, bool) {
	if ck, err := r.Cookie("token"); err == nil && ck.Value != "" {
		return ck.Value, true
	}
	auth := r.Header.Get("Authorization")
	if tok, ok := strings.CutPrefix(auth, "Bearer "); ok && tok != "" {
		return tok, true
	}
	return "", false
}

type claimContextKey struct{}

// ClaimFromContext retrieves the Claim attached by Auth middleware.
func ClaimFromContext(ctx context.Context) (Claim, bool) {
	c, ok := ctx.Value(claimContextKey{}).(Claim)
	return c, ok
}

// Auth is the middleware gating /telemetry/netrid: absence or
// unparseable/expired token yields 401; otherwise the decoded Claim is
// attached to the request context for downstream handlers.
func Auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := tokenFromRequest(r)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		claim, err := Verify(token)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), claimContextKey{}, claim)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
