// Package auth resolves the calling tenant of a request.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Modes.
const (
	ModeDev  = "dev"  // trust X-Tenant-Id or a bare bearer tenant
	ModeHMAC = "hmac" // require an HS256 JWT carrying the tenant claim
)

var ErrUnauthorized = errors.New("unauthorized")

// Verifier extracts the tenant from a request.
type Verifier struct {
	Mode        string
	HMACSecret  []byte
	TenantClaim string
	now         func() time.Time
}

func NewVerifier(mode, secret, tenantClaim string) (*Verifier, error) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = ModeDev
	}
	if tenantClaim == "" {
		tenantClaim = "tenant"
	}
	switch mode {
	case ModeDev:
	case ModeHMAC:
		if secret == "" {
			return nil, errors.New("auth: hmac mode needs a secret")
		}
	default:
		return nil, fmt.Errorf("auth: unsupported mode %q", mode)
	}
	return &Verifier{Mode: mode, HMACSecret: []byte(secret), TenantClaim: tenantClaim, now: time.Now}, nil
}

// Tenant returns the request's tenant, or "" in dev mode when the request
// names none. Errors wrap ErrUnauthorized.
func (v *Verifier) Tenant(r *http.Request) (string, error) {
	token := bearer(r)
	if v.Mode == ModeDev {
		if t := r.Header.Get("X-Tenant-Id"); t != "" {
			return t, nil
		}
		return token, nil
	}
	if token == "" {
		return "", fmt.Errorf("%w: bearer token required", ErrUnauthorized)
	}
	return v.Verify(token)
}

// Verify checks an HS256 token and returns its tenant claim.
func (v *Verifier) Verify(token string) (string, error) {
	segs := strings.Split(token, ".")
	if len(segs) != 3 {
		return "", fmt.Errorf("%w: malformed token", ErrUnauthorized)
	}
	var hdr struct {
		Alg string `json:"alg"`
	}
	if err := decodeSegment(segs[0], &hdr); err != nil {
		return "", err
	}
	if hdr.Alg != "HS256" {
		return "", fmt.Errorf("%w: unsupported alg %q", ErrUnauthorized, hdr.Alg)
	}
	sig, err := base64.RawURLEncoding.DecodeString(segs[2])
	if err != nil {
		return "", fmt.Errorf("%w: signature encoding", ErrUnauthorized)
	}
	if !hmac.Equal(mac(v.HMACSecret, segs[0]+"."+segs[1]), sig) {
		return "", fmt.Errorf("%w: bad signature", ErrUnauthorized)
	}
	var claims map[string]any
	if err := decodeSegment(segs[1], &claims); err != nil {
		return "", err
	}
	if exp, ok := claims["exp"].(float64); ok && v.now().Unix() >= int64(exp) {
		return "", fmt.Errorf("%w: token expired", ErrUnauthorized)
	}
	tenant, _ := claims[v.TenantClaim].(string)
	if tenant == "" {
		return "", fmt.Errorf("%w: missing %s claim", ErrUnauthorized, v.TenantClaim)
	}
	return tenant, nil
}

// Sign issues an HS256 token over claims.
func Sign(secret []byte, claims map[string]any) (string, error) {
	hdr, _ := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	body, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	input := base64.RawURLEncoding.EncodeToString(hdr) + "." + base64.RawURLEncoding.EncodeToString(body)
	return input + "." + base64.RawURLEncoding.EncodeToString(mac(secret, input)), nil
}

func mac(secret []byte, input string) []byte {
	m := hmac.New(sha256.New, secret)
	m.Write([]byte(input))
	return m.Sum(nil)
}

func decodeSegment(seg string, v any) error {
	b, err := base64.RawURLEncoding.DecodeString(seg)
	if err != nil {
		return fmt.Errorf("%w: segment encoding", ErrUnauthorized)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: segment json", ErrUnauthorized)
	}
	return nil
}

func bearer(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return ""
}
