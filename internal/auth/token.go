package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// tokenPayload is the JSON body signed into a bearer token, binding exactly
// the three fields spec §6 names: {node_slug, issued_at, expires_at}.
type tokenPayload struct {
	NodeSlug  string `json:"node_slug"`
	IssuedAt  int64  `json:"issued_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// Signer issues and verifies HMAC-signed bearer tokens for node-to-node
// calls. The token format is base64url(payload) + "." + base64url(hmac-sha256),
// deliberately simpler than a general JWT: no algorithm negotiation, no
// arbitrary claims, one symmetric secret.
type Signer struct {
	secret []byte
}

// NewSigner creates a token Signer from a shared secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Issue mints a bearer token for nodeSlug valid for ttl.
func (s *Signer) Issue(nodeSlug string, ttl time.Duration) (string, error) {
	now := time.Now()
	return s.issueAt(nodeSlug, now, now.Add(ttl))
}

func (s *Signer) issueAt(nodeSlug string, issuedAt, expiresAt time.Time) (string, error) {
	payload := tokenPayload{
		NodeSlug:  nodeSlug,
		IssuedAt:  issuedAt.Unix(),
		ExpiresAt: expiresAt.Unix(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal token payload: %w", err)
	}

	encodedBody := base64.RawURLEncoding.EncodeToString(body)
	sig := s.sign(encodedBody)
	return encodedBody + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

func (s *Signer) sign(encodedBody string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(encodedBody))
	return mac.Sum(nil)
}

// Verify checks a token's signature and expiry in constant time, returning
// the bound Identity on success.
func (s *Signer) Verify(token string) (*Identity, error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed token")
	}
	encodedBody, encodedSig := parts[0], parts[1]

	sig, err := base64.RawURLEncoding.DecodeString(encodedSig)
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	expected := s.sign(encodedBody)
	if !hmac.Equal(sig, expected) {
		return nil, fmt.Errorf("invalid signature")
	}

	body, err := base64.RawURLEncoding.DecodeString(encodedBody)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	var payload tokenPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}

	if time.Now().Unix() > payload.ExpiresAt {
		return nil, fmt.Errorf("token expired")
	}

	return &Identity{
		NodeSlug:  payload.NodeSlug,
		IssuedAt:  payload.IssuedAt,
		ExpiresAt: payload.ExpiresAt,
	}, nil
}

// BearerAuthenticator adapts Signer to the Authenticator interface,
// extracting the token from the Authorization: Bearer header.
type BearerAuthenticator struct {
	signer *Signer
}

// NewBearerAuthenticator creates an Authenticator backed by signer.
func NewBearerAuthenticator(signer *Signer) *BearerAuthenticator {
	return &BearerAuthenticator{signer: signer}
}

func (a *BearerAuthenticator) Authenticate(r *http.Request) *Identity {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return nil
	}
	token := strings.TrimPrefix(header, "Bearer ")
	id, err := a.signer.Verify(token)
	if err != nil {
		return nil
	}
	return id
}

// TraceIDHeader is the header name carrying the 32-hex-character trace ID.
const TraceIDHeader = "X-Trace-Id"

// ParseUnixSeconds is a small helper for CLI tooling printing token expiry.
func ParseUnixSeconds(s string) (time.Time, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(n, 0), nil
}
