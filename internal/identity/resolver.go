// internal/identity/resolver.go
// Package identity resolves the caller of a request to a rate-limit and
// history subject. Authentication is optional everywhere: a valid Bearer
// token upgrades the caller to its user id, anything else falls back to
// the caller's network address. Resolution never rejects a request.
package identity

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Subject describes a resolved caller.
type Subject struct {
	UserID        string // Verified user id, empty when anonymous
	IP            string // Caller network address
	Authenticated bool
}

// Key returns the identifier used for rate limiting and history
// ownership: the user id when authenticated, otherwise the IP.
func (s Subject) Key() string {
	if s.Authenticated {
		return s.UserID
	}
	return s.IP
}

// jwks is a JSON Web Key Set as served by the identity provider.
type jwks struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"` // Key type
	Kid string `json:"kid"` // Key ID
	Use string `json:"use"` // Public key use
	Alg string `json:"alg"` // Algorithm
	Crv string `json:"crv"` // Curve
	X   string `json:"x"`   // X coordinate
}

// Resolver validates Bearer tokens against a JWKS endpoint and resolves
// requests to subjects. The key set is cached for five minutes.
type Resolver struct {
	jwksURL    string
	issuer     string
	audience   string
	httpClient *http.Client

	mu        sync.RWMutex
	cached    *jwks
	expiresAt time.Time

	testMode bool
	testKey  ed25519.PrivateKey
}

// NewResolver creates a resolver backed by the given JWKS endpoint.
// When jwksURL is empty the resolver treats every caller as anonymous.
func NewResolver(jwksURL, issuer, audience string) *Resolver {
	return &Resolver{
		jwksURL:  jwksURL,
		issuer:   issuer,
		audience: audience,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// NewTestResolver creates a resolver that accepts unsigned tokens with
// matching issuer and audience claims. For tests only.
func NewTestResolver(issuer, audience string) *Resolver {
	_, priv, _ := ed25519.GenerateKey(nil)
	return &Resolver{
		issuer:   issuer,
		audience: audience,
		testMode: true,
		testKey:  priv,
	}
}

// Resolve determines the subject for an incoming request. Invalid or
// absent credentials degrade to an anonymous subject; an error is never
// surfaced to the caller.
func (r *Resolver) Resolve(req *http.Request) Subject {
	ip := ClientIP(req)
	subject := Subject{IP: ip}

	auth := req.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return subject
	}
	if r.jwksURL == "" && !r.testMode {
		return subject
	}

	claims, err := r.validate(req.Context(), token)
	if err != nil {
		slog.Debug("bearer token rejected, treating caller as anonymous", "error", err)
		return subject
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return subject
	}

	subject.UserID = sub
	subject.Authenticated = true
	return subject
}

// ClientIP resolves the caller's network address from proxy headers,
// preferring the first X-Forwarded-For hop, then CF-Connecting-IP, then
// X-Real-IP. Returns "unknown" when no header identifies the caller.
func ClientIP(req *http.Request) string {
	if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := req.Header.Get("CF-Connecting-IP"); ip != "" {
		return ip
	}
	if ip := req.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	return "unknown"
}

// fetchKeys fetches the JWKS from the identity provider.
func (r *Resolver) fetchKeys(ctx context.Context) (*jwks, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", r.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS fetch failed with status %d", resp.StatusCode)
	}

	var set jwks
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}

	return &set, nil
}

// keys retrieves the JWKS from cache or fetches fresh if needed.
func (r *Resolver) keys(ctx context.Context) (*jwks, error) {
	r.mu.RLock()
	if r.cached != nil && time.Now().Before(r.expiresAt) {
		set := r.cached
		r.mu.RUnlock()
		return set, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if r.cached != nil && time.Now().Before(r.expiresAt) {
		return r.cached, nil
	}

	set, err := r.fetchKeys(ctx)
	if err != nil {
		return nil, err
	}

	r.cached = set
	r.expiresAt = time.Now().Add(5 * time.Minute)

	return set, nil
}

// key retrieves a specific key from the JWKS by kid.
func (r *Resolver) key(ctx context.Context, kid string) (*jwk, error) {
	set, err := r.keys(ctx)
	if err != nil {
		return nil, err
	}

	for _, k := range set.Keys {
		if k.Kid == kid {
			return &k, nil
		}
	}

	return nil, fmt.Errorf("key with kid %s not found", kid)
}

// validate verifies the token signature and standard claims.
func (r *Resolver) validate(ctx context.Context, tokenString string) (jwt.MapClaims, error) {
	if r.testMode {
		parsed, _, err := new(jwt.Parser).ParseUnverified(tokenString, jwt.MapClaims{})
		if err != nil {
			return nil, fmt.Errorf("failed to parse JWT: %w", err)
		}
		claims, ok := parsed.Claims.(jwt.MapClaims)
		if !ok {
			return nil, fmt.Errorf("invalid JWT claims")
		}
		return claims, r.checkClaims(claims, false)
	}

	// Parse without verification first to get the key id from the header.
	token, _, err := new(jwt.Parser).ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	kid, ok := token.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, fmt.Errorf("missing or invalid kid in JWT header")
	}

	k, err := r.key(ctx, kid)
	if err != nil {
		return nil, fmt.Errorf("failed to get key: %w", err)
	}

	if k.Kty != "OKP" || k.Crv != "Ed25519" || k.Alg != "EdDSA" {
		return nil, fmt.Errorf("unsupported key type or algorithm")
	}

	xBytes, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return ed25519.PublicKey(xBytes), nil
	}

	parsed, err := jwt.ParseWithClaims(tokenString, jwt.MapClaims{}, keyFunc)
	if err != nil {
		return nil, fmt.Errorf("failed to verify JWT: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("invalid JWT")
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid JWT claims")
	}
	return claims, r.checkClaims(claims, true)
}

// checkClaims verifies issuer, audience, and (outside test mode)
// expiration.
func (r *Resolver) checkClaims(claims jwt.MapClaims, checkExpiry bool) error {
	if iss, ok := claims["iss"].(string); !ok || iss != r.issuer {
		return fmt.Errorf("invalid issuer")
	}
	if aud, ok := claims["aud"].(string); !ok || aud != r.audience {
		return fmt.Errorf("invalid audience")
	}
	if checkExpiry {
		if exp, ok := claims["exp"].(float64); !ok || float64(time.Now().Unix()) > exp {
			return fmt.Errorf("token expired")
		}
	}
	return nil
}
