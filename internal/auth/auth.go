package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// KeySet represents a JSON Web Key Set published by the identity provider
type KeySet struct {
	Keys []Key `json:"keys"`
}

// Key represents a single JSON Web Key
type Key struct {
	Kty string `json:"kty"` // Key type
	Kid string `json:"kid"` // Key ID
	Use string `json:"use"` // Public key use
	Alg string `json:"alg"` // Algorithm
	Crv string `json:"crv"` // Curve
	X   string `json:"x"`   // X coordinate
}

// Verifier validates owner bearer tokens against a remote key set
type Verifier struct {
	jwksURL    string
	issuer     string
	audience   string
	httpClient *http.Client

	cacheMu     sync.RWMutex
	cachedKeys  *KeySet
	cacheExpiry time.Time

	testMode bool
	testKey  ed25519.PrivateKey
}

// NewVerifier creates a verifier that fetches keys from jwksURL
func NewVerifier(jwksURL, issuer, audience string) *Verifier {
	return &Verifier{
		jwksURL:  jwksURL,
		issuer:   issuer,
		audience: audience,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// NewTestVerifier creates a verifier with a local key pair for tests
func NewTestVerifier(issuer, audience string) *Verifier {
	_, priv, _ := ed25519.GenerateKey(nil)
	return &Verifier{
		issuer:   issuer,
		audience: audience,
		testMode: true,
		testKey:  priv,
	}
}

// MintTestToken signs a short-lived token for the given subject.
// Only usable on a verifier created with NewTestVerifier.
func (v *Verifier) MintTestToken(subject string) (string, error) {
	if !v.testMode {
		return "", fmt.Errorf("not a test verifier")
	}
	claims := jwt.MapClaims{
		"iss": v.issuer,
		"aud": v.audience,
		"sub": subject,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = "test-key"
	return token.SignedString(v.testKey)
}

// fetchKeys fetches the key set from the identity provider
func (v *Verifier) fetchKeys(ctx context.Context) (*KeySet, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", v.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch key set: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("key set fetch failed with status %d", resp.StatusCode)
	}

	var keys KeySet
	if err := json.NewDecoder(resp.Body).Decode(&keys); err != nil {
		return nil, fmt.Errorf("failed to decode key set: %w", err)
	}

	return &keys, nil
}

// keys retrieves the key set from cache or fetches fresh if needed
func (v *Verifier) keys(ctx context.Context) (*KeySet, error) {
	v.cacheMu.RLock()
	if v.cachedKeys != nil && time.Now().Before(v.cacheExpiry) {
		keys := v.cachedKeys
		v.cacheMu.RUnlock()
		return keys, nil
	}
	v.cacheMu.RUnlock()

	v.cacheMu.Lock()
	defer v.cacheMu.Unlock()

	// Double-check after acquiring write lock
	if v.cachedKeys != nil && time.Now().Before(v.cacheExpiry) {
		return v.cachedKeys, nil
	}

	keys, err := v.fetchKeys(ctx)
	if err != nil {
		return nil, err
	}

	v.cachedKeys = keys
	v.cacheExpiry = time.Now().Add(5 * time.Minute)

	return keys, nil
}

// publicKey resolves a verification key by kid
func (v *Verifier) publicKey(ctx context.Context, kid string) (ed25519.PublicKey, error) {
	if v.testMode {
		return v.testKey.Public().(ed25519.PublicKey), nil
	}

	keys, err := v.keys(ctx)
	if err != nil {
		return nil, err
	}

	for _, key := range keys.Keys {
		if key.Kid != kid {
			continue
		}
		if key.Kty != "OKP" || key.Crv != "Ed25519" || key.Alg != "EdDSA" {
			return nil, fmt.Errorf("unsupported key type or algorithm for kid %s", kid)
		}
		xBytes, err := base64.RawURLEncoding.DecodeString(key.X)
		if err != nil {
			return nil, fmt.Errorf("failed to decode public key: %w", err)
		}
		return ed25519.PublicKey(xBytes), nil
	}

	return nil, fmt.Errorf("key with kid %s not found", kid)
}

// VerifySubject validates a bearer token and returns its subject, the owner ID
func (v *Verifier) VerifySubject(ctx context.Context, tokenString string) (string, error) {
	// Parse without verification first to read the kid header
	unverified, _, err := new(jwt.Parser).ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return "", fmt.Errorf("failed to parse JWT: %w", err)
	}

	kid, ok := unverified.Header["kid"].(string)
	if !ok || kid == "" {
		return "", fmt.Errorf("missing or invalid kid in JWT header")
	}

	pub, err := v.publicKey(ctx, kid)
	if err != nil {
		return "", fmt.Errorf("failed to resolve key: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return pub, nil
	}

	parsed, err := jwt.ParseWithClaims(tokenString, jwt.MapClaims{}, keyFunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to verify JWT: %w", err)
	}
	if !parsed.Valid {
		return "", fmt.Errorf("invalid JWT")
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid JWT claims")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("missing subject claim")
	}

	return sub, nil
}
