package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/shelfscan/api/internal/config"
)

// TokenVerifier checks a bearer token and returns its claims
type TokenVerifier interface {
	Validate(tokenString string) (*Claims, error)
	Close() error
}

// Claims are the OIDC token claims the API reads
type Claims struct {
	UserID string `json:"sub"`
	Email  string `json:"email,omitempty"`
	Name   string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

var discoveryClient = &http.Client{Timeout: 15 * time.Second}

// signingMethods are the asymmetric algorithms accepted from the provider.
var signingMethods = []string{"RS256", "RS384", "RS512", "PS256", "ES256", "ES384"}

// JWKSVerifier validates provider-signed tokens against its published key set
type JWKSVerifier struct {
	keys   keyfunc.Keyfunc
	parser *jwt.Parser
	stop   context.CancelFunc
}

// NewJWKSVerifier resolves the key set from the issuer's discovery document.
// Keys are refreshed in the background until Close.
func NewJWKSVerifier(cfg *config.OIDCConfig) (*JWKSVerifier, error) {
	issuer := issuerURL(cfg)
	if issuer == "" {
		return nil, errors.New("oidc issuer or domain is required")
	}

	jwksURL, err := discoverJWKSURL(issuer)
	if err != nil {
		return nil, err
	}

	ctx, stop := context.WithCancel(context.Background())
	keys, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		stop()
		return nil, fmt.Errorf("failed to load key set %s: %w", jwksURL, err)
	}

	opts := []jwt.ParserOption{
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods(signingMethods),
	}
	if cfg.ClientID != "" {
		opts = append(opts, jwt.WithAudience(cfg.ClientID))
	}

	return &JWKSVerifier{keys: keys, parser: jwt.NewParser(opts...), stop: stop}, nil
}

// issuerURL prefers the explicit issuer and falls back to https://<domain>.
func issuerURL(cfg *config.OIDCConfig) string {
	if cfg.Issuer != "" {
		return strings.TrimSuffix(cfg.Issuer, "/")
	}
	if cfg.Domain != "" {
		return "https://" + strings.TrimSuffix(cfg.Domain, "/")
	}
	return ""
}

type discoveryDocument struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

// discoverJWKSURL reads jwks_uri from the discovery document. A document
// that names a different issuer is rejected.
func discoverJWKSURL(issuer string) (string, error) {
	resp, err := discoveryClient.Get(issuer + "/.well-known/openid-configuration")
	if err != nil {
		return "", fmt.Errorf("failed to fetch discovery document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("discovery endpoint returned status %d", resp.StatusCode)
	}

	var doc discoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("failed to decode discovery document: %w", err)
	}
	if doc.Issuer != "" && strings.TrimSuffix(doc.Issuer, "/") != issuer {
		return "", fmt.Errorf("discovery document issuer %q does not match %q", doc.Issuer, issuer)
	}
	if doc.JWKSURI == "" {
		return "", errors.New("discovery document has no jwks_uri")
	}
	return doc.JWKSURI, nil
}

// Validate checks signature, issuer, expiry and, when configured, audience.
func (v *JWKSVerifier) Validate(tokenString string) (*Claims, error) {
	var claims Claims
	if _, err := v.parser.ParseWithClaims(tokenString, &claims, v.keys.Keyfunc); err != nil {
		return nil, fmt.Errorf("failed to verify token: %w", err)
	}
	return &claims, nil
}

// Close stops the background key refresh
func (v *JWKSVerifier) Close() error {
	v.stop()
	return nil
}
