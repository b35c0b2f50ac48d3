package auth

import (
	"errors"
	"strings"
)

var (
	ErrMissingToken  = errors.New("missing authorization header")
	ErrMalformedAuth = errors.New("invalid authorization header format")
	ErrInvalidToken  = errors.New("invalid or expired token")
	ErrNotConfigured = errors.New("authentication not configured")
)

// Identity is the authenticated caller
type Identity struct {
	UserID string
	Email  string
	Name   string
}

// Authenticator checks bearer tokens against the OIDC key set first and the
// shared HMAC secret second. Either may be absent.
type Authenticator struct {
	verifier  TokenVerifier
	jwtSecret string
}

func NewAuthenticator(verifier TokenVerifier, jwtSecret string) *Authenticator {
	return &Authenticator{
		verifier:  verifier,
		jwtSecret: jwtSecret,
	}
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", ErrMalformedAuth
	}
	return parts[1], nil
}

// Authenticate validates an Authorization header value.
func (a *Authenticator) Authenticate(header string) (*Identity, error) {
	tokenString, err := BearerToken(header)
	if err != nil {
		return nil, err
	}
	if a.verifier == nil && a.jwtSecret == "" {
		return nil, ErrNotConfigured
	}

	if a.verifier != nil {
		if claims, err := a.verifier.Validate(tokenString); err == nil {
			return &Identity{UserID: claims.UserID, Email: claims.Email, Name: claims.Name}, nil
		}
	}

	if a.jwtSecret != "" {
		if claims, err := ValidateLegacyToken(tokenString, a.jwtSecret); err == nil {
			return &Identity{UserID: claims.UserID, Email: claims.Email}, nil
		}
	}

	return nil, ErrInvalidToken
}
