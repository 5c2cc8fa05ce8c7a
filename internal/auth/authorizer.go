// Package auth validates speaker bearer tokens against the identity
// provider's JWKS and extracts the stable principal. Token contents are
// never logged; callers surface every denial to the peer as one opaque
// unauthorized result.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DenialKind classifies why a token was rejected.
type DenialKind string

const (
	DeniedMissingToken DenialKind = "missing_token"
	DeniedExpired      DenialKind = "expired"
	DeniedBadSignature DenialKind = "bad_signature"
	DeniedWrongIssuer  DenialKind = "wrong_issuer"
	DeniedMalformed    DenialKind = "malformed"
)

// DenialError is a caller-fault rejection. Anything else returned by
// Authorize is a dependency failure.
type DenialError struct {
	Kind DenialKind
}

func (e *DenialError) Error() string {
	return "authorization denied: " + string(e.Kind)
}

// Denied extracts the denial kind from an Authorize error, if it is
// one.
func Denied(err error) (DenialKind, bool) {
	var d *DenialError
	if errors.As(err, &d) {
		return d.Kind, true
	}
	return "", false
}

// Principal is the authenticated speaker identity.
type Principal struct {
	UserID string
}

// Config selects the identity provider to trust.
type Config struct {
	Issuer   string
	Audience string
	JWKSURL  string

	// TokenUse is the expected token_use claim kind; identity
	// providers differ on whether broadcasts are opened with access or
	// id tokens. Defaults to "access".
	TokenUse string

	// CacheTTL bounds how long JWKS keys are trusted without a
	// refresh. Defaults to one hour.
	CacheTTL time.Duration
}

// Authorizer validates RS256 bearer tokens.
type Authorizer struct {
	issuer   string
	audience string
	tokenUse string
	jwks     *jwksCache
}

// NewAuthorizer builds an authorizer with its JWKS cache. The optional
// client overrides the JWKS HTTP transport, used by tests.
func NewAuthorizer(cfg Config, client *http.Client) *Authorizer {
	tokenUse := cfg.TokenUse
	if tokenUse == "" {
		tokenUse = "access"
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Authorizer{
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		tokenUse: tokenUse,
		jwks:     newJWKSCache(cfg.JWKSURL, ttl, client),
	}
}

// speakerClaims extends the registered set with the provider's
// token_use discriminator.
type speakerClaims struct {
	TokenUse string `json:"token_use"`
	jwt.RegisteredClaims
}

// Authorize validates the token and returns the speaker principal.
// Caller-fault rejections come back as *DenialError; other errors mean
// the identity provider could not be consulted.
func (a *Authorizer) Authorize(ctx context.Context, tokenString string) (Principal, error) {
	if tokenString == "" {
		return Principal{}, &DenialError{Kind: DeniedMissingToken}
	}

	claims := &speakerClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errUnknownKey
		}
		return a.jwks.key(ctx, kid)
	},
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(a.issuer),
		jwt.WithAudience(a.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Principal{}, classifyParseError(err)
	}
	if !token.Valid {
		return Principal{}, &DenialError{Kind: DeniedMalformed}
	}

	if claims.TokenUse != a.tokenUse {
		// Token minted for the wrong tenant or flow.
		return Principal{}, &DenialError{Kind: DeniedWrongIssuer}
	}
	if claims.Subject == "" {
		return Principal{}, &DenialError{Kind: DeniedMalformed}
	}

	return Principal{UserID: claims.Subject}, nil
}

// classifyParseError maps jwt/v5 sentinels onto the denial taxonomy.
// JWKS transport failures stay plain errors so admission can classify
// them as internal.
func classifyParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return &DenialError{Kind: DeniedMalformed}
	case errors.Is(err, jwt.ErrTokenExpired):
		return &DenialError{Kind: DeniedExpired}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return &DenialError{Kind: DeniedBadSignature}
	case errors.Is(err, jwt.ErrTokenInvalidIssuer), errors.Is(err, jwt.ErrTokenInvalidAudience):
		return &DenialError{Kind: DeniedWrongIssuer}
	case errors.Is(err, errUnknownKey):
		return &DenialError{Kind: DeniedBadSignature}
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		// Keyfunc failed before signature checking, i.e. the JWKS
		// fetch itself; not the caller's fault.
		return fmt.Errorf("consulting identity provider: %w", err)
	default:
		return &DenialError{Kind: DeniedMalformed}
	}
}
