package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Decode failure classes. Callers treat all of them as unauthenticated; a
// corrupt cookie denies access, it never crashes a request.
var (
	ErrMalformedToken = errors.New("malformed identity token")
	ErrTokenExpired   = errors.New("identity token expired")
	ErrNoSubject      = errors.New("identity token has no subject")
)

// DecodedClaims is the raw payload of an identity token.
type DecodedClaims map[string]any

// DecodeIdentityToken extracts the payload of a compact-serialized identity
// token. The signature is not verified: the HttpOnly cookie transport is the
// trust boundary for stored tokens (see SecurityConfig.VerifyIDToken for the
// hardened callback path). Pure function of the input and the supplied time.
func DecodeIdentityToken(raw string, now time.Time) (DecodedClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrMalformedToken
	}
	if strings.Count(raw, ".") != 2 {
		return nil, fmt.Errorf("%w: expected compact JWS", ErrMalformedToken)
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	if exp, ok := numericClaim(claims, "exp"); ok && exp < now.Unix() {
		return nil, ErrTokenExpired
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, ErrNoSubject
	}

	return DecodedClaims(claims), nil
}

// numericClaim reads a claim as epoch seconds. Non-numeric values are
// treated as absent rather than failing the decode.
func numericClaim(claims jwt.MapClaims, name string) (int64, bool) {
	switch v := claims[name].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

// NewIdentity projects decoded claims into a trusted identity. The custom
// claims view is supplied by the claims evaluator.
func NewIdentity(decoded DecodedClaims, custom ClaimsView) Identity {
	ident := Identity{Custom: custom}
	if sub, ok := decoded["sub"].(string); ok {
		ident.Subject = sub
	}
	if email, ok := decoded["email"].(string); ok {
		ident.Email = email
	}
	if name, ok := decoded["name"].(string); ok {
		ident.Name = name
	}
	if pic, ok := decoded["picture"].(string); ok {
		ident.Picture = pic
	}
	if verified, ok := decoded["email_verified"].(bool); ok {
		ident.EmailVerified = verified
	}
	if iat, ok := numericClaim(jwt.MapClaims(decoded), "iat"); ok {
		ident.IssuedAt = time.Unix(iat, 0)
	}
	if exp, ok := numericClaim(jwt.MapClaims(decoded), "exp"); ok {
		ident.ExpiresAt = time.Unix(exp, 0)
	}
	return ident
}
