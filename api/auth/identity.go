package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const accessHeader = "Cf-Access-Jwt-Assertion"

type identityKey struct{}

// WithIdentity returns a context carrying the operator that triggered a
// request.
func WithIdentity(ctx context.Context, who string) context.Context {
	return context.WithValue(ctx, identityKey{}, who)
}

// Identity returns the operator recorded by the auth middleware, or "" when
// the request was not attributed.
func Identity(ctx context.Context) string {
	who, _ := ctx.Value(identityKey{}).(string)
	return who
}

// AccessClaims are the claims Cloudflare Access puts in its assertion.
type AccessClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// AccessValidator verifies Cloudflare Access assertions for one
// application audience.
type AccessValidator struct {
	audience string
	keys     *keyCache
}

func NewAccessValidator(teamDomain, audience string) *AccessValidator {
	return &AccessValidator{
		audience: audience,
		keys:     newKeyCache(fmt.Sprintf("https://%s/cdn-cgi/access/certs", teamDomain)),
	}
}

func (v *AccessValidator) Validate(token string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		kid, ok := t.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("missing kid in token header")
		}
		return v.keys.key(kid)
	}, jwt.WithAudience(v.audience), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// Middleware validates the Access assertion when present and records the
// operator's email as the request identity. Requests without the header
// fall through to bearer token auth.
func (v *AccessValidator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(accessHeader)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := v.Validate(token)
		if err != nil {
			log.Printf("auth: rejected access assertion: %v", err)
			http.Error(w, "invalid access token", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), claims.Email)))
	})
}

// BearerToken requires "Authorization: Bearer <token>" on every request
// except the paths in open. Requests already attributed by Access
// validation pass. Bearer callers are attributed to the X-Shipyard-User
// header, or "token".
func BearerToken(token string, open ...string) func(http.Handler) http.Handler {
	skip := make(map[string]bool, len(open))
	for _, p := range open {
		skip[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] || Identity(r.Context()) != "" {
				next.ServeHTTP(w, r)
				return
			}
			h := r.Header.Get("Authorization")
			if !strings.HasPrefix(h, "Bearer ") {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(h[7:]), []byte(token)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			who := r.Header.Get("X-Shipyard-User")
			if who == "" {
				who = "token"
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), who)))
		})
	}
}
