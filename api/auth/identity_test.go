package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func mustGenKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func keySetJSON(t *testing.T, kid string, pub *rsa.PublicKey) []byte {
	t.Helper()
	data, err := json.Marshal(jwkSet{Keys: []jwk{{
		Kid: kid,
		Kty: "RSA",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}}})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func signToken(t *testing.T, key *rsa.PrivateKey, kid, aud string, exp time.Time) string {
	t.Helper()
	claims := &AccessClaims{
		Email: "oncall@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{aud},
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func setupValidator(t *testing.T, key *rsa.PrivateKey, kid, aud string) (*AccessValidator, *int) {
	t.Helper()
	data := keySetJSON(t, kid, &key.PublicKey)
	fetches := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches++
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}))
	t.Cleanup(srv.Close)

	v := NewAccessValidator("ops.cloudflareaccess.com", aud)
	v.keys.url = srv.URL
	v.keys.get = srv.Client().Get
	return v, &fetches
}

func identityHandler(got *string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got = Identity(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestValidate(t *testing.T) {
	key := mustGenKey(t)
	v, fetches := setupValidator(t, key, "key-1", "deploy-aud")

	claims, err := v.Validate(signToken(t, key, "key-1", "deploy-aud", time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Email != "oncall@example.com" {
		t.Errorf("Email = %q", claims.Email)
	}

	// cached key is reused
	if _, err := v.Validate(signToken(t, key, "key-1", "deploy-aud", time.Now().Add(time.Hour))); err != nil {
		t.Fatal(err)
	}
	if *fetches != 1 {
		t.Errorf("key set fetched %d times, want 1", *fetches)
	}

	tests := map[string]string{
		"expired":        signToken(t, key, "key-1", "deploy-aud", time.Now().Add(-time.Hour)),
		"wrong audience": signToken(t, key, "key-1", "other-aud", time.Now().Add(time.Hour)),
		"unknown kid":    signToken(t, key, "key-2", "deploy-aud", time.Now().Add(time.Hour)),
		"garbage":        "not-a-token",
	}
	for name, tok := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := v.Validate(tok); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestAccessMiddlewareRecordsIdentity(t *testing.T) {
	key := mustGenKey(t)
	v, _ := setupValidator(t, key, "key-1", "deploy-aud")

	var who string
	h := v.Middleware(identityHandler(&who))

	req := httptest.NewRequest("POST", "/api/services/billing/deploy", nil)
	req.Header.Set(accessHeader, signToken(t, key, "key-1", "deploy-aud", time.Now().Add(time.Hour)))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || who != "oncall@example.com" {
		t.Errorf("status = %d, identity = %q", rr.Code, who)
	}

	req = httptest.NewRequest("POST", "/api/services/billing/deploy", nil)
	req.Header.Set(accessHeader, "garbage")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rr.Code)
	}

	who = "unset"
	req = httptest.NewRequest("GET", "/api/runs", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || who != "" {
		t.Errorf("pass-through: status = %d, identity = %q", rr.Code, who)
	}
}

func TestBearerToken(t *testing.T) {
	var who string
	h := BearerToken("s3cret", "/api/health")(identityHandler(&who))

	tests := []struct {
		name   string
		path   string
		header string
		user   string
		code   int
		who    string
	}{
		{"open path", "/api/health", "", "", http.StatusOK, ""},
		{"missing", "/api/runs", "", "", http.StatusUnauthorized, ""},
		{"wrong", "/api/runs", "Bearer nope", "", http.StatusUnauthorized, ""},
		{"valid", "/api/runs", "Bearer s3cret", "", http.StatusOK, "token"},
		{"valid with user", "/api/runs", "Bearer s3cret", "ci-bot", http.StatusOK, "ci-bot"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			who = ""
			req := httptest.NewRequest("GET", tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if tt.user != "" {
				req.Header.Set("X-Shipyard-User", tt.user)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.code || who != tt.who {
				t.Errorf("status = %d, identity = %q; want %d, %q", rr.Code, who, tt.code, tt.who)
			}
		})
	}

	// Access-attributed requests skip the token check
	req := httptest.NewRequest("GET", "/api/runs", nil)
	req = req.WithContext(WithIdentity(req.Context(), "oncall@example.com"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || who != "oncall@example.com" {
		t.Errorf("status = %d, identity = %q", rr.Code, who)
	}
}
