package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSignAndVerifyJWT(t *testing.T) {
	claims := TokenClaims{Sub: "user-123", Plan: "free", Locale: "id", Exp: time.Now().Add(time.Hour).Unix()}
	token, err := SignJWT("test-secret", claims)
	if err != nil {
		t.Fatalf("SignJWT() unexpected error: %v", err)
	}
	parsed, err := VerifyJWT("test-secret", token)
	if err != nil {
		t.Fatalf("VerifyJWT() unexpected error: %v", err)
	}
	if parsed.Sub != claims.Sub || parsed.Locale != claims.Locale {
		t.Fatalf("VerifyJWT() returned %+v, want %+v", parsed, claims)
	}
}

func TestVerifyJWTRejects(t *testing.T) {
	valid, _ := SignJWT("secret-a", TokenClaims{Sub: "user-123", Exp: time.Now().Add(time.Hour).Unix()})
	expired, _ := SignJWT("secret-a", TokenClaims{Sub: "user-123", Exp: time.Now().Add(-time.Minute).Unix()})
	anonymous, _ := SignJWT("secret-a", TokenClaims{Exp: time.Now().Add(time.Hour).Unix()})

	tests := []struct {
		name  string
		token string
	}{
		{"wrong secret", valid + "x"},
		{"expired", expired},
		{"no subject", anonymous},
		{"garbage", "not-a-token"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := VerifyJWT("secret-a", tc.token); err == nil {
				t.Fatalf("VerifyJWT() expected error")
			}
		})
	}
	if _, err := VerifyJWT("secret-b", valid); err == nil {
		t.Fatalf("VerifyJWT() expected invalid signature error")
	}
}

func TestAuthJWTMiddleware(t *testing.T) {
	token, _ := SignJWT("s", TokenClaims{Sub: "owner-1", Locale: "id-ID"})
	var owner, locale string
	h := AuthJWT("s")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner = OwnerIDFromContext(r.Context())
		locale = LocaleFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || owner != "owner-1" || locale != "id" {
		t.Fatalf("status=%d owner=%q locale=%q", rr.Code, owner, locale)
	}

	for _, header := range []string{"", "Basic abc", "Bearer nope"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("Authorization %q: status = %d, want 401", header, rr.Code)
		}
	}
}
