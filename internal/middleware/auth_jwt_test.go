package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "tenant-secret"

func protected(t *testing.T) (http.Handler, *string) {
	t.Helper()
	var tenant string
	h := AuthJWT(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant = TenantIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	return h, &tenant
}

func TestAuthJWTAcceptsTenantToken(t *testing.T) {
	h, tenant := protected(t)
	token, err := SignTenantToken(testSecret, TenantClaims{
		TenantID:         "shop-42",
		Locale:           "id",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "session-1"},
	}, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || *tenant != "shop-42" {
		t.Fatalf("status %d tenant %q", rec.Code, *tenant)
	}
}

func TestAuthJWTRejects(t *testing.T) {
	expired, _ := SignTenantToken(testSecret, TenantClaims{
		TenantID:         "shop-42",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))},
	}, 0)
	foreign, _ := SignTenantToken("other-secret", TenantClaims{TenantID: "shop-42"}, time.Hour)
	noTenant, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "x"}).SignedString([]byte(testSecret))

	cases := map[string]string{
		"missing header": "",
		"basic scheme":   "Basic abc",
		"garbage":        "Bearer nope",
		"expired":        "Bearer " + expired,
		"wrong secret":   "Bearer " + foreign,
		"no tenant":      "Bearer " + noTenant,
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			h, _ := protected(t)
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
			var body map[string]string
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || body["error"] != "unauthorized" {
				t.Fatalf("unexpected body %v err=%v", body, err)
			}
		})
	}
}

func TestSignTenantTokenRequiresTenant(t *testing.T) {
	if _, err := SignTenantToken(testSecret, TenantClaims{}, time.Hour); err == nil {
		t.Fatalf("expected error without tenant")
	}
}

func TestRequestIDPropagates(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if seen != "abc" || rec.Header().Get("X-Request-ID") != "abc" {
		t.Fatalf("request id not propagated: %q", seen)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || seen == "abc" {
		t.Fatalf("expected generated id, got %q", seen)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc\nforged=1")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if strings.Contains(seen, "forged") {
		t.Fatalf("malformed id should be replaced, got %q", seen)
	}
}
