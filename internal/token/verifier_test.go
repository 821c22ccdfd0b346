package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ehrgateway/fhir-gateway/internal/gatewayerr"
)

func mustMarshalPKIX(t *testing.T, pub *rsa.PublicKey) []byte {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("marshaling public key: %v", err)
	}
	return der
}

func base64StdEncode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func testIssuer(t *testing.T, key *rsa.PrivateKey) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r) // force the realm-metadata fallback path in these tests
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		pub := key.PublicKey
		der := mustMarshalPKIX(t, &pub)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"public_key":"` + base64StdEncode(der) + `"}`))
	})
	return httptest.NewServer(mux)
}

func signToken(t *testing.T, key *rsa.PrivateKey, issuer string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return s
}

func TestVerifier_AcceptsValidToken(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	srv := testIssuer(t, key)
	defer srv.Close()

	v, err := NewVerifier(srv.URL)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	claims := jwt.MapClaims{
		"iss":        srv.URL,
		"sub":        "user-1",
		"exp":        jwt.NewNumericDate(time.Now().Add(time.Hour)),
		"patient_id": "P1",
	}
	tokenStr := signToken(t, key, srv.URL, claims)

	dt, err := v.Verify(context.Background(), "Bearer "+tokenStr)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if dt.Subject != "user-1" {
		t.Errorf("expected subject user-1, got %s", dt.Subject)
	}
	if dt.StringClaim("patient_id") != "P1" {
		t.Errorf("expected patient_id P1, got %s", dt.StringClaim("patient_id"))
	}
}

func TestVerifier_RejectsMissingBearerPrefix(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	srv := testIssuer(t, key)
	defer srv.Close()

	v, err := NewVerifier(srv.URL)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	_, err = v.Verify(context.Background(), "bearer sometoken")
	ge, ok := gatewayerr.As(err)
	if !ok || ge.Kind != gatewayerr.KindAuth {
		t.Fatalf("expected AuthError for lowercase 'bearer', got %v", err)
	}
}

func TestVerifier_RejectsWrongIssuer(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	srv := testIssuer(t, key)
	defer srv.Close()

	v, err := NewVerifier(srv.URL)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	claims := jwt.MapClaims{
		"iss": "https://someone-else.example.com",
		"sub": "user-1",
		"exp": jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	tokenStr := signToken(t, key, "wrong-issuer", claims)

	_, err = v.Verify(context.Background(), "Bearer "+tokenStr)
	ge, ok := gatewayerr.As(err)
	if !ok || ge.Kind != gatewayerr.KindAuth {
		t.Fatalf("expected AuthError for mismatched issuer, got %v", err)
	}
}

func TestVerifier_RejectsExpiredToken(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	srv := testIssuer(t, key)
	defer srv.Close()

	v, err := NewVerifier(srv.URL)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	claims := jwt.MapClaims{
		"iss": srv.URL,
		"sub": "user-1",
		"exp": jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}
	tokenStr := signToken(t, key, srv.URL, claims)

	_, err = v.Verify(context.Background(), "Bearer "+tokenStr)
	ge, ok := gatewayerr.As(err)
	if !ok || ge.Kind != gatewayerr.KindAuth {
		t.Fatalf("expected AuthError for expired token, got %v", err)
	}
}

func TestVerifier_RejectsWrongSigningKey(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	otherKey, _ := rsa.GenerateKey(rand.Reader, 2048)
	srv := testIssuer(t, key)
	defer srv.Close()

	v, err := NewVerifier(srv.URL)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	claims := jwt.MapClaims{
		"iss": srv.URL,
		"sub": "user-1",
		"exp": jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	tokenStr := signToken(t, otherKey, srv.URL, claims)

	_, err = v.Verify(context.Background(), "Bearer "+tokenStr)
	ge, ok := gatewayerr.As(err)
	if !ok || ge.Kind != gatewayerr.KindAuth {
		t.Fatalf("expected AuthError for token signed by wrong key, got %v", err)
	}
}

func TestVerifier_RejectsMissingExpByDefault(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	srv := testIssuer(t, key)
	defer srv.Close()

	v, err := NewVerifier(srv.URL)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	claims := jwt.MapClaims{
		"iss": srv.URL,
		"sub": "user-1",
	}
	tokenStr := signToken(t, key, srv.URL, claims)

	_, err = v.Verify(context.Background(), "Bearer "+tokenStr)
	if err == nil {
		t.Fatal("expected error for token without exp claim")
	}
}

func TestVerifier_AllowMissingExpOption(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	srv := testIssuer(t, key)
	defer srv.Close()

	v, err := NewVerifier(srv.URL, WithAllowMissingExp())
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	claims := jwt.MapClaims{
		"iss": srv.URL,
		"sub": "user-1",
	}
	tokenStr := signToken(t, key, srv.URL, claims)

	if _, err := v.Verify(context.Background(), "Bearer "+tokenStr); err != nil {
		t.Fatalf("expected token without exp to be accepted, got %v", err)
	}
}
