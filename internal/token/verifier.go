// Package token implements the gateway's Token Verifier (C1): it resolves
// the configured issuer's RSA signing key once at startup and verifies
// inbound bearer tokens against it, grounded on the teacher's
// internal/platform/auth JWKS cache and OIDC discovery client but
// simplified to the single-key, no-rotation model spec.md §4.1 describes
// ("a restart refreshes the key").
package token

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ehrgateway/fhir-gateway/internal/gatewayerr"
)

// DecodedToken is the verified, trusted projection of a bearer token per
// spec.md §3. Signature is verified before a DecodedToken is produced;
// downstream code may trust all fields without re-checking the signature.
type DecodedToken struct {
	Issuer  string
	Subject string
	Expiry  time.Time
	Claims  map[string]interface{}
}

// StringClaim returns claim name as a string, or "" if absent/wrong type.
func (t DecodedToken) StringClaim(name string) string {
	v, _ := t.Claims[name].(string)
	return v
}

// StringSliceClaim returns claim name as a []string, accepting both a JSON
// array of strings and a single string (treated as a one-element list).
func (t DecodedToken) StringSliceClaim(name string) []string {
	switch v := t.Claims[name].(type) {
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}

// NestedStringSliceClaim returns a dotted nested claim such as
// "realm_access.roles" as a []string.
func (t DecodedToken) NestedStringSliceClaim(path string) []string {
	parts := strings.Split(path, ".")
	var cur interface{} = map[string]interface{}(t.Claims)
	for i, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur, ok = m[p]
		if !ok {
			return nil
		}
		if i == len(parts)-1 {
			break
		}
	}
	switch v := cur.(type) {
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Verifier is the C1 Token Verifier. One Verifier is constructed per
// process against the configured issuer; its cached key never changes
// without a restart.
type Verifier struct {
	issuer          string
	key             *rsa.PublicKey
	allowMissingExp bool
}

// VerifierOption configures optional Verifier behavior.
type VerifierOption func(*Verifier)

// WithAllowMissingExp permits tokens without an exp claim, per spec.md
// §4.1's "exp must be in the future (or absent, if configuration permits)".
// Off by default.
func WithAllowMissingExp() VerifierOption {
	return func(v *Verifier) { v.allowMissingExp = true }
}

// NewVerifier discovers the issuer's RSA signing key and returns a Verifier
// bound to it. Discovery tries, in order: (1) standard OIDC discovery
// (.well-known/openid-configuration -> jwks_uri -> first RSA JWK), grounded
// on platform/auth/oidc.go and middleware.go's JWKS handling; (2) a
// Keycloak-style realm metadata document served directly at the issuer URL,
// whose "public_key" field is a base64 DER-encoded RSA public key. Failure
// of both is a ConfigError — the process must refuse to start.
func NewVerifier(issuer string, opts ...VerifierOption) (*Verifier, error) {
	issuer = strings.TrimRight(issuer, "/")
	client := &http.Client{Timeout: 10 * time.Second}

	v := &Verifier{issuer: issuer}
	if key, err := discoverViaOIDC(client, issuer); err == nil {
		v.key = key
	} else if key, err := discoverViaRealmMetadata(client, issuer); err == nil {
		v.key = key
	} else {
		return nil, gatewayerr.Config(fmt.Sprintf("unable to resolve signing key for issuer %q", issuer), err)
	}

	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

type oidcDiscovery struct {
	JWKSURI string `json:"jwks_uri"`
}

type jwksKey struct {
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwksResponse struct {
	Keys []jwksKey `json:"keys"`
}

func discoverViaOIDC(client *http.Client, issuer string) (*rsa.PublicKey, error) {
	resp, err := client.Get(issuer + "/.well-known/openid-configuration")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery endpoint returned status %d", resp.StatusCode)
	}
	var doc oidcDiscovery
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, err
	}
	if doc.JWKSURI == "" {
		return nil, fmt.Errorf("discovery document missing jwks_uri")
	}

	jwksResp, err := client.Get(doc.JWKSURI)
	if err != nil {
		return nil, err
	}
	defer jwksResp.Body.Close()
	if jwksResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks endpoint returned status %d", jwksResp.StatusCode)
	}
	var jwks jwksResponse
	if err := json.NewDecoder(jwksResp.Body).Decode(&jwks); err != nil {
		return nil, err
	}
	for _, k := range jwks.Keys {
		if k.Kty != "RSA" {
			continue
		}
		return parseRSAComponents(k.N, k.E)
	}
	return nil, fmt.Errorf("no RSA key found in jwks response")
}

func parseRSAComponents(n, e string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}

type realmMetadata struct {
	PublicKey string `json:"public_key"`
}

func discoverViaRealmMetadata(client *http.Client, issuer string) (*rsa.PublicKey, error) {
	resp, err := client.Get(issuer)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("realm metadata endpoint returned status %d", resp.StatusCode)
	}
	var meta realmMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, err
	}
	if meta.PublicKey == "" {
		return nil, fmt.Errorf("realm metadata missing public_key field")
	}

	der, err := base64.StdEncoding.DecodeString(meta.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decoding public_key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	block, _ := pem.Decode(pemBytes)
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("realm public key is not RSA")
	}
	return rsaKey, nil
}

// Verify implements the C1 contract: verify(authorizationHeader) ->
// DecodedToken | fail(AuthError).
func (v *Verifier) Verify(_ context.Context, authorizationHeader string) (DecodedToken, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(authorizationHeader, prefix) {
		return DecodedToken{}, gatewayerr.Auth("authorization header must start with 'Bearer '", nil)
	}
	tokenStr := authorizationHeader[len(prefix):]
	if tokenStr == "" {
		return DecodedToken{}, gatewayerr.Auth("empty bearer token", nil)
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return v.key, nil
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithIssuer(v.issuer))
	if err != nil || !parsed.Valid {
		return DecodedToken{}, gatewayerr.Auth("token signature or claims invalid", err)
	}

	if _, hasExp := claims["exp"]; !hasExp && !v.allowMissingExp {
		return DecodedToken{}, gatewayerr.Auth("token is missing required exp claim", nil)
	}

	iss, _ := claims.GetIssuer()
	sub, _ := claims.GetSubject()
	var expiry time.Time
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expiry = exp.Time
	}

	return DecodedToken{
		Issuer:  iss,
		Subject: sub,
		Expiry:  expiry,
		Claims:  map[string]interface{}(claims),
	}, nil
}
