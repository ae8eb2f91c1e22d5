package identity_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jmerrifield20/consentledger/internal/identity"
)

var testSecret = []byte("test-secret-at-least-32-bytes-long!!")

func newTestProvider(t *testing.T) *identity.JWTProvider {
	t.Helper()
	p, err := identity.NewJWTProvider(testSecret, "https://auth.example.com/auth/v1", "authenticated")
	if err != nil {
		t.Fatalf("NewJWTProvider() error: %v", err)
	}
	return p
}

func signClaims(t *testing.T, method jwt.SigningMethod, key any, claims jwt.Claims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("SignedString() error: %v", err)
	}
	return tok
}

func TestNewJWTProvider_emptySecret(t *testing.T) {
	if _, err := identity.NewJWTProvider(nil, "", ""); err == nil {
		t.Error("expected error for empty secret")
	}
}

func TestJWTProvider_IssueVerify(t *testing.T) {
	p := newTestProvider(t)

	token, err := p.Issue("user-123", "alice@example.com")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if parts := strings.Split(token, "."); len(parts) != 3 {
		t.Errorf("expected 3-part JWT, got %d parts", len(parts))
	}

	claims, err := p.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if claims.Subject != "user-123" {
		t.Errorf("Subject: got %q, want user-123", claims.Subject)
	}
	if claims.Email != "alice@example.com" {
		t.Errorf("Email: got %q", claims.Email)
	}
}

func TestJWTProvider_Issue_emptyUser(t *testing.T) {
	if _, err := newTestProvider(t).Issue("", ""); err == nil {
		t.Error("expected error for empty user id")
	}
}

func TestJWTProvider_Authenticate(t *testing.T) {
	p := newTestProvider(t)
	token, err := p.Issue("user-123", "")
	if err != nil {
		t.Fatal(err)
	}

	principal, err := p.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if principal.UserID != "user-123" {
		t.Errorf("UserID: got %q, want user-123", principal.UserID)
	}
}

func TestJWTProvider_Authenticate_rejects(t *testing.T) {
	p := newTestProvider(t)
	now := time.Now()

	valid := func() jwt.RegisteredClaims {
		return jwt.RegisteredClaims{
			Issuer:    "https://auth.example.com/auth/v1",
			Subject:   "user-123",
			Audience:  jwt.ClaimStrings{"authenticated"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		}
	}

	expired := valid()
	expired.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Minute))

	noExpiry := valid()
	noExpiry.ExpiresAt = nil

	wrongIssuer := valid()
	wrongIssuer.Issuer = "https://evil.example.com"

	wrongAudience := valid()
	wrongAudience.Audience = jwt.ClaimStrings{"anon"}

	noSubject := valid()
	noSubject.Subject = ""

	cases := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.jwt"},
		{"wrong secret", signClaims(t, jwt.SigningMethodHS256, []byte("some-other-secret"), valid())},
		{"wrong algorithm", signClaims(t, jwt.SigningMethodHS512, testSecret, valid())},
		{"expired", signClaims(t, jwt.SigningMethodHS256, testSecret, expired)},
		{"no expiry", signClaims(t, jwt.SigningMethodHS256, testSecret, noExpiry)},
		{"wrong issuer", signClaims(t, jwt.SigningMethodHS256, testSecret, wrongIssuer)},
		{"wrong audience", signClaims(t, jwt.SigningMethodHS256, testSecret, wrongAudience)},
		{"no subject", signClaims(t, jwt.SigningMethodHS256, testSecret, noSubject)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.Authenticate(context.Background(), tc.token)
			if !errors.Is(err, identity.ErrUnauthenticated) {
				t.Errorf("expected ErrUnauthenticated, got %v", err)
			}
		})
	}
}

func TestJWTProvider_optionalClaimsSkipped(t *testing.T) {
	p, err := identity.NewJWTProvider(testSecret, "", "")
	if err != nil {
		t.Fatal(err)
	}
	token := signClaims(t, jwt.SigningMethodHS256, testSecret, jwt.RegisteredClaims{
		Issuer:    "anyone",
		Subject:   "user-9",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	principal, err := p.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if principal.UserID != "user-9" {
		t.Errorf("UserID: got %q", principal.UserID)
	}
}
