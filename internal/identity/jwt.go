package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// UserClaims are the JWT claims of a user access token. Hosted auth services
// put the user id in "sub" and may add an email claim.
type UserClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// JWTProvider validates HS256 user tokens signed with a shared secret. It
// implements Provider.
type JWTProvider struct {
	secret   []byte
	issuer   string // empty = not checked
	audience string // empty = not checked
	ttl      time.Duration
}

// NewJWTProvider creates a JWTProvider.
//
//	secret:   HMAC key shared with the token issuer.
//	issuer:   required "iss" claim; empty skips the check.
//	audience: required "aud" claim; empty skips the check.
func NewJWTProvider(secret []byte, issuer, audience string) (*JWTProvider, error) {
	if len(secret) == 0 {
		return nil, errors.New("jwt secret must not be empty")
	}
	return &JWTProvider{
		secret:   secret,
		issuer:   issuer,
		audience: audience,
		ttl:      time.Hour,
	}, nil
}

// SetTTL sets the lifetime of tokens minted by Issue.
func (p *JWTProvider) SetTTL(ttl time.Duration) {
	if ttl > 0 {
		p.ttl = ttl
	}
}

// Issue mints a token for userID. It is meant for development and tests;
// production tokens come from the external identity service.
func (p *JWTProvider) Issue(userID, email string) (string, error) {
	if userID == "" {
		return "", errors.New("user id must not be empty")
	}
	now := time.Now().UTC()
	claims := UserClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    p.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.ttl)),
			ID:        uuid.New().String(),
		},
		Email: email,
		Role:  "authenticated",
	}
	if p.audience != "" {
		claims.Audience = jwt.ClaimStrings{p.audience}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("sign user token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a user token, returning its claims.
func (p *JWTProvider) Verify(tokenStr string) (*UserClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}
	if p.audience != "" {
		opts = append(opts, jwt.WithAudience(p.audience))
	}

	token, err := jwt.ParseWithClaims(
		tokenStr,
		&UserClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return p.secret, nil
		},
		opts...,
	)
	if err != nil {
		return nil, fmt.Errorf("verify user token: %w", err)
	}
	claims, ok := token.Claims.(*UserClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid user token claims")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("user token has no subject")
	}
	return claims, nil
}

// Authenticate implements Provider.
func (p *JWTProvider) Authenticate(_ context.Context, bearer string) (*Principal, error) {
	if bearer == "" {
		return nil, ErrUnauthenticated
	}
	claims, err := p.Verify(bearer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return &Principal{UserID: claims.Subject, Email: claims.Email}, nil
}
