package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/golang-jwt/jwt/v5"
)

func TestSignAndParse(t *testing.T) {
	iss, err := NewIssuer("s3cret", time.Minute)
	assert.Equal(t, err, nil)

	token, expiresAt, err := iss.Sign("alice")
	assert.Equal(t, err, nil)
	assert.Equal(t, expiresAt.After(time.Now()), true)

	claims, err := iss.Parse(token)
	assert.Equal(t, err, nil)
	assert.Equal(t, claims.Name, "alice")
	assert.Equal(t, claims.Subject, "alice")
	assert.Equal(t, claims.Type, TokenTypeAccess)
}

func TestParseRejects(t *testing.T) {
	iss, _ := NewIssuer("s3cret", time.Minute)
	other, _ := NewIssuer("other", time.Minute)

	token, _, _ := other.Sign("alice")
	_, err := iss.Parse(token)
	assert.Equal(t, errors.Is(err, jwt.ErrTokenSignatureInvalid), true)

	expired, _ := NewIssuer("s3cret", time.Minute)
	expired.ttl = -time.Minute
	token, _, _ = expired.Sign("alice")
	_, err = iss.Parse(token)
	assert.Equal(t, errors.Is(err, jwt.ErrTokenExpired), true)

	refresh, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Name: "alice",
		Type: "refresh",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}).SignedString([]byte("s3cret"))
	_, err = iss.Parse(refresh)
	assert.Equal(t, err, ErrTokenType)

	_, err = iss.Parse("not-a-token")
	assert.NotEqual(t, err, nil)

	_, err = NewIssuer("", time.Minute)
	assert.Equal(t, err, ErrNoSecret)
}
