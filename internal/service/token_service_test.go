package service

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edudesk/timetable-api/internal/models"
	"github.com/edudesk/timetable-api/pkg/config"
)

func mintToken(t *testing.T, secret, issuer string, expiresIn time.Duration) string {
	t.Helper()
	claims := &models.JWTClaims{
		UserID: "u1",
		Role:   models.RoleAdmin,
		Email:  "admin@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestTokenServiceValidateToken(t *testing.T) {
	svc := NewTokenService(config.JWTConfig{Secret: "secret", Issuer: "idp"})

	claims, err := svc.ValidateToken(mintToken(t, "secret", "idp", time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, models.RoleAdmin, claims.Role)
}

func TestTokenServiceRejectsBadTokens(t *testing.T) {
	svc := NewTokenService(config.JWTConfig{Secret: "secret", Issuer: "idp"})

	_, err := svc.ValidateToken(mintToken(t, "other-secret", "idp", time.Hour))
	assert.Error(t, err)

	_, err = svc.ValidateToken(mintToken(t, "secret", "someone-else", time.Hour))
	assert.Error(t, err)

	_, err = svc.ValidateToken(mintToken(t, "secret", "idp", -time.Hour))
	assert.Error(t, err)

	_, err = svc.ValidateToken("not.a.token")
	assert.Error(t, err)
}

func TestTokenServiceSkipsIssuerCheckWhenUnset(t *testing.T) {
	svc := NewTokenService(config.JWTConfig{Secret: "secret"})

	_, err := svc.ValidateToken(mintToken(t, "secret", "anything", time.Hour))
	assert.NoError(t, err)
}
