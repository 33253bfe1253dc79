package auth

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easel-ai/easel-engine/pkg/config"
)

func TestJWKSClientDevModeParsesUnverified(t *testing.T) {
	client, err := NewJWKSClient(&config.AuthConfig{EnableVerification: false})
	require.NoError(t, err)
	defer client.Close()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: "user-1",
			Issuer:  "https://issuer.test",
		},
		Roles: []string{"admin"},
	})
	signed, err := token.SignedString([]byte("dev-only"))
	require.NoError(t, err)

	claims, err := client.ValidateToken(signed)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.True(t, claims.IsAdmin())
}

func TestJWKSClientDevModeRejectsGarbage(t *testing.T) {
	client, err := NewJWKSClient(&config.AuthConfig{EnableVerification: false})
	require.NoError(t, err)

	_, err = client.ValidateToken("not.a.token")
	assert.Error(t, err)
}

func TestJWKSClientRequiresEndpointsWhenVerifying(t *testing.T) {
	_, err := NewJWKSClient(&config.AuthConfig{EnableVerification: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no JWKS endpoints")
}

func TestJWKSClientBadEndpointFailsAtBoot(t *testing.T) {
	_, err := NewJWKSClient(&config.AuthConfig{
		EnableVerification: true,
		JWKSEndpoints: map[string]string{
			"https://issuer.test": "http://127.0.0.1:1/jwks.json",
		},
	})
	assert.Error(t, err)
}
