package blockwatch

import (
	"testing"

	"github.com/go-playground/assert/v2"

	gojwt "github.com/golang-jwt/jwt/v5"
)

func TestParseByJwtUnverified(t *testing.T) {
	userId := NewId()
	clientId := NewId()

	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id":      userId.String(),
		"network_name": "mainnet",
		"client_id":    clientId.String(),
	})
	jwt, err := token.SignedString([]byte("test-secret"))
	assert.Equal(t, nil, err)

	byJwt, err := ParseByJwtUnverified(jwt)
	assert.Equal(t, nil, err)
	assert.Equal(t, userId, byJwt.UserId)
	assert.Equal(t, "mainnet", byJwt.NetworkName)
	assert.Equal(t, clientId, byJwt.ClientId)
}

func TestParseByJwtUnverifiedBad(t *testing.T) {
	_, err := ParseByJwtUnverified("not-a-jwt")
	assert.NotEqual(t, err, nil)
}
