package shadow

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestByJwtRoundTrip(t *testing.T) {
	clientId := NewId()
	networkId := NewId()

	jwt, err := SignByJwt([]byte("test"), &ByJwt{
		ClientId:    clientId,
		NetworkId:   networkId,
		NetworkName: "field",
	})
	assert.Equal(t, nil, err)

	byJwt, err := ParseByJwtUnverified(jwt)
	assert.Equal(t, nil, err)
	assert.Equal(t, clientId, byJwt.ClientId)
	assert.Equal(t, networkId, byJwt.NetworkId)
	assert.Equal(t, "field", byJwt.NetworkName)

	auth := &ClientAuth{ByJwt: jwt}
	authClientId, err := auth.ClientId()
	assert.Equal(t, nil, err)
	assert.Equal(t, clientId, authClientId)
}

func TestParseByJwtUnverifiedRejectsGarbage(t *testing.T) {
	_, err := ParseByJwtUnverified("not-a-jwt")
	assert.NotEqual(t, nil, err)
}
