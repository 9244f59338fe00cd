package shadow

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

// identity presented on the websocket handshake. verification and
// authorization are external concerns; the core only extracts the client
// id for session attribution and logging.
type ClientAuth struct {
	ByJwt      string
	InstanceId Id
	AppVersion string
}

func (self *ClientAuth) ClientId() (Id, error) {
	byJwt, err := ParseByJwtUnverified(self.ByJwt)
	if err != nil {
		return Id{}, err
	}
	return byJwt.ClientId, nil
}

type ByJwt struct {
	ClientId    Id
	NetworkId   Id
	NetworkName string
}

func ParseByJwtUnverified(jwt string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{}
	if clientIdStr, ok := claims["client_id"].(string); ok {
		if clientId, err := ParseId(clientIdStr); err == nil {
			byJwt.ClientId = clientId
		}
	}
	if networkIdStr, ok := claims["network_id"].(string); ok {
		if networkId, err := ParseId(networkIdStr); err == nil {
			byJwt.NetworkId = networkId
		}
	}
	if networkName, ok := claims["network_name"].(string); ok {
		byJwt.NetworkName = networkName
	}

	return byJwt, nil
}

// mints an hs256 token carrying the byjwt claims. used by test tooling
// and shadowctl; production tokens come from the platform.
func SignByJwt(secret []byte, byJwt *ByJwt) (string, error) {
	claims := gojwt.MapClaims{
		"client_id": byJwt.ClientId.String(),
	}
	if (byJwt.NetworkId != Id{}) {
		claims["network_id"] = byJwt.NetworkId.String()
	}
	if byJwt.NetworkName != "" {
		claims["network_name"] = byJwt.NetworkName
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
