package api

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/zerogate-project/zerogate/internal/core"
)

// ErrInvalidToken is returned for any token that fails parsing, signature
// verification, or claim validation.
var ErrInvalidToken = errors.New("invalid token")

// parseToken verifies an HS256 bearer token and maps its claims to the
// engine's claim set. The upstream identity provider signs these tokens;
// zerogate only validates and reads them.
func parseToken(tokenString string, secret []byte) (core.Claims, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return core.Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return core.Claims{}, ErrInvalidToken
	}

	claims := core.Claims{
		UserID:        stringClaim(mapClaims, "sub"),
		TenantID:      stringClaim(mapClaims, "tenant"),
		Role:          stringClaim(mapClaims, "role"),
		DeviceID:      stringClaim(mapClaims, "device_id"),
		MFAVerified:   boolClaim(mapClaims, "mfa"),
		DeviceTrusted: boolClaim(mapClaims, "device_trusted"),
	}
	if perms, ok := mapClaims["permissions"].([]any); ok {
		for _, p := range perms {
			if s, ok := p.(string); ok {
				claims.Permissions = append(claims.Permissions, s)
			}
		}
	}
	return claims, nil
}

func stringClaim(m jwt.MapClaims, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func boolClaim(m jwt.MapClaims, key string) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}
