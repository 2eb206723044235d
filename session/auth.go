package session

import (
	"errors"

	"github.com/golang-jwt/jwt/v4"
)

// validateAuth checks a Connect.auth bearer token against secret using
// HMAC (SPEC_FULL §6.2 "added"). An empty secret disables auth
// entirely: every token (including none) is accepted.
func validateAuth(secret []byte, token string) error {
	if len(secret) == 0 {
		return nil
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	})
	if err != nil {
		return err
	}
	if !parsed.Valid {
		return errors.New("session: token failed validation")
	}
	return nil
}
