package google

import (
	"encoding/json"
	"strconv"

	"github.com/golang-jwt/jwt/v5"
)

type idTokenClaims struct {
	Email         string       `json:"email"`
	EmailVerified flexibleBool `json:"email_verified"`
	Name          string       `json:"name"`
	Picture       string       `json:"picture"`
	jwt.RegisteredClaims
}

// flexibleBool accepts both true and "true"
type flexibleBool bool

func (b *flexibleBool) UnmarshalJSON(data []byte) error {
	var v bool
	if err := json.Unmarshal(data, &v); err == nil {
		*b = flexibleBool(v)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	*b = flexibleBool(v)
	return nil
}
