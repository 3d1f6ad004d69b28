package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ExpiryFromToken reads the numeric exp claim (seconds) from a JWT-shaped
// session token without verifying its signature; the server is the
// authority on validity. When the claim cannot be decoded it returns
// now+fallback and false.
func ExpiryFromToken(value string, now time.Time, fallback time.Duration) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(value, claims); err != nil {
		return now.Add(fallback), false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return now.Add(fallback), false
	}
	return exp.Time, true
}
