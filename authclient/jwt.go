package authclient

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// TokenExpiry decodes the exp claim of a platform access token without
// verifying its signature. The platform issues JWTs, so the expiry can be
// read locally to report time-to-expiry; it is never a substitute for the
// server-side verify endpoint.
func TokenExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, errors.Wrap(err, "[TokenExpiry] parse token")
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, errors.Wrap(err, "[TokenExpiry] read exp claim")
	}
	if exp == nil {
		return time.Time{}, errors.New("[TokenExpiry] token has no exp claim")
	}
	return exp.Time, nil
}
