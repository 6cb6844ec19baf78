// Copyright 2024 Pulse Technologies Inc. All rights reserved.

package pulse

import (
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// BuildConnectionToken builds an HS256 connection token for the given
// user. A zero exp produces a token without expiry. Intended for
// development setups and tests where the client holds the HMAC secret;
// production deployments mint tokens on their own backend and hand them
// to the client via Config.Token or Config.GetToken.
func BuildConnectionToken(secret []byte, user string, exp time.Time) (string, error) {
	claims := jwt.MapClaims{"sub": user}
	if !exp.IsZero() {
		claims["exp"] = exp.Unix()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// BuildSubscriptionToken builds an HS256 subscription token scoping a
// user to a single channel.
func BuildSubscriptionToken(secret []byte, user, channel string, exp time.Time) (string, error) {
	claims := jwt.MapClaims{"sub": user, "channel": channel}
	if !exp.IsZero() {
		claims["exp"] = exp.Unix()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
