package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "densync"

// ErrInvalidToken indicates that the session token failed validation
var ErrInvalidToken = errors.New("invalid session token")

// Config holds the JWT configuration for the websocket accept path
type Config struct {
	Secret         []byte
	AccessTokenTTL time.Duration
}

// Claims binds a session to both the user and the device. ClientID feeds the
// registry's one-socket-per-client rule, so a device cannot register under
// another device's identity by editing a query parameter: the binding is
// signed into the token at sign-in.
type Claims struct {
	UserID   string `json:"user_id"`
	ClientID string `json:"client_id"`
	jwt.RegisteredClaims
}

// GenerateAccessToken mints a session token for one device of one user.
// Issued by the external sign-in path; exposed here so tests and tooling can
// create valid sessions.
func GenerateAccessToken(cfg Config, userID, clientID string) (string, error) {
	now := time.Now()

	claims := Claims{
		UserID:   userID,
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.AccessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}

	return token, nil
}

// ValidateAccessToken checks the signature, expiry and issuer of a session
// token and returns the user/device binding it carries. Every failure mode
// wraps ErrInvalidToken so the accept path only needs one check.
func ValidateAccessToken(cfg Config, tokenString string) (*Claims, error) {
	claims := &Claims{}

	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(token *jwt.Token) (interface{}, error) { return cfg.Secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	// A token without both halves of the binding cannot open a session
	if claims.UserID == "" || claims.ClientID == "" {
		return nil, fmt.Errorf("%w: missing user or client binding", ErrInvalidToken)
	}

	return claims, nil
}
