package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken covers malformed, expired, or wrongly signed tokens.
	ErrInvalidToken = errors.New("invalid token")

	// ErrMissingSecret rejects a gate without a signing secret.
	ErrMissingSecret = errors.New("jwt secret is required")
)

// Claims are the fields the API reads from a bearer token. The subject is
// the user id that owns wallets.
type Claims struct {
	jwt.RegisteredClaims
}

// Principal is the authenticated caller.
type Principal struct {
	UserID    string
	ExpiresAt time.Time
}

// Gate signs and verifies HS256 access tokens.
type Gate struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewGate constructs a gate. issuer is stamped on issued tokens and, when
// set, required on verified ones.
func NewGate(secret, issuer string, ttl time.Duration) (*Gate, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Gate{secret: []byte(secret), issuer: issuer, ttl: ttl}, nil
}

// Issue signs a token for userID. The API itself never logs users in; this
// serves the simulator, local tooling, and tests.
func (g *Gate) Issue(userID string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}
	now := time.Now()
	exp := now.Add(g.ttl)
	claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    g.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify checks the signature and expiry and returns the caller.
func (g *Gate) Verify(tokenString string) (Principal, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if g.issuer != "" {
		opts = append(opts, jwt.WithIssuer(g.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return g.secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return Principal{}, ErrInvalidToken
	}
	p := Principal{UserID: claims.Subject}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}
