package quadranlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrQuadrantClaimMismatch = errors.New("quadranlock: token quadrant claim mismatch")

// QuadrantClaims binds a token to a single quadrant.
type QuadrantClaims struct {
	jwt.RegisteredClaims
	Quadrant Quadrant `json:"quadrant"`
}

// JWTVerifier treats the opaque payload as an HS256 token issued for the
// quadrant being authenticated.
type JWTVerifier struct {
	key    []byte
	issuer string
	now    func() time.Time
}

func NewJWTVerifier(key []byte, issuer string) *JWTVerifier {
	return &JWTVerifier{key: key, issuer: issuer, now: time.Now}
}

// Issue mints a token for q valid for ttl.
func (v *JWTVerifier) Issue(q Quadrant, ttl time.Duration) (string, error) {
	now := v.now().UTC()
	claims := QuadrantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   string(q),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Quadrant: q,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.key)
}

func (v *JWTVerifier) VerifyPayload(_ context.Context, q Quadrant, payload []byte) error {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &QuadrantClaims{}
	token, err := jwt.ParseWithClaims(string(payload), claims, func(*jwt.Token) (interface{}, error) {
		return v.key, nil
	}, opts...)
	if err != nil {
		return fmt.Errorf("parse quadrant token: %w", err)
	}
	if !token.Valid {
		return jwt.ErrTokenSignatureInvalid
	}
	if claims.Quadrant != q {
		return fmt.Errorf("%w: token for %s, presented on %s", ErrQuadrantClaimMismatch, claims.Quadrant, q)
	}
	return nil
}
