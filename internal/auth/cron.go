package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CronSubject is the subject carried by scheduler trigger tokens
const CronSubject = "scheduler"

// CronVerifier checks HS256 tokens presented by the external scheduler
type CronVerifier struct {
	secret []byte
}

// NewCronVerifier creates a verifier for the shared cron secret
func NewCronVerifier(secret string) *CronVerifier {
	return &CronVerifier{secret: []byte(secret)}
}

// Issue signs a scheduler token valid for ttl
func (v *CronVerifier) Issue(ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   CronSubject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	return token.SignedString(v.secret)
}

// Verify validates a scheduler token
func (v *CronVerifier) Verify(tokenString string) error {
	if len(v.secret) == 0 {
		return fmt.Errorf("cron secret not configured")
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return fmt.Errorf("invalid cron token: %w", err)
	}

	if claims.Subject != CronSubject {
		return fmt.Errorf("invalid cron token subject %q", claims.Subject)
	}
	return nil
}
