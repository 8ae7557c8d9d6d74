// Package middleware provides HTTP middleware for the gateway.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/keyleu/secure-messaging/internal/engine"
	"github.com/keyleu/secure-messaging/pkg/logger"
)

type contextKey string

const senderKey contextKey = "sender"

// Claims identifies the sender of write requests. The subject is the
// sender's Neo N3 address.
type Claims struct {
	jwt.RegisteredClaims
}

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Authenticator issues and verifies HS256 sender tokens.
type Authenticator struct {
	secret []byte
	issuer string
	logger *logger.Logger
}

// NewAuthenticator creates an authenticator. An empty issuer disables the
// issuer check.
func NewAuthenticator(secret, issuer string, log *logger.Logger) *Authenticator {
	if log == nil {
		log = logger.NewDefault("auth")
	}
	return &Authenticator{secret: []byte(secret), issuer: issuer, logger: log}
}

// Issue signs a token for address valid for ttl.
func (a *Authenticator) Issue(address string, ttl time.Duration) (string, error) {
	if err := engine.ValidateAddress(address); err != nil {
		return "", err
	}
	now := time.Now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   address,
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify parses a token and returns the sender address.
func (a *Authenticator) Verify(token string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", errors.Join(ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return "", ErrInvalidToken
	}
	if err := engine.ValidateAddress(claims.Subject); err != nil {
		return "", errors.Join(ErrInvalidToken, err)
	}
	return claims.Subject, nil
}

// Handler requires a valid bearer token and stores the sender in the
// request context.
func (a *Authenticator) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			WriteError(w, http.StatusUnauthorized, "unauthenticated", ErrMissingToken.Error())
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			WriteError(w, http.StatusUnauthorized, "unauthenticated", "invalid Authorization header format")
			return
		}

		sender, err := a.Verify(parts[1])
		if err != nil {
			a.logger.WithContext(r.Context()).WithError(err).Warn("token validation failed")
			WriteError(w, http.StatusUnauthorized, "unauthenticated", ErrInvalidToken.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(WithSender(r.Context(), sender)))
	})
}

// WithSender stores the authenticated sender address.
func WithSender(ctx context.Context, sender string) context.Context {
	return context.WithValue(ctx, senderKey, sender)
}

// Sender returns the authenticated sender address, if any.
func Sender(ctx context.Context) string {
	s, _ := ctx.Value(senderKey).(string)
	return s
}
