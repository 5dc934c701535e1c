// Package auth owns session freshness for the write path: it keeps an
// access token usable by proactively refreshing it shortly before
// expiry, and classifies auth-class errors so callers can retry a
// write exactly once after a forced refresh.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// ErrUnauthorized marks an auth-class failure from the write service.
var ErrUnauthorized = errors.New("unauthorized")

// IsAuthError reports whether err is auth-class and therefore worth a
// single refresh-and-retry.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// TokenSource supplies the current access token and can mint or fetch
// a fresh one.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// Guard checks the current token's expiry before a write and
// refreshes it when it is inside the threshold window. Refreshes are
// serialized so concurrent sends do not stampede the auth backend.
type Guard struct {
	src       TokenSource
	threshold time.Duration
	logger    *zap.Logger
	mu        sync.Mutex
}

// NewGuard creates a session guard. threshold <= 0 defaults to one
// minute.
func NewGuard(src TokenSource, threshold time.Duration, logger *zap.Logger) *Guard {
	if threshold <= 0 {
		threshold = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{src: src, threshold: threshold, logger: logger}
}

// Ensure guarantees the session token outlives the threshold window,
// refreshing it when needed.
func (g *Guard) Ensure(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	tok, err := g.src.Token(ctx)
	if err != nil {
		return g.refresh(ctx)
	}
	exp, err := tokenExpiry(tok)
	if err != nil {
		g.logger.Warn("unreadable token, refreshing", zap.Error(err))
		return g.refresh(ctx)
	}
	if exp.IsZero() || time.Until(exp) > g.threshold {
		return nil
	}
	return g.refresh(ctx)
}

func (g *Guard) refresh(ctx context.Context) error {
	if _, err := g.src.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh session: %w", err)
	}
	return nil
}

// tokenExpiry reads the exp claim without signature verification; the
// guard only schedules refreshes, it does not authenticate anything.
func tokenExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, err
	}
	if exp == nil {
		return time.Time{}, nil
	}
	return exp.Time, nil
}

// HSTokenSource mints its own HS256 service tokens, the scheme the
// portal backend accepts for daemon writes.
type HSTokenSource struct {
	secret  []byte
	subject string
	ttl     time.Duration

	mu      sync.Mutex
	current string
}

// NewHSTokenSource creates a self-minting token source.
func NewHSTokenSource(secret, subject string, ttl time.Duration) *HSTokenSource {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &HSTokenSource{secret: []byte(secret), subject: subject, ttl: ttl}
}

// Token returns the current token, minting one on first use.
func (s *HSTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == "" {
		return s.mintLocked()
	}
	return s.current, nil
}

// Refresh mints a new token unconditionally.
func (s *HSTokenSource) Refresh(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mintLocked()
}

func (s *HSTokenSource) mintLocked() (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   s.subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	s.current = signed
	return signed, nil
}
