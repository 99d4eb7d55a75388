package drip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/bissquit/lead-drip/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

const (
	unsubscribeIssuer   = "lead-drip"
	unsubscribeAudience = "unsubscribe"
	defaultTokenTTL     = 365 * Day
)

// UnsubscribeTokens issues and verifies signed unsubscribe links.
type UnsubscribeTokens struct {
	secret  []byte
	baseURL string
	ttl     time.Duration
	now     func() time.Time
}

// NewUnsubscribeTokens creates a token issuer.
// baseURL is the public URL of the unsubscribe endpoint.
func NewUnsubscribeTokens(secret, baseURL string) (*UnsubscribeTokens, error) {
	if secret == "" {
		return nil, errors.New("unsubscribe tokens: secret is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("unsubscribe tokens: parse base url: %w", err)
	}
	return &UnsubscribeTokens{
		secret:  []byte(secret),
		baseURL: baseURL,
		ttl:     defaultTokenTTL,
		now:     time.Now,
	}, nil
}

// Issue returns a signed token for email.
func (t *UnsubscribeTokens) Issue(email string) (string, error) {
	now := t.now()
	claims := jwt.RegisteredClaims{
		Issuer:    unsubscribeIssuer,
		Subject:   domain.NormalizeEmail(email),
		Audience:  jwt.ClaimStrings{unsubscribeAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign unsubscribe token: %w", err)
	}
	return signed, nil
}

// Verify checks the token and returns the email it was issued for.
func (t *UnsubscribeTokens) Verify(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{},
		func(*jwt.Token) (any, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(unsubscribeIssuer),
		jwt.WithAudience(unsubscribeAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidUnsubscribeToken, err)
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", ErrInvalidUnsubscribeToken
	}
	return claims.Subject, nil
}

// URL returns the unsubscribe link for email.
func (t *UnsubscribeTokens) URL(email string) (string, error) {
	token, err := t.Issue(email)
	if err != nil {
		return "", err
	}

	u, err := url.Parse(t.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	q := u.Query()
	q.Set("email", domain.NormalizeEmail(email))
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// OptOutWriter records an opt-out in an external system.
type OptOutWriter interface {
	Name() string
	Unsubscribe(ctx context.Context, email string) error
}

// Unsubscriber handles unsubscribe requests.
type Unsubscriber struct {
	tokens  *UnsubscribeTokens
	store   OptOutStore
	writers []OptOutWriter
}

// NewUnsubscriber creates a new unsubscriber. Writers are best effort.
func NewUnsubscriber(tokens *UnsubscribeTokens, store OptOutStore, writers ...OptOutWriter) *Unsubscriber {
	return &Unsubscriber{
		tokens:  tokens,
		store:   store,
		writers: writers,
	}
}

// Unsubscribe verifies token and records the opt-out. The returned email is the
// one the token was issued for; a mismatching email parameter is rejected.
func (u *Unsubscriber) Unsubscribe(ctx context.Context, email, token, source string) (string, error) {
	subject, err := u.tokens.Verify(token)
	if err != nil {
		return "", err
	}
	if email != "" && domain.NormalizeEmail(email) != subject {
		return "", fmt.Errorf("%w: email mismatch", ErrInvalidUnsubscribeToken)
	}

	if err := u.store.OptOut(ctx, subject, source); err != nil {
		return "", fmt.Errorf("record opt-out: %w", err)
	}

	for _, w := range u.writers {
		if err := w.Unsubscribe(ctx, subject); err != nil {
			slog.Warn("opt-out write-back failed",
				"writer", w.Name(),
				"recipient", subject,
				"error", err,
			)
		}
	}

	slog.Info("recipient unsubscribed", "recipient", subject, "source", source)
	return subject, nil
}
