package drip

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bissquit/lead-drip/internal/domain"
)

// Subscription is a recipient's current standing as shown on the preferences page.
type Subscription struct {
	Email          string
	OptedOut       bool
	UnsubscribeURL string
}

// Preferences reports subscription status to recipients holding a valid link.
type Preferences struct {
	tokens  *UnsubscribeTokens
	oracles []Oracle
}

// NewPreferences creates a preferences reader over the given oracles.
func NewPreferences(tokens *UnsubscribeTokens, oracles ...Oracle) *Preferences {
	return &Preferences{
		tokens:  tokens,
		oracles: oracles,
	}
}

// Status verifies token and returns the combined opt-out state for its email.
// Oracle errors are logged and read as subscribed.
func (p *Preferences) Status(ctx context.Context, email, token string) (*Subscription, error) {
	subject, err := p.tokens.Verify(token)
	if err != nil {
		return nil, err
	}
	if email != "" && domain.NormalizeEmail(email) != subject {
		return nil, fmt.Errorf("%w: email mismatch", ErrInvalidUnsubscribeToken)
	}

	sub := &Subscription{Email: subject}
	for _, o := range p.oracles {
		status, err := o.Lookup(ctx, subject)
		if err != nil {
			slog.Warn("preferences lookup failed",
				"oracle", o.Name(),
				"recipient", subject,
				"error", err,
			)
			recordSuppressionLookupError(o.Name())
			continue
		}
		if status != nil && status.OptedOut {
			sub.OptedOut = true
			break
		}
	}

	if !sub.OptedOut {
		link, err := p.tokens.URL(subject)
		if err != nil {
			return nil, fmt.Errorf("build unsubscribe link: %w", err)
		}
		sub.UnsubscribeURL = link
	}

	return sub, nil
}
