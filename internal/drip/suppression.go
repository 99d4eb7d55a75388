package drip

import (
	"context"
	"log/slog"

	"github.com/bissquit/lead-drip/internal/domain"
)

// Oracle reports what it knows about a recipient's replies and opt-outs.
// A nil status means no information.
type Oracle interface {
	Name() string
	Lookup(ctx context.Context, email string) (*domain.SuppressionStatus, error)
}

// Suppression combines oracles. Lookups fail open: an oracle error
// or missing answer is treated as no evidence of suppression.
type Suppression struct {
	oracles []Oracle
}

// NewSuppression creates a suppression check over the given oracles.
func NewSuppression(oracles ...Oracle) *Suppression {
	return &Suppression{oracles: oracles}
}

// HasRepliedOrOptedOut reports whether any oracle says sends to email should stop.
func (s *Suppression) HasRepliedOrOptedOut(ctx context.Context, email string) bool {
	for _, o := range s.oracles {
		status, err := o.Lookup(ctx, email)
		if err != nil {
			slog.Warn("suppression lookup failed, treating as not suppressed",
				"oracle", o.Name(),
				"recipient", email,
				"error", err,
			)
			recordSuppressionLookupError(o.Name())
			continue
		}

		if status.Suppressed() {
			slog.Info("recipient suppressed",
				"oracle", o.Name(),
				"recipient", email,
				"replied", status.Replied,
				"opted_out", status.OptedOut,
			)
			return true
		}
	}
	return false
}

// OptOutOracle answers suppression lookups from the local opt-out list.
type OptOutOracle struct {
	store OptOutStore
}

// NewOptOutOracle creates an oracle backed by an opt-out store.
func NewOptOutOracle(store OptOutStore) *OptOutOracle {
	return &OptOutOracle{store: store}
}

// Name returns the oracle name.
func (o *OptOutOracle) Name() string {
	return "optout_list"
}

// Lookup reports whether the email is on the opt-out list.
func (o *OptOutOracle) Lookup(ctx context.Context, email string) (*domain.SuppressionStatus, error) {
	optedOut, err := o.store.IsOptedOut(ctx, domain.NormalizeEmail(email))
	if err != nil {
		return nil, err
	}
	return &domain.SuppressionStatus{OptedOut: optedOut}, nil
}
