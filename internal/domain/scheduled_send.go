package domain

import (
	"errors"
	"strings"
	"time"
)

// Scheduled send errors.
var (
	ErrScheduledSendNotFound = errors.New("scheduled send not found")
)

// ScheduledSend is one delayed step of a recipient's drip sequence.
// Subject and Body are rendered once at schedule time and never re-rendered.
type ScheduledSend struct {
	ID          string     `json:"id"`
	Recipient   string     `json:"recipient"`
	DisplayName string     `json:"display_name"`
	StepIndex   int        `json:"step_index"`
	Subject     string     `json:"subject"`
	Body        string     `json:"body"`
	FireAt      time.Time  `json:"fire_at"`
	Sent        bool       `json:"sent"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// IsDue reports whether the send is unsent and its fire time is not after now.
func (s *ScheduledSend) IsDue(now time.Time) bool {
	return !s.Sent && !s.FireAt.After(now)
}

// MarkSent flips the send to sent. Already-sent items are left untouched.
// SentAt never precedes CreatedAt.
func (s *ScheduledSend) MarkSent(at time.Time) {
	if s.Sent {
		return
	}
	if at.Before(s.CreatedAt) {
		at = s.CreatedAt
	}
	at = at.UTC()
	s.Sent = true
	s.SentAt = &at
}

// NormalizeEmail returns the grouping key form of an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// QueueStats contains scheduled send counts by state.
type QueueStats struct {
	Pending int64
	Due     int64
	Sent    int64
}
