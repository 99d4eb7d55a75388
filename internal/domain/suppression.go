package domain

import "time"

// SuppressionStatus is what an oracle knows about a recipient's engagement.
type SuppressionStatus struct {
	Replied  bool
	OptedOut bool
}

// Suppressed reports whether further automated sends should be withheld.
func (s *SuppressionStatus) Suppressed() bool {
	if s == nil {
		return false
	}
	return s.Replied || s.OptedOut
}

// OptOut is a locally recorded unsubscribe.
type OptOut struct {
	Email     string    `json:"email"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}
