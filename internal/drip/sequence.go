package drip

import (
	"fmt"
	"time"
)

// Day is the scheduling granularity of a sequence.
const Day = 24 * time.Hour

// Step is one message of the drip sequence.
// Delay is measured from the sequence start; zero means send on creation.
type Step struct {
	Index      int
	Name       string
	Template   string
	Subject    string
	Delay      time.Duration
	Attachment *AttachmentSource
}

// AttachmentSource points at a file attached to a step when it exists.
type AttachmentSource struct {
	Path        string
	Filename    string
	ContentType string
}

// Immediate reports whether the step is dispatched directly at creation time.
func (s Step) Immediate() bool {
	return s.Delay == 0
}

// DelayDays returns the delay in whole days.
func (s Step) DelayDays() int {
	return int(s.Delay / Day)
}

// Definition is the fixed, ordered set of steps sent to a new lead.
type Definition struct {
	Steps []Step
}

// Validate checks step indexes, delays and template references.
func (d Definition) Validate() error {
	seen := make(map[int]struct{}, len(d.Steps))
	for _, s := range d.Steps {
		if _, ok := seen[s.Index]; ok {
			return fmt.Errorf("step %d: %w", s.Index, ErrDuplicateStep)
		}
		seen[s.Index] = struct{}{}

		if s.Delay < 0 || s.Delay%Day != 0 {
			return fmt.Errorf("step %d: %w", s.Index, ErrInvalidDelay)
		}
		if s.Template == "" {
			return fmt.Errorf("step %d: %w", s.Index, ErrMissingTemplate)
		}
	}
	return nil
}

// DelayedSteps returns the number of steps that go through the schedule store.
func (d Definition) DelayedSteps() int {
	n := 0
	for _, s := range d.Steps {
		if !s.Immediate() {
			n++
		}
	}
	return n
}

// DefaultDefinition returns the lead-nurture sequence.
// The checklist PDF is attached to the first email when checklistPath points at an existing file.
func DefaultDefinition(checklistPath string) Definition {
	var checklist *AttachmentSource
	if checklistPath != "" {
		checklist = &AttachmentSource{
			Path:        checklistPath,
			Filename:    "DevOps_Automation_Checklist.pdf",
			ContentType: "application/pdf",
		}
	}

	return Definition{Steps: []Step{
		{Index: 0, Name: "Checklist PDF", Template: "checklist", Subject: "{{.DisplayName}}, your DevOps Automation Checklist", Attachment: checklist},
		{Index: 1, Name: "Welcome", Template: "welcome", Subject: "Welcome aboard, {{.DisplayName}}"},
		{Index: 2, Name: "Pain Point", Template: "pain_point", Subject: "The hidden cost of manual deployments", Delay: 2 * Day},
		{Index: 3, Name: "ROI", Template: "roi", Subject: "{{.DisplayName}}, what automation is worth to your team", Delay: 5 * Day},
		{Index: 4, Name: "Social Proof", Template: "social_proof", Subject: "How a 12-person team shipped 4x faster", Delay: 9 * Day},
		{Index: 5, Name: "Final Push", Template: "final_push", Subject: "Last call: free automation assessment", Delay: 13 * Day},
		{Index: 6, Name: "Follow-up", Template: "follow_up", Subject: "Still thinking it over, {{.DisplayName}}?", Delay: 20 * Day},
	}}
}
