package drip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/bissquit/lead-drip/internal/domain"
	"github.com/go-playground/validator/v10"
)

// DefaultDisplayName is used when a lead arrives without a first name.
const DefaultDisplayName = "Friend"

// SequencerConfig contains sequencer configuration.
type SequencerConfig struct {
	DefaultDisplayName string
	SiteURL            string
	BookingURL         string
}

// ScheduleResult summarizes one ScheduleSequence call.
type ScheduleResult struct {
	Recipient       string                  `json:"recipient"`
	SentImmediately int                     `json:"sent_immediately"`
	Scheduled       int                     `json:"scheduled"`
	Failed          int                     `json:"failed"`
	Sends           []*domain.ScheduledSend `json:"sends"`
}

// PreviewItem is one rendered step of the sequence.
type PreviewItem struct {
	Step      int       `json:"step"`
	Name      string    `json:"name"`
	Subject   string    `json:"subject"`
	HTML      string    `json:"html"`
	DelayDays int       `json:"delay_days"`
	FireAt    time.Time `json:"fire_at"`
}

// Sequencer turns a new lead into immediate sends plus scheduled sends.
type Sequencer struct {
	definition Definition
	renderer   *Renderer
	store      Store
	sender     Sender
	config     SequencerConfig
	validate   *validator.Validate
	now        func() time.Time
	readFile   func(string) ([]byte, error)
}

// NewSequencer creates a new sequencer.
// Returns error if the definition is invalid or references unknown templates.
func NewSequencer(definition Definition, renderer *Renderer, store Store, sender Sender, config SequencerConfig) (*Sequencer, error) {
	if err := definition.Validate(); err != nil {
		return nil, fmt.Errorf("validate sequence definition: %w", err)
	}
	for _, step := range definition.Steps {
		if !renderer.Has(step.Template) {
			return nil, fmt.Errorf("step %d: %w: %s", step.Index, ErrTemplateNotFound, step.Template)
		}
	}

	if config.DefaultDisplayName == "" {
		config.DefaultDisplayName = DefaultDisplayName
	}

	return &Sequencer{
		definition: definition,
		renderer:   renderer,
		store:      store,
		sender:     sender,
		config:     config,
		validate:   validator.New(),
		now:        time.Now,
		readFile:   os.ReadFile,
	}, nil
}

// ScheduleSequence renders every step for the recipient. Immediate steps are sent
// directly; delayed steps are written to the store with FireAt = start + delay.
// A zero start means now.
//
// A failing step is logged and does not stop the remaining steps. An error is
// returned only for an invalid recipient or when no delayed step could be persisted.
func (s *Sequencer) ScheduleSequence(ctx context.Context, recipient, displayName string, start time.Time) (*ScheduleResult, error) {
	recipient = domain.NormalizeEmail(recipient)
	if err := s.validate.Var(recipient, "required,email"); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRecipient, recipient)
	}

	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = s.config.DefaultDisplayName
	}

	if start.IsZero() {
		start = s.now()
	}
	start = start.UTC()

	slog.Info("scheduling email sequence",
		"recipient", recipient,
		"display_name", displayName,
		"start", start,
	)

	result := &ScheduleResult{
		Recipient: recipient,
		Sends:     make([]*domain.ScheduledSend, 0, s.definition.DelayedSteps()),
	}
	data := s.renderData(displayName)

	var persistErrs []error
	for _, step := range s.definition.Steps {
		content, err := s.renderer.Render(step, data)
		if err != nil {
			slog.Error("failed to render sequence step",
				"recipient", recipient,
				"step", step.Index,
				"error", err,
			)
			result.Failed++
			recordScheduled("render_failed")
			if !step.Immediate() {
				persistErrs = append(persistErrs, err)
			}
			continue
		}

		if step.Immediate() {
			s.sendImmediate(ctx, recipient, step, content, result)
			continue
		}

		send, err := s.store.AddScheduledSend(ctx, domain.ScheduledSend{
			Recipient:   recipient,
			DisplayName: displayName,
			StepIndex:   step.Index,
			Subject:     content.Subject,
			Body:        content.Body,
			FireAt:      start.Add(step.Delay),
		})
		if err != nil {
			slog.Error("failed to persist scheduled send",
				"recipient", recipient,
				"step", step.Index,
				"error", err,
			)
			result.Failed++
			recordScheduled("persist_failed")
			persistErrs = append(persistErrs, fmt.Errorf("step %d: %w", step.Index, err))
			continue
		}

		result.Scheduled++
		result.Sends = append(result.Sends, send)
		recordScheduled("scheduled")

		slog.Debug("scheduled send stored",
			"recipient", recipient,
			"step", step.Index,
			"send_id", send.ID,
			"fire_at", send.FireAt,
		)
	}

	slog.Info("email sequence scheduled",
		"recipient", recipient,
		"sent_immediately", result.SentImmediately,
		"scheduled", result.Scheduled,
		"failed", result.Failed,
	)

	if result.Scheduled == 0 && len(persistErrs) > 0 {
		return result, fmt.Errorf("%w: %w", ErrSchedulePersist, errors.Join(persistErrs...))
	}

	return result, nil
}

// sendImmediate dispatches a first-contact step. No suppression check: a new lead has no state yet.
func (s *Sequencer) sendImmediate(ctx context.Context, recipient string, step Step, content Content, result *ScheduleResult) {
	msg := Message{
		To:          recipient,
		Subject:     content.Subject,
		HTML:        content.Body,
		Attachments: s.loadAttachments(step),
	}

	id, err := s.sender.Send(ctx, msg)
	if err != nil {
		slog.Error("failed to send immediate sequence step",
			"recipient", recipient,
			"step", step.Index,
			"error", err,
		)
		result.Failed++
		recordScheduled("immediate_failed")
		return
	}

	result.SentImmediately++
	recordScheduled("sent_immediately")

	slog.Info("immediate sequence step sent",
		"recipient", recipient,
		"step", step.Index,
		"message_id", id,
	)
}

// loadAttachments reads the step attachment. A missing file sends the email without it.
func (s *Sequencer) loadAttachments(step Step) []Attachment {
	if step.Attachment == nil {
		return nil
	}

	content, err := s.readFile(step.Attachment.Path)
	if err != nil {
		slog.Warn("attachment not available, sending without it",
			"step", step.Index,
			"path", step.Attachment.Path,
			"error", err,
		)
		return nil
	}

	return []Attachment{{
		Filename:    step.Attachment.Filename,
		ContentType: step.Attachment.ContentType,
		Content:     content,
	}}
}

// Preview renders the whole sequence for displayName without sending or storing anything.
func (s *Sequencer) Preview(displayName string, start time.Time) ([]PreviewItem, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = s.config.DefaultDisplayName
	}
	if start.IsZero() {
		start = s.now()
	}

	data := s.renderData(displayName)
	items := make([]PreviewItem, 0, len(s.definition.Steps))
	for _, step := range s.definition.Steps {
		content, err := s.renderer.Render(step, data)
		if err != nil {
			return nil, fmt.Errorf("render step %d: %w", step.Index, err)
		}
		items = append(items, PreviewItem{
			Step:      step.Index,
			Name:      step.Name,
			Subject:   content.Subject,
			HTML:      content.Body,
			DelayDays: step.DelayDays(),
			FireAt:    start.UTC().Add(step.Delay),
		})
	}
	return items, nil
}

func (s *Sequencer) renderData(displayName string) RenderData {
	return RenderData{
		DisplayName: displayName,
		SiteURL:     s.config.SiteURL,
		BookingURL:  s.config.BookingURL,
	}
}
