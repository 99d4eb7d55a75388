package drip

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bissquit/lead-drip/internal/domain"
	"golang.org/x/sync/errgroup"
)

// Processing outcomes.
const (
	outcomeProcessed = "processed"
	outcomeFailed    = "failed"
	outcomeSkipped   = "skipped"
)

// Suppressor decides whether sends to a recipient should be withheld.
type Suppressor interface {
	HasRepliedOrOptedOut(ctx context.Context, email string) bool
}

// ProcessorConfig contains queue processor configuration.
type ProcessorConfig struct {
	// Concurrency bounds how many recipients are processed at once.
	Concurrency int
}

// DefaultProcessorConfig returns default processor configuration.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		Concurrency: 4,
	}
}

// ProcessResult tallies one ProcessQueue run.
type ProcessResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Total     int `json:"total"`
}

// Processor drains due scheduled sends.
//
// Runs may overlap. An item picked up by two runs before either marks it sent
// is delivered twice; delivery is at-least-once.
type Processor struct {
	config      ProcessorConfig
	store       Store
	sender      Sender
	suppression Suppressor
	now         func() time.Time
}

// NewProcessor creates a new queue processor.
func NewProcessor(config ProcessorConfig, store Store, sender Sender, suppression Suppressor) *Processor {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	return &Processor{
		config:      config,
		store:       store,
		sender:      sender,
		suppression: suppression,
		now:         time.Now,
	}
}

// ProcessQueue sends every due item once. Item failures are tallied, never returned;
// the only error is a failed scan of the store, in which case nothing was changed.
func (p *Processor) ProcessQueue(ctx context.Context) (*ProcessResult, error) {
	start := time.Now()
	now := p.now().UTC()

	due, err := p.store.GetDueSends(ctx, now, "")
	if err != nil {
		recordQueueRun("error", time.Since(start))
		return nil, fmt.Errorf("get due sends: %w", err)
	}

	result := &ProcessResult{Total: len(due)}
	if len(due) == 0 {
		slog.Debug("no due scheduled sends")
		recordQueueRun("empty", time.Since(start))
		return result, nil
	}

	slog.Info("processing email queue", "due", len(due))

	var mu sync.Mutex
	tally := func(outcome string) {
		mu.Lock()
		defer mu.Unlock()
		switch outcome {
		case outcomeProcessed:
			result.Processed++
		case outcomeSkipped:
			result.Skipped++
		default:
			result.Failed++
		}
	}

	var g errgroup.Group
	g.SetLimit(p.config.Concurrency)

	for _, items := range groupByRecipient(due) {
		g.Go(func() error {
			for _, item := range items {
				if ctx.Err() != nil {
					// Unvisited items stay pending for the next run.
					return nil
				}
				tally(p.processItem(ctx, item))
			}
			return nil
		})
	}
	_ = g.Wait()

	recordQueueRun("ok", time.Since(start))

	slog.Info("email queue processed",
		"processed", result.Processed,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"total", result.Total,
	)

	return result, nil
}

func (p *Processor) processItem(ctx context.Context, item *domain.ScheduledSend) string {
	if p.suppression.HasRepliedOrOptedOut(ctx, item.Recipient) {
		// Marked sent so a suppressed item is not retried forever.
		if err := p.store.MarkSent(ctx, item.ID, item.Recipient, p.now()); err != nil {
			slog.Error("failed to mark suppressed send",
				"send_id", item.ID,
				"recipient", item.Recipient,
				"error", err,
			)
		}
		recordSend(item.StepIndex, outcomeSkipped)
		slog.Info("scheduled send skipped",
			"send_id", item.ID,
			"recipient", item.Recipient,
			"step", item.StepIndex,
		)
		return outcomeSkipped
	}

	start := time.Now()
	messageID, err := p.sender.Send(ctx, Message{
		To:      item.Recipient,
		Subject: item.Subject,
		HTML:    item.Body,
	})
	duration := time.Since(start)

	if err != nil {
		slog.Warn("scheduled send failed, will retry on next run",
			"send_id", item.ID,
			"recipient", item.Recipient,
			"step", item.StepIndex,
			"error", err,
		)
		recordSend(item.StepIndex, outcomeFailed)
		return outcomeFailed
	}

	recordSendDuration(duration)

	if err := p.store.MarkSent(ctx, item.ID, item.Recipient, p.now()); err != nil {
		slog.Error("email sent but not marked, it may be sent again",
			"send_id", item.ID,
			"recipient", item.Recipient,
			"error", err,
		)
	}

	recordSend(item.StepIndex, outcomeProcessed)
	slog.Info("scheduled send delivered",
		"send_id", item.ID,
		"recipient", item.Recipient,
		"step", item.StepIndex,
		"message_id", messageID,
		"duration", duration,
	)
	return outcomeProcessed
}

// groupByRecipient splits due items per recipient, each group ordered by fire time.
func groupByRecipient(items []*domain.ScheduledSend) [][]*domain.ScheduledSend {
	index := make(map[string]int)
	var groups [][]*domain.ScheduledSend

	for _, item := range items {
		i, ok := index[item.Recipient]
		if !ok {
			i = len(groups)
			index[item.Recipient] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], item)
	}

	for _, g := range groups {
		sort.SliceStable(g, func(a, b int) bool {
			if g[a].FireAt.Equal(g[b].FireAt) {
				return g[a].StepIndex < g[b].StepIndex
			}
			return g[a].FireAt.Before(g[b].FireAt)
		})
	}

	return groups
}
