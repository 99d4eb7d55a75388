// Package filestore implements the drip schedule store on local JSON files.
//
// Every call reads the file and every mutation rewrites it atomically
// (temp file plus rename), so a write is durable before the call returns.
// Access is serialized within one process only.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bissquit/lead-drip/internal/domain"
	"github.com/google/uuid"
)

const (
	sendsFile   = "scheduled_sends.json"
	optOutsFile = "optouts.json"
)

// Store implements drip.Store and drip.OptOutStore on JSON files in a directory.
type Store struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// New creates a store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("filestore: directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("filestore: create directory: %w", err)
	}
	return &Store{dir: dir, now: time.Now}, nil
}

// AddScheduledSend appends a new entry and persists it before returning.
func (s *Store) AddScheduledSend(ctx context.Context, send domain.ScheduledSend) (*domain.ScheduledSend, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sends, err := s.loadSends()
	if err != nil {
		return nil, err
	}

	send.ID = uuid.NewString()
	send.Recipient = domain.NormalizeEmail(send.Recipient)
	send.FireAt = send.FireAt.UTC()
	send.CreatedAt = s.now().UTC()
	send.Sent = false
	send.SentAt = nil

	sends = append(sends, &send)
	if err := s.saveSends(sends); err != nil {
		return nil, err
	}

	out := send
	return &out, nil
}

// GetDueSends returns unsent entries with FireAt <= now. Reads never modify the file.
func (s *Store) GetDueSends(ctx context.Context, now time.Time, recipient string) ([]*domain.ScheduledSend, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sends, err := s.loadSends()
	if err != nil {
		return nil, err
	}

	recipient = domain.NormalizeEmail(recipient)
	due := make([]*domain.ScheduledSend, 0)
	for _, send := range sends {
		if recipient != "" && send.Recipient != recipient {
			continue
		}
		if send.IsDue(now) {
			due = append(due, send)
		}
	}
	sortSends(due)
	return due, nil
}

// ListSends returns all entries of a recipient ordered by fire time.
func (s *Store) ListSends(ctx context.Context, recipient string) ([]*domain.ScheduledSend, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sends, err := s.loadSends()
	if err != nil {
		return nil, err
	}

	recipient = domain.NormalizeEmail(recipient)
	out := make([]*domain.ScheduledSend, 0)
	for _, send := range sends {
		if send.Recipient == recipient {
			out = append(out, send)
		}
	}
	sortSends(out)
	return out, nil
}

// MarkSent flips an entry to sent. Marking an already-sent entry is a no-op.
func (s *Store) MarkSent(ctx context.Context, id, recipient string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sends, err := s.loadSends()
	if err != nil {
		return err
	}

	send := find(sends, id, domain.NormalizeEmail(recipient))
	if send == nil {
		return domain.ErrScheduledSendNotFound
	}
	if send.Sent {
		return nil
	}

	send.MarkSent(at)
	return s.saveSends(sends)
}

// DeleteSend removes an entry and reports whether it existed.
func (s *Store) DeleteSend(ctx context.Context, id, recipient string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sends, err := s.loadSends()
	if err != nil {
		return false, err
	}

	recipient = domain.NormalizeEmail(recipient)
	kept := sends[:0]
	removed := false
	for _, send := range sends {
		if send.ID == id && send.Recipient == recipient {
			removed = true
			continue
		}
		kept = append(kept, send)
	}
	if !removed {
		return false, nil
	}

	if err := s.saveSends(kept); err != nil {
		return false, err
	}
	return true, nil
}

// GetQueueStats returns entry counts by state.
func (s *Store) GetQueueStats(ctx context.Context, now time.Time) (*domain.QueueStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sends, err := s.loadSends()
	if err != nil {
		return nil, err
	}

	var stats domain.QueueStats
	for _, send := range sends {
		switch {
		case send.Sent:
			stats.Sent++
		case send.IsDue(now):
			stats.Pending++
			stats.Due++
		default:
			stats.Pending++
		}
	}
	return &stats, nil
}

// OptOut records a local unsubscribe. Repeated opt-outs keep the first record.
func (s *Store) OptOut(ctx context.Context, email, source string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var optOuts []domain.OptOut
	if err := s.load(optOutsFile, &optOuts); err != nil {
		return err
	}

	email = domain.NormalizeEmail(email)
	for _, o := range optOuts {
		if o.Email == email {
			return nil
		}
	}

	optOuts = append(optOuts, domain.OptOut{
		Email:     email,
		Source:    source,
		CreatedAt: s.now().UTC(),
	})
	return s.save(optOutsFile, optOuts)
}

// IsOptedOut reports whether email is on the opt-out list.
func (s *Store) IsOptedOut(ctx context.Context, email string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var optOuts []domain.OptOut
	if err := s.load(optOutsFile, &optOuts); err != nil {
		return false, err
	}

	email = domain.NormalizeEmail(email)
	for _, o := range optOuts {
		if o.Email == email {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) loadSends() ([]*domain.ScheduledSend, error) {
	var sends []*domain.ScheduledSend
	if err := s.load(sendsFile, &sends); err != nil {
		return nil, err
	}
	return sends, nil
}

func (s *Store) saveSends(sends []*domain.ScheduledSend) error {
	if sends == nil {
		sends = make([]*domain.ScheduledSend, 0)
	}
	return s.save(sendsFile, sends)
}

// load decodes a file. A missing file is empty; a corrupt file is an error, never reset.
func (s *Store) load(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}

func (s *Store) save(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}

	if err := os.Rename(tmpName, filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("replace %s: %w", name, err)
	}
	return nil
}

func find(sends []*domain.ScheduledSend, id, recipient string) *domain.ScheduledSend {
	for _, send := range sends {
		if send.ID == id && send.Recipient == recipient {
			return send
		}
	}
	return nil
}

func sortSends(sends []*domain.ScheduledSend) {
	sort.SliceStable(sends, func(i, j int) bool {
		if !sends[i].FireAt.Equal(sends[j].FireAt) {
			return sends[i].FireAt.Before(sends[j].FireAt)
		}
		return sends[i].StepIndex < sends[j].StepIndex
	})
}
