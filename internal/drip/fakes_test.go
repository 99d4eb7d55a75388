package drip

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/bissquit/lead-drip/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

var errBoom = errors.New("boom")

// memStore is an in-memory Store and OptOutStore.
type memStore struct {
	mu      sync.Mutex
	sends   []*domain.ScheduledSend
	optOuts map[string]string
	now     func() time.Time

	addErr   func(step int) error
	dueErr   error
	markErr  error
	markCall int
}

func newMemStore() *memStore {
	return &memStore{
		optOuts: make(map[string]string),
		now:     time.Now,
	}
}

func (s *memStore) AddScheduledSend(_ context.Context, send domain.ScheduledSend) (*domain.ScheduledSend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.addErr != nil {
		if err := s.addErr(send.StepIndex); err != nil {
			return nil, err
		}
	}

	send.ID = uuid.NewString()
	send.Recipient = domain.NormalizeEmail(send.Recipient)
	send.CreatedAt = s.now().UTC()
	stored := send
	s.sends = append(s.sends, &stored)

	out := send
	return &out, nil
}

func (s *memStore) GetDueSends(_ context.Context, now time.Time, recipient string) ([]*domain.ScheduledSend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dueErr != nil {
		return nil, s.dueErr
	}

	due := make([]*domain.ScheduledSend, 0)
	for _, send := range s.sends {
		if recipient != "" && send.Recipient != recipient {
			continue
		}
		if send.IsDue(now) {
			c := *send
			due = append(due, &c)
		}
	}
	return due, nil
}

func (s *memStore) MarkSent(_ context.Context, id, recipient string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.markCall++
	if s.markErr != nil {
		return s.markErr
	}

	for _, send := range s.sends {
		if send.ID == id && send.Recipient == recipient {
			send.MarkSent(at)
			return nil
		}
	}
	return domain.ErrScheduledSendNotFound
}

func (s *memStore) DeleteSend(_ context.Context, id, recipient string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, send := range s.sends {
		if send.ID == id && send.Recipient == recipient {
			s.sends = append(s.sends[:i], s.sends[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) ListSends(_ context.Context, recipient string) ([]*domain.ScheduledSend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.ScheduledSend, 0)
	for _, send := range s.sends {
		if send.Recipient == recipient {
			c := *send
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	return out, nil
}

func (s *memStore) GetQueueStats(_ context.Context, now time.Time) (*domain.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats domain.QueueStats
	for _, send := range s.sends {
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

func (s *memStore) OptOut(_ context.Context, email, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.optOuts[email]; !ok {
		s.optOuts[email] = source
	}
	return nil
}

func (s *memStore) IsOptedOut(_ context.Context, email string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.optOuts[email]
	return ok, nil
}

func (s *memStore) get(id string) *domain.ScheduledSend {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, send := range s.sends {
		if send.ID == id {
			c := *send
			return &c
		}
	}
	return nil
}

// recordingSender records delivered messages and fails for selected recipients.
type recordingSender struct {
	mu     sync.Mutex
	sent   []Message
	failTo map[string]error
	calls  int
}

func newRecordingSender() *recordingSender {
	return &recordingSender{failTo: make(map[string]error)}
}

func (s *recordingSender) Send(_ context.Context, msg Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if err, ok := s.failTo[msg.To]; ok {
		return "", err
	}
	s.sent = append(s.sent, msg)
	return "<" + uuid.NewString() + "@test>", nil
}

func (s *recordingSender) messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.sent))
	copy(out, s.sent)
	return out
}

// MockSuppressor is a testify mock of Suppressor.
type MockSuppressor struct {
	mock.Mock
}

func (m *MockSuppressor) HasRepliedOrOptedOut(ctx context.Context, email string) bool {
	args := m.Called(ctx, email)
	return args.Bool(0)
}

// MockOracle is a testify mock of Oracle.
type MockOracle struct {
	mock.Mock
	name string
}

func (m *MockOracle) Name() string {
	return m.name
}

func (m *MockOracle) Lookup(ctx context.Context, email string) (*domain.SuppressionStatus, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SuppressionStatus), args.Error(1)
}
