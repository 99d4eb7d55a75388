package email

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/lead-drip/internal/domain"
	"github.com/bissquit/lead-drip/internal/drip"
	"github.com/bissquit/lead-drip/internal/drip/filestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticLinks struct {
	url string
	err error
}

func (l staticLinks) URL(string) (string, error) {
	return l.url, l.err
}

func TestNewSender_Validation(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "enabled without smtp host",
			config: Config{
				Enabled:     true,
				FromAddress: "test@example.com",
			},
			wantErr: "SMTP host is required",
		},
		{
			name: "enabled without from address",
			config: Config{
				Enabled:  true,
				SMTPHost: "smtp.example.com",
			},
			wantErr: "from address is required",
		},
		{
			name: "enabled with malformed from address",
			config: Config{
				Enabled:     true,
				SMTPHost:    "smtp.example.com",
				FromAddress: "not an address",
			},
			wantErr: "invalid from address",
		},
		{
			name: "disabled - no validation",
			config: Config{
				Enabled: false,
			},
			wantErr: "",
		},
		{
			name: "valid config",
			config: Config{
				Enabled:     true,
				SMTPHost:    "smtp.example.com",
				FromAddress: "Lead Drip <hello@example.com>",
			},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender, err := NewSender(tt.config, nil)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Nil(t, sender)
			} else {
				require.NoError(t, err)
				assert.NotNil(t, sender)
			}
		})
	}
}

func TestNewSender_Defaults(t *testing.T) {
	sender, err := NewSender(Config{
		Enabled:     true,
		SMTPHost:    "smtp.example.com",
		FromAddress: "test@example.com",
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, 587, sender.config.SMTPPort)
	assert.False(t, sender.dialer.SSL)
	assert.Equal(t, "smtp.example.com", sender.dialer.TLSConfig.ServerName)
}

func TestNewSender_ImplicitTLS(t *testing.T) {
	sender, err := NewSender(Config{
		Enabled:     true,
		SMTPHost:    "smtp.example.com",
		SMTPPort:    465,
		FromAddress: "test@example.com",
	}, nil)
	require.NoError(t, err)

	assert.True(t, sender.dialer.SSL)
}

func TestSender_Send_Disabled(t *testing.T) {
	sender, err := NewSender(Config{Enabled: false}, nil)
	require.NoError(t, err)

	id, err := sender.Send(context.Background(), drip.Message{
		To:      "lead@example.com",
		Subject: "Hello",
		HTML:    "<p>Hi</p>",
	})
	assert.ErrorIs(t, err, ErrDisabled)
	assert.Empty(t, id)
}

func TestSender_Send_DevMode(t *testing.T) {
	sender, err := NewSender(Config{Enabled: false, DevMode: true}, nil)
	require.NoError(t, err)

	id, err := sender.Send(context.Background(), drip.Message{To: "lead@example.com", Subject: "Hello"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "<dev-"))
}

func TestSender_DisabledLeavesDueSendPending(t *testing.T) {
	ctx := context.Background()

	store, err := filestore.New(t.TempDir())
	require.NoError(t, err)
	item, err := store.AddScheduledSend(ctx, domain.ScheduledSend{
		Recipient: "lead@example.com",
		StepIndex: 1,
		Subject:   "Day 2",
		Body:      "<p>Hi</p>",
		FireAt:    time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)

	sender, err := NewSender(Config{}, nil)
	require.NoError(t, err)

	processor := drip.NewProcessor(drip.DefaultProcessorConfig(), store, sender, drip.NewSuppression())
	result, err := processor.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, drip.ProcessResult{Failed: 1, Total: 1}, *result)

	sends, err := store.ListSends(ctx, "lead@example.com")
	require.NoError(t, err)
	require.Len(t, sends, 1)
	assert.Equal(t, item.ID, sends[0].ID)
	assert.False(t, sends[0].Sent)
	assert.Nil(t, sends[0].SentAt)

	due, err := store.GetDueSends(ctx, time.Now(), "")
	require.NoError(t, err)
	assert.Len(t, due, 1, "item is retried on the next run")
}

func TestSender_Send_HungServerHonoursDeadline(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var conns []net.Conn
	var mu sync.Mutex
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			// Never send the SMTP greeting.
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})

	addr := ln.Addr().(*net.TCPAddr)
	sender, err := NewSender(Config{
		Enabled:     true,
		SMTPHost:    "127.0.0.1",
		SMTPPort:    addr.Port,
		FromAddress: "test@example.com",
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = sender.Send(ctx, drip.Message{To: "lead@example.com", Subject: "Hi", HTML: "<p>Hi</p>"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSender_Send_CancelledContext(t *testing.T) {
	sender, err := NewSender(Config{
		Enabled:     true,
		SMTPHost:    "smtp.example.com",
		FromAddress: "test@example.com",
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = sender.Send(ctx, drip.Message{To: "lead@example.com"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSender_BuildMessage(t *testing.T) {
	sender := &Sender{
		config: Config{
			FromAddress: "hello@example.com",
			FromName:    "Lead Drip",
		},
		links: staticLinks{url: "https://example.com/u?t=abc"},
	}

	m, messageID, err := sender.buildMessage(drip.Message{
		To:      "lead@example.com",
		Subject: "Welcome aboard",
		HTML:    "<html><body><p>Hi</p></body></html>",
		Attachments: []drip.Attachment{{
			Filename:    "checklist.pdf",
			ContentType: "application/pdf",
			Content:     []byte("%PDF-1.4"),
		}},
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(messageID, "<"))
	assert.True(t, strings.HasSuffix(messageID, "@example.com>"))

	var buf bytes.Buffer
	_, err = m.WriteTo(&buf)
	require.NoError(t, err)
	raw := buf.String()

	assert.Contains(t, raw, "hello@example.com")
	assert.Contains(t, raw, "To: lead@example.com")
	assert.Contains(t, raw, "Subject: Welcome aboard")
	assert.Contains(t, raw, "Message-ID: "+messageID)
	assert.Contains(t, raw, "List-Unsubscribe: <https://example.com/u?t=abc>")
	assert.Contains(t, raw, "List-Unsubscribe-Post: List-Unsubscribe=One-Click")
	assert.Contains(t, raw, `filename="checklist.pdf"`)
	assert.Contains(t, raw, "application/pdf")
}

func TestSender_BuildMessage_WithoutLinks(t *testing.T) {
	sender := &Sender{config: Config{FromAddress: "hello@example.com"}}

	m, _, err := sender.buildMessage(drip.Message{
		To:      "lead@example.com",
		Subject: "Hi",
		HTML:    "<p>Hi</p>",
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = m.WriteTo(&buf)
	require.NoError(t, err)
	assert.NotContains(t, buf.String(), "List-Unsubscribe")
}

func TestSender_BuildMessage_Errors(t *testing.T) {
	t.Run("missing recipient", func(t *testing.T) {
		sender := &Sender{config: Config{FromAddress: "hello@example.com"}}
		_, _, err := sender.buildMessage(drip.Message{Subject: "Hi"})
		require.Error(t, err)
	})

	t.Run("link builder failure", func(t *testing.T) {
		sender := &Sender{
			config: Config{FromAddress: "hello@example.com"},
			links:  staticLinks{err: errors.New("no secret")},
		}
		_, _, err := sender.buildMessage(drip.Message{To: "lead@example.com"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsubscribe link")
	})
}

func TestAppendFooter(t *testing.T) {
	t.Run("inside body", func(t *testing.T) {
		out := appendFooter("<html><body><p>Hi</p></body></html>", "https://example.com/u?a=1&b=2")
		assert.True(t, strings.HasSuffix(out, "</body></html>"))
		assert.Contains(t, out, `href="https://example.com/u?a=1&amp;b=2"`)
		assert.Less(t, strings.Index(out, "<p>Hi</p>"), strings.Index(out, "Unsubscribe"))
	})

	t.Run("fragment", func(t *testing.T) {
		out := appendFooter("<p>Hi</p>", "https://example.com/u")
		assert.True(t, strings.HasPrefix(out, "<p>Hi</p>\n"))
		assert.Contains(t, out, "Unsubscribe")
	})
}

func TestExtractEmail(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{input: "user@example.com", expected: "user@example.com"},
		{input: "Test User <user@example.com>", expected: "user@example.com"},
		{input: "<user@example.com>", expected: "user@example.com"},
		{input: "invalid<", expected: "invalid<"},
		{input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, extractEmail(tt.input))
		})
	}
}

func TestDomainOf(t *testing.T) {
	assert.Equal(t, "example.com", domainOf("Drip <hello@example.com>"))
	assert.Equal(t, "localhost", domainOf("nobody"))
	assert.Equal(t, "localhost", domainOf("broken@"))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{name: "nil error", err: nil, retryable: false},
		{name: "421 service unavailable", err: errors.New("421 Service not available"), retryable: true},
		{name: "450 mailbox unavailable", err: errors.New("450 Mailbox unavailable"), retryable: true},
		{name: "451 local error", err: errors.New("451 Local error in processing"), retryable: true},
		{name: "452 insufficient storage", err: errors.New("452 Insufficient storage"), retryable: true},
		{name: "550 mailbox not found", err: errors.New("550 Mailbox not found"), retryable: false},
		{name: "535 auth failed", err: errors.New("535 Authentication failed"), retryable: false},
		{name: "timeout error", err: &timeoutError{}, retryable: true},
		{name: "network operation error", err: &net.OpError{Op: "dial", Err: errors.New("connection refused")}, retryable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

// timeoutError implements net.Error for testing
type timeoutError struct{}

func (e *timeoutError) Error() string   { return "timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }
