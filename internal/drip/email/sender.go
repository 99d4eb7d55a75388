// Package email delivers drip messages via SMTP.
package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net"
	"net/mail"
	"strings"

	"github.com/bissquit/lead-drip/internal/drip"
	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// ErrDisabled is returned by Send when delivery is not configured.
var ErrDisabled = errors.New("email sender is disabled")

// Config holds email sender configuration.
type Config struct {
	Enabled bool
	// DevMode makes a disabled sender log messages and report them as sent.
	// Never set it where the schedule holds real leads.
	DevMode      bool
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	FromAddress  string
	FromName     string
	// InsecureSkipVerify disables certificate checks, for local SMTP catchers only.
	InsecureSkipVerify bool
}

// LinkBuilder builds the unsubscribe link for a recipient.
type LinkBuilder interface {
	URL(email string) (string, error)
}

// Sender implements drip.Sender via SMTP.
type Sender struct {
	config Config
	links  LinkBuilder
	dialer *gomail.Dialer
}

// NewSender creates a new email sender. links may be nil, in which case
// no unsubscribe footer or List-Unsubscribe header is added.
// Returns error if enabled but required config is missing.
func NewSender(config Config, links LinkBuilder) (*Sender, error) {
	if config.Enabled {
		if config.SMTPHost == "" {
			return nil, errors.New("email sender: SMTP host is required when enabled")
		}
		if config.FromAddress == "" {
			return nil, errors.New("email sender: from address is required when enabled")
		}
		if _, err := mail.ParseAddress(config.FromAddress); err != nil {
			return nil, fmt.Errorf("email sender: invalid from address: %w", err)
		}
	}

	if config.SMTPPort == 0 {
		config.SMTPPort = 587
	}

	dialer := gomail.NewDialer(config.SMTPHost, config.SMTPPort, config.SMTPUser, config.SMTPPassword)
	dialer.TLSConfig = &tls.Config{
		ServerName:         config.SMTPHost,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: config.InsecureSkipVerify, //nolint:gosec // opt-in for local SMTP catchers
	}
	dialer.SSL = config.SMTPPort == 465

	slog.Info("email sender configured",
		"enabled", config.Enabled,
		"dev_mode", config.DevMode,
		"smtp_host", config.SMTPHost,
		"smtp_port", config.SMTPPort,
		"from_address", config.FromAddress,
		"unsubscribe_links", links != nil,
	)

	return &Sender{
		config: config,
		links:  links,
		dialer: dialer,
	}, nil
}

// Send delivers msg and returns its Message-ID.
func (s *Sender) Send(ctx context.Context, msg drip.Message) (string, error) {
	if !s.config.Enabled {
		if s.config.DevMode {
			slog.Warn("email sender in dev mode, message logged and not delivered",
				"recipient", msg.To,
				"subject", msg.Subject,
			)
			return fmt.Sprintf("<dev-%s@localhost>", uuid.NewString()), nil
		}
		return "", ErrDisabled
	}

	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("send email: %w", err)
	}

	m, messageID, err := s.buildMessage(msg)
	if err != nil {
		return "", err
	}

	if err := s.deliver(ctx, m); err != nil {
		slog.Warn("smtp delivery failed",
			"recipient", msg.To,
			"retryable", IsRetryable(err),
			"error", err,
		)
		return "", fmt.Errorf("send email: %w", err)
	}

	return messageID, nil
}

// deliver runs the SMTP exchange and gives up when ctx is done.
// The exchange itself keeps running until the server answers or drops the connection.
func (s *Sender) deliver(ctx context.Context, m *gomail.Message) error {
	done := make(chan error, 1)
	go func() {
		done <- s.dialer.DialAndSend(m)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// buildMessage constructs the MIME message with headers, footer and attachments.
func (s *Sender) buildMessage(msg drip.Message) (*gomail.Message, string, error) {
	if msg.To == "" {
		return nil, "", errors.New("build message: recipient is required")
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), domainOf(s.config.FromAddress))

	m := gomail.NewMessage()
	m.SetAddressHeader("From", extractEmail(s.config.FromAddress), s.config.FromName)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", messageID)

	body := msg.HTML
	if s.links != nil {
		link, err := s.links.URL(msg.To)
		if err != nil {
			return nil, "", fmt.Errorf("build unsubscribe link: %w", err)
		}
		m.SetHeader("List-Unsubscribe", "<"+link+">")
		m.SetHeader("List-Unsubscribe-Post", "List-Unsubscribe=One-Click")
		body = appendFooter(body, link)
	}
	m.SetBody("text/html", body)

	for _, a := range msg.Attachments {
		content := a.Content
		settings := []gomail.FileSetting{
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(content)
				return err
			}),
		}
		if a.ContentType != "" {
			settings = append(settings, gomail.SetHeader(map[string][]string{
				"Content-Type": {a.ContentType},
			}))
		}
		m.Attach(a.Filename, settings...)
	}

	return m, messageID, nil
}

// appendFooter adds the unsubscribe footer inside <body> when present.
func appendFooter(body, link string) string {
	footer := fmt.Sprintf(
		`<p style="color: #a0aec0; font-size: 12px; margin-top: 32px;">Don't want these emails? <a href="%s" style="color: #a0aec0;">Unsubscribe</a>.</p>`,
		html.EscapeString(link),
	)

	if idx := strings.LastIndex(strings.ToLower(body), "</body>"); idx != -1 {
		return body[:idx] + footer + body[idx:]
	}
	return body + "\n" + footer
}

// extractEmail extracts the email address from formats like "Name <email@example.com>".
func extractEmail(address string) string {
	if idx := strings.Index(address, "<"); idx != -1 {
		end := strings.Index(address, ">")
		if end > idx {
			return address[idx+1 : end]
		}
	}
	return address
}

func domainOf(address string) string {
	addr := extractEmail(address)
	if at := strings.LastIndex(addr, "@"); at != -1 && at < len(addr)-1 {
		return addr[at+1:]
	}
	return "localhost"
}

// IsRetryable determines if an error is a temporary delivery failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	errStr := err.Error()

	// SMTP 4xx codes are temporary failures
	for _, code := range []string{"421", "450", "451", "452"} {
		if strings.Contains(errStr, code) {
			return true
		}
	}

	return false
}
