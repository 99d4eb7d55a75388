//go:build integration

package email

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/bissquit/lead-drip/internal/drip"
	"github.com/bissquit/lead-drip/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mailpitMessages struct {
	Total    int `json:"total"`
	Messages []struct {
		Subject string `json:"Subject"`
		To      []struct {
			Address string `json:"Address"`
		} `json:"To"`
		Attachments int `json:"Attachments"`
	} `json:"messages"`
}

func TestSender_DeliversToMailpit(t *testing.T) {
	ctx := context.Background()

	mailpit, err := testutil.NewMailpitContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mailpit.Terminate(context.Background()) })

	sender, err := NewSender(Config{
		Enabled:     true,
		SMTPHost:    mailpit.SMTPHost,
		SMTPPort:    mailpit.SMTPPort,
		FromAddress: "hello@example.com",
		FromName:    "Lead Drip",
	}, staticLinks{url: "https://drip.example.com/unsubscribe?token=t"})
	require.NoError(t, err)

	id, err := sender.Send(ctx, drip.Message{
		To:      "ann@example.com",
		Subject: "Ann, your checklist",
		HTML:    "<html><body><p>Hi</p></body></html>",
		Attachments: []drip.Attachment{{
			Filename:    "checklist.pdf",
			ContentType: "application/pdf",
			Content:     []byte("%PDF-1.4"),
		}},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	apiURL := fmt.Sprintf("http://%s:%d/api/v1/messages", mailpit.APIHost, mailpit.APIPort)

	var got mailpitMessages
	require.Eventually(t, func() bool {
		resp, err := http.Get(apiURL)
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			return false
		}
		return got.Total == 1
	}, 10*time.Second, 200*time.Millisecond)

	msg := got.Messages[0]
	assert.Equal(t, "Ann, your checklist", msg.Subject)
	require.Len(t, msg.To, 1)
	assert.Equal(t, "ann@example.com", msg.To[0].Address)
	assert.Equal(t, 1, msg.Attachments)
}
