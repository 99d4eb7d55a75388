package drip

import "context"

// Message is a single email to one recipient.
type Message struct {
	To          string
	Subject     string
	HTML        string
	Attachments []Attachment
}

// Attachment is a file delivered with a message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Sender delivers one message and returns the provider message ID.
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}
