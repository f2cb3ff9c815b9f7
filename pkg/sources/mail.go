// Package sources holds the read ports the scanner pulls work from: mail
// accounts and locally recorded chat threads.
package sources

import (
	"context"
	"strings"
	"time"
)

// MessageRef identifies a message returned by a mailbox listing.
type MessageRef struct {
	ID       string
	ThreadID string
}

// Message is the metadata view of one mail message. Bodies are never fetched.
type Message struct {
	ID         string            `json:"id"`
	ThreadID   string            `json:"threadId"`
	Account    string            `json:"account"`
	From       string            `json:"from"`
	Subject    string            `json:"subject"`
	Snippet    string            `json:"snippet"`
	Headers    map[string]string `json:"headers,omitempty"`
	ReceivedAt time.Time         `json:"receivedAt"`
}

// Header returns the named header, matched case-insensitively.
func (m Message) Header(name string) string {
	if v, ok := m.Headers[name]; ok {
		return v
	}
	for k, v := range m.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// MailClient is the read-only mail API consumed by the scanner.
type MailClient interface {
	ListMessages(ctx context.Context, query string, max int) ([]MessageRef, error)
	GetMessage(ctx context.Context, id string) (Message, error)
}

// MailAccount pairs an account label with its client.
type MailAccount struct {
	Name   string
	Client MailClient
}

// FilterHeaders are requested with every metadata fetch.
var FilterHeaders = []string{
	"From",
	"Subject",
	"Date",
	"List-Id",
	"List-Unsubscribe",
	"Precedence",
	"Auto-Submitted",
}
