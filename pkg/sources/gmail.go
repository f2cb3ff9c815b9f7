package sources

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/dotsetgreg/dottask/pkg/config"
)

// GmailClient reads message metadata through the Gmail REST API.
type GmailClient struct {
	svc  *gmail.Service
	user string
}

// NewGmailClient builds a client for user ("me" when empty). Authorization
// is carried by the options, typically option.WithHTTPClient.
func NewGmailClient(ctx context.Context, user string, opts ...option.ClientOption) (*GmailClient, error) {
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	if strings.TrimSpace(user) == "" {
		user = "me"
	}
	return &GmailClient{svc: svc, user: user}, nil
}

// NewGmailClientFromHTTP wraps an already-authorized HTTP client.
func NewGmailClientFromHTTP(ctx context.Context, user string, hc *http.Client) (*GmailClient, error) {
	return NewGmailClient(ctx, user, option.WithHTTPClient(hc))
}

// GmailFromConfig builds the account described by cfg. It returns nil when
// Gmail is disabled.
func GmailFromConfig(ctx context.Context, cfg config.GmailConfig) (*MailAccount, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	path := config.ExpandHome(cfg.CredentialsFile)
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("mail.gmail.credentials_file is required when Gmail is enabled (set DOTTASK_MAIL_GMAIL_CREDENTIALS_FILE)")
	}
	client, err := NewGmailClient(ctx, "me",
		option.WithCredentialsFile(path),
		option.WithScopes(gmail.GmailReadonlyScope),
	)
	if err != nil {
		return nil, err
	}
	name := cfg.Account
	if name == "" {
		name = "gmail"
	}
	return &MailAccount{Name: name, Client: client}, nil
}

func (c *GmailClient) ListMessages(ctx context.Context, query string, max int) ([]MessageRef, error) {
	call := c.svc.Users.Messages.List(c.user).Q(query).Context(ctx)
	if max > 0 {
		call = call.MaxResults(int64(max))
	}
	resp, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("list gmail messages: %w", err)
	}
	refs := make([]MessageRef, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		if m == nil || m.Id == "" {
			continue
		}
		refs = append(refs, MessageRef{ID: m.Id, ThreadID: m.ThreadId})
		if max > 0 && len(refs) == max {
			break
		}
	}
	return refs, nil
}

func (c *GmailClient) GetMessage(ctx context.Context, id string) (Message, error) {
	m, err := c.svc.Users.Messages.Get(c.user, id).
		Format("metadata").
		MetadataHeaders(FilterHeaders...).
		Context(ctx).
		Do()
	if err != nil {
		return Message{}, fmt.Errorf("get gmail message %s: %w", id, err)
	}
	out := Message{
		ID:       m.Id,
		ThreadID: m.ThreadId,
		Snippet:  m.Snippet,
		Headers:  map[string]string{},
	}
	if m.InternalDate > 0 {
		out.ReceivedAt = time.UnixMilli(m.InternalDate).UTC()
	}
	if m.Payload != nil {
		for _, h := range m.Payload.Headers {
			if h == nil {
				continue
			}
			out.Headers[h.Name] = h.Value
		}
	}
	out.From = out.Header("From")
	out.Subject = out.Header("Subject")
	return out, nil
}
