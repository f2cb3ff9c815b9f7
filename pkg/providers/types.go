package providers

import (
	"context"
	"time"
)

// Request is one system+user completion call. Model and Timeout are optional;
// an empty Model selects the provider default.
type Request struct {
	System    string
	User      string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

type Completion struct {
	Text       string
	TokensUsed int
	Model      string
}

// Completer is the black-box completion service.
type Completer interface {
	Complete(ctx context.Context, req Request) (Completion, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, req Request) (Completion, error)

func (f CompleterFunc) Complete(ctx context.Context, req Request) (Completion, error) {
	return f(ctx, req)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
