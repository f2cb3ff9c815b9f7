// Package providertest provides scripted completion services for tests.
package providertest

import (
	"context"
	"errors"
	"sync"

	"github.com/dotsetgreg/dottask/pkg/providers"
)

// ErrExhausted is returned when a Scripted completer has no replies left.
var ErrExhausted = errors.New("providertest: no scripted replies left")

// Reply is one scripted outcome.
type Reply struct {
	Text   string
	Tokens int
	Err    error
}

// Scripted returns its replies in order and records every request.
// A Responder, when set, takes precedence over the queued replies.
type Scripted struct {
	Responder func(req providers.Request) Reply

	mu       sync.Mutex
	replies  []Reply
	requests []providers.Request
}

func New(replies ...Reply) *Scripted {
	return &Scripted{replies: replies}
}

// Text is shorthand for a successful reply.
func Text(text string, tokens int) Reply {
	return Reply{Text: text, Tokens: tokens}
}

// Fail is shorthand for a failed reply.
func Fail(err error) Reply {
	return Reply{Err: err}
}

func (s *Scripted) Complete(ctx context.Context, req providers.Request) (providers.Completion, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	var r Reply
	switch {
	case s.Responder != nil:
		r = s.Responder(req)
	case len(s.replies) == 0:
		s.mu.Unlock()
		return providers.Completion{}, ErrExhausted
	default:
		r = s.replies[0]
		s.replies = s.replies[1:]
	}
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return providers.Completion{}, err
	}
	if r.Err != nil {
		return providers.Completion{}, r.Err
	}
	return providers.Completion{Text: r.Text, TokensUsed: r.Tokens, Model: req.Model}, nil
}

// Requests returns a copy of the recorded requests.
func (s *Scripted) Requests() []providers.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]providers.Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Calls returns the number of recorded requests.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}
