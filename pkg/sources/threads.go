package sources

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dotsetgreg/dottask/pkg/kv"
)

const (
	keyThreads = "threads"

	DefaultMaxThreads        = 100
	DefaultMaxThreadMessages = 50
)

type ThreadMessage struct {
	ID        string    `json:"id,omitempty"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Thread is a locally recorded chat conversation awaiting scanning.
type Thread struct {
	ChannelID string          `json:"channelId"`
	ThreadID  string          `json:"threadId"`
	Messages  []ThreadMessage `json:"messages"`
	Processed bool            `json:"processed"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Key is the tracked-id form of the thread.
func (t Thread) Key() string {
	return t.ChannelID + ":" + t.ThreadID
}

// LastMessageKey identifies the newest message so re-scans only see new content.
func (t Thread) LastMessageKey() string {
	if len(t.Messages) == 0 {
		return t.Key()
	}
	last := t.Messages[len(t.Messages)-1]
	if last.ID != "" {
		return t.Key() + ":" + last.ID
	}
	return fmt.Sprintf("%s:%d", t.Key(), last.Timestamp.UnixMilli())
}

// ThreadStore keeps a bounded set of chat threads in the instance namespace.
type ThreadStore struct {
	inst        *kv.Instance
	maxThreads  int
	maxMessages int
}

func NewThreadStore(inst *kv.Instance, maxThreads, maxMessages int) *ThreadStore {
	if maxThreads <= 0 {
		maxThreads = DefaultMaxThreads
	}
	if maxMessages <= 0 {
		maxMessages = DefaultMaxThreadMessages
	}
	return &ThreadStore{inst: inst, maxThreads: maxThreads, maxMessages: maxMessages}
}

func (s *ThreadStore) load(ctx context.Context) ([]Thread, error) {
	var threads []Thread
	if _, err := kv.GetJSON(ctx, s.inst, keyThreads, &threads); err != nil {
		return nil, fmt.Errorf("load threads: %w", err)
	}
	return threads, nil
}

// Append records msg on the thread and clears its processed flag. The least
// recently updated threads are evicted beyond the store cap.
func (s *ThreadStore) Append(ctx context.Context, channelID, threadID string, msg ThreadMessage) (Thread, error) {
	if strings.TrimSpace(threadID) == "" {
		return Thread{}, fmt.Errorf("append thread message: thread id is required")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	var out Thread
	err := s.inst.Atomically(func() error {
		threads, err := s.load(ctx)
		if err != nil {
			return err
		}
		idx := -1
		for i, t := range threads {
			if t.ChannelID == channelID && t.ThreadID == threadID {
				idx = i
				break
			}
		}
		if idx < 0 {
			threads = append(threads, Thread{ChannelID: channelID, ThreadID: threadID})
			idx = len(threads) - 1
		}
		t := &threads[idx]
		t.Messages = append(t.Messages, msg)
		if n := len(t.Messages) - s.maxMessages; n > 0 {
			t.Messages = t.Messages[n:]
		}
		t.Processed = false
		t.UpdatedAt = msg.Timestamp
		out = *t

		if len(threads) > s.maxThreads {
			sort.SliceStable(threads, func(i, j int) bool {
				return threads[i].UpdatedAt.Before(threads[j].UpdatedAt)
			})
			threads = threads[len(threads)-s.maxThreads:]
		}
		return kv.PutJSON(ctx, s.inst, keyThreads, threads)
	})
	return out, err
}

// All returns every stored thread.
func (s *ThreadStore) All(ctx context.Context) ([]Thread, error) {
	var out []Thread
	err := s.inst.Atomically(func() error {
		threads, err := s.load(ctx)
		out = threads
		return err
	})
	return out, err
}

// Unprocessed returns threads with messages not yet scanned.
func (s *ThreadStore) Unprocessed(ctx context.Context) ([]Thread, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	var out []Thread
	for _, t := range all {
		if !t.Processed && len(t.Messages) > 0 {
			out = append(out, t)
		}
	}
	return out, nil
}

// MarkProcessed flags the given threads as scanned. A thread is only flagged
// when its newest message still matches the key seen during the scan, so
// messages appended mid-scan are picked up next time.
func (s *ThreadStore) MarkProcessed(ctx context.Context, seen map[string]string) error {
	if len(seen) == 0 {
		return nil
	}
	return s.inst.Atomically(func() error {
		threads, err := s.load(ctx)
		if err != nil {
			return err
		}
		changed := false
		for i := range threads {
			last, ok := seen[threads[i].Key()]
			if !ok || threads[i].LastMessageKey() != last {
				continue
			}
			threads[i].Processed = true
			changed = true
		}
		if !changed {
			return nil
		}
		return kv.PutJSON(ctx, s.inst, keyThreads, threads)
	})
}
