package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dotsetgreg/dottask/pkg/kv"
	"github.com/dotsetgreg/dottask/pkg/logger"
	"github.com/dotsetgreg/dottask/pkg/memory"
	"github.com/dotsetgreg/dottask/pkg/providers"
	"github.com/dotsetgreg/dottask/pkg/tasks"
)

const (
	keyConversationPrefix = "chat:"

	emptyReply = "I've completed processing but have no response to give."
)

// ErrEmptyMessage is returned by Chat for blank input.
var ErrEmptyMessage = errors.New("agent: message is empty")

func conversationKey(id string) string {
	return keyConversationPrefix + id
}

// Conversation returns the stored message window of a conversation.
func (a *Agent) Conversation(ctx context.Context, conversationID string) ([]memory.Message, error) {
	var window []memory.Message
	if _, err := kv.GetJSON(ctx, a.inst, conversationKey(conversationID), &window); err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	return window, nil
}

// Chat answers one user message. The window is persisted per conversation,
// compacted once it grows past the threshold, and the finished turn is fed to
// memory processing. Slash commands are answered locally.
func (a *Agent) Chat(ctx context.Context, conversationID, content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyMessage
	}
	if reply, ok := a.handleCommand(ctx, content); ok {
		return reply, nil
	}

	a.chatMu.Lock()
	defer a.chatMu.Unlock()

	window, err := a.Conversation(ctx, conversationID)
	if err != nil {
		return "", err
	}
	userMsg := memory.Message{Role: memory.RoleUser, Content: content, Timestamp: a.now().UTC()}
	window = append(window, userMsg)

	pc, err := a.loadPromptContext(ctx)
	if err != nil {
		return "", err
	}
	comp, err := a.deps.LLM.Complete(ctx, providers.Request{
		System:    buildSystemPrompt(pc),
		User:      buildUserPrompt(window),
		Model:     a.opts.Model,
		MaxTokens: a.opts.MaxTokens,
	})
	if err != nil {
		logger.ErrorCF("agent", "Chat completion failed", map[string]any{
			"conversation_id": conversationID,
			"error":           err.Error(),
		})
		return "", fmt.Errorf("chat completion: %w", err)
	}
	reply := strings.TrimSpace(comp.Text)
	if reply == "" {
		reply = emptyReply
	}
	assistantMsg := memory.Message{Role: memory.RoleAssistant, Content: reply, Timestamp: a.now().UTC()}
	window = append(window, assistantMsg)

	// A failed compaction keeps the full window; nothing is lost.
	retained, _, err := a.memory.CompactWindow(ctx, conversationID, window)
	if err != nil {
		retained = window
	}
	if err := kv.PutJSON(ctx, a.inst, conversationKey(conversationID), retained); err != nil {
		return reply, fmt.Errorf("store conversation: %w", err)
	}

	a.memory.ProcessTurn(ctx, conversationID, []memory.Message{userMsg, assistantMsg})
	a.notify(UpdateChat, map[string]any{"conversation_id": conversationID})
	return reply, nil
}

// handleCommand answers slash commands without calling the model.
func (a *Agent) handleCommand(ctx context.Context, content string) (string, bool) {
	if !strings.HasPrefix(content, "/") {
		return "", false
	}
	parts := strings.Fields(content)
	cmd, args := parts[0], parts[1:]

	switch cmd {
	case "/help":
		return "Commands: /tasks, /scan, /accept <id>, /decline <id> [reason], /done <id>, /facts", true

	case "/tasks":
		list, err := a.ListTasks(ctx)
		if err != nil {
			return fmt.Sprintf("Error: %v", err), true
		}
		return formatTaskList(list), true

	case "/scan":
		res, err := a.TriggerScan(ctx)
		if err != nil {
			return fmt.Sprintf("Scan failed: %v", err), true
		}
		if res.Skipped != "" {
			return "Scan skipped: " + res.Skipped, true
		}
		return fmt.Sprintf("Scanned %d emails and %d threads; %d new suggestion(s).",
			res.EmailsScanned, res.ThreadsScanned, res.SuggestionsCreated), true

	case "/accept", "/done":
		if len(args) < 1 {
			return fmt.Sprintf("Usage: %s <task id>", cmd), true
		}
		op, verb := a.AcceptSuggestion, "Accepted"
		if cmd == "/done" {
			op, verb = a.CompleteTask, "Completed"
		}
		t, err := op(ctx, args[0])
		if err != nil {
			return commandError(err), true
		}
		return fmt.Sprintf("%s: %s", verb, t.Title), true

	case "/decline":
		if len(args) < 1 {
			return "Usage: /decline <task id> [reason]", true
		}
		t, err := a.DeclineSuggestion(ctx, args[0], strings.Join(args[1:], " "))
		if err != nil {
			return commandError(err), true
		}
		return "Declined: " + t.Title, true

	case "/facts":
		snap, err := a.Memory(ctx)
		if err != nil {
			return fmt.Sprintf("Error: %v", err), true
		}
		if len(snap.Facts) == 0 {
			return "No remembered facts yet.", true
		}
		var b strings.Builder
		for i, f := range snap.Facts {
			fmt.Fprintf(&b, "%d. %s\n", i, f)
		}
		return strings.TrimSpace(b.String()), true
	}
	return "", false
}

func commandError(err error) string {
	switch {
	case errors.Is(err, tasks.ErrNotFound):
		return "No task with that id."
	case errors.Is(err, tasks.ErrInvalidTransition):
		return "That task can't move to this state."
	default:
		return fmt.Sprintf("Error: %v", err)
	}
}

func formatTaskList(list []tasks.Task) string {
	if len(list) == 0 {
		return "No open tasks."
	}
	var b strings.Builder
	for _, t := range list {
		fmt.Fprintf(&b, "[%s] %s (%s)\n", t.Status, t.Title, t.ID)
	}
	return strings.TrimSpace(b.String())
}
