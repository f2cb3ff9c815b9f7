package classify

import (
	"fmt"
	"strings"
	"time"

	"github.com/dotsetgreg/dottask/pkg/eventlog"
	"github.com/dotsetgreg/dottask/pkg/tasks"
)

const systemPrompt = `You turn a user's incoming messages into to-do suggestions.
Only suggest a task when a message asks the user to do something concrete or contains a commitment with a deadline.
Ignore newsletters, receipts, notifications, marketing and anything already covered by an existing task.

Return ONLY a JSON array. Each element is an object:
{"title": string, "description": string (optional), "scheduledDate": "YYYY-MM-DD" (optional), "sourceIndex": integer}
sourceIndex is the bracketed number of the message the task comes from.
Return [] when nothing needs doing.

Rules:
- Use the literal names, products, places and amounts that appear in the message. Never invent people, companies or details.
- Titles start with a verb and are under 80 characters.
- At most one task per message unless the message clearly asks for separate things.`

type promptInput struct {
	Today    time.Time
	Prefs    tasks.Preferences
	Feedback []eventlog.Event
	Existing []string
	Items    []Item
}

func userPrompt(in promptInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Today is %s.\n", in.Today.Format("Monday 2006-01-02"))

	if len(in.Prefs.AcceptedPatterns) > 0 {
		fmt.Fprintf(&b, "The user usually accepts: %s.\n", strings.Join(in.Prefs.AcceptedPatterns, ", "))
	}
	if len(in.Prefs.DeclinedPatterns) > 0 {
		fmt.Fprintf(&b, "The user usually declines: %s. Avoid suggesting these.\n", strings.Join(in.Prefs.DeclinedPatterns, ", "))
	}
	if in.Prefs.SchedulingPreference != "" {
		fmt.Fprintf(&b, "Scheduling preference: %s.\n", in.Prefs.SchedulingPreference)
	}
	if len(in.Feedback) > 0 {
		b.WriteString("\nRecent feedback:\n")
		for _, e := range in.Feedback {
			fmt.Fprintf(&b, "- %s: %s\n", strings.TrimPrefix(e.Type, "suggestion_"), e.Detail)
		}
	}
	if len(in.Existing) > 0 {
		b.WriteString("\nExisting tasks (do not duplicate):\n")
		for _, t := range in.Existing {
			fmt.Fprintf(&b, "- %s\n", t)
		}
	}

	b.WriteString("\nMessages:\n")
	for i, it := range in.Items {
		fmt.Fprintf(&b, "[%d] From: %s\n    Subject: %s\n    Snippet: %s\n", i, oneLine(it.From), oneLine(it.Subject), oneLine(it.Snippet))
	}
	return b.String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
