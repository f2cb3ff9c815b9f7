package memory

import (
	"strings"
	"unicode"
)

const (
	minUserTextLen      = 12
	minAssistantTextLen = 20
)

// Reasons reported by IsSubstantive.
const (
	ReasonToolActivity    = "tool_activity"
	ReasonSubstantive     = "substantive"
	ReasonNoUserText      = "no_user_text"
	ReasonTrivialUserText = "trivial_user_text"
	ReasonNoAssistantText = "no_assistant_text"
)

var pleasantries = map[string]struct{}{
	"hi there":             {},
	"hello there":          {},
	"good morning":         {},
	"good afternoon":       {},
	"good evening":         {},
	"good night":           {},
	"thanks a lot":         {},
	"thank you":            {},
	"thank you so much":    {},
	"thank you very much":  {},
	"thanks so much":       {},
	"thanks very much":     {},
	"sounds good":          {},
	"sounds great":         {},
	"ok thanks":            {},
	"okay thanks":          {},
	"ok thank you":         {},
	"okay thank you":       {},
	"have a nice day":      {},
	"have a good day":      {},
	"see you later":        {},
	"talk to you later":    {},
	"how are you":          {},
	"how are you doing":    {},
	"hows it going":        {},
	"nice to meet you":     {},
	"no worries":           {},
	"got it thanks":        {},
	"perfect thanks":       {},
	"great thank you":      {},
	"awesome thanks":       {},
	"cool thanks":          {},
	"appreciate it":        {},
	"much appreciated":     {},
	"that is all":          {},
	"thats all":            {},
	"nothing else":         {},
	"never mind":           {},
	"nevermind":            {},
	"goodbye":              {},
	"good bye":             {},
	"hello hello":          {},
	"thank you thank you":  {},
	"thanks thanks":        {},
	"ok ok":                {},
	"okay okay":            {},
	"yes please":           {},
	"no thanks":            {},
	"no thank you":         {},
	"all good":             {},
	"all good thanks":      {},
	"all good thank you":   {},
	"that works":           {},
	"that works thanks":    {},
	"that works thank you": {},
}

// IsSubstantive is the cheap local gate run before fact extraction and
// summarization. A batch qualifies when it contains a tool invocation, or
// when it has both non-trivial user text and assistant text.
func IsSubstantive(messages []Message) (bool, string) {
	var user, assistant strings.Builder
	for _, msg := range messages {
		switch msg.Role {
		case RoleTool:
			return true, ReasonToolActivity
		case RoleAssistant:
			if len(msg.ToolCalls) > 0 {
				return true, ReasonToolActivity
			}
			assistant.WriteString(strings.TrimSpace(msg.Content))
			assistant.WriteString(" ")
		case RoleUser:
			user.WriteString(strings.TrimSpace(msg.Content))
			user.WriteString(" ")
		}
	}

	userText := strings.TrimSpace(user.String())
	if userText == "" {
		return false, ReasonNoUserText
	}
	if len([]rune(userText)) < minUserTextLen || isPleasantry(userText) {
		return false, ReasonTrivialUserText
	}
	if len([]rune(strings.TrimSpace(assistant.String()))) < minAssistantTextLen {
		return false, ReasonNoAssistantText
	}
	return true, ReasonSubstantive
}

func isPleasantry(text string) bool {
	norm := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			return unicode.ToLower(r)
		case unicode.IsSpace(r):
			return ' '
		default:
			return -1
		}
	}, text)
	norm = strings.Join(strings.Fields(norm), " ")
	_, ok := pleasantries[norm]
	return ok
}
