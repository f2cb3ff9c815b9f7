package tasks

import "strings"

const generalPattern = "general"

// patternRules map keywords to the coarse categories learned on accept and
// decline. The first matching rule wins.
var patternRules = []struct {
	category string
	keywords []string
}{
	{"reply requests", []string{"reply", "respond", "answer", "get back", "follow up", "follow-up", "rsvp"}},
	{"deadlines", []string{"deadline", "due", "submit", "expires", "expiring", "by friday", "by monday", "by tomorrow", "asap"}},
	{"payments", []string{"pay", "invoice", "bill", "payment", "refund", "transfer", "rent", "tax"}},
	{"meetings", []string{"meeting", "meet", "call", "schedule", "appointment", "calendar", "zoom"}},
	{"reviews", []string{"review", "feedback", "approve", "sign off", "proofread"}},
	{"purchases", []string{"buy", "order", "purchase", "renew", "subscription", "return"}},
	{"travel", []string{"flight", "hotel", "trip", "travel", "booking", "itinerary", "check-in"}},
	{"documents", []string{"document", "form", "contract", "sign", "upload", "report", "paperwork"}},
}

// DerivePattern returns the coarse category for a task title and description.
func DerivePattern(title, description string) string {
	text := " " + Normalize(title+" "+description) + " "
	for _, rule := range patternRules {
		for _, kw := range rule.keywords {
			if strings.Contains(text, " "+Normalize(kw)+" ") {
				return rule.category
			}
		}
	}
	return generalPattern
}

// addPattern records p once, dropping the oldest entries beyond max.
func addPattern(list []string, p string, max int) []string {
	for _, existing := range list {
		if existing == p {
			return list
		}
	}
	list = append(list, p)
	if max > 0 && len(list) > max {
		list = list[len(list)-max:]
	}
	return list
}
