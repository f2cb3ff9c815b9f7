package classify

import (
	"strings"

	"github.com/dotsetgreg/dottask/pkg/sources"
)

// Reasons reported by Automated.
const (
	FilterListID          = "list_id"
	FilterListUnsubscribe = "list_unsubscribe"
	FilterPrecedence      = "precedence"
	FilterAutoSubmitted   = "auto_submitted"
	FilterAutomatedSender = "automated_sender"
)

var automatedSenders = []string{
	"no-reply",
	"noreply",
	"donotreply",
	"do-not-reply",
	"mailer-daemon",
	"postmaster@",
	"notifications@",
	"notification@",
	"newsletter@",
	"bounces",
}

// Automated reports whether a message is bulk or machine-generated mail that
// never needs a human task, and why.
func Automated(m sources.Message) (bool, string) {
	if strings.TrimSpace(m.Header("List-Id")) != "" {
		return true, FilterListID
	}
	if strings.TrimSpace(m.Header("List-Unsubscribe")) != "" {
		return true, FilterListUnsubscribe
	}
	switch strings.ToLower(strings.TrimSpace(m.Header("Precedence"))) {
	case "bulk", "list", "junk":
		return true, FilterPrecedence
	}
	if v := strings.ToLower(strings.TrimSpace(m.Header("Auto-Submitted"))); v != "" && v != "no" {
		return true, FilterAutoSubmitted
	}
	from := strings.ToLower(m.From)
	for _, p := range automatedSenders {
		if strings.Contains(from, p) {
			return true, FilterAutomatedSender
		}
	}
	return false, ""
}
