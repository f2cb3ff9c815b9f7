package memory

import (
	"fmt"
	"strings"
)

const compactionSystemPrompt = `You maintain the long-term running summary of a conversation between a user and their personal assistant.
Merge the previous summary with the new conversation window into one updated summary of at most 250 words.
Preserve every named person, organization, product, date, deadline, amount of money and any external message or thread identifier exactly as written.
Drop greetings and small talk. Write plain prose without headings.`

const extractionSystemPrompt = `You extract durable facts about the user from a conversation: stable preferences, relationships, commitments, routines and personal details that will still be true next week.
Return ONLY a JSON array of short strings, one fact per element, for facts that are NOT already in the known list.
Return [] when there is nothing new. Do not restate known facts. Do not include transient requests.`

const consolidationSystemPrompt = `You clean up a list of remembered facts about a user.
Merge duplicates and near-duplicates into one fact each, keep the most specific wording, and never invent new information.
Return ONLY a JSON array of strings.`

const conversationSummarySystemPrompt = `Summarize this conversation in one sentence of at most 120 characters. Return only the sentence.`

func compactionUserPrompt(existing, transcript string) string {
	var b strings.Builder
	b.WriteString("Previous summary:\n")
	if strings.TrimSpace(existing) == "" {
		b.WriteString("(none)\n")
	} else {
		b.WriteString(strings.TrimSpace(existing))
		b.WriteString("\n")
	}
	b.WriteString("\nNew conversation window:\n")
	b.WriteString(transcript)
	return b.String()
}

func extractionUserPrompt(existing []string, transcript string) string {
	var b strings.Builder
	b.WriteString("Known facts:\n")
	if len(existing) == 0 {
		b.WriteString("(none)\n")
	}
	for _, f := range existing {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	b.WriteString("\nConversation:\n")
	b.WriteString(transcript)
	return b.String()
}

func consolidationUserPrompt(facts []string) string {
	var b strings.Builder
	b.WriteString("Facts:\n")
	for _, f := range facts {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	return b.String()
}
