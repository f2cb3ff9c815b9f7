// Package llmjson decodes JSON arrays out of free-form model output.
//
// Models often wrap the requested array in prose or code fences. The decoder
// works in two named stages: a strict parse of the bracket-delimited region,
// then a bounded line recovery for plain lists. Anything else decodes to
// nothing and reports ModeFailed so the caller can log it.
package llmjson

import (
	"errors"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// Mode reports which stage produced a result.
type Mode string

const (
	ModeStrict    Mode = "strict"
	ModeRecovered Mode = "recovered"
	ModeFailed    Mode = "failed"
)

// Line recovery bounds. Output outside them is treated as unparseable.
const (
	MaxRecoveredLines   = 10
	MaxRecoveredLineLen = 200
)

var (
	ErrNoArray   = errors.New("llmjson: no array in output")
	ErrMalformed = errors.New("llmjson: malformed array")
)

var listMarker = regexp.MustCompile(`^(?:[-*•+]+|\d+[.)]|\(\d+\))\s*`)

// ExtractArray returns the text between the first '[' and the last ']'.
func ExtractArray(text string) (string, bool) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end < start {
		return "", false
	}
	return text[start : end+1], true
}

// Array strictly parses the bracket-delimited region of text.
func Array(text string) ([]gjson.Result, error) {
	raw, ok := ExtractArray(text)
	if !ok {
		return nil, ErrNoArray
	}
	if !gjson.Valid(raw) {
		return nil, ErrMalformed
	}
	res := gjson.Parse(raw)
	if !res.IsArray() {
		return nil, ErrMalformed
	}
	return res.Array(), nil
}

// Objects returns the object elements of the array in text. Non-object
// elements are skipped.
func Objects(text string) ([]gjson.Result, error) {
	items, err := Array(text)
	if err != nil {
		return nil, err
	}
	out := make([]gjson.Result, 0, len(items))
	for _, it := range items {
		if it.IsObject() {
			out = append(out, it)
		}
	}
	return out, nil
}

// StringList decodes a list of short strings.
//
// Strict stage: the array parses and its string elements are returned.
// Recovery stage: the text is read as one item per line with bullet or number
// markers removed. When any line carries a marker only marked lines count.
// Lead-in lines ending in ':' and refusals such as "No new facts." are
// dropped. The result is accepted only when it has at most MaxRecoveredLines
// lines of at most MaxRecoveredLineLen characters each.
func StringList(text string) ([]string, Mode) {
	if items, err := Array(text); err == nil {
		out := make([]string, 0, len(items))
		for _, it := range items {
			if it.Type != gjson.String {
				continue
			}
			if s := strings.TrimSpace(it.String()); s != "" {
				out = append(out, s)
			}
		}
		return out, ModeStrict
	}

	lines, ok := RecoverLines(text)
	if !ok {
		return nil, ModeFailed
	}
	return lines, ModeRecovered
}

var refusal = regexp.MustCompile(`(?i)^(?:no new\b|no (?:durable |new |additional )?facts?\b|nothing\b|none\b|n/a\b|there (?:are|were) no\b|i (?:could not|couldn't|did not|didn't|can't|cannot)\b)`)

type recoveredLine struct {
	text   string
	marked bool
}

// RecoverLines is the line-based fallback stage of StringList.
func RecoverLines(text string) ([]string, bool) {
	var (
		candidates []recoveredLine
		anyMarked  bool
	)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "```") || line == "[" || line == "]" {
			continue
		}
		marked := listMarker.MatchString(line)
		line = strings.TrimSpace(listMarker.ReplaceAllString(line, ""))
		line = strings.TrimSuffix(line, ",")
		line = strings.Trim(line, `"'`)
		line = strings.TrimSpace(line)
		if line == "" || strings.HasSuffix(line, ":") || refusal.MatchString(line) {
			continue
		}
		anyMarked = anyMarked || marked
		candidates = append(candidates, recoveredLine{text: line, marked: marked})
	}

	out := []string{}
	for _, c := range candidates {
		if anyMarked && !c.marked {
			continue
		}
		if len([]rune(c.text)) > MaxRecoveredLineLen {
			return nil, false
		}
		out = append(out, c.text)
		if len(out) > MaxRecoveredLines {
			return nil, false
		}
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}
