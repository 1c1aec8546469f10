// Package risk parses the structured symptom tag the assistant embeds in its
// replies and turns it into a coarse assessment used for alerting.
package risk

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
)

const (
	tagOpen  = "[RISK_DATA:"
	tagClose = "]"
)

// DaysKey is the record field holding how many days symptoms have lasted.
const DaysKey = "days"

// Record is the flat symptom map the assistant reports: severities on a 0..3
// scale plus the day count.
type Record map[string]int

type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

type Assessment struct {
	Level    Level    `json:"level"`
	Score    int      `json:"score"`
	Triggers []string `json:"triggers,omitempty"`
}

// Danger signs that warrant attention even in isolation.
var dangerSigns = map[string]struct{}{
	"bleeding":          {},
	"headache":          {},
	"blurred_vision":    {},
	"swelling":          {},
	"fever":             {},
	"abdominal_pain":    {},
	"reduced_movement":  {},
	"convulsions":       {},
	"breathing":         {},
	"fluid_leak":        {},
	"painful_urination": {},
}

// Extract removes the first risk tag from text. clean is the display text.
// ok is true only when a well-formed tag was found, meaning a flat object of
// integer values. A malformed tag is still stripped so it never reaches the
// user.
func Extract(text string) (clean string, rec Record, ok bool) {
	start := strings.Index(text, tagOpen)
	if start < 0 {
		return text, nil, false
	}
	body := text[start+len(tagOpen):]
	end := matchingBrace(body)
	if end < 0 {
		head := strings.TrimSpace(text[:start])
		if idx := strings.Index(body, tagClose); idx >= 0 {
			return strings.TrimSpace(head + " " + strings.TrimSpace(body[idx+1:])), nil, false
		}
		// Unterminated tag: hide everything from the marker on.
		return head, nil, false
	}
	payload := body[:end+1]
	rest := body[end+1:]
	rest = strings.TrimPrefix(strings.TrimLeft(rest, " "), tagClose)
	clean = strings.TrimSpace(strings.TrimSpace(text[:start]) + " " + strings.TrimSpace(rest))

	rec, err := decodeRecord(payload)
	if err != nil {
		return clean, nil, false
	}
	return clean, rec, true
}

// HidePartial trims a trailing, not yet complete risk tag from streamed text.
func HidePartial(text string) string {
	if i := strings.Index(text, tagOpen); i >= 0 {
		return strings.TrimRight(text[:i], " ")
	}
	// A prefix of the marker may be dangling at the end of the stream.
	for n := len(tagOpen) - 1; n > 0; n-- {
		if strings.HasSuffix(text, tagOpen[:n]) {
			return text[:len(text)-n]
		}
	}
	return text
}

func matchingBrace(s string) int {
	s0 := strings.TrimLeft(s, " ")
	offset := len(s) - len(s0)
	if !strings.HasPrefix(s0, "{") {
		return -1
	}
	depth := 0
	inString := false
	escaped := false
	for i, r := range s0 {
		switch {
		case escaped:
			escaped = false
		case r == '\\' && inString:
			escaped = true
		case r == '"':
			inString = !inString
		case inString:
		case r == '{':
			depth++
		case r == '}':
			depth--
			if depth == 0 {
				return offset + i
			}
		}
	}
	return -1
}

// decodeRecord accepts only a flat object of integers. Anything else makes
// the whole tag malformed so the record is forwarded exactly as sent.
func decodeRecord(payload string) (Record, error) {
	var rec Record
	if err := json.Unmarshal([]byte(strings.TrimSpace(payload)), &rec); err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errors.New("risk tag is not an object")
	}
	return rec, nil
}

// Assess scores a record. The result is deterministic for a given record.
func Assess(rec Record) Assessment {
	out := Assessment{Level: LevelLow}
	if len(rec) == 0 {
		return out
	}

	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	severeDanger := false
	for _, k := range keys {
		if k == DaysKey {
			continue
		}
		sev := clampSeverity(rec[k])
		out.Score += sev
		if _, danger := dangerSigns[k]; danger && sev >= 2 {
			out.Triggers = append(out.Triggers, k)
			if sev == 3 {
				severeDanger = true
			}
		}
	}
	if out.Score > 0 && rec[DaysKey] >= 3 {
		out.Score++
	}

	switch {
	case severeDanger || out.Score >= 8:
		out.Level = LevelHigh
	case len(out.Triggers) > 0 || out.Score >= 4:
		out.Level = LevelMedium
	}
	return out
}

// Exceeds reports whether the assessment meets or passes the given level.
func (a Assessment) Exceeds(threshold Level) bool {
	return rank(a.Level) >= rank(threshold)
}

func rank(l Level) int {
	switch l {
	case LevelHigh:
		return 2
	case LevelMedium:
		return 1
	default:
		return 0
	}
}

func clampSeverity(v int) int {
	if v < 0 {
		return 0
	}
	if v > 3 {
		return 3
	}
	return v
}
