package memory

import (
	"strings"
)

const defaultSummaryChars = 1200

// Summarize renders recent turns as the prior-context string handed to a new
// live session. Oldest turns are dropped first when the text exceeds
// maxChars.
func Summarize(records []TurnRecord, maxChars int) string {
	if maxChars <= 0 {
		maxChars = defaultSummaryChars
	}
	lines := make([]string, 0, len(records))
	for _, r := range records {
		text := strings.Join(strings.Fields(r.Content), " ")
		if text == "" {
			continue
		}
		speaker := "Mother"
		if r.Role == "assistant" {
			speaker = "Mama"
		}
		lines = append(lines, speaker+": "+text)
	}

	total := 0
	start := len(lines)
	for start > 0 {
		n := len(lines[start-1]) + 1
		if total+n > maxChars {
			break
		}
		total += n
		start--
	}
	return strings.Join(lines[start:], "\n")
}
