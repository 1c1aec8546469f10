package live

import (
	"fmt"
	"strings"
)

type Modality string

const (
	ModalityAudio Modality = "audio"
	ModalityText  Modality = "text"
)

func ParseModality(s string) (Modality, error) {
	switch Modality(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModalityAudio:
		return ModalityAudio, nil
	case ModalityText:
		return ModalityText, nil
	default:
		return "", fmt.Errorf("response modality must be audio or text, got %q", s)
	}
}

type Transcription struct {
	Input  bool
	Output bool
}

// SessionConfig is sent once per connection before any audio or text.
type SessionConfig struct {
	ModelID             string
	VoiceID             string
	ResponseModality    Modality
	UserID              string
	UserDisplayName     string
	PriorContextSummary string
	Transcription       Transcription
	// SystemPrompt overrides DefaultSystemPrompt when set.
	SystemPrompt string
}

// SystemInstruction renders the prompt the provider receives.
func (c SessionConfig) SystemInstruction() string {
	base := c.SystemPrompt
	if strings.TrimSpace(base) == "" {
		base = DefaultSystemPrompt
	}
	return BuildSystemInstruction(base, c.UserDisplayName, c.PriorContextSummary)
}

const DefaultSystemPrompt = `You are Mama, a warm and calm maternal health companion speaking with a pregnant or recently delivered mother.
Keep replies short and conversational. Ask one question at a time about how she is feeling.
Never diagnose. When symptoms sound dangerous, tell her clearly to contact her midwife or go to the nearest clinic now.
Whenever she reports symptoms, append one tag at the very end of your reply in exactly this form:
[RISK_DATA:{"headache":0,"bleeding":0,"blurred_vision":0,"swelling":0,"fever":0,"abdominal_pain":0,"reduced_movement":0,"days":0}]
Severities are integers from 0 (absent) to 3 (severe); days is how long the symptoms have lasted. Never read the tag aloud.`

// BuildSystemInstruction appends the user's name and the prior-session
// summary to a base prompt.
func BuildSystemInstruction(base, displayName, priorContext string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(base))
	if name := strings.TrimSpace(displayName); name != "" {
		b.WriteString("\n\nThe mother's name is ")
		b.WriteString(name)
		b.WriteString(".")
	}
	if prior := strings.TrimSpace(priorContext); prior != "" {
		b.WriteString("\n\nWhat you know from earlier conversations:\n")
		b.WriteString(prior)
	}
	return b.String()
}
