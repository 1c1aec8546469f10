package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

type ChatMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

var ErrEmptyReply = errors.New("model returned an empty reply")

// GenerateReply answers prompt without streaming, for callers whose live
// session failed.
func (c *Client) GenerateReply(ctx context.Context, systemInstruction, prompt string, history []ChatMessage) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", errors.New("prompt is required")
	}
	var cfg *genai.GenerateContentConfig
	if strings.TrimSpace(systemInstruction) != "" {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(systemInstruction, genai.RoleUser),
		}
	}
	resp, err := c.genai.Models.GenerateContent(ctx, c.cfg.ChatModel, chatContents(history, prompt), cfg)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	reply := strings.TrimSpace(resp.Text())
	if reply == "" {
		return "", ErrEmptyReply
	}
	return reply, nil
}

func chatContents(history []ChatMessage, prompt string) []*genai.Content {
	out := make([]*genai.Content, 0, len(history)+1)
	for _, m := range history {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}
		role := genai.Role(genai.RoleUser)
		switch strings.ToLower(m.Role) {
		case "assistant", "model":
			role = genai.RoleModel
		}
		out = append(out, genai.NewContentFromText(text, role))
	}
	return append(out, genai.NewContentFromText(prompt, genai.RoleUser))
}
