// Package apiclient is the runner's view of the bridge REST surface.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ent0n29/mamavoice/internal/reliability"
	"github.com/ent0n29/mamavoice/internal/risk"
)

type Client struct {
	baseURL string
	client  *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// LiveURL is the relay websocket endpoint under the same host.
func (c *Client) LiveURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse bridge url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported bridge url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/live/ws"
	return u.String(), nil
}

// PriorContext returns the summary of the user's earlier conversations.
func (c *Client) PriorContext(ctx context.Context, userID string) (string, error) {
	var out struct {
		Summary string `json:"summary"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(userID)+"/context", nil, &out); err != nil {
		return "", err
	}
	return out.Summary, nil
}

type Message struct {
	SessionID string `json:"session_id,omitempty"`
	Role      string `json:"role"`
	Content   string `json:"content"`
}

func (c *Client) SaveMessage(ctx context.Context, userID string, msg Message) error {
	return c.do(ctx, http.MethodPost, "/v1/users/"+url.PathEscape(userID)+"/messages", msg, nil)
}

type AlertRequest struct {
	UserID    string      `json:"user_id"`
	SessionID string      `json:"session_id,omitempty"`
	Record    risk.Record `json:"record"`
	Note      string      `json:"note,omitempty"`
}

// PostAlert reports a risk record. stored is false when the bridge judged it
// below its alert threshold.
func (c *Client) PostAlert(ctx context.Context, req AlertRequest) (stored bool, err error) {
	var out struct {
		ID     string `json:"id"`
		Stored *bool  `json:"stored"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/alerts", req, &out); err != nil {
		return false, err
	}
	if out.Stored != nil {
		return *out.Stored, nil
	}
	return out.ID != "", nil
}

type ChatTurn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type ChatRequest struct {
	UserID      string     `json:"user_id"`
	DisplayName string     `json:"display_name,omitempty"`
	Message     string     `json:"message"`
	History     []ChatTurn `json:"history,omitempty"`
}

type ChatReply struct {
	Reply string      `json:"reply"`
	Risk  risk.Record `json:"risk,omitempty"`
}

// Chat asks the bridge for a non-streaming reply.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (ChatReply, error) {
	var out ChatReply
	if err := c.do(ctx, http.MethodPost, "/v1/chat", req, &out); err != nil {
		return ChatReply{}, err
	}
	return out, nil
}

// IssueToken fetches an ephemeral provider credential for the direct
// transport.
func (c *Client) IssueToken(ctx context.Context) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/live/token", nil, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Token) == "" {
		return "", fmt.Errorf("bridge returned an empty token")
	}
	return out.Token, nil
}

// StatusError is a non-2xx bridge response.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("bridge http status %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("bridge http status %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether the same request may succeed later.
func (e *StatusError) Temporary() bool { return reliability.IsRetryableHTTPStatus(e.StatusCode) }

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		se := &StatusError{StatusCode: res.StatusCode, Message: strings.TrimSpace(string(raw))}
		var parsed struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(raw, &parsed) == nil && parsed.Error != "" {
			se.Code, se.Message = parsed.Code, parsed.Error
		}
		return se
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
