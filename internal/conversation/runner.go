// Package conversation drives one live voice session from a terminal: it
// reads commands, prints the assistant, logs turns to the bridge, raises
// risk alerts and falls back to request/response chat when the live path
// fails.
package conversation

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/mamavoice/internal/apiclient"
	"github.com/ent0n29/mamavoice/internal/audio"
	"github.com/ent0n29/mamavoice/internal/live"
	"github.com/ent0n29/mamavoice/internal/risk"
	"github.com/sethvargo/go-retry"
)

const (
	jobQueueSize   = 64
	jobTimeout     = 10 * time.Second
	maxChatHistory = 20

	deliveryRetries = 2
	deliveryBase    = 250 * time.Millisecond
	deliveryCap     = 2 * time.Second
)

// Backend is the part of the bridge REST surface the runner uses.
type Backend interface {
	PriorContext(ctx context.Context, userID string) (string, error)
	SaveMessage(ctx context.Context, userID string, msg apiclient.Message) error
	PostAlert(ctx context.Context, req apiclient.AlertRequest) (bool, error)
	Chat(ctx context.Context, req apiclient.ChatRequest) (apiclient.ChatReply, error)
}

// SessionFactory builds a fresh live session wired to hooks.
type SessionFactory func(cfg live.SessionConfig, hooks live.Hooks) *live.Session

// FrameWriter receives every captured microphone frame.
type FrameWriter interface {
	Write(f audio.Frame) error
}

type Option func(*Runner)

func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithRecorder tees captured audio, e.g. into an audio.WAVRecorder.
func WithRecorder(w FrameWriter) Option { return func(r *Runner) { r.recorder = w } }

// WithSessionID supplies the bridge session id once the transport knows it.
func WithSessionID(fn func() string) Option { return func(r *Runner) { r.sessionID = fn } }

type Runner struct {
	cfg        live.SessionConfig
	backend    Backend
	newSession SessionFactory
	out        io.Writer
	logger     *slog.Logger
	recorder   FrameWriter
	sessionID  func() string

	printMu sync.Mutex

	mu       sync.Mutex
	sess     *live.Session
	fallback bool
	typed    []string
	history  []apiclient.ChatTurn

	jobsMu     sync.Mutex
	jobs       chan func(context.Context)
	jobsClosed bool
	jobsWG     sync.WaitGroup
}

func New(cfg live.SessionConfig, backend Backend, newSession SessionFactory, out io.Writer, opts ...Option) *Runner {
	r := &Runner{
		cfg:        cfg,
		backend:    backend,
		newSession: newSession,
		out:        out,
		logger:     slog.Default(),
		sessionID:  func() string { return "" },
		jobs:       make(chan func(context.Context), jobQueueSize),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run connects and serves commands from in until /quit, EOF or ctx ends.
func (r *Runner) Run(ctx context.Context, in io.Reader) error {
	r.jobsWG.Add(1)
	go r.drainJobs()
	defer r.stopJobs()

	cfg := r.cfg
	if prior, err := r.backend.PriorContext(ctx, cfg.UserID); err != nil {
		r.logger.Warn("prior_context_failed", "user_id", cfg.UserID, "error", err)
	} else {
		cfg.PriorContextSummary = prior
	}

	sess := r.newSession(cfg, r.hooks())
	r.mu.Lock()
	r.sess = sess
	r.mu.Unlock()
	defer sess.Disconnect()

	if err := sess.Connect(ctx); err != nil {
		r.useFallback(err)
	} else {
		r.println("Connected. Type a message, /mic to talk, /stop to end your turn, /quit to leave.")
	}

	lines := scanLines(in)
	ended := sess.Done()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ended:
			ended = nil
			if sess.Err() == nil {
				r.useFallback(errors.New("live session closed"))
			}
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := r.handleLine(ctx, line); quit {
				return nil
			}
		}
	}
}

func scanLines(in io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			out <- sc.Text()
		}
	}()
	return out
}

func (r *Runner) handleLine(ctx context.Context, line string) (quit bool) {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return false
	case "/quit", "/exit":
		return true
	case "/mic":
		sess, fallback := r.current()
		if fallback {
			r.println("The microphone needs a live session; keep typing instead.")
			return false
		}
		if err := sess.StartMicrophone(ctx); err != nil {
			r.printf("Could not start the microphone: %v\n", err)
			return false
		}
		r.println("Listening. Type /stop when you have finished speaking.")
	case "/stop":
		if sess, fallback := r.current(); !fallback {
			if err := sess.StopMicrophone(); err != nil {
				r.logger.Warn("microphone_stop_failed", "error", err)
			}
		}
	default:
		if strings.HasPrefix(line, "/") {
			r.println("Commands: /mic, /stop, /quit. Anything else is sent as a message.")
			return false
		}
		r.sendText(ctx, line)
	}
	return false
}

func (r *Runner) sendText(ctx context.Context, text string) {
	sess, fallback := r.current()
	if !fallback {
		r.mu.Lock()
		r.typed = append(r.typed, text)
		r.mu.Unlock()
		err := sess.SendText(text)
		if err == nil {
			return
		}
		r.mu.Lock()
		r.typed = r.typed[:len(r.typed)-1]
		r.mu.Unlock()
		r.useFallback(err)
	}
	r.chat(ctx, text)
}

func (r *Runner) current() (*live.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sess, r.fallback || r.sess == nil
}

// useFallback switches to request/response chat. Only the first call prints.
func (r *Runner) useFallback(err error) {
	r.mu.Lock()
	already := r.fallback
	r.fallback = true
	r.mu.Unlock()
	if already {
		return
	}
	r.logger.Warn("live_session_unavailable", "error", err)
	r.println("Live voice is unavailable right now; we can keep talking by text.")
}

func (r *Runner) chat(ctx context.Context, text string) {
	r.mu.Lock()
	history := append([]apiclient.ChatTurn(nil), r.history...)
	r.mu.Unlock()

	reply, err := r.backend.Chat(ctx, apiclient.ChatRequest{
		UserID:      r.cfg.UserID,
		DisplayName: r.cfg.UserDisplayName,
		Message:     text,
		History:     history,
	})
	if err != nil {
		r.logger.Warn("fallback_chat_failed", "error", err)
		r.println("Sorry, I could not reach the assistant. If you feel unwell, please contact your midwife or clinic.")
		return
	}
	r.printf("Mama: %s\n", reply.Reply)
	r.recordTurn(text, reply.Reply)
	if len(reply.Risk) > 0 {
		r.handleRisk(reply.Risk)
	}
}

func (r *Runner) hooks() live.Hooks {
	return live.Hooks{
		OnStatus: func(st live.Status, err error) {
			r.logger.Info("conversation_status", "status", st.String(), "error", err)
		},
		OnMessage: func(msg live.ChatMessage) {
			if msg.Final && msg.Role == live.RoleAssistant && msg.Text != "" {
				r.printf("Mama: %s\n", msg.Text)
			}
		},
		OnTurnComplete: func(turn live.Turn) {
			user := turn.UserTranscript
			if user != "" {
				r.printf("You said: %s\n", user)
			} else {
				user = r.popTyped()
			}
			r.recordTurn(user, turn.AssistantText)
		},
		OnRisk:        r.handleRisk,
		OnInterrupted: func() { r.println("(interrupted)") },
		OnUserSpeech: func(speaking bool) {
			r.logger.Debug("user_speech", "speaking", speaking)
		},
		OnMicFrame: func(f audio.Frame, _ float64) {
			if r.recorder == nil {
				return
			}
			if err := r.recorder.Write(f); err != nil {
				r.logger.Warn("recorder_write_failed", "error", err)
			}
		},
		OnError: r.useFallback,
	}
}

func (r *Runner) popTyped() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.typed) == 0 {
		return ""
	}
	text := r.typed[0]
	r.typed = r.typed[1:]
	return text
}

// recordTurn keeps the fallback history and logs both sides to the bridge.
func (r *Runner) recordTurn(user, assistant string) {
	r.mu.Lock()
	if user != "" {
		r.history = append(r.history, apiclient.ChatTurn{Role: "user", Text: user})
	}
	if assistant != "" {
		r.history = append(r.history, apiclient.ChatTurn{Role: "assistant", Text: assistant})
	}
	if n := len(r.history); n > maxChatHistory {
		r.history = append([]apiclient.ChatTurn(nil), r.history[n-maxChatHistory:]...)
	}
	r.mu.Unlock()

	sessionID := r.sessionID()
	for _, m := range []apiclient.Message{
		{SessionID: sessionID, Role: "user", Content: user},
		{SessionID: sessionID, Role: "assistant", Content: assistant},
	} {
		if m.Content == "" {
			continue
		}
		r.enqueue(func(ctx context.Context) {
			err := deliver(ctx, func(ctx context.Context) error {
				return r.backend.SaveMessage(ctx, r.cfg.UserID, m)
			})
			if err != nil {
				r.logger.Warn("save_message_failed", "role", m.Role, "error", err)
			}
		})
	}
}

// handleRisk assesses a record locally and reports it once it reaches
// medium. The bridge re-assesses before storing.
func (r *Runner) handleRisk(rec risk.Record) {
	a := risk.Assess(rec)
	r.logger.Info("risk_assessed", "level", a.Level, "score", a.Score, "triggers", a.Triggers)
	if a.Exceeds(risk.LevelHigh) {
		r.println("These symptoms need attention now. Please contact your midwife or go to the nearest clinic.")
	}
	if !a.Exceeds(risk.LevelMedium) {
		return
	}
	req := apiclient.AlertRequest{
		UserID:    r.cfg.UserID,
		SessionID: r.sessionID(),
		Record:    rec,
		Note:      fmt.Sprintf("%s risk (score %d) reported during conversation", a.Level, a.Score),
	}
	r.enqueue(func(ctx context.Context) {
		var stored bool
		err := deliver(ctx, func(ctx context.Context) (err error) {
			stored, err = r.backend.PostAlert(ctx, req)
			return err
		})
		if err != nil {
			r.logger.Warn("risk_alert_failed", "level", a.Level, "error", err)
			return
		}
		r.logger.Info("risk_alert_posted", "level", a.Level, "stored", stored)
	})
}

// deliver retries a bridge call on network failures and retryable statuses.
func deliver(ctx context.Context, call func(context.Context) error) error {
	backoff := retry.WithMaxRetries(deliveryRetries,
		retry.WithCappedDuration(deliveryCap, retry.NewExponential(deliveryBase)))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := call(ctx)
		if err != nil && retryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func retryable(err error) bool {
	var se *apiclient.StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func (r *Runner) enqueue(job func(context.Context)) {
	r.jobsMu.Lock()
	defer r.jobsMu.Unlock()
	if r.jobsClosed {
		return
	}
	select {
	case r.jobs <- job:
	default:
		r.logger.Warn("background_job_dropped", "queue", jobQueueSize)
	}
}

func (r *Runner) drainJobs() {
	defer r.jobsWG.Done()
	for job := range r.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		job(ctx)
		cancel()
	}
}

// stopJobs lets queued bridge calls finish before Run returns.
func (r *Runner) stopJobs() {
	r.jobsMu.Lock()
	if !r.jobsClosed {
		r.jobsClosed = true
		close(r.jobs)
	}
	r.jobsMu.Unlock()
	r.jobsWG.Wait()
}

func (r *Runner) println(s string) {
	r.printMu.Lock()
	defer r.printMu.Unlock()
	fmt.Fprintln(r.out, s)
}

func (r *Runner) printf(format string, args ...any) {
	r.printMu.Lock()
	defer r.printMu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}
