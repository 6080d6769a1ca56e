// Package chat keeps the question/answer transcript about the current dataset.
package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/KaramelBytes/dida-cli/internal/api"
	"github.com/KaramelBytes/dida-cli/internal/logger"
	"github.com/KaramelBytes/dida-cli/internal/operation"
	"github.com/KaramelBytes/dida-cli/internal/utils"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one transcript entry.
type Turn struct {
	Role          string         `json:"role"`
	Content       string         `json:"content"`
	Timestamp     time.Time      `json:"timestamp"`
	Visualization map[string]any `json:"visualization,omitempty"`
	DataResult    []api.Row      `json:"data_result,omitempty"`
	CodeExecuted  string         `json:"code_executed,omitempty"`
}

// Backend is the slice of the api client used for chat.
type Backend interface {
	Chat(ctx context.Context, message string, history []api.ChatMessage) (*api.ChatResponse, error)
}

// ErrBusy is returned while another send is in flight.
var ErrBusy = errors.New("a chat message is already being sent")

// Options bounds the history sent upstream and the result rows kept.
type Options struct {
	HistoryTurns  int
	HistoryTokens int
	ResultRows    int
}

// Session owns the transcript. Entries are only ever appended in user/assistant
// pairs, so a failed send leaves no trace besides the error and the draft.
type Session struct {
	backend Backend
	log     logger.Logger
	opts    Options
	now     func() time.Time

	mu      sync.Mutex
	turns   []Turn
	gen     uint64
	sending bool
	err     string
	draft   string
}

func New(backend Backend, opts Options, log logger.Logger) *Session {
	if log == nil {
		log = logger.Nop()
	}
	if opts.HistoryTurns <= 0 {
		opts.HistoryTurns = 20
	}
	if opts.HistoryTokens <= 0 {
		opts.HistoryTokens = 6000
	}
	if opts.ResultRows <= 0 {
		opts.ResultRows = 10
	}
	return &Session{backend: backend, log: log, opts: opts, now: time.Now}
}

// Send asks one question. Blank text and calls made while a send is pending
// return (nil, nil) and (nil, ErrBusy) respectively without a request. On
// success the user turn and the assistant turn are appended together and the
// assistant turn is returned.
func (s *Session) Send(ctx context.Context, text string) (*Turn, error) {
	msg := strings.TrimSpace(text)
	if msg == "" {
		return nil, nil
	}

	s.mu.Lock()
	if s.sending {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	s.sending = true
	s.draft = ""
	s.err = ""
	gen := s.gen
	history := s.historyLocked()
	s.mu.Unlock()

	sentAt := s.now()
	resp, err := s.backend.Chat(ctx, msg, history)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sending = false
	if s.gen != gen {
		s.log.Info("chat", "discarded answer for a cleared transcript", nil)
		return nil, operation.ErrDiscarded
	}
	if err != nil {
		s.err = api.Message(err)
		s.draft = text
		s.log.Warn("chat", "send failed", map[string]any{"error": err.Error()})
		return nil, err
	}

	rows := resp.DataResult
	if len(rows) > s.opts.ResultRows {
		rows = rows[:s.opts.ResultRows]
	}
	answeredAt := s.now()
	if answeredAt.Before(sentAt) {
		answeredAt = sentAt
	}
	user := Turn{Role: RoleUser, Content: msg, Timestamp: sentAt}
	assistant := Turn{
		Role:          RoleAssistant,
		Content:       resp.Response,
		Timestamp:     answeredAt,
		Visualization: resp.Visualization,
		DataResult:    rows,
		CodeExecuted:  resp.CodeExecuted,
	}
	s.turns = append(s.turns, user, assistant)
	s.log.Info("chat", "answered", map[string]any{"turns": len(s.turns)})
	return &assistant, nil
}

// historyLocked returns the most recent turns, newest last, within both the
// turn and token bounds.
func (s *Session) historyLocked() []api.ChatMessage {
	start := len(s.turns) - s.opts.HistoryTurns
	if start < 0 {
		start = 0
	}
	window := s.turns[start:]

	budget := s.opts.HistoryTokens
	first := len(window)
	for i := len(window) - 1; i >= 0; i-- {
		cost := utils.CountTokens(window[i].Content)
		if cost > budget {
			break
		}
		budget -= cost
		first = i
	}

	out := make([]api.ChatMessage, 0, len(window)-first)
	for _, t := range window[first:] {
		out = append(out, api.ChatMessage{
			Role:          t.Role,
			Content:       t.Content,
			Timestamp:     t.Timestamp.UTC().Format(time.RFC3339),
			Visualization: t.Visualization,
		})
	}
	return out
}

// History returns what the next Send would forward.
func (s *Session) History() []api.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyLocked()
}

// Transcript returns a copy of all turns.
func (s *Session) Transcript() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Turn(nil), s.turns...)
}

// Err is the message of the last failed send, cleared by the next attempt.
func (s *Session) Err() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Draft is the text of the last failed send, for re-population.
func (s *Session) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

func (s *Session) Sending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sending
}

// Clear empties the transcript and forgets any error or draft. A send still
// in flight settles with operation.ErrDiscarded and appends nothing.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.turns = nil
	s.err = ""
	s.draft = ""
}

// Snapshot is the persisted form of a session.
type Snapshot struct {
	Turns []Turn `json:"turns,omitempty"`
	Err   string `json:"error,omitempty"`
	Draft string `json:"draft,omitempty"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Turns: append([]Turn(nil), s.turns...), Err: s.err, Draft: s.draft}
}

// Restore loads a snapshot. An odd trailing entry cannot be a complete pair
// and is dropped.
func (s *Session) Restore(snap Snapshot) {
	turns := snap.Turns
	if len(turns)%2 == 1 {
		turns = turns[:len(turns)-1]
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.turns = append([]Turn(nil), turns...)
	s.err = snap.Err
	s.draft = snap.Draft
}
