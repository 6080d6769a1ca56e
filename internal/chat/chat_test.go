package chat_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KaramelBytes/dida-cli/internal/api"
	"github.com/KaramelBytes/dida-cli/internal/chat"
	"github.com/KaramelBytes/dida-cli/internal/operation"
)

// stubBackend answers from a function and records each request.
type stubBackend struct {
	mu      sync.Mutex
	calls   int
	history [][]api.ChatMessage
	answer  func(msg string) (*api.ChatResponse, error)
	block   chan struct{}
	entered chan struct{}
}

func (b *stubBackend) Chat(ctx context.Context, message string, history []api.ChatMessage) (*api.ChatResponse, error) {
	b.mu.Lock()
	b.calls++
	b.history = append(b.history, history)
	block, entered := b.block, b.entered
	b.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}
	if b.answer != nil {
		return b.answer(message)
	}
	return &api.ChatResponse{Response: "re: " + message}, nil
}

func TestBlankSendIsNoop(t *testing.T) {
	b := &stubBackend{}
	s := chat.New(b, chat.Options{}, nil)
	turn, err := s.Send(context.Background(), "   \n")
	assert.NoError(t, err)
	assert.Nil(t, turn)
	assert.Equal(t, 0, b.calls)
	assert.Empty(t, s.Transcript())
}

func TestTwoSendsAlternate(t *testing.T) {
	b := &stubBackend{}
	s := chat.New(b, chat.Options{}, nil)
	ctx := context.Background()

	_, err := s.Send(ctx, "how many rows?")
	require.NoError(t, err)
	_, err = s.Send(ctx, "and columns?")
	require.NoError(t, err)

	tr := s.Transcript()
	require.Len(t, tr, 4)
	roles := []string{chat.RoleUser, chat.RoleAssistant, chat.RoleUser, chat.RoleAssistant}
	for i, turn := range tr {
		assert.Equal(t, roles[i], turn.Role)
		if i > 0 {
			assert.False(t, turn.Timestamp.Before(tr[i-1].Timestamp))
		}
	}
	assert.Equal(t, "re: and columns?", tr[3].Content)
	require.Len(t, b.history, 2)
	assert.Empty(t, b.history[0])
	assert.Len(t, b.history[1], 2)
}

func TestFailureLeavesTranscriptAndKeepsDraft(t *testing.T) {
	b := &stubBackend{}
	s := chat.New(b, chat.Options{}, nil)
	_, err := s.Send(context.Background(), "first")
	require.NoError(t, err)

	b.answer = func(string) (*api.ChatResponse, error) { return nil, errors.New("model overloaded") }
	_, err = s.Send(context.Background(), "second question")
	require.Error(t, err)

	assert.Len(t, s.Transcript(), 2)
	assert.Equal(t, "model overloaded", s.Err())
	assert.Equal(t, "second question", s.Draft())

	b.answer = nil
	_, err = s.Send(context.Background(), s.Draft())
	require.NoError(t, err)
	assert.Empty(t, s.Err())
	assert.Empty(t, s.Draft())
	assert.Len(t, s.Transcript(), 4)
}

func TestSendWhileSendingIsRejected(t *testing.T) {
	b := &stubBackend{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	s := chat.New(b, chat.Options{}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), "one")
		done <- err
	}()
	<-b.entered
	assert.True(t, s.Sending())

	_, err := s.Send(context.Background(), "two")
	assert.ErrorIs(t, err, chat.ErrBusy)

	close(b.block)
	require.NoError(t, <-done)
	assert.Equal(t, 1, b.calls)
	assert.Len(t, s.Transcript(), 2)
}

func TestClearDuringSendDiscardsAnswer(t *testing.T) {
	b := &stubBackend{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	s := chat.New(b, chat.Options{}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), "about the old data")
		done <- err
	}()
	<-b.entered
	s.Clear()

	close(b.block)
	assert.ErrorIs(t, <-done, operation.ErrDiscarded)
	assert.Empty(t, s.Transcript())
	assert.Empty(t, s.Draft())
	assert.False(t, s.Sending())

	_, err := s.Send(context.Background(), "about the new data")
	require.NoError(t, err)
	assert.Len(t, s.Transcript(), 2)
}

func TestHistoryWindowRespectsTurnsAndTokens(t *testing.T) {
	b := &stubBackend{}
	s := chat.New(b, chat.Options{HistoryTurns: 4, HistoryTokens: 1000}, nil)
	ctx := context.Background()
	for _, q := range []string{"q1", "q2", "q3"} {
		_, err := s.Send(ctx, q)
		require.NoError(t, err)
	}
	h := s.History()
	require.Len(t, h, 4)
	assert.Equal(t, "q2", h[0].Content)
	assert.Equal(t, "re: q3", h[3].Content)

	long := strings.Repeat("x", 4000) // ~1000 tokens
	s2 := chat.New(b, chat.Options{HistoryTurns: 20, HistoryTokens: 1000}, nil)
	_, err := s2.Send(ctx, long)
	require.NoError(t, err)
	_, err = s2.Send(ctx, "short")
	require.NoError(t, err)
	h = s2.History()
	require.Len(t, h, 2, "the oversized first exchange is dropped")
	assert.Equal(t, "short", h[0].Content)
}

func TestDataResultIsCapped(t *testing.T) {
	rows := make([]api.Row, 15)
	for i := range rows {
		rows[i] = api.NewRow("i", i)
	}
	b := &stubBackend{answer: func(string) (*api.ChatResponse, error) {
		return &api.ChatResponse{Response: "table", DataResult: rows}, nil
	}}
	s := chat.New(b, chat.Options{ResultRows: 10}, nil)
	turn, err := s.Send(context.Background(), "show all")
	require.NoError(t, err)
	assert.Len(t, turn.DataResult, 10)
}

func TestClearAndRestore(t *testing.T) {
	s := chat.New(&stubBackend{}, chat.Options{}, nil)
	now := time.Now()
	s.Restore(chat.Snapshot{Turns: []chat.Turn{
		{Role: chat.RoleUser, Content: "a", Timestamp: now},
		{Role: chat.RoleAssistant, Content: "b", Timestamp: now},
		{Role: chat.RoleUser, Content: "dangling", Timestamp: now},
	}})
	assert.Len(t, s.Transcript(), 2)
	s.Clear()
	assert.Empty(t, s.Transcript())
}
