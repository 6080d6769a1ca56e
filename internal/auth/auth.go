// Package auth tracks whether the backend holds a usable OpenAI credential
// for the session.
package auth

import (
	"context"
	"strings"
	"sync"

	"github.com/KaramelBytes/dida-cli/internal/api"
	"github.com/KaramelBytes/dida-cli/internal/logger"
)

// Status is the credential state shown to the user.
type Status string

const (
	None               Status = "none"
	SessionKeyActive   Status = "session-key-active"
	SystemKeyAvailable Status = "system-key-available"
)

// Backend is the slice of the api client AuthState needs.
type Backend interface {
	SetKey(ctx context.Context, key string) (*api.SetKeyResponse, error)
	RemoveKey(ctx context.Context) error
	KeyStatus(ctx context.Context) (*api.KeyStatusResponse, error)
}

// Result is the outcome of a validate/set call. Message is always user-facing.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Model   string `json:"model,omitempty"`
}

// Snapshot is the persisted view of the credential flags.
type Snapshot struct {
	HasSessionKey bool   `json:"has_session_key"`
	HasSystemKey  bool   `json:"has_system_key"`
	LastError     string `json:"last_error,omitempty"`
}

const keyPrefix = "sk-"

// State owns the credential status. It never touches dataset or operation
// state and never returns errors; failures are reported as messages.
type State struct {
	backend Backend
	log     logger.Logger

	mu         sync.Mutex
	sessionKey bool
	systemKey  bool
	lastError  string
	validating bool
	// removals counts RemoveKey calls; a validation that overlaps one is void.
	removals uint64
}

func New(backend Backend, log logger.Logger) *State {
	if log == nil {
		log = logger.Nop()
	}
	return &State{backend: backend, log: log}
}

// Status resolves the flags; a session key wins over a system key.
func (s *State) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status()
}

func (s *State) status() Status {
	switch {
	case s.sessionKey:
		return SessionKeyActive
	case s.systemKey:
		return SystemKeyAvailable
	default:
		return None
	}
}

// LastError is the most recent validation/removal failure, if any.
func (s *State) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// ValidateAndSetKey sends the key for validation. Only one validation may be
// in flight; a concurrent call is rejected without a request.
func (s *State) ValidateAndSetKey(ctx context.Context, rawKey string) Result {
	key := strings.TrimSpace(rawKey)

	s.mu.Lock()
	if s.validating {
		s.mu.Unlock()
		return Result{Message: "a key validation is already in progress"}
	}
	if key == "" {
		s.lastError = "API key is empty"
		s.mu.Unlock()
		return Result{Message: "API key is empty"}
	}
	if !strings.HasPrefix(key, keyPrefix) {
		s.lastError = "Invalid OpenAI API key format"
		s.mu.Unlock()
		return Result{Message: "Invalid OpenAI API key format"}
	}
	s.validating = true
	removals := s.removals
	s.mu.Unlock()

	resp, err := s.backend.SetKey(ctx, key)

	s.mu.Lock()
	if s.removals != removals {
		s.mu.Unlock()
		if err == nil && resp.Valid {
			// The backend stored the key after the removal; drop it again.
			if rmErr := s.backend.RemoveKey(ctx); rmErr != nil {
				s.log.Warn("auth", "late key removal failed", map[string]any{"error": rmErr.Error()})
			}
		}
		s.mu.Lock()
		s.validating = false
		s.mu.Unlock()
		s.log.Info("auth", "validation superseded by key removal", nil)
		return Result{Message: "key was removed while validation was in progress"}
	}
	defer s.mu.Unlock()
	s.validating = false
	if err != nil {
		s.lastError = api.Message(err)
		s.log.Warn("auth", "key validation request failed", map[string]any{"error": err.Error()})
		return Result{Message: s.lastError}
	}
	if !resp.Valid {
		msg := resp.Message
		if msg == "" {
			msg = "API key rejected"
		}
		s.lastError = msg
		s.log.Info("auth", "key rejected", nil)
		return Result{Message: msg}
	}
	s.sessionKey = true
	s.lastError = ""
	s.log.Info("auth", "session key active", map[string]any{"model": resp.Model})
	return Result{Success: true, Message: resp.Message, Model: resp.Model}
}

// RemoveKey asks the backend to drop the session key. The local flag is
// cleared whatever the outcome, and a validation still in flight cannot set
// it again.
func (s *State) RemoveKey(ctx context.Context) {
	s.mu.Lock()
	s.removals++
	s.sessionKey = false
	s.mu.Unlock()

	err := s.backend.RemoveKey(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionKey = false
	if err != nil {
		s.lastError = api.Message(err)
		s.log.Warn("auth", "key removal request failed; cleared locally", map[string]any{"error": err.Error()})
		return
	}
	s.lastError = ""
}

// RefreshStatus overwrites both flags from the backend. On failure the flags
// are kept and the message is recorded.
func (s *State) RefreshStatus(ctx context.Context) {
	resp, err := s.backend.KeyStatus(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.lastError = api.Message(err)
		return
	}
	s.sessionKey = resp.HasSessionKey
	s.systemKey = resp.HasSystemKey
}

// Snapshot returns the persisted view.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{HasSessionKey: s.sessionKey, HasSystemKey: s.systemKey, LastError: s.lastError}
}

// Restore loads a persisted view.
func (s *State) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionKey = snap.HasSessionKey
	s.systemKey = snap.HasSystemKey
	s.lastError = snap.LastError
}
