// Package engine – session.go owns the per-conversation chat state. A
// session's turn history and in-flight flag are mutated only through the
// controller that owns it; the registry manages lifecycle and TTL pruning.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SessionState tracks the per-session request lifecycle.
type SessionState int

const (
	StateReady SessionState = iota
	StateSending
	StateStreaming
)

// String returns the state label used in logs.
func (s SessionState) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Session is the in-memory chat state for one conversation. At most one
// dispatch is in flight per session at any time.
type Session struct {
	ConversationID string

	mu           sync.Mutex
	turns        []Turn
	pending      *Turn // in-progress assistant turn, not yet in turns
	state        SessionState
	cancel       context.CancelFunc
	maxHistory   int
	createdAt    time.Time
	lastActiveAt time.Time
}

// newSession creates a session seeded with previously persisted turns.
func newSession(conversationID string, history []Turn, maxHistory int) *Session {
	now := time.Now()
	return &Session{
		ConversationID: conversationID,
		turns:          history,
		state:          StateReady,
		maxHistory:     maxHistory,
		createdAt:      now,
		lastActiveAt:   now,
	}
}

// State returns the current request state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// InFlight reports whether a request is active. Gates new sends.
func (s *Session) InFlight() bool {
	return s.State() != StateReady
}

// Turns returns a snapshot of the finalized history plus the in-progress
// assistant turn, if any.
func (s *Session) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns), len(s.turns)+1)
	copy(out, s.turns)
	if s.pending != nil {
		out = append(out, *s.pending)
	}
	return out
}

// Cancel aborts the in-flight request, if any. The consumer stops promptly
// and fires no further callbacks.
func (s *Session) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// LastActiveAt returns the last activity timestamp.
func (s *Session) LastActiveAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActiveAt
}

// beginSend transitions Ready → Sending, failing when a request is already
// in flight. isRequestInFlight is the sole mutable shared flag, and only the
// owning controller writes it.
func (s *Session) beginSend(cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return ErrAlreadyInFlight
	}
	s.state = StateSending
	s.cancel = cancel
	s.lastActiveAt = time.Now()
	return nil
}

// appendTurn appends a fully constructed turn and trims history.
func (s *Session) appendTurn(t Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, t)
	if s.maxHistory > 0 && len(s.turns) > s.maxHistory {
		s.turns = s.turns[len(s.turns)-s.maxHistory:]
	}
	s.lastActiveAt = time.Now()
}

// setPending installs the placeholder assistant turn.
func (s *Session) setPending(t Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = &t
}

// updatePending replaces the placeholder content with the latest accumulated
// snapshot. Content length is monotonically non-decreasing until the stream
// ends.
func (s *Session) updatePending(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		s.pending.Content = text
	}
	if s.state == StateSending {
		s.state = StateStreaming
	}
}

// finishSend finalizes the send: the pending turn is either appended (done)
// or discarded (never received content and the request failed), and the
// session returns to Ready.
func (s *Session) finishSend(keep bool, truncated bool) (final Turn, kept bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil && keep {
		s.pending.Truncated = truncated
		final = *s.pending
		s.turns = append(s.turns, final)
		if s.maxHistory > 0 && len(s.turns) > s.maxHistory {
			s.turns = s.turns[len(s.turns)-s.maxHistory:]
		}
		kept = true
	}
	s.pending = nil
	s.state = StateReady
	s.cancel = nil
	s.lastActiveAt = time.Now()
	return final, kept
}

// Registry manages active sessions keyed by conversation id, with TTL
// pruning of idle entries. Persisted turns outlive the in-memory session.
type Registry struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	ttl        time.Duration
	maxHistory int
	logger     *slog.Logger
}

// NewRegistry creates a session registry.
func NewRegistry(cfg SessionConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	maxHistory := cfg.MaxHistory
	if maxHistory <= 0 {
		maxHistory = 200
	}
	return &Registry{
		sessions:   make(map[string]*Session),
		ttl:        cfg.TTL(),
		maxHistory: maxHistory,
		logger:     logger.With("component", "sessions"),
	}
}

// GetOrCreate returns the session for a conversation, loading persisted
// history through load on first open.
func (r *Registry) GetOrCreate(conversationID string, load func() ([]Turn, error)) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[conversationID]; ok {
		return s, nil
	}

	var history []Turn
	if load != nil {
		var err error
		history, err = load()
		if err != nil {
			return nil, err
		}
	}

	s := newSession(conversationID, history, r.maxHistory)
	r.sessions[conversationID] = s
	r.logger.Info("session created", "conversation", conversationID, "history", len(history))
	return s, nil
}

// Get returns the session or nil.
func (r *Registry) Get(conversationID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[conversationID]
}

// Close drops the in-memory session for a conversation, cancelling any
// in-flight request. Persisted turns are untouched.
func (r *Registry) Close(conversationID string) {
	r.mu.Lock()
	s, ok := r.sessions[conversationID]
	if ok {
		delete(r.sessions, conversationID)
	}
	r.mu.Unlock()
	if ok {
		s.Cancel()
	}
}

// Prune drops sessions idle longer than the TTL. Never drops a session with
// a request in flight.
func (r *Registry) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.ttl)
	pruned := 0
	for id, s := range r.sessions {
		if s.InFlight() {
			continue
		}
		if s.LastActiveAt().Before(cutoff) {
			delete(r.sessions, id)
			pruned++
		}
	}
	if pruned > 0 {
		r.logger.Info("idle sessions pruned", "pruned", pruned, "remaining", len(r.sessions))
	}
	return pruned
}

// StartPruner runs Prune on a ticker until the context is cancelled.
func (r *Registry) StartPruner(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Prune()
			case <-ctx.Done():
				return
			}
		}
	}()
}
