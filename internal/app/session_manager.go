package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/internal/utterance"
	"github.com/MrWong99/parley/pkg/audio"
)

// Default web session limits.
const (
	defaultMaxSessions = 16
	defaultIdleTimeout = 30 * time.Minute
)

// ErrTooManySessions is returned by [SessionManager.Create] when the session
// limit is reached.
var ErrTooManySessions = errors.New("app: too many active sessions")

// ErrSessionNotFound is returned when a session ID is unknown or expired.
var ErrSessionNotFound = errors.New("app: session not found")

// SessionInfo holds metadata about a web conversation.
type SessionInfo struct {
	// ID is the unique identifier handed to the browser.
	ID string `json:"id"`

	// StartedAt is when the session was created.
	StartedAt time.Time `json:"started_at"`

	// LastActive is when the session last ran a turn.
	LastActive time.Time `json:"last_active"`

	// Turns is the number of turns run, greetings excluded.
	Turns int `json:"turns"`

	// Messages is the current conversation length, system prompt included.
	Messages int `json:"messages"`
}

// WebSession is one browser conversation. Turns on a session are serialised.
type WebSession struct {
	id   string
	ctrl *turn.Controller

	// turnMu is held for the duration of a turn.
	turnMu sync.Mutex

	mu         sync.Mutex
	startedAt  time.Time
	lastActive time.Time
	turns      int
	onClose    []func()
}

// ID returns the session ID.
func (s *WebSession) ID() string { return s.id }

// Controller returns the session's turn controller.
func (s *WebSession) Controller() *turn.Controller { return s.ctrl }

// Greet speaks the opening message.
func (s *WebSession) Greet(ctx context.Context) (turn.Result, error) {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	s.touch(false)
	return s.ctrl.Greet(observe.WithSession(ctx, s.id))
}

// Run runs one turn for utt. Together with Greet it lets a session drive a
// [session.Loop] directly.
func (s *WebSession) Run(ctx context.Context, utt utterance.Utterance) (turn.Result, error) {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	s.touch(false)
	res, err := s.ctrl.Run(observe.WithSession(ctx, s.id), utt)
	if err == nil && (res.Outcome == turn.Completed || res.Outcome == turn.ConversationEnding) {
		s.touch(true)
	}
	return res, err
}

// Reset clears the conversation history.
func (s *WebSession) Reset() {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	s.ctrl.Reset()
	s.touch(false)
}

// OnClose registers fn to run when the session is closed.
func (s *WebSession) OnClose(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = append(s.onClose, fn)
}

// Info returns a snapshot of the session metadata.
func (s *WebSession) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:         s.id,
		StartedAt:  s.startedAt,
		LastActive: s.lastActive,
		Turns:      s.turns,
		Messages:   s.ctrl.History().Len(),
	}
}

func (s *WebSession) touch(countTurn bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()
	if countTurn {
		s.turns++
	}
}

func (s *WebSession) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// SessionManagerOption configures a [SessionManager].
type SessionManagerOption func(*SessionManager)

// WithMaxSessions caps the number of concurrent sessions.
func WithMaxSessions(n int) SessionManagerOption {
	return func(sm *SessionManager) {
		if n > 0 {
			sm.maxSessions = n
		}
	}
}

// WithIdleTimeout sets how long a session may sit unused before it is reaped.
func WithIdleTimeout(d time.Duration) SessionManagerOption {
	return func(sm *SessionManager) {
		if d > 0 {
			sm.idleTimeout = d
		}
	}
}

// SessionManager owns the web conversations. Each session has its own
// controller and history; providers are shared through the [App].
// All exported methods are safe for concurrent use.
type SessionManager struct {
	app         *App
	maxSessions int
	idleTimeout time.Duration
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*WebSession
}

// NewSessionManager creates a SessionManager that builds sessions from a.
func NewSessionManager(a *App, opts ...SessionManagerOption) *SessionManager {
	sm := &SessionManager{
		app:         a,
		maxSessions: defaultMaxSessions,
		idleTimeout: defaultIdleTimeout,
		now:         time.Now,
		sessions:    make(map[string]*WebSession),
	}
	for _, o := range opts {
		o(sm)
	}
	return sm
}

// Create starts a new session whose replies are played through player. A nil
// player discards audio; the reply is still returned in each turn result.
// onStage, which may be nil, is told when each turn moves to its next stage.
func (sm *SessionManager) Create(ctx context.Context, player audio.Player, onStage func(turn.Stage, string)) (*WebSession, error) {
	if player == nil {
		player = audio.Discard
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if len(sm.sessions) >= sm.maxSessions {
		return nil, fmt.Errorf("%w (limit %d)", ErrTooManySessions, sm.maxSessions)
	}

	ctrl, err := sm.app.NewController(player, onStage)
	if err != nil {
		return nil, err
	}
	now := sm.now()
	s := &WebSession{
		id:         uuid.NewString(),
		ctrl:       ctrl,
		startedAt:  now,
		lastActive: now,
	}
	sm.sessions[s.id] = s
	sm.app.Metrics().AddSessions(ctx, 1)

	slog.Info("web session started", "session_id", s.id, "active", len(sm.sessions))
	return s, nil
}

// Get returns the session with id.
func (sm *SessionManager) Get(id string) (*WebSession, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	return s, nil
}

// Close ends the session with id. Closing an unknown session returns
// ErrSessionNotFound.
func (sm *SessionManager) Close(id string) error {
	sm.mu.Lock()
	s, ok := sm.sessions[id]
	if ok {
		delete(sm.sessions, id)
	}
	remaining := len(sm.sessions)
	sm.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	sm.release(s)
	slog.Info("web session closed", "session_id", id, "turns", s.Info().Turns, "active", remaining)
	return nil
}

// List returns the metadata of every session, oldest first.
func (sm *SessionManager) List() []SessionInfo {
	sm.mu.Lock()
	sessions := slices.Collect(maps.Values(sm.sessions))
	sm.mu.Unlock()

	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	slices.SortFunc(out, func(a, b SessionInfo) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}

// Len returns the number of active sessions.
func (sm *SessionManager) Len() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// Reap closes every session idle for longer than the idle timeout and returns
// how many were closed.
func (sm *SessionManager) Reap() int {
	cutoff := sm.now().Add(-sm.idleTimeout)

	sm.mu.Lock()
	var expired []*WebSession
	for id, s := range sm.sessions {
		if s.idleSince().Before(cutoff) {
			expired = append(expired, s)
			delete(sm.sessions, id)
		}
	}
	sm.mu.Unlock()

	for _, s := range expired {
		sm.release(s)
		slog.Info("web session expired", "session_id", s.id)
	}
	return len(expired)
}

// RunReaper calls Reap every interval until ctx is done.
func (sm *SessionManager) RunReaper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			sm.Reap()
		}
	}
}

// CloseAll ends every session.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	sessions := sm.sessions
	sm.sessions = make(map[string]*WebSession)
	sm.mu.Unlock()

	for _, s := range sessions {
		sm.release(s)
	}
}

func (sm *SessionManager) release(s *WebSession) {
	sm.app.Release(s.ctrl)
	sm.app.Metrics().AddSessions(context.Background(), -1)

	s.mu.Lock()
	hooks := s.onClose
	s.onClose = nil
	s.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}
