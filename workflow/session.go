package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/collabflow/types"
)

// Session attaches a user's live connection to an in-flight workflow
// session. Created on connect, superseded or expired on disconnect or
// idle timeout.
type Session struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	// ConnectionID is the live-connection identifier; empty once the
	// session is inactive.
	ConnectionID string `json:"connection_id,omitempty"`
	IsActive     bool   `json:"is_active"`
	// ContextRef references the workflow SharedContext snapshot the
	// session is attached to (the workflow instance ID).
	ContextRef string `json:"context_ref,omitempty"`

	// State snapshot metadata, bumped on every state update.
	StateVersion   int64     `json:"state_version"`
	LastModifiedBy string    `json:"last_modified_by,omitempty"`
	LastModifiedAt time.Time `json:"last_modified_at"`

	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	Version        int64     `json:"version"`
}

// RecoveryKind reports how a reconnect was satisfied.
type RecoveryKind string

const (
	// RecoveryReattached means the prior session was reused in place.
	RecoveryReattached RecoveryKind = "reattached"
	// RecoveryCarried means a new session carried the prior context forward.
	RecoveryCarried RecoveryKind = "carried"
	// RecoveryFresh means a wholly fresh session with no carried context.
	RecoveryFresh RecoveryKind = "fresh"
)

// SessionConfig carries the recovery policy knobs.
type SessionConfig struct {
	// RecoveryWindow is the grace period in which a dropped connection
	// reattaches to the same session.
	RecoveryWindow time.Duration
	// IdleTimeout is the idle time after which a session is abandoned.
	IdleTimeout time.Duration
}

// DefaultSessionConfig returns the default recovery policy: a 60-second
// recovery window and a 30-minute idle timeout.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		RecoveryWindow: 60 * time.Second,
		IdleTimeout:    30 * time.Minute,
	}
}

// PresenceCache maps live connection IDs to session IDs with a TTL. It is
// optional; a nil cache disables presence tracking.
type PresenceCache interface {
	SetPresence(ctx context.Context, connectionID, sessionID string, ttl time.Duration) error
	DeletePresence(ctx context.Context, connectionID string) error
}

// SessionService reattaches reconnecting users to their in-flight
// workflow sessions within the configured time windows.
type SessionService struct {
	sessions SessionRepository
	presence PresenceCache
	notifier Notifier
	cfg      SessionConfig
	logger   *zap.Logger
	now      func() time.Time
}

// NewSessionService creates the session service. presence, notifier, and
// logger may be nil.
func NewSessionService(sessions SessionRepository, presence PresenceCache, notifier Notifier, cfg SessionConfig, logger *zap.Logger) *SessionService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RecoveryWindow <= 0 {
		cfg.RecoveryWindow = 60 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	return &SessionService{
		sessions: sessions,
		presence: presence,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "session_service")),
		now:      time.Now,
	}
}

// Connect creates a brand-new active session bound to a workflow context.
func (s *SessionService) Connect(ctx context.Context, userID, connectionID, contextRef string) (*Session, error) {
	if userID == "" || connectionID == "" {
		return nil, types.NewError(types.ErrInvalidArgument, "user id and connection id are required")
	}
	sess := s.newSession(userID, connectionID, contextRef)
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, err
	}
	s.setPresence(ctx, sess)
	return sess, nil
}

// Reconnect reattaches a user's new live connection to their in-flight
// session:
//
//   - within the recovery window the existing session is updated in place
//     (same session ID, no new session);
//   - past the window but under the idle timeout a new session is created
//     carrying forward the prior session's context reference, and the old
//     session is deactivated rather than deleted;
//   - at or past the idle timeout the prior session is abandoned and a
//     wholly fresh session without carried context is created.
func (s *SessionService) Reconnect(ctx context.Context, userID, connectionID string) (*Session, RecoveryKind, error) {
	if userID == "" || connectionID == "" {
		return nil, "", types.NewError(types.ErrInvalidArgument, "user id and connection id are required")
	}

	prev, err := s.sessions.LatestActiveByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			sess, cerr := s.Connect(ctx, userID, connectionID, "")
			return sess, RecoveryFresh, cerr
		}
		return nil, "", err
	}

	now := s.now()
	idle := now.Sub(prev.LastActivityAt)

	switch {
	case idle < s.cfg.RecoveryWindow:
		prev.ConnectionID = connectionID
		prev.LastActivityAt = now
		prev.ExpiresAt = now.Add(s.cfg.IdleTimeout)
		if err := s.sessions.Update(ctx, prev); err != nil {
			return nil, "", err
		}
		s.setPresence(ctx, prev)
		s.notifyRecovered(ctx, prev, RecoveryReattached)
		return prev, RecoveryReattached, nil

	case idle < s.cfg.IdleTimeout:
		// Create before deactivating: a failed create must leave the
		// previous session active.
		sess := s.newSession(userID, connectionID, prev.ContextRef)
		if err := s.sessions.Create(ctx, sess); err != nil {
			return nil, "", err
		}
		s.deactivate(ctx, prev)
		s.setPresence(ctx, sess)
		s.notifyRecovered(ctx, sess, RecoveryCarried)
		return sess, RecoveryCarried, nil

	default:
		sess := s.newSession(userID, connectionID, "")
		if err := s.sessions.Create(ctx, sess); err != nil {
			return nil, "", err
		}
		s.deactivate(ctx, prev)
		s.setPresence(ctx, sess)
		s.notifyRecovered(ctx, sess, RecoveryFresh)
		return sess, RecoveryFresh, nil
	}
}

// UpdateSessionState applies a caller mutation to an active session,
// bumping the state version, last-modifier, and idle-timeout clock. It
// reports false (never an error) when the session is missing or a
// concurrent writer won; the caller re-reads and retries.
func (s *SessionService) UpdateSessionState(ctx context.Context, sessionID, modifiedBy string, mutate func(*Session)) bool {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return false
	}
	if mutate != nil {
		mutate(sess)
	}
	now := s.now()
	sess.StateVersion++
	sess.LastModifiedBy = modifiedBy
	sess.LastModifiedAt = now
	sess.LastActivityAt = now
	sess.ExpiresAt = now.Add(s.cfg.IdleTimeout)
	if err := s.sessions.Update(ctx, sess); err != nil {
		// Contention on save is reported, not thrown.
		s.logger.Debug("session state update lost",
			zap.String("session_id", sessionID), zap.Error(err))
		return false
	}
	return true
}

// Disconnect deactivates a session, clearing its live connection.
func (s *SessionService) Disconnect(ctx context.Context, sessionID string) error {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	s.deactivate(ctx, sess)
	return nil
}

func (s *SessionService) newSession(userID, connectionID, contextRef string) *Session {
	now := s.now()
	return &Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		ConnectionID:   connectionID,
		IsActive:       true,
		ContextRef:     contextRef,
		StateVersion:   1,
		LastModifiedAt: now,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(s.cfg.IdleTimeout),
		Version:        1,
	}
}

// deactivate marks a session inactive in place, keeping the row for audit.
func (s *SessionService) deactivate(ctx context.Context, sess *Session) {
	conn := sess.ConnectionID
	sess.IsActive = false
	sess.ConnectionID = ""
	if err := s.sessions.Update(ctx, sess); err != nil {
		s.logger.Warn("deactivate session failed",
			zap.String("session_id", sess.ID), zap.Error(err))
	}
	if s.presence != nil && conn != "" {
		if err := s.presence.DeletePresence(ctx, conn); err != nil {
			s.logger.Debug("presence cleanup failed",
				zap.String("connection_id", conn), zap.Error(err))
		}
	}
}

func (s *SessionService) setPresence(ctx context.Context, sess *Session) {
	if s.presence == nil {
		return
	}
	if err := s.presence.SetPresence(ctx, sess.ConnectionID, sess.ID, s.cfg.IdleTimeout); err != nil {
		s.logger.Debug("presence update failed",
			zap.String("session_id", sess.ID), zap.Error(err))
	}
}

func (s *SessionService) notifyRecovered(ctx context.Context, sess *Session, kind RecoveryKind) {
	if err := s.notifier.Publish(ctx, Event{
		Type:       EventSessionRecovered,
		WorkflowID: sess.ContextRef,
		Data: map[string]any{
			"session_id": sess.ID,
			"user_id":    sess.UserID,
			"kind":       string(kind),
		},
		At: s.now(),
	}); err != nil {
		s.logger.Debug("session recovery notification failed",
			zap.String("session_id", sess.ID), zap.Error(err))
	}
}
