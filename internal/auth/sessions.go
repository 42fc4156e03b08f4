package auth

import (
	"sync"
	"time"

	appLog "datepoll/internal/log"
)

// DefaultSkew is subtracted from a token's expiry when scheduling the
// logout, so the session ends slightly before clocks elsewhere would
// consider the token expired.
const DefaultSkew = 5 * time.Second

// Session is a logged-in user's current token.
type Session struct {
	UserID    string
	Token     string
	ExpiresAt time.Time
}

type session struct {
	Session
	tokenID string
	timer   *time.Timer
}

// Sessions tracks one live session per user. Each session owns an explicit
// timer: logging in again reschedules it, logging out stops it, and when it
// fires the session is forgotten and OnExpire is called.
type Sessions struct {
	issuer *Issuer
	skew   time.Duration

	mu       sync.Mutex
	sessions map[string]*session
	onExpire func(userID string)
}

// Option configures Sessions.
type Option func(*Sessions)

// WithSkew overrides DefaultSkew.
func WithSkew(d time.Duration) Option {
	return func(s *Sessions) {
		if d >= 0 {
			s.skew = d
		}
	}
}

// OnExpire registers a callback run (on the timer goroutine) when a session
// times out. It is not called for explicit logouts.
func OnExpire(fn func(userID string)) Option {
	return func(s *Sessions) { s.onExpire = fn }
}

// NewSessions returns an empty session table.
func NewSessions(issuer *Issuer, opts ...Option) *Sessions {
	s := &Sessions{
		issuer:   issuer,
		skew:     DefaultSkew,
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Login issues a fresh token for the user and (re)schedules its expiry.
// A previous session of the same user is replaced and its token stops
// being accepted.
func (s *Sessions) Login(userID, name string) (Session, error) {
	token, claims, err := s.issuer.Issue(userID, name)
	if err != nil {
		return Session{}, err
	}

	sess := &session{
		Session: Session{
			UserID:    userID,
			Token:     token,
			ExpiresAt: claims.ExpiresAt.Time,
		},
		tokenID: claims.ID,
	}

	s.mu.Lock()
	if old, ok := s.sessions[userID]; ok {
		old.timer.Stop()
	}
	s.sessions[userID] = sess
	left := time.Until(sess.ExpiresAt) - s.skew
	if left < 0 {
		left = 0
	}
	sess.timer = time.AfterFunc(left, func() { s.expire(sess) })
	s.mu.Unlock()

	appLog.Debug("session started", "user", userID, "expires_at", sess.ExpiresAt.Format(time.RFC3339))
	return sess.Session, nil
}

// Logout ends the user's session and cancels its timer. It reports whether
// a session existed.
func (s *Sessions) Logout(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return false
	}
	sess.timer.Stop()
	delete(s.sessions, userID)
	appLog.Debug("session ended", "user", userID)
	return true
}

// Authenticate verifies a bearer token and returns its claims. The token
// must be correctly signed, unexpired and belong to the user's live session.
func (s *Sessions) Authenticate(token string) (*Claims, error) {
	claims, err := s.issuer.Parse(token)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	sess, ok := s.sessions[claims.Subject]
	s.mu.Unlock()
	if !ok || sess.tokenID != claims.ID {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Active returns the number of live sessions.
func (s *Sessions) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close stops every timer and forgets all sessions.
func (s *Sessions) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		sess.timer.Stop()
		delete(s.sessions, id)
	}
}

func (s *Sessions) expire(sess *session) {
	s.mu.Lock()
	// A re-login may have replaced the session after this timer fired.
	if cur, ok := s.sessions[sess.UserID]; !ok || cur != sess {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, sess.UserID)
	cb := s.onExpire
	s.mu.Unlock()

	appLog.Info("session expired", "user", sess.UserID)
	if cb != nil {
		cb(sess.UserID)
	}
}
