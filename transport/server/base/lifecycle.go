package base

import "time"

// State represents the lifecycle state of a live session.
type State int

const (
	// StateActive means the session is serving requests or holds an
	// attached stream consumer.
	StateActive State = iota
	// StateDetached means the standalone stream consumer went away and the
	// session waits for a reconnect.
	StateDetached
	// StateClosed means the session terminated.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDetached:
		return "detached"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Touch updates the last activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// MarkDetached records that the standalone stream consumer went away.
func (s *Session) MarkDetached() {
	s.mu.Lock()
	if s.state == StateActive {
		s.state = StateDetached
		s.detachedAt = time.Now()
	}
	s.mu.Unlock()
}

// MarkActive clears a detached state after a consumer reconnected.
func (s *Session) MarkActive() {
	s.mu.Lock()
	if s.state == StateDetached {
		s.state = StateActive
		s.detachedAt = time.Time{}
	}
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// CurrentState returns the lifecycle state.
func (s *Session) CurrentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAt
}

// LastSeen returns the time of the last observed activity.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Expired reports whether the session exceeded any of its lifetime limits.
// A zero duration disables the corresponding limit.
func (s *Session) Expired(now time.Time, reconnectGrace, idleTTL, maxLifetime time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if maxLifetime > 0 && now.Sub(s.createdAt) > maxLifetime {
		return true
	}
	if s.state == StateDetached && reconnectGrace > 0 && now.Sub(s.detachedAt) > reconnectGrace {
		return true
	}
	if idleTTL > 0 && now.Sub(s.lastSeen) > idleTTL {
		return true
	}
	return false
}
