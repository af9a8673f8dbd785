package uds

import (
	"sync"
	"time"
)

// Session types named by ISO 14229-1; values above 0x03 are
// implementation/OEM-defined and pass through unchanged.
const (
	SessionDefault     byte = 0x01
	SessionProgramming byte = 0x02
	SessionExtended    byte = 0x03
)

// Session is the process-wide UDS state tracked per endpoint. All
// mutation goes through its methods so the default-session/security
// invariant can never be observed broken.
type Session struct {
	mu                   sync.Mutex
	sessionType          byte
	securityLevel        byte
	testerPresentEnabled bool
	lastActivity         time.Time
}

// NewSession returns a Session in the default session, locked.
func NewSession() *Session {
	return &Session{sessionType: SessionDefault, lastActivity: time.Now()}
}

func (s *Session) SessionType() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionType
}

func (s *Session) SecurityLevel() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.securityLevel
}

func (s *Session) TesterPresentEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.testerPresentEnabled
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// SetSessionType updates the active session. Entering the default
// session always clears security_level and disables tester-present, per
// the invariant that session 0x01 implies security_level == 0.
func (s *Session) SetSessionType(t byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionType = t
	if t == SessionDefault {
		s.securityLevel = 0
		s.testerPresentEnabled = false
	} else {
		s.testerPresentEnabled = true
	}
}

// SetSecurityLevel records a successful unlock at the given level.
func (s *Session) SetSecurityLevel(level byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.securityLevel = level
}
