package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// Status is the local lifecycle state of a session.
type Status string

const (
	StatusIdle            Status = "idle"
	StatusWorking         Status = "working"
	StatusError           Status = "error"
	StatusWaitingApproval Status = "waiting_approval"
)

// Session is the unit of orchestration. All mutable fields are guarded by mu;
// different sessions are fully independent. A session is never persisted: on
// process restart it is rehydrated through the resume path by replaying the
// remote message history.
type Session struct {
	ID           string
	AgentID      string
	TaskID       string
	WorkspaceDir string

	mu               sync.Mutex
	status           Status
	remoteSessionID  string
	seenMessages     map[string]struct{}
	seenParts        map[string]struct{}
	partFingerprints map[string]string
	lastRemoteStatus string
	cancelPrompt     context.CancelFunc
	learning         bool
	replaying        bool

	// Poll timer, re-armed only after the previous tick completes so no two
	// ticks for the same session ever overlap.
	timer   *time.Timer
	polling bool
}

// NewSession creates a registered-but-not-yet-started session.
func NewSession(agentID, taskID, workspaceDir string) *Session {
	return &Session{
		ID:               newSessionID(),
		AgentID:          agentID,
		TaskID:           taskID,
		WorkspaceDir:     workspaceDir,
		status:           StatusWorking,
		seenMessages:     make(map[string]struct{}),
		seenParts:        make(map[string]struct{}),
		partFingerprints: make(map[string]string),
	}
}

func newSessionID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return "ses_" + hex.EncodeToString(buf)
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// compareAndSetStatus flips the status only when it currently equals from.
func (s *Session) compareAndSetStatus(from, to Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != from {
		return false
	}
	s.status = to
	return true
}

// RemoteSessionID returns the runtime-assigned identifier, empty until the
// remote session exists.
func (s *Session) RemoteSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteSessionID
}

func (s *Session) setRemoteSessionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteSessionID = id
}

// Learning reports whether the session is in a feedback exchange.
func (s *Session) Learning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.learning
}

func (s *Session) setLearning(learning bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.learning = learning
}

// Replaying reports whether the session is re-emitting historical messages.
// Live status side effects stay suppressed during a replay.
func (s *Session) Replaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaying
}

func (s *Session) setReplaying(replaying bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaying = replaying
}

// setCancelPrompt stores the cancellation handle of an in-flight prompt,
// cancelling any previous one first.
func (s *Session) setCancelPrompt(cancel context.CancelFunc) {
	s.mu.Lock()
	prev := s.cancelPrompt
	s.cancelPrompt = cancel
	s.mu.Unlock()
	if prev != nil {
		prev()
	}
}

// cancelInflightPrompt cancels the pending prompt call, if any.
func (s *Session) cancelInflightPrompt() {
	s.mu.Lock()
	cancel := s.cancelPrompt
	s.cancelPrompt = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// markMessageSeen records a message id, reporting whether it was new.
func (s *Session) markMessageSeen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seenMessages[id]; ok {
		return false
	}
	s.seenMessages[id] = struct{}{}
	return true
}

// partState returns the stored fingerprint for a part and whether the part
// was observed before.
func (s *Session) partState(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fp := s.partFingerprints[id]
	_, seen := s.seenParts[id]
	return fp, seen
}

// recordPart stores a part id and its fingerprint. Seen sets grow
// monotonically; they are cleared only by session destruction.
func (s *Session) recordPart(id, fingerprint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seenParts[id] = struct{}{}
	s.partFingerprints[id] = fingerprint
}

// remoteStatusChanged compares a serialized status snapshot against the last
// observed one and stores it when different.
func (s *Session) remoteStatusChanged(serialized string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRemoteStatus == serialized {
		return false
	}
	s.lastRemoteStatus = serialized
	return true
}

// beginPolling arms the poll timer unless the loop is already running.
func (s *Session) beginPolling(delay time.Duration, tick func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.polling {
		return false
	}
	s.polling = true
	s.timer = time.AfterFunc(delay, tick)
	return true
}

// rearm schedules the next tick if polling has not been stopped meanwhile.
func (s *Session) rearm(interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.polling || s.timer == nil {
		return
	}
	s.timer.Reset(interval)
}

// endPolling stops the poll timer.
func (s *Session) endPolling() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polling = false
	if s.timer != nil {
		s.timer.Stop()
	}
}

// pollingActive reports whether the poll loop is running.
func (s *Session) pollingActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polling
}
