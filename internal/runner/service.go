package runner

import (
	"fmt"
	"log"
	"sync"
	"time"

	"formrunner/internal/actor"
	"formrunner/internal/models"
	"formrunner/internal/progress"
	"formrunner/internal/records"
)

// ActorFactory builds a fresh actor for each run; actor sessions are
// exclusive and never shared between runs
type ActorFactory func() actor.Actor

// Options tune the per-item retry policy for runs started through the service
type Options struct {
	MaxAttempts int
	RetryDelay  time.Duration
}

// Service is the control boundary over the runner: it owns the
// one-active-run-per-process invariant and maps each command to the current
// runner. Command failures are returned synchronously, never only logged.
type Service struct {
	store   CheckpointStore
	hub     *progress.Hub
	factory ActorFactory
	opts    Options

	mu      sync.Mutex
	current *Runner
}

// NewService creates the control service
func NewService(store CheckpointStore, hub *progress.Hub, factory ActorFactory, opts Options) *Service {
	return &Service{store: store, hub: hub, factory: factory, opts: opts}
}

// Start begins a new batch run over the given records. Rejected when
// another session is active in this process.
func (s *Service) Start(label string, recs []records.Record, creds actor.Credentials) (string, error) {
	if len(recs) == 0 {
		return "", conflict("start", "record list is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && s.current.Active() {
		return "", conflict("start", fmt.Sprintf("session %s is already active", s.current.SessionID()))
	}

	r := s.newRunner(creds)
	sessionID, err := r.Start(label, recs)
	if err != nil {
		return "", err
	}

	s.current = r
	log.Printf("Started session %s (%s) with %d records", sessionID, label, len(recs))
	return sessionID, nil
}

// ResumeSession reloads a non-terminal session from the checkpoint store
// and continues it from the first unfinished item
func (s *Service) ResumeSession(sessionID string, creds actor.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && s.current.Active() {
		return conflict("resume session", fmt.Sprintf("session %s is already active", s.current.SessionID()))
	}

	session, err := s.store.GetSession(sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}

	items, err := s.store.GetItems(sessionID)
	if err != nil {
		return fmt.Errorf("failed to load items for session %s: %w", sessionID, err)
	}
	if len(items) == 0 {
		return conflict("resume session", fmt.Sprintf("session %s has no work items", sessionID))
	}

	r := s.newRunner(creds)
	if err := r.Restore(session, items); err != nil {
		return err
	}

	s.current = r
	log.Printf("Resumed session %s (%s)", sessionID, session.Label)
	return nil
}

// ResumeLatest finds the most recently started running or paused session
// and resumes it; used for crash recovery at startup
func (s *Service) ResumeLatest(creds actor.Credentials) (string, error) {
	session, err := s.store.ActiveSession()
	if err != nil {
		return "", err
	}
	if err := s.ResumeSession(session.ID, creds); err != nil {
		return "", err
	}
	return session.ID, nil
}

// Pause requests a pause of the active run at the next item boundary
func (s *Service) Pause() error {
	r, err := s.active("pause")
	if err != nil {
		return err
	}
	return r.Pause()
}

// Resume continues a paused run
func (s *Service) Resume() error {
	r, err := s.active("resume")
	if err != nil {
		return err
	}
	return r.Resume()
}

// Stop halts the active run after the current item and releases the actor
func (s *Service) Stop() error {
	r, err := s.active("stop")
	if err != nil {
		return err
	}
	return r.Stop()
}

// Status returns a point-in-time snapshot of the current (or most recent)
// run; an idle snapshot when the process has not run anything yet
func (s *Service) Status() progress.Snapshot {
	s.mu.Lock()
	r := s.current
	s.mu.Unlock()

	if r == nil {
		return progress.Snapshot{State: StateIdle}
	}
	return r.Snapshot()
}

// History lists the most recent sessions, newest first
func (s *Service) History(limit int) ([]models.Session, error) {
	return s.store.ListSessions(limit)
}

// SessionDetail returns one session together with all its work items
func (s *Service) SessionDetail(sessionID string) (*models.Session, []models.WorkItem, error) {
	session, err := s.store.GetSession(sessionID)
	if err != nil {
		return nil, nil, err
	}
	items, err := s.store.GetItems(sessionID)
	if err != nil {
		return nil, nil, err
	}
	return session, items, nil
}

func (s *Service) newRunner(creds actor.Credentials) *Runner {
	return New(Config{
		Store:       s.store,
		Hub:         s.hub,
		Actor:       s.factory(),
		Credentials: creds,
		MaxAttempts: s.opts.MaxAttempts,
		RetryDelay:  s.opts.RetryDelay,
	})
}

func (s *Service) active(command string) (*Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || !s.current.Active() {
		return nil, conflict(command, "no active session")
	}
	return s.current, nil
}
