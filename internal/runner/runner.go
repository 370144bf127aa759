package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"formrunner/internal/actor"
	"formrunner/internal/models"
	"formrunner/internal/progress"
	"formrunner/internal/records"
)

// Runner states. The terminal states mirror the persisted session statuses;
// the transient ones only exist in memory.
const (
	StateIdle         = "idle"
	StateInitializing = "initializing"
	StateRunning      = "running"
	StatePausing      = "pausing"
	StatePaused       = "paused"
	StateStopping     = "stopping"
	StateCompleted    = "completed"
	StateStopped      = "stopped"
	StateError        = "error"
)

// CheckpointStore is the durable session/item persistence the runner writes
// through. All writes land before the corresponding status event is
// published, so observers never see state that was not checkpointed.
type CheckpointStore interface {
	CreateSession(label string, items []models.WorkItem) (string, error)
	UpdateItems(sessionID string, items []models.WorkItem) error
	UpdateSessionProgress(sessionID string, processed, succeeded, failed int, status string) error
	CloseSession(sessionID, terminalStatus, message string) error
	GetSession(sessionID string) (*models.Session, error)
	ListSessions(limit int) ([]models.Session, error)
	GetItems(sessionID string) ([]models.WorkItem, error)
	ActiveSession() (*models.Session, error)
}

// Config carries the injected dependencies for one run
type Config struct {
	Store       CheckpointStore
	Hub         *progress.Hub
	Actor       actor.Actor
	Credentials actor.Credentials
	MaxAttempts int           // per-item attempt budget, DefaultMaxAttempts when zero
	RetryDelay  time.Duration // wait between attempts, DefaultRetryDelay when zero
}

// Runner sequences the records of one session through the actor, one at a
// time, checkpointing after every item. It is constructed per run; the
// Service enforces that at most one runner is active in the process.
type Runner struct {
	store       CheckpointStore
	hub         *progress.Hub
	act         actor.Actor
	creds       actor.Credentials
	maxAttempts int
	retryDelay  time.Duration

	mu             sync.Mutex
	cond           *sync.Cond
	state          string
	pauseRequested bool
	stopRequested  bool
	stopCh         chan struct{}
	done           chan struct{}

	sessionID    string
	label        string
	items        []models.WorkItem
	total        int
	processed    int
	succeeded    int
	failed       int
	currentIndex int
	startedAt    time.Time
}

// New creates a runner for a single batch run
func New(cfg Config) *Runner {
	r := &Runner{
		store:       cfg.Store,
		hub:         cfg.Hub,
		act:         cfg.Actor,
		creds:       cfg.Credentials,
		maxAttempts: cfg.MaxAttempts,
		retryDelay:  cfg.RetryDelay,
		state:       StateIdle,
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = DefaultMaxAttempts
	}
	if r.retryDelay <= 0 {
		r.retryDelay = DefaultRetryDelay
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Start creates a new session for the given records and begins processing in
// the background. The session is persisted before the first item runs.
func (r *Runner) Start(label string, recs []records.Record) (string, error) {
	if len(recs) == 0 {
		return "", conflict("start", "record list is empty")
	}

	items := make([]models.WorkItem, len(recs))
	for i, rec := range recs {
		payload, err := rec.Marshal()
		if err != nil {
			return "", fmt.Errorf("record %d: %w", i, err)
		}
		items[i] = models.WorkItem{
			Position:  i,
			Payload:   payload,
			Status:    models.ItemPending,
			UpdatedAt: time.Now(),
		}
	}

	sessionID, err := r.store.CreateSession(label, items)
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}

	r.mu.Lock()
	r.sessionID = sessionID
	r.label = label
	r.items = items
	r.total = len(items)
	r.startedAt = time.Now()
	r.state = StateInitializing
	r.mu.Unlock()

	go r.run(0)
	return sessionID, nil
}

// Restore continues an existing session from its checkpoint. The starting
// index is recomputed as the first item without a done status, so completed
// items are never reprocessed and prior failures are retried. Counters are
// rebuilt from the item states, which makes resume self-correcting even
// after a partially applied checkpoint.
func (r *Runner) Restore(session *models.Session, items []models.WorkItem) error {
	// Stopped sessions stay resumable: stop leaves unfinished items pending.
	// Completed and errored sessions do not.
	if session.Status == models.SessionCompleted || session.Status == models.SessionError {
		return conflict("resume session", fmt.Sprintf("session %s is already %s", session.ID, session.Status))
	}

	startIdx := len(items)
	succeeded := 0
	for i := range items {
		if items[i].Status == models.ItemDone {
			succeeded++
			continue
		}
		if i < startIdx {
			startIdx = i
		}
	}

	r.mu.Lock()
	r.sessionID = session.ID
	r.label = session.Label
	r.items = items
	r.total = len(items)
	r.processed = succeeded
	r.succeeded = succeeded
	r.failed = 0
	r.currentIndex = startIdx
	r.startedAt = session.StartedAt
	r.state = StateInitializing
	r.mu.Unlock()

	go r.run(startIdx)
	return nil
}

// run is the single processing loop: strictly sequential, one item in
// flight at a time, pause and stop observed only at item boundaries
func (r *Runner) run(startIdx int) {
	defer close(r.done)
	defer func() {
		if err := r.act.Release(); err != nil {
			log.Printf("[%s] actor release failed: %v", r.sessionID, err)
		}
	}()

	ctx := context.Background()

	r.hub.PublishLog(progress.LevelInfo, "Establishing portal session...")
	r.publishStatus()

	if err := r.act.EstablishSession(ctx, r.creds); err != nil {
		initErr := &InitializationError{Err: err}
		log.Printf("[%s] %v", r.sessionID, initErr)
		r.hub.PublishLog(progress.LevelError, initErr.Error())
		r.persist("close session", func() error {
			return r.store.CloseSession(r.sessionID, models.SessionError, err.Error())
		})
		r.setState(StateError)
		r.publishStatus()
		return
	}

	// A pause or stop requested during initialization holds; the flags are
	// observed at the first item boundary
	r.mu.Lock()
	starting := r.state == StateInitializing
	if starting {
		r.state = StateRunning
	}
	r.mu.Unlock()

	status := ""
	if starting {
		status = models.SessionRunning
	}
	r.persistCounters(status)
	r.hub.PublishLog(progress.LevelInfo,
		fmt.Sprintf("Session established, processing %d items starting at index %d", r.total, startIdx))
	r.publishStatus()

	for i := startIdx; i < len(r.items); i++ {
		if r.waitAtBoundary() {
			break
		}

		if r.items[i].Status == models.ItemDone {
			continue
		}

		r.mu.Lock()
		r.currentIndex = i
		r.mu.Unlock()

		r.processOne(ctx, i)
	}

	r.mu.Lock()
	stopped := r.stopRequested
	r.mu.Unlock()

	if stopped {
		r.persist("close session", func() error {
			return r.store.CloseSession(r.sessionID, models.SessionStopped, "")
		})
		r.setState(StateStopped)
		r.hub.PublishLog(progress.LevelInfo,
			fmt.Sprintf("Run stopped: %d processed, %d succeeded, %d failed", r.processed, r.succeeded, r.failed))
	} else {
		r.persist("close session", func() error {
			return r.store.CloseSession(r.sessionID, models.SessionCompleted, "")
		})
		r.setState(StateCompleted)
		r.hub.PublishLog(progress.LevelSuccess,
			fmt.Sprintf("Run completed: %d processed, %d succeeded, %d failed", r.processed, r.succeeded, r.failed))
	}
	r.publishStatus()
}

// processOne runs one item through the retry controller and checkpoints the
// outcome. A failed item never aborts the batch.
func (r *Runner) processOne(ctx context.Context, idx int) {
	item := &r.items[idx]

	rec, err := records.Unmarshal(item.Payload)
	if err != nil {
		// Unreadable payload counts as a failed item, no attempts made
		r.finishItem(idx, "", fmt.Errorf("unreadable payload: %w", err))
		return
	}

	r.mu.Lock()
	item.Status = models.ItemInProgress
	item.Note = ""
	item.UpdatedAt = time.Now()
	inProgress := *item
	r.mu.Unlock()

	r.persist("item state", func() error {
		return r.store.UpdateItems(r.sessionID, []models.WorkItem{inProgress})
	})
	r.publishStatus()

	retrier := &Retrier{
		MaxAttempts: r.maxAttempts,
		Delay:       r.retryDelay,
		Hub:         r.hub,
		Stop:        r.stopCh,
	}
	note, err := retrier.Do(ctx, rec.Reference, func(ctx context.Context) (string, error) {
		return r.act.ProcessItem(ctx, rec)
	})

	r.finishItem(idx, note, err)
}

// finishItem records the item outcome, persists item and counters, and only
// then publishes the snapshot
func (r *Runner) finishItem(idx int, note string, err error) {
	r.mu.Lock()
	item := &r.items[idx]
	if err == nil {
		item.Status = models.ItemDone
		item.Note = note
		r.succeeded++
	} else {
		item.Status = models.ItemFailed
		item.Note = lastAttemptMessage(err)
		r.failed++
	}
	r.processed++
	item.UpdatedAt = time.Now()
	finished := *item
	r.mu.Unlock()

	r.persist("item state", func() error {
		return r.store.UpdateItems(r.sessionID, []models.WorkItem{finished})
	})
	r.persistCounters("")
	r.publishStatus()
}

// waitAtBoundary observes pause/stop between items. It returns true when
// the loop should break because a stop was requested. A pause persists the
// paused status before the loop blocks, and the block is a condition wait,
// not a poll.
func (r *Runner) waitAtBoundary() bool {
	r.mu.Lock()
	if r.stopRequested {
		r.mu.Unlock()
		return true
	}
	if !r.pauseRequested {
		r.mu.Unlock()
		return false
	}

	r.state = StatePaused
	r.mu.Unlock()

	r.persistCounters(models.SessionPaused)
	r.hub.PublishLog(progress.LevelInfo, "Run paused")
	r.publishStatus()

	r.mu.Lock()
	for r.pauseRequested && !r.stopRequested {
		r.cond.Wait()
	}
	if r.stopRequested {
		r.mu.Unlock()
		return true
	}
	r.state = StateRunning
	r.mu.Unlock()

	r.persistCounters(models.SessionRunning)
	r.hub.PublishLog(progress.LevelInfo, "Run resumed")
	r.publishStatus()
	return false
}

// Pause requests a pause at the next item boundary; the in-flight item is
// never interrupted
func (r *Runner) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateRunning, StateInitializing:
		r.pauseRequested = true
		r.state = StatePausing
		return nil
	case StatePausing, StatePaused:
		return conflict("pause", "run is already paused")
	default:
		return conflict("pause", "no running session")
	}
}

// Resume clears a pending pause and wakes the loop
func (r *Runner) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StatePaused:
		r.pauseRequested = false
		r.cond.Broadcast()
		return nil
	case StatePausing:
		// Loop has not reached the boundary yet; clearing the flag is enough
		r.pauseRequested = false
		r.state = StateRunning
		return nil
	default:
		return conflict("resume", "run is not paused")
	}
}

// Stop requests a cooperative stop: the current item (and attempt) is
// allowed to finish, then the run closes and the actor is released
func (r *Runner) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateInitializing, StateRunning, StatePausing, StatePaused:
		if !r.stopRequested {
			r.stopRequested = true
			close(r.stopCh)
		}
		r.state = StateStopping
		r.cond.Broadcast()
		return nil
	case StateStopping:
		return nil
	default:
		return conflict("stop", "no active session")
	}
}

// Active reports whether the run has not yet reached a terminal state
func (r *Runner) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case StateInitializing, StateRunning, StatePausing, StatePaused, StateStopping:
		return true
	}
	return false
}

// SessionID returns the session this runner owns
func (r *Runner) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// Snapshot returns a point-in-time copy of the run state
func (r *Runner) Snapshot() progress.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Wait blocks until the processing loop has exited
func (r *Runner) Wait() {
	<-r.done
}

func (r *Runner) snapshotLocked() progress.Snapshot {
	percent := 0.0
	if r.total > 0 {
		percent = float64(r.processed) / float64(r.total) * 100
	}
	return progress.Snapshot{
		SessionID:    r.sessionID,
		Label:        r.label,
		State:        r.state,
		Total:        r.total,
		Processed:    r.processed,
		Succeeded:    r.succeeded,
		Failed:       r.failed,
		CurrentIndex: r.currentIndex,
		Percent:      percent,
		Running:      r.state == StateRunning || r.state == StateInitializing || r.state == StatePausing || r.state == StateStopping,
		Paused:       r.state == StatePaused,
		StartedAt:    r.startedAt,
	}
}

func (r *Runner) setState(state string) {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
}

func (r *Runner) publishStatus() {
	r.hub.PublishStatus(r.Snapshot())
}

func (r *Runner) persistCounters(status string) {
	r.mu.Lock()
	processed, succeeded, failed := r.processed, r.succeeded, r.failed
	r.mu.Unlock()
	r.persist("session progress", func() error {
		return r.store.UpdateSessionProgress(r.sessionID, processed, succeeded, failed, status)
	})
}

// persist runs a checkpoint write, retrying once on failure. A second
// failure is logged and tolerated: the loop keeps its in-memory truth and
// the next successful write reconciles the durable store. This leaves a
// known window where the store trails memory by one item.
func (r *Runner) persist(op string, fn func() error) {
	err := fn()
	if err == nil {
		return
	}

	perr := &PersistenceError{Op: op, Err: err}
	log.Printf("[%s] %v (retrying once)", r.sessionID, perr)
	r.hub.PublishLog(progress.LevelError, perr.Error())

	if err := fn(); err != nil {
		log.Printf("[%s] checkpoint retry failed (%s): %v", r.sessionID, op, err)
	}
}

// lastAttemptMessage extracts the underlying failure from an exhausted
// retry so the item note carries the last attempt's error, not the wrapper
func lastAttemptMessage(err error) string {
	var itemErr *ItemExecutionError
	if errors.As(err, &itemErr) && itemErr.Err != nil {
		return itemErr.Err.Error()
	}
	return err.Error()
}
