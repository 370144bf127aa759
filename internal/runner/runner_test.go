package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formrunner/internal/actor"
	"formrunner/internal/models"
	"formrunner/internal/progress"
	"formrunner/internal/records"
)

// memStore is an in-memory CheckpointStore that records every counter write,
// so tests can verify what was checkpointed and in what order.
type memStore struct {
	mu             sync.Mutex
	seq            int
	sessions       map[string]*models.Session
	items          map[string]map[int]models.WorkItem
	statusWrites   []string
	counterWrites  [][3]int // processed, succeeded, failed
	failItemWrites bool
}

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[string]*models.Session),
		items:    make(map[string]map[int]models.WorkItem),
	}
}

func (m *memStore) CreateSession(label string, items []models.WorkItem) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	id := fmt.Sprintf("sess-%d", m.seq)
	m.sessions[id] = &models.Session{
		ID:        id,
		Label:     label,
		Status:    models.SessionRunning,
		Total:     len(items),
		StartedAt: time.Now(),
	}
	byPos := make(map[int]models.WorkItem, len(items))
	for _, item := range items {
		item.SessionID = id
		byPos[item.Position] = item
	}
	m.items[id] = byPos
	return id, nil
}

func (m *memStore) UpdateItems(sessionID string, items []models.WorkItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failItemWrites {
		return errors.New("disk full")
	}
	byPos, ok := m.items[sessionID]
	if !ok {
		return errors.New("session not found")
	}
	for _, item := range items {
		item.SessionID = sessionID
		byPos[item.Position] = item
	}
	return nil
}

func (m *memStore) UpdateSessionProgress(sessionID string, processed, succeeded, failed int, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return errors.New("session not found")
	}
	session.Processed = processed
	session.Succeeded = succeeded
	session.Failed = failed
	if status != "" {
		session.Status = status
		m.statusWrites = append(m.statusWrites, status)
	}
	m.counterWrites = append(m.counterWrites, [3]int{processed, succeeded, failed})
	return nil
}

func (m *memStore) CloseSession(sessionID, terminalStatus, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return errors.New("session not found")
	}
	now := time.Now()
	session.Status = terminalStatus
	session.Error = message
	session.EndedAt = &now
	m.statusWrites = append(m.statusWrites, terminalStatus)
	return nil
}

func (m *memStore) GetSession(sessionID string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, errors.New("session not found")
	}
	copied := *session
	return &copied, nil
}

func (m *memStore) ListSessions(limit int) ([]models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions := make([]models.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, *s)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].StartedAt.After(sessions[j].StartedAt) })
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

func (m *memStore) GetItems(sessionID string) ([]models.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byPos, ok := m.items[sessionID]
	if !ok {
		return nil, errors.New("session not found")
	}
	items := make([]models.WorkItem, 0, len(byPos))
	for _, item := range byPos {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Position < items[j].Position })
	return items, nil
}

func (m *memStore) ActiveSession() (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *models.Session
	for _, s := range m.sessions {
		if s.Status != models.SessionRunning && s.Status != models.SessionPaused {
			continue
		}
		if latest == nil || s.StartedAt.After(latest.StartedAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, errors.New("no active session")
	}
	copied := *latest
	return &copied, nil
}

func (m *memStore) sessionStatus(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s.Status
	}
	return ""
}

func (m *memStore) itemStatus(sessionID string, position int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[sessionID][position].Status
}

// fakeActor is a scriptable external actor. When started/gate are set, every
// ProcessItem call first announces its reference on started, then blocks on
// gate, which lets tests issue control commands while an item is in flight.
type fakeActor struct {
	mu            sync.Mutex
	establishErr  error
	processFn     func(rec records.Record) (string, error)
	establishGate chan struct{}
	started       chan string
	gate          chan struct{}
	processed     []string
	released      bool
}

func (a *fakeActor) EstablishSession(ctx context.Context, creds actor.Credentials) error {
	if a.establishGate != nil {
		<-a.establishGate
	}
	return a.establishErr
}

func (a *fakeActor) ProcessItem(ctx context.Context, rec records.Record) (string, error) {
	if a.started != nil {
		a.started <- rec.Reference
	}
	if a.gate != nil {
		<-a.gate
	}

	a.mu.Lock()
	a.processed = append(a.processed, rec.Reference)
	fn := a.processFn
	a.mu.Unlock()

	if fn != nil {
		return fn(rec)
	}
	return "submitted", nil
}

func (a *fakeActor) Release() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.released = true
	return nil
}

func (a *fakeActor) refs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.processed...)
}

func (a *fakeActor) wasReleased() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.released
}

func testRecords(n int) []records.Record {
	recs := make([]records.Record, n)
	for i := range recs {
		recs[i] = records.Record{
			Reference: fmt.Sprintf("rec-%d", i+1),
			Fields:    map[string]string{"name": fmt.Sprintf("Entry %d", i+1)},
		}
	}
	return recs
}

func newTestRunner(st CheckpointStore, act actor.Actor) *Runner {
	return New(Config{
		Store:      st,
		Hub:        progress.NewHub(50),
		Actor:      act,
		RetryDelay: time.Millisecond,
	})
}

func TestRunner(t *testing.T) {
	t.Run("Should process every item in order and complete", func(t *testing.T) {
		st := newMemStore()
		act := &fakeActor{}
		r := newTestRunner(st, act)

		sessionID, err := r.Start("batch.csv", testRecords(3))
		require.NoError(t, err)
		r.Wait()

		assert.Equal(t, []string{"rec-1", "rec-2", "rec-3"}, act.refs())
		assert.True(t, act.wasReleased())

		snap := r.Snapshot()
		assert.Equal(t, StateCompleted, snap.State)
		assert.Equal(t, 3, snap.Processed)
		assert.Equal(t, 3, snap.Succeeded)
		assert.Equal(t, 0, snap.Failed)

		session, err := st.GetSession(sessionID)
		require.NoError(t, err)
		assert.Equal(t, models.SessionCompleted, session.Status)
		assert.Equal(t, 3, session.Processed)
		assert.NotNil(t, session.EndedAt)

		items, err := st.GetItems(sessionID)
		require.NoError(t, err)
		require.Len(t, items, 3)
		for _, item := range items {
			assert.Equal(t, models.ItemDone, item.Status)
			assert.Equal(t, "submitted", item.Note)
		}
	})

	t.Run("Should keep counters consistent in every checkpoint", func(t *testing.T) {
		st := newMemStore()
		act := &fakeActor{processFn: func(rec records.Record) (string, error) {
			if rec.Reference == "rec-2" {
				return "", errors.New("validation rejected")
			}
			return "ok", nil
		}}
		r := newTestRunner(st, act)

		_, err := r.Start("batch.csv", testRecords(3))
		require.NoError(t, err)
		r.Wait()

		st.mu.Lock()
		defer st.mu.Unlock()
		require.NotEmpty(t, st.counterWrites)
		for _, w := range st.counterWrites {
			assert.Equal(t, w[0], w[1]+w[2], "processed must equal succeeded+failed in every write")
		}
	})

	t.Run("Should record an exhausted item as failed and continue", func(t *testing.T) {
		st := newMemStore()
		act := &fakeActor{processFn: func(rec records.Record) (string, error) {
			if rec.Reference == "rec-2" {
				return "", errors.New("validation rejected")
			}
			return "ok", nil
		}}
		r := newTestRunner(st, act)

		sessionID, err := r.Start("batch.csv", testRecords(3))
		require.NoError(t, err)
		r.Wait()

		// Two attempts for the failing item, one each for the others
		assert.Equal(t, []string{"rec-1", "rec-2", "rec-2", "rec-3"}, act.refs())

		snap := r.Snapshot()
		assert.Equal(t, StateCompleted, snap.State)
		assert.Equal(t, 3, snap.Processed)
		assert.Equal(t, 2, snap.Succeeded)
		assert.Equal(t, 1, snap.Failed)

		items, err := st.GetItems(sessionID)
		require.NoError(t, err)
		assert.Equal(t, models.ItemDone, items[0].Status)
		assert.Equal(t, models.ItemFailed, items[1].Status)
		assert.Equal(t, "validation rejected", items[1].Note, "Note must carry the last attempt's message")
		assert.Equal(t, models.ItemDone, items[2].Status)
	})

	t.Run("Should mark an item done when a retry succeeds", func(t *testing.T) {
		st := newMemStore()
		attempts := 0
		act := &fakeActor{processFn: func(rec records.Record) (string, error) {
			if rec.Reference == "rec-1" {
				attempts++
				if attempts == 1 {
					return "", errors.New("timeout")
				}
			}
			return "ok", nil
		}}
		r := newTestRunner(st, act)

		sessionID, err := r.Start("batch.csv", testRecords(2))
		require.NoError(t, err)
		r.Wait()

		snap := r.Snapshot()
		assert.Equal(t, 2, snap.Succeeded)
		assert.Equal(t, 0, snap.Failed)
		assert.Equal(t, models.ItemDone, st.itemStatus(sessionID, 0))
	})

	t.Run("Should close the session as error when initialization fails", func(t *testing.T) {
		st := newMemStore()
		act := &fakeActor{establishErr: errors.New("invalid credentials")}
		r := newTestRunner(st, act)

		sessionID, err := r.Start("batch.csv", testRecords(3))
		require.NoError(t, err)
		r.Wait()

		assert.Empty(t, act.refs(), "No item may run without an established session")
		assert.True(t, act.wasReleased())
		assert.Equal(t, StateError, r.Snapshot().State)

		session, err := st.GetSession(sessionID)
		require.NoError(t, err)
		assert.Equal(t, models.SessionError, session.Status)
		assert.Equal(t, "invalid credentials", session.Error)
		assert.NotNil(t, session.EndedAt)
		assert.Equal(t, models.ItemPending, st.itemStatus(sessionID, 0))
	})

	t.Run("Should stop after the current item and resume at the next", func(t *testing.T) {
		st := newMemStore()
		act := &fakeActor{started: make(chan string), gate: make(chan struct{})}
		r := newTestRunner(st, act)

		sessionID, err := r.Start("batch.csv", testRecords(3))
		require.NoError(t, err)

		// Stop while item 1 is in flight: the item finishes, nothing else starts
		require.Equal(t, "rec-1", <-act.started)
		require.NoError(t, r.Stop())
		act.gate <- struct{}{}
		r.Wait()

		assert.Equal(t, []string{"rec-1"}, act.refs())
		assert.Equal(t, StateStopped, r.Snapshot().State)
		assert.Equal(t, models.SessionStopped, st.sessionStatus(sessionID))
		assert.Equal(t, models.ItemDone, st.itemStatus(sessionID, 0))
		assert.Equal(t, models.ItemPending, st.itemStatus(sessionID, 1))
		assert.Equal(t, models.ItemPending, st.itemStatus(sessionID, 2))

		// Resuming the stopped session restarts exactly at item 2
		session, err := st.GetSession(sessionID)
		require.NoError(t, err)
		items, err := st.GetItems(sessionID)
		require.NoError(t, err)

		act2 := &fakeActor{}
		r2 := newTestRunner(st, act2)
		require.NoError(t, r2.Restore(session, items))
		r2.Wait()

		assert.Equal(t, []string{"rec-2", "rec-3"}, act2.refs())
		snap := r2.Snapshot()
		assert.Equal(t, StateCompleted, snap.State)
		assert.Equal(t, 3, snap.Processed)
		assert.Equal(t, 3, snap.Succeeded)
		assert.Equal(t, models.SessionCompleted, st.sessionStatus(sessionID))
	})

	t.Run("Should resume at the first unfinished item and retry prior failures", func(t *testing.T) {
		st := newMemStore()
		id, err := st.CreateSession("batch.csv", []models.WorkItem{
			{Position: 0, Payload: mustPayload(t, "rec-1"), Status: models.ItemDone},
			{Position: 1, Payload: mustPayload(t, "rec-2"), Status: models.ItemFailed, Note: "timeout"},
			{Position: 2, Payload: mustPayload(t, "rec-3"), Status: models.ItemPending},
			{Position: 3, Payload: mustPayload(t, "rec-4"), Status: models.ItemPending},
		})
		require.NoError(t, err)

		session, err := st.GetSession(id)
		require.NoError(t, err)
		items, err := st.GetItems(id)
		require.NoError(t, err)

		act := &fakeActor{}
		r := newTestRunner(st, act)
		require.NoError(t, r.Restore(session, items))
		r.Wait()

		assert.Equal(t, []string{"rec-2", "rec-3", "rec-4"}, act.refs(),
			"Done items are never reprocessed, the prior failure is retried")

		snap := r.Snapshot()
		assert.Equal(t, StateCompleted, snap.State)
		assert.Equal(t, 4, snap.Processed)
		assert.Equal(t, 4, snap.Succeeded)
		assert.Equal(t, 0, snap.Failed)
		assert.Equal(t, models.ItemDone, st.itemStatus(id, 1))
	})

	t.Run("Should reject resume of a completed session", func(t *testing.T) {
		st := newMemStore()
		act := &fakeActor{}
		r := newTestRunner(st, act)

		err := r.Restore(&models.Session{ID: "s1", Status: models.SessionCompleted},
			[]models.WorkItem{{Position: 0, Status: models.ItemDone}})

		var conflictErr *ControlConflictError
		require.ErrorAs(t, err, &conflictErr)
		assert.Equal(t, "resume session", conflictErr.Command)
	})

	t.Run("Should pause at the item boundary and persist the paused status", func(t *testing.T) {
		st := newMemStore()
		act := &fakeActor{started: make(chan string), gate: make(chan struct{})}
		r := newTestRunner(st, act)

		sessionID, err := r.Start("batch.csv", testRecords(3))
		require.NoError(t, err)

		// Pause while item 1 is in flight: the item finishes before the pause lands
		require.Equal(t, "rec-1", <-act.started)
		require.NoError(t, r.Pause())
		assert.Equal(t, StatePausing, r.Snapshot().State)
		act.gate <- struct{}{}

		require.Eventually(t, func() bool {
			return r.Snapshot().State == StatePaused
		}, time.Second, 5*time.Millisecond)

		assert.Equal(t, []string{"rec-1"}, act.refs(), "No new item may start while paused")
		assert.Equal(t, models.SessionPaused, st.sessionStatus(sessionID),
			"The paused status must be checkpointed, not just held in memory")
		assert.Equal(t, 1, r.Snapshot().Processed)

		// Double pause is a conflict, not a no-op
		var conflictErr *ControlConflictError
		require.ErrorAs(t, r.Pause(), &conflictErr)

		require.NoError(t, r.Resume())
		for _, want := range []string{"rec-2", "rec-3"} {
			require.Equal(t, want, <-act.started)
			act.gate <- struct{}{}
		}
		r.Wait()

		assert.Equal(t, StateCompleted, r.Snapshot().State)
		assert.Equal(t, models.SessionCompleted, st.sessionStatus(sessionID))
	})

	t.Run("Should honor a pause requested during initialization", func(t *testing.T) {
		st := newMemStore()
		act := &fakeActor{establishGate: make(chan struct{}), started: make(chan string), gate: make(chan struct{})}
		r := newTestRunner(st, act)

		sessionID, err := r.Start("batch.csv", testRecords(2))
		require.NoError(t, err)

		// Pause lands while the actor session is still being established
		require.NoError(t, r.Pause())
		assert.Equal(t, StatePausing, r.Snapshot().State)
		close(act.establishGate)

		require.Eventually(t, func() bool {
			return r.Snapshot().State == StatePaused
		}, time.Second, 5*time.Millisecond)

		assert.Empty(t, act.refs(), "No item may start before the pause is lifted")
		assert.Equal(t, models.SessionPaused, st.sessionStatus(sessionID))

		require.NoError(t, r.Resume())
		for _, want := range []string{"rec-1", "rec-2"} {
			require.Equal(t, want, <-act.started)
			act.gate <- struct{}{}
		}
		r.Wait()

		assert.Equal(t, StateCompleted, r.Snapshot().State)
	})

	t.Run("Should stop a paused run without processing further items", func(t *testing.T) {
		st := newMemStore()
		act := &fakeActor{started: make(chan string), gate: make(chan struct{})}
		r := newTestRunner(st, act)

		sessionID, err := r.Start("batch.csv", testRecords(2))
		require.NoError(t, err)

		require.Equal(t, "rec-1", <-act.started)
		require.NoError(t, r.Pause())
		act.gate <- struct{}{}
		require.Eventually(t, func() bool {
			return r.Snapshot().State == StatePaused
		}, time.Second, 5*time.Millisecond)

		require.NoError(t, r.Stop())
		r.Wait()

		assert.Equal(t, []string{"rec-1"}, act.refs())
		assert.Equal(t, models.SessionStopped, st.sessionStatus(sessionID))
		assert.Equal(t, models.ItemPending, st.itemStatus(sessionID, 1))
	})

	t.Run("Should reject pause and resume when no run is active", func(t *testing.T) {
		r := newTestRunner(newMemStore(), &fakeActor{})

		var conflictErr *ControlConflictError
		assert.ErrorAs(t, r.Pause(), &conflictErr)
		assert.ErrorAs(t, r.Resume(), &conflictErr)
		assert.ErrorAs(t, r.Stop(), &conflictErr)
	})

	t.Run("Should reject an empty record list", func(t *testing.T) {
		r := newTestRunner(newMemStore(), &fakeActor{})

		_, err := r.Start("empty.csv", nil)
		var conflictErr *ControlConflictError
		require.ErrorAs(t, err, &conflictErr)
	})

	t.Run("Should keep running when checkpoint writes fail", func(t *testing.T) {
		st := newMemStore()
		st.failItemWrites = true
		act := &fakeActor{}
		hub := progress.NewHub(50)
		r := New(Config{Store: st, Hub: hub, Actor: act, RetryDelay: time.Millisecond})

		_, err := r.Start("batch.csv", testRecords(2))
		require.NoError(t, err)
		r.Wait()

		snap := r.Snapshot()
		assert.Equal(t, StateCompleted, snap.State, "A failing checkpoint must not halt the run")
		assert.Equal(t, 2, snap.Succeeded)

		var sawPersistenceLog bool
		for _, entry := range hub.RecentLogs() {
			if strings.Contains(entry.Message, "checkpoint write failed") {
				sawPersistenceLog = true
			}
		}
		assert.True(t, sawPersistenceLog, "Checkpoint failures must surface in the log stream")
	})
}

func mustPayload(t *testing.T, ref string) string {
	t.Helper()
	payload, err := records.Record{Reference: ref, Fields: map[string]string{"name": ref}}.Marshal()
	require.NoError(t, err)
	return payload
}
