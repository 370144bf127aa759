package progress

import (
	"sync"
	"time"
)

// Log severities published alongside status snapshots
const (
	LevelInfo    = "info"
	LevelSuccess = "success"
	LevelError   = "error"
)

// Event kinds carried on a subscriber channel
const (
	KindStatus = "status"
	KindLog    = "log"
)

// DefaultLogCapacity is the size of the recent-log ring handed to new subscribers
const DefaultLogCapacity = 100

// subscriberBuffer is the per-subscriber channel depth; a subscriber that
// falls further behind than this starts losing events
const subscriberBuffer = 64

// LogEntry is one timestamped audit line
type LogEntry struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is a point-in-time copy of the current session state. It is
// always passed by value so observers never share mutable state with the
// runner.
type Snapshot struct {
	SessionID    string    `json:"session_id"`
	Label        string    `json:"label"`
	State        string    `json:"state"`
	Total        int       `json:"total"`
	Processed    int       `json:"processed"`
	Succeeded    int       `json:"succeeded"`
	Failed       int       `json:"failed"`
	CurrentIndex int       `json:"current_index"`
	Percent      float64   `json:"percent"`
	Running      bool      `json:"running"`
	Paused       bool      `json:"paused"`
	StartedAt    time.Time `json:"started_at"`
}

// Event is what subscribers receive: either a status snapshot or a log line
type Event struct {
	Kind   string    `json:"kind"`
	Status *Snapshot `json:"status,omitempty"`
	Log    *LogEntry `json:"log,omitempty"`
}

// Hub broadcasts status snapshots and log lines to any number of
// subscribers. Publishing never blocks: a slow subscriber loses events
// rather than stalling the publisher. Checkpoints, not this stream, are the
// source of truth.
type Hub struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	logs    []LogEntry // ring of recent log lines
	logHead int
	logCap  int
}

// NewHub creates a hub retaining up to capacity recent log entries
// (DefaultLogCapacity when capacity <= 0)
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &Hub{
		subs:   make(map[int]chan Event),
		logs:   make([]LogEntry, 0, capacity),
		logCap: capacity,
	}
}

// Subscribe attaches a new observer. The returned channel first receives the
// recent log history, then live events. The cancel function detaches the
// subscriber without affecting others.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++

	recent := h.recentLocked()
	ch := make(chan Event, subscriberBuffer+len(recent))
	for i := range recent {
		entry := recent[i]
		ch <- Event{Kind: KindLog, Log: &entry}
	}
	h.subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// PublishStatus broadcasts a session snapshot to all subscribers
func (h *Hub) PublishStatus(snapshot Snapshot) {
	h.broadcast(Event{Kind: KindStatus, Status: &snapshot})
}

// PublishLog records a log line in the ring and broadcasts it
func (h *Hub) PublishLog(level, message string) {
	entry := LogEntry{Level: level, Message: message, Timestamp: time.Now()}

	h.mu.Lock()
	if len(h.logs) < h.logCap {
		h.logs = append(h.logs, entry)
	} else {
		h.logs[h.logHead] = entry
		h.logHead = (h.logHead + 1) % h.logCap
	}
	h.mu.Unlock()

	h.broadcast(Event{Kind: KindLog, Log: &entry})
}

// RecentLogs returns a copy of the retained log window, oldest first
func (h *Hub) RecentLogs() []LogEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.recentLocked()
}

// SubscriberCount reports the number of attached observers
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) recentLocked() []LogEntry {
	out := make([]LogEntry, 0, len(h.logs))
	if len(h.logs) < h.logCap {
		out = append(out, h.logs...)
		return out
	}
	out = append(out, h.logs[h.logHead:]...)
	out = append(out, h.logs[:h.logHead]...)
	return out
}

func (h *Hub) broadcast(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		select {
		case sub <- ev:
		default:
			// Subscriber buffer full; drop rather than block the runner
		}
	}
}
