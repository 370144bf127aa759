package models

import (
	"time"
)

// WorkItem statuses. Items are overwritten, never deleted, so the last
// write is always the full per-item history.
const (
	ItemPending    = "pending"
	ItemInProgress = "in-progress"
	ItemDone       = "done"
	ItemFailed     = "failed"
)

// WorkItem represents one input record's processing state within a session.
// Items are keyed by (session, position); Position is the stable index used
// to resume a partially processed session.
type WorkItem struct {
	SessionID string    `gorm:"primaryKey;index" json:"session_id"`
	Position  int       `gorm:"primaryKey;autoIncrement:false" json:"position"`
	Payload   string    `gorm:"type:text" json:"payload"` // JSON-encoded record fields, opaque to the runner
	Status    string    `gorm:"not null;default:pending;index" json:"status"`
	Note      string    `gorm:"type:text" json:"note,omitempty"` // outcome note or last failure message
	UpdatedAt time.Time `json:"updated_at"`
}

// Finished reports whether the item has a terminal per-item status
func (w *WorkItem) Finished() bool {
	return w.Status == ItemDone || w.Status == ItemFailed
}

// TableName specifies the table name for GORM
func (WorkItem) TableName() string {
	return "work_items"
}
