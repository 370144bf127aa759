package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Session lifecycle statuses. A session is terminal once it reaches
// completed, stopped or error; only running and paused sessions are
// candidates for resume.
const (
	SessionRunning   = "running"
	SessionPaused    = "paused"
	SessionCompleted = "completed"
	SessionStopped   = "stopped"
	SessionError     = "error"
)

// Session represents one batch run over an ordered set of input records
type Session struct {
	ID        string     `gorm:"primaryKey" json:"id"`
	Label     string     `gorm:"not null" json:"label"` // originating file name or caller-supplied tag
	Status    string     `gorm:"not null;default:running;index" json:"status"`
	Total     int        `gorm:"not null;default:0" json:"total"`
	Processed int        `gorm:"not null;default:0" json:"processed"`
	Succeeded int        `gorm:"not null;default:0" json:"succeeded"`
	Failed    int        `gorm:"not null;default:0" json:"failed"`
	Error     string     `gorm:"type:text" json:"error,omitempty"` // terminal error message, set when Status == error
	StartedAt time.Time  `gorm:"not null" json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"` // nil while the session is active
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Terminal reports whether the session status is one of the terminal states
func (s *Session) Terminal() bool {
	return s.Status == SessionCompleted || s.Status == SessionStopped || s.Status == SessionError
}

// BeforeCreate hook to generate UUID before creating record
func (s *Session) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for GORM
func (Session) TableName() string {
	return "sessions"
}
