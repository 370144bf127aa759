package store

import (
	"errors"
	"fmt"
	"time"

	"formrunner/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when a session lookup matches nothing
var ErrNotFound = errors.New("session not found")

// Store is the durable checkpoint record of sessions and their work items.
// It only persists what it is told; all domain mutation happens in the
// runner. Safe for concurrent readers; the runner is the single writer.
type Store struct {
	db *gorm.DB
}

// New creates a checkpoint store backed by the given database
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// CreateSession persists a new session and its full item list, returning the
// assigned session ID. Items are created in bulk with status pending.
func (s *Store) CreateSession(label string, items []models.WorkItem) (string, error) {
	session := &models.Session{
		Label:     label,
		Status:    models.SessionRunning,
		Total:     len(items),
		StartedAt: time.Now(),
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(session).Error; err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}

		for i := range items {
			items[i].SessionID = session.ID
			items[i].Position = i
			if items[i].Status == "" {
				items[i].Status = models.ItemPending
			}
		}

		if err := tx.Create(&items).Error; err != nil {
			return fmt.Errorf("failed to create work items: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	return session.ID, nil
}

// UpdateItems overwrites the current state of the given items, keyed by
// (session, position). The write is idempotent: replaying it after a crash
// produces the same rows.
func (s *Store) UpdateItems(sessionID string, items []models.WorkItem) error {
	if len(items) == 0 {
		return nil
	}

	for i := range items {
		items[i].SessionID = sessionID
	}

	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "position"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "status", "note", "updated_at"}),
	}).Create(&items).Error
	if err != nil {
		return fmt.Errorf("failed to update work items: %w", err)
	}
	return nil
}

// UpdateSessionProgress writes the session counters; status is only changed
// when non-empty
func (s *Store) UpdateSessionProgress(sessionID string, processed, succeeded, failed int, status string) error {
	updates := map[string]interface{}{
		"processed": processed,
		"succeeded": succeeded,
		"failed":    failed,
	}
	if status != "" {
		updates["status"] = status
	}

	result := s.db.Model(&models.Session{}).Where("id = ?", sessionID).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update session progress: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CloseSession marks the session terminal with the given status and optional
// error message, and stamps the end time
func (s *Store) CloseSession(sessionID, terminalStatus, message string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"status":   terminalStatus,
		"ended_at": &now,
	}
	if message != "" {
		updates["error"] = message
	}

	result := s.db.Model(&models.Session{}).Where("id = ?", sessionID).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to close session: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSession retrieves one session by ID
func (s *Store) GetSession(sessionID string) (*models.Session, error) {
	var session models.Session
	if err := s.db.Where("id = ?", sessionID).First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return &session, nil
}

// ListSessions returns the most recently started sessions, newest first
func (s *Store) ListSessions(limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	var sessions []models.Session
	if err := s.db.Order("started_at DESC").Limit(limit).Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// GetItems returns all work items of a session in position order
func (s *Store) GetItems(sessionID string) ([]models.WorkItem, error) {
	var items []models.WorkItem
	if err := s.db.Where("session_id = ?", sessionID).Order("position ASC").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("failed to load work items: %w", err)
	}
	return items, nil
}

// ActiveSession returns the most recently started session whose status is
// running or paused, or ErrNotFound when there is nothing to resume
func (s *Store) ActiveSession() (*models.Session, error) {
	var session models.Session
	err := s.db.
		Where("status IN ?", []string{models.SessionRunning, models.SessionPaused}).
		Order("started_at DESC").
		First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to look up active session: %w", err)
	}
	return &session, nil
}
