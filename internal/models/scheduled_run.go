package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ScheduledRun represents a recurring batch run of a saved input file
type ScheduledRun struct {
	ID        string     `gorm:"primaryKey" json:"id"`
	Name      string     `gorm:"unique;not null" json:"name"`
	ProfileID string     `gorm:"not null;column:profile_id" json:"profile_id"`
	InputPath string     `gorm:"not null;column:input_path" json:"input_path"` // CSV file fed to the run
	Cron      string     `gorm:"not null" json:"cron"`                         // cron expression
	Timezone  string     `gorm:"default:UTC" json:"timezone"`
	Enabled   bool       `gorm:"default:true" json:"enabled"`
	LastRunAt *time.Time `gorm:"column:last_run_at" json:"last_run_at"`
	NextRunAt *time.Time `gorm:"column:next_run_at" json:"next_run_at"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// BeforeCreate hook to generate UUID before creating record
func (sr *ScheduledRun) BeforeCreate(tx *gorm.DB) error {
	if sr.ID == "" {
		sr.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for GORM
func (ScheduledRun) TableName() string {
	return "scheduled_runs"
}
