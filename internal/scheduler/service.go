package scheduler

import (
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"formrunner/internal/actor"
	"formrunner/internal/crypto"
	"formrunner/internal/models"
	"formrunner/internal/records"
)

// RunStarter is the slice of the runner control surface the scheduler
// needs: it only ever starts runs
type RunStarter interface {
	Start(label string, recs []records.Record, creds actor.Credentials) (string, error)
}

// Service handles scheduled batch runs: a cron expression plus a saved
// input file and credential profile
type Service struct {
	db     *gorm.DB
	cron   *cron.Cron
	runs   RunStarter
	jobs   map[string]cron.EntryID // run ID -> cron entry ID
	jobsMu sync.RWMutex
}

// NewService creates a new scheduler service
func NewService(db *gorm.DB, runs RunStarter) *Service {
	return &Service{
		db:   db,
		cron: cron.New(cron.WithSeconds()),
		runs: runs,
		jobs: make(map[string]cron.EntryID),
	}
}

// Start launches the cron scheduler and loads enabled runs from the database
func (s *Service) Start() error {
	log.Println("Starting scheduler...")
	s.cron.Start()

	var runs []models.ScheduledRun
	if err := s.db.Where("enabled = ?", true).Find(&runs).Error; err != nil {
		return fmt.Errorf("failed to load scheduled runs: %w", err)
	}

	for _, run := range runs {
		if err := s.schedule(&run); err != nil {
			log.Printf("WARNING: Failed to schedule run %s (%s): %v", run.Name, run.ID, err)
		} else {
			log.Printf("Scheduled run: %s (%s) with cron: %s", run.Name, run.ID, run.Cron)
		}
	}

	log.Printf("Scheduler started with %d enabled runs", len(runs))
	return nil
}

// Stop gracefully stops the scheduler
func (s *Service) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
		log.Println("Scheduler stopped")
	}
}

// List retrieves all scheduled runs
func (s *Service) List() ([]models.ScheduledRun, error) {
	var runs []models.ScheduledRun
	if err := s.db.Order("created_at DESC").Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to list scheduled runs: %w", err)
	}
	return runs, nil
}

// UpsertRequest describes a scheduled run to create or update
type UpsertRequest struct {
	Name      string `json:"name"`
	ProfileID string `json:"profile_id"`
	InputPath string `json:"input_path"`
	Cron      string `json:"cron"`
	Timezone  string `json:"timezone"`
	Enabled   bool   `json:"enabled"`
}

// Upsert creates or updates a scheduled run, keyed by name
func (s *Service) Upsert(req UpsertRequest) (string, error) {
	if req.Name == "" || req.ProfileID == "" || req.InputPath == "" || req.Cron == "" {
		return "", fmt.Errorf("name, profile_id, input_path and cron are required")
	}

	normalizedCron, err := normalizeCron(req.Cron)
	if err != nil {
		return "", err
	}

	var run models.ScheduledRun
	result := s.db.Where("name = ?", req.Name).First(&run)
	if result.Error != nil {
		if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("failed to query scheduled run: %w", result.Error)
		}
		run = models.ScheduledRun{Name: req.Name}
	}

	run.ProfileID = req.ProfileID
	run.InputPath = req.InputPath
	run.Cron = normalizedCron
	run.Timezone = req.Timezone
	if run.Timezone == "" {
		run.Timezone = "UTC"
	}
	run.Enabled = req.Enabled

	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(run.Cron)
	if err != nil {
		return "", fmt.Errorf("failed to parse cron for next run: %w", err)
	}
	nextRun := schedule.Next(time.Now())
	run.NextRunAt = &nextRun

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		if err := s.db.Create(&run).Error; err != nil {
			return "", fmt.Errorf("failed to create scheduled run: %w", err)
		}
	} else {
		if err := s.db.Save(&run).Error; err != nil {
			return "", fmt.Errorf("failed to update scheduled run: %w", err)
		}
	}

	if err := s.reschedule(run.ID); err != nil {
		return "", fmt.Errorf("failed to reschedule run: %w", err)
	}

	return run.ID, nil
}

// Delete removes a scheduled run
func (s *Service) Delete(runID string) error {
	s.jobsMu.Lock()
	if entryID, exists := s.jobs[runID]; exists {
		s.cron.Remove(entryID)
		delete(s.jobs, runID)
	}
	s.jobsMu.Unlock()

	if err := s.db.Delete(&models.ScheduledRun{}, "id = ?", runID).Error; err != nil {
		return fmt.Errorf("failed to delete scheduled run: %w", err)
	}
	return nil
}

// schedule adds an enabled run to the cron scheduler
func (s *Service) schedule(run *models.ScheduledRun) error {
	if !run.Enabled {
		return nil
	}

	s.jobsMu.Lock()
	if entryID, exists := s.jobs[run.ID]; exists {
		s.cron.Remove(entryID)
		delete(s.jobs, run.ID)
	}
	s.jobsMu.Unlock()

	runID := run.ID
	entryID, err := s.cron.AddFunc(run.Cron, func() {
		s.execute(runID)
	})
	if err != nil {
		return fmt.Errorf("failed to add cron entry: %w", err)
	}

	s.jobsMu.Lock()
	s.jobs[run.ID] = entryID
	s.jobsMu.Unlock()
	return nil
}

// reschedule reloads a run from the database and re-registers it
func (s *Service) reschedule(runID string) error {
	var run models.ScheduledRun
	if err := s.db.Where("id = ?", runID).First(&run).Error; err != nil {
		return fmt.Errorf("failed to load scheduled run: %w", err)
	}

	if !run.Enabled {
		s.jobsMu.Lock()
		if entryID, exists := s.jobs[runID]; exists {
			s.cron.Remove(entryID)
			delete(s.jobs, runID)
		}
		s.jobsMu.Unlock()
		return nil
	}

	return s.schedule(&run)
}

// execute fires one scheduled run: loads the input file and credentials,
// then starts a batch session. A run that cannot start (e.g. another
// session is active) is logged and skipped until the next tick.
func (s *Service) execute(runID string) {
	var run models.ScheduledRun
	if err := s.db.Where("id = ?", runID).First(&run).Error; err != nil {
		log.Printf("Scheduled run %s no longer exists: %v", runID, err)
		return
	}

	log.Printf("Executing scheduled run: %s (%s)", run.Name, run.ID)

	recs, err := records.LoadCSV(run.InputPath)
	if err != nil {
		log.Printf("Scheduled run %s: failed to load input: %v", run.Name, err)
		return
	}

	creds, err := s.credentials(run.ProfileID)
	if err != nil {
		log.Printf("Scheduled run %s: failed to load credentials: %v", run.Name, err)
		return
	}

	label := fmt.Sprintf("%s (%s)", run.Name, filepath.Base(run.InputPath))
	sessionID, err := s.runs.Start(label, recs, creds)
	if err != nil {
		log.Printf("Scheduled run %s: could not start: %v", run.Name, err)
		return
	}

	now := time.Now()
	run.LastRunAt = &now
	if err := s.db.Save(&run).Error; err != nil {
		log.Printf("Scheduled run %s: failed to record last run time: %v", run.Name, err)
	}

	log.Printf("Scheduled run %s started session %s with %d records", run.Name, sessionID, len(recs))
}

// credentials resolves and decrypts a credential profile
func (s *Service) credentials(profileID string) (actor.Credentials, error) {
	var profile models.CredentialProfile
	if err := s.db.Where("id = ?", profileID).First(&profile).Error; err != nil {
		return actor.Credentials{}, fmt.Errorf("profile not found: %w", err)
	}

	password, err := crypto.Decrypt(profile.PasswordEnc)
	if err != nil {
		return actor.Credentials{}, fmt.Errorf("failed to decrypt password: %w", err)
	}

	return actor.Credentials{
		PortalURL: profile.PortalURL,
		Username:  profile.Username,
		Password:  password,
	}, nil
}

// normalizeCron converts a standard 5-field cron expression to the 6-field
// (with seconds) format the scheduler stores, leaving 6-field input as-is
func normalizeCron(expr string) (string, error) {
	fields := strings.Fields(expr)
	switch len(fields) {
	case 5:
		return "0 " + strings.Join(fields, " "), nil
	case 6:
		return strings.Join(fields, " "), nil
	default:
		return "", fmt.Errorf("invalid cron expression %q: expected 5 or 6 fields, got %d", expr, len(fields))
	}
}
