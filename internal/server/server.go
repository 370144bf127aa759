package server

import (
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"gorm.io/gorm"

	"formrunner/internal/actor"
	"formrunner/internal/crypto"
	"formrunner/internal/models"
	"formrunner/internal/progress"
	"formrunner/internal/records"
	"formrunner/internal/runner"
	"formrunner/internal/scheduler"
	"formrunner/internal/store"
)

// Server is the HTTP control surface over the runner, plus profile and
// schedule management and the websocket progress stream
type Server struct {
	echo      *echo.Echo
	db        *gorm.DB
	runs      *runner.Service
	hub       *progress.Hub
	scheduler *scheduler.Service
}

// New wires the control surface
func New(db *gorm.DB, runs *runner.Service, hub *progress.Hub, sched *scheduler.Service) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()

		var conflictErr *runner.ControlConflictError
		var httpErr *echo.HTTPError
		switch {
		case errors.As(err, &conflictErr):
			code = http.StatusConflict
		case errors.Is(err, store.ErrNotFound), errors.Is(err, gorm.ErrRecordNotFound):
			code = http.StatusNotFound
		case errors.As(err, &httpErr):
			code = httpErr.Code
			if httpErr.Message != nil {
				msg = fmt.Sprint(httpErr.Message)
			}
		}

		req := c.Request()
		baseLogger.Printf("%d %s %s: %v", code, req.Method, req.URL.Path, err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}

	s := &Server{echo: e, db: db, runs: runs, hub: hub, scheduler: sched}
	s.routes()
	return s
}

// Start blocks serving HTTP on addr
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Handler exposes the underlying router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) routes() {
	s.echo.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	api := s.echo.Group("/api")

	// Run control
	api.POST("/runs", s.startRun)
	api.POST("/runs/pause", s.pauseRun)
	api.POST("/runs/resume", s.resumeRun)
	api.POST("/runs/stop", s.stopRun)
	api.GET("/runs/status", s.status)

	// Session history
	api.GET("/sessions", s.listSessions)
	api.GET("/sessions/:id", s.sessionDetail)
	api.POST("/sessions/:id/resume", s.resumeSession)

	// Credential profiles
	api.GET("/profiles", s.listProfiles)
	api.POST("/profiles", s.createProfile)
	api.DELETE("/profiles/:id", s.deleteProfile)

	// Scheduled runs
	api.GET("/schedules", s.listSchedules)
	api.POST("/schedules", s.upsertSchedule)
	api.DELETE("/schedules/:id", s.deleteSchedule)

	// Progress stream
	s.echo.GET("/ws", s.progressStream)
}

type startRunRequest struct {
	ProfileID string           `json:"profile_id"`
	Label     string           `json:"label"`
	InputPath string           `json:"input_path,omitempty"` // server-side CSV path
	Records   []records.Record `json:"records,omitempty"`    // inline records, used when InputPath is empty
}

func (s *Server) startRun(c echo.Context) error {
	var req startRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	recs := req.Records
	label := req.Label
	if req.InputPath != "" {
		loaded, err := records.LoadCSV(req.InputPath)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		recs = loaded
		if label == "" {
			label = req.InputPath
		}
	}
	if len(recs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "no records supplied")
	}
	if label == "" {
		label = "ad-hoc run"
	}

	creds, err := s.credentials(req.ProfileID)
	if err != nil {
		return err
	}

	sessionID, err := s.runs.Start(label, recs, creds)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusAccepted, map[string]string{"session_id": sessionID})
}

func (s *Server) pauseRun(c echo.Context) error {
	if err := s.runs.Pause(); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "pausing"})
}

func (s *Server) resumeRun(c echo.Context) error {
	if err := s.runs.Resume(); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "running"})
}

func (s *Server) stopRun(c echo.Context) error {
	if err := s.runs.Stop(); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Server) status(c echo.Context) error {
	return c.JSON(http.StatusOK, s.runs.Status())
}

func (s *Server) listSessions(c echo.Context) error {
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &limit); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
	}

	sessions, err := s.runs.History(limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sessions)
}

func (s *Server) sessionDetail(c echo.Context) error {
	session, items, err := s.runs.SessionDetail(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"session": session,
		"items":   items,
	})
}

type resumeSessionRequest struct {
	ProfileID string `json:"profile_id"`
}

func (s *Server) resumeSession(c echo.Context) error {
	var req resumeSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	creds, err := s.credentials(req.ProfileID)
	if err != nil {
		return err
	}

	if err := s.runs.ResumeSession(c.Param("id"), creds); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]string{"session_id": c.Param("id")})
}

func (s *Server) listProfiles(c echo.Context) error {
	var profiles []models.CredentialProfile
	if err := s.db.Find(&profiles).Error; err != nil {
		return err
	}
	return c.JSON(http.StatusOK, profiles)
}

type createProfileRequest struct {
	Name      string `json:"name"`
	PortalURL string `json:"portal_url"`
	Username  string `json:"username"`
	Password  string `json:"password"`
}

func (s *Server) createProfile(c echo.Context) error {
	var req createProfileRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Name == "" || req.PortalURL == "" || req.Username == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name, portal_url and username are required")
	}
	if !crypto.IsInitialized() {
		return echo.NewHTTPError(http.StatusInternalServerError, "encryption not initialized")
	}

	passwordEnc, err := crypto.Encrypt(req.Password)
	if err != nil {
		return err
	}

	profile := &models.CredentialProfile{
		Name:        req.Name,
		PortalURL:   req.PortalURL,
		Username:    req.Username,
		PasswordEnc: passwordEnc,
	}
	if err := s.db.Create(profile).Error; err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, profile)
}

func (s *Server) deleteProfile(c echo.Context) error {
	if err := s.db.Delete(&models.CredentialProfile{}, "id = ?", c.Param("id")).Error; err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listSchedules(c echo.Context) error {
	runs, err := s.scheduler.List()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, runs)
}

func (s *Server) upsertSchedule(c echo.Context) error {
	var req scheduler.UpsertRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	id, err := s.scheduler.Upsert(req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"id": id})
}

func (s *Server) deleteSchedule(c echo.Context) error {
	if err := s.scheduler.Delete(c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// credentials resolves and decrypts a credential profile for a run
func (s *Server) credentials(profileID string) (actor.Credentials, error) {
	if profileID == "" {
		return actor.Credentials{}, echo.NewHTTPError(http.StatusBadRequest, "profile_id is required")
	}

	var profile models.CredentialProfile
	if err := s.db.Where("id = ?", profileID).First(&profile).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return actor.Credentials{}, echo.NewHTTPError(http.StatusNotFound, "profile not found")
		}
		return actor.Credentials{}, err
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
