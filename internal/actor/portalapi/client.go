package portalapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"formrunner/internal/actor"
	"formrunner/internal/records"
)

// Actor submits records through the portal's HTTP API instead of its HTML
// form. Some portal versions expose /api/records directly; this actor is
// interchangeable with the browser actor behind the same contract.
type Actor struct {
	mu       sync.Mutex
	http     *resty.Client
	baseURL  string
	loggedIn bool
}

// New creates a portal API actor
func New() *Actor {
	return &Actor{}
}

// EstablishSession performs the cookie-based login handshake
func (a *Actor) EstablishSession(ctx context.Context, creds actor.Credentials) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.loggedIn {
		return errors.New("portal session already established")
	}
	if creds.PortalURL == "" {
		return errors.New("portal URL is required")
	}

	a.baseURL = strings.TrimRight(creds.PortalURL, "/")

	jar, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("failed to create cookie jar: %w", err)
	}

	a.http = resty.New().
		SetCookieJar(jar).
		SetHeader("User-Agent", "formrunner/1.0").
		SetTimeout(2 * time.Minute).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Retry on 429 (Too Many Requests) and 5xx server errors
			return r.StatusCode() == 429 || (r.StatusCode() >= 500 && r.StatusCode() <= 504)
		})

	resp, err := a.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{
			"username": creds.Username,
			"password": creds.Password,
		}).
		Post(a.baseURL + "/api/login")
	if err != nil {
		return fmt.Errorf("portal login failed: %w", err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("portal login rejected: HTTP %d: %s", resp.StatusCode(), resp.String())
	}

	a.loggedIn = true
	return nil
}

// ProcessItem posts one record to the portal and returns its confirmation
func (a *Actor) ProcessItem(ctx context.Context, rec records.Record) (string, error) {
	a.mu.Lock()
	client := a.http
	loggedIn := a.loggedIn
	a.mu.Unlock()

	if !loggedIn || client == nil {
		return "", errors.New("no portal session established")
	}

	resp, err := client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]interface{}{
			"reference": rec.Reference,
			"fields":    rec.Fields,
		}).
		Post(a.baseURL + "/api/records")
	if err != nil {
		return "", fmt.Errorf("record submission failed: %w", err)
	}
	if !resp.IsSuccess() {
		return "", fmt.Errorf("record submission rejected: HTTP %d: %s", resp.StatusCode(), resp.String())
	}

	var result struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		// Portal returned a non-JSON success body; still a success
		return fmt.Sprintf("submitted %s", rec.Reference), nil
	}

	if result.Message != "" {
		return result.Message, nil
	}
	if result.ID != "" {
		return fmt.Sprintf("submitted %s as %s", rec.Reference, result.ID), nil
	}
	return fmt.Sprintf("submitted %s", rec.Reference), nil
}

// Release logs out of the portal; best-effort and idempotent
func (a *Actor) Release() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.loggedIn || a.http == nil {
		return nil
	}

	if _, err := a.http.R().Post(a.baseURL + "/api/logout"); err != nil {
		// Logout failure does not matter; the session cookie dies with us
		a.loggedIn = false
		return nil
	}

	a.loggedIn = false
	return nil
}
