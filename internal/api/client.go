// Package api talks to the time tracker server: token-based
// authentication and per-record activity uploads.
package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"timetracker-agent/internal/logging"
	"timetracker-agent/internal/tracker"
)

const requestTimeout = 30 * time.Second

// Client is the authenticated HTTP client for the tracker server.
// Safe for concurrent use.
type Client struct {
	log       *logging.Logger
	http      *resty.Client
	machineID string
	tokenPath string

	mu      sync.Mutex
	session *AuthSession
	appIDs  map[string]int

	now func() time.Time
}

// NewClient creates a client for the given server. A previously saved
// session at tokenPath is picked up automatically, so the agent stays
// logged in across restarts.
func NewClient(log *logging.Logger, baseURL, machineID, tokenPath string) *Client {
	c := &Client{
		log:       log,
		machineID: machineID,
		tokenPath: tokenPath,
		appIDs:    make(map[string]int),
		now:       time.Now,
	}
	c.http = resty.New().
		SetBaseURL(baseURL).
		SetTimeout(requestTimeout).
		SetHeader("Content-Type", "application/json")

	if s, err := loadSession(tokenPath); err == nil {
		c.session = s
		log.Debugf("Loaded saved session from %s", tokenPath)
	}
	return c
}

// HasSession reports whether any stored credentials exist, valid or not.
func (c *Client) HasSession() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

type tokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// Login exchanges a username and password for a token pair and persists
// the session. Wrong credentials return ErrInvalidCredentials; a server
// that cannot be reached returns ErrUnreachable.
func (c *Client) Login(ctx context.Context, username, password string) error {
	var pair tokenPair
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"username": username, "password": password}).
		SetResult(&pair).
		Post("/api/token/")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if !resp.IsSuccess() {
		c.log.Debugf("Login rejected with status %d: %s", resp.StatusCode(), resp.String())
		return ErrInvalidCredentials
	}
	if pair.Access == "" {
		return fmt.Errorf("login response missing access token")
	}

	now := c.now()
	s := &AuthSession{
		AccessToken:  pair.Access,
		RefreshToken: pair.Refresh,
		AccessExpiry: tokenExpiry(pair.Access, now),
	}

	c.mu.Lock()
	c.session = s
	c.mu.Unlock()

	if err := saveSession(c.tokenPath, s); err != nil {
		c.log.Warningf("Could not persist session: %v", err)
	}
	c.log.Successf("Logged in as %s", username)
	return nil
}

// EnsureValidToken returns an unexpired access token, refreshing it
// first when needed. ErrReauthRequired means the session is gone and
// the user must log in again.
func (c *Client) EnsureValidToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()

	if s == nil {
		return "", ErrReauthRequired
	}
	if !s.Expired(c.now()) {
		return s.AccessToken, nil
	}
	return c.refresh(ctx, s)
}

func (c *Client) refresh(ctx context.Context, s *AuthSession) (string, error) {
	if s.RefreshToken == "" {
		c.clearSession()
		return "", ErrReauthRequired
	}

	var pair tokenPair
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"refresh": s.RefreshToken}).
		SetResult(&pair).
		Post("/api/token/refresh/")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if !resp.IsSuccess() || pair.Access == "" {
		c.log.Warningf("Token refresh rejected with status %d", resp.StatusCode())
		c.clearSession()
		return "", ErrReauthRequired
	}

	now := c.now()
	fresh := &AuthSession{
		AccessToken:  pair.Access,
		RefreshToken: s.RefreshToken,
		AccessExpiry: tokenExpiry(pair.Access, now),
	}

	c.mu.Lock()
	c.session = fresh
	c.mu.Unlock()

	if err := saveSession(c.tokenPath, fresh); err != nil {
		c.log.Warningf("Could not persist refreshed session: %v", err)
	}
	c.log.Debugf("Access token refreshed")
	return fresh.AccessToken, nil
}

// Logout discards the in-memory session and deletes the token file.
func (c *Client) Logout() error {
	c.clearSession()
	return nil
}

func (c *Client) clearSession() {
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
	if err := removeSession(c.tokenPath); err != nil {
		c.log.Warningf("Could not remove token file: %v", err)
	}
}

// Outcome reports what happened to a batch. Requeue holds records that
// never reached the server (transport failures, retried without
// penalty); Rejected holds records the server answered with an error
// status, which count toward the upload attempt cap. ReauthRequired
// additionally means the stored session was cleared and uploads should
// stop until login.
type Outcome struct {
	Delivered      []tracker.ActivityRecord
	Requeue        []tracker.ActivityRecord
	Rejected       []tracker.ActivityRecord
	ReauthRequired bool
}

type applicationPayload struct {
	Name         string `json:"name"`
	ProcessName  string `json:"process_name"`
	IsProductive bool   `json:"is_productive"`
}

type applicationResponse struct {
	ID int `json:"id"`
}

type activityPayload struct {
	Application     int    `json:"application"`
	WindowTitle     string `json:"window_title"`
	StartTime       string `json:"start_time"`
	EndTime         string `json:"end_time"`
	DurationSeconds int    `json:"duration_seconds"`
	IsProductive    bool   `json:"is_productive"`
	KeyboardPresses int    `json:"keyboard_presses"`
	MachineID       string `json:"machine_id"`
}

// UploadBatch sends records one at a time. A 401 on any request aborts
// the batch, clears the session, and requeues every record in the batch
// including those already delivered; the server deduplicates. Other
// failures requeue only the affected record and the batch continues.
func (c *Client) UploadBatch(ctx context.Context, records []tracker.ActivityRecord) Outcome {
	var out Outcome

	token, err := c.EnsureValidToken(ctx)
	if err != nil {
		out.Requeue = records
		out.ReauthRequired = errors.Is(err, ErrReauthRequired)
		if !out.ReauthRequired {
			c.log.Debugf("Upload skipped: %v", err)
		}
		return out
	}

	for _, rec := range records {
		appID, status, err := c.ensureApplication(ctx, token, rec)
		if status == 401 {
			return c.abortUnauthorized(records)
		}
		if err != nil {
			c.log.Debugf("Application lookup failed for %s: %v", rec.AppName, err)
			out.fail(rec, status)
			continue
		}

		status, err = c.postActivity(ctx, token, appID, rec)
		if status == 401 {
			return c.abortUnauthorized(records)
		}
		if err != nil {
			c.log.Debugf("Upload failed for %s: %v", rec.AppName, err)
			out.fail(rec, status)
			continue
		}

		out.Delivered = append(out.Delivered, rec)
	}
	return out
}

// fail sorts an undelivered record by failure class: status 0 means the
// request never got an answer.
func (o *Outcome) fail(rec tracker.ActivityRecord, status int) {
	if status == 0 {
		o.Requeue = append(o.Requeue, rec)
		return
	}
	o.Rejected = append(o.Rejected, rec)
}

func (c *Client) abortUnauthorized(records []tracker.ActivityRecord) Outcome {
	c.log.Warningf("Server rejected credentials (401), aborting batch")
	c.clearSession()
	return Outcome{Requeue: records, ReauthRequired: true}
}

// ensureApplication resolves the remote id for a record's application,
// creating it server-side on first sight. Results are cached per
// process name for the life of the client.
func (c *Client) ensureApplication(ctx context.Context, token string, rec tracker.ActivityRecord) (int, int, error) {
	c.mu.Lock()
	id, ok := c.appIDs[rec.ProcessName]
	c.mu.Unlock()
	if ok {
		return id, 0, nil
	}

	var appResp applicationResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(applicationPayload{
			Name:         rec.AppName,
			ProcessName:  rec.ProcessName,
			IsProductive: rec.Productive,
		}).
		SetResult(&appResp).
		Post("/api/applications/")
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if !resp.IsSuccess() {
		return 0, resp.StatusCode(), fmt.Errorf("applications endpoint returned %d: %s", resp.StatusCode(), resp.String())
	}
	if appResp.ID == 0 {
		return 0, resp.StatusCode(), fmt.Errorf("applications response missing id")
	}

	c.mu.Lock()
	c.appIDs[rec.ProcessName] = appResp.ID
	c.mu.Unlock()
	return appResp.ID, resp.StatusCode(), nil
}

func (c *Client) postActivity(ctx context.Context, token string, appID int, rec tracker.ActivityRecord) (int, error) {
	payload := activityPayload{
		Application:     appID,
		WindowTitle:     rec.WindowTitle,
		StartTime:       rec.StartTime.UTC().Format(time.RFC3339),
		EndTime:         rec.EndTime.UTC().Format(time.RFC3339),
		DurationSeconds: rec.DurationSeconds(),
		IsProductive:    rec.Productive,
		KeyboardPresses: rec.KeyboardPresses,
		MachineID:       c.machineID,
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(payload).
		Post("/api/activities/")
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if !resp.IsSuccess() {
		return resp.StatusCode(), fmt.Errorf("activities endpoint returned %d: %s", resp.StatusCode(), resp.String())
	}
	return resp.StatusCode(), nil
}
