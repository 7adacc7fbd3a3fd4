package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"timetracker-agent/internal/logging"
	"timetracker-agent/internal/tracker"
)

func testLogger() *logging.Logger {
	return logging.NewWithOutput(io.Discard, false, false)
}

// fakeJWT builds an unsigned token with the given exp claim, enough for
// the client's expiry extraction.
func fakeJWT(exp int64) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload, _ := json.Marshal(map[string]int64{"exp": exp})
	return fmt.Sprintf("%s.%s.sig", header, base64.RawURLEncoding.EncodeToString(payload))
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	tokenPath := filepath.Join(t.TempDir(), "token.json")
	return NewClient(testLogger(), serverURL, "machine-1", tokenPath)
}

func TestTokenExpiry(t *testing.T) {
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	exp := now.Add(15 * time.Minute)

	tests := []struct {
		name  string
		token string
		want  time.Time
	}{
		{"jwt with exp claim", fakeJWT(exp.Unix()), exp},
		{"opaque token", "not-a-jwt", now.Add(defaultTokenLifetime)},
		{"jwt with bad payload", "a.!!!.c", now.Add(defaultTokenLifetime)},
		{"jwt without exp", "a." + base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"u"}`)) + ".c", now.Add(defaultTokenLifetime)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tokenExpiry(tt.token, now); !got.Equal(tt.want) {
				t.Errorf("tokenExpiry() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoginPersistsSession(t *testing.T) {
	exp := time.Now().Add(time.Hour).Unix()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/token/" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var creds map[string]string
		json.NewDecoder(r.Body).Decode(&creds)
		if creds["username"] != "alice" || creds["password"] != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenPair{Access: fakeJWT(exp), Refresh: "refresh-1"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if err := c.Login(context.Background(), "alice", "secret"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	saved, err := loadSession(c.tokenPath)
	if err != nil {
		t.Fatalf("session file not written: %v", err)
	}
	if saved.RefreshToken != "refresh-1" {
		t.Errorf("saved refresh token = %q", saved.RefreshToken)
	}
	info, _ := os.Stat(c.tokenPath)
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("token file permissions = %v, want 0600", perm)
	}
}

func TestLoginWrongCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if err := c.Login(context.Background(), "alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Login() error = %v, want ErrInvalidCredentials", err)
	}
}

func TestLoginUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := newTestClient(t, srv.URL)
	if err := c.Login(context.Background(), "alice", "secret"); !errors.Is(err, ErrUnreachable) {
		t.Errorf("Login() error = %v, want ErrUnreachable", err)
	}
}

func TestEnsureValidTokenNoSession(t *testing.T) {
	c := newTestClient(t, "http://localhost:1")
	if _, err := c.EnsureValidToken(context.Background()); !errors.Is(err, ErrReauthRequired) {
		t.Errorf("EnsureValidToken() error = %v, want ErrReauthRequired", err)
	}
}

func TestEnsureValidTokenRefreshes(t *testing.T) {
	exp := time.Now().Add(time.Hour).Unix()
	var refreshCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/token/refresh/" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		refreshCalls++
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["refresh"] != "refresh-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenPair{Access: fakeJWT(exp)})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	c.session = &AuthSession{
		AccessToken:  "stale",
		RefreshToken: "refresh-1",
		AccessExpiry: time.Now().Add(-time.Minute),
	}

	token, err := c.EnsureValidToken(context.Background())
	if err != nil {
		t.Fatalf("EnsureValidToken() error = %v", err)
	}
	if token == "stale" {
		t.Error("expired token was not refreshed")
	}
	if refreshCalls != 1 {
		t.Errorf("refresh calls = %d, want 1", refreshCalls)
	}

	// The fresh token is served from memory now.
	if _, err := c.EnsureValidToken(context.Background()); err != nil {
		t.Fatalf("second EnsureValidToken() error = %v", err)
	}
	if refreshCalls != 1 {
		t.Errorf("unexpired token triggered refresh (%d calls)", refreshCalls)
	}
}

func TestRefreshFailureClearsSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	c.session = &AuthSession{
		AccessToken:  "stale",
		RefreshToken: "refresh-1",
		AccessExpiry: time.Now().Add(-time.Minute),
	}
	saveSession(c.tokenPath, c.session)

	if _, err := c.EnsureValidToken(context.Background()); !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("EnsureValidToken() error = %v, want ErrReauthRequired", err)
	}
	if c.HasSession() {
		t.Error("session still in memory after failed refresh")
	}
	if _, err := os.Stat(c.tokenPath); !os.IsNotExist(err) {
		t.Error("token file still exists after failed refresh")
	}
}

// uploadServer is a minimal fake of the activities API.
type uploadServer struct {
	mu         sync.Mutex
	appPosts   int
	activities []activityPayload
	failTitles map[string]int // window title -> status to return
}

func (s *uploadServer) handler(t *testing.T) http.HandlerFunc {
	nextAppID := 100
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		switch r.URL.Path {
		case "/api/applications/":
			s.appPosts++
			nextAppID++
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(applicationResponse{ID: nextAppID})
		case "/api/activities/":
			var p activityPayload
			if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
				t.Errorf("bad activity payload: %v", err)
			}
			if status, ok := s.failTitles[p.WindowTitle]; ok {
				w.WriteHeader(status)
				return
			}
			s.activities = append(s.activities, p)
			w.WriteHeader(http.StatusCreated)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func rec(process, title string, productive bool) tracker.ActivityRecord {
	start := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	return tracker.ActivityRecord{
		AppName:         process,
		ProcessName:     process,
		WindowTitle:     title,
		StartTime:       start,
		EndTime:         start.Add(90 * time.Second),
		Duration:        90 * time.Second,
		KeyboardPresses: 7,
		Productive:      productive,
		Reason:          tracker.ReasonSwitch,
	}
}

func authedClient(t *testing.T, serverURL string) *Client {
	c := newTestClient(t, serverURL)
	c.session = &AuthSession{
		AccessToken:  "valid",
		AccessExpiry: time.Now().Add(time.Hour),
	}
	return c
}

func TestUploadBatchDelivers(t *testing.T) {
	srv := &uploadServer{}
	ts := httptest.NewServer(srv.handler(t))
	defer ts.Close()

	c := authedClient(t, ts.URL)
	out := c.UploadBatch(context.Background(), []tracker.ActivityRecord{
		rec("firefox", "Tab A", true),
		rec("firefox", "Tab B", true),
		rec("code", "main.go", false),
	})

	if len(out.Delivered) != 3 || len(out.Requeue) != 0 || out.ReauthRequired {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if srv.appPosts != 2 {
		t.Errorf("application posts = %d, want 2 (cache per process)", srv.appPosts)
	}
	if len(srv.activities) != 3 {
		t.Fatalf("server saw %d activities", len(srv.activities))
	}

	first := srv.activities[0]
	if first.DurationSeconds != 90 || first.KeyboardPresses != 7 || !first.IsProductive {
		t.Errorf("payload fields wrong: %+v", first)
	}
	if first.MachineID != "machine-1" {
		t.Errorf("machine id = %q", first.MachineID)
	}
	if _, err := time.Parse(time.RFC3339, first.StartTime); err != nil {
		t.Errorf("start time not RFC 3339: %q", first.StartTime)
	}
	if last := srv.activities[2]; last.IsProductive {
		t.Error("unproductive flag did not round-trip")
	}
}

func TestUploadBatchPartialFailure(t *testing.T) {
	srv := &uploadServer{
		failTitles: map[string]int{"Tab B": http.StatusInternalServerError},
	}
	ts := httptest.NewServer(srv.handler(t))
	defer ts.Close()

	c := authedClient(t, ts.URL)
	out := c.UploadBatch(context.Background(), []tracker.ActivityRecord{
		rec("firefox", "Tab A", true),
		rec("firefox", "Tab B", true),
		rec("firefox", "Tab C", true),
	})

	if len(out.Delivered) != 2 {
		t.Errorf("delivered = %d, want 2", len(out.Delivered))
	}
	if len(out.Rejected) != 1 || out.Rejected[0].WindowTitle != "Tab B" {
		t.Errorf("rejected = %+v, want just Tab B", out.Rejected)
	}
	if len(out.Requeue) != 0 {
		t.Errorf("requeue = %+v, want none (the server answered)", out.Requeue)
	}
	if out.ReauthRequired {
		t.Error("5xx must not demand reauth")
	}
}

func TestUploadBatchTransportFailureRequeues(t *testing.T) {
	srv := &uploadServer{}
	ts := httptest.NewServer(srv.handler(t))
	c := authedClient(t, ts.URL)
	ts.Close()

	out := c.UploadBatch(context.Background(), []tracker.ActivityRecord{
		rec("firefox", "Tab A", true),
	})

	if len(out.Requeue) != 1 || out.Requeue[0].WindowTitle != "Tab A" {
		t.Errorf("requeue = %+v, want Tab A", out.Requeue)
	}
	if len(out.Rejected) != 0 {
		t.Errorf("rejected = %+v, want none (the server never answered)", out.Rejected)
	}
	if out.ReauthRequired {
		t.Error("a dead connection must not demand reauth")
	}
}

func TestUploadBatch401AbortsAndRequeuesAll(t *testing.T) {
	srv := &uploadServer{}
	ts := httptest.NewServer(srv.handler(t))
	defer ts.Close()

	c := authedClient(t, ts.URL)
	saveSession(c.tokenPath, c.session)

	batch := []tracker.ActivityRecord{
		rec("firefox", "Tab A", true),
		rec("firefox", "Tab B", true),
		rec("code", "main.go", true),
	}

	// First record lands, then credentials are revoked mid-batch.
	srv.failTitles = map[string]int{
		"Tab B":   http.StatusUnauthorized,
		"main.go": http.StatusUnauthorized,
	}
	out := c.UploadBatch(context.Background(), batch)

	if !out.ReauthRequired {
		t.Fatal("401 must set ReauthRequired")
	}
	if len(out.Requeue) != len(batch) {
		t.Errorf("requeue = %d records, want the whole batch (%d)", len(out.Requeue), len(batch))
	}
	if c.HasSession() {
		t.Error("session still held after 401")
	}
	if _, err := os.Stat(c.tokenPath); !os.IsNotExist(err) {
		t.Error("token file still exists after 401")
	}
	if _, err := c.EnsureValidToken(context.Background()); !errors.Is(err, ErrReauthRequired) {
		t.Errorf("EnsureValidToken() after 401 = %v, want ErrReauthRequired", err)
	}
}

func TestUploadBatchWithoutSessionRequeues(t *testing.T) {
	c := newTestClient(t, "http://localhost:1")
	batch := []tracker.ActivityRecord{rec("firefox", "Tab A", true)}

	out := c.UploadBatch(context.Background(), batch)
	if len(out.Requeue) != 1 || !out.ReauthRequired {
		t.Errorf("unexpected outcome %+v", out)
	}
}
