// Package agent wires the tracking pipeline together and runs it:
// window polling, idle detection, input listening, uploading, and the
// durability net around the queue.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"timetracker-agent/internal/api"
	"timetracker-agent/internal/config"
	"timetracker-agent/internal/input"
	"timetracker-agent/internal/logging"
	"timetracker-agent/internal/mirror"
	"timetracker-agent/internal/queue"
	"timetracker-agent/internal/store"
	"timetracker-agent/internal/tracker"
	"timetracker-agent/internal/webhook"
	"timetracker-agent/internal/window"
)

const idleCheckInterval = 5 * time.Second

// Status is the agent's view of the server connection.
type Status string

const (
	StatusChecking    Status = "checking"
	StatusConnected   Status = "connected"
	StatusAuthError   Status = "auth error"
	StatusUnreachable Status = "unreachable"
	StatusOffline     Status = "offline"
)

// Snapshot is a point-in-time view of the agent for status display.
type Snapshot struct {
	Status     Status
	QueueDepth int
	Delivered  int
	Failed     int
	Session    tracker.Session
	InSession  bool
	Idle       bool
	Paused     bool
}

// configRuler adapts the config's application map to the tracker.
type configRuler struct {
	cfg *config.Config
}

func (r configRuler) Lookup(processName string) (tracker.Rule, bool) {
	rule, ok := r.cfg.Lookup(processName)
	return tracker.Rule{
		Name:       rule.Name,
		Productive: rule.Productive,
		Active:     rule.Active,
	}, ok
}

// Uploader ships batches to the server. *api.Client is the real one.
type Uploader interface {
	UploadBatch(ctx context.Context, records []tracker.ActivityRecord) api.Outcome
}

// Agent owns the tracking pipeline. Construct with New, run with Run.
type Agent struct {
	log      *logging.Logger
	cfg      *config.Config
	client   Uploader
	tracker  *tracker.Tracker
	detector *tracker.IdleDetector
	q        *queue.Queue
	listener *input.Listener

	inspector window.Inspector
	idleMon   *window.IdleMonitor
	store     *store.Store
	mirror    *mirror.Client
	webhook   *webhook.Client

	cron *cron.Cron

	mu        sync.Mutex
	status    Status
	delivered int
	failed    int
	paused    bool
	uploading bool
}

// New assembles an agent. The idle monitor, fallback store, mirror,
// and webhook are optional; a nil value disables the corresponding
// feature.
func New(log *logging.Logger, cfg *config.Config, client Uploader,
	inspector window.Inspector, idleMon *window.IdleMonitor,
	st *store.Store, mir *mirror.Client, hook *webhook.Client) *Agent {

	a := &Agent{
		log:       log,
		cfg:       cfg,
		client:    client,
		inspector: inspector,
		idleMon:   idleMon,
		store:     st,
		mirror:    mir,
		webhook:   hook,
		q:         queue.New(),
		status:    StatusChecking,
	}

	a.tracker = tracker.New(log, configRuler{cfg}, a.q)
	a.detector = tracker.NewIdleDetector(log, cfg.IdleThreshold(), a.tracker, time.Now())
	a.listener = input.NewListener(log, a.onInput)
	return a
}

// onInput runs on the reader goroutines for every key press and mouse
// movement. Keyboard presses additionally feed the keystroke counter.
func (a *Agent) onInput(kind input.Kind, at time.Time) {
	if kind == input.KindKeyboard {
		a.tracker.RecordKeyPress()
	}
	a.detector.RecordInput(at)
}

// Run starts the workers and blocks until ctx is cancelled. The open
// session is force-closed and the queue persisted before Run returns.
func (a *Agent) Run(ctx context.Context) error {
	a.restoreQueue()

	if err := a.listener.Start(ctx); err != nil {
		if errors.Is(err, input.ErrNoDevices) {
			a.log.Warningf("%v", err)
			a.log.Warningf("Keystroke counts unavailable; idle detection uses the desktop idle monitor")
		} else {
			return fmt.Errorf("starting input listener: %w", err)
		}
	}

	a.cron = cron.New()
	if _, err := a.cron.AddFunc(fmt.Sprintf("@every %ds", int(idleCheckInterval.Seconds())), a.idleCheck); err != nil {
		return fmt.Errorf("scheduling idle check: %w", err)
	}
	uploadSpec := fmt.Sprintf("@every %ds", a.cfg.Settings.UploadIntervalSeconds)
	if _, err := a.cron.AddFunc(uploadSpec, func() { a.uploadOnce(ctx) }); err != nil {
		return fmt.Errorf("scheduling uploads: %w", err)
	}
	if _, err := a.cron.AddFunc("@every 1m", a.logStatus); err != nil {
		return fmt.Errorf("scheduling status line: %w", err)
	}
	a.cron.Start()

	a.log.Infof("Agent started (poll %v, idle threshold %v, upload every %v)",
		a.cfg.PollInterval(), a.cfg.IdleThreshold(), a.cfg.UploadInterval())

	ticker := time.NewTicker(a.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.shutdown()
			return nil
		case <-ticker.C:
			a.tick()
		}
	}
}

// restoreQueue drains records persisted by a previous run back into the
// upload queue.
func (a *Agent) restoreQueue() {
	if a.store == nil {
		return
	}
	recs, err := a.store.TakeAll()
	if err != nil {
		a.log.Warningf("Could not restore pending records: %v", err)
		return
	}
	if len(recs) > 0 {
		a.q.Requeue(recs)
		a.log.Infof("Restored %d pending records from previous run", len(recs))
	}
}

// tick polls the foreground window and advances the session state
// machine. A failed query counts as "nothing seen" and is logged at
// debug level only; the loop itself never fails.
func (a *Agent) tick() {
	obs, err := a.inspector.CurrentWindow()
	if err != nil {
		a.log.Debugf("Window query failed: %v", err)
		obs = nil
	}
	a.tracker.Tick(obs, time.Now())
}

// idleCheck runs every few seconds off the tick goroutine.
func (a *Agent) idleCheck() {
	now := time.Now()
	if a.idleMon != nil {
		if sysIdle, err := a.idleMon.IdleTime(); err == nil {
			a.detector.SyncSystemIdle(sysIdle, now)
		} else {
			a.log.Debugf("Idle monitor query failed: %v", err)
		}
	}
	a.detector.Poll(now)
}

// uploadOnce drains one batch from the queue. Runs on the cron
// goroutine so a slow server never stalls the tick loop; overlapping
// runs are collapsed.
func (a *Agent) uploadOnce(ctx context.Context) {
	a.mu.Lock()
	if a.uploading {
		a.mu.Unlock()
		return
	}
	a.uploading = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.uploading = false
		a.mu.Unlock()
	}()

	batch := a.q.DequeueBatch(a.cfg.Settings.MaxBatchSize)
	if len(batch) == 0 {
		return
	}

	out := a.client.UploadBatch(ctx, batch)

	if len(out.Delivered) > 0 {
		a.log.Verbosef("Uploaded %d records (%d queued)", len(out.Delivered), a.q.Len())
		if a.mirror != nil {
			a.mirror.InsertRecords(out.Delivered)
		}
		if a.webhook != nil {
			a.webhook.SubmitRecords(ctx, out.Delivered)
		}
	}

	if out.ReauthRequired {
		// Not the records' fault: requeue without counting an attempt
		// and stop burning batches until the user logs in again.
		a.q.Requeue(out.Requeue)
		a.setStatus(StatusAuthError)
		a.log.Errorf("%v", api.ErrReauthRequired)
		return
	}

	// Transport failures retry without penalty; a server outage must
	// not burn through the attempt cap. Only records the server
	// actively rejected count toward dead-lettering.
	requeue := append([]tracker.ActivityRecord{}, out.Requeue...)
	for _, rec := range out.Rejected {
		rec.Attempts++
		if rec.Attempts >= a.cfg.Settings.MaxUploadAttempts {
			a.deadLetter(rec)
			continue
		}
		requeue = append(requeue, rec)
	}
	a.q.Requeue(requeue)

	failed := len(out.Requeue) + len(out.Rejected)

	a.mu.Lock()
	a.delivered += len(out.Delivered)
	a.failed += failed
	a.mu.Unlock()

	switch {
	case failed == 0:
		a.setStatus(StatusConnected)
	case len(out.Delivered) > 0:
		a.setStatus(StatusConnected)
		a.log.Warningf("%d records failed to upload, requeued", failed)
	default:
		a.setStatus(StatusUnreachable)
		a.log.Warningf("Upload failed for the whole batch, %d records requeued", failed)
	}
}

// deadLetter parks a record that keeps failing in the fallback store so
// it stops cycling through the queue. Without a store the record stays
// in the queue; an unreachable server should not delete data.
func (a *Agent) deadLetter(rec tracker.ActivityRecord) {
	if a.store == nil {
		rec.Attempts = 0
		a.q.Requeue([]tracker.ActivityRecord{rec})
		return
	}
	if err := a.store.SaveRecords([]tracker.ActivityRecord{rec}); err != nil {
		a.log.Warningf("Could not park failing record: %v", err)
		a.q.Requeue([]tracker.ActivityRecord{rec})
		return
	}
	a.log.Warningf("Record for %s failed %d uploads, parked in local store", rec.AppName, rec.Attempts)
}

// shutdown force-closes the open session and persists whatever is still
// queued. Runs exactly once, from Run.
func (a *Agent) shutdown() {
	a.log.Infof("Shutting down")

	if a.cron != nil {
		a.cron.Stop()
	}
	a.listener.Stop()

	a.tracker.Shutdown(time.Now())

	pending := a.q.DrainAll()
	if len(pending) == 0 {
		return
	}
	if a.store == nil {
		a.log.Warningf("Discarding %d unsent records (no local store)", len(pending))
		return
	}
	if err := a.store.SaveRecords(pending); err != nil {
		a.log.Errorf("Could not persist %d unsent records: %v", len(pending), err)
		return
	}
	a.log.Infof("Persisted %d unsent records for next run", len(pending))
}

// SetPaused pauses or resumes session tracking.
func (a *Agent) SetPaused(paused bool) {
	a.mu.Lock()
	a.paused = paused
	a.mu.Unlock()
	a.tracker.SetPaused(paused, time.Now())
}

// logStatus prints a one-line status summary once a minute.
func (a *Agent) logStatus() {
	snap := a.Snapshot()
	state := "no session"
	switch {
	case snap.Paused:
		state = "paused"
	case snap.Idle:
		state = "idle"
	case snap.InSession:
		state = fmt.Sprintf("tracking %s", snap.Session.AppName)
	}
	a.log.Verbosef("Status: %s | %s | queued %d | uploaded %d | failed %d",
		snap.Status, state, snap.QueueDepth, snap.Delivered, snap.Failed)
}

func (a *Agent) setStatus(s Status) {
	a.mu.Lock()
	changed := a.status != s
	a.status = s
	a.mu.Unlock()
	if changed {
		a.log.Infof("Connection status: %s", s)
	}
}

// Snapshot returns the current agent state for status display.
func (a *Agent) Snapshot() Snapshot {
	a.mu.Lock()
	snap := Snapshot{
		Status:    a.status,
		Delivered: a.delivered,
		Failed:    a.failed,
		Paused:    a.paused,
	}
	a.mu.Unlock()

	snap.QueueDepth = a.q.Len()
	snap.Session, snap.InSession = a.tracker.Current()
	snap.Idle = a.detector.IsIdle()
	return snap
}
