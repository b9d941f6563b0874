package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/conveyorci/conveyor/internal/metrics"
	"github.com/conveyorci/conveyor/internal/pipeline"
)

// SessionStore is the slice of storage the monitor needs.
type SessionStore interface {
	GetAgentSession(ctx context.Context, id string) (*pipeline.AgentSession, error)
	UpdateAgentSessionStatus(ctx context.Context, id string, status pipeline.SessionStatus, commitSHA, failReason string) error
	SetAgentSessionTimeout(ctx context.Context, id string, at time.Time) error
}

// Callbacks fire exactly once when a monitored session reaches a terminal
// outcome.
type Callbacks struct {
	OnComplete func(commitSHA string)
	OnTimeout  func()
	OnFailed   func(reason string)
}

// MonitorOpts configure one supervision loop.
type MonitorOpts struct {
	PollInterval time.Duration
	Timeout      time.Duration
	Callbacks    Callbacks
}

// Monitor supervises agent sessions by polling their rows. The session row
// is written externally (a webhook marks it completed or failed); the
// monitor's job is to notice, and to enforce the timeout ceiling even if
// that update never arrives.
type Monitor struct {
	store  SessionStore
	logger *zap.Logger

	mu     sync.Mutex
	active map[string]*monitorEntry
	wg     sync.WaitGroup

	now func() time.Time
}

// monitorEntry identifies one polling loop, so a replaced loop can be told
// apart from its successor under the same session id.
type monitorEntry struct {
	cancel context.CancelFunc
}

func NewMonitor(store SessionStore, logger *zap.Logger) *Monitor {
	return &Monitor{
		store:  store,
		logger: logger.Named("monitor"),
		active: make(map[string]*monitorEntry),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// StartMonitoring persists the session's absolute deadline and begins
// polling it. Starting a monitor for a session that already has one
// replaces the old loop.
func (m *Monitor) StartMonitoring(ctx context.Context, sessionID string, opts MonitorOpts) error {
	timeoutAt := m.now().Add(opts.Timeout)
	if err := m.store.SetAgentSessionTimeout(ctx, sessionID, timeoutAt); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	entry := &monitorEntry{cancel: cancel}

	m.mu.Lock()
	if old, ok := m.active[sessionID]; ok {
		old.cancel()
	} else {
		metrics.ActiveMonitors.Inc()
	}
	m.active[sessionID] = entry
	m.mu.Unlock()

	m.wg.Add(1)
	go m.poll(loopCtx, sessionID, entry, opts)

	m.logger.Info("monitoring started",
		zap.String("session_id", sessionID),
		zap.Time("timeout_at", timeoutAt),
		zap.Duration("poll_interval", opts.PollInterval))
	return nil
}

func (m *Monitor) poll(ctx context.Context, sessionID string, entry *monitorEntry, opts MonitorOpts) {
	defer m.wg.Done()
	defer m.remove(sessionID, entry)

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if done := m.check(ctx, sessionID, opts.Callbacks); done {
				return
			}
		}
	}
}

// check runs one tick. Returns true when monitoring should stop.
func (m *Monitor) check(ctx context.Context, sessionID string, cb Callbacks) bool {
	sess, err := m.store.GetAgentSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			// Run abandoned; nothing to report.
			m.logger.Debug("session row gone, stopping", zap.String("session_id", sessionID))
			return true
		}
		m.logger.Warn("session poll failed", zap.String("session_id", sessionID), zap.Error(err))
		return false
	}

	switch {
	case m.now().After(sess.TimeoutAt):
		if err := m.store.UpdateAgentSessionStatus(ctx, sessionID, pipeline.SessionTimeout, "", "deadline exceeded"); err != nil {
			m.logger.Error("mark session timeout", zap.String("session_id", sessionID), zap.Error(err))
		}
		m.logger.Warn("session timed out", zap.String("session_id", sessionID))
		if cb.OnTimeout != nil {
			cb.OnTimeout()
		}
		return true

	case sess.Status == pipeline.SessionCompleted:
		m.logger.Info("session completed",
			zap.String("session_id", sessionID),
			zap.String("commit_sha", sess.CommitSHA))
		if cb.OnComplete != nil {
			cb.OnComplete(sess.CommitSHA)
		}
		return true

	case sess.Status == pipeline.SessionFailed:
		m.logger.Warn("session failed",
			zap.String("session_id", sessionID),
			zap.String("reason", sess.FailReason))
		if cb.OnFailed != nil {
			cb.OnFailed(sess.FailReason)
		}
		return true
	}

	return false
}

// remove drops the registry entry only when it still belongs to the
// departing loop; a replaced loop must not evict its successor.
func (m *Monitor) remove(sessionID string, entry *monitorEntry) {
	m.mu.Lock()
	if m.active[sessionID] == entry {
		delete(m.active, sessionID)
		metrics.ActiveMonitors.Dec()
	}
	m.mu.Unlock()
}

// ClearMonitor cancels the loop for one session. Safe to call for a
// session that is not being monitored.
func (m *Monitor) ClearMonitor(sessionID string) {
	m.mu.Lock()
	entry, ok := m.active[sessionID]
	m.mu.Unlock()
	if ok {
		entry.cancel()
	}
}

// ClearAllMonitors cancels every active loop and waits for them to exit.
// Used on shutdown to avoid orphaned timers.
func (m *Monitor) ClearAllMonitors() {
	m.mu.Lock()
	entries := make([]*monitorEntry, 0, len(m.active))
	for _, entry := range m.active {
		entries = append(entries, entry)
	}
	m.mu.Unlock()

	for _, entry := range entries {
		entry.cancel()
	}
	m.wg.Wait()
}

// ActiveCount reports how many sessions are being monitored.
func (m *Monitor) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}
