// Package sessions owns per-user database sessions: one handle and one set
// of run traces each, single-run-at-a-time, reclaimed when idle.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/joescharf/askdb/internal/dbadapter"
	"github.com/joescharf/askdb/internal/models"
	"github.com/joescharf/askdb/internal/tools"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrBusy     = errors.New("session busy")
)

// DefaultIdleTimeout is used when Options.IdleTimeout is zero.
const DefaultIdleTimeout = 15 * time.Minute

// Runner answers one question against a backend. *agent.Orchestrator
// satisfies it.
type Runner interface {
	Run(ctx context.Context, question string, backend tools.Backend) (*models.AgentOutcome, error)
}

// RunRecorder persists run summaries. *store.SQLiteStore satisfies it.
type RunRecorder interface {
	SaveRun(ctx context.Context, run *models.RunRecord) error
}

// ConnectFunc opens a handle for a config.
type ConnectFunc func(ctx context.Context, cfg models.DatabaseConfig) (Handle, error)

// Options configures a Manager. Zero values select defaults.
type Options struct {
	IdleTimeout time.Duration
	Connect     ConnectFunc
	Recorder    RunRecorder
	Logger      *slog.Logger
	Now         func() time.Time
}

// Manager tracks live sessions. Concurrent Ask calls on one session fail
// fast with ErrBusy; different sessions run in parallel.
type Manager struct {
	runner   Runner
	idle     time.Duration
	connect  ConnectFunc
	recorder RunRecorder
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

// NewManager creates a Manager that runs questions with runner.
func NewManager(runner Runner, opts Options) *Manager {
	m := &Manager{
		runner:   runner,
		idle:     opts.IdleTimeout,
		connect:  opts.Connect,
		recorder: opts.Recorder,
		logger:   opts.Logger,
		now:      opts.Now,
		sessions: make(map[string]*session),
	}
	if m.idle <= 0 {
		m.idle = DefaultIdleTimeout
	}
	if m.connect == nil {
		m.connect = connectAdapter
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

func connectAdapter(ctx context.Context, cfg models.DatabaseConfig) (Handle, error) {
	h, err := dbadapter.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Connect opens a new session for cfg and returns its id. No session is
// created when the connection fails.
func (m *Manager) Connect(ctx context.Context, cfg models.DatabaseConfig) (string, error) {
	h, err := m.connect(ctx, cfg)
	if err != nil {
		return "", err
	}

	now := m.now()
	s := &session{
		id:         ulid.Make().String(),
		handle:     h,
		createdAt:  now,
		lastActive: now,
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	m.logger.Info("session connected", "session_id", s.id, "dialect", h.DialectName(), "target", h.Config().Target())
	return s.id, nil
}

// lookup returns the live session and marks it active. A session idle past
// the timeout is reclaimed here even if the reaper has not run yet.
func (m *Manager) lookup(id string) (*session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	now := m.now()
	if m.expired(s, now) && s.runMu.TryLock() {
		delete(m.sessions, id)
		m.mu.Unlock()
		m.closeLocked(s, "idle")
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.lastActive = now
	m.mu.Unlock()
	return s, nil
}

func (m *Manager) expired(s *session, now time.Time) bool {
	return now.Sub(s.lastActive) >= m.idle
}

// closeLocked releases a session whose runMu the caller holds.
func (m *Manager) closeLocked(s *session, why string) {
	defer s.runMu.Unlock()
	if err := s.release(); err != nil {
		m.logger.Warn("close session handle", "session_id", s.id, "error", err)
	}
	m.logger.Info("session closed", "session_id", s.id, "reason", why)
}

// Ask runs question in session id. The run is cancelled if the session is
// disconnected meanwhile.
func (m *Manager) Ask(ctx context.Context, id, question string) (*models.AgentOutcome, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if !s.runMu.TryLock() {
		return nil, fmt.Errorf("%w: %s has a run in progress", ErrBusy, id)
	}
	defer s.runMu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.setCancel(cancel)
	defer func() {
		s.setCancel(nil)
		cancel()
	}()

	out, err := m.runner.Run(runCtx, question, s.handle)

	m.mu.Lock()
	s.lastActive = m.now()
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	s.keep(out)
	m.record(ctx, s, question, out)
	return out, nil
}

func (m *Manager) record(ctx context.Context, s *session, question string, out *models.AgentOutcome) {
	if m.recorder == nil {
		return
	}
	cfg := s.handle.Config()
	rec := &models.RunRecord{
		ID:          out.RunID,
		SessionID:   s.id,
		Dialect:     cfg.Dialect,
		Database:    cfg.Target(),
		Question:    question,
		Status:      out.Status,
		Reason:      out.Reason,
		Answer:      out.Answer,
		SQL:         out.SQL,
		RowCount:    out.Rows.RowCount(),
		OracleCalls: out.OracleCalls,
		StartedAt:   out.StartedAt,
		Duration:    out.Duration,
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.recorder.SaveRun(saveCtx, rec); err != nil {
		m.logger.Warn("persist run", "session_id", s.id, "run_id", out.RunID, "error", err)
	}
}

// Disconnect removes the session, cancels any in-flight run, waits for it
// to unwind and releases the handle.
func (m *Manager) Disconnect(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	s.interrupt()
	s.runMu.Lock()
	m.closeLocked(s, "disconnect")
	return nil
}

// Info describes a live session.
func (m *Manager) Info(id string) (Info, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	var last time.Time
	if ok {
		last = s.lastActive
	}
	m.mu.Unlock()
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m.describe(s, last), nil
}

func (m *Manager) describe(s *session, last time.Time) Info {
	info := Info{
		ID:           s.id,
		Dialect:      s.handle.DialectName(),
		Database:     s.handle.Config().Target(),
		CreatedAt:    s.createdAt,
		LastActiveAt: last,
	}
	if s.runMu.TryLock() {
		info.Runs = len(s.runs)
		s.runMu.Unlock()
	} else {
		info.Busy = true
	}
	return info
}

// List describes all live sessions, oldest first.
func (m *Manager) List() []Info {
	m.mu.Lock()
	type entry struct {
		s    *session
		last time.Time
	}
	entries := make([]entry, 0, len(m.sessions))
	for _, s := range m.sessions {
		entries = append(entries, entry{s, s.lastActive})
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		out = append(out, m.describe(e.s, e.last))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) || (out[i].CreatedAt.Equal(out[j].CreatedAt) && out[i].ID < out[j].ID) })
	return out
}

// Runs returns the outcomes of the session's completed runs, oldest first.
func (m *Manager) Runs(id string) ([]*models.AgentOutcome, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if !s.runMu.TryLock() {
		return nil, fmt.Errorf("%w: %s has a run in progress", ErrBusy, id)
	}
	defer s.runMu.Unlock()
	out := make([]*models.AgentOutcome, len(s.runs))
	copy(out, s.runs)
	return out, nil
}

// Ping checks the session's database without counting as activity.
func (m *Manager) Ping(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !s.runMu.TryLock() {
		return fmt.Errorf("%w: %s has a run in progress", ErrBusy, id)
	}
	defer s.runMu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.handle.Ping(ctx)
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Reap reclaims every idle session that has no run in progress and returns
// how many were closed.
func (m *Manager) Reap(now time.Time) int {
	var idle []*session
	m.mu.Lock()
	for id, s := range m.sessions {
		if m.expired(s, now) && s.runMu.TryLock() {
			delete(m.sessions, id)
			idle = append(idle, s)
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		m.closeLocked(s, "idle")
	}
	return len(idle)
}

// Start reaps idle sessions every interval until ctx is done.
func (m *Manager) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = m.idle / 4
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Reap(m.now()); n > 0 {
				m.logger.Info("reaped idle sessions", "count", n)
			}
		}
	}
}

// Close disconnects every session, releasing handles in parallel.
func (m *Manager) Close() error {
	m.mu.Lock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*session)
	m.mu.Unlock()

	var g errgroup.Group
	for _, s := range all {
		g.Go(func() error {
			s.interrupt()
			s.runMu.Lock()
			defer s.runMu.Unlock()
			return s.release()
		})
	}
	return g.Wait()
}
