package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/joescharf/askdb/internal/models"
	"github.com/joescharf/askdb/internal/tools"
)

// maxKeptRuns bounds how many run outcomes a session retains.
const maxKeptRuns = 50

// Handle is a live database connection owned by exactly one session.
// *dbadapter.Handle satisfies it.
type Handle interface {
	tools.Backend
	Config() models.DatabaseConfig
	Ping(ctx context.Context) error
	Close() error
}

// Info describes a session without exposing its handle.
type Info struct {
	ID           string         `json:"id"`
	Dialect      models.Dialect `json:"dialect"`
	Database     string         `json:"database"`
	CreatedAt    time.Time      `json:"created_at"`
	LastActiveAt time.Time      `json:"last_active_at"`
	Runs         int            `json:"runs"`
	Busy         bool           `json:"busy"`
}

// session is one isolated user context. lastActive is guarded by the
// Manager's mutex; runMu admits one run at a time and guards closed,
// cancel and runs.
type session struct {
	id        string
	handle    Handle
	createdAt time.Time

	lastActive time.Time

	runMu  sync.Mutex
	closed bool
	runs   []*models.AgentOutcome

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

func (s *session) setCancel(cancel context.CancelFunc) {
	s.cancelMu.Lock()
	s.cancel = cancel
	s.cancelMu.Unlock()
}

// interrupt cancels the in-flight run, if any.
func (s *session) interrupt() {
	s.cancelMu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.cancelMu.Unlock()
}

// release closes the handle. The caller must hold runMu.
func (s *session) release() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.handle.Close()
}

func (s *session) keep(out *models.AgentOutcome) {
	s.runs = append(s.runs, out)
	if len(s.runs) > maxKeptRuns {
		s.runs = s.runs[len(s.runs)-maxKeptRuns:]
	}
}
