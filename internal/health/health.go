package health

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joescharf/askdb/internal/sessions"
)

// Report statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// DefaultPingTimeout bounds each session ping.
const DefaultPingTimeout = 5 * time.Second

// maxConcurrentPings limits how many handles are pinged at once.
const maxConcurrentPings = 8

// Sessions is the subset of *sessions.Manager the checker needs.
type Sessions interface {
	List() []sessions.Info
	Ping(ctx context.Context, id string) error
}

// Report is the result of one health check.
type Report struct {
	Status      string    `json:"status"`
	Reachable   bool      `json:"reachable"`
	Sessions    int       `json:"sessions"`
	Unreachable []string  `json:"unreachable"`
	CheckedAt   time.Time `json:"checked_at"`
}

// Checker pings every live session's database.
type Checker struct {
	sessions Sessions
	timeout  time.Duration
}

// NewChecker returns a Checker. A timeout <= 0 selects DefaultPingTimeout.
func NewChecker(s Sessions, timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = DefaultPingTimeout
	}
	return &Checker{sessions: s, timeout: timeout}
}

// Check pings all sessions in parallel. A session with a run in progress is
// counted as reachable; one that disappeared mid-check is ignored. With no
// live sessions the service itself is up, so Reachable is true.
func (c *Checker) Check(ctx context.Context) Report {
	infos := c.sessions.List()

	var (
		mu   sync.Mutex
		down []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentPings)
	for _, info := range infos {
		g.Go(func() error {
			if !c.reachable(gctx, info.ID) {
				mu.Lock()
				down = append(down, info.ID)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(down)

	r := Report{
		Status:      StatusOK,
		Reachable:   len(down) == 0,
		Sessions:    len(infos),
		Unreachable: down,
		CheckedAt:   time.Now().UTC(),
	}
	if r.Unreachable == nil {
		r.Unreachable = []string{}
	}
	if !r.Reachable {
		r.Status = StatusDegraded
	}
	return r
}

// Session pings one session. It returns sessions.ErrNotFound for an unknown id.
func (c *Checker) Session(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	err := c.sessions.Ping(ctx, id)
	switch {
	case err == nil, errors.Is(err, sessions.ErrBusy):
		return true, nil
	case errors.Is(err, sessions.ErrNotFound):
		return false, err
	default:
		return false, nil
	}
}

func (c *Checker) reachable(ctx context.Context, id string) bool {
	ok, err := c.Session(ctx, id)
	if errors.Is(err, sessions.ErrNotFound) {
		return true
	}
	return ok
}
