package store

import (
	"context"
	"errors"

	"github.com/joescharf/askdb/internal/models"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// DefaultListLimit caps ListRuns when no limit is given.
const DefaultListLimit = 50

// Store defines the persistence interface for run history.
type Store interface {
	SaveRun(ctx context.Context, run *models.RunRecord) error
	GetRun(ctx context.Context, id string) (*models.RunRecord, error)
	// ListRuns returns the newest runs first. An empty sessionID lists
	// runs from every session.
	ListRuns(ctx context.Context, sessionID string, limit int) ([]*models.RunRecord, error)
	DeleteRun(ctx context.Context, id string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
