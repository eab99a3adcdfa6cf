package dispatch

import (
	"context"

	"github.com/fluxionlabs/fluxion/pkg/models"
)

// ReadyIndex is a derived view of the ready queue. It may lag or lose
// entries; storage stays authoritative and the index can always be rebuilt
// from it.
type ReadyIndex interface {
	Add(ctx context.Context, sessionID int64, taskID string) error
	Remove(ctx context.Context, sessionID int64, taskID string) error

	// Rebuild replaces the index contents with the ready tasks given.
	Rebuild(ctx context.Context, tasks []*models.Task) error

	// Size reports the number of indexed entries.
	Size(ctx context.Context) (int64, error)
}
