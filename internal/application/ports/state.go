package ports

import (
	"context"

	"github.com/terrafusion/syncservice/internal/domain/job"
)

// -----------------------------------------------------------------------------
// Job State Storage Port
// -----------------------------------------------------------------------------

// StateStorePort persists sync job state for checkpointing and resume.
//
// Implementations write the state atomically so a crash never leaves a
// partially written state behind. Operation record payloads are not persisted.
type StateStorePort interface {
	// Save persists the state, replacing any previous state for the same job ID.
	Save(ctx context.Context, state *job.SyncState) error

	// Load reads the state for a job.
	// Returns a NOT_FOUND error wrapping errors.ErrJobNotFound when it does not exist.
	Load(ctx context.Context, jobID string) (*job.SyncState, error)

	// List returns every persisted state, most recently updated first.
	List(ctx context.Context) ([]*job.SyncState, error)

	// Delete removes the state for a job.
	Delete(ctx context.Context, jobID string) error
}
