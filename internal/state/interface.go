package state

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/relay/pkg/models"
)

var (
	// ErrNotFound is returned when a snapshot or workflow has no stored snapshot.
	ErrNotFound = errors.New("snapshot not found")
	// ErrSnapshotExists is returned when saving a snapshot whose ID is already stored.
	ErrSnapshotExists = errors.New("snapshot already exists")
)

// SnapshotWriter persists snapshots.
type SnapshotWriter interface {
	// Save stores snap and returns its ID. The store assigns ID (if empty),
	// CreatedAt (if zero) and the next Sequence for the workflow. A saved
	// snapshot is never modified, and readers never observe a partial write.
	// The assigned fields are also written back to snap.
	Save(ctx context.Context, snap *models.Snapshot) (string, error)
}

// SnapshotReader loads snapshots.
type SnapshotReader interface {
	Load(ctx context.Context, id string) (*models.Snapshot, error)
	// List returns the snapshots of a workflow in sequence order.
	List(ctx context.Context, workflowID string) ([]models.SnapshotInfo, error)
	// Latest returns the highest-sequence snapshot of a workflow.
	Latest(ctx context.Context, workflowID string) (*models.Snapshot, error)
	// Workflows returns the latest snapshot info of every stored workflow,
	// most recent first.
	Workflows(ctx context.Context) ([]models.SnapshotInfo, error)
}

// Store is the execution state store used by the orchestrator. It composes
// focused sub-interfaces so that readers can depend on reads only.
type Store interface {
	io.Closer
	SnapshotWriter
	SnapshotReader
}

// Compile-time verification that all backends implement Store.
var (
	_ Store = (*DB)(nil)
	_ Store = (*FileStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

// prepare fills the store-assigned fields of a snapshot.
func prepare(snap *models.Snapshot, seq int64, now time.Time) {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = now
	}
	snap.Sequence = seq
	if snap.Workflow != nil && snap.WorkflowID == "" {
		snap.WorkflowID = snap.Workflow.ID
	}
}

func validate(snap *models.Snapshot) error {
	if snap == nil {
		return errors.New("nil snapshot")
	}
	if snap.WorkflowID == "" && (snap.Workflow == nil || snap.Workflow.ID == "") {
		return errors.New("snapshot has no workflow id")
	}
	return nil
}
