package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ShayCichocki/relay/pkg/models"
)

// MemoryStore keeps snapshots in memory as encoded bytes, so callers can
// never alias stored state. Used by tests and dry runs.
type MemoryStore struct {
	mu         sync.RWMutex
	payloads   map[string][]byte
	infos      map[string]models.SnapshotInfo
	byWorkflow map[string][]string
	now        func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payloads:   make(map[string][]byte),
		infos:      make(map[string]models.SnapshotInfo),
		byWorkflow: make(map[string][]string),
		now:        time.Now,
	}
}

// Save stores a copy of snap.
func (m *MemoryStore) Save(ctx context.Context, snap *models.Snapshot) (string, error) {
	if err := validate(snap); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c := snap.Clone()
	if c.ID != "" {
		if _, exists := m.payloads[c.ID]; exists {
			return "", fmt.Errorf("%w: %s", ErrSnapshotExists, c.ID)
		}
	}
	wfID := c.WorkflowID
	if wfID == "" {
		wfID = c.Workflow.ID
	}
	prepare(c, int64(len(m.byWorkflow[wfID]))+1, m.now())

	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	m.payloads[c.ID] = data
	m.infos[c.ID] = c.Info()
	m.byWorkflow[c.WorkflowID] = append(m.byWorkflow[c.WorkflowID], c.ID)

	snap.ID, snap.Sequence, snap.CreatedAt, snap.WorkflowID = c.ID, c.Sequence, c.CreatedAt, c.WorkflowID
	return c.ID, nil
}

// Load returns a copy of the snapshot with the given ID.
func (m *MemoryStore) Load(ctx context.Context, id string) (*models.Snapshot, error) {
	m.mu.RLock()
	data, ok := m.payloads[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	var snap models.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", id, err)
	}
	return &snap, nil
}

// List returns snapshot infos for a workflow in sequence order.
func (m *MemoryStore) List(ctx context.Context, workflowID string) ([]models.SnapshotInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byWorkflow[workflowID]
	out := make([]models.SnapshotInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.infos[id])
	}
	return out, nil
}

// Latest returns the latest snapshot of a workflow.
func (m *MemoryStore) Latest(ctx context.Context, workflowID string) (*models.Snapshot, error) {
	m.mu.RLock()
	ids := m.byWorkflow[workflowID]
	m.mu.RUnlock()
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: workflow %s", ErrNotFound, workflowID)
	}
	return m.Load(ctx, ids[len(ids)-1])
}

// Workflows returns the latest snapshot info per workflow, most recent first.
func (m *MemoryStore) Workflows(ctx context.Context) ([]models.SnapshotInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.SnapshotInfo, 0, len(m.byWorkflow))
	for _, ids := range m.byWorkflow {
		out = append(out, m.infos[ids[len(ids)-1]])
	}
	sortRecentFirst(out)
	return out, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func sortRecentFirst(infos []models.SnapshotInfo) {
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].CreatedAt.After(infos[j].CreatedAt)
		}
		return infos[i].WorkflowID < infos[j].WorkflowID
	})
}
