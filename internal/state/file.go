package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ShayCichocki/relay/pkg/models"
)

// FileStore keeps one JSON file per snapshot under
// <base>/<workflow_id>/<sequence>-<snapshot_id>.json. Each file is written to a
// temporary name, synced and renamed into place, so a reader sees either the
// whole snapshot or nothing.
type FileStore struct {
	basePath string
	mu       sync.RWMutex
	now      func() time.Time
}

// NewFileStore creates a file store rooted at basePath.
func NewFileStore(basePath string) (*FileStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}
	return &FileStore{basePath: basePath, now: time.Now}, nil
}

// Save writes snap to a new file.
func (f *FileStore) Save(ctx context.Context, snap *models.Snapshot) (string, error) {
	if err := validate(snap); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	c := snap.Clone()
	if c.ID != "" {
		if _, err := f.findLocked(c.ID); err == nil {
			return "", fmt.Errorf("%w: %s", ErrSnapshotExists, c.ID)
		}
	}
	wfID := c.WorkflowID
	if wfID == "" {
		wfID = c.Workflow.ID
	}

	wfDir := filepath.Join(f.basePath, wfID)
	if err := os.MkdirAll(wfDir, 0755); err != nil {
		return "", fmt.Errorf("create workflow directory: %w", err)
	}
	entries, err := f.entriesLocked(wfID)
	if err != nil {
		return "", err
	}
	var seq int64 = 1
	if len(entries) > 0 {
		seq = entries[len(entries)-1].seq + 1
	}
	prepare(c, seq, f.now())

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}

	final := filepath.Join(wfDir, fmt.Sprintf("%020d-%s.json", c.Sequence, c.ID))
	tmp, err := os.CreateTemp(wfDir, ".snapshot-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp snapshot file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("publish snapshot: %w", err)
	}

	snap.ID, snap.Sequence, snap.CreatedAt, snap.WorkflowID = c.ID, c.Sequence, c.CreatedAt, c.WorkflowID
	return c.ID, nil
}

type fileEntry struct {
	seq  int64
	id   string
	path string
}

// entriesLocked lists published snapshot files of a workflow by sequence.
func (f *FileStore) entriesLocked(workflowID string) ([]fileEntry, error) {
	dir := filepath.Join(f.basePath, workflowID)
	des, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read workflow directory: %w", err)
	}

	var entries []fileEntry
	for _, de := range des {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		seqStr, id, ok := strings.Cut(strings.TrimSuffix(name, ".json"), "-")
		if !ok {
			continue
		}
		seq, err := strconv.ParseInt(seqStr, 10, 64)
		if err != nil {
			continue
		}
		entries = append(entries, fileEntry{seq: seq, id: id, path: filepath.Join(dir, name)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	return entries, nil
}

func (f *FileStore) findLocked(id string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(f.basePath, "*", "*-"+id+".json"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return matches[0], nil
}

func readSnapshot(path string) (*models.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap models.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", filepath.Base(path), err)
	}
	return &snap, nil
}

// Load reads a snapshot by ID.
func (f *FileStore) Load(ctx context.Context, id string) (*models.Snapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	path, err := f.findLocked(id)
	if err != nil {
		return nil, err
	}
	return readSnapshot(path)
}

// List returns snapshot infos for a workflow in sequence order.
func (f *FileStore) List(ctx context.Context, workflowID string) ([]models.SnapshotInfo, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entries, err := f.entriesLocked(workflowID)
	if err != nil {
		return nil, err
	}
	out := make([]models.SnapshotInfo, 0, len(entries))
	for _, e := range entries {
		snap, err := readSnapshot(e.path)
		if err != nil {
			return nil, err
		}
		out = append(out, snap.Info())
	}
	return out, nil
}

// Latest returns the highest-sequence snapshot of a workflow.
func (f *FileStore) Latest(ctx context.Context, workflowID string) (*models.Snapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entries, err := f.entriesLocked(workflowID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: workflow %s", ErrNotFound, workflowID)
	}
	return readSnapshot(entries[len(entries)-1].path)
}

// Workflows returns the latest snapshot info per workflow, most recent first.
func (f *FileStore) Workflows(ctx context.Context) ([]models.SnapshotInfo, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	des, err := os.ReadDir(f.basePath)
	if err != nil {
		return nil, fmt.Errorf("read snapshot directory: %w", err)
	}
	var out []models.SnapshotInfo
	for _, de := range des {
		if !de.IsDir() {
			continue
		}
		entries, err := f.entriesLocked(de.Name())
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			continue
		}
		snap, err := readSnapshot(entries[len(entries)-1].path)
		if err != nil {
			return nil, err
		}
		out = append(out, snap.Info())
	}
	sortRecentFirst(out)
	return out, nil
}

// Close is a no-op.
func (f *FileStore) Close() error { return nil }
