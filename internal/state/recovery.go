package state

import (
	"context"
	"fmt"

	"github.com/ShayCichocki/relay/pkg/models"
)

// Interrupted returns the workflows whose latest snapshot is not terminal.
// These were stopped mid-run, typically by a process exit, and can be resumed.
func Interrupted(ctx context.Context, r SnapshotReader) ([]models.SnapshotInfo, error) {
	all, err := r.Workflows(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	var out []models.SnapshotInfo
	for _, info := range all {
		if !info.Status.IsTerminal() {
			out = append(out, info)
		}
	}
	return out, nil
}

// Open store drivers.
const (
	DriverSQLite = "sqlite"
	DriverFile   = "file"
	DriverMemory = "memory"
)

// OpenStore opens the store for the configured driver. path is the database
// file for sqlite and the base directory for file; memory ignores it.
func OpenStore(driver, path string) (Store, error) {
	switch driver {
	case DriverSQLite, "":
		if path == "" {
			path = DefaultDBPath()
		}
		return OpenAndMigrate(path)
	case DriverFile:
		if path == "" {
			return nil, fmt.Errorf("file store requires a path")
		}
		return NewFileStore(path)
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
