package device

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-autopilot/internal/models"
	"github.com/miradorstack/mirador-autopilot/internal/store"
)

// DefaultExportCommand dumps the running configuration.
const DefaultExportCommand = "/export"

// DocumentStore is the subset of the store snapshots need.
type DocumentStore interface {
	PutDocument(collection, id string, v any) error
	GetDocument(collection, id string, out any) error
}

// SnapshotManager captures configuration exports and keeps them as rollback anchors.
type SnapshotManager struct {
	executor      Executor
	store         DocumentStore
	exportCommand string
	logger        *slog.Logger
	now           func() time.Time
}

// NewSnapshotManager wires a snapshotter. An empty exportCommand uses DefaultExportCommand.
func NewSnapshotManager(executor Executor, st DocumentStore, exportCommand string, logger *slog.Logger) *SnapshotManager {
	if exportCommand == "" {
		exportCommand = DefaultExportCommand
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotManager{executor: executor, store: st, exportCommand: exportCommand, logger: logger, now: time.Now}
}

// CreateSnapshot exports the configuration and persists it, returning the snapshot id.
func (m *SnapshotManager) CreateSnapshot(ctx context.Context, trigger string) (string, error) {
	content, err := m.executor.Execute(ctx, m.exportCommand, nil)
	if err != nil {
		return "", fmt.Errorf("export configuration: %w", err)
	}
	snap := models.Snapshot{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		Content:   content,
		CreatedAt: m.now().UTC(),
	}
	if err := m.store.PutDocument(store.CollectionSnapshots, snap.ID, snap); err != nil {
		return "", fmt.Errorf("persist snapshot: %w", err)
	}
	m.logger.Info("configuration snapshot created", slog.String("snapshot_id", snap.ID), slog.String("trigger", trigger))
	return snap.ID, nil
}

// Get loads a snapshot by id.
func (m *SnapshotManager) Get(id string) (models.Snapshot, error) {
	var snap models.Snapshot
	if err := m.store.GetDocument(store.CollectionSnapshots, id, &snap); err != nil {
		return models.Snapshot{}, err
	}
	return snap, nil
}

// ListSnapshots returns every snapshot, newest first.
func ListSnapshots(st *store.Store) ([]models.Snapshot, error) {
	snaps, err := store.LoadDocuments[models.Snapshot](st, store.CollectionSnapshots)
	if err != nil {
		return nil, err
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreatedAt.After(snaps[j].CreatedAt) })
	return snaps, nil
}
