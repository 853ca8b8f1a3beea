package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	pkgerrors "github.com/quantumfed/quantumfed/pkg/errors"
	"github.com/quantumfed/quantumfed/pkg/fl"
	"github.com/quantumfed/quantumfed/pkg/orchestration"
	"github.com/quantumfed/quantumfed/pkg/storage"
)

// snapshotStore keeps the versioned global model. Version 0 is seeded
// at construction so the first round always has a base to train
// against; published versions are never overwritten.
type snapshotStore struct {
	db storage.Storage
}

func NewSnapshotStore(db storage.Storage, initial fl.Snapshot) (orchestration.SnapshotStore, error) {
	s := &snapshotStore{db: db}

	if initial.Params == nil {
		initial = DefaultInitialSnapshot()
	}
	initial.Version = 0

	if err := s.db.Create(context.Background(), versionKey(0), initial); err != nil &&
		!errors.Is(err, pkgerrors.ErrEntityExists) {
		return nil, err
	}

	return s, nil
}

// DefaultInitialSnapshot is the zero model participants start from
// when no warm-start parameters are configured.
func DefaultInitialSnapshot() fl.Snapshot {
	return fl.Snapshot{
		Version: 0,
		Params: map[string]any{
			"w": []float64{0.0, 0.0, 0.0},
			"b": 0.0,
		},
		Metadata: map[string]any{
			"initial": true,
		},
		CreatedAt: time.Now(),
	}
}

func (s *snapshotStore) Publish(ctx context.Context, snapshot fl.Snapshot) error {
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now()
	}

	if err := s.db.Create(ctx, versionKey(snapshot.Version), snapshot); err != nil {
		if errors.Is(err, pkgerrors.ErrEntityExists) {
			return orchestration.ErrSnapshotExists
		}

		return err
	}

	return nil
}

func (s *snapshotStore) Get(ctx context.Context, version int) (fl.Snapshot, error) {
	data, err := s.db.Get(ctx, versionKey(version))
	if err != nil {
		if errors.Is(err, pkgerrors.ErrNotFound) {
			return fl.Snapshot{}, orchestration.ErrSnapshotNotFound
		}

		return fl.Snapshot{}, err
	}

	snap, ok := data.(fl.Snapshot)
	if !ok {
		return fl.Snapshot{}, pkgerrors.ErrInvalidData
	}

	return snap, nil
}

func (s *snapshotStore) Latest(ctx context.Context) (fl.Snapshot, error) {
	versions, err := s.Versions(ctx)
	if err != nil {
		return fl.Snapshot{}, err
	}
	if len(versions) == 0 {
		return fl.Snapshot{}, orchestration.ErrSnapshotNotFound
	}

	return s.Get(ctx, versions[len(versions)-1])
}

func (s *snapshotStore) Versions(ctx context.Context) ([]int, error) {
	data, _, err := s.db.List(ctx, 0, 0)
	if err != nil {
		return nil, err
	}

	versions := make([]int, 0, len(data))
	for i := range data {
		snap, ok := data[i].(fl.Snapshot)
		if !ok {
			continue
		}
		versions = append(versions, snap.Version)
	}
	sort.Ints(versions)

	return versions, nil
}

// versionKey pads so that lexicographic listing follows version order.
func versionKey(version int) string {
	return fmt.Sprintf("v%010d", version)
}
