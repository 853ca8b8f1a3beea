package orchestration_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/quantumfed/quantumfed/participant"
	"github.com/quantumfed/quantumfed/pkg/fl"
	"github.com/quantumfed/quantumfed/pkg/orchestration"
	"github.com/quantumfed/quantumfed/pkg/orchestration/store"
	"github.com/quantumfed/quantumfed/pkg/storage"
)

type fakeDispatcher struct {
	mu         sync.Mutex
	dispatched []string
	cancelled  []string
	failFor    map[string]error
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{failFor: make(map[string]error)}
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, task fl.Task, p orchestration.Participant) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err, ok := d.failFor[p.ID]; ok {
		return err
	}
	d.dispatched = append(d.dispatched, p.ID)

	return nil
}

func (d *fakeDispatcher) Cancel(ctx context.Context, roundID, participantID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = append(d.cancelled, participantID)

	return nil
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []string
}

func (e *fakeEmitter) record(kind string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, kind)

	return nil
}

func (e *fakeEmitter) EmitRoundStarted(ctx context.Context, round orchestration.Round) error {
	return e.record("round.started")
}

func (e *fakeEmitter) EmitRoundCompleted(ctx context.Context, round orchestration.Round, snapshot fl.Snapshot) error {
	return e.record("round.completed")
}

func (e *fakeEmitter) EmitRoundFailed(ctx context.Context, round orchestration.Round, errMsg string) error {
	return e.record("round.failed")
}

func (e *fakeEmitter) EmitUpdateReceived(ctx context.Context, update fl.Update) error {
	return e.record("update.received")
}

func (e *fakeEmitter) EmitParticipantRegistered(ctx context.Context, p orchestration.Participant) error {
	return e.record("participant.registered")
}

type fakeSnapshots struct {
	mu    sync.Mutex
	snaps map[int]fl.Snapshot
}

func newFakeSnapshots() *fakeSnapshots {
	return &fakeSnapshots{
		snaps: map[int]fl.Snapshot{0: {Version: 0, Params: map[string]any{"w": []float64{0, 0}, "b": 0.0}}},
	}
}

func (s *fakeSnapshots) Publish(ctx context.Context, snapshot fl.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snaps[snapshot.Version]; ok {
		return orchestration.ErrSnapshotExists
	}
	s.snaps[snapshot.Version] = snapshot

	return nil
}

func (s *fakeSnapshots) Get(ctx context.Context, version int) (fl.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[version]
	if !ok {
		return fl.Snapshot{}, orchestration.ErrSnapshotNotFound
	}

	return snap, nil
}

func (s *fakeSnapshots) Latest(ctx context.Context) (fl.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := make([]int, 0, len(s.snaps))
	for v := range s.snaps {
		versions = append(versions, v)
	}
	sort.Ints(versions)

	return s.snaps[versions[len(versions)-1]], nil
}

func (s *fakeSnapshots) Versions(ctx context.Context) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := make([]int, 0, len(s.snaps))
	for v := range s.snaps {
		versions = append(versions, v)
	}
	sort.Ints(versions)

	return versions, nil
}

type fixture struct {
	coordinator *orchestration.Coordinator
	store       orchestration.StateStore
	snapshots   *fakeSnapshots
	dispatcher  *fakeDispatcher
	emitter     *fakeEmitter
}

func newFixture(t *testing.T, participantIDs ...string) *fixture {
	t.Helper()

	stateStore := store.NewMemoryStateStore(
		storage.NewInMemoryStorage(),
		storage.NewInMemoryStorage(),
		storage.NewInMemoryStorage(),
		storage.NewInMemoryStorage(),
	)

	ctx := context.Background()
	for _, id := range participantIDs {
		p := participant.Participant{
			ID:           id,
			Name:         "participant-" + id,
			Alive:        true,
			AliveHistory: []time.Time{time.Now()},
		}
		if err := stateStore.SaveParticipant(ctx, p); err != nil {
			t.Fatalf("failed to seed participant %s: %v", id, err)
		}
	}

	f := &fixture{
		store:      stateStore,
		snapshots:  newFakeSnapshots(),
		dispatcher: newFakeDispatcher(),
		emitter:    &fakeEmitter{},
	}
	f.coordinator = orchestration.NewCoordinator(
		stateStore, f.snapshots, f.dispatcher, f.emitter,
		orchestration.NewRoundRobinSelector(), fl.NewFedAvgAggregator(),
	)

	return f
}

func update(roundID, participantID string, baseVersion, samples int, w []float64) fl.Update {
	return fl.Update{
		RoundID:       roundID,
		ParticipantID: participantID,
		BaseVersion:   baseVersion,
		NumSamples:    samples,
		Params:        map[string]any{"w": w, "b": 0.0},
	}
}

func TestStartRoundDispatchesToSelectedParticipants(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "p1", "p2", "p3")

	round, err := f.coordinator.StartRound(ctx, orchestration.RoundSpec{
		RoundID:      "round-1",
		Participants: []string{"p1", "p2", "p3"},
		Quorum:       2,
		TimeoutS:     60,
	})
	if err != nil {
		t.Fatalf("start round failed: %v", err)
	}

	if round.State != orchestration.RoundCollecting {
		t.Errorf("expected Collecting, got %s", round.State)
	}
	if round.Number != 1 || round.BaseVersion != 0 {
		t.Errorf("expected round 1 on base version 0, got %d on %d", round.Number, round.BaseVersion)
	}
	if len(f.dispatcher.dispatched) != 3 {
		t.Errorf("expected 3 dispatches, got %d", len(f.dispatcher.dispatched))
	}

	for _, id := range []string{"p1", "p2", "p3"} {
		a, err := f.store.GetAssignment(ctx, "round-1", id)
		if err != nil {
			t.Fatalf("missing assignment for %s: %v", id, err)
		}
		if a.State != orchestration.AssignmentTraining {
			t.Errorf("expected %s training, got %s", id, a.State)
		}

		p, err := f.store.GetParticipant(ctx, id)
		if err != nil {
			t.Fatalf("missing participant %s: %v", id, err)
		}
		if p.RoundCount != 1 {
			t.Errorf("expected %s round count 1, got %d", id, p.RoundCount)
		}
	}
}

func TestStartRoundSelectsWhenNoExplicitMembers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "p1", "p2", "p3", "p4")

	round, err := f.coordinator.StartRound(ctx, orchestration.RoundSpec{SelectK: 2, Quorum: 2})
	if err != nil {
		t.Fatalf("start round failed: %v", err)
	}
	if len(round.Participants) != 2 {
		t.Fatalf("expected 2 selected participants, got %d", len(round.Participants))
	}
}

func TestStartRoundRefusedBelowPopulation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "p1")

	_, err := f.coordinator.StartRound(ctx, orchestration.RoundSpec{SelectK: 3, Quorum: 3})
	if !errors.Is(err, orchestration.ErrInsufficientParticipants) {
		t.Fatalf("expected ErrInsufficientParticipants, got %v", err)
	}
}

func TestStartRoundDuplicateIDRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "p1", "p2")

	spec := orchestration.RoundSpec{RoundID: "round-1", Participants: []string{"p1", "p2"}}
	if _, err := f.coordinator.StartRound(ctx, spec); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	if _, err := f.coordinator.StartRound(ctx, spec); !errors.Is(err, orchestration.ErrRoundExists) {
		t.Fatalf("expected ErrRoundExists, got %v", err)
	}
}

func TestStartRoundFailsWhenDispatchDropsBelowQuorum(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "p1", "p2")
	f.dispatcher.failFor["p2"] = errors.New("broker unreachable")

	_, err := f.coordinator.StartRound(ctx, orchestration.RoundSpec{
		RoundID:      "round-1",
		Participants: []string{"p1", "p2"},
		Quorum:       2,
	})
	if !errors.Is(err, orchestration.ErrInsufficientParticipants) {
		t.Fatalf("expected ErrInsufficientParticipants, got %v", err)
	}

	round, err := f.store.GetRound(ctx, "round-1")
	if err != nil {
		t.Fatalf("round lookup failed: %v", err)
	}
	if round.State != orchestration.RoundFailed {
		t.Errorf("expected Failed, got %s", round.State)
	}
}

func TestSubmitUpdateQuorumAndCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "p1", "p2", "p3")

	if _, err := f.coordinator.StartRound(ctx, orchestration.RoundSpec{
		RoundID:      "round-1",
		Participants: []string{"p1", "p2", "p3"},
		Quorum:       2,
		TimeoutS:     60,
	}); err != nil {
		t.Fatalf("start round failed: %v", err)
	}

	_, ready, err := f.coordinator.SubmitUpdate(ctx, update("round-1", "p1", 0, 10, []float64{1, 2}))
	if err != nil {
		t.Fatalf("first update failed: %v", err)
	}
	if ready {
		t.Fatal("quorum reported after a single update")
	}

	round, ready, err := f.coordinator.SubmitUpdate(ctx, update("round-1", "p2", 0, 30, []float64{2, 3}))
	if err != nil {
		t.Fatalf("second update failed: %v", err)
	}
	if !ready {
		t.Fatal("expected quorum after second update")
	}
	if round.State != orchestration.RoundAggregating {
		t.Errorf("expected Aggregating, got %s", round.State)
	}

	snapshot, err := f.coordinator.CompleteRound(ctx, "round-1")
	if err != nil {
		t.Fatalf("complete round failed: %v", err)
	}
	if snapshot.Version != 1 {
		t.Errorf("expected snapshot version 1, got %d", snapshot.Version)
	}

	// (1*10 + 2*30) / 40 = 1.75
	w := snapshot.Params["w"].([]float64)
	if w[0] != 1.75 {
		t.Errorf("expected aggregated w[0]=1.75, got %f", w[0])
	}

	latest, err := f.snapshots.Latest(ctx)
	if err != nil {
		t.Fatalf("latest snapshot failed: %v", err)
	}
	if latest.Version != 1 {
		t.Errorf("expected latest version 1, got %d", latest.Version)
	}

	// Late update after the round closed.
	if _, _, err := f.coordinator.SubmitUpdate(ctx, update("round-1", "p3", 0, 5, []float64{9, 9})); !errors.Is(err, orchestration.ErrRoundClosed) {
		t.Fatalf("expected ErrRoundClosed, got %v", err)
	}
}

func TestSubmitUpdateValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "p1", "p2", "p3")

	if _, err := f.coordinator.StartRound(ctx, orchestration.RoundSpec{
		RoundID:      "round-1",
		Participants: []string{"p1", "p2"},
		Quorum:       2,
	}); err != nil {
		t.Fatalf("start round failed: %v", err)
	}

	if _, _, err := f.coordinator.SubmitUpdate(ctx, update("missing", "p1", 0, 1, []float64{1})); !errors.Is(err, orchestration.ErrRoundNotFound) {
		t.Fatalf("expected ErrRoundNotFound, got %v", err)
	}

	// p3 is registered but was not selected for this round.
	if _, _, err := f.coordinator.SubmitUpdate(ctx, update("round-1", "p3", 0, 1, []float64{1})); !errors.Is(err, orchestration.ErrUnknownParticipant) {
		t.Fatalf("expected ErrUnknownParticipant, got %v", err)
	}

	if _, _, err := f.coordinator.SubmitUpdate(ctx, update("round-1", "p1", 7, 1, []float64{1})); !errors.Is(err, orchestration.ErrStaleBaseVersion) {
		t.Fatalf("expected ErrStaleBaseVersion, got %v", err)
	}

	if _, _, err := f.coordinator.SubmitUpdate(ctx, update("round-1", "p1", 0, 1, []float64{1})); err != nil {
		t.Fatalf("valid update failed: %v", err)
	}

	if _, _, err := f.coordinator.SubmitUpdate(ctx, update("round-1", "p1", 0, 1, []float64{1})); !errors.Is(err, orchestration.ErrDuplicateUpdate) {
		t.Fatalf("expected ErrDuplicateUpdate, got %v", err)
	}
}

func TestProgressTimeoutBelowQuorum(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "p1", "p2", "p3")

	round, err := f.coordinator.StartRound(ctx, orchestration.RoundSpec{
		RoundID:      "round-1",
		Participants: []string{"p1", "p2", "p3"},
		Quorum:       2,
		TimeoutS:     30,
	})
	if err != nil {
		t.Fatalf("start round failed: %v", err)
	}

	if _, _, err := f.coordinator.SubmitUpdate(ctx, update("round-1", "p1", 0, 5, []float64{1})); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	afterDeadline := round.StartTime.Add(31 * time.Second)
	failed, ready, err := f.coordinator.Progress(ctx, "round-1", afterDeadline)
	if !errors.Is(err, orchestration.ErrRoundTimeout) {
		t.Fatalf("expected ErrRoundTimeout, got %v", err)
	}
	if ready {
		t.Error("timed out round reported ready")
	}
	if failed.State != orchestration.RoundFailed {
		t.Errorf("expected Failed, got %s", failed.State)
	}
	if len(f.dispatcher.cancelled) == 0 {
		t.Error("expected outstanding assignments to be cancelled")
	}

	// The snapshot version must not advance on failure.
	latest, _ := f.snapshots.Latest(ctx)
	if latest.Version != 0 {
		t.Errorf("snapshot advanced on failed round: version %d", latest.Version)
	}
}

func TestProgressTimeoutAtQuorumAggregates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "p1", "p2", "p3")

	round, err := f.coordinator.StartRound(ctx, orchestration.RoundSpec{
		RoundID:      "round-1",
		Participants: []string{"p1", "p2", "p3"},
		Quorum:       2,
		TimeoutS:     30,
	})
	if err != nil {
		t.Fatalf("start round failed: %v", err)
	}

	// Buffer updates directly so the round is still Collecting when the
	// deadline sweep sees it at quorum.
	for _, id := range []string{"p1", "p2"} {
		if err := f.store.AddUpdate(ctx, update("round-1", id, 0, 5, []float64{1})); err != nil {
			t.Fatalf("update from %s failed: %v", id, err)
		}
	}

	progressed, ready, err := f.coordinator.Progress(ctx, "round-1", round.StartTime.Add(31*time.Second))
	if err != nil {
		t.Fatalf("progress failed: %v", err)
	}
	if !ready {
		t.Fatal("expected round at quorum to be ready for aggregation at deadline")
	}
	if progressed.State != orchestration.RoundAggregating {
		t.Errorf("expected Aggregating, got %s", progressed.State)
	}

	snapshot, err := f.coordinator.CompleteRound(ctx, "round-1")
	if err != nil {
		t.Fatalf("complete round failed: %v", err)
	}
	if snapshot.Version != 1 {
		t.Errorf("expected snapshot version 1, got %d", snapshot.Version)
	}
}

func TestMarkParticipantFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "p1", "p2")

	if _, err := f.coordinator.StartRound(ctx, orchestration.RoundSpec{
		RoundID:      "round-1",
		Participants: []string{"p1", "p2"},
		Quorum:       1,
	}); err != nil {
		t.Fatalf("start round failed: %v", err)
	}

	if err := f.coordinator.MarkParticipantFailed(ctx, "round-1", "p2", "circuit execution error"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	a, err := f.store.GetAssignment(ctx, "round-1", "p2")
	if err != nil {
		t.Fatalf("assignment lookup failed: %v", err)
	}
	if a.State != orchestration.AssignmentFailed || a.Error != "circuit execution error" {
		t.Errorf("unexpected assignment after failure: %+v", a)
	}
}

func TestSubmitUpdateFromFailedParticipantNotBuffered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "p1", "p2", "p3")

	if _, err := f.coordinator.StartRound(ctx, orchestration.RoundSpec{
		RoundID:      "round-1",
		Participants: []string{"p1", "p2", "p3"},
		Quorum:       2,
		TimeoutS:     60,
	}); err != nil {
		t.Fatalf("start round failed: %v", err)
	}

	if err := f.coordinator.MarkParticipantFailed(ctx, "round-1", "p1", "out of memory"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	// A rejected update must not linger in the buffer and count toward
	// quorum later.
	if _, _, err := f.coordinator.SubmitUpdate(ctx, update("round-1", "p1", 0, 10, []float64{9, 9})); !errors.Is(err, orchestration.ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}

	updates, err := f.store.ListUpdates(ctx, "round-1")
	if err != nil {
		t.Fatalf("list updates failed: %v", err)
	}
	if len(updates) != 0 {
		t.Fatalf("rejected update was buffered: %d updates", len(updates))
	}

	round, ready, err := f.coordinator.SubmitUpdate(ctx, update("round-1", "p2", 0, 10, []float64{1, 2}))
	if err != nil {
		t.Fatalf("healthy update failed: %v", err)
	}
	if ready {
		t.Fatal("quorum reported with only one buffered update")
	}
	if round.State != orchestration.RoundCollecting {
		t.Errorf("expected Collecting, got %s", round.State)
	}

	updates, err = f.store.ListUpdates(ctx, "round-1")
	if err != nil {
		t.Fatalf("list updates failed: %v", err)
	}
	if len(updates) != 1 {
		t.Fatalf("expected exactly one buffered update, got %d", len(updates))
	}
}
