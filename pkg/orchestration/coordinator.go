package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quantumfed/quantumfed/pkg/fl"
)

const defListLimit = 1000

// Coordinator drives the federated round lifecycle: participant
// selection, task dispatch, update collection and aggregation into the
// next global snapshot. All round state transitions originate here.
type Coordinator struct {
	store      StateStore
	snapshots  SnapshotStore
	dispatcher Dispatcher
	emitter    EventEmitter
	selector   Selector
	aggregator fl.Aggregator
	sm         *StateMachine
}

func NewCoordinator(
	store StateStore,
	snapshots SnapshotStore,
	dispatcher Dispatcher,
	emitter EventEmitter,
	selector Selector,
	aggregator fl.Aggregator,
) *Coordinator {
	return &Coordinator{
		store:      store,
		snapshots:  snapshots,
		dispatcher: dispatcher,
		emitter:    emitter,
		selector:   selector,
		aggregator: aggregator,
		sm:         NewStateMachine(),
	}
}

// RoundSpec describes a round to start. Participants may name explicit
// members; otherwise SelectK participants are drawn by the selector.
type RoundSpec struct {
	RoundID      string         `json:"round_id,omitempty"`
	Participants []string       `json:"participants,omitempty"`
	SelectK      int            `json:"select_k,omitempty"`
	Quorum       int            `json:"quorum,omitempty"`
	TimeoutS     int            `json:"timeout_s,omitempty"`
	Hyperparams  map[string]any `json:"hyperparams,omitempty"`
}

// StartRound selects participants, publishes the training task against
// the latest snapshot and opens the round for update collection. A
// participant whose dispatch fails is marked failed up front; the round
// itself only fails when the survivors cannot reach quorum anymore.
func (c *Coordinator) StartRound(ctx context.Context, spec RoundSpec) (Round, error) {
	members, err := c.resolveMembers(ctx, spec)
	if err != nil {
		return Round{}, err
	}

	quorum := spec.Quorum
	if quorum <= 0 {
		quorum = len(members)
	}
	if quorum > len(members) {
		return Round{}, ErrInsufficientParticipants
	}

	latest, err := c.snapshots.Latest(ctx)
	if err != nil {
		return Round{}, fmt.Errorf("failed to load latest snapshot: %w", err)
	}

	roundID := spec.RoundID
	if roundID == "" {
		roundID = uuid.NewString()
	}

	memberIDs := make([]string, 0, len(members))
	for _, m := range members {
		memberIDs = append(memberIDs, m.ID)
	}

	round := Round{
		ID:           roundID,
		Number:       latest.Version + 1,
		BaseVersion:  latest.Version,
		Participants: memberIDs,
		Quorum:       quorum,
		TimeoutS:     spec.TimeoutS,
		Hyperparams:  spec.Hyperparams,
		State:        RoundPending,
		StartTime:    time.Now(),
	}

	if err := c.store.CreateRound(ctx, round); err != nil {
		return Round{}, fmt.Errorf("failed to create round: %w", err)
	}

	if err := c.sm.TransitionRound(&round, RoundCollecting); err != nil {
		return Round{}, err
	}
	if err := c.store.UpdateRound(ctx, round); err != nil {
		return Round{}, fmt.Errorf("failed to update round: %w", err)
	}

	task := fl.Task{
		RoundID:         round.ID,
		SnapshotVersion: latest.Version,
		SnapshotRef:     fmt.Sprintf("fl/snapshots/global_model_v%d", latest.Version),
		Hyperparams:     spec.Hyperparams,
	}

	dispatched := 0
	for _, member := range members {
		a := Assignment{
			RoundID:       round.ID,
			ParticipantID: member.ID,
			State:         AssignmentIdle,
			UpdatedAt:     time.Now(),
		}
		if err := c.sm.TransitionAssignment(&a, AssignmentTraining); err != nil {
			return Round{}, err
		}
		if err := c.store.CreateAssignment(ctx, a); err != nil {
			return Round{}, fmt.Errorf("failed to create assignment for participant %s: %w", member.ID, err)
		}

		if err := c.dispatcher.Dispatch(ctx, task, member); err != nil {
			if ferr := c.failAssignment(ctx, round.ID, member.ID, err.Error()); ferr != nil {
				return Round{}, ferr
			}

			continue
		}
		dispatched++

		member.RoundCount++
		if err := c.store.SaveParticipant(ctx, member); err != nil {
			return Round{}, fmt.Errorf("failed to update participant %s: %w", member.ID, err)
		}
	}

	if dispatched < quorum {
		failed, err := c.failRound(ctx, round, "quorum unreachable after dispatch failures")
		if err != nil {
			return Round{}, err
		}

		return failed, ErrInsufficientParticipants
	}

	// Event emission is non-critical.
	_ = c.emitter.EmitRoundStarted(ctx, round)

	return round, nil
}

func (c *Coordinator) resolveMembers(ctx context.Context, spec RoundSpec) ([]Participant, error) {
	if len(spec.Participants) > 0 {
		members := make([]Participant, 0, len(spec.Participants))
		for _, id := range spec.Participants {
			p, err := c.store.GetParticipant(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("participant %s not found: %w", id, err)
			}
			p.SetAlive()
			if !p.Alive {
				return nil, fmt.Errorf("participant %s is not alive: %w", id, ErrDeadParticipants)
			}
			members = append(members, p)
		}

		return members, nil
	}

	k := spec.SelectK
	if k <= 0 {
		k = spec.Quorum
	}
	if k <= 0 {
		return nil, ErrInsufficientParticipants
	}

	candidates, _, err := c.store.ListParticipants(ctx, 0, defListLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	for i := range candidates {
		candidates[i].SetAlive()
	}

	return c.selector.Select(ctx, candidates, k)
}

// SubmitUpdate buffers one participant update. It returns the round and
// whether collection just reached quorum, in which case the caller is
// expected to invoke CompleteRound.
func (c *Coordinator) SubmitUpdate(ctx context.Context, update fl.Update) (Round, bool, error) {
	if update.RoundID == "" || update.ParticipantID == "" {
		return Round{}, false, ErrUnknownParticipant
	}
	if len(update.Params) == 0 {
		return Round{}, false, fmt.Errorf("update from participant %s carries no parameters", update.ParticipantID)
	}

	round, err := c.store.GetRound(ctx, update.RoundID)
	if err != nil {
		return Round{}, false, ErrRoundNotFound
	}

	if round.State != RoundCollecting {
		return round, false, ErrRoundClosed
	}

	if update.BaseVersion != round.BaseVersion {
		return round, false, ErrStaleBaseVersion
	}

	assignment, err := c.store.GetAssignment(ctx, round.ID, update.ParticipantID)
	if err != nil {
		return round, false, ErrUnknownParticipant
	}

	// The assignment must still be in flight. Checking before AddUpdate
	// keeps rejected updates out of the buffer; a failed participant's
	// parameters must never count toward quorum.
	if assignment.State != AssignmentTraining {
		return round, false, ErrInvalidStateTransition
	}

	if update.ReceivedAt.IsZero() {
		update.ReceivedAt = time.Now()
	}

	if err := c.store.AddUpdate(ctx, update); err != nil {
		return round, false, err
	}

	if err := c.sm.TransitionAssignment(&assignment, AssignmentCompleted); err != nil {
		return round, false, err
	}
	if err := c.store.UpdateAssignment(ctx, assignment); err != nil {
		return round, false, fmt.Errorf("failed to update assignment: %w", err)
	}

	_ = c.emitter.EmitUpdateReceived(ctx, update)

	updates, err := c.store.ListUpdates(ctx, round.ID)
	if err != nil {
		return round, false, fmt.Errorf("failed to list updates: %w", err)
	}

	if len(updates) >= round.Quorum {
		if err := c.sm.TransitionRound(&round, RoundAggregating); err != nil {
			return round, false, err
		}
		if err := c.store.UpdateRound(ctx, round); err != nil {
			return round, false, fmt.Errorf("failed to update round: %w", err)
		}

		return round, true, nil
	}

	return round, false, nil
}

// CompleteRound aggregates the collected updates and publishes the next
// snapshot. The round must already be in the Aggregating state.
func (c *Coordinator) CompleteRound(ctx context.Context, roundID string) (fl.Snapshot, error) {
	round, err := c.store.GetRound(ctx, roundID)
	if err != nil {
		return fl.Snapshot{}, ErrRoundNotFound
	}

	if round.State != RoundAggregating {
		return fl.Snapshot{}, ErrInvalidStateTransition
	}

	updates, err := c.store.ListUpdates(ctx, roundID)
	if err != nil {
		return fl.Snapshot{}, fmt.Errorf("failed to list updates: %w", err)
	}

	snapshot, err := c.aggregator.Aggregate(updates)
	if err != nil {
		if _, ferr := c.failRound(ctx, round, fmt.Sprintf("aggregation failed: %s", err)); ferr != nil {
			return fl.Snapshot{}, ferr
		}

		return fl.Snapshot{}, err
	}

	snapshot.Version = round.Number
	if snapshot.Metadata == nil {
		snapshot.Metadata = make(map[string]any)
	}
	snapshot.Metadata["round_id"] = round.ID

	if err := c.snapshots.Publish(ctx, snapshot); err != nil {
		return fl.Snapshot{}, fmt.Errorf("failed to publish snapshot: %w", err)
	}

	if err := c.sm.TransitionRound(&round, RoundCompleted); err != nil {
		return fl.Snapshot{}, err
	}
	if err := c.store.UpdateRound(ctx, round); err != nil {
		return fl.Snapshot{}, fmt.Errorf("failed to update round: %w", err)
	}

	_ = c.emitter.EmitRoundCompleted(ctx, round, snapshot)

	return snapshot, nil
}

// Progress applies deadline handling to a collecting round. At the
// deadline a round that reached quorum moves on to aggregation with the
// updates it has; one below quorum fails and keeps the snapshot version
// where it was.
func (c *Coordinator) Progress(ctx context.Context, roundID string, now time.Time) (Round, bool, error) {
	round, err := c.store.GetRound(ctx, roundID)
	if err != nil {
		return Round{}, false, ErrRoundNotFound
	}

	if round.State != RoundCollecting || !round.Expired(now) {
		return round, false, nil
	}

	updates, err := c.store.ListUpdates(ctx, roundID)
	if err != nil {
		return round, false, fmt.Errorf("failed to list updates: %w", err)
	}

	if len(updates) >= round.Quorum {
		if err := c.sm.TransitionRound(&round, RoundAggregating); err != nil {
			return round, false, err
		}
		if err := c.store.UpdateRound(ctx, round); err != nil {
			return round, false, fmt.Errorf("failed to update round: %w", err)
		}

		return round, true, nil
	}

	failed, err := c.failRound(ctx, round, "deadline reached below quorum")
	if err != nil {
		return round, false, err
	}

	return failed, false, ErrRoundTimeout
}

// MarkParticipantFailed records a training failure reported by a
// participant mid-round.
func (c *Coordinator) MarkParticipantFailed(ctx context.Context, roundID, participantID, errorMsg string) error {
	if _, err := c.store.GetRound(ctx, roundID); err != nil {
		return ErrRoundNotFound
	}

	return c.failAssignment(ctx, roundID, participantID, errorMsg)
}

func (c *Coordinator) failAssignment(ctx context.Context, roundID, participantID, errorMsg string) error {
	assignment, err := c.store.GetAssignment(ctx, roundID, participantID)
	if err != nil {
		return ErrUnknownParticipant
	}

	if err := c.sm.MarkAssignmentFailed(&assignment, errorMsg); err != nil {
		return err
	}

	return c.store.UpdateAssignment(ctx, assignment)
}

func (c *Coordinator) failRound(ctx context.Context, round Round, reason string) (Round, error) {
	if err := c.sm.TransitionRound(&round, RoundFailed); err != nil {
		return round, err
	}
	round.FailReason = reason

	if err := c.store.UpdateRound(ctx, round); err != nil {
		return round, fmt.Errorf("failed to update round: %w", err)
	}

	assignments, err := c.store.ListAssignments(ctx, round.ID)
	if err == nil {
		for _, a := range assignments {
			if a.State != AssignmentTraining {
				continue
			}
			_ = c.dispatcher.Cancel(ctx, round.ID, a.ParticipantID)
			if err := c.sm.MarkAssignmentFailed(&a, reason); err == nil {
				_ = c.store.UpdateAssignment(ctx, a)
			}
		}
	}

	_ = c.emitter.EmitRoundFailed(ctx, round, reason)

	return round, nil
}
