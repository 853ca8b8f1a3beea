package orchestration

import (
	"context"

	"github.com/quantumfed/quantumfed/pkg/fl"
)

type StateStore interface {
	// Round operations
	CreateRound(ctx context.Context, round Round) error
	GetRound(ctx context.Context, roundID string) (Round, error)
	UpdateRound(ctx context.Context, round Round) error
	ListRounds(ctx context.Context, offset, limit uint64) ([]Round, uint64, error)

	// Participant operations
	SaveParticipant(ctx context.Context, p Participant) error
	GetParticipant(ctx context.Context, participantID string) (Participant, error)
	ListParticipants(ctx context.Context, offset, limit uint64) ([]Participant, uint64, error)

	// Assignment operations
	CreateAssignment(ctx context.Context, a Assignment) error
	GetAssignment(ctx context.Context, roundID, participantID string) (Assignment, error)
	UpdateAssignment(ctx context.Context, a Assignment) error
	ListAssignments(ctx context.Context, roundID string) ([]Assignment, error)

	// Update buffer. AddUpdate enforces at-most-one update per
	// (round, participant) pair.
	AddUpdate(ctx context.Context, update fl.Update) error
	ListUpdates(ctx context.Context, roundID string) ([]fl.Update, error)
}

// Dispatcher delivers a training task to a selected participant.
type Dispatcher interface {
	Dispatch(ctx context.Context, task fl.Task, p Participant) error
	Cancel(ctx context.Context, roundID, participantID string) error
}

type EventEmitter interface {
	// Round events
	EmitRoundStarted(ctx context.Context, round Round) error
	EmitRoundCompleted(ctx context.Context, round Round, snapshot fl.Snapshot) error
	EmitRoundFailed(ctx context.Context, round Round, errMsg string) error

	// Update events
	EmitUpdateReceived(ctx context.Context, update fl.Update) error

	// Participant events
	EmitParticipantRegistered(ctx context.Context, p Participant) error
}

// Selector picks k training clients for a round from the registered
// population.
type Selector interface {
	Select(ctx context.Context, candidates []Participant, k int) ([]Participant, error)
}

// SnapshotStore holds the versioned global model. Publish must refuse
// to overwrite an existing version.
type SnapshotStore interface {
	Publish(ctx context.Context, snapshot fl.Snapshot) error
	Get(ctx context.Context, version int) (fl.Snapshot, error)
	Latest(ctx context.Context) (fl.Snapshot, error)
	Versions(ctx context.Context) ([]int, error)
}
