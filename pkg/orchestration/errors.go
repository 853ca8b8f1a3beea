package orchestration

import "errors"

var (
	ErrInvalidStateTransition   = errors.New("invalid state transition")
	ErrRoundNotFound            = errors.New("round not found")
	ErrRoundExists              = errors.New("round already exists")
	ErrRoundClosed              = errors.New("round no longer accepts updates")
	ErrRoundTimeout             = errors.New("round timeout")
	ErrInsufficientParticipants = errors.New("insufficient participants")
	ErrUnknownParticipant       = errors.New("participant not selected for round")
	ErrDuplicateUpdate          = errors.New("duplicate update for participant")
	ErrStaleBaseVersion         = errors.New("update built on stale snapshot version")
	ErrNoParticipants           = errors.New("no participants available")
	ErrDeadParticipants         = errors.New("all participants are dead")
	ErrSnapshotExists           = errors.New("snapshot version already published")
	ErrSnapshotNotFound         = errors.New("snapshot not found")
)
