package orchestration

import (
	"time"
)

const aliveTimeout = 10 * time.Second

// Participant is the coordinator-side view of one remote training
// client. Liveness is derived from the heartbeat history rather than
// stored, so a stale record reads as dead without a sweeper touching it.
type Participant struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	RoundCount   uint64      `json:"round_count"`
	Alive        bool        `json:"alive"`
	AliveHistory []time.Time `json:"alive_history"`
}

type ParticipantPage struct {
	Offset       uint64        `json:"offset"`
	Limit        uint64        `json:"limit"`
	Total        uint64        `json:"total"`
	Participants []Participant `json:"participants"`
}

func (p *Participant) SetAlive() {
	if len(p.AliveHistory) > 0 {
		lastAlive := p.AliveHistory[len(p.AliveHistory)-1]
		if time.Since(lastAlive) <= aliveTimeout {
			p.Alive = true

			return
		}
	}
	p.Alive = false
}

// RoundState enumerates the lifecycle of one federated round. The
// coordinator is the only writer; transitions go through the state
// machine.
type RoundState string

const (
	RoundPending     RoundState = "Pending"
	RoundCollecting  RoundState = "Collecting"
	RoundAggregating RoundState = "Aggregating"
	RoundCompleted   RoundState = "Completed"
	RoundFailed      RoundState = "Failed"
)

// Round records one iteration of client selection, local training and
// aggregation against a fixed base snapshot version.
type Round struct {
	ID           string         `json:"id"`
	Number       int            `json:"number"`
	BaseVersion  int            `json:"base_version"`
	Participants []string       `json:"participants"`
	Quorum       int            `json:"quorum"`
	TimeoutS     int            `json:"timeout_s"`
	Hyperparams  map[string]any `json:"hyperparams,omitempty"`
	State        RoundState     `json:"state"`
	StartTime    time.Time      `json:"start_time"`
	EndTime      *time.Time     `json:"end_time,omitempty"`
	FailReason   string         `json:"fail_reason,omitempty"`
}

// Deadline is zero when the round carries no timeout.
func (r Round) Deadline() time.Time {
	if r.TimeoutS <= 0 {
		return time.Time{}
	}

	return r.StartTime.Add(time.Duration(r.TimeoutS) * time.Second)
}

func (r Round) Expired(now time.Time) bool {
	deadline := r.Deadline()

	return !deadline.IsZero() && now.After(deadline)
}

// AssignmentState tracks one participant's progress inside a round.
type AssignmentState string

const (
	AssignmentIdle      AssignmentState = "Idle"
	AssignmentTraining  AssignmentState = "Training"
	AssignmentCompleted AssignmentState = "Completed"
	AssignmentFailed    AssignmentState = "Failed"
)

type Assignment struct {
	RoundID       string          `json:"round_id"`
	ParticipantID string          `json:"participant_id"`
	State         AssignmentState `json:"state"`
	Error         string          `json:"error,omitempty"`
	StartTime     time.Time       `json:"start_time"`
	FinishTime    *time.Time      `json:"finish_time,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func AssignmentID(roundID, participantID string) string {
	return roundID + "/" + participantID
}
