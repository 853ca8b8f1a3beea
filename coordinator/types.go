package coordinator

import "github.com/quantumfed/quantumfed/pkg/orchestration"

// RoundStatus is the externally visible progress of one round.
type RoundStatus struct {
	RoundID         string                  `json:"round_id"`
	State           orchestration.RoundState `json:"state"`
	NumUpdates      int                     `json:"num_updates"`
	Quorum          int                     `json:"quorum"`
	SnapshotVersion int                     `json:"snapshot_version"`
}

type RoundPage struct {
	Offset uint64                `json:"offset"`
	Limit  uint64                `json:"limit"`
	Total  uint64                `json:"total"`
	Rounds []orchestration.Round `json:"rounds"`
}
