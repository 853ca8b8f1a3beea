package fl

import "time"

// Snapshot is a versioned set of global model parameters. A snapshot is
// immutable once published; the next round always trains against the
// latest published version.
type Snapshot struct {
	Version   int            `json:"version"`
	Params    map[string]any `json:"params"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Update is a model update proposed by one participant for one round.
// Each update is consumed at most once by the aggregator.
type Update struct {
	RoundID       string         `json:"round_id"`
	ParticipantID string         `json:"participant_id"`
	BaseVersion   int            `json:"base_version"`
	NumSamples    int            `json:"num_samples"`
	Params        map[string]any `json:"params"`
	Metrics       map[string]any `json:"metrics,omitempty"`
	ReceivedAt    time.Time      `json:"received_at"`
}

// Task is the local training work order dispatched to a participant at
// the start of a round.
type Task struct {
	RoundID         string         `json:"round_id"`
	SnapshotVersion int            `json:"snapshot_version"`
	SnapshotRef     string         `json:"snapshot_ref"`
	Hyperparams     map[string]any `json:"hyperparams,omitempty"`
	Config          map[string]any `json:"config,omitempty"`
}

// UpdateEnvelope is the wire form of an Update: the parameter vector is
// carried base64-encoded in the format named by Format ("json-f64" or
// "cbor-f64"). Envelopes are what participants publish and what the
// coordinator decodes before buffering.
type UpdateEnvelope struct {
	RoundID       string         `json:"round_id"`
	ParticipantID string         `json:"participant_id"`
	BaseVersion   int            `json:"base_version"`
	NumSamples    uint64         `json:"num_samples"`
	PayloadB64    string         `json:"payload_b64"`
	Format        string         `json:"format,omitempty"`
	Metrics       map[string]any `json:"metrics,omitempty"`
}

// Aggregator combines the updates collected during one round into the
// next global snapshot's parameters.
type Aggregator interface {
	Aggregate(updates []Update) (Snapshot, error)
}
