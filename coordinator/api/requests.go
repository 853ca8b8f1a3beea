package api

import (
	"github.com/quantumfed/quantumfed/pkg/fl"
	"github.com/quantumfed/quantumfed/pkg/orchestration"
)

type startRoundReq struct {
	Spec orchestration.RoundSpec
}

type roundReq struct {
	RoundID string
}

type listReq struct {
	Offset uint64
	Limit  uint64
}

type submitUpdateReq struct {
	Envelope fl.UpdateEnvelope
}

type submitUpdateCBORReq struct {
	Data []byte
}

type snapshotReq struct {
	Version int
	Latest  bool
}

type registerParticipantReq struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}
