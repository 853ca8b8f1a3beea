package participant

import "github.com/quantumfed/quantumfed/pkg/orchestration"

// Participant and ParticipantPage live in pkg/orchestration so that
// the orchestration packages can use them without importing this
// daemon package; the aliases keep the historical names working.
type Participant = orchestration.Participant

type ParticipantPage = orchestration.ParticipantPage
