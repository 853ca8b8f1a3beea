package events

import (
	"context"
	"time"

	"github.com/quantumfed/quantumfed/pkg/fl"
	"github.com/quantumfed/quantumfed/pkg/mqtt"
	"github.com/quantumfed/quantumfed/pkg/orchestration"
)

// MQTTEventEmitter publishes lifecycle events on the experiment's
// events topic for dashboards and experiment logs. Emission is
// fire-and-forget from the coordinator's point of view.
type MQTTEventEmitter struct {
	pubsub mqtt.PubSub
	topics *orchestration.TopicBuilder
}

func NewMQTTEventEmitter(pubsub mqtt.PubSub, topics *orchestration.TopicBuilder) orchestration.EventEmitter {
	return &MQTTEventEmitter{
		pubsub: pubsub,
		topics: topics,
	}
}

func (e *MQTTEventEmitter) EmitRoundStarted(ctx context.Context, round orchestration.Round) error {
	return e.publish(ctx, "round.started", map[string]any{
		"round_id":     round.ID,
		"round_number": round.Number,
		"base_version": round.BaseVersion,
		"participants": round.Participants,
		"quorum":       round.Quorum,
	})
}

func (e *MQTTEventEmitter) EmitRoundCompleted(ctx context.Context, round orchestration.Round, snapshot fl.Snapshot) error {
	return e.publish(ctx, "round.completed", map[string]any{
		"round_id":         round.ID,
		"round_number":     round.Number,
		"snapshot_version": snapshot.Version,
	})
}

func (e *MQTTEventEmitter) EmitRoundFailed(ctx context.Context, round orchestration.Round, errMsg string) error {
	return e.publish(ctx, "round.failed", map[string]any{
		"round_id":     round.ID,
		"round_number": round.Number,
		"reason":       errMsg,
	})
}

func (e *MQTTEventEmitter) EmitUpdateReceived(ctx context.Context, update fl.Update) error {
	return e.publish(ctx, "update.received", map[string]any{
		"round_id":       update.RoundID,
		"participant_id": update.ParticipantID,
		"num_samples":    update.NumSamples,
	})
}

func (e *MQTTEventEmitter) EmitParticipantRegistered(ctx context.Context, p orchestration.Participant) error {
	return e.publish(ctx, "participant.registered", map[string]any{
		"participant_id": p.ID,
		"name":           p.Name,
	})
}

func (e *MQTTEventEmitter) publish(ctx context.Context, kind string, fields map[string]any) error {
	fields["event"] = kind
	fields["emitted_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	return e.pubsub.Publish(ctx, e.topics.EventsTopic(), fields)
}
