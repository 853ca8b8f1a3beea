package dispatch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/quantumfed/quantumfed/pkg/crypto"
	"github.com/quantumfed/quantumfed/pkg/fl"
	"github.com/quantumfed/quantumfed/pkg/mqtt"
	"github.com/quantumfed/quantumfed/pkg/orchestration"
)

// MQTTDispatcher publishes training tasks on the shared round-start
// topic. Participants filter on the participant_id field. When a
// payload key is configured the task body travels AES-GCM encrypted.
type MQTTDispatcher struct {
	pubsub      mqtt.PubSub
	startTopic  string
	cancelTopic string
	payloadKey  []byte
}

func NewMQTTDispatcher(pubsub mqtt.PubSub, startTopic, cancelTopic string, payloadKey []byte) orchestration.Dispatcher {
	return &MQTTDispatcher{
		pubsub:      pubsub,
		startTopic:  startTopic,
		cancelTopic: cancelTopic,
		payloadKey:  payloadKey,
	}
}

func (d *MQTTDispatcher) Dispatch(ctx context.Context, task fl.Task, p orchestration.Participant) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	payload := map[string]any{
		"round_id":       task.RoundID,
		"participant_id": p.ID,
	}

	if len(d.payloadKey) > 0 {
		sealed, err := crypto.Encrypt(body, d.payloadKey)
		if err != nil {
			return fmt.Errorf("failed to encrypt task: %w", err)
		}
		payload["task_b64"] = base64.StdEncoding.EncodeToString(sealed)
		payload["encrypted"] = true
	} else {
		payload["task_b64"] = base64.StdEncoding.EncodeToString(body)
	}

	return d.pubsub.Publish(ctx, d.startTopic, payload)
}

func (d *MQTTDispatcher) Cancel(ctx context.Context, roundID, participantID string) error {
	payload := map[string]any{
		"round_id":       roundID,
		"participant_id": participantID,
	}

	return d.pubsub.Publish(ctx, d.cancelTopic, payload)
}
