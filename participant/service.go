package participant

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/quantumfed/quantumfed/pkg/crypto"
	"github.com/quantumfed/quantumfed/pkg/fl"
	pkgmqtt "github.com/quantumfed/quantumfed/pkg/mqtt"
	"github.com/quantumfed/quantumfed/pkg/orchestration"
)

// AgentService is the training-client daemon: it announces itself,
// heartbeats, waits for round-start messages addressed to it, runs the
// local trainer and publishes the resulting update envelope.
type AgentService struct {
	instanceID         string
	livelinessInterval time.Duration
	pubsub             pkgmqtt.PubSub
	topics             *orchestration.TopicBuilder
	trainer            Trainer
	snapshots          SnapshotClient
	payloadKey         []byte
	updateFormat       string
	logger             *slog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func NewAgentService(
	ctx context.Context,
	instanceID, name string,
	livelinessInterval time.Duration,
	pubsub pkgmqtt.PubSub,
	topics *orchestration.TopicBuilder,
	trainer Trainer,
	snapshots SnapshotClient,
	payloadKey []byte,
	updateFormat string,
	logger *slog.Logger,
) (*AgentService, error) {
	if instanceID == "" {
		return nil, fmt.Errorf("instance ID is required")
	}
	if trainer == nil {
		return nil, fmt.Errorf("trainer is required")
	}
	if updateFormat == "" {
		updateFormat = fl.FormatJSONF64
	}

	payload := map[string]any{
		"participant_id": instanceID,
		"name":           name,
	}
	if err := pubsub.Publish(ctx, topics.ParticipantCreateTopic(), payload); err != nil {
		return nil, fmt.Errorf("failed to announce participant: %w", err)
	}

	return &AgentService{
		instanceID:         instanceID,
		livelinessInterval: livelinessInterval,
		pubsub:             pubsub,
		topics:             topics,
		trainer:            trainer,
		snapshots:          snapshots,
		payloadKey:         payloadKey,
		updateFormat:       updateFormat,
		logger:             logger,
		running:            make(map[string]context.CancelFunc),
	}, nil
}

func (a *AgentService) Run(ctx context.Context) error {
	if err := a.pubsub.Subscribe(ctx, a.topics.RoundStartTopic(), func(topic string, msg map[string]interface{}) error {
		return a.handleStart(ctx, msg)
	}); err != nil {
		return fmt.Errorf("failed to subscribe to round start topic: %w", err)
	}

	if err := a.pubsub.Subscribe(ctx, a.topics.RoundCancelTopic(), func(topic string, msg map[string]interface{}) error {
		return a.handleCancel(msg)
	}); err != nil {
		return fmt.Errorf("failed to subscribe to round cancel topic: %w", err)
	}

	go a.heartbeat(ctx)

	a.logger.Info("Participant agent is running", "participant_id", a.instanceID)
	<-ctx.Done()

	return ctx.Err()
}

func (a *AgentService) heartbeat(ctx context.Context) {
	interval := a.livelinessInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload := map[string]any{
				"participant_id": a.instanceID,
				"status":         "online",
			}
			if err := a.pubsub.Publish(ctx, a.topics.ParticipantAliveTopic(), payload); err != nil {
				a.logger.Warn("Failed to publish heartbeat", "error", err)
			}
		}
	}
}

func (a *AgentService) handleStart(ctx context.Context, msg map[string]interface{}) error {
	target, _ := msg["participant_id"].(string)
	if target != a.instanceID {
		// Task for another participant on the shared topic.
		return nil
	}

	task, err := a.decodeTask(msg)
	if err != nil {
		return err
	}

	trainCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.running[task.RoundID] = cancel
	a.mu.Unlock()

	go a.train(trainCtx, task)

	return nil
}

func (a *AgentService) handleCancel(msg map[string]interface{}) error {
	target, _ := msg["participant_id"].(string)
	if target != a.instanceID {
		return nil
	}
	roundID, _ := msg["round_id"].(string)

	a.mu.Lock()
	cancel, ok := a.running[roundID]
	if ok {
		delete(a.running, roundID)
	}
	a.mu.Unlock()

	if ok {
		a.logger.Info("Cancelling local training", "round_id", roundID)
		cancel()
	}

	return nil
}

func (a *AgentService) decodeTask(msg map[string]interface{}) (fl.Task, error) {
	encoded, _ := msg["task_b64"].(string)
	if encoded == "" {
		return fl.Task{}, fmt.Errorf("round start message carries no task")
	}

	body, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fl.Task{}, fmt.Errorf("failed to decode task: %w", err)
	}

	if sealed, _ := msg["encrypted"].(bool); sealed {
		if len(a.payloadKey) == 0 {
			return fl.Task{}, fmt.Errorf("received encrypted task without a payload key")
		}
		body, err = crypto.Decrypt(body, a.payloadKey)
		if err != nil {
			return fl.Task{}, fmt.Errorf("failed to decrypt task: %w", err)
		}
	}

	var task fl.Task
	if err := json.Unmarshal(body, &task); err != nil {
		return fl.Task{}, fmt.Errorf("failed to unmarshal task: %w", err)
	}

	return task, nil
}

func (a *AgentService) train(ctx context.Context, task fl.Task) {
	defer func() {
		a.mu.Lock()
		delete(a.running, task.RoundID)
		a.mu.Unlock()
	}()

	a.logger.Info("Local training started",
		"round_id", task.RoundID,
		"base_version", task.SnapshotVersion)

	base, err := a.snapshots.Get(ctx, task.SnapshotVersion)
	if err != nil {
		a.logger.Error("Failed to fetch base snapshot",
			"round_id", task.RoundID,
			"version", task.SnapshotVersion,
			"error", err)

		return
	}

	result, err := a.trainer.Train(ctx, base, task.Hyperparams)
	if err != nil {
		a.logger.Error("Local training failed",
			"round_id", task.RoundID,
			"error", err)

		return
	}

	if err := a.publishUpdate(ctx, task, result); err != nil {
		a.logger.Error("Failed to publish update",
			"round_id", task.RoundID,
			"error", err)

		return
	}

	a.logger.Info("Update published",
		"round_id", task.RoundID,
		"num_samples", result.NumSamples)
}

func (a *AgentService) publishUpdate(ctx context.Context, task fl.Task, result LocalResult) error {
	env, err := fl.EncodeEnvelope(
		task.RoundID, a.instanceID, task.SnapshotVersion,
		uint64(result.NumSamples), result.Weights, result.Bias, a.updateFormat,
	)
	if err != nil {
		return err
	}
	env.Metrics = result.Metrics

	topic := a.topics.RoundUpdateTopic(task.RoundID, a.instanceID)

	if len(a.payloadKey) > 0 {
		raw, err := cbor.Marshal(env)
		if err != nil {
			return fmt.Errorf("failed to marshal envelope: %w", err)
		}
		sealed, err := crypto.Encrypt(raw, a.payloadKey)
		if err != nil {
			return fmt.Errorf("failed to encrypt envelope: %w", err)
		}

		return a.pubsub.Publish(ctx, topic, map[string]any{
			"participant_id": a.instanceID,
			"envelope_b64":   base64.StdEncoding.EncodeToString(sealed),
		})
	}

	return a.pubsub.Publish(ctx, topic, env)
}
