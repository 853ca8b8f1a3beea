package coordinator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/0x6flab/namegenerator"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/quantumfed/quantumfed/coordinator/metrics"
	"github.com/quantumfed/quantumfed/participant"
	"github.com/quantumfed/quantumfed/pkg/crypto"
	pkgerrors "github.com/quantumfed/quantumfed/pkg/errors"
	"github.com/quantumfed/quantumfed/pkg/fl"
	"github.com/quantumfed/quantumfed/pkg/mqtt"
	"github.com/quantumfed/quantumfed/pkg/orchestration"
)

const (
	defOffset         = 0
	aliveHistoryLimit = 10
	sweepInterval     = 5 * time.Second
)

var namegen = namegenerator.NewGenerator()

type Service interface {
	// Round lifecycle
	StartRound(ctx context.Context, spec orchestration.RoundSpec) (orchestration.Round, error)
	GetRound(ctx context.Context, roundID string) (orchestration.Round, error)
	RoundStatus(ctx context.Context, roundID string) (RoundStatus, error)
	ListRounds(ctx context.Context, offset, limit uint64) (RoundPage, error)

	// Update collection
	SubmitUpdate(ctx context.Context, env fl.UpdateEnvelope) error
	SubmitUpdateCBOR(ctx context.Context, data []byte) error

	// Snapshot registry
	GetSnapshot(ctx context.Context, version int) (fl.Snapshot, error)
	LatestSnapshot(ctx context.Context) (fl.Snapshot, error)
	ListSnapshotVersions(ctx context.Context) ([]int, error)

	// Participant registry
	RegisterParticipant(ctx context.Context, id, name string) (participant.Participant, error)
	Heartbeat(ctx context.Context, participantID string) error
	MarkOffline(ctx context.Context, participantID string) error
	GetParticipant(ctx context.Context, participantID string) (participant.Participant, error)
	ListParticipants(ctx context.Context, offset, limit uint64) (participant.ParticipantPage, error)

	// Run subscribes to the control topics and drives the deadline
	// sweeper until the context is cancelled.
	Run(ctx context.Context) error
}

type service struct {
	coordinator *orchestration.Coordinator
	store       orchestration.StateStore
	snapshots   orchestration.SnapshotStore
	emitter     orchestration.EventEmitter
	pubsub      mqtt.PubSub
	topics      *orchestration.TopicBuilder
	experiment  string
	payloadKey  []byte
	logger      *slog.Logger
	tracer      trace.Tracer
}

func NewService(
	coordinator *orchestration.Coordinator,
	store orchestration.StateStore,
	snapshots orchestration.SnapshotStore,
	emitter orchestration.EventEmitter,
	pubsub mqtt.PubSub,
	topics *orchestration.TopicBuilder,
	experiment string,
	payloadKey []byte,
	logger *slog.Logger,
) Service {
	return &service{
		coordinator: coordinator,
		store:       store,
		snapshots:   snapshots,
		emitter:     emitter,
		pubsub:      pubsub,
		topics:      topics,
		experiment:  experiment,
		payloadKey:  payloadKey,
		logger:      logger,
		tracer:      otel.Tracer("quantumfed/coordinator"),
	}
}

func (svc *service) StartRound(ctx context.Context, spec orchestration.RoundSpec) (orchestration.Round, error) {
	ctx, span := svc.tracer.Start(ctx, "coordinator.StartRound")
	defer span.End()

	round, err := svc.coordinator.StartRound(ctx, spec)
	if err != nil {
		return round, err
	}

	svc.logger.InfoContext(ctx, "Round started",
		"round_id", round.ID,
		"round_number", round.Number,
		"base_version", round.BaseVersion,
		"participants", len(round.Participants),
		"quorum", round.Quorum)

	return round, nil
}

func (svc *service) GetRound(ctx context.Context, roundID string) (orchestration.Round, error) {
	return svc.store.GetRound(ctx, roundID)
}

func (svc *service) RoundStatus(ctx context.Context, roundID string) (RoundStatus, error) {
	round, err := svc.store.GetRound(ctx, roundID)
	if err != nil {
		return RoundStatus{}, orchestration.ErrRoundNotFound
	}

	updates, err := svc.store.ListUpdates(ctx, roundID)
	if err != nil {
		return RoundStatus{}, err
	}

	latest, err := svc.snapshots.Latest(ctx)
	if err != nil {
		return RoundStatus{}, err
	}

	return RoundStatus{
		RoundID:         roundID,
		State:           round.State,
		NumUpdates:      len(updates),
		Quorum:          round.Quorum,
		SnapshotVersion: latest.Version,
	}, nil
}

func (svc *service) ListRounds(ctx context.Context, offset, limit uint64) (RoundPage, error) {
	rounds, total, err := svc.store.ListRounds(ctx, offset, limit)
	if err != nil {
		return RoundPage{}, err
	}

	return RoundPage{
		Offset: offset,
		Limit:  limit,
		Total:  total,
		Rounds: rounds,
	}, nil
}

func (svc *service) SubmitUpdate(ctx context.Context, env fl.UpdateEnvelope) error {
	ctx, span := svc.tracer.Start(ctx, "coordinator.SubmitUpdate")
	defer span.End()

	update, err := fl.DecodeEnvelope(env)
	if err != nil {
		metrics.UpdatesRejected.WithLabelValues(svc.experiment, "decode").Inc()

		return err
	}

	round, ready, err := svc.coordinator.SubmitUpdate(ctx, update)
	if err != nil {
		metrics.UpdatesRejected.WithLabelValues(svc.experiment, rejectionReason(err)).Inc()

		return err
	}

	metrics.UpdatesCollected.WithLabelValues(svc.experiment).Inc()
	svc.logger.InfoContext(ctx, "Buffered participant update",
		"round_id", round.ID,
		"participant_id", update.ParticipantID,
		"num_samples", update.NumSamples,
		"quorum", round.Quorum)

	if ready {
		// Aggregation runs off the submission path so a slow
		// aggregator never blocks the collecting transport.
		go svc.completeRound(context.WithoutCancel(ctx), round)
	}

	return nil
}

func (svc *service) SubmitUpdateCBOR(ctx context.Context, data []byte) error {
	var env fl.UpdateEnvelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		metrics.UpdatesRejected.WithLabelValues(svc.experiment, "decode").Inc()

		return fmt.Errorf("failed to decode CBOR update envelope: %w", err)
	}

	return svc.SubmitUpdate(ctx, env)
}

func (svc *service) completeRound(ctx context.Context, round orchestration.Round) {
	snapshot, err := svc.coordinator.CompleteRound(ctx, round.ID)
	if err != nil {
		svc.logger.ErrorContext(ctx, "Aggregation failed",
			"round_id", round.ID,
			"error", err)
		metrics.RoundTotal.WithLabelValues(svc.experiment, string(orchestration.RoundFailed)).Inc()

		return
	}

	metrics.RoundTotal.WithLabelValues(svc.experiment, string(orchestration.RoundCompleted)).Inc()
	metrics.RoundDuration.WithLabelValues(svc.experiment).Observe(time.Since(round.StartTime).Seconds())
	metrics.SnapshotVersion.WithLabelValues(svc.experiment).Set(float64(snapshot.Version))

	svc.logger.InfoContext(ctx, "Snapshot published",
		"round_id", round.ID,
		"version", snapshot.Version)

	announcement := map[string]any{
		"round_id": round.ID,
		"version":  snapshot.Version,
	}
	if err := svc.pubsub.Publish(ctx, svc.topics.SnapshotPublishedTopic(), announcement); err != nil {
		svc.logger.WarnContext(ctx, "Failed to announce snapshot", "error", err)
	}
}

func (svc *service) GetSnapshot(ctx context.Context, version int) (fl.Snapshot, error) {
	return svc.snapshots.Get(ctx, version)
}

func (svc *service) LatestSnapshot(ctx context.Context) (fl.Snapshot, error) {
	return svc.snapshots.Latest(ctx)
}

func (svc *service) ListSnapshotVersions(ctx context.Context) ([]int, error) {
	return svc.snapshots.Versions(ctx)
}

func (svc *service) RegisterParticipant(ctx context.Context, id, name string) (participant.Participant, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if name == "" {
		name = namegen.Generate()
	}

	p := participant.Participant{
		ID:           id,
		Name:         name,
		Alive:        true,
		AliveHistory: []time.Time{time.Now()},
	}

	if err := svc.store.SaveParticipant(ctx, p); err != nil {
		return participant.Participant{}, err
	}

	if err := svc.emitter.EmitParticipantRegistered(ctx, p); err != nil {
		svc.logger.WarnContext(ctx, "Failed to emit registration event", "error", err)
	}

	svc.logger.InfoContext(ctx, "Participant registered", "participant_id", id, "name", name)

	return p, nil
}

func (svc *service) Heartbeat(ctx context.Context, participantID string) error {
	p, err := svc.store.GetParticipant(ctx, participantID)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrNotFound) {
			// Heartbeat from a participant the coordinator has not
			// seen registers it implicitly.
			_, err = svc.RegisterParticipant(ctx, participantID, "")

			return err
		}

		return err
	}

	p.AliveHistory = append(p.AliveHistory, time.Now())
	if len(p.AliveHistory) > aliveHistoryLimit {
		p.AliveHistory = p.AliveHistory[len(p.AliveHistory)-aliveHistoryLimit:]
	}
	p.SetAlive()

	return svc.store.SaveParticipant(ctx, p)
}

func (svc *service) MarkOffline(ctx context.Context, participantID string) error {
	p, err := svc.store.GetParticipant(ctx, participantID)
	if err != nil {
		return err
	}

	p.Alive = false
	p.AliveHistory = nil

	svc.logger.InfoContext(ctx, "Participant offline", "participant_id", participantID)

	return svc.store.SaveParticipant(ctx, p)
}

func (svc *service) GetParticipant(ctx context.Context, participantID string) (participant.Participant, error) {
	p, err := svc.store.GetParticipant(ctx, participantID)
	if err != nil {
		return participant.Participant{}, err
	}

	p.SetAlive()

	return p, nil
}

func (svc *service) ListParticipants(ctx context.Context, offset, limit uint64) (participant.ParticipantPage, error) {
	participants, total, err := svc.store.ListParticipants(ctx, offset, limit)
	if err != nil {
		return participant.ParticipantPage{}, err
	}

	alive := 0
	for i := range participants {
		participants[i].SetAlive()
		if participants[i].Alive {
			alive++
		}
	}
	metrics.ParticipantsAlive.WithLabelValues(svc.experiment).Set(float64(alive))

	return participant.ParticipantPage{
		Offset:       offset,
		Limit:        limit,
		Total:        total,
		Participants: participants,
	}, nil
}

func (svc *service) Run(ctx context.Context) error {
	if err := svc.pubsub.Subscribe(ctx, svc.topics.ParticipantCreateTopic(), svc.handleCreate(ctx)); err != nil {
		return fmt.Errorf("failed to subscribe to participant create topic: %w", err)
	}

	if err := svc.pubsub.Subscribe(ctx, svc.topics.ParticipantAliveTopic(), svc.handleAlive(ctx)); err != nil {
		return fmt.Errorf("failed to subscribe to participant alive topic: %w", err)
	}

	if err := svc.pubsub.Subscribe(ctx, svc.topics.RoundUpdateWildcard(), svc.handleUpdate(ctx)); err != nil {
		return fmt.Errorf("failed to subscribe to round update topic: %w", err)
	}

	svc.logger.Info("Coordinator service is running")

	svc.sweepDeadlines(ctx)

	return ctx.Err()
}

func (svc *service) handleCreate(ctx context.Context) mqtt.Handler {
	return func(topic string, msg map[string]interface{}) error {
		id, _ := msg["participant_id"].(string)
		name, _ := msg["name"].(string)
		if id == "" {
			return pkgerrors.ErrInvalidData
		}

		_, err := svc.RegisterParticipant(ctx, id, name)

		return err
	}
}

func (svc *service) handleAlive(ctx context.Context) mqtt.Handler {
	return func(topic string, msg map[string]interface{}) error {
		id, _ := msg["participant_id"].(string)
		if id == "" {
			return pkgerrors.ErrInvalidData
		}

		if status, _ := msg["status"].(string); status == "offline" {
			return svc.MarkOffline(ctx, id)
		}

		return svc.Heartbeat(ctx, id)
	}
}

func (svc *service) handleUpdate(ctx context.Context) mqtt.Handler {
	return func(topic string, msg map[string]interface{}) error {
		if encoded, ok := msg["envelope_b64"].(string); ok {
			return svc.submitSealedUpdate(ctx, encoded)
		}

		// Plain JSON envelope published directly as the message body.
		raw, err := json.Marshal(msg)
		if err != nil {
			return err
		}

		var env fl.UpdateEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return err
		}

		return svc.SubmitUpdate(ctx, env)
	}
}

func (svc *service) submitSealedUpdate(ctx context.Context, encoded string) error {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("failed to decode update envelope: %w", err)
	}

	if len(svc.payloadKey) > 0 {
		raw, err = crypto.Decrypt(raw, svc.payloadKey)
		if err != nil {
			metrics.UpdatesRejected.WithLabelValues(svc.experiment, "decrypt").Inc()

			return fmt.Errorf("failed to decrypt update envelope: %w", err)
		}
	}

	return svc.SubmitUpdateCBOR(ctx, raw)
}

// sweepDeadlines periodically applies round deadlines. A collecting
// round past its deadline either moves on to aggregation or fails.
func (svc *service) sweepDeadlines(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			rounds, _, err := svc.store.ListRounds(ctx, defOffset, 0)
			if err != nil {
				svc.logger.Warn("Deadline sweep failed to list rounds", "error", err)

				continue
			}

			for _, round := range rounds {
				if round.State != orchestration.RoundCollecting {
					continue
				}

				progressed, ready, err := svc.coordinator.Progress(ctx, round.ID, now)
				switch {
				case errors.Is(err, orchestration.ErrRoundTimeout):
					svc.logger.Warn("Round failed at deadline",
						"round_id", round.ID,
						"quorum", round.Quorum)
					metrics.RoundTotal.WithLabelValues(svc.experiment, string(orchestration.RoundFailed)).Inc()
				case err != nil:
					svc.logger.Warn("Deadline sweep error", "round_id", round.ID, "error", err)
				case ready:
					svc.logger.Info("Round reached deadline at quorum, aggregating",
						"round_id", round.ID)
					go svc.completeRound(context.WithoutCancel(ctx), progressed)
				}
			}
		}
	}
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, orchestration.ErrDuplicateUpdate):
		return "duplicate"
	case errors.Is(err, orchestration.ErrStaleBaseVersion):
		return "stale_version"
	case errors.Is(err, orchestration.ErrRoundClosed):
		return "round_closed"
	case errors.Is(err, orchestration.ErrRoundNotFound):
		return "round_not_found"
	case errors.Is(err, orchestration.ErrUnknownParticipant):
		return "unknown_participant"
	default:
		return "other"
	}
}
