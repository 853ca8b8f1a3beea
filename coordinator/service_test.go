package coordinator

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	smqerrors "github.com/absmach/supermq/pkg/errors"

	"github.com/quantumfed/quantumfed/pkg/fl"
	"github.com/quantumfed/quantumfed/pkg/mqtt"
	"github.com/quantumfed/quantumfed/pkg/orchestration"
	"github.com/quantumfed/quantumfed/pkg/orchestration/dispatch"
	"github.com/quantumfed/quantumfed/pkg/orchestration/events"
	"github.com/quantumfed/quantumfed/pkg/orchestration/store"
	"github.com/quantumfed/quantumfed/pkg/storage"
)

// mockPubSub records published payloads and lets tests inject inbound
// messages to subscribed handlers.
type mockPubSub struct {
	mu         sync.Mutex
	published  map[string][]interface{}
	subscribed map[string]mqtt.Handler
}

func newMockPubSub() *mockPubSub {
	return &mockPubSub{
		published:  make(map[string][]interface{}),
		subscribed: make(map[string]mqtt.Handler),
	}
}

func (m *mockPubSub) Publish(ctx context.Context, topic string, payload interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published[topic] = append(m.published[topic], payload)

	return nil
}

func (m *mockPubSub) Subscribe(ctx context.Context, topic string, handler mqtt.Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribed[topic] = handler

	return nil
}

func (m *mockPubSub) Unsubscribe(ctx context.Context, topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscribed, topic)

	return nil
}

func (m *mockPubSub) Disconnect(ctx context.Context) error {
	return nil
}

func (m *mockPubSub) simulateMessage(topic string, msg map[string]any) error {
	m.mu.Lock()
	handlers := make([]mqtt.Handler, 0, 1)
	for pattern, handler := range m.subscribed {
		if matchesWildcard(topic, pattern) {
			handlers = append(handlers, handler)
		}
	}
	m.mu.Unlock()

	for _, h := range handlers {
		if err := h(topic, msg); err != nil {
			return err
		}
	}

	return nil
}

func (m *mockPubSub) publishedOn(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.published[topic])
}

func matchesWildcard(topic, pattern string) bool {
	if pattern == "#" || pattern == topic {
		return true
	}

	patternParts := strings.Split(pattern, "/")
	topicParts := strings.Split(topic, "/")

	for i, part := range patternParts {
		if part == "#" {
			return true
		}
		if i >= len(topicParts) {
			return false
		}
		if part == "+" {
			continue
		}
		if part != topicParts[i] {
			return false
		}
	}

	return len(patternParts) == len(topicParts)
}

func newTestService(t *testing.T) (Service, *mockPubSub, *orchestration.TopicBuilder) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pubsub := newMockPubSub()
	topics := orchestration.NewTopicBuilder("exp-1", "chan-1")

	stateStore := store.NewMemoryStateStore(
		storage.NewInMemoryStorage(),
		storage.NewInMemoryStorage(),
		storage.NewInMemoryStorage(),
		storage.NewInMemoryStorage(),
	)

	snapshots, err := NewSnapshotStore(storage.NewInMemoryStorage(), fl.Snapshot{})
	if err != nil {
		wrappedErr := smqerrors.Wrap(smqerrors.New("failed to create snapshot store"), err)
		t.Fatalf("%v", wrappedErr)
	}

	dispatcher := dispatch.NewMQTTDispatcher(pubsub, topics.RoundStartTopic(), topics.RoundCancelTopic(), nil)
	emitter := events.NewMQTTEventEmitter(pubsub, topics)
	coordinator := orchestration.NewCoordinator(
		stateStore, snapshots, dispatcher, emitter,
		orchestration.NewRandomSelector(), fl.NewFedAvgAggregator(),
	)

	svc := NewService(coordinator, stateStore, snapshots, emitter, pubsub, topics, "exp-1", nil, logger)

	return svc, pubsub, topics
}

func registerParticipants(t *testing.T, svc Service, ids ...string) {
	t.Helper()
	ctx := context.Background()
	for _, id := range ids {
		if _, err := svc.RegisterParticipant(ctx, id, ""); err != nil {
			t.Fatalf("failed to register %s: %v", id, err)
		}
	}
}

func TestRegisterAndHeartbeat(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	p, err := svc.RegisterParticipant(ctx, "p1", "edge-node-1")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if !p.Alive {
		t.Error("fresh participant not alive")
	}

	if err := svc.Heartbeat(ctx, "p1"); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}

	// Heartbeats from unseen participants register them implicitly.
	if err := svc.Heartbeat(ctx, "p-unseen"); err != nil {
		t.Fatalf("implicit registration failed: %v", err)
	}
	if _, err := svc.GetParticipant(ctx, "p-unseen"); err != nil {
		t.Fatalf("implicitly registered participant missing: %v", err)
	}

	if err := svc.MarkOffline(ctx, "p1"); err != nil {
		t.Fatalf("mark offline failed: %v", err)
	}
	got, err := svc.GetParticipant(ctx, "p1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Alive {
		t.Error("offline participant still alive")
	}
}

func TestHeartbeatHistoryBounded(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	registerParticipants(t, svc, "p1")
	for range 25 {
		if err := svc.Heartbeat(ctx, "p1"); err != nil {
			t.Fatalf("heartbeat failed: %v", err)
		}
	}

	p, err := svc.GetParticipant(ctx, "p1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(p.AliveHistory) > aliveHistoryLimit {
		t.Errorf("alive history grew to %d, limit is %d", len(p.AliveHistory), aliveHistoryLimit)
	}
}

func TestRoundLifecycleOverEnvelopes(t *testing.T) {
	ctx := context.Background()
	svc, pubsub, topics := newTestService(t)

	registerParticipants(t, svc, "p1", "p2", "p3")

	round, err := svc.StartRound(ctx, orchestration.RoundSpec{
		RoundID:      "round-1",
		Participants: []string{"p1", "p2", "p3"},
		Quorum:       2,
		TimeoutS:     60,
	})
	if err != nil {
		t.Fatalf("start round failed: %v", err)
	}

	if got := pubsub.publishedOn(topics.RoundStartTopic()); got != 3 {
		t.Fatalf("expected 3 task dispatches, got %d", got)
	}

	for i, id := range []string{"p1", "p2"} {
		env, err := fl.EncodeEnvelope(round.ID, id, round.BaseVersion, uint64(10*(i+1)), []float64{1.0, 2.0}, 0.5, fl.FormatJSONF64)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		if err := svc.SubmitUpdate(ctx, env); err != nil {
			t.Fatalf("submit from %s failed: %v", id, err)
		}
	}

	// Aggregation runs asynchronously once quorum is reached.
	deadline := time.Now().Add(2 * time.Second)
	for {
		status, err := svc.RoundStatus(ctx, round.ID)
		if err != nil {
			t.Fatalf("status failed: %v", err)
		}
		if status.State == orchestration.RoundCompleted {
			if status.SnapshotVersion != 1 {
				t.Fatalf("expected snapshot version 1, got %d", status.SnapshotVersion)
			}

			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("round never completed, state %s", status.State)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got := pubsub.publishedOn(topics.SnapshotPublishedTopic()); got != 1 {
		t.Errorf("expected 1 snapshot announcement, got %d", got)
	}

	snapshot, err := svc.LatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("latest snapshot failed: %v", err)
	}
	if snapshot.Version != 1 {
		t.Errorf("expected version 1, got %d", snapshot.Version)
	}
}

func TestUpdateArrivesOverMQTT(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, pubsub, topics := newTestService(t)

	registerParticipants(t, svc, "p1", "p2")

	go func() {
		_ = svc.Run(ctx)
	}()

	// Run subscribes before sweeping; wait for the subscriptions.
	deadline := time.Now().Add(time.Second)
	for {
		pubsub.mu.Lock()
		n := len(pubsub.subscribed)
		pubsub.mu.Unlock()
		if n >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("service never subscribed to control topics")
		}
		time.Sleep(5 * time.Millisecond)
	}

	round, err := svc.StartRound(ctx, orchestration.RoundSpec{
		RoundID:      "round-1",
		Participants: []string{"p1", "p2"},
		Quorum:       2,
		TimeoutS:     60,
	})
	if err != nil {
		t.Fatalf("start round failed: %v", err)
	}

	env, err := fl.EncodeEnvelope(round.ID, "p1", round.BaseVersion, 10, []float64{1.0}, 0.0, fl.FormatJSONF64)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	msg := map[string]any{
		"round_id":       env.RoundID,
		"participant_id": env.ParticipantID,
		"base_version":   float64(env.BaseVersion),
		"num_samples":    float64(env.NumSamples),
		"payload_b64":    env.PayloadB64,
		"format":         env.Format,
	}

	topic := topics.RoundUpdateTopic(round.ID, "p1")
	if err := pubsub.simulateMessage(topic, msg); err != nil {
		t.Fatalf("simulated update failed: %v", err)
	}

	status, err := svc.RoundStatus(ctx, round.ID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.NumUpdates != 1 {
		t.Errorf("expected 1 buffered update, got %d", status.NumUpdates)
	}

	// Participant discovery over the control topic.
	if err := pubsub.simulateMessage(topics.ParticipantCreateTopic(), map[string]any{
		"participant_id": "p9",
		"name":           "late-joiner",
	}); err != nil {
		t.Fatalf("simulated create failed: %v", err)
	}
	if _, err := svc.GetParticipant(ctx, "p9"); err != nil {
		t.Fatalf("discovered participant missing: %v", err)
	}
}

func TestSnapshotStoreImmutability(t *testing.T) {
	ctx := context.Background()

	snapshots, err := NewSnapshotStore(storage.NewInMemoryStorage(), fl.Snapshot{})
	if err != nil {
		t.Fatalf("snapshot store failed: %v", err)
	}

	initial, err := snapshots.Latest(ctx)
	if err != nil {
		t.Fatalf("latest failed: %v", err)
	}
	if initial.Version != 0 {
		t.Fatalf("expected seeded version 0, got %d", initial.Version)
	}

	next := fl.Snapshot{Version: 1, Params: map[string]any{"w": []float64{1.0}}}
	if err := snapshots.Publish(ctx, next); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if err := snapshots.Publish(ctx, next); err != orchestration.ErrSnapshotExists {
		t.Fatalf("expected ErrSnapshotExists on republish, got %v", err)
	}

	versions, err := snapshots.Versions(ctx)
	if err != nil {
		t.Fatalf("versions failed: %v", err)
	}
	if len(versions) != 2 || versions[0] != 0 || versions[1] != 1 {
		t.Fatalf("unexpected versions %v", versions)
	}
}
