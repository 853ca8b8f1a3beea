package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/quantumfed/quantumfed/coordinator"
	"github.com/quantumfed/quantumfed/pkg/fl"
	"github.com/quantumfed/quantumfed/pkg/mqtt"
	"github.com/quantumfed/quantumfed/pkg/orchestration"
	"github.com/quantumfed/quantumfed/pkg/orchestration/dispatch"
	"github.com/quantumfed/quantumfed/pkg/orchestration/events"
	"github.com/quantumfed/quantumfed/pkg/orchestration/store"
	"github.com/quantumfed/quantumfed/pkg/storage"
)

type nopPubSub struct{}

func (nopPubSub) Publish(ctx context.Context, topic string, msg any) error { return nil }
func (nopPubSub) Subscribe(ctx context.Context, topic string, handler mqtt.Handler) error {
	return nil
}
func (nopPubSub) Unsubscribe(ctx context.Context, topic string) error { return nil }
func (nopPubSub) Disconnect(ctx context.Context) error                { return nil }

func newTestServer(t *testing.T) (*httptest.Server, coordinator.Service) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	topics := orchestration.NewTopicBuilder("exp-1", "chan-1")
	pubsub := nopPubSub{}

	stateStore := store.NewMemoryStateStore(
		storage.NewInMemoryStorage(),
		storage.NewInMemoryStorage(),
		storage.NewInMemoryStorage(),
		storage.NewInMemoryStorage(),
	)
	snapshots, err := coordinator.NewSnapshotStore(storage.NewInMemoryStorage(), fl.Snapshot{})
	if err != nil {
		t.Fatalf("snapshot store failed: %v", err)
	}

	dispatcher := dispatch.NewMQTTDispatcher(pubsub, topics.RoundStartTopic(), topics.RoundCancelTopic(), nil)
	emitter := events.NewMQTTEventEmitter(pubsub, topics)
	coord := orchestration.NewCoordinator(
		stateStore, snapshots, dispatcher, emitter,
		orchestration.NewRandomSelector(), fl.NewFedAvgAggregator(),
	)

	svc := coordinator.NewService(coord, stateStore, snapshots, emitter, pubsub, topics, "exp-1", nil, logger)

	srv := httptest.NewServer(MakeHandler(svc))
	t.Cleanup(srv.Close)

	return srv, svc
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()

	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	resp, err := http.Post(url, contentTypeJSON, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

func TestRoundEndpoints(t *testing.T) {
	srv, svc := newTestServer(t)
	ctx := context.Background()

	for _, id := range []string{"p1", "p2"} {
		if _, err := svc.RegisterParticipant(ctx, id, ""); err != nil {
			t.Fatalf("register failed: %v", err)
		}
	}

	resp := postJSON(t, srv.URL+"/rounds", orchestration.RoundSpec{
		RoundID:      "round-1",
		Participants: []string{"p1", "p2"},
		Quorum:       2,
		TimeoutS:     60,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var round orchestration.Round
	if err := json.NewDecoder(resp.Body).Decode(&round); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if round.State != orchestration.RoundCollecting {
		t.Errorf("expected Collecting, got %s", round.State)
	}

	// Duplicate round ID conflicts.
	resp = postJSON(t, srv.URL+"/rounds", orchestration.RoundSpec{
		RoundID:      "round-1",
		Participants: []string{"p1", "p2"},
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 for duplicate round, got %d", resp.StatusCode)
	}

	statusResp, err := http.Get(srv.URL + "/rounds/round-1")
	if err != nil {
		t.Fatalf("status request failed: %v", err)
	}
	defer statusResp.Body.Close()
	if statusResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", statusResp.StatusCode)
	}

	var status coordinator.RoundStatus
	if err := json.NewDecoder(statusResp.Body).Decode(&status); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if status.Quorum != 2 || status.NumUpdates != 0 {
		t.Errorf("unexpected status %+v", status)
	}

	missing, err := http.Get(srv.URL + "/rounds/no-such-round")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", missing.StatusCode)
	}
}

func TestUpdateEndpoints(t *testing.T) {
	srv, svc := newTestServer(t)
	ctx := context.Background()

	for _, id := range []string{"p1", "p2"} {
		if _, err := svc.RegisterParticipant(ctx, id, ""); err != nil {
			t.Fatalf("register failed: %v", err)
		}
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

	env, err := fl.EncodeEnvelope(round.ID, "p1", round.BaseVersion, 10, []float64{1, 2}, 0.5, fl.FormatJSONF64)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	resp := postJSON(t, srv.URL+"/updates", env)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	// A replay of the same update conflicts.
	resp = postJSON(t, srv.URL+"/updates", env)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 for duplicate update, got %d", resp.StatusCode)
	}

	// Second participant over the CBOR endpoint closes the round.
	env2, err := fl.EncodeEnvelope(round.ID, "p2", round.BaseVersion, 30, []float64{2, 3}, 1.0, fl.FormatCBORF64)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	body, err := cbor.Marshal(env2)
	if err != nil {
		t.Fatalf("cbor marshal failed: %v", err)
	}
	cborResp, err := http.Post(srv.URL+"/updates/cbor", contentTypeCBOR, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("cbor request failed: %v", err)
	}
	defer cborResp.Body.Close()
	if cborResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", cborResp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		status, err := svc.RoundStatus(ctx, round.ID)
		if err != nil {
			t.Fatalf("status failed: %v", err)
		}
		if status.State == orchestration.RoundCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("round never completed, state %s", status.State)
		}
		time.Sleep(10 * time.Millisecond)
	}

	latest, err := http.Get(srv.URL + "/snapshots/latest")
	if err != nil {
		t.Fatalf("snapshot request failed: %v", err)
	}
	defer latest.Body.Close()

	var snap fl.Snapshot
	if err := json.NewDecoder(latest.Body).Decode(&snap); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if snap.Version != 1 {
		t.Errorf("expected snapshot version 1, got %d", snap.Version)
	}
}

func TestHealthAndParticipants(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	reg := postJSON(t, srv.URL+"/participants", registerParticipantReq{ID: "p1", Name: "edge-1"})
	if reg.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", reg.StatusCode)
	}

	list, err := http.Get(srv.URL + "/participants")
	if err != nil {
		t.Fatalf("list request failed: %v", err)
	}
	defer list.Body.Close()

	var page struct {
		Total        uint64 `json:"total"`
		Participants []struct {
			ID string `json:"id"`
		} `json:"participants"`
	}
	if err := json.NewDecoder(list.Body).Decode(&page); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if page.Total != 1 || len(page.Participants) != 1 || page.Participants[0].ID != "p1" {
		t.Errorf("unexpected participants page %+v", page)
	}
}
