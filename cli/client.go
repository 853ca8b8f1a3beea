package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/quantumfed/quantumfed/coordinator"
	"github.com/quantumfed/quantumfed/participant"
	"github.com/quantumfed/quantumfed/pkg/fl"
	"github.com/quantumfed/quantumfed/pkg/orchestration"
)

const requestTimeout = 30 * time.Second

// Client is a thin HTTP wrapper over the coordinator API used by the
// CLI commands.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: requestTimeout},
	}
}

func (c *Client) StartRound(ctx context.Context, spec orchestration.RoundSpec) (orchestration.Round, error) {
	var round orchestration.Round
	err := c.do(ctx, http.MethodPost, "/rounds", spec, &round)

	return round, err
}

func (c *Client) RoundStatus(ctx context.Context, roundID string) (coordinator.RoundStatus, error) {
	var status coordinator.RoundStatus
	err := c.do(ctx, http.MethodGet, "/rounds/"+roundID, nil, &status)

	return status, err
}

func (c *Client) ListRounds(ctx context.Context, offset, limit uint64) (coordinator.RoundPage, error) {
	var page coordinator.RoundPage
	path := fmt.Sprintf("/rounds?offset=%d&limit=%d", offset, limit)
	err := c.do(ctx, http.MethodGet, path, nil, &page)

	return page, err
}

func (c *Client) SubmitUpdate(ctx context.Context, env fl.UpdateEnvelope) error {
	return c.do(ctx, http.MethodPost, "/updates", env, nil)
}

func (c *Client) GetSnapshot(ctx context.Context, version int) (fl.Snapshot, error) {
	var snapshot fl.Snapshot
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/snapshots/%d", version), nil, &snapshot)

	return snapshot, err
}

func (c *Client) LatestSnapshot(ctx context.Context) (fl.Snapshot, error) {
	var snapshot fl.Snapshot
	err := c.do(ctx, http.MethodGet, "/snapshots/latest", nil, &snapshot)

	return snapshot, err
}

func (c *Client) SnapshotVersions(ctx context.Context) ([]int, error) {
	var resp struct {
		Versions []int `json:"versions"`
	}
	err := c.do(ctx, http.MethodGet, "/snapshots", nil, &resp)

	return resp.Versions, err
}

func (c *Client) RegisterParticipant(ctx context.Context, id, name string) (participant.Participant, error) {
	var p participant.Participant
	body := map[string]string{"id": id, "name": name}
	err := c.do(ctx, http.MethodPost, "/participants", body, &p)

	return p, err
}

func (c *Client) ListParticipants(ctx context.Context, offset, limit uint64) (participant.ParticipantPage, error) {
	var page participant.ParticipantPage
	path := fmt.Sprintf("/participants?offset=%d&limit=%d", offset, limit)
	err := c.do(ctx, http.MethodGet, path, nil, &page)

	return page, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to coordinator failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("coordinator returned %d: %s", resp.StatusCode, apiErr.Error)
		}

		return fmt.Errorf("coordinator returned status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
