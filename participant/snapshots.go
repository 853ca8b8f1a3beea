package participant

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/quantumfed/quantumfed/pkg/fl"
)

const snapshotRequestTimeout = 30 * time.Second

// SnapshotClient fetches published global snapshots. The agent pulls
// the base snapshot named by each training task instead of carrying
// model payloads over the control fabric.
type SnapshotClient interface {
	Get(ctx context.Context, version int) (fl.Snapshot, error)
}

type httpSnapshotClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPSnapshotClient(baseURL string) SnapshotClient {
	return &httpSnapshotClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: snapshotRequestTimeout},
	}
}

func (c *httpSnapshotClient) Get(ctx context.Context, version int) (fl.Snapshot, error) {
	url := fmt.Sprintf("%s/snapshots/%d", c.baseURL, version)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return fl.Snapshot{}, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fl.Snapshot{}, fmt.Errorf("failed to fetch snapshot v%d: %w", version, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fl.Snapshot{}, fmt.Errorf("snapshot v%d request returned status %d", version, resp.StatusCode)
	}

	var snapshot fl.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return fl.Snapshot{}, fmt.Errorf("failed to decode snapshot v%d: %w", version, err)
	}

	return snapshot, nil
}
