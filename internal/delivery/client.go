// Package delivery is the worker side of the dispatcher contract: it leases
// events over the internal API, performs the signed outbound POST, and
// reports the outcome with a full attempt snapshot.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/austindbirch/hookline/internal/types"
)

// Client talks to the receiver's internal dispatcher API.
type Client struct {
	BaseURL  string
	WorkerID string
	HTTP     *http.Client
}

func NewClient(baseURL, workerID string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:  baseURL,
		WorkerID: workerID,
		HTTP:     &http.Client{Timeout: timeout},
	}
}

// Lease claims up to limit events for this worker.
func (c *Client) Lease(ctx context.Context, limit int, leaseMS int64) ([]types.LeasedEvent, error) {
	req := types.LeaseRequest{
		Limit:    int64(limit),
		LeaseMS:  leaseMS,
		WorkerID: c.WorkerID,
	}
	var resp types.LeaseResponse
	if err := c.post(ctx, "/internal/dispatcher/lease", req, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// Report submits the verdict for a leased event.
func (c *Client) Report(ctx context.Context, report *types.ReportRequest) (*types.ReportResponse, error) {
	report.WorkerID = c.WorkerID
	var resp types.ReportResponse
	if err := c.post(ctx, "/internal/dispatcher/report", *report, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return &APIError{Status: resp.StatusCode, Message: apiErr.Error}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// APIError is a non-200 response from the receiver.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("receiver returned %d: %s", e.Status, e.Message)
}

// IsConflict reports whether the receiver rejected the call with a lease
// conflict. A conflict is terminal for the attempt: the worker discards its
// result and may re-lease.
func (e *APIError) IsConflict() bool {
	return e.Status == http.StatusConflict
}
