package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// RESTClient calls the attendance server's HTTP API.
type RESTClient struct {
	baseURL string
	token   string
	hc      *http.Client
}

func NewRESTClient(baseURL, token string) *RESTClient {
	return &RESTClient{
		baseURL: baseURL,
		token:   token,
		hc:      &http.Client{Timeout: 15 * time.Second},
	}
}

// SyncResult is the server's verdict on an offline claim.
type SyncResult struct {
	Success          bool `json:"success"`
	AcceptedSeconds  int  `json:"acceptedSeconds"`
	TotalSeconds     int  `json:"totalSeconds"`
	RandomRingMissed bool `json:"randomRingMissed"`
	TeacherAccepted  bool `json:"teacherAccepted"`
}

// Start requests a session start.
func (c *RESTClient) Start(ctx context.Context, studentID, room string) error {
	return c.post(ctx, "/v1/attendance/start", map[string]any{
		"studentId":  studentID,
		"room":       room,
		"deviceTime": time.Now(),
	}, nil)
}

// Stop requests a session stop.
func (c *RESTClient) Stop(ctx context.Context, studentID string) error {
	return c.post(ctx, "/v1/attendance/stop", map[string]any{"studentId": studentID}, nil)
}

// Checkpoint reports the local timer value and connectivity.
func (c *RESTClient) Checkpoint(ctx context.Context, studentID string, timerValue int, wifiConnected bool) error {
	return c.post(ctx, "/v1/attendance/update-timer", map[string]any{
		"studentId":     studentID,
		"timerValue":    timerValue,
		"wifiConnected": wifiConnected,
	}, nil)
}

// SyncOffline submits the buffered offline claim and returns the server's
// accepted values.
func (c *RESTClient) SyncOffline(ctx context.Context, rec OfflineRecord) (*SyncResult, error) {
	var result SyncResult
	if err := c.post(ctx, "/v1/attendance/sync-offline", rec, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RingVerify answers a random ring challenge after a local face scan.
func (c *RESTClient) RingVerify(ctx context.Context, ringID, studentID string) error {
	return c.post(ctx, "/v1/random-ring/verify", map[string]any{
		"ringId":    ringID,
		"studentId": studentID,
	}, nil)
}

// RingVerifyAfterRejection retries verification inside the post-rejection
// window.
func (c *RESTClient) RingVerifyAfterRejection(ctx context.Context, ringID, studentID string) error {
	return c.post(ctx, "/v1/random-ring/verify-after-rejection", map[string]any{
		"ringId":    ringID,
		"studentId": studentID,
	}, nil)
}

func (c *RESTClient) post(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error  string `json:"error"`
			Reason string `json:"reason"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Reason != "" {
			return fmt.Errorf("%s: %s (%s)", path, apiErr.Error, apiErr.Reason)
		}
		return fmt.Errorf("%s: status %d %s", path, resp.StatusCode, apiErr.Error)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
