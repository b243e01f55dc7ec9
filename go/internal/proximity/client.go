package proximity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client calls the proximity locator sidecar, which resolves the MAC-like
// identifier (BSSID) of the network a student's device is currently on.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
	// SkipBSSID is what Locate reports in skip mode.
	SkipBSSID string
}

// New creates a client. With skip set, Locate reports SkipBSSID without
// touching the network (dev mode).
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL:   baseURL,
		Skip:      skip,
		SkipBSSID: "aa:bb:cc:dd:ee:ff",
		HTTP: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Locate returns the BSSID the student's device is connected to, or an empty
// string when the device reports no signal.
func (c *Client) Locate(ctx context.Context, studentID string) (string, error) {
	if c.Skip {
		return c.SkipBSSID, nil
	}

	body, _ := json.Marshal(map[string]string{"studentId": studentID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/locate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("proximity service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("proximity service error %s: %s", resp.Status, string(bodyBytes))
	}

	var out struct {
		BSSID string `json:"bssid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	return out.BSSID, nil
}
