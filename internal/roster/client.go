// Package roster calls the enrollment collaborator that knows how many
// students belong to a class instance. The engine never validates
// membership of a scanning student; it only needs the headcount shown next
// to the live attendance count.
package roster

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client calls the enrollment service.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. With skip set (dev without the collaborator),
// lookups succeed with a zero headcount.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 5 * time.Second},
		Skip:    skip,
	}
}

// Enrollment returns the number of students enrolled in a class instance.
func (c *Client) Enrollment(ctx context.Context, classInstanceID string) (int, error) {
	if c.Skip {
		return 0, nil
	}
	url := fmt.Sprintf("%s/v1/classes/%s/enrollment", c.BaseURL, classInstanceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, fmt.Errorf("enrollment lookup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("enrollment lookup: status %d", resp.StatusCode)
	}
	var body struct {
		Total int `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("enrollment decode: %w", err)
	}
	return body.Total, nil
}

// Health pings the enrollment service.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("roster health: status %d", resp.StatusCode)
	}
	return nil
}
