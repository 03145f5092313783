// Package workerclient is the outbound half of the worker contract: the only
// call this service makes out is POST {base}/jobs/{id}/execute with a shared
// secret. What the worker does with it is not this service's business.
package workerclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const SecretHeader = "X-Worker-Secret"

type Client struct {
	baseURL string
	secret  string
	http    *http.Client
}

func New(baseURL, secret string) *Client {
	return &Client{
		baseURL: baseURL,
		secret:  secret,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Configured reports whether the worker endpoint is deployable. A missing
// URL or secret is a deployment gap, not a fault; callers log and skip.
func (c *Client) Configured() bool {
	return c.baseURL != "" && c.secret != ""
}

// Execute triggers execution of the given job. The worker reports its
// outcome later through the job mutator endpoints; this call only hands the
// job over.
func (c *Client) Execute(ctx context.Context, jobID string) error {
	url := fmt.Sprintf("%s/jobs/%s/execute", c.baseURL, jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set(SecretHeader, c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("worker returned status %d for job %s", resp.StatusCode, jobID)
	}
	return nil
}
