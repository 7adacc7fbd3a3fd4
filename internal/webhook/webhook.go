// Package webhook forwards delivered activity records to a custom HTTP
// endpoint. This lets users feed their own automation or data pipelines
// with the same records the server receives. Like the PostgreSQL
// mirror, the webhook is optional and never blocks the upload pipeline.
package webhook

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"timetracker-agent/internal/logging"
	"timetracker-agent/internal/tracker"
)

const (
	requestTimeout = 30 * time.Second
	maxRetries     = 3
	baseRetryDelay = 1 * time.Second
)

// Payload is the JSON structure sent to the webhook endpoint.
type Payload struct {
	Timestamp time.Time                `json:"timestamp"`
	Source    string                   `json:"source"`
	MachineID string                   `json:"machine_id"`
	Records   []tracker.ActivityRecord `json:"records"`
}

// Client posts delivered records to one webhook endpoint.
type Client struct {
	log       *logging.Logger
	http      *resty.Client
	url       string
	machineID string
}

// NewClient creates a webhook client. An empty URL falls back to the
// TRACKER_WEBHOOK_URL environment variable.
func NewClient(log *logging.Logger, webhookURL, machineID string) (*Client, error) {
	if webhookURL == "" {
		webhookURL = os.Getenv("TRACKER_WEBHOOK_URL")
	}
	if webhookURL == "" {
		return nil, fmt.Errorf("webhook URL not provided\n\nSet via:\n  1. settings.webhook_url in the config file\n  2. TRACKER_WEBHOOK_URL environment variable\n\nExample: https://example.com/timetracker/webhook")
	}
	if !strings.HasPrefix(webhookURL, "http://") && !strings.HasPrefix(webhookURL, "https://") {
		return nil, fmt.Errorf("invalid webhook URL: must start with http:// or https://\n\nProvided: %s", webhookURL)
	}

	httpClient := resty.New().
		SetTimeout(requestTimeout).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(maxRetries - 1).
		SetRetryWaitTime(baseRetryDelay)

	return &Client{
		log:       log,
		http:      httpClient,
		url:       webhookURL,
		machineID: machineID,
	}, nil
}

// SetHeader adds a custom header to every webhook request, for
// authentication tokens and the like.
func (c *Client) SetHeader(key, value string) {
	c.http.SetHeader(key, value)
}

// SubmitRecords posts one batch of delivered records. Failures are
// logged; the records were already uploaded, so nothing is requeued.
func (c *Client) SubmitRecords(ctx context.Context, records []tracker.ActivityRecord) {
	if len(records) == 0 {
		return
	}

	payload := Payload{
		Timestamp: time.Now().UTC(),
		Source:    "timetracker-agent",
		MachineID: c.machineID,
		Records:   records,
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		Post(c.url)
	if err != nil {
		c.log.Warningf("Webhook delivery failed: %v", err)
		return
	}
	if !resp.IsSuccess() {
		c.log.Warningf("Webhook endpoint returned %d: %s", resp.StatusCode(), resp.String())
		return
	}
	c.log.Verbosef("Forwarded %d records to webhook", len(records))
}
