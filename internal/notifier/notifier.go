// Package notifier sends Discord webhook notifications about completed or
// failed scheduled merges (spec §4.F). It never affects the Job's recorded
// outcome: delivery failures are logged and discarded.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Client posts merge outcome notifications to a Discord-compatible webhook.
type Client struct {
	HTTPClient *http.Client
}

// New returns a Client with a 15s request timeout (spec §4.F).
func New() *Client {
	return &Client{HTTPClient: &http.Client{Timeout: 15 * time.Second}}
}

// SuccessPayload summarises a successful scheduled merge.
type SuccessPayload struct {
	Filename string
	Created  time.Time
	Size     string
	Channels int
	Programs int
	Days     int
	MemoryMB float64
	Duration time.Duration
}

// FailurePayload summarises a failed scheduled merge.
type FailurePayload struct {
	ErrorMessage string
	JobID        string
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type embed struct {
	Title  string       `json:"title"`
	Color  int          `json:"color"`
	Fields []embedField `json:"fields"`
}

type webhookBody struct {
	Embeds []embed `json:"embeds"`
}

const (
	colorSuccess = 0x2ECC71
	colorFailure = 0xE74C3C
)

// SendSuccess posts the "Scheduled Merge Completed" payload.
func (c *Client) SendSuccess(ctx context.Context, webhookURL string, p SuccessPayload) error {
	if webhookURL == "" {
		return nil
	}
	body := webhookBody{Embeds: []embed{{
		Title: "Scheduled Merge Completed",
		Color: colorSuccess,
		Fields: []embedField{
			{Name: "Filename", Value: p.Filename, Inline: true},
			{Name: "Created", Value: p.Created.UTC().Format(time.RFC3339), Inline: true},
			{Name: "Size", Value: p.Size, Inline: true},
			{Name: "Channels", Value: fmt.Sprintf("%d", p.Channels), Inline: true},
			{Name: "Programs", Value: fmt.Sprintf("%d", p.Programs), Inline: true},
			{Name: "Days", Value: fmt.Sprintf("%d", p.Days), Inline: true},
			{Name: "Memory", Value: fmt.Sprintf("%.1fMB", p.MemoryMB), Inline: true},
			{Name: "Duration", Value: p.Duration.Round(time.Second).String(), Inline: true},
		},
	}}}
	return c.post(ctx, webhookURL, body)
}

// SendFailure posts the "Scheduled Merge Failed" payload.
func (c *Client) SendFailure(ctx context.Context, webhookURL string, p FailurePayload) error {
	if webhookURL == "" {
		return nil
	}
	body := webhookBody{Embeds: []embed{{
		Title: "Scheduled Merge Failed",
		Color: colorFailure,
		Fields: []embedField{
			{Name: "Error message", Value: p.ErrorMessage},
			{Name: "Job ID", Value: p.JobID},
		},
	}}}
	return c.post(ctx, webhookURL, body)
}

// post sends body to webhookURL. Non-2xx responses and transport errors are
// logged and discarded: a notification failure must never mask the Job's
// recorded outcome.
func (c *Client) post(ctx context.Context, webhookURL string, body webhookBody) error {
	data, err := json.Marshal(body)
	if err != nil {
		log.Printf("notifier: encode payload: %v", err)
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(data))
	if err != nil {
		log.Printf("notifier: build request: %v", err)
		return nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		log.Printf("notifier: webhook delivery failed: %v", err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("notifier: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
