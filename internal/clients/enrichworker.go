package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// EnrichmentWorkerClient calls the external enrichment worker. The call is
// fire-and-forget on the worker side: a 2xx means the batch was accepted and
// the worker will report back through the callback endpoint.
type EnrichmentWorkerClient struct {
	baseURL string
	secret  string
	http    *http.Client
}

// NewEnrichmentWorkerClient creates a worker client with a bounded timeout
func NewEnrichmentWorkerClient(baseURL, secret string, timeout time.Duration) *EnrichmentWorkerClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &EnrichmentWorkerClient{
		baseURL: baseURL,
		secret:  secret,
		http:    &http.Client{Timeout: timeout},
	}
}

// EnrichBusiness is one candidate sent to the worker (snake_case wire format)
type EnrichBusiness struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Locality        string `json:"locality"`
	Provincia       string `json:"provincia,omitempty"`
	ExistingWebsite string `json:"existing_website,omitempty"`
	ExistingPhone   string `json:"existing_phone,omitempty"`
	ExistingEmail   string `json:"existing_email,omitempty"`
}

type enrichRequest struct {
	JobID      int64            `json:"job_id"`
	SearchID   string           `json:"search_id"`
	Businesses []EnrichBusiness `json:"businesses"`
}

// Enrich submits a batch for enrichment. Single attempt, no internal retry;
// the retry policy lives at the job-count level in the orchestrator.
func (c *EnrichmentWorkerClient) Enrich(ctx context.Context, jobID int64, searchID string, businesses []EnrichBusiness) error {
	body, err := json.Marshal(enrichRequest{
		JobID:      jobID,
		SearchID:   searchID,
		Businesses: businesses,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal enrich request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/enrich", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("enrichment worker request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("enrichment worker rejected job %d (status %d): %s", jobID, resp.StatusCode, snippet)
	}

	return nil
}
