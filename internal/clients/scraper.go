package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"leadflow/internal/models"
)

// ScraperClient talks to the external per-locality scraping service. Status
// checks and result downloads are single-attempt with a short timeout; the
// aggregator treats any error as "still running" and polls again later.
type ScraperClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewScraperClient creates a scraper client with a bounded timeout
func NewScraperClient(baseURL, token string, timeout time.Duration) *ScraperClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ScraperClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

type createJobRequest struct {
	Rubro    string `json:"rubro"`
	Locality string `json:"locality"`
}

type createJobResponse struct {
	JobID string `json:"job_id"`
}

type jobStatusResponse struct {
	Status string `json:"status"`
}

type jobResultsResponse struct {
	Rows []models.Lead `json:"rows"`
}

// CreateJob starts a scrape job for one category/locality pair
func (c *ScraperClient) CreateJob(ctx context.Context, rubro, locality string) (string, error) {
	body, err := json.Marshal(createJobRequest{Rubro: rubro, Locality: locality})
	if err != nil {
		return "", err
	}

	var out createJobResponse
	if err := c.do(ctx, http.MethodPost, "/jobs", body, &out); err != nil {
		return "", fmt.Errorf("failed to create scrape job: %w", err)
	}
	if out.JobID == "" {
		return "", fmt.Errorf("scraper returned empty job id for %q/%q", rubro, locality)
	}
	return out.JobID, nil
}

// JobStatus returns the raw status string reported by the scraping service.
// The aggregator owns the status vocabulary interpretation.
func (c *ScraperClient) JobStatus(ctx context.Context, jobID string) (string, error) {
	var out jobStatusResponse
	if err := c.do(ctx, http.MethodGet, "/jobs/"+jobID, nil, &out); err != nil {
		return "", fmt.Errorf("failed to check scrape job %s: %w", jobID, err)
	}
	return out.Status, nil
}

// JobResults downloads and parses a finished job's result rows
func (c *ScraperClient) JobResults(ctx context.Context, jobID string) ([]models.Lead, error) {
	var out jobResultsResponse
	if err := c.do(ctx, http.MethodGet, "/jobs/"+jobID+"/results", nil, &out); err != nil {
		return nil, fmt.Errorf("failed to download scrape job %s results: %w", jobID, err)
	}
	return out.Rows, nil
}

func (c *ScraperClient) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("scraper status %d: %s", resp.StatusCode, snippet)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
