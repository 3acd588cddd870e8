// Package engine provides HTTP clients for the AutoML engine's
// request/response surface: job history and one-off inference.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/taskmgr818/automl-console/internal/urls"
)

const httpTimeout = 30 * time.Second

// Client is a stateless request helper addressed through the URL resolver.
// The one exception to statelessness: a superseding job listing cancels the
// in-flight one, so at most one listing request is ever outstanding.
type Client struct {
	resolver   *urls.Resolver
	httpClient *http.Client

	mu         sync.Mutex
	cancelList context.CancelFunc
	listGen    uint64
}

// NewClient creates a new engine client.
func NewClient(resolver *urls.Resolver) *Client {
	return &Client{
		resolver:   resolver,
		httpClient: &http.Client{Timeout: httpTimeout},
	}
}

type listResponse struct {
	OK     bool     `json:"ok"`
	JobIDs []string `json:"job_ids"`
}

// ListJobs fetches the ordered set of historic job identifiers. Any
// response body not shaped {ok:true, job_ids:[...]} is a failure
// regardless of HTTP status.
func (c *Client) ListJobs(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if c.cancelList != nil {
		c.cancelList()
	}
	c.cancelList = cancel
	c.listGen++
	gen := c.listGen
	c.mu.Unlock()

	// release the context once this request finishes, unless a newer
	// listing has already taken over the slot
	defer func() {
		c.mu.Lock()
		if c.listGen == gen {
			c.cancelList = nil
		}
		c.mu.Unlock()
		cancel()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolver.Endpoint("historic_jobs"), nil)
	if err != nil {
		return nil, fmt.Errorf("create list request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer resp.Body.Close()

	var list listResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode job list: %w", err)
	}
	if !list.OK || list.JobIDs == nil {
		return nil, fmt.Errorf("job list response not ok (status %d)", resp.StatusCode)
	}
	return list.JobIDs, nil
}

// InferenceRequest describes a one-off inference call against a trained job.
type InferenceRequest struct {
	TestPath   string `json:"test_path"`
	JobID      string `json:"job_id"`
	OutputPath string `json:"output_path"`
	Proba      bool   `json:"proba"`
}

// InferenceResult carries the engine-owned result payload.
type InferenceResult struct {
	Result     json.RawMessage `json:"result"`
	OutputPath string          `json:"output_path"`
}

type inferenceResponse struct {
	OK         bool            `json:"ok"`
	Result     json.RawMessage `json:"result"`
	OutputPath string          `json:"output_path"`
	Detail     string          `json:"detail"`
}

// Inference runs a single prediction request. A non-2xx response, or a 2xx
// body lacking ok:true, is a failure.
func (c *Client) Inference(ctx context.Context, req InferenceRequest) (*InferenceResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal inference request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolver.Endpoint("inference"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create inference request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("inference: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(resp.Body)
		var errResp struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Detail != "" {
			return nil, fmt.Errorf("engine error: %s", errResp.Detail)
		}
		return nil, fmt.Errorf("engine returned status %d: %s", resp.StatusCode, respBody)
	}

	var infResp inferenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&infResp); err != nil {
		return nil, fmt.Errorf("decode inference response: %w", err)
	}
	if !infResp.OK {
		if infResp.Detail != "" {
			return nil, fmt.Errorf("engine error: %s", infResp.Detail)
		}
		return nil, fmt.Errorf("inference response not ok")
	}

	return &InferenceResult{Result: infResp.Result, OutputPath: infResp.OutputPath}, nil
}
