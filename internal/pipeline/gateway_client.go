package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tryon/internal/domain"
)

// ProcessPath is where the gateway is served.
const ProcessPath = "/internal/generation/process"

// GatewayClient calls a remote gateway over HTTP. It lets the dispatch loops
// run in a different process from the generation workers.
type GatewayClient struct {
	baseURL string
	http    *http.Client
}

func NewGatewayClient(baseURL string, timeout time.Duration) *GatewayClient {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &GatewayClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type processResponse struct {
	Success bool            `json:"success"`
	JobID   string          `json:"jobId"`
	Status  string          `json:"status"`
	Skipped bool            `json:"skipped"`
	Failure *domain.Failure `json:"failure,omitempty"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}

func (c *GatewayClient) Process(ctx context.Context, token, jobID string) (Outcome, error) {
	body, err := json.Marshal(map[string]string{"jobId": jobID})
	if err != nil {
		return Outcome{}, err
	}
	var resp processResponse
	if err := c.post(ctx, token, body, &resp); err != nil {
		return Outcome{}, err
	}
	return Outcome{JobID: resp.JobID, Status: domain.JobStatus(resp.Status), Skipped: resp.Skipped, Failure: resp.Failure}, nil
}

// ProcessBatch asks the gateway to run one sweep.
func (c *GatewayClient) ProcessBatch(ctx context.Context, token string) (SweepReport, error) {
	var report SweepReport
	if err := c.post(ctx, token, nil, &report); err != nil {
		return SweepReport{}, err
	}
	return report, nil
}

func (c *GatewayClient) post(ctx context.Context, token string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+ProcessPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call gateway: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read gateway response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: gateway rejected credentials", domain.ErrUnauthorized)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("gateway: %w", domain.ErrNotFound)
	case resp.StatusCode >= 300:
		var e processResponse
		_ = json.Unmarshal(raw, &e)
		msg := e.Message
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, msg)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode gateway response: %w", err)
	}
	return nil
}
