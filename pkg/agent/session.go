// Package agent contains the per-phase adapters that translate a pipeline
// node's responsibility into one LLM session against the external session
// service, plus the tool guard constraining what those sessions may do.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// SessionRequest describes one LLM session: a phase-specific prompt, a tool
// allowlist, a working-directory constraint, and a turn budget. The policy
// is enforced server-side; the orchestrator also pre-validates paths it
// consumes back (see Guard).
type SessionRequest struct {
	Phase        string        `json:"phase"`
	SystemPrompt string        `json:"system_prompt"`
	Prompt       string        `json:"prompt"`
	Tools        []string      `json:"tools"`
	WorkingDir   string        `json:"working_dir"`
	MaxTurns     int           `json:"max_turns"`
	Policy       SessionPolicy `json:"policy"`
}

// SessionPolicy is the security policy shipped with every session request.
type SessionPolicy struct {
	BlockedCommands []string `json:"blocked_commands"`
	WriteRoot       string   `json:"write_root"`
}

// SessionResult is the session service's structured response.
type SessionResult struct {
	Success         bool    `json:"success"`
	Output          string  `json:"output"`
	Error           string  `json:"error,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
	TokensUsed      int     `json:"tokens_used"`
}

// SessionClient runs one LLM session and returns its structured result.
// Tests substitute a scripted implementation.
type SessionClient interface {
	RunSession(ctx context.Context, req SessionRequest) (*SessionResult, error)
}

// HTTPSessionClient talks JSON over HTTP to the session service. Transient
// failures (network errors, 5xx) retry with exponential backoff; client
// errors do not.
type HTTPSessionClient struct {
	baseURL string
	client  *http.Client
	maxWait time.Duration
}

// NewHTTPSessionClient creates a client for the session service at baseURL.
func NewHTTPSessionClient(baseURL string) *HTTPSessionClient {
	return &HTTPSessionClient{
		baseURL: baseURL,
		client:  &http.Client{}, // per-session deadlines come from ctx
		maxWait: 2 * time.Minute,
	}
}

// RunSession posts the request to the session service and decodes the
// result.
func (c *HTTPSessionClient) RunSession(ctx context.Context, req SessionRequest) (*SessionResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode session request: %w", err)
	}

	var result *SessionResult
	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/v1/sessions", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("session service request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("session service returned %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(resp.Body)
			return backoff.Permanent(fmt.Errorf("session service returned %d: %s", resp.StatusCode, data))
		}

		var res SessionResult
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			return backoff.Permanent(fmt.Errorf("decode session result: %w", err))
		}
		result = &res
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = c.maxWait
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return result, nil
}
