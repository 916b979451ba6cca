// ABOUTME: HTTP forwarder that invokes a tool on a registered agent endpoint.
// ABOUTME: Speaks the agents' JSON envelope: {success, result, error}.

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrCallTimeout indicates a specific instance did not respond in time.
var ErrCallTimeout = errors.New("tool call timed out")

// Caller forwards a single tool call to an agent endpoint.
type Caller interface {
	Call(ctx context.Context, endpoint, tool string, params json.RawMessage) (json.RawMessage, error)
}

// callRequest is the JSON body POSTed to an agent's /call endpoint.
type callRequest struct {
	ToolName   string          `json:"tool_name"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// callResponse is the envelope agents return.
type callResponse struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// HTTPCaller implements Caller over plain HTTP POST.
type HTTPCaller struct {
	client *http.Client
}

// NewHTTPCaller creates a caller. The per-call deadline comes from the
// request context, not the client, so the dispatcher stays in control.
func NewHTTPCaller() *HTTPCaller {
	return &HTTPCaller{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Call POSTs {tool_name, parameters} to endpoint/call and unwraps the
// response envelope. An agent-reported failure is surfaced verbatim.
func (c *HTTPCaller) Call(ctx context.Context, endpoint, tool string, params json.RawMessage) (json.RawMessage, error) {
	body, err := json.Marshal(callRequest{ToolName: tool, Parameters: params})
	if err != nil {
		return nil, fmt.Errorf("encoding call request: %w", err)
	}

	url := strings.TrimSuffix(endpoint, "/") + "/call"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building call request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("calling %s: %w", url, ErrCallTimeout)
		}
		return nil, fmt.Errorf("calling %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("reading call response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var envelope callResponse
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decoding call response: %w", err)
	}
	if !envelope.Success {
		return nil, fmt.Errorf("agent error: %s", envelope.Error)
	}
	return envelope.Result, nil
}
