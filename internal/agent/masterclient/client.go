// Package masterclient is the Agent's HTTP client for talking to the
// Master's REST surface: pairing, heartbeat fallback, and the command
// long-poll pair, per spec.md §4.4.
package masterclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client wraps an *http.Client pointed at one Master base URL.
type Client struct {
	baseURL string
	http    *http.Client
	hostname string
}

// New constructs a Client. hostname is sent as X-Agent-Hostname on every
// agent-scoped request, per §4.4's cloned-token invalidation rule.
func New(baseURL, hostname string, timeout time.Duration) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: timeout},
		hostname: hostname,
	}
}

// PairResult is the response to POST /api/pair.
type PairResult struct {
	NodeID    string `json:"node_id"`
	NodeName  string `json:"node_name"`
	PairToken string `json:"pair_token"`
}

// Pair exchanges a pairing code for a node identity and long-lived token.
func (c *Client) Pair(ctx context.Context, pairCode string, agentInfo map[string]any) (*PairResult, error) {
	body := map[string]any{"pair_code": pairCode}
	if agentInfo != nil {
		body["agent_info"] = agentInfo
	}
	var res PairResult
	if err := c.do(ctx, http.MethodPost, "/api/pair", "", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Heartbeat posts the HTTP-fallback heartbeat: payload's fields plus
// node_id, as one flat JSON object.
func (c *Client) Heartbeat(ctx context.Context, nodeID, pairToken string, payload map[string]any) error {
	body := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	body["node_id"] = nodeID
	return c.do(ctx, http.MethodPost, "/api/heartbeat", pairToken, body, nil)
}

// Command is a dequeued pending command awaiting execution.
type Command struct {
	CommandID   string         `json:"command_id"`
	CommandType string         `json:"command_type"`
	OperationID string         `json:"operation_id,omitempty"`
	VMID        string         `json:"vm_id,omitempty"`
	DomainName  string         `json:"domain_name,omitempty"`
	Spec        map[string]any `json:"spec,omitempty"`
}

// NextCommand long-polls the Master for the next pending command for this
// node. It returns (nil, nil) on a 204 (no command currently queued).
func (c *Client) NextCommand(ctx context.Context, nodeID, pairToken string) (*Command, error) {
	var wrapped struct {
		Command *Command `json:"command"`
	}
	status, err := c.doStatus(ctx, http.MethodPost, fmt.Sprintf("/api/nodes/%s/commands/next", nodeID), pairToken, nil, &wrapped)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return wrapped.Command, nil
}

// CommandResult reports completion of a dispatched command.
type CommandResult struct {
	CommandID   string         `json:"command_id"`
	CommandType string         `json:"command_type"`
	OperationID string         `json:"operation_id,omitempty"`
	VMID        string         `json:"vm_id,omitempty"`
	Status      string         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// PostResult reports a command's outcome back to the Master.
func (c *Client) PostResult(ctx context.Context, nodeID, pairToken string, result CommandResult) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/nodes/%s/commands/result", nodeID), pairToken, result, nil)
}

func (c *Client) do(ctx context.Context, method, path, pairToken string, body any, out any) error {
	_, err := c.doStatus(ctx, method, path, pairToken, body, out)
	return err
}

func (c *Client) doStatus(ctx context.Context, method, path, pairToken string, body any, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if pairToken != "" {
		req.Header.Set("Authorization", "Bearer "+pairToken)
	}
	if c.hostname != "" {
		req.Header.Set("X-Agent-Hostname", c.hostname)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}
	if resp.StatusCode >= 400 {
		var errBody struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(resp.Body)
		_ = json.Unmarshal(data, &errBody)
		if errBody.Error == "" {
			errBody.Error = strings.TrimSpace(string(data))
		}
		return resp.StatusCode, fmt.Errorf("master returned %d: %s", resp.StatusCode, errBody.Error)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

// IsUnauthorized reports whether err came back as a 401/403, signaling the
// Agent must clear its persisted state and re-pair.
func IsUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "master returned 401") || strings.Contains(msg, "master returned 403")
}
