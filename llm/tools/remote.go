package tools

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

const maxRemoteResponseBytes = 4 << 20

// RemoteConfig describes a tool served over HTTP
type RemoteConfig struct {
	Name        string
	Description string
	Endpoint    string
	Timeout     time.Duration
}

// RemoteTool forwards calls to an HTTP endpoint. The request body is
// {"name": ..., "arguments": {...}}; the response is either JSON with a
// "result" or "error" field, or plain text used verbatim.
type RemoteTool struct {
	cfg    RemoteConfig
	client *http.Client
}

type remoteRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type remoteResponse struct {
	Result *string `json:"result"`
	Error  string  `json:"error"`
}

// NewRemoteTool creates a tool backed by an HTTP endpoint
func NewRemoteTool(cfg RemoteConfig, client *http.Client) *RemoteTool {
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &RemoteTool{cfg: cfg, client: client}
}

// Name returns the tool name
func (t *RemoteTool) Name() string { return t.cfg.Name }

// Description returns the tool description
func (t *RemoteTool) Description() string { return t.cfg.Description }

// Execute posts the arguments to the endpoint and returns its result text
func (t *RemoteTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(remoteRequest{Name: t.cfg.Name, Arguments: args})
	if err != nil {
		return "", fmt.Errorf("encode arguments: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call %s: %w", t.cfg.Endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var decoded remoteResponse
		if err := json.Unmarshal(raw, &decoded); err == nil {
			if decoded.Error != "" {
				return "", fmt.Errorf("%s", decoded.Error)
			}
			if decoded.Result != nil {
				return *decoded.Result, nil
			}
		}
	}
	return string(raw), nil
}
