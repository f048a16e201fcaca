// Package modelserver is the HTTP client for the local Ollama model
// server. The core only creates, loads, and unloads models here; model
// internals stay on the other side of this boundary.
package modelserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/metahuman-os/metahuman/internal/coreerr"
)

// Client talks to an Ollama server.
type Client struct {
	endpoint string // e.g. http://localhost:11434
	client   *http.Client
}

// NewClient creates an Ollama client with a bounded request timeout.
// Expired calls surface as TRANSIENT and are never retried here; the
// caller decides whether its operation is idempotent.
func NewClient(endpoint string, timeout time.Duration) *Client {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type createRequest struct {
	Model    string            `json:"model"`
	Files    map[string]string `json:"files,omitempty"`
	From     string            `json:"from,omitempty"`
	Adapters map[string]string `json:"adapters,omitempty"`
}

type generateRequest struct {
	Model     string `json:"model"`
	KeepAlive any    `json:"keep_alive,omitempty"`
}

type statusResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Ping reports whether the model server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/api/version", nil)
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, err, "build request")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return coreerr.Wrap(coreerr.Transient, err, "model server unreachable")
	}
	resp.Body.Close()
	return nil
}

// CreateModel registers a model from a Modelfile path. Ollama reads
// the Modelfile itself, so the path must be visible to the server.
func (c *Client) CreateModel(ctx context.Context, name, baseModel string, adapters map[string]string) error {
	body := createRequest{Model: name, From: baseModel, Adapters: adapters}
	return c.post(ctx, "/api/create", body)
}

// LoadModel asks the server to load a model into memory by issuing an
// empty generate with a keep-alive.
func (c *Client) LoadModel(ctx context.Context, name string) error {
	return c.post(ctx, "/api/generate", generateRequest{Model: name, KeepAlive: "30m"})
}

// UnloadModel evicts a model from server memory.
func (c *Client) UnloadModel(ctx context.Context, name string) error {
	return c.post(ctx, "/api/generate", generateRequest{Model: name, KeepAlive: 0})
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return coreerr.Wrap(coreerr.Transient, err, "model server unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var status statusResponse
		msg := string(data)
		if json.Unmarshal(data, &status) == nil && status.Error != "" {
			msg = status.Error
		}
		log.Warn().Int("status", resp.StatusCode).Str("path", path).Msg("Model server error")
		return coreerr.New(coreerr.Transient, "model server: %s", msg)
	}

	// Streaming endpoints emit NDJSON status lines; drain them so the
	// connection can be reused.
	io.Copy(io.Discard, resp.Body)
	return nil
}

// String returns the endpoint for logging.
func (c *Client) String() string {
	return fmt.Sprintf("ollama(%s)", c.endpoint)
}
