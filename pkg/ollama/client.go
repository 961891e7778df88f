package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	chatEndpoint     = "/api/chat"
	generateEndpoint = "/api/generate"
	psEndpoint       = "/api/ps"
	tagsEndpoint     = "/api/tags"
)

// Client talks to a local Ollama server. All methods are safe for
// concurrent use.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	// StreamTimeout bounds the lifetime of a single chat stream so an
	// abandoned backend never pins a handle forever.
	StreamTimeout time.Duration
}

func NewClient(baseURL string, requestTimeout, streamTimeout time.Duration) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: requestTimeout,
		},
		StreamTimeout: streamTimeout,
	}
}

// Message is a single turn of a conversation in Ollama wire format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type chatResponse struct {
	Model   string  `json:"model"`
	Message Message `json:"message"`
	Done    bool    `json:"done"`
}

type generateRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt,omitempty"`
	Stream    bool   `json:"stream"`
	KeepAlive *int   `json:"keep_alive,omitempty"`
}

type generateResponse struct {
	Model      string `json:"model"`
	Response   string `json:"response"`
	Done       bool   `json:"done"`
	DoneReason string `json:"done_reason"`
}

// RunningModel is one entry of the /api/ps listing.
type RunningModel struct {
	Name  string `json:"name"`
	Model string `json:"model"`
	Size  int64  `json:"size"`
}

// ModelInfo is one entry of the /api/tags catalog.
type ModelInfo struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

func (c *Client) postJSON(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+endpoint, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama request failed: %w", err)
	}
	defer res.Body.Close()

	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama error: status %d, body: %s", res.StatusCode, string(resBody))
	}
	if out != nil {
		if err := json.Unmarshal(resBody, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama request failed: %w", err)
	}
	defer res.Body.Close()

	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama error: status %d, body: %s", res.StatusCode, string(resBody))
	}
	return json.Unmarshal(resBody, out)
}

// ListRunning reports the models currently loaded into memory. The result is
// never cached here; loaded-state changes whenever someone loads or unloads.
func (c *Client) ListRunning(ctx context.Context) ([]RunningModel, error) {
	var res struct {
		Models []RunningModel `json:"models"`
	}
	if err := c.getJSON(ctx, psEndpoint, &res); err != nil {
		return nil, err
	}
	return res.Models, nil
}

// ListTags returns the locally available model catalog.
func (c *Client) ListTags(ctx context.Context) ([]ModelInfo, error) {
	var res struct {
		Models []ModelInfo `json:"models"`
	}
	if err := c.getJSON(ctx, tagsEndpoint, &res); err != nil {
		return nil, err
	}
	return res.Models, nil
}

// Generate runs a single non-streaming completion.
func (c *Client) Generate(ctx context.Context, model, prompt string) (string, error) {
	var res generateResponse
	err := c.postJSON(ctx, generateEndpoint, generateRequest{
		Model:  model,
		Prompt: prompt,
		Stream: false,
	}, &res)
	if err != nil {
		return "", err
	}
	return res.Response, nil
}

// Load asks Ollama to pull the model into memory. An empty generate request
// with no prompt triggers a load without producing tokens.
func (c *Client) Load(ctx context.Context, model string) error {
	var res generateResponse
	err := c.postJSON(ctx, generateEndpoint, generateRequest{
		Model:  model,
		Stream: false,
	}, &res)
	if err != nil {
		return err
	}
	if !res.Done || res.DoneReason != "load" {
		return fmt.Errorf("unexpected load result for %s: done=%v reason=%q", model, res.Done, res.DoneReason)
	}
	return nil
}

// Unload evicts the model by setting keep_alive to zero.
func (c *Client) Unload(ctx context.Context, model string) error {
	keepAlive := 0
	var res generateResponse
	err := c.postJSON(ctx, generateEndpoint, generateRequest{
		Model:     model,
		Stream:    false,
		KeepAlive: &keepAlive,
	}, &res)
	if err != nil {
		return err
	}
	if !res.Done || res.DoneReason != "unload" {
		return fmt.Errorf("unexpected unload result for %s: done=%v reason=%q", model, res.Done, res.DoneReason)
	}
	return nil
}
