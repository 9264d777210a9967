// Package ollama is an HTTP client over Ollama's local inference API,
// used by the tagging, vision, and indexing stages for completions,
// vision analysis, and embeddings respectively.
package ollama

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
)

// Client is a thin wrapper over one Ollama instance.
type Client struct {
	baseURL string
	client  *http.Client
}

// New creates a Client against baseURL (e.g. "http://localhost:11434").
func New(baseURL string) *Client {
	return &Client{baseURL: baseURL, client: &http.Client{}}
}

type embedReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResp struct {
	Embedding []float64 `json:"embedding"`
}

// Embed computes a single embedding vector for text using model.
func (c *Client) Embed(ctx context.Context, model, text string) ([]float32, error) {
	body, err := json.Marshal(embedReq{Model: model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("ollama: encode embed request: %w", err)
	}
	var result embedResp
	if err := c.post(ctx, "/api/embeddings", body, &result); err != nil {
		return nil, fmt.Errorf("ollama: embed: %w", err)
	}
	out := make([]float32, len(result.Embedding))
	for i, v := range result.Embedding {
		out[i] = float32(v)
	}
	return out, nil
}

type generateReq struct {
	Model   string   `json:"model"`
	Prompt  string   `json:"prompt"`
	Images  []string `json:"images,omitempty"`
	Format  string   `json:"format,omitempty"`
	Stream  bool     `json:"stream"`
}

type generateResp struct {
	Response string `json:"response"`
}

// GenerateOpts configures one /api/generate call.
type GenerateOpts struct {
	// Images is a list of raw image bytes to attach (vision models).
	Images [][]byte
	// JSONFormat requests the model constrain output to valid JSON.
	JSONFormat bool
}

// Generate issues a non-streaming completion request and returns the
// raw response text (the caller validates/parses it against its own
// schema — this client has no opinion on the JSON shape it returns).
func (c *Client) Generate(ctx context.Context, model, prompt string, opts GenerateOpts) (string, error) {
	req := generateReq{Model: model, Prompt: prompt, Stream: false}
	if opts.JSONFormat {
		req.Format = "json"
	}
	for _, img := range opts.Images {
		req.Images = append(req.Images, base64.StdEncoding.EncodeToString(img))
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("ollama: encode generate request: %w", err)
	}
	var result generateResp
	if err := c.post(ctx, "/api/generate", body, &result); err != nil {
		return "", fmt.Errorf("ollama: generate: %w", err)
	}
	return result.Response, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
