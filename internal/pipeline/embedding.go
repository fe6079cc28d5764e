package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"time"
)

// Embedder computes a fixed-length visual descriptor for an image. The
// backing model is pre-trained and externally supplied; the pipeline
// consumes it as a black box.
type Embedder interface {
	Embed(ctx context.Context, img image.Image) ([]float32, error)
	Dimension() int
}

// EmbeddingClient calls a hosted visual-embedding service over HTTP.
type EmbeddingClient struct {
	baseURL    string
	apiKey     string
	dimension  int
	httpClient *http.Client
}

type embeddingRequest struct {
	Image string `json:"image"` // base64-encoded PNG
}

type embeddingResponse struct {
	Embedding []float32 `json:"embedding"`
	Model     string    `json:"model,omitempty"`
}

// NewEmbeddingClient creates an embedding client for a service producing
// vectors of the given dimensionality.
func NewEmbeddingClient(baseURL, apiKey string, dimension int) (*EmbeddingClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("embedding service URL is required")
	}
	if dimension < 1 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", dimension)
	}
	return &EmbeddingClient{
		baseURL:   baseURL,
		apiKey:    apiKey,
		dimension: dimension,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

// Dimension implements Embedder.
func (e *EmbeddingClient) Dimension() int { return e.dimension }

// Embed implements Embedder.
func (e *EmbeddingClient) Embed(ctx context.Context, img image.Image) ([]float32, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	jsonData, err := json.Marshal(embeddingRequest{
		Image: base64.StdEncoding.EncodeToString(buf.Bytes()),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", e.apiKey))
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding service returned status %d: %s", resp.StatusCode, string(body))
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(parsed.Embedding) != e.dimension {
		return nil, fmt.Errorf("unexpected embedding dimensions: got %d, expected %d", len(parsed.Embedding), e.dimension)
	}

	return parsed.Embedding, nil
}
