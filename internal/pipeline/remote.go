package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/png"
	"io"
	"net/http"
	"time"
)

// RemoteEngine is the secondary recognition adapter: an HTTP client for an
// externally hosted vision-OCR model. It never assumes the primary engine
// ran and is swappable for any service honoring the same contract.
type RemoteEngine struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

type remoteRecognizeRequest struct {
	Image    string `json:"image"` // base64-encoded PNG
	Language string `json:"language,omitempty"`
}

type remoteRecognizeResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Model      string  `json:"model,omitempty"`
}

// NewRemoteEngine creates a remote vision-OCR adapter.
func NewRemoteEngine(baseURL, apiKey string) (*RemoteEngine, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("remote engine URL is required")
	}
	return &RemoteEngine{
		name:    "remote-vision",
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}, nil
}

// Name implements RecognitionEngine.
func (r *RemoteEngine) Name() string { return r.name }

// Recognize posts the block image to the vision-OCR service.
func (r *RemoteEngine) Recognize(ctx context.Context, img BlockImage) (Candidate, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return Candidate{}, fmt.Errorf("failed to encode block image: %w", err)
	}

	reqBody := remoteRecognizeRequest{
		Image: base64.StdEncoding.EncodeToString(buf.Bytes()),
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return Candidate{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL, bytes.NewReader(jsonData))
	if err != nil {
		return Candidate{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", r.apiKey))
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Candidate{}, fmt.Errorf("recognition request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Candidate{}, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Candidate{}, fmt.Errorf("vision OCR service returned status %d: %s", resp.StatusCode, string(body))
	}

	var parsed remoteRecognizeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Candidate{}, fmt.Errorf("failed to parse response: %w", err)
	}

	return Candidate{
		Engine:     r.name,
		Text:       parsed.Text,
		Confidence: parsed.Confidence,
	}, nil
}

// Close implements RecognitionEngine. The HTTP client holds no resources
// beyond pooled connections.
func (r *RemoteEngine) Close() error { return nil }
