package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// TesseractEngine is the primary recognition adapter, backed by a local
// Tesseract process via gosseract. One instance holds one gosseract client
// and must not be invoked concurrently; EnginePool enforces that.
type TesseractEngine struct {
	client *gosseract.Client
}

// NewTesseractEngine creates a Tesseract adapter. Languages are
// "+"-separated (e.g. "eng+spa").
func NewTesseractEngine(languages string) (*TesseractEngine, error) {
	client := gosseract.NewClient()
	if languages != "" {
		if err := client.SetLanguage(strings.Split(languages, "+")...); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to set tesseract languages %q: %w", languages, err)
		}
	}
	return &TesseractEngine{client: client}, nil
}

// Name implements RecognitionEngine.
func (t *TesseractEngine) Name() string { return "tesseract" }

// Recognize runs Tesseract on the block image. Empty text on a blank region
// comes back with low confidence, which is a legitimate result.
func (t *TesseractEngine) Recognize(ctx context.Context, img BlockImage) (Candidate, error) {
	if err := ctx.Err(); err != nil {
		return Candidate{}, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return Candidate{}, fmt.Errorf("failed to encode block image: %w", err)
	}

	if err := t.client.SetImageFromBytes(buf.Bytes()); err != nil {
		return Candidate{}, fmt.Errorf("failed to set image: %w", err)
	}

	text, err := t.client.Text()
	if err != nil {
		return Candidate{}, fmt.Errorf("tesseract recognition failed: %w", err)
	}

	text = strings.TrimSpace(text)
	return Candidate{
		Engine:     t.Name(),
		Text:       text,
		Confidence: estimateTesseractConfidence(text),
	}, nil
}

// Close releases the underlying Tesseract client.
func (t *TesseractEngine) Close() error {
	if t.client != nil {
		return t.client.Close()
	}
	return nil
}

// estimateTesseractConfidence scores text quality for a single block.
// Tesseract's plain text API exposes no per-call confidence, so we estimate
// from character distribution, capped below remote-engine ceilings.
func estimateTesseractConfidence(text string) float64 {
	if text == "" {
		return 0.05 // blank region: valid but nearly worthless
	}

	confidence := 0.5

	words := strings.Fields(text)
	if len(words) >= 2 {
		confidence += 0.1
	}

	alpha, total := 0, 0
	for _, r := range text {
		total++
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			alpha++
		}
	}
	if total > 0 {
		ratio := float64(alpha) / float64(total)
		if ratio > 0.5 {
			confidence += 0.15
		}
		if ratio > 0.75 {
			confidence += 0.1
		}
	}

	if confidence > 0.85 {
		confidence = 0.85
	}
	return confidence
}
