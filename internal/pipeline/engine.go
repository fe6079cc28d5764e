package pipeline

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/pagemill/pagemill/internal/procerrors"
)

// BlockImage is the pixel region handed to recognition engines.
type BlockImage = image.Image

// RecognitionEngine converts a pixel region into a transcription with a
// confidence score in [0,1]. Implementations may be stateful and are NOT
// safe for concurrent invocation; access is serialized by EnginePool.
// Returning empty text with low confidence for a blank region is a valid
// result, not an error.
type RecognitionEngine interface {
	Name() string
	Recognize(ctx context.Context, img BlockImage) (Candidate, error)
	Close() error
}

// EnginePool serializes access to a fixed set of engine instances, sized to
// available accelerator capacity. Callers check an instance out, run one
// recognition, and return it; an instance is never invoked concurrently.
// Table cell sub-recognition shares the same pool as plain text blocks.
type EnginePool struct {
	name      string
	instances chan RecognitionEngine
	timeout   time.Duration
}

// NewEnginePool builds size engine instances via factory. A non-zero timeout
// converts a stalled engine call into a RecognitionError for that candidate
// only, never aborting the page.
func NewEnginePool(name string, size int, timeout time.Duration, factory func() (RecognitionEngine, error)) (*EnginePool, error) {
	if size < 1 {
		return nil, fmt.Errorf("engine pool %s: size must be at least 1, got %d", name, size)
	}

	instances := make(chan RecognitionEngine, size)
	for i := 0; i < size; i++ {
		engine, err := factory()
		if err != nil {
			close(instances)
			for inst := range instances {
				inst.Close()
			}
			return nil, fmt.Errorf("engine pool %s: failed to build instance %d: %w", name, i, err)
		}
		instances <- engine
	}

	return &EnginePool{name: name, instances: instances, timeout: timeout}, nil
}

// Name identifies the engine role (e.g. "tesseract", "remote-vision").
func (p *EnginePool) Name() string { return p.name }

// Recognize checks out an instance, runs it, and returns it to the pool.
// Cancellation while waiting for an instance releases nothing and returns
// the context error; engine failures and timeouts surface as
// RecognitionError so the caller can treat them as an absent candidate.
func (p *EnginePool) Recognize(ctx context.Context, img BlockImage) (Candidate, error) {
	var engine RecognitionEngine
	select {
	case engine = <-p.instances:
	case <-ctx.Done():
		return Candidate{}, ctx.Err()
	}
	defer func() { p.instances <- engine }()

	callCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	cand, err := engine.Recognize(callCtx, img)
	if err != nil {
		return Candidate{}, &procerrors.RecognitionError{Engine: p.name, Cause: err}
	}

	if cand.Confidence < 0 {
		cand.Confidence = 0
	}
	if cand.Confidence > 1 {
		cand.Confidence = 1
	}
	cand.Engine = p.name
	return cand, nil
}

// Close tears down every instance in the pool.
func (p *EnginePool) Close() error {
	close(p.instances)
	var firstErr error
	for engine := range p.instances {
		if err := engine.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
