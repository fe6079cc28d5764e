package pipeline

import (
	"context"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Fusion strategies selectable per pipeline run.
const (
	StrategyConfidence = "confidence"
	StrategyCascade    = "cascade"
	StrategyReconcile  = "reconcile"
)

// Fusion methods recorded on blocks.
const (
	MethodConfidence = "confidence"
	MethodCascade    = "cascade"
	MethodReconciled = "reconciled"
	MethodSingle     = "single" // exactly one candidate existed
	MethodNone       = "none"   // no candidate existed
	MethodGrid       = "grid"   // table block assembled from fused cells
	MethodFigure     = "figure" // figure block, no transcription expected
)

// FusionConfig parameterizes candidate fusion.
type FusionConfig struct {
	Strategy string

	// ConfidenceThreshold is T: the primary confidence at or above which no
	// further arbitration (or, under cascade, no secondary invocation) happens.
	ConfidenceThreshold float64

	// SimilarityThreshold bounds the normalized character-level edit distance
	// under which two candidates are treated as agreeing during reconciliation.
	SimilarityThreshold float64
}

// FusedResult is the single trusted transcription for a block.
type FusedResult struct {
	Text          string
	Confidence    float64
	Method        string
	LowConfidence bool
}

// Recognizer is the minimal surface the coordinator needs from an engine.
// *EnginePool implements it with serialized instance access.
type Recognizer interface {
	Name() string
	Recognize(ctx context.Context, img BlockImage) (Candidate, error)
}

// Coordinator drives engine invocation and candidate fusion for one block at
// a time. Fusion itself is a pure function of the candidate set and the
// configuration; the coordinator only decides which engines run.
type Coordinator struct {
	cfg       FusionConfig
	primary   Recognizer
	secondary Recognizer
}

// NewCoordinator creates a fusion coordinator. The secondary recognizer may
// be nil, in which case every block fuses from at most one candidate.
func NewCoordinator(cfg FusionConfig, primary, secondary Recognizer) *Coordinator {
	return &Coordinator{cfg: cfg, primary: primary, secondary: secondary}
}

// Resolve obtains candidates for the block image and fuses them. Engine
// failures are absorbed: a failed engine simply contributes no candidate.
// The returned candidate slice preserves invocation order (primary first).
func (c *Coordinator) Resolve(ctx context.Context, img BlockImage) (FusedResult, []Candidate, error) {
	if err := ctx.Err(); err != nil {
		return FusedResult{}, nil, err
	}

	var primary, secondary *Candidate
	var candidates []Candidate

	if cand, err := c.primary.Recognize(ctx, img); err == nil {
		primary = &cand
		candidates = append(candidates, cand)
	} else if ctx.Err() != nil {
		return FusedResult{}, nil, ctx.Err()
	}

	if c.secondary != nil && c.shouldInvokeSecondary(primary) {
		if cand, err := c.secondary.Recognize(ctx, img); err == nil {
			secondary = &cand
			candidates = append(candidates, cand)
		} else if ctx.Err() != nil {
			return FusedResult{}, nil, ctx.Err()
		}
	}

	return Fuse(c.cfg, primary, secondary), candidates, nil
}

// shouldInvokeSecondary implements the cascade economy: under the cascade
// strategy the secondary engine runs only when the primary candidate is
// missing or below threshold. All other strategies always consult both.
func (c *Coordinator) shouldInvokeSecondary(primary *Candidate) bool {
	if c.cfg.Strategy != StrategyCascade {
		return true
	}
	return primary == nil || primary.Confidence < c.cfg.ConfidenceThreshold
}

// Fuse produces exactly one fused result from zero, one or two candidates.
// It is deterministic: identical candidate sets and configuration always
// fuse identically. Equal confidences resolve to the primary candidate.
func Fuse(cfg FusionConfig, primary, secondary *Candidate) FusedResult {
	switch {
	case primary == nil && secondary == nil:
		return FusedResult{Text: "", Confidence: 0, Method: MethodNone}
	case secondary == nil:
		return FusedResult{
			Text:          primary.Text,
			Confidence:    primary.Confidence,
			Method:        MethodSingle,
			LowConfidence: primary.Confidence < cfg.ConfidenceThreshold,
		}
	case primary == nil:
		return FusedResult{
			Text:          secondary.Text,
			Confidence:    secondary.Confidence,
			Method:        MethodSingle,
			LowConfidence: secondary.Confidence < cfg.ConfidenceThreshold,
		}
	}

	switch cfg.Strategy {
	case StrategyCascade:
		return fuseCascade(cfg, *primary, *secondary)
	case StrategyReconcile:
		return fuseReconcile(cfg, *primary, *secondary)
	default:
		return fuseConfidence(cfg, *primary, *secondary, MethodConfidence)
	}
}

// fuseConfidence applies the confidence-threshold policy: a primary at or
// above T wins outright; otherwise the secondary wins only with strictly
// higher confidence; when both sit below T the higher-confidence candidate
// wins with the low-confidence flag set.
func fuseConfidence(cfg FusionConfig, primary, secondary Candidate, method string) FusedResult {
	chosen := primary
	if primary.Confidence < cfg.ConfidenceThreshold && secondary.Confidence > primary.Confidence {
		chosen = secondary
	}
	return FusedResult{
		Text:          chosen.Text,
		Confidence:    chosen.Confidence,
		Method:        method,
		LowConfidence: chosen.Confidence < cfg.ConfidenceThreshold,
	}
}

// fuseCascade arbitrates after a cascade invocation: the secondary result
// wins whenever its confidence strictly exceeds the primary's.
func fuseCascade(cfg FusionConfig, primary, secondary Candidate) FusedResult {
	return fuseConfidence(cfg, primary, secondary, MethodCascade)
}

// fuseReconcile merges two candidates when their normalized edit distance is
// within the similarity threshold, resolving each differing span by
// confidence-weighted vote. Divergent candidates fall back to the
// confidence-threshold policy.
func fuseReconcile(cfg FusionConfig, primary, secondary Candidate) FusedResult {
	if normalizedEditDistance(primary.Text, secondary.Text) > cfg.SimilarityThreshold {
		return fuseConfidence(cfg, primary, secondary, MethodConfidence)
	}

	merged := reconcileSpans(primary, secondary)
	return FusedResult{
		Text:       merged,
		Confidence: (primary.Confidence + secondary.Confidence) / 2,
		Method:     MethodReconciled,
	}
}

// normalizedEditDistance is the character-level Levenshtein distance divided
// by the longer text's rune length. Two empty strings have distance 0.
func normalizedEditDistance(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 0
	}
	return float64(levenshtein.ComputeDistance(a, b)) / float64(longest)
}

// reconcileSpans walks the character diff of the two candidates. Shared
// spans pass through; for each differing span the higher-confidence engine's
// variant is kept, ties resolving to the primary. Reconciling a text with
// itself yields the text unchanged.
func reconcileSpans(primary, secondary Candidate) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(primary.Text, secondary.Text, false)

	preferPrimary := primary.Confidence >= secondary.Confidence

	var sb strings.Builder
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			sb.WriteString(d.Text)
		case diffmatchpatch.DiffDelete: // present only in primary
			if preferPrimary {
				sb.WriteString(d.Text)
			}
		case diffmatchpatch.DiffInsert: // present only in secondary
			if !preferPrimary {
				sb.WriteString(d.Text)
			}
		}
	}
	return sb.String()
}
