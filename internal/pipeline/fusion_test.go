package pipeline

import (
	"context"
	"errors"
	"image"
	"math"
	"testing"
)

func cand(engine, text string, conf float64) *Candidate {
	return &Candidate{Engine: engine, Text: text, Confidence: conf}
}

func TestFuseCandidateCounts(t *testing.T) {
	cfg := FusionConfig{Strategy: StrategyConfidence, ConfidenceThreshold: 0.70}

	testCases := []struct {
		name          string
		primary       *Candidate
		secondary     *Candidate
		wantText      string
		wantMethod    string
		wantLow       bool
		wantConf      float64
	}{
		{
			name:       "no candidates fuses to empty with method none",
			wantText:   "",
			wantMethod: MethodNone,
			wantConf:   0,
		},
		{
			name:       "single confident primary",
			primary:    cand("a", "hello", 0.9),
			wantText:   "hello",
			wantMethod: MethodSingle,
			wantConf:   0.9,
		},
		{
			name:       "single weak primary flags low confidence",
			primary:    cand("a", "hzllo", 0.4),
			wantText:   "hzllo",
			wantMethod: MethodSingle,
			wantLow:    true,
			wantConf:   0.4,
		},
		{
			name:       "single secondary when primary failed",
			secondary:  cand("b", "world", 0.8),
			wantText:   "world",
			wantMethod: MethodSingle,
			wantConf:   0.8,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := Fuse(cfg, tc.primary, tc.secondary)
			if got.Text != tc.wantText {
				t.Errorf("text = %q, want %q", got.Text, tc.wantText)
			}
			if got.Method != tc.wantMethod {
				t.Errorf("method = %q, want %q", got.Method, tc.wantMethod)
			}
			if got.LowConfidence != tc.wantLow {
				t.Errorf("lowConfidence = %v, want %v", got.LowConfidence, tc.wantLow)
			}
			if got.Confidence != tc.wantConf {
				t.Errorf("confidence = %v, want %v", got.Confidence, tc.wantConf)
			}
		})
	}
}

func TestFuseConfidenceStrategy(t *testing.T) {
	testCases := []struct {
		name      string
		threshold float64
		primary   *Candidate
		secondary *Candidate
		wantText  string
		wantLow   bool
	}{
		{
			name:      "confident primary wins even against stronger secondary",
			threshold: 0.70,
			primary:   cand("a", "Invoice No. 1O23", 0.74),
			secondary: cand("b", "Invoice No. 1023", 0.91),
			wantText:  "Invoice No. 1O23",
		},
		{
			name:      "weak primary loses to stronger secondary",
			threshold: 0.70,
			primary:   cand("a", "Invo1ce", 0.55),
			secondary: cand("b", "Invoice No. 1023", 0.91),
			wantText:  "Invoice No. 1023",
		},
		{
			name:      "both below threshold keeps the better one and flags it",
			threshold: 0.70,
			primary:   cand("a", "lnv", 0.30),
			secondary: cand("b", "Inv", 0.50),
			wantText:  "Inv",
			wantLow:   true,
		},
		{
			name:      "equal confidence resolves to primary",
			threshold: 0.70,
			primary:   cand("a", "alpha", 0.60),
			secondary: cand("b", "beta", 0.60),
			wantText:  "alpha",
			wantLow:   true,
		},
		{
			name:      "zero confidence secondary never beats primary",
			threshold: 0.70,
			primary:   cand("a", "text", 0.01),
			secondary: cand("b", "junk", 0.0),
			wantText:  "text",
			wantLow:   true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := FusionConfig{Strategy: StrategyConfidence, ConfidenceThreshold: tc.threshold}
			got := Fuse(cfg, tc.primary, tc.secondary)
			if got.Text != tc.wantText {
				t.Errorf("text = %q, want %q", got.Text, tc.wantText)
			}
			if got.Method != MethodConfidence {
				t.Errorf("method = %q, want %q", got.Method, MethodConfidence)
			}
			if got.LowConfidence != tc.wantLow {
				t.Errorf("lowConfidence = %v, want %v", got.LowConfidence, tc.wantLow)
			}
		})
	}
}

func TestFuseInvoiceScenarios(t *testing.T) {
	primary := cand("tesseract", "Invoice No. 1O23", 0.62)
	secondary := cand("remote-vision", "Invoice No. 1023", 0.88)

	t.Run("confidence at T=0.7 prefers the stronger secondary", func(t *testing.T) {
		got := Fuse(FusionConfig{Strategy: StrategyConfidence, ConfidenceThreshold: 0.70}, primary, secondary)
		if got.Text != "Invoice No. 1023" {
			t.Errorf("text = %q, want %q", got.Text, "Invoice No. 1023")
		}
		if got.Method != MethodConfidence {
			t.Errorf("method = %q, want %q", got.Method, MethodConfidence)
		}
		if got.LowConfidence {
			t.Error("0.88 clears the threshold, no low-confidence flag expected")
		}
	})

	t.Run("cascade at T=0.9 keeps the winner but flags low confidence", func(t *testing.T) {
		got := Fuse(FusionConfig{Strategy: StrategyCascade, ConfidenceThreshold: 0.90}, primary, secondary)
		if got.Text != "Invoice No. 1023" {
			t.Errorf("text = %q, want %q", got.Text, "Invoice No. 1023")
		}
		if got.Method != MethodCascade {
			t.Errorf("method = %q, want %q", got.Method, MethodCascade)
		}
		if !got.LowConfidence {
			t.Error("both candidates below 0.9, low-confidence flag expected")
		}
	})
}

func TestFuseDeterministic(t *testing.T) {
	cfg := FusionConfig{Strategy: StrategyReconcile, ConfidenceThreshold: 0.70, SimilarityThreshold: 0.3}
	p := cand("a", "Total: 142.50", 0.66)
	s := cand("b", "Total: 142.58", 0.71)

	first := Fuse(cfg, p, s)
	for i := 0; i < 10; i++ {
		if got := Fuse(cfg, p, s); got != first {
			t.Fatalf("fusion is not deterministic: %+v vs %+v", got, first)
		}
	}
}

func TestFuseReconcile(t *testing.T) {
	cfg := FusionConfig{Strategy: StrategyReconcile, ConfidenceThreshold: 0.70, SimilarityThreshold: 0.25}

	t.Run("similar candidates merge span by span", func(t *testing.T) {
		got := Fuse(cfg, cand("a", "Amount due: 100", 0.8), cand("b", "Amount dve: 100", 0.6))
		if got.Method != MethodReconciled {
			t.Fatalf("method = %q, want %q", got.Method, MethodReconciled)
		}
		if got.Text != "Amount due: 100" {
			t.Errorf("text = %q, want the higher-confidence variant kept", got.Text)
		}
		if want := 0.7; math.Abs(got.Confidence-want) > 1e-9 {
			t.Errorf("confidence = %v, want %v", got.Confidence, want)
		}
	})

	t.Run("differing span resolves to secondary when it is stronger", func(t *testing.T) {
		got := Fuse(cfg, cand("a", "Amount dve: 100", 0.6), cand("b", "Amount due: 100", 0.8))
		if got.Text != "Amount due: 100" {
			t.Errorf("text = %q, want %q", got.Text, "Amount due: 100")
		}
	})

	t.Run("reconciling identical texts is idempotent", func(t *testing.T) {
		got := Fuse(cfg, cand("a", "same text", 0.8), cand("b", "same text", 0.6))
		if got.Text != "same text" {
			t.Errorf("text = %q, want unchanged", got.Text)
		}
		if got.Method != MethodReconciled {
			t.Errorf("method = %q, want %q", got.Method, MethodReconciled)
		}
	})

	t.Run("divergent candidates fall back to confidence policy", func(t *testing.T) {
		got := Fuse(cfg, cand("a", "completely different", 0.75), cand("b", "nothing alike at all", 0.9))
		if got.Method != MethodConfidence {
			t.Fatalf("method = %q, want %q", got.Method, MethodConfidence)
		}
		if got.Text != "completely different" {
			t.Errorf("text = %q, want confident primary kept", got.Text)
		}
	})
}

func TestNormalizedEditDistance(t *testing.T) {
	testCases := []struct {
		a, b string
		want float64
	}{
		{"", "", 0},
		{"abc", "abc", 0},
		{"abc", "abd", 1.0 / 3.0},
		{"", "abcd", 1},
	}
	for _, tc := range testCases {
		if got := normalizedEditDistance(tc.a, tc.b); got != tc.want {
			t.Errorf("normalizedEditDistance(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

// fakeRecognizer counts invocations and returns a fixed candidate or error.
type fakeRecognizer struct {
	name  string
	cand  Candidate
	err   error
	calls int
}

func (f *fakeRecognizer) Name() string { return f.name }

func (f *fakeRecognizer) Recognize(ctx context.Context, img BlockImage) (Candidate, error) {
	f.calls++
	if f.err != nil {
		return Candidate{}, f.err
	}
	return f.cand, nil
}

func testImage() image.Image {
	return image.NewGray(image.Rect(0, 0, 10, 10))
}

func TestCoordinatorCascadeInvocation(t *testing.T) {
	testCases := []struct {
		name            string
		strategy        string
		primaryConf     float64
		primaryErr      error
		wantSecondCalls int
	}{
		{
			name:            "cascade skips secondary when primary is confident",
			strategy:        StrategyCascade,
			primaryConf:     0.95,
			wantSecondCalls: 0,
		},
		{
			name:            "cascade invokes secondary when primary is weak",
			strategy:        StrategyCascade,
			primaryConf:     0.40,
			wantSecondCalls: 1,
		},
		{
			name:            "cascade invokes secondary when primary errored",
			strategy:        StrategyCascade,
			primaryErr:      errors.New("engine crashed"),
			wantSecondCalls: 1,
		},
		{
			name:            "confidence strategy always consults both",
			strategy:        StrategyConfidence,
			primaryConf:     0.95,
			wantSecondCalls: 1,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			primary := &fakeRecognizer{
				name: "p",
				cand: Candidate{Engine: "p", Text: "primary", Confidence: tc.primaryConf},
				err:  tc.primaryErr,
			}
			secondary := &fakeRecognizer{
				name: "s",
				cand: Candidate{Engine: "s", Text: "secondary", Confidence: 0.8},
			}
			c := NewCoordinator(FusionConfig{
				Strategy:            tc.strategy,
				ConfidenceThreshold: 0.70,
			}, primary, secondary)

			res, cands, err := c.Resolve(context.Background(), testImage())
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if secondary.calls != tc.wantSecondCalls {
				t.Errorf("secondary calls = %d, want %d", secondary.calls, tc.wantSecondCalls)
			}
			if primary.calls != 1 {
				t.Errorf("primary calls = %d, want 1", primary.calls)
			}
			if res.Method == "" {
				t.Error("fused result has no method")
			}
			wantCands := tc.wantSecondCalls
			if tc.primaryErr == nil {
				wantCands++
			}
			if len(cands) != wantCands {
				t.Errorf("candidates = %d, want %d", len(cands), wantCands)
			}
		})
	}
}

func TestCoordinatorAbsorbsEngineFailures(t *testing.T) {
	primary := &fakeRecognizer{name: "p", err: errors.New("boom")}
	secondary := &fakeRecognizer{name: "s", err: errors.New("also boom")}
	c := NewCoordinator(FusionConfig{Strategy: StrategyConfidence, ConfidenceThreshold: 0.70}, primary, secondary)

	res, cands, err := c.Resolve(context.Background(), testImage())
	if err != nil {
		t.Fatalf("Resolve should absorb engine failures, got %v", err)
	}
	if len(cands) != 0 {
		t.Errorf("candidates = %d, want 0", len(cands))
	}
	if res.Method != MethodNone {
		t.Errorf("method = %q, want %q", res.Method, MethodNone)
	}
	if res.Text != "" || res.Confidence != 0 {
		t.Errorf("fused result = %+v, want empty", res)
	}
}

func TestCoordinatorCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	primary := &fakeRecognizer{name: "p", cand: Candidate{Text: "x", Confidence: 0.9}}
	c := NewCoordinator(FusionConfig{Strategy: StrategyConfidence, ConfidenceThreshold: 0.70}, primary, nil)

	if _, _, err := c.Resolve(ctx, testImage()); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if primary.calls != 0 {
		t.Errorf("primary ran %d times after cancellation", primary.calls)
	}
}

func TestBlockSetFusedIsWriteOnce(t *testing.T) {
	b := &Block{ID: "b1"}
	b.setFused(FusedResult{Text: "once", Method: MethodSingle, Confidence: 0.9})

	if !b.Resolved() {
		t.Fatal("block should be resolved after setFused")
	}
	if *b.FusedText != "once" {
		t.Errorf("fusedText = %q, want %q", *b.FusedText, "once")
	}

	defer func() {
		if recover() == nil {
			t.Error("second setFused should panic")
		}
	}()
	b.setFused(FusedResult{Text: "twice", Method: MethodSingle})
}

func TestBlockFailedWhenNoCandidates(t *testing.T) {
	b := &Block{ID: "b2"}
	b.setFused(Fuse(FusionConfig{ConfidenceThreshold: 0.7}, nil, nil))

	if !b.Failed {
		t.Error("block with no candidates should be marked failed")
	}
	if b.FusedText == nil || *b.FusedText != "" {
		t.Error("failed block still gets a non-nil empty fused text")
	}
}
