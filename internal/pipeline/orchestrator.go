package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pagemill/pagemill/internal/index"
	"github.com/pagemill/pagemill/internal/logging"
	"github.com/pagemill/pagemill/internal/procerrors"
)

// ResultStore persists finished documents. The orchestrator calls it once per
// document, after aggregation.
type ResultStore interface {
	SaveDocument(ctx context.Context, doc *Document) error
}

// Options toggles optional pipeline stages.
type Options struct {
	// TableExtraction routes table blocks through grid reconstruction.
	// When disabled table blocks are recognized as plain text regions.
	TableExtraction bool

	// EmbeddingIndexing computes page descriptors and inserts them into the
	// vector index. Requires a non-nil Embedder and Index.
	EmbeddingIndexing bool

	// PageWorkers bounds concurrent page processing; BlockWorkers bounds
	// concurrent block recognition within one page.
	PageWorkers  int
	BlockWorkers int
}

// Orchestrator drives a document through detection, recognition, fusion,
// table reconstruction and indexing. Pages are independent: one page's
// failure never aborts its siblings.
type Orchestrator struct {
	detector      BlockDetector
	coordinator   *Coordinator
	reconstructor *TableReconstructor
	embedder      Embedder
	idx           index.Index
	store         ResultStore
	log           *logging.Logger
	opts          Options
}

// NewOrchestrator assembles a pipeline. embedder and idx may be nil when
// embedding indexing is disabled; store may be nil to skip persistence.
func NewOrchestrator(
	detector BlockDetector,
	coordinator *Coordinator,
	reconstructor *TableReconstructor,
	embedder Embedder,
	idx index.Index,
	store ResultStore,
	log *logging.Logger,
	opts Options,
) *Orchestrator {
	if opts.PageWorkers < 1 {
		opts.PageWorkers = 1
	}
	if opts.BlockWorkers < 1 {
		opts.BlockWorkers = 1
	}
	return &Orchestrator{
		detector:      detector,
		coordinator:   coordinator,
		reconstructor: reconstructor,
		embedder:      embedder,
		idx:           idx,
		store:         store,
		log:           log,
		opts:          opts,
	}
}

// ProcessRequest describes one document run.
type ProcessRequest struct {
	DocumentID string // generated when empty
	SourceRef  string
	Pages      [][]byte // raw page images in document order
}

// ProcessDocument runs the full pipeline over the page images of one
// document. Page order in the result matches input order regardless of
// completion order. The returned document is valid (with per-page statuses)
// even when some pages failed; a non-nil error means the whole run was
// aborted (cancellation or a persistence failure) and no partial blocks
// survive in the affected pages.
func (o *Orchestrator) ProcessDocument(ctx context.Context, req ProcessRequest) (*Document, error) {
	documentID := req.DocumentID
	if documentID == "" {
		documentID = uuid.New().String()
	}
	pageImages := req.Pages

	doc := &Document{
		ID:        documentID,
		SourceRef: req.SourceRef,
		Status:    StatusPending,
		Pages:     make([]Page, len(pageImages)),
	}
	for i := range doc.Pages {
		doc.Pages[i] = Page{
			ID:     uuid.New().String(),
			Index:  i,
			Status: StatusPending,
		}
	}

	o.log.Info("processing document", "documentId", documentID, "pages", len(pageImages))

	// Re-indexing is remove-then-insert: stale vectors from a previous run of
	// the same document must not survive.
	if o.indexingEnabled() {
		if err := o.idx.RemoveDocument(ctx, documentID); err != nil {
			o.log.Warn("failed to clear previous index entries", "documentId", documentID, "error", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.PageWorkers)
	for i := range doc.Pages {
		i := i
		g.Go(func() error {
			return o.processPage(gctx, doc, &doc.Pages[i], pageImages[i])
		})
	}
	if err := g.Wait(); err != nil {
		// Cancellation discards in-flight partial results rather than
		// surfacing half-fused pages.
		for i := range doc.Pages {
			if doc.Pages[i].Status != StatusComplete && doc.Pages[i].Status != StatusFailed {
				doc.Pages[i].Blocks = nil
				doc.Pages[i].Status = StatusFailed
				doc.Pages[i].Error = err.Error()
			}
		}
		doc.Status = StatusFailed
		return doc, err
	}

	doc.Status = doc.AggregateStatus()
	o.log.Info("document processed", "documentId", documentID, "status", doc.Status)

	if o.store != nil {
		if err := o.store.SaveDocument(ctx, doc); err != nil {
			return doc, procerrors.NewStorageFailedError(documentID, err)
		}
	}
	return doc, nil
}

// processPage runs one page through the state machine. Only detection
// failures and cancellation fail a page; recognition and indexing problems
// degrade it instead. The returned error is non-nil only for cancellation,
// which aborts the document run.
func (o *Orchestrator) processPage(ctx context.Context, doc *Document, page *Page, imageData []byte) error {
	page.Status = StatusDetecting

	img, blocks, err := o.detector.Detect(imageData)
	if err != nil {
		var detErr *procerrors.DetectionError
		if errors.As(err, &detErr) {
			detErr.PageIndex = page.Index
			o.log.Warn("page failed detection", "documentId", doc.ID, "page", page.Index, "error", detErr)
			page.Status = StatusFailed
			page.Error = detErr.Error()
			return nil
		}
		return err
	}

	for i := range blocks {
		blocks[i].ID = uuid.New().String()
	}
	page.Blocks = blocks
	page.Status = StatusExtracting

	bg, bctx := errgroup.WithContext(ctx)
	bg.SetLimit(o.opts.BlockWorkers)
	for i := range page.Blocks {
		block := &page.Blocks[i]
		bg.Go(func() error {
			return o.processBlock(bctx, img, block)
		})
	}
	if err := bg.Wait(); err != nil {
		return err
	}

	page.Status = StatusAggregating

	if o.indexingEnabled() {
		if err := o.indexPage(ctx, doc.ID, page, img); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.log.Warn("page indexing skipped", "documentId", doc.ID, "page", page.Index, "error", err)
		}
	}

	page.Status = StatusComplete
	return nil
}

// processBlock resolves one block's content by type. Every path leaves the
// block with a non-nil fused text unless the context was cancelled.
func (o *Orchestrator) processBlock(ctx context.Context, pageImg image.Image, block *Block) error {
	switch block.Type {
	case BlockFigure:
		// Figures carry no transcription; the bounding box is the payload.
		block.setFused(FusedResult{Method: MethodFigure, Confidence: 1})
		return nil

	case BlockTable:
		if o.opts.TableExtraction && o.reconstructor != nil {
			return o.reconstructor.Reconstruct(ctx, pageImg, block)
		}
		fallthrough

	default:
		res, cands, err := o.coordinator.Resolve(ctx, cropImage(pageImg, rectOf(block.BBox)))
		if err != nil {
			return err
		}
		block.Candidates = append(block.Candidates, cands...)
		block.setFused(res)
		return nil
	}
}

// indexPage embeds the page image and inserts the descriptor. Failures are
// reported as IndexError; the caller decides that they only skip indexing.
func (o *Orchestrator) indexPage(ctx context.Context, documentID string, page *Page, img image.Image) error {
	vector, err := o.embedder.Embed(ctx, img)
	if err != nil {
		return &procerrors.IndexError{Op: "embed", Cause: err}
	}
	page.Embedding = vector

	return o.idx.Insert(ctx, vector, index.Ref{
		DocumentID: documentID,
		PageID:     page.ID,
	})
}

// QuerySimilar finds the k pages most visually similar to the given image,
// nearest first.
func (o *Orchestrator) QuerySimilar(ctx context.Context, imageData []byte, k int) ([]index.Match, error) {
	if !o.indexingEnabled() {
		return nil, fmt.Errorf("embedding indexing is not enabled")
	}

	img, _, err := image.Decode(bytes.NewReader(imageData))
	if err != nil {
		return nil, fmt.Errorf("failed to decode query image: %w", err)
	}

	vector, err := o.embedder.Embed(ctx, img)
	if err != nil {
		return nil, &procerrors.IndexError{Op: "embed", Cause: err}
	}
	return o.idx.Query(ctx, vector, k)
}

func (o *Orchestrator) indexingEnabled() bool {
	return o.opts.EmbeddingIndexing && o.embedder != nil && o.idx != nil
}
