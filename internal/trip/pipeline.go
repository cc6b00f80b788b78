package trip

import (
	"context"
	"fmt"
	"sync"

	"github.com/overland-data/tripline/internal/monitoring"
)

// Outcome is the result of offering one fix to the pipeline.
type Outcome int

const (
	// OutcomeDropped means the filter rejected the fix; nothing persisted.
	OutcomeDropped Outcome = iota
	// OutcomeQueued means the fix was persisted but delivery failed; it
	// stays queued and is retried on the next accepted fix.
	OutcomeQueued
	// OutcomeSent means the fix (and any backlog) was delivered and
	// acknowledged.
	OutcomeSent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeQueued:
		return "queued"
	default:
		return "dropped"
	}
}

// UploadPipeline routes accepted fixes through the durable queue to the
// uploader: persist first, then send the whole unsent backlog, then delete
// exactly the acknowledged identifiers. A failed send leaves everything
// queued; retry happens naturally on the next accepted fix.
type UploadPipeline struct {
	filter   *LocationFilter
	store    Store
	uploader Uploader

	// mu serializes store access across the accept and retry paths so only
	// acknowledged identifiers are ever deleted.
	mu sync.Mutex
}

// NewUploadPipeline returns a pipeline writing through store to uploader.
func NewUploadPipeline(filter *LocationFilter, store Store, uploader Uploader) *UploadPipeline {
	return &UploadPipeline{filter: filter, store: store, uploader: uploader}
}

// Accept filters, persists and attempts delivery of one fix. Delivery
// failures are not errors: they degrade to OutcomeQueued and surface through
// the FilterResult stats. The returned error is reserved for store faults.
func (p *UploadPipeline) Accept(ctx context.Context, fix PositionFix) (Outcome, FilterResult, error) {
	res := p.filter.Evaluate(fix)
	if !res.ShouldSend {
		return OutcomeDropped, res, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Persist before any network I/O so a crash cannot lose the fix.
	if _, err := p.store.Save(fix); err != nil {
		return OutcomeQueued, res, fmt.Errorf("persist fix: %w", err)
	}

	if err := p.drainLocked(ctx); err != nil {
		p.filter.RecordSendError(err)
		res.Stats = p.filter.Stats()
		res.Reason = fmt.Sprintf("queued: %v", err)
		return OutcomeQueued, res, nil
	}

	p.filter.ClearSendError()
	res.Stats = p.filter.Stats()
	return OutcomeSent, res, nil
}

// Flush attempts to deliver the current backlog without accepting a new
// fix, e.g. at trip stop.
func (p *UploadPipeline) Flush(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.drainLocked(ctx)
}

// drainLocked reads the unsent backlog, uploads it over the single or batch
// protocol depending on depth, and deletes exactly the acknowledged ids.
func (p *UploadPipeline) drainLocked(ctx context.Context) error {
	queued, err := p.store.ListUnsent()
	if err != nil {
		return fmt.Errorf("list unsent: %w", err)
	}
	if len(queued) == 0 {
		return nil
	}

	ids := make([]int64, len(queued))
	fixes := make([]PositionFix, len(queued))
	for i, q := range queued {
		ids[i] = q.ID
		fixes[i] = q.Fix
	}

	if len(fixes) == 1 {
		err = p.uploader.SendOne(ctx, fixes[0])
	} else {
		err = p.uploader.SendBatch(ctx, fixes)
	}
	if err != nil {
		monitoring.Logf("upload: %d fix(es) kept queued: %v", len(fixes), err)
		return err
	}

	if err := p.store.DeleteByIDs(ids); err != nil {
		return fmt.Errorf("delete acknowledged fixes: %w", err)
	}
	return nil
}

// Stats exposes the filter counters for status reporting.
func (p *UploadPipeline) Stats() TrackingStats {
	return p.filter.Stats()
}
