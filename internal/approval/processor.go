// Package approval materializes pending media into object storage. Items in a
// batch fail independently: one broken download never aborts or rolls back
// the rest, and the caller always receives a complete summary.
package approval

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/chanvault/chanvault/internal/catalog"
	"github.com/chanvault/chanvault/internal/objstore"
	"github.com/chanvault/chanvault/internal/platform"
)

// Connector is the connection surface the processor depends on.
type Connector interface {
	EnsureConnected(ctx context.Context) error
	Session() platform.Session
}

// Catalog is the persistence surface the processor depends on.
type Catalog interface {
	ListMediaByIDs(ctx context.Context, ids []int64) ([]catalog.MediaRecord, error)
	MarkApproved(ctx context.Context, id int64, storageKey string) (bool, error)
	MarkFailed(ctx context.Context, id int64, cause string) error
}

// ItemStatus is the outcome of one batch item.
type ItemStatus string

const (
	StatusApproved        ItemStatus = "approved"
	StatusAlreadyApproved ItemStatus = "already_approved"
	StatusFailed          ItemStatus = "failed"
)

// ItemResult reports one item's outcome. ErrorKind and Error are set only for
// failed items.
type ItemResult struct {
	ID        int64      `json:"id"`
	Status    ItemStatus `json:"status"`
	ErrorKind string     `json:"error_kind,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// BatchResult is the complete summary of one batch. Ordering of Items is not
// guaranteed, only completeness.
type BatchResult struct {
	Total     int          `json:"total"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Skipped   int          `json:"skipped"`
	Items     []ItemResult `json:"items"`
}

// Processor executes batch approvals over a bounded worker pool.
type Processor struct {
	logger    *slog.Logger
	connector Connector
	catalog   Catalog
	objects   objstore.Store
	maxBatch  int
	workers   int
}

// NewProcessor creates a Processor. maxBatch bounds the accepted batch size;
// workers bounds per-batch parallelism.
func NewProcessor(log *slog.Logger, connector Connector, cat Catalog, objects objstore.Store, maxBatch, workers int) *Processor {
	if log == nil {
		log = slog.Default()
	}
	if maxBatch <= 0 {
		maxBatch = 100
	}
	if workers <= 0 {
		workers = 4
	}
	return &Processor{
		logger:    log.With(slog.String("service", "approval")),
		connector: connector,
		catalog:   cat,
		objects:   objects,
		maxBatch:  maxBatch,
		workers:   workers,
	}
}

// MaxBatchSize returns the configured batch bound.
func (p *Processor) MaxBatchSize() int {
	return p.maxBatch
}

// Process runs the batch. A structurally invalid request (empty, over the
// size bound, duplicate IDs collapse first) is rejected before any network
// call; per-item failures are collected into the result instead.
func (p *Processor) Process(ctx context.Context, ids []int64) (BatchResult, error) {
	ids = dedupeIDs(ids)
	if len(ids) == 0 {
		return BatchResult{}, platform.Errorf(platform.KindValidation, "approval.process", "batch is empty")
	}
	if len(ids) > p.maxBatch {
		return BatchResult{}, platform.Errorf(platform.KindValidation, "approval.process",
			"batch size %d exceeds maximum %d", len(ids), p.maxBatch)
	}

	records, err := p.catalog.ListMediaByIDs(ctx, ids)
	if err != nil {
		// The store being unreachable is a hard failure of the whole
		// operation: no per-item progress could be made durable.
		return BatchResult{}, err
	}
	byID := make(map[int64]catalog.MediaRecord, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec
	}

	jobs := make(chan int64)
	var mu sync.Mutex
	items := make([]ItemResult, 0, len(ids))

	var wg sync.WaitGroup
	workers := p.workers
	if workers > len(ids) {
		workers = len(ids)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				item := p.processItem(ctx, id, byID)
				mu.Lock()
				items = append(items, item)
				mu.Unlock()
			}
		}()
	}
	for _, id := range ids {
		jobs <- id
	}
	close(jobs)
	wg.Wait()

	result := BatchResult{Total: len(ids), Items: items}
	for _, item := range items {
		switch item.Status {
		case StatusApproved:
			result.Succeeded++
		case StatusAlreadyApproved:
			result.Skipped++
		case StatusFailed:
			result.Failed++
		}
	}
	p.logger.Info("batch processed",
		slog.Int("total", result.Total),
		slog.Int("succeeded", result.Succeeded),
		slog.Int("failed", result.Failed),
		slog.Int("skipped", result.Skipped),
	)
	return result, nil
}

func (p *Processor) processItem(ctx context.Context, id int64, byID map[int64]catalog.MediaRecord) ItemResult {
	rec, ok := byID[id]
	if !ok {
		return failedItem(id, platform.Errorf(platform.KindValidation, "approval.item", "unknown media id %d", id))
	}
	if rec.State != catalog.StatePending {
		return ItemResult{ID: id, Status: StatusAlreadyApproved}
	}
	if err := p.connector.EnsureConnected(ctx); err != nil {
		return failedItem(id, err)
	}
	key := objstore.ObjectKey(rec.ChannelUsername, rec.MessageID, rec.FileName)
	if err := p.downloadAndStore(ctx, rec, key); err != nil {
		p.logger.Warn("item failed",
			slog.Int64("media_id", id),
			slog.String("kind", string(platform.KindOf(err))),
			slog.Any("error", err),
		)
		if !platform.Retriable(err) {
			// Non-retriable causes are recorded on the row; transient
			// failures leave it pending for a later batch.
			if markErr := p.catalog.MarkFailed(ctx, id, err.Error()); markErr != nil {
				p.logger.Error("mark failed errored", slog.Int64("media_id", id), slog.Any("error", markErr))
			}
		}
		return failedItem(id, err)
	}
	approved, err := p.catalog.MarkApproved(ctx, id, key)
	if err != nil {
		return failedItem(id, err)
	}
	if !approved {
		// Lost a race with a concurrent approval of the same record.
		return ItemResult{ID: id, Status: StatusAlreadyApproved}
	}
	return ItemResult{ID: id, Status: StatusApproved}
}

// downloadAndStore spools the attachment to a temp file, uploads it under the
// deterministic key, and verifies the object exists before the record may be
// marked approved.
func (p *Processor) downloadAndStore(ctx context.Context, rec catalog.MediaRecord, key string) error {
	tmp, err := os.CreateTemp("", "chanvault-*")
	if err != nil {
		return platform.E(platform.KindStorage, "approval.spool", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	session := p.connector.Session()
	size, err := session.DownloadByID(ctx, rec.ChannelUsername, rec.MessageID, tmp)
	if err != nil {
		return err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return platform.E(platform.KindStorage, "approval.spool", err)
	}
	if err := p.objects.Put(ctx, rec.Kind, key, tmp, size, contentTypeOf(rec)); err != nil {
		return err
	}
	exists, err := p.objects.Exists(ctx, rec.Kind, key)
	if err != nil {
		return err
	}
	if !exists {
		return platform.Errorf(platform.KindStorage, "approval.verify", "object %s missing after upload", key)
	}
	return nil
}

// contentTypeOf prefers the MIME type declared at ingestion; records from
// before the column existed fall back to the generic type.
func contentTypeOf(rec catalog.MediaRecord) string {
	if rec.MimeType != "" {
		return rec.MimeType
	}
	return "application/octet-stream"
}

func failedItem(id int64, err error) ItemResult {
	return ItemResult{
		ID:        id,
		Status:    StatusFailed,
		ErrorKind: string(platform.KindOf(err)),
		Error:     err.Error(),
	}
}

func dedupeIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
