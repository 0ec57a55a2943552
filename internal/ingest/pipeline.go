package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chanvault/chanvault/internal/catalog"
	"github.com/chanvault/chanvault/internal/platform"
)

// Connector is the connection surface the pipeline depends on.
type Connector interface {
	EnsureConnected(ctx context.Context) error
	Session() platform.Session
}

// Store is the persistence surface the pipeline depends on.
type Store interface {
	ListActiveChannels(ctx context.Context) ([]catalog.Channel, error)
	GetChannel(ctx context.Context, username string) (catalog.Channel, error)
	InsertPendingIfAbsent(ctx context.Context, rec catalog.NewMediaRecord) (bool, error)
	UpdateChannelCursor(ctx context.Context, username string, cursor int64) error
}

// PullReport is the externally observable result of one channel's pull.
// Fetch or connection problems degrade the report, not the whole run.
type PullReport struct {
	Channel          string `json:"channel"`
	Pulled           int    `json:"pulled"`
	SkippedDuplicate int    `json:"skipped_duplicate"`
	Discarded        int    `json:"discarded"`
	Error            string `json:"error,omitempty"`
	ErrorKind        string `json:"error_kind,omitempty"`
}

// RunSummary aggregates the per-channel reports of one pipeline run.
type RunSummary struct {
	RunID    string       `json:"run_id"`
	Started  time.Time    `json:"started"`
	Finished time.Time    `json:"finished"`
	Reports  []PullReport `json:"reports"`
}

// Options tune batch fetching.
type Options struct {
	BatchSize    int
	FetchRetries int
	RetryWait    time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.FetchRetries <= 0 {
		o.FetchRetries = 3
	}
	if o.RetryWait <= 0 {
		o.RetryWait = 2 * time.Second
	}
	return o
}

// Pipeline fetches, classifies, dedupes and persists media for one channel
// at a time. Pulls on distinct channels may run concurrently; pulls on the
// same channel serialize on a per-channel lock so cursor advancement stays
// well ordered.
type Pipeline struct {
	logger     *slog.Logger
	connector  Connector
	store      Store
	classifier *Classifier
	opts       Options

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewPipeline creates a Pipeline.
func NewPipeline(log *slog.Logger, connector Connector, store Store, classifier *Classifier, opts Options) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		logger:     log.With(slog.String("service", "ingest")),
		connector:  connector,
		store:      store,
		classifier: classifier,
		opts:       opts.withDefaults(),
		locks:      map[string]*sync.Mutex{},
	}
}

func (p *Pipeline) channelLock(username string) *sync.Mutex {
	p.locksMu.Lock()
	defer p.locksMu.Unlock()
	lock, ok := p.locks[username]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[username] = lock
	}
	return lock
}

// RunAll pulls every active channel. A channel that cannot be pulled is
// reported and skipped; it never blocks the others.
func (p *Pipeline) RunAll(ctx context.Context) RunSummary {
	summary := RunSummary{
		RunID:   uuid.NewString(),
		Started: time.Now().UTC(),
	}
	channels, err := p.store.ListActiveChannels(ctx)
	if err != nil {
		p.logger.Error("list active channels failed", slog.Any("error", err))
		summary.Finished = time.Now().UTC()
		summary.Reports = []PullReport{{Error: err.Error(), ErrorKind: string(platform.KindOf(err))}}
		return summary
	}
	reports := make([]PullReport, 0, len(channels))
	for _, ch := range channels {
		reports = append(reports, p.PullChannel(ctx, ch.Username))
	}
	summary.Reports = reports
	summary.Finished = time.Now().UTC()
	return summary
}

// PullChannel performs a historical pull for one channel, resuming from its
// persisted cursor. The cursor advances only after a batch is fully
// processed, so a crash mid-run re-processes at most one batch; dedupe makes
// that re-processing idempotent.
func (p *Pipeline) PullChannel(ctx context.Context, username string) PullReport {
	username = catalog.NormalizeUsername(username)
	report := PullReport{Channel: username}

	lock := p.channelLock(username)
	lock.Lock()
	defer lock.Unlock()

	ch, err := p.store.GetChannel(ctx, username)
	if err != nil {
		return reportError(report, err)
	}
	if err := p.connector.EnsureConnected(ctx); err != nil {
		p.logger.Warn("pull aborted, connection unavailable",
			slog.String("channel", username),
			slog.Any("error", err),
		)
		return reportError(report, err)
	}

	session := p.connector.Session()
	cursor := ch.Cursor
	for {
		batch, err := p.fetchWithRetry(ctx, session, username, cursor)
		if err != nil {
			// Batch retries exhausted: report and move on, the next run
			// resumes from the persisted cursor.
			p.logger.Warn("batch fetch exhausted retries",
				slog.String("channel", username),
				slog.Any("error", err),
			)
			return reportError(report, err)
		}
		if len(batch) == 0 {
			break
		}
		for _, msg := range batch {
			outcome, err := p.record(ctx, msg)
			if err != nil {
				return reportError(report, err)
			}
			switch outcome {
			case outcomePulled:
				report.Pulled++
			case outcomeDuplicate:
				report.SkippedDuplicate++
			case outcomeDiscarded:
				report.Discarded++
			}
		}
		cursor = batch[len(batch)-1].ID
		if err := p.store.UpdateChannelCursor(ctx, username, cursor); err != nil {
			return reportError(report, err)
		}
		if len(batch) < p.opts.BatchSize {
			break
		}
	}
	p.logger.Info("channel pull finished",
		slog.String("channel", username),
		slog.Int("pulled", report.Pulled),
		slog.Int("skipped_duplicate", report.SkippedDuplicate),
		slog.Int("discarded", report.Discarded),
	)
	return report
}

func (p *Pipeline) fetchWithRetry(ctx context.Context, session platform.Session, username string, cursor int64) ([]platform.Message, error) {
	var lastErr error
	for attempt := 0; attempt < p.opts.FetchRetries; attempt++ {
		batch, err := session.FetchBatch(ctx, username, cursor, p.opts.BatchSize)
		if err == nil {
			return batch, nil
		}
		lastErr = err
		if !platform.Retriable(err) {
			return nil, err
		}
		wait := p.opts.RetryWait
		if ra := platform.RetryAfterOf(err); ra > wait {
			wait = ra
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

type recordOutcome int

const (
	outcomeDiscarded recordOutcome = iota
	outcomeDuplicate
	outcomePulled
)

func (p *Pipeline) record(ctx context.Context, msg platform.Message) (recordOutcome, error) {
	if msg.Attachment == nil {
		return outcomeDiscarded, nil
	}
	kind, ok := p.classifier.Classify(msg.Attachment.MimeType)
	if !ok {
		return outcomeDiscarded, nil
	}
	inserted, err := p.store.InsertPendingIfAbsent(ctx, catalog.NewMediaRecord{
		ChannelUsername: msg.Channel,
		MessageID:       msg.ID,
		FileName:        msg.Attachment.FileName,
		Kind:            kind,
		MimeType:        msg.Attachment.MimeType,
		SizeBytes:       msg.Attachment.Size,
	})
	if err != nil {
		return outcomeDiscarded, err
	}
	if !inserted {
		return outcomeDuplicate, nil
	}
	return outcomePulled, nil
}

// HandleLive records one live message through the same classify/dedupe path
// as historical pulls. It never triggers a history fetch.
func (p *Pipeline) HandleLive(ctx context.Context, msg platform.Message) {
	outcome, err := p.record(ctx, msg)
	if err != nil {
		p.logger.Error("record live message failed",
			slog.String("channel", msg.Channel),
			slog.Int64("message_id", msg.ID),
			slog.Any("error", err),
		)
		return
	}
	if outcome == outcomePulled {
		p.logger.Info("live media recorded",
			slog.String("channel", msg.Channel),
			slog.Int64("message_id", msg.ID),
		)
	}
}

func reportError(report PullReport, err error) PullReport {
	report.Error = err.Error()
	report.ErrorKind = string(platform.KindOf(err))
	return report
}
