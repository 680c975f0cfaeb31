package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/realtime-mux/internal/queue"
	"github.com/rickgao/realtime-mux/internal/realtime"
)

// Record kinds.
const (
	KindConnection     = "connection"
	KindChannelAdded   = "channel_added"
	KindChannelState   = "channel_state"
	KindChannelRemoved = "channel_removed"
	KindRetry          = "retry_scheduled"
	KindCallbackFailed = "callback_failed"
)

// Record is one lifecycle row.
type Record struct {
	RecordedAt time.Time
	Kind       string
	Channel    string
	From       string
	To         string
	Subscriber string
	Attempt    int
	Delay      time.Duration
}

// Config holds writer settings.
type Config struct {
	InstanceID    string
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int // records queued before new ones are dropped
}

// DefaultConfig returns the default writer configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: time.Second,
		BufferSize:    10000,
	}
}

// Stats holds writer counters.
type Stats struct {
	Inserts int64
	Errors  int64
	Flushes int64
	Dropped int64
}

// BatchSender sends a queued batch. *pgxpool.Pool satisfies it.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Writer implements realtime.Observer by queueing lifecycle records and
// writing them to PostgreSQL in batches.
type Writer struct {
	realtime.NoopObserver

	cfg    Config
	logger *slog.Logger
	db     BatchSender
	now    func() time.Time

	// Observer calls must not block, so records go through a bounded queue.
	input *queue.Buffer[Record]

	// Batching
	batch   []Record
	batchMu sync.Mutex
	flushMu sync.Mutex

	// Lifecycle
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	consumed chan struct{} // closed when consumeLoop has drained the queue

	// Metrics
	metrics Stats
}

var _ realtime.Observer = (*Writer)(nil)

// NewWriter creates a writer. Call Start before registering it.
func NewWriter(cfg Config, db BatchSender, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}

	return &Writer{
		cfg:    cfg,
		logger: logger.With("component", "audit"),
		db:     db,
		now:    time.Now,
		input:  queue.New[Record](64, cfg.BufferSize),
		batch:  make([]Record, 0, cfg.BatchSize),
	}
}

// Start begins consuming records and flushing them on an interval.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.consumed = make(chan struct{})

	// Consumer goroutine
	w.wg.Add(1)
	go w.consumeLoop()

	// Flush ticker goroutine
	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("audit writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop drains queued records, writes the final batch and stops. Records
// observed after Stop are dropped.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping audit writer")

	w.input.Close()
	if w.cancel == nil {
		return nil
	}

	select {
	case <-w.consumed:
	case <-ctx.Done():
		w.logger.Warn("audit writer stop timed out", "queued", w.input.Len())
	}
	w.cancel()
	w.wg.Wait()

	// Final flush
	w.flush(ctx)

	w.logger.Info("audit writer stopped")
	return nil
}

// Stats returns current counters.
func (w *Writer) Stats() Stats {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	s := w.metrics
	s.Dropped = w.input.Stats().Dropped
	return s
}

// ConnectionStateChanged records a connection transition.
func (w *Writer) ConnectionStateChanged(old, new realtime.ConnectionState) {
	w.enqueue(Record{Kind: KindConnection, From: old.String(), To: new.String()})
}

// ChannelAdded records a channel creation.
func (w *Writer) ChannelAdded(channel string) {
	w.enqueue(Record{Kind: KindChannelAdded, Channel: channel})
}

// ChannelStateChanged records a channel transition.
func (w *Writer) ChannelStateChanged(channel string, old, new realtime.ChannelState) {
	w.enqueue(Record{Kind: KindChannelState, Channel: channel, From: old.String(), To: new.String()})
}

// ChannelRemoved records that a channel finished leaving.
func (w *Writer) ChannelRemoved(channel string) {
	w.enqueue(Record{Kind: KindChannelRemoved, Channel: channel})
}

// RetryScheduled records a scheduled rejoin.
func (w *Writer) RetryScheduled(channel string, attempt int, delay time.Duration) {
	w.enqueue(Record{Kind: KindRetry, Channel: channel, Attempt: attempt, Delay: delay})
}

// CallbackFailed records a recovered subscriber panic.
func (w *Writer) CallbackFailed(channel, subscriber string) {
	w.enqueue(Record{Kind: KindCallbackFailed, Channel: channel, Subscriber: subscriber})
}

func (w *Writer) enqueue(r Record) {
	r.RecordedAt = w.now()
	if err := w.input.Send(r); err != nil {
		w.logger.Debug("audit record dropped", "kind", r.Kind, "channel", r.Channel, "error", err)
	}
}

// consumeLoop moves records from the queue into the current batch.
func (w *Writer) consumeLoop() {
	defer w.wg.Done()
	defer close(w.consumed)

	for {
		r, ok := w.input.Receive()
		if !ok {
			return
		}
		w.handleRecord(r)

		// Take the rest of a burst under one lock instead of one wakeup per record.
		for _, r := range w.input.DrainTo(w.cfg.BatchSize) {
			w.handleRecord(r)
		}
	}
}

// flushLoop periodically flushes the batch.
func (w *Writer) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flush(w.ctx)
		}
	}
}

func (w *Writer) handleRecord(r Record) {
	w.batchMu.Lock()
	w.batch = append(w.batch, r)
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flush(w.ctx)
	}
}

// flush writes the current batch to the database.
func (w *Writer) flush(ctx context.Context) {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]Record, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	if err := w.batchInsert(ctx, batch); err != nil {
		w.logger.Error("audit batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch))
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed audit records",
		"count", len(batch),
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows with a single pgx.Batch round trip.
func (w *Writer) batchInsert(ctx context.Context, rows []Record) error {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertRecord,
			r.RecordedAt, w.cfg.InstanceID, r.Kind, r.Channel, r.From, r.To,
			r.Subscriber, r.Attempt, r.Delay.Milliseconds(),
		)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}
