// Package events provides the buffered analytics logger. Callers append
// event records from hot paths; a background goroutine bulk-inserts them so
// the append-only log never adds a round trip to a send.
package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"sendfabric/internal/domain"
	"sendfabric/internal/observability"
	"sendfabric/internal/store"
)

type Logger struct {
	store   *store.EventStore
	logger  *zap.Logger
	metrics *observability.Metrics

	mu     sync.Mutex
	buf    []domain.EventRecord
	size   int
	notify chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	flush  time.Duration
}

func NewLogger(es *store.EventStore, logger *zap.Logger, metrics *observability.Metrics, size int, flushInterval time.Duration) *Logger {
	ctx, cancel := context.WithCancel(context.Background())
	return &Logger{
		store:   es,
		logger:  logger,
		metrics: metrics,
		buf:     make([]domain.EventRecord, 0, size),
		size:    size,
		notify:  make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		flush:   flushInterval,
	}
}

func (l *Logger) Start() {
	l.wg.Add(1)
	go l.flushLoop()
}

// Append buffers a record. Never blocks the caller; a full buffer triggers
// an early flush instead of dropping.
func (l *Logger) Append(record domain.EventRecord) {
	if record.OccurredAt.IsZero() {
		record.OccurredAt = time.Now()
	}

	l.mu.Lock()
	l.buf = append(l.buf, record)
	full := len(l.buf) >= l.size
	l.mu.Unlock()

	if full {
		select {
		case l.notify <- struct{}{}:
		default:
		}
	}
}

func (l *Logger) flushLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.flush)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.flushOnce()
		case <-l.notify:
			l.flushOnce()
		}
	}
}

func (l *Logger) flushOnce() {
	l.mu.Lock()
	if len(l.buf) == 0 {
		l.mu.Unlock()
		return
	}
	records := l.buf
	l.buf = make([]domain.EventRecord, 0, l.size)
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := l.store.BulkInsert(ctx, records); err != nil {
		l.logger.Error("failed to flush event records",
			zap.Int("count", len(records)),
			zap.Error(err))
		// Put the records back so the next flush retries them.
		l.mu.Lock()
		l.buf = append(records, l.buf...)
		l.mu.Unlock()
		return
	}

	if l.metrics != nil {
		l.metrics.EventFlushSize.Observe(float64(len(records)))
	}
}

// Stop drains the buffer and shuts the flush loop down. Called late in the
// shutdown order so in-flight workers have already appended their records.
func (l *Logger) Stop() {
	l.cancel()
	l.wg.Wait()
	l.flushOnce()
}
