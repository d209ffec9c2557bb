package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// BatchOptions tunes the mirror's buffering. Zero fields take defaults.
type BatchOptions struct {
	Buffer   int           // queued events before Write starts dropping (10000)
	MaxBatch int           // events per insert (1000)
	Interval time.Duration // flush period for partial batches (250ms)
	Drain    time.Duration // how long Close keeps draining (2s)
}

func (o BatchOptions) withDefaults() BatchOptions {
	if o.Buffer <= 0 {
		o.Buffer = 10_000
	}
	if o.MaxBatch <= 0 {
		o.MaxBatch = 1000
	}
	if o.Interval <= 0 {
		o.Interval = 250 * time.Millisecond
	}
	if o.Drain <= 0 {
		o.Drain = 2 * time.Second
	}
	return o
}

// insertFunc persists one batch. It is only ever called from the flush goroutine.
type insertFunc func(ctx context.Context, events []*AuditEvent) error

// ClickHouseWriter mirrors audit events to ClickHouse in batches. Postgres
// stays the system of record, so a lost mirror event only costs analytics.
type ClickHouseWriter struct {
	queue   chan *AuditEvent
	stop    chan struct{}
	stopped chan struct{}
	insert  insertFunc
	closeFn func() error
	opts    BatchOptions
	dropped prometheus.Counter
	logger  *zap.Logger
}

// NewClickHouseWriter connects to dsn and starts the flush goroutine.
// dropped may be nil.
func NewClickHouseWriter(dsn string, dropped prometheus.Counter, logger *zap.Logger) (*ClickHouseWriter, error) {
	conn, err := OpenClickHouse(dsn)
	if err != nil {
		return nil, err
	}
	return newBatchWriter(insertInto(conn), conn.Close, BatchOptions{}, dropped, logger), nil
}

// OpenClickHouse dials dsn and pings it. Connections always use TLS.
func OpenClickHouse(dsn string) (driver.Conn, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	return conn, nil
}

func newBatchWriter(insert insertFunc, closeFn func() error, opts BatchOptions, dropped prometheus.Counter, logger *zap.Logger) *ClickHouseWriter {
	opts = opts.withDefaults()
	w := &ClickHouseWriter{
		queue:   make(chan *AuditEvent, opts.Buffer),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
		insert:  insert,
		closeFn: closeFn,
		opts:    opts,
		dropped: dropped,
		logger:  logger,
	}
	go w.run()
	return w
}

// Write enqueues event without blocking. A full queue drops it.
func (w *ClickHouseWriter) Write(event *AuditEvent) {
	select {
	case w.queue <- event:
		return
	default:
	}
	if w.dropped != nil {
		w.dropped.Inc()
	}
	w.logger.Warn("audit mirror queue full, event dropped",
		zap.String("record_id", event.RecordID),
		zap.String("tenant_id", event.TenantID),
	)
}

// Close flushes what it can within the drain window, then closes the
// connection. Call it once.
func (w *ClickHouseWriter) Close() {
	close(w.stop)
	<-w.stopped
	if w.closeFn == nil {
		return
	}
	if err := w.closeFn(); err != nil {
		w.logger.Warn("clickhouse close failed", zap.Error(err))
	}
}

func (w *ClickHouseWriter) run() {
	defer close(w.stopped)

	tick := time.NewTicker(w.opts.Interval)
	defer tick.Stop()

	pending := make([]*AuditEvent, 0, w.opts.MaxBatch)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		w.send(pending)
		pending = pending[:0]
	}

	for {
		select {
		case ev := <-w.queue:
			pending = append(pending, ev)
			if len(pending) == w.opts.MaxBatch {
				flush()
			}
		case <-tick.C:
			flush()
		case <-w.stop:
			w.drain(&pending, flush)
			flush()
			return
		}
	}
}

// drain moves queued events into pending until the queue is empty or the
// drain window closes.
func (w *ClickHouseWriter) drain(pending *[]*AuditEvent, flush func()) {
	deadline := time.NewTimer(w.opts.Drain)
	defer deadline.Stop()
	for {
		select {
		case ev := <-w.queue:
			*pending = append(*pending, ev)
			if len(*pending) == w.opts.MaxBatch {
				flush()
			}
		case <-deadline.C:
			return
		default:
			return
		}
	}
}

func (w *ClickHouseWriter) send(events []*AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.insert(ctx, events); err != nil {
		w.logger.Error("audit mirror insert failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}

const insertEvents = `INSERT INTO audit_events (
	record_id, tenant_id, timestamp, kind, agent_id, agent_identifier,
	tool_name, action, outcome, check_name, risk_flag, human_approval,
	payload_preview, latency_ms
)`

// insertInto builds an insertFunc on a native ClickHouse batch. A row that
// fails to append abandons the whole batch.
func insertInto(conn driver.Conn) insertFunc {
	return func(ctx context.Context, events []*AuditEvent) error {
		batch, err := conn.PrepareBatch(ctx, insertEvents)
		if err != nil {
			return fmt.Errorf("prepare batch: %w", err)
		}
		return fillBatch(batch, events)
	}
}

// rowBatch is the part of driver.Batch the writer uses.
type rowBatch interface {
	AppendStruct(v any) error
	Abort() error
	Send() error
}

func fillBatch(batch rowBatch, events []*AuditEvent) error {
	for _, ev := range events {
		if err := batch.AppendStruct(ev); err != nil {
			// Release the connection held by the prepared INSERT.
			if abortErr := batch.Abort(); abortErr != nil {
				return fmt.Errorf("append %s: %w (abort: %v)", ev.RecordID, err, abortErr)
			}
			return fmt.Errorf("append %s: %w", ev.RecordID, err)
		}
	}
	return batch.Send()
}

// LogWriter writes audit events to the log instead of ClickHouse. Used when
// no analytics store is configured.
type LogWriter struct {
	logger *zap.Logger
}

func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(event *AuditEvent) {
	w.logger.Info("audit_event",
		zap.String("record_id", event.RecordID),
		zap.String("tenant_id", event.TenantID),
		zap.String("kind", event.Kind),
		zap.String("agent_id", event.AgentID),
		zap.String("tool_name", event.ToolName),
		zap.String("action", event.Action),
		zap.String("outcome", event.Outcome),
		zap.String("check", event.Check),
		zap.String("risk_flag", event.RiskFlag),
		zap.Float32("latency_ms", event.LatencyMs),
	)
}

func (w *LogWriter) Close() {}
