// Package logger implements a non-blocking, batched usage logger.
//
// Log entries are written to an internal buffered channel and flushed in
// batches by a background goroutine — so logging never blocks the proxy hot
// path. If the channel fills up (> 10 000 entries), new entries are dropped
// and counted in DroppedLogs. Every flush emits structured slog records and,
// when a ClickHouse sink is configured, also inserts the batch into the
// analytics table for longer-term querying than Postgres' usage_records
// table is meant to serve.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// RequestLog is one usage ledger entry, mirroring store.UsageRecord but
// sized for high-volume, low-allocation logging.
type RequestLog struct {
	ID               uuid.UUID
	VirtualKeyID     string
	UserID           string
	Provider         string
	Model            string
	PromptTokens     uint32
	CompletionTokens uint32
	LatencyMs        uint32
	Status           uint16
	Cached           bool
	CostUSD          float64
	ErrorText        string
	CreatedAt        time.Time
}

// Logger is the async batched sink.
type Logger struct {
	ch        chan RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	log     *slog.Logger
	ch2     driver.Conn
}

// New builds a Logger that always emits structured slog records. ch may be
// nil — in that configuration only slog logging happens. internal/app builds
// a Logger only when CLICKHOUSE_DSN is set and the connection opens.
func New(ctx context.Context, slogger *slog.Logger, ch driver.Conn) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	l := &Logger{
		ch:      make(chan RequestLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
		ch2:     ch,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// NewClickHouseConn opens a ClickHouse connection for the usage analytics
// sink. Returns (nil, nil) when dsn is empty — the sink is optional.
func NewClickHouseConn(dsn string) (driver.Conn, error) {
	if dsn == "" {
		return nil, nil
	}
	conn, err := clickhouse.Open(&clickhouse.Options{Addr: []string{dsn}})
	if err != nil {
		return nil, fmt.Errorf("logger: open clickhouse: %w", err)
	}
	return conn, nil
}

// EnsureClickHouseSchema creates the analytics table if it does not exist.
func EnsureClickHouseSchema(ctx context.Context, conn driver.Conn) error {
	if conn == nil {
		return nil
	}
	const ddl = `CREATE TABLE IF NOT EXISTS usage_records (
		id String,
		virtual_key_id String,
		user_id String,
		provider String,
		model String,
		prompt_tokens UInt32,
		completion_tokens UInt32,
		latency_ms UInt32,
		status UInt16,
		cached UInt8,
		cost_usd Float64,
		error_text String,
		created_at DateTime
	) ENGINE = MergeTree() ORDER BY (created_at, model)`
	if err := conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("logger: ensure clickhouse schema: %w", err)
	}
	return nil
}

// Log enqueues an entry without blocking the caller.
func (l *Logger) Log(entry RequestLog) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

// DroppedLogs returns the number of entries dropped because the channel was full.
func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

// Close drains any remaining entries and stops the background goroutine.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	if l.ch2 != nil {
		return l.ch2.Close()
	}
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]RequestLog, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			l.log.InfoContext(ctx, "usage",
				slog.String("id", e.ID.String()),
				slog.String("provider", e.Provider),
				slog.String("model", e.Model),
				slog.Uint64("prompt_tokens", uint64(e.PromptTokens)),
				slog.Uint64("completion_tokens", uint64(e.CompletionTokens)),
				slog.Uint64("latency_ms", uint64(e.LatencyMs)),
				slog.Uint64("status", uint64(e.Status)),
				slog.Bool("cached", e.Cached),
				slog.Float64("cost_usd", e.CostUSD),
				slog.Time("created_at", normalizeTime(e.CreatedAt)),
			)
		}
		l.flushClickHouse(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

func (l *Logger) flushClickHouse(ctx context.Context, batch []RequestLog) {
	if l.ch2 == nil {
		return
	}
	b, err := l.ch2.PrepareBatch(ctx, `INSERT INTO usage_records
		(id, virtual_key_id, user_id, provider, model, prompt_tokens, completion_tokens,
		 latency_ms, status, cached, cost_usd, error_text, created_at)`)
	if err != nil {
		l.log.WarnContext(ctx, "logger: prepare clickhouse batch failed", "error", err)
		return
	}
	for _, e := range batch {
		cached := uint8(0)
		if e.Cached {
			cached = 1
		}
		if err := b.Append(
			e.ID.String(), e.VirtualKeyID, e.UserID, e.Provider, e.Model,
			e.PromptTokens, e.CompletionTokens, e.LatencyMs, e.Status, cached,
			e.CostUSD, e.ErrorText, normalizeTime(e.CreatedAt),
		); err != nil {
			l.log.WarnContext(ctx, "logger: append clickhouse row failed", "error", err)
			return
		}
	}
	if err := b.Send(); err != nil {
		l.log.WarnContext(ctx, "logger: send clickhouse batch failed", "error", err)
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
