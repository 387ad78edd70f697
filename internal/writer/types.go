package writer

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrBufferFull is returned when a record arrives faster than the writer drains.
var ErrBufferFull = errors.New("writer buffer full")

// DB is the subset of *pgxpool.Pool the writers use.
type DB interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// WriterConfig holds batching settings.
type WriterConfig struct {
	BatchSize     int           // Rows per flush
	FlushInterval time.Duration // Max time a row waits in the batch
	BufferSize    int           // Queued rows before SaveDetails rejects
	FlushTimeout  time.Duration // Bound on a single flush
}

// DefaultWriterConfig returns production defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     500,
		FlushInterval: time.Second,
		BufferSize:    10000,
		FlushTimeout:  10 * time.Second,
	}
}

// WriterMetrics counts writer activity.
type WriterMetrics struct {
	Upserts int64 // rows inserted or updated
	Stale   int64 // rows skipped because a newer version was stored
	Errors  int64 // failed flushes
	Dropped int64 // rows rejected with ErrBufferFull
	Flushes int64
}
