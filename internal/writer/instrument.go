package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/ibgate/internal/model"
)

const upsertInstrumentSQL = `
	INSERT INTO instruments (
		key, ticker_id, symbol, sec_type, exchange, currency, expiry, strike, opt_right, multiplier,
		con_id, contract_month, min_tick, valid_exchanges, long_name, time_zone_id,
		trading_hours, liquid_hours, leaf_count, leaves, updated_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	ON CONFLICT (key) DO UPDATE SET
		ticker_id = EXCLUDED.ticker_id,
		con_id = EXCLUDED.con_id,
		contract_month = EXCLUDED.contract_month,
		min_tick = EXCLUDED.min_tick,
		valid_exchanges = EXCLUDED.valid_exchanges,
		multiplier = EXCLUDED.multiplier,
		long_name = EXCLUDED.long_name,
		time_zone_id = EXCLUDED.time_zone_id,
		trading_hours = EXCLUDED.trading_hours,
		liquid_hours = EXCLUDED.liquid_hours,
		leaf_count = EXCLUDED.leaf_count,
		leaves = EXCLUDED.leaves,
		updated_at = EXCLUDED.updated_at
	WHERE instruments.updated_at <= EXCLUDED.updated_at
`

// InstrumentWriter queues downloaded detail records and upserts them into
// the instruments table.
type InstrumentWriter struct {
	cfg    WriterConfig
	logger *slog.Logger
	now    func() time.Time

	// Input from the registry
	input chan instrumentRow

	// Database
	db DB

	// Batching
	batch       []instrumentRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	metrics WriterMetrics
}

type instrumentRow struct {
	Key            string
	TickerID       int64
	Symbol         string
	SecType        string
	Exchange       string
	Currency       string
	Expiry         string
	Strike         float64
	Right          string
	Multiplier     string
	ConID          int64
	ContractMonth  string
	MinTick        float64
	ValidExchanges string
	LongName       string
	TimeZoneID     string
	TradingHours   string
	LiquidHours    string
	LeafCount      int
	Leaves         []byte // JSONB
	UpdatedAt      time.Time
}

// leafRow is one concrete contract in the leaves column.
type leafRow struct {
	ConID         int64   `json:"con_id"`
	LocalSymbol   string  `json:"local_symbol,omitempty"`
	TradingClass  string  `json:"trading_class,omitempty"`
	Expiry        string  `json:"expiry,omitempty"`
	ContractMonth string  `json:"contract_month,omitempty"`
	Strike        float64 `json:"strike,omitempty"`
	Right         string  `json:"right,omitempty"`
}

// NewInstrumentWriter creates a new InstrumentWriter.
func NewInstrumentWriter(cfg WriterConfig, db DB, logger *slog.Logger) *InstrumentWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &InstrumentWriter{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		input:  make(chan instrumentRow, cfg.BufferSize),
		db:     db,
		batch:  make([]instrumentRow, 0, cfg.BatchSize),
	}
}

// Start begins consuming records and writing to the database.
func (w *InstrumentWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	// Consumer goroutine
	w.wg.Add(1)
	go w.consumeLoop()

	// Flush ticker goroutine
	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("instrument writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop drains queued records, flushes them and shuts down the writer.
func (w *InstrumentWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping instrument writer")

	if w.cancel != nil {
		w.cancel()
	}

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	// Wait for goroutines
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("instrument writer stop timed out")
		return ctx.Err()
	}

	// Final drain and flush
drain:
	for {
		select {
		case row := <-w.input:
			w.batchMu.Lock()
			w.batch = append(w.batch, row)
			w.batchMu.Unlock()
		default:
			break drain
		}
	}
	w.flush(ctx)

	w.logger.Info("instrument writer stopped")
	return nil
}

// SaveDetails queues rec for persistence. It never blocks.
func (w *InstrumentWriter) SaveDetails(_ context.Context, key string, spec model.InstrumentSpec, rec model.DetailRecord) error {
	row, err := w.transform(key, spec, rec)
	if err != nil {
		return err
	}

	select {
	case w.input <- row:
		return nil
	default:
		w.batchMu.Lock()
		w.metrics.Dropped++
		w.batchMu.Unlock()
		return fmt.Errorf("%w: %s", ErrBufferFull, key)
	}
}

// Stats returns current metrics.
func (w *InstrumentWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// consumeLoop moves queued rows into the batch.
func (w *InstrumentWriter) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case row := <-w.input:
			w.handleRow(row)
		}
	}
}

// flushLoop periodically flushes the batch.
func (w *InstrumentWriter) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush(w.ctx)
		}
	}
}

// handleRow adds a row to the batch and flushes when full.
func (w *InstrumentWriter) handleRow(row instrumentRow) {
	w.batchMu.Lock()
	w.batch = append(w.batch, row)
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flush(w.ctx)
	}
}

// transform converts a detail record to an instrumentRow.
func (w *InstrumentWriter) transform(key string, spec model.InstrumentSpec, rec model.DetailRecord) (instrumentRow, error) {
	leaves := make([]leafRow, 0, len(rec.Contracts))
	for _, c := range rec.Contracts {
		leaves = append(leaves, leafRow{
			ConID:         c.ConID,
			LocalSymbol:   c.LocalSymbol,
			TradingClass:  c.TradingClass,
			Expiry:        c.Contract.Expiry,
			ContractMonth: c.ContractMonth,
			Strike:        c.Contract.Strike,
			Right:         string(c.Contract.Right),
		})
	}
	data, err := json.Marshal(leaves)
	if err != nil {
		return instrumentRow{}, fmt.Errorf("encode leaves for %s: %w", key, err)
	}

	multiplier := rec.Multiplier
	if multiplier == "" {
		multiplier = spec.Multiplier
	}

	return instrumentRow{
		Key:            key,
		TickerID:       int64(rec.TickerID),
		Symbol:         spec.Symbol,
		SecType:        string(spec.SecType),
		Exchange:       spec.Exchange,
		Currency:       spec.Currency,
		Expiry:         spec.Expiry,
		Strike:         spec.Strike,
		Right:          string(spec.Right),
		Multiplier:     multiplier,
		ConID:          rec.ConID,
		ContractMonth:  rec.ContractMonth,
		MinTick:        rec.MinTick,
		ValidExchanges: rec.ValidExchanges,
		LongName:       rec.LongName,
		TimeZoneID:     rec.TimeZoneID,
		TradingHours:   rec.TradingHours,
		LiquidHours:    rec.LiquidHours,
		LeafCount:      len(rec.Contracts),
		Leaves:         data,
		UpdatedAt:      w.now().UTC(),
	}, nil
}

// flush writes the current batch to the database.
func (w *InstrumentWriter) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]instrumentRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	stale, err := w.batchUpsert(ctx, batch)
	if err != nil {
		w.logger.Error("batch upsert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Upserts += int64(len(batch) - stale)
	w.metrics.Stale += int64(stale)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed instruments",
		"count", len(batch),
		"stale", stale,
		"duration", time.Since(start),
	)
}

// batchUpsert upserts rows using pgx.Batch. Rows older than the stored
// version are skipped and counted as stale.
func (w *InstrumentWriter) batchUpsert(ctx context.Context, rows []instrumentRow) (stale int, err error) {
	if w.cfg.FlushTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.FlushTimeout)
		defer cancel()
	}

	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(upsertInstrumentSQL,
			r.Key, r.TickerID, r.Symbol, r.SecType, r.Exchange, r.Currency, r.Expiry, r.Strike, r.Right, r.Multiplier,
			r.ConID, r.ContractMonth, r.MinTick, r.ValidExchanges, r.LongName, r.TimeZoneID,
			r.TradingHours, r.LiquidHours, r.LeafCount, r.Leaves, r.UpdatedAt,
		)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			stale++
		}
	}

	return stale, nil
}
