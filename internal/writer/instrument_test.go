package writer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/ibgate/internal/model"
)

// fakeDB records queued statements. Keys listed in stale report zero
// affected rows.
type fakeDB struct {
	mu      sync.Mutex
	batches [][]*pgx.QueuedQuery
	stale   map[string]bool
	err     error
}

func (f *fakeDB) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, b.QueuedQueries)
	return &fakeResults{db: f, queries: b.QueuedQueries}
}

func (f *fakeDB) rows() []*pgx.QueuedQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*pgx.QueuedQuery
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}

type fakeResults struct {
	db      *fakeDB
	queries []*pgx.QueuedQuery
	pos     int
}

func (r *fakeResults) Exec() (pgconn.CommandTag, error) {
	if r.db.err != nil {
		return pgconn.CommandTag{}, r.db.err
	}
	q := r.queries[r.pos]
	r.pos++
	if key, _ := q.Arguments[0].(string); r.db.stale[key] {
		return pgconn.NewCommandTag("INSERT 0 0"), nil
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (r *fakeResults) Query() (pgx.Rows, error) { return nil, errors.New("not implemented") }
func (r *fakeResults) QueryRow() pgx.Row        { return nil }
func (r *fakeResults) Close() error             { return nil }

func testWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     100,
		FlushInterval: time.Hour,
		BufferSize:    10,
		FlushTimeout:  time.Second,
	}
}

func futureRecord() (model.InstrumentSpec, model.DetailRecord) {
	spec := model.Future("ES", "").WithExchange("CME")
	leaf := func(conID int64, expiry, month string) model.ContractDetails {
		c := spec
		c.Expiry = expiry
		c.Multiplier = "50"
		return model.ContractDetails{Contract: c, ConID: conID, LocalSymbol: "ES" + month, ContractMonth: month}
	}
	rec := model.DetailRecord{
		TickerID:   4,
		Downloaded: true,
		ConID:      100,
		MinTick:    0.25,
		Multiplier: "",
		LongName:   "E-mini S&P 500",
		Contracts: []model.ContractDetails{
			leaf(100, "20251219", "202512"),
			leaf(101, "20260320", "202603"),
		},
	}
	spec.Multiplier = "50"
	return spec, rec
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestInstrumentWriter_Transform(t *testing.T) {
	w := NewInstrumentWriter(testWriterConfig(), nil, nil)
	fixed := time.Date(2025, 10, 15, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return fixed }

	spec, rec := futureRecord()
	row, err := w.transform("ES_FUT", spec, rec)
	if err != nil {
		t.Fatalf("transform() error = %v", err)
	}

	if row.Key != "ES_FUT" || row.TickerID != 4 || row.ConID != 100 {
		t.Errorf("row = %+v", row)
	}
	if row.SecType != "FUT" || row.Exchange != "CME" || row.MinTick != 0.25 {
		t.Errorf("row contract fields = %+v", row)
	}
	if row.Multiplier != "50" {
		t.Errorf("Multiplier = %q, want spec fallback %q", row.Multiplier, "50")
	}
	if row.LeafCount != 2 {
		t.Errorf("LeafCount = %d, want 2", row.LeafCount)
	}
	if !row.UpdatedAt.Equal(fixed) {
		t.Errorf("UpdatedAt = %v, want %v", row.UpdatedAt, fixed)
	}

	var leaves []leafRow
	if err := json.Unmarshal(row.Leaves, &leaves); err != nil {
		t.Fatalf("leaves are not valid JSON: %v", err)
	}
	if len(leaves) != 2 || leaves[1].ConID != 101 || leaves[1].ContractMonth != "202603" || leaves[1].LocalSymbol != "ES202603" {
		t.Errorf("leaves = %+v", leaves)
	}
}

func TestInstrumentWriter_StopFlushesQueued(t *testing.T) {
	db := &fakeDB{}
	w := NewInstrumentWriter(testWriterConfig(), db, nil)

	spec, rec := futureRecord()
	if err := w.SaveDetails(context.Background(), "ES_FUT", spec, rec); err != nil {
		t.Fatalf("SaveDetails() error = %v", err)
	}

	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	rows := db.rows()
	if len(rows) != 1 {
		t.Fatalf("upserts = %d, want 1", len(rows))
	}
	if rows[0].SQL != upsertInstrumentSQL || rows[0].Arguments[0] != "ES_FUT" {
		t.Errorf("query = %q args[0] = %v", rows[0].SQL, rows[0].Arguments[0])
	}
	if len(rows[0].Arguments) != 21 {
		t.Errorf("arguments = %d, want 21", len(rows[0].Arguments))
	}
	if stats := w.Stats(); stats.Upserts != 1 || stats.Flushes != 1 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestInstrumentWriter_Lifecycle(t *testing.T) {
	cfg := testWriterConfig()
	cfg.FlushInterval = 5 * time.Millisecond
	db := &fakeDB{}
	w := NewInstrumentWriter(cfg, db, nil)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	spec, rec := futureRecord()
	if err := w.SaveDetails(context.Background(), "ES_FUT", spec, rec); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "periodic flush", func() bool { return w.Stats().Flushes == 1 })

	// Stop should complete without hanging
	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Stop(stopCtx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if len(db.rows()) != 1 {
		t.Errorf("upserts = %d, want 1", len(db.rows()))
	}
}

func TestInstrumentWriter_BatchSizeTriggersFlush(t *testing.T) {
	cfg := testWriterConfig()
	cfg.BatchSize = 2
	db := &fakeDB{stale: map[string]bool{"B": true}}
	w := NewInstrumentWriter(cfg, db, nil)

	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { w.Stop(context.Background()) })

	spec, rec := futureRecord()
	w.SaveDetails(context.Background(), "A", spec, rec)
	w.SaveDetails(context.Background(), "B", spec, rec)

	waitFor(t, "size-triggered flush", func() bool { return w.Stats().Flushes == 1 })

	stats := w.Stats()
	if stats.Upserts != 1 || stats.Stale != 1 {
		t.Errorf("Stats() = %+v, want 1 upsert and 1 stale", stats)
	}
}

func TestInstrumentWriter_FlushError(t *testing.T) {
	db := &fakeDB{err: errors.New("connection reset")}
	w := NewInstrumentWriter(testWriterConfig(), db, nil)

	spec, rec := futureRecord()
	w.SaveDetails(context.Background(), "ES_FUT", spec, rec)
	w.Stop(context.Background())

	if stats := w.Stats(); stats.Errors != 1 || stats.Upserts != 0 {
		t.Errorf("Stats() = %+v, want 1 error", stats)
	}
}

func TestInstrumentWriter_BufferFull(t *testing.T) {
	cfg := testWriterConfig()
	cfg.BufferSize = 1
	w := NewInstrumentWriter(cfg, &fakeDB{}, nil)

	spec, rec := futureRecord()
	if err := w.SaveDetails(context.Background(), "A", spec, rec); err != nil {
		t.Fatalf("first SaveDetails() error = %v", err)
	}
	if err := w.SaveDetails(context.Background(), "B", spec, rec); !errors.Is(err, ErrBufferFull) {
		t.Errorf("second SaveDetails() error = %v, want ErrBufferFull", err)
	}
	if stats := w.Stats(); stats.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", stats.Dropped)
	}
}

func TestDefaultWriterConfig(t *testing.T) {
	cfg := DefaultWriterConfig()
	if cfg.BatchSize < 1 || cfg.BufferSize < cfg.BatchSize || cfg.FlushInterval <= 0 {
		t.Errorf("DefaultWriterConfig() = %+v", cfg)
	}
}
