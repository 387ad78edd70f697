package instrument

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rickgao/ibgate/internal/model"
)

// Option configures a Registry.
type Option func(*registryImpl)

// WithSink persists every downloaded record.
func WithSink(sink Sink) Option {
	return func(r *registryImpl) { r.sink = sink }
}

// WithObserver reports lookup outcomes and registry size.
func WithObserver(o Observer) Option {
	return func(r *registryImpl) { r.observer = o }
}

// WithClock overrides the clock used to split expired from live expiries.
func WithClock(now func() time.Time) Option {
	return func(r *registryImpl) { r.now = now }
}

// registryImpl implements the Registry interface.
type registryImpl struct {
	cfg      Config
	source   DetailSource
	logger   *slog.Logger
	sink     Sink
	observer Observer
	now      func() time.Time

	state *registryState

	// Deduplicates concurrent continuous-future resolutions per key.
	continuous singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	lifeMu sync.Mutex // orders wg.Add against Stop
}

// NewRegistry creates a new Instrument Registry backed by source.
func NewRegistry(cfg Config, source DetailSource, logger *slog.Logger, opts ...Option) Registry {
	if logger == nil {
		logger = slog.Default()
	}

	r := &registryImpl{
		cfg:    cfg,
		source: source,
		logger: logger,
		now:    time.Now,
		state:  newState(),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the ticker id for spec.
func (r *registryImpl) Resolve(ctx context.Context, spec model.InstrumentSpec) (model.TickerID, error) {
	spec = trimSpec(spec)
	if err := validate(spec); err != nil {
		return model.SentinelTickerID, err
	}

	switch spec.SecType {
	case model.SecCombo:
		return r.resolveCombo(ctx, spec)
	case model.SecContinuousFuture:
		return r.resolveContinuous(ctx, spec)
	}
	return r.register(spec), nil
}

// register allocates an id for spec and starts its lookup if the key is new.
func (r *registryImpl) register(spec model.InstrumentSpec) model.TickerID {
	key := CanonicalKey(spec)

	r.state.mu.Lock()
	id, created := r.state.allocateLocked(key, spec)
	r.state.mu.Unlock()

	if created {
		r.logger.Debug("instrument registered", "ticker_id", id, "key", key)
		r.reportSize()
		r.startLookup(id, spec)
	}
	return id
}

// Observe registers a contract seen in a callback.
func (r *registryImpl) Observe(spec model.InstrumentSpec) model.TickerID {
	spec = trimSpec(spec)
	if spec.Exchange == "" {
		return model.SentinelTickerID
	}
	if err := validate(spec); err != nil || spec.IsCombo() || spec.SecType == model.SecContinuousFuture {
		r.logger.Debug("ignoring observed contract", "symbol", spec.Symbol, "sec_type", spec.SecType, "error", err)
		return model.SentinelTickerID
	}

	id := r.register(spec)
	if view, ok := r.state.snapshot(id); ok && view.status == statusFailed {
		// Only fails for unknown ids; id was just registered.
		if err := r.Refresh(ByID(id)); err != nil {
			r.logger.Debug("refresh of observed contract skipped", "ticker_id", id, "error", err)
		}
	}
	return id
}

// Refresh re-issues the lookup for ref unless one is in flight.
func (r *registryImpl) Refresh(ref Ref) error {
	r.state.mu.Lock()
	id, ok := r.state.tickerIDLocked(ref)
	if !ok {
		r.state.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInstrumentNotFound, ref)
	}
	e := r.state.entries[id]
	if e.spec.IsCombo() {
		r.state.mu.Unlock()
		return nil
	}
	if e.status == statusPending {
		r.state.mu.Unlock()
		return nil
	}
	e.status = statusPending
	spec := e.spec
	r.state.mu.Unlock()

	r.startLookup(id, spec)
	return nil
}

// startLookup runs a detail lookup for id in the background.
func (r *registryImpl) startLookup(id model.TickerID, spec model.InstrumentSpec) {
	r.lifeMu.Lock()
	if r.ctx.Err() != nil {
		r.lifeMu.Unlock()
		r.state.mu.Lock()
		r.state.markFailedLocked(id, ErrStopped)
		r.state.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.lifeMu.Unlock()

	go func() {
		defer r.wg.Done()
		r.lookup(id, spec)
	}()
}

// persisted is a record queued for the sink.
type persisted struct {
	key  string
	spec model.InstrumentSpec
	rec  model.DetailRecord
}

// lookup fetches details for id and stores them. Failures leave the
// placeholder in place.
func (r *registryImpl) lookup(id model.TickerID, spec model.InstrumentSpec) {
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.LookupTimeout)
	defer cancel()

	key := CanonicalKey(spec)
	start := time.Now()
	details, err := r.source.LookupDetails(ctx, spec)
	elapsed := time.Since(start)
	switch {
	case err != nil:
		err = fmt.Errorf("%w: %w", ErrLookupFailed, err)
	case len(details) == 0:
		err = ErrNoDetails
	}

	if err != nil {
		result := ResultError
		if errors.Is(err, ErrNoDetails) {
			result = ResultEmpty
		}
		r.observeLookup(result, elapsed)
		r.logger.Warn("detail lookup failed",
			"ticker_id", id,
			"key", key,
			"error", err,
		)

		r.state.mu.Lock()
		r.state.markFailedLocked(id, err)
		r.state.mu.Unlock()

		r.state.notifyChange(Change{TickerID: id, Key: key, Type: ChangeFailed, Err: err})
		return
	}
	r.observeLookup(ResultOK, elapsed)

	rec := r.buildRecord(id, details)

	r.state.mu.Lock()
	if _, live := r.state.entries[id]; !live {
		r.state.mu.Unlock()
		r.logger.Debug("dropping details for evicted instrument", "ticker_id", id, "key", key)
		return
	}
	written := r.state.storeDetailsLocked(id, rec)
	queue := make([]persisted, 0, len(written))
	for wid, wrec := range written {
		e := r.state.entries[wid]
		queue = append(queue, persisted{key: e.key, spec: e.spec, rec: wrec})
	}
	r.state.mu.Unlock()

	r.logger.Debug("details downloaded",
		"ticker_id", id,
		"key", key,
		"leaves", len(rec.Contracts),
		"con_id", rec.ConID,
	)
	r.state.notifyChange(Change{TickerID: id, Key: key, Type: ChangeResolved, Leaves: len(rec.Contracts)})
	r.reportSize()
	r.persist(queue)
}

// buildRecord aggregates lookup results into the record for id. Multi-leaf
// results drop the contract month and summarize the nearest live expiry.
func (r *registryImpl) buildRecord(id model.TickerID, details []model.ContractDetails) model.DetailRecord {
	leaves := make([]model.ContractDetails, len(details))
	copy(leaves, details)
	sort.SliceStable(leaves, func(i, j int) bool {
		a, b := leaves[i].Contract, leaves[j].Contract
		if a.Expiry != b.Expiry {
			return a.Expiry < b.Expiry
		}
		if a.Strike != b.Strike {
			return a.Strike < b.Strike
		}
		return a.Right < b.Right
	})

	summary := leaves[0]
	month := summary.ContractMonth
	if len(leaves) > 1 {
		month = ""
		today := r.today()
		for _, leaf := range leaves {
			if leaf.Contract.Expiry != "" && !expired(leaf.Contract.Expiry, today) {
				summary = leaf
				break
			}
		}
	}

	return model.DetailRecord{
		TickerID:       id,
		Downloaded:     true,
		ConID:          summary.ConID,
		ContractMonth:  month,
		TradingHours:   summary.TradingHours,
		LiquidHours:    summary.LiquidHours,
		MinTick:        summary.MinTick,
		ValidExchanges: summary.ValidExchanges,
		Multiplier:     summary.Contract.Multiplier,
		LongName:       summary.LongName,
		TimeZoneID:     summary.TimeZoneID,
		Contracts:      leaves,
		Summary:        summary,
	}
}

func (r *registryImpl) persist(queue []persisted) {
	if r.sink == nil {
		return
	}
	for _, p := range queue {
		if err := r.sink.SaveDetails(r.ctx, p.key, p.spec, p.rec); err != nil {
			r.logger.Warn("failed to persist details", "key", p.key, "error", err)
		}
	}
}

// evict removes a transient entry. Its id stays retired.
func (r *registryImpl) evict(id model.TickerID) {
	r.state.mu.Lock()
	key, ok := r.state.evictLocked(id)
	r.state.mu.Unlock()

	if !ok {
		return
	}
	r.logger.Debug("instrument evicted", "ticker_id", id, "key", key)
	r.state.notifyChange(Change{TickerID: id, Key: key, Type: ChangeEvicted})
	r.reportSize()
}

// DetailsFor returns the cached record or the placeholder.
func (r *registryImpl) DetailsFor(ref Ref) model.DetailRecord {
	return r.state.getDetails(ref)
}

// ExpirationsFor returns the live expiries of a future or option family.
func (r *registryImpl) ExpirationsFor(ref Ref, skip int) []string {
	rec := r.state.getDetails(ref)
	if len(rec.Contracts) == 0 || !rec.Contracts[0].Contract.SecType.HasExpiry() {
		return nil
	}

	seen := make(map[string]struct{}, len(rec.Contracts))
	expiries := make([]string, 0, len(rec.Contracts))
	for _, leaf := range rec.Contracts {
		exp := leaf.Contract.Expiry
		if exp == "" {
			continue
		}
		if _, dup := seen[exp]; dup {
			continue
		}
		seen[exp] = struct{}{}
		expiries = append(expiries, exp)
	}
	sort.Strings(expiries)

	today := r.today()
	idx := sort.Search(len(expiries), func(i int) bool { return !expired(expiries[i], today) })
	if skip > 0 {
		idx -= skip
	}
	if idx < 0 {
		idx = 0
	}
	return expiries[idx:]
}

// StrikesFor returns the distinct strikes of an option family.
func (r *registryImpl) StrikesFor(ref Ref, opts ...StrikeOption) []float64 {
	var filter strikeFilter
	for _, opt := range opts {
		opt(&filter)
	}

	rec := r.state.getDetails(ref)
	if len(rec.Contracts) == 0 || !rec.Contracts[0].Contract.SecType.IsOption() {
		return nil
	}

	seen := make(map[float64]struct{}, len(rec.Contracts))
	strikes := make([]float64, 0, len(rec.Contracts))
	for _, leaf := range rec.Contracts {
		s := leaf.Contract.Strike
		if _, dup := seen[s]; dup || !filter.keep(s) {
			continue
		}
		seen[s] = struct{}{}
		strikes = append(strikes, s)
	}
	sort.Float64s(strikes)
	return strikes
}

// IsAmbiguous reports whether spec under-specifies a contract or already
// maps to a multi-leaf record.
func (r *registryImpl) IsAmbiguous(spec model.InstrumentSpec) bool {
	switch spec.SecType {
	case model.SecFuture:
		if spec.Expiry == "" {
			return true
		}
	case model.SecOption, model.SecFutureOption:
		if spec.Expiry == "" || spec.Strike == 0 || spec.Right == model.RightNone {
			return true
		}
	}
	return r.state.getDetails(BySpec(spec)).Ambiguous()
}

// TickerID returns the id for ref without allocating.
func (r *registryImpl) TickerID(ref Ref) (model.TickerID, bool) {
	r.state.mu.RLock()
	defer r.state.mu.RUnlock()
	return r.state.tickerIDLocked(ref)
}

// KeyFor returns the canonical key of id.
func (r *registryImpl) KeyFor(id model.TickerID) (string, bool) {
	if id == model.SentinelTickerID {
		return "SYMBOL", true
	}

	r.state.mu.RLock()
	defer r.state.mu.RUnlock()

	e, ok := r.state.entries[id]
	if !ok {
		return "", false
	}
	return e.key, true
}

// SpecFor returns the spec id was registered with.
func (r *registryImpl) SpecFor(id model.TickerID) (model.InstrumentSpec, bool) {
	r.state.mu.RLock()
	defer r.state.mu.RUnlock()

	e, ok := r.state.entries[id]
	if !ok {
		return model.InstrumentSpec{}, false
	}
	return e.spec.Clone(), true
}

// ExpiryForLocalSymbol returns the contract month recorded for a local symbol.
func (r *registryImpl) ExpiryForLocalSymbol(localSymbol string) (string, bool) {
	r.state.mu.RLock()
	defer r.state.mu.RUnlock()

	exp, ok := r.state.localSymbolExpiry[localSymbol]
	return exp, ok
}

// Instruments returns every live entry ordered by ticker id.
func (r *registryImpl) Instruments() []Instrument {
	return r.state.instruments()
}

// Len returns the number of live entries.
func (r *registryImpl) Len() int {
	return r.state.size()
}

// Changes returns the change channel.
func (r *registryImpl) Changes() <-chan Change {
	return r.state.changes
}

// Stop cancels background lookups and waits for them to exit.
func (r *registryImpl) Stop(ctx context.Context) error {
	r.lifeMu.Lock()
	r.cancel()
	r.lifeMu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("instrument registry stopped", "instruments", r.Len())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *registryImpl) today() string {
	return r.now().Format("20060102")
}

func (r *registryImpl) observeLookup(result string, elapsed time.Duration) {
	if r.observer != nil {
		r.observer.ObserveLookup(result, elapsed)
	}
}

func (r *registryImpl) reportSize() {
	if r.observer != nil {
		r.observer.ObserveRegistrySize(r.state.size())
	}
}

// expired reports whether exp (YYYYMMDD or YYYYMM) lies before today (YYYYMMDD).
func expired(exp, today string) bool {
	if len(exp) == 6 {
		return exp < today[:6]
	}
	return exp < today
}
