package instrument

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rickgao/ibgate/internal/model"
)

// await polls id until its lookup resolves or fails, the poll budget runs
// out, or ctx ends. A failed lookup ends the wait immediately.
func (r *registryImpl) await(ctx context.Context, id model.TickerID, attempts int, interval time.Duration) (model.DetailRecord, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; ; i++ {
		view, ok := r.state.snapshot(id)
		if !ok {
			return model.PlaceholderDetails(), fmt.Errorf("ticker id %d evicted", id)
		}
		switch view.status {
		case statusResolved:
			return view.rec, nil
		case statusFailed:
			return view.rec, view.err
		}
		if i >= attempts {
			return view.rec, fmt.Errorf("no details after %d polls", attempts)
		}

		select {
		case <-ctx.Done():
			return view.rec, ctx.Err()
		case <-r.ctx.Done():
			return view.rec, ErrStopped
		case <-ticker.C:
		}
	}
}

// resolveCombo resolves every leg to a contract id, then registers the
// combo itself. Combos have no lookup of their own.
func (r *registryImpl) resolveCombo(ctx context.Context, spec model.InstrumentSpec) (model.TickerID, error) {
	if id, ok := r.TickerID(BySpec(spec)); ok {
		return id, nil
	}

	// Start every leg lookup before waiting on any of them.
	legIDs := make([]model.TickerID, len(spec.Legs))
	for i, leg := range spec.Legs {
		id, err := r.Resolve(ctx, leg.Instrument)
		if err != nil {
			return model.SentinelTickerID, fmt.Errorf("%w: leg %d (%s): %w", ErrLegUnresolved, i, CanonicalKey(leg.Instrument), err)
		}
		legIDs[i] = id
	}

	combo := spec.Clone()
	for i := range combo.Legs {
		leg := &combo.Legs[i]
		legKey := CanonicalKey(leg.Instrument)

		rec, err := r.await(ctx, legIDs[i], r.cfg.LegPollAttempts, r.cfg.LegPollInterval)
		switch {
		case err != nil:
			return model.SentinelTickerID, fmt.Errorf("%w: leg %d (%s): %w", ErrLegUnresolved, i, legKey, err)
		case rec.Ambiguous():
			return model.SentinelTickerID, fmt.Errorf("%w: leg %d (%s) matches %d contracts", ErrLegUnresolved, i, legKey, len(rec.Contracts))
		case rec.ConID == 0:
			return model.SentinelTickerID, fmt.Errorf("%w: leg %d (%s) has no contract id", ErrLegUnresolved, i, legKey)
		}

		leg.ConID = rec.ConID
		if leg.Exchange == "" {
			leg.Exchange = leg.Instrument.Exchange
		}
	}
	if combo.Exchange == "" {
		combo.Exchange = combo.Legs[0].Exchange
	}

	key := CanonicalKey(combo)

	r.state.mu.Lock()
	id, created := r.state.allocateLocked(key, combo)
	if created {
		rec := model.PlaceholderDetails()
		rec.TickerID = id
		rec.Downloaded = true
		rec.ValidExchanges = combo.Exchange
		rec.Summary = model.ContractDetails{Contract: combo}
		r.state.details[id] = rec
		r.state.entries[id].status = statusResolved
	}
	r.state.mu.Unlock()

	if created {
		r.logger.Debug("combo registered", "ticker_id", id, "key", key, "legs", len(combo.Legs))
		r.state.notifyChange(Change{TickerID: id, Key: key, Type: ChangeResolved})
		r.reportSize()
	}
	return id, nil
}

// resolveContinuous resolves a continuous future to its front-month future.
// Concurrent callers for the same root share one resolution.
func (r *registryImpl) resolveContinuous(ctx context.Context, spec model.InstrumentSpec) (model.TickerID, error) {
	key := CanonicalKey(spec)
	ch := r.continuous.DoChan(key, func() (any, error) {
		return r.frontMonth(spec)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return model.SentinelTickerID, res.Err
		}
		return res.Val.(model.TickerID), nil
	case <-ctx.Done():
		return model.SentinelTickerID, ctx.Err()
	}
}

// frontMonth looks spec up as a placeholder, retries once, evicts the
// placeholder and registers the dated future it points at.
func (r *registryImpl) frontMonth(spec model.InstrumentSpec) (model.TickerID, error) {
	key := CanonicalKey(spec)
	id := r.register(spec)

	try := func() (model.DetailRecord, error) {
		rec, err := r.await(r.ctx, id, r.cfg.ContinuousPollAttempts, r.cfg.ContinuousPollInterval)
		if err == nil && rec.ConID == 0 {
			err = errors.New("no contract id")
		}
		return rec, err
	}

	rec, err := try()
	if err != nil && !errors.Is(err, ErrStopped) {
		r.logger.Info("continuous future unresolved, retrying", "key", key, "error", err)
		if rerr := r.Refresh(ByID(id)); rerr == nil {
			rec, err = try()
		}
	}
	r.evict(id)

	if err != nil {
		return model.SentinelTickerID, fmt.Errorf("%w: %s: %w", ErrInstrumentNotFound, key, err)
	}

	month := contractMonth(rec)
	if month == "" {
		return model.SentinelTickerID, fmt.Errorf("%w: %s: no contract month", ErrInstrumentNotFound, key)
	}

	fut := model.InstrumentSpec{
		Symbol:     spec.Symbol,
		SecType:    model.SecFuture,
		Exchange:   spec.Exchange,
		Currency:   firstNonEmpty(rec.Summary.Contract.Currency, spec.Currency),
		Expiry:     month,
		Multiplier: firstNonEmpty(rec.Summary.Contract.Multiplier, rec.Multiplier, spec.Multiplier),
	}
	futID := r.register(fut)

	r.logger.Info("continuous future resolved",
		"key", key,
		"contract_month", month,
		"ticker_id", futID,
	)
	return futID, nil
}

func contractMonth(rec model.DetailRecord) string {
	if rec.ContractMonth != "" {
		return rec.ContractMonth
	}
	if rec.Summary.ContractMonth != "" {
		return rec.Summary.ContractMonth
	}
	if exp := rec.Summary.Contract.Expiry; len(exp) >= 6 {
		return exp[:6]
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
