package instrument

import (
	"context"

	"github.com/rickgao/ibgate/internal/model"
)

// Registry manages instrument identity and the detail cache.
type Registry interface {
	// Resolve returns the ticker id for spec, allocating one and starting a
	// background detail lookup the first time a canonical key is seen.
	// Combos and continuous futures block until their components resolve.
	Resolve(ctx context.Context, spec model.InstrumentSpec) (model.TickerID, error)

	// Observe registers a contract reported by an account or portfolio
	// callback. Contracts without an exchange are ignored (returns 0).
	Observe(spec model.InstrumentSpec) model.TickerID

	// Refresh re-issues the detail lookup for an existing entry unless one
	// is already in flight.
	Refresh(ref Ref) error

	// DetailsFor returns the cached record, or the placeholder when the
	// entry is unknown or not yet downloaded. Never blocks.
	// The returned Contracts slice must not be modified.
	DetailsFor(ref Ref) model.DetailRecord

	// ExpirationsFor returns the sorted expiries of a future or option
	// family, starting at the nearest unexpired one minus skip entries.
	ExpirationsFor(ref Ref, skip int) []string

	// StrikesFor returns the sorted distinct strikes of an option family.
	StrikesFor(ref Ref, opts ...StrikeOption) []float64

	// IsAmbiguous reports whether spec may match more than one contract.
	IsAmbiguous(spec model.InstrumentSpec) bool

	// TickerID returns the id for ref without allocating.
	TickerID(ref Ref) (model.TickerID, bool)

	// KeyFor returns the canonical key for an id.
	KeyFor(id model.TickerID) (string, bool)

	// SpecFor returns the spec an id was registered with.
	SpecFor(id model.TickerID) (model.InstrumentSpec, bool)

	// ExpiryForLocalSymbol returns the contract month of a broker local symbol.
	ExpiryForLocalSymbol(localSymbol string) (string, bool)

	// Instruments returns every live entry ordered by ticker id.
	Instruments() []Instrument

	// Len returns the number of live entries.
	Len() int

	// Changes returns a channel of resolution events.
	Changes() <-chan Change

	// Stop cancels in-flight lookups and waits for them to exit.
	Stop(ctx context.Context) error
}

// StrikeOption narrows StrikesFor.
type StrikeOption func(*strikeFilter)

type strikeFilter struct {
	min, max       float64
	hasMin, hasMax bool
}

// WithMinStrike keeps strikes >= v.
func WithMinStrike(v float64) StrikeOption {
	return func(f *strikeFilter) { f.min, f.hasMin = v, true }
}

// WithMaxStrike keeps strikes <= v.
func WithMaxStrike(v float64) StrikeOption {
	return func(f *strikeFilter) { f.max, f.hasMax = v, true }
}

func (f strikeFilter) keep(v float64) bool {
	if f.hasMin && v < f.min {
		return false
	}
	if f.hasMax && v > f.max {
		return false
	}
	return true
}
