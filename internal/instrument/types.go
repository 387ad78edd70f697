package instrument

import (
	"context"
	"errors"
	"time"

	"github.com/rickgao/ibgate/internal/model"
)

// Errors
var (
	ErrInvalidSpec        = errors.New("invalid instrument spec")
	ErrInstrumentNotFound = errors.New("instrument not found")
	ErrLegUnresolved      = errors.New("combo leg unresolved")
	ErrNoDetails          = errors.New("lookup returned no details")
	ErrLookupFailed       = errors.New("detail lookup failed")
	ErrStopped            = errors.New("registry stopped")
)

// ChangeBufferSize is the capacity of the Change channel.
const ChangeBufferSize = 1000

// Lookup results reported to the Observer.
const (
	ResultOK    = "ok"
	ResultEmpty = "empty"
	ResultError = "error"
)

// DetailSource performs detail lookups against the gateway.
type DetailSource interface {
	LookupDetails(ctx context.Context, spec model.InstrumentSpec) ([]model.ContractDetails, error)
}

// Sink persists downloaded detail records.
type Sink interface {
	SaveDetails(ctx context.Context, key string, spec model.InstrumentSpec, rec model.DetailRecord) error
}

// Observer receives registry measurements.
type Observer interface {
	ObserveLookup(result string, elapsed time.Duration)
	ObserveRegistrySize(n int)
}

// ChangeType identifies a registry transition.
type ChangeType string

const (
	ChangeResolved ChangeType = "resolved"
	ChangeFailed   ChangeType = "failed"
	ChangeEvicted  ChangeType = "evicted"
)

// Change is emitted when an instrument's details arrive, fail or are evicted.
type Change struct {
	TickerID model.TickerID
	Key      string
	Type     ChangeType
	Leaves   int   // concrete leaves in the record (resolved only)
	Err      error // failed only
}

// Instrument is a registry entry as seen by consumers.
type Instrument struct {
	TickerID   model.TickerID
	Key        string
	Spec       model.InstrumentSpec
	Downloaded bool
	Pending    bool
	Err        error
}

// Config holds Instrument Registry configuration.
type Config struct {
	LookupTimeout          time.Duration // per detail lookup
	LegPollAttempts        int           // combo legs: polls per leg
	LegPollInterval        time.Duration
	ContinuousPollAttempts int // continuous futures: polls per try
	ContinuousPollInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		LookupTimeout:          30 * time.Second,
		LegPollAttempts:        100,
		LegPollInterval:        50 * time.Millisecond,
		ContinuousPollAttempts: 50,
		ContinuousPollInterval: 100 * time.Millisecond,
	}
}
