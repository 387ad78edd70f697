package model

import (
	"math"
	"strconv"
	"strings"
)

// TickerID is a dense local identifier for a unique instrument.
type TickerID int

// SentinelTickerID is reserved for the "SYMBOL" entry and never handed out.
const SentinelTickerID TickerID = 0

// -----------------------------------------------------------------------------
// Enumerations
// -----------------------------------------------------------------------------

// SecType is the broker security type tag.
type SecType string

const (
	SecStock            SecType = "STK"
	SecFuture           SecType = "FUT"
	SecOption           SecType = "OPT"
	SecFutureOption     SecType = "FOP"
	SecForex            SecType = "CASH"
	SecIndex            SecType = "IND"
	SecCombo            SecType = "BAG"
	SecContinuousFuture SecType = "CONTFUT"
)

// Valid reports whether s is a supported security type.
func (s SecType) Valid() bool {
	switch s {
	case SecStock, SecFuture, SecOption, SecFutureOption, SecForex, SecIndex, SecCombo, SecContinuousFuture:
		return true
	}
	return false
}

// IsOption reports whether s is an option family (OPT or FOP).
func (s SecType) IsOption() bool {
	return s == SecOption || s == SecFutureOption
}

// HasExpiry reports whether leaves of s carry an expiry.
func (s SecType) HasExpiry() bool {
	return s == SecFuture || s.IsOption()
}

// Right is an option right.
type Right string

const (
	RightNone Right = ""
	RightCall Right = "C"
	RightPut  Right = "P"
)

// ParseRight normalizes "CALL", "call", "C" and friends to a Right.
func ParseRight(s string) Right {
	s = strings.ToUpper(strings.TrimSpace(s))
	switch {
	case s == "":
		return RightNone
	case strings.HasPrefix(s, "C"):
		return RightCall
	case strings.HasPrefix(s, "P"):
		return RightPut
	}
	return Right(s)
}

// Action is the side of a combo leg.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// -----------------------------------------------------------------------------
// Instrument Types
// -----------------------------------------------------------------------------

// InstrumentSpec describes a tradable instrument as supplied by a caller.
// Treat values as immutable; use Clone before mutating a copy with legs.
type InstrumentSpec struct {
	Symbol     string
	SecType    SecType
	Exchange   string
	Currency   string
	Expiry     string  // YYYYMMDD or YYYYMM, empty when unspecified
	Strike     float64 // 0 when unspecified
	Right      Right
	Multiplier string
	Legs       []ComboLeg // combos only, in caller order
}

// ComboLeg is one component of a combo instrument.
type ComboLeg struct {
	Instrument InstrumentSpec
	Action     Action
	Ratio      int
	Exchange   string
	ConID      int64 // filled once the leg instrument is resolved
}

// Clone returns a deep copy of s.
func (s InstrumentSpec) Clone() InstrumentSpec {
	if len(s.Legs) == 0 {
		s.Legs = nil
		return s
	}
	legs := make([]ComboLeg, len(s.Legs))
	for i, leg := range s.Legs {
		leg.Instrument = leg.Instrument.Clone()
		legs[i] = leg
	}
	s.Legs = legs
	return s
}

// IsCombo reports whether s is a combo (BAG) instrument.
func (s InstrumentSpec) IsCombo() bool {
	return s.SecType == SecCombo
}

// ContractDetails is a single concrete contract returned by a detail lookup.
type ContractDetails struct {
	Contract       InstrumentSpec // concrete leaf (Expiry is the last trade date)
	ConID          int64
	LocalSymbol    string
	TradingClass   string
	ContractMonth  string // YYYYMM
	TradingHours   string
	LiquidHours    string
	MinTick        float64
	ValidExchanges string
	LongName       string
	TimeZoneID     string
	UnderConID     int64
}

// DetailRecord is the cached metadata for a ticker id.
type DetailRecord struct {
	TickerID       TickerID
	Downloaded     bool
	ConID          int64
	ContractMonth  string
	TradingHours   string
	LiquidHours    string
	MinTick        float64
	ValidExchanges string
	Multiplier     string
	LongName       string
	TimeZoneID     string
	Contracts      []ContractDetails // every concrete leaf matched by the spec
	Summary        ContractDetails   // representative leaf
}

// PlaceholderDetails returns the record reported for instruments whose
// details have not been downloaded yet.
func PlaceholderDetails() DetailRecord {
	return DetailRecord{
		TickerID:       SentinelTickerID,
		MinTick:        0.01,
		ValidExchanges: "SMART",
		Summary: ContractDetails{
			Contract: InstrumentSpec{
				Exchange: "SMART",
				Currency: "USD",
			},
		},
	}
}

// Ambiguous reports whether the record holds more than one concrete leaf.
func (d DetailRecord) Ambiguous() bool {
	return len(d.Contracts) > 1
}

// RoundToTick rounds val to the closest multiple of tick, keeping as many
// decimals as tick itself carries.
func RoundToTick(val, tick float64) float64 {
	if tick <= 0 {
		return val
	}
	rounded := math.Round(val/tick) * tick

	decimals := 0
	if s := strconv.FormatFloat(tick, 'f', -1, 64); strings.Contains(s, ".") {
		decimals = len(s) - strings.IndexByte(s, '.') - 1
	}
	pow := math.Pow10(decimals)
	return math.Round(rounded*pow) / pow
}
