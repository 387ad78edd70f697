package model

import "strings"

// Default routing for the instrument constructors below.
const (
	DefaultCurrency       = "USD"
	DefaultStockExchange  = "SMART"
	DefaultFutureExchange = "GLOBEX"
	DefaultForexExchange  = "IDEALPRO"
	DefaultIndexExchange  = "CBOE"

	// ContinuousPrefix marks a futures root as continuous ("@ES").
	ContinuousPrefix = "@"
)

// Stock returns a SMART-routed USD equity.
func Stock(symbol string) InstrumentSpec {
	return InstrumentSpec{
		Symbol:   symbol,
		SecType:  SecStock,
		Exchange: DefaultStockExchange,
		Currency: DefaultCurrency,
	}
}

// Future returns a GLOBEX future. A symbol prefixed with "@" yields a
// continuous future and the expiry is ignored.
func Future(symbol, expiry string) InstrumentSpec {
	if strings.HasPrefix(symbol, ContinuousPrefix) {
		return ContinuousFuture(strings.TrimPrefix(symbol, ContinuousPrefix), DefaultFutureExchange)
	}
	return InstrumentSpec{
		Symbol:   symbol,
		SecType:  SecFuture,
		Exchange: DefaultFutureExchange,
		Currency: DefaultCurrency,
		Expiry:   expiry,
	}
}

// Futures returns one future per expiry, or an undated root when none are given.
func Futures(symbol string, expiries ...string) []InstrumentSpec {
	if len(expiries) == 0 {
		return []InstrumentSpec{Future(symbol, "")}
	}
	out := make([]InstrumentSpec, 0, len(expiries))
	for _, exp := range expiries {
		out = append(out, Future(symbol, exp))
	}
	return out
}

// ContinuousFuture returns a continuous-future placeholder for a futures root.
func ContinuousFuture(symbol, exchange string) InstrumentSpec {
	if exchange == "" {
		exchange = DefaultFutureExchange
	}
	return InstrumentSpec{
		Symbol:   symbol,
		SecType:  SecContinuousFuture,
		Exchange: exchange,
		Currency: DefaultCurrency,
	}
}

// Option returns a SMART-routed equity option. Zero strike or empty
// expiry/right leave the spec ambiguous (a chain).
func Option(symbol, expiry string, strike float64, right Right) InstrumentSpec {
	return InstrumentSpec{
		Symbol:   symbol,
		SecType:  SecOption,
		Exchange: DefaultStockExchange,
		Currency: DefaultCurrency,
		Expiry:   expiry,
		Strike:   strike,
		Right:    right,
	}
}

// FutureOption returns an option on a future.
func FutureOption(symbol, expiry string, strike float64, right Right) InstrumentSpec {
	s := Option(symbol, expiry, strike, right)
	s.SecType = SecFutureOption
	s.Exchange = DefaultFutureExchange
	return s
}

// Options returns the cross product of expiries, strikes and rights.
// Empty dimensions contribute a single unspecified value; rights default to calls.
func Options(symbol string, expiries []string, strikes []float64, rights []Right) []InstrumentSpec {
	if len(expiries) == 0 {
		expiries = []string{""}
	}
	if len(strikes) == 0 {
		strikes = []float64{0}
	}
	if len(rights) == 0 {
		rights = []Right{RightCall}
	}

	out := make([]InstrumentSpec, 0, len(expiries)*len(strikes)*len(rights))
	for _, exp := range expiries {
		for _, strike := range strikes {
			for _, right := range rights {
				out = append(out, Option(symbol, exp, strike, right))
			}
		}
	}
	return out
}

// Forex returns an IDEALPRO cash pair such as EUR.USD.
func Forex(symbol, currency string) InstrumentSpec {
	if currency == "" {
		currency = DefaultCurrency
	}
	return InstrumentSpec{
		Symbol:   symbol,
		SecType:  SecForex,
		Exchange: DefaultForexExchange,
		Currency: currency,
	}
}

// Index returns a CBOE index.
func Index(symbol string) InstrumentSpec {
	return InstrumentSpec{
		Symbol:   symbol,
		SecType:  SecIndex,
		Exchange: DefaultIndexExchange,
		Currency: DefaultCurrency,
	}
}

// Leg returns a combo leg. Negative ratios are folded into their absolute
// value and the leg routes to the instrument's exchange.
func Leg(instrument InstrumentSpec, action Action, ratio int) ComboLeg {
	if ratio < 0 {
		ratio = -ratio
	}
	return ComboLeg{
		Instrument: instrument.Clone(),
		Action:     Action(strings.ToUpper(string(action))),
		Ratio:      ratio,
		Exchange:   instrument.Exchange,
	}
}

// Combo returns a BAG instrument routed to the first leg's exchange.
func Combo(symbol string, legs ...ComboLeg) InstrumentSpec {
	s := InstrumentSpec{
		Symbol:   symbol,
		SecType:  SecCombo,
		Currency: DefaultCurrency,
	}
	if len(legs) > 0 {
		s.Exchange = legs[0].Exchange
		s.Legs = make([]ComboLeg, len(legs))
		copy(s.Legs, legs)
	}
	return s
}

// WithExchange returns a copy of s routed to exchange.
func (s InstrumentSpec) WithExchange(exchange string) InstrumentSpec {
	s = s.Clone()
	s.Exchange = exchange
	return s
}

// WithCurrency returns a copy of s quoted in currency.
func (s InstrumentSpec) WithCurrency(currency string) InstrumentSpec {
	s = s.Clone()
	s.Currency = currency
	return s
}

// WithMultiplier returns a copy of s with the given contract multiplier.
func (s InstrumentSpec) WithMultiplier(multiplier string) InstrumentSpec {
	s = s.Clone()
	s.Multiplier = multiplier
	return s
}
