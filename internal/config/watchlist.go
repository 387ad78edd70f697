package config

import (
	"fmt"
	"strings"

	"github.com/rickgao/ibgate/internal/model"
)

// Spec converts the entry to an instrument spec. Exchange, currency and
// multiplier override the per-type defaults when set.
func (ic InstrumentConfig) Spec() (model.InstrumentSpec, error) {
	if ic.Symbol == "" {
		return model.InstrumentSpec{}, fmt.Errorf("symbol is required")
	}

	secType := model.SecType(strings.ToUpper(ic.SecType))
	if secType == "" {
		secType = model.SecStock
	}

	var spec model.InstrumentSpec
	switch secType {
	case model.SecStock:
		spec = model.Stock(ic.Symbol)
	case model.SecFuture:
		spec = model.Future(ic.Symbol, ic.Expiry)
	case model.SecContinuousFuture:
		spec = model.ContinuousFuture(ic.Symbol, ic.Exchange)
	case model.SecOption:
		spec = model.Option(ic.Symbol, ic.Expiry, ic.Strike, model.ParseRight(ic.Right))
	case model.SecFutureOption:
		spec = model.FutureOption(ic.Symbol, ic.Expiry, ic.Strike, model.ParseRight(ic.Right))
	case model.SecForex:
		spec = model.Forex(ic.Symbol, ic.Currency)
	case model.SecIndex:
		spec = model.Index(ic.Symbol)
	case model.SecCombo:
		if len(ic.Legs) == 0 {
			return model.InstrumentSpec{}, fmt.Errorf("combo %s has no legs", ic.Symbol)
		}
		legs := make([]model.ComboLeg, 0, len(ic.Legs))
		for i, lc := range ic.Legs {
			legSpec, err := lc.InstrumentConfig.Spec()
			if err != nil {
				return model.InstrumentSpec{}, fmt.Errorf("leg %d: %w", i, err)
			}
			action := model.Action(strings.ToUpper(lc.Action))
			if action == "" {
				action = model.ActionBuy
			}
			ratio := lc.Ratio
			if ratio == 0 {
				ratio = 1
			}
			legs = append(legs, model.Leg(legSpec, action, ratio))
		}
		spec = model.Combo(ic.Symbol, legs...)
	default:
		return model.InstrumentSpec{}, fmt.Errorf("unknown sec_type %q", ic.SecType)
	}

	if ic.Exchange != "" {
		spec = spec.WithExchange(ic.Exchange)
	}
	if ic.Currency != "" {
		spec = spec.WithCurrency(ic.Currency)
	}
	if ic.Multiplier != "" {
		spec = spec.WithMultiplier(ic.Multiplier)
	}
	return spec, nil
}

// WatchlistSpecs converts every watchlist entry.
func (c *Config) WatchlistSpecs() ([]model.InstrumentSpec, error) {
	specs := make([]model.InstrumentSpec, 0, len(c.Watchlist))
	for i, ic := range c.Watchlist {
		spec, err := ic.Spec()
		if err != nil {
			return nil, fmt.Errorf("watchlist[%d]: %w", i, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
