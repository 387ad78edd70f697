package connection

import (
	"fmt"

	"github.com/rickgao/ibgate/internal/model"
)

// Message types on the bridge protocol.
const (
	msgContractDetails = "contract_details"
)

// request is a client → bridge message.
type request struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Contract wireContract `json:"contract"`
}

// response is a bridge → client reply correlated by ID.
type response struct {
	ID      string        `json:"id"`
	Type    string        `json:"type"`
	Details []wireDetails `json:"details,omitempty"`
	Error   *wireError    `json:"error,omitempty"`

	err error // local failure (connection dropped)
}

// wireError is an error reported by the gateway.
type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *wireError) Error() string {
	return fmt.Sprintf("gateway error %d: %s", e.Code, e.Message)
}

type wireContract struct {
	ConID        int64   `json:"con_id,omitempty"`
	Symbol       string  `json:"symbol"`
	SecType      string  `json:"sec_type"`
	Exchange     string  `json:"exchange,omitempty"`
	Currency     string  `json:"currency,omitempty"`
	Expiry       string  `json:"last_trade_date_or_contract_month,omitempty"`
	Strike       float64 `json:"strike,omitempty"`
	Right        string  `json:"right,omitempty"`
	Multiplier   string  `json:"multiplier,omitempty"`
	LocalSymbol  string  `json:"local_symbol,omitempty"`
	TradingClass string  `json:"trading_class,omitempty"`
}

type wireDetails struct {
	Contract       wireContract `json:"contract"`
	ContractMonth  string       `json:"contract_month"`
	TradingHours   string       `json:"trading_hours"`
	LiquidHours    string       `json:"liquid_hours"`
	MinTick        float64      `json:"min_tick"`
	ValidExchanges string       `json:"valid_exchanges"`
	LongName       string       `json:"long_name"`
	TimeZoneID     string       `json:"time_zone_id"`
	UnderConID     int64        `json:"under_con_id"`
}

func toWire(spec model.InstrumentSpec) wireContract {
	return wireContract{
		Symbol:     spec.Symbol,
		SecType:    string(spec.SecType),
		Exchange:   spec.Exchange,
		Currency:   spec.Currency,
		Expiry:     spec.Expiry,
		Strike:     spec.Strike,
		Right:      string(spec.Right),
		Multiplier: spec.Multiplier,
	}
}

func (d wireDetails) toModel() model.ContractDetails {
	c := d.Contract
	return model.ContractDetails{
		Contract: model.InstrumentSpec{
			Symbol:     c.Symbol,
			SecType:    model.SecType(c.SecType),
			Exchange:   c.Exchange,
			Currency:   c.Currency,
			Expiry:     c.Expiry,
			Strike:     c.Strike,
			Right:      model.ParseRight(c.Right),
			Multiplier: c.Multiplier,
		},
		ConID:          c.ConID,
		LocalSymbol:    c.LocalSymbol,
		TradingClass:   c.TradingClass,
		ContractMonth:  d.ContractMonth,
		TradingHours:   d.TradingHours,
		LiquidHours:    d.LiquidHours,
		MinTick:        d.MinTick,
		ValidExchanges: d.ValidExchanges,
		LongName:       d.LongName,
		TimeZoneID:     d.TimeZoneID,
		UnderConID:     d.UnderConID,
	}
}
