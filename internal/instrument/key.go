package instrument

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/rickgao/ibgate/internal/model"
)

const keySeparator = "_"

// monthCodes maps contract months 1-12 to futures month letters.
var monthCodes = [13]byte{0, 'F', 'G', 'H', 'J', 'K', 'M', 'N', 'Q', 'U', 'V', 'X', 'Z'}

// CanonicalKey returns the registry identity of spec. Only discriminating
// fields take part; exchange and currency are ignored except for cash pairs.
func CanonicalKey(spec model.InstrumentSpec) string {
	spec = trimSpec(spec)

	var body string
	switch spec.SecType {
	case model.SecOption, model.SecFutureOption:
		body = spec.Symbol + spec.Expiry + rightInitial(spec.Right) + formatStrike(spec.Strike) +
			keySeparator + string(spec.SecType)
	case model.SecFuture:
		body = spec.Symbol + futureMonth(spec.Expiry) + keySeparator + string(spec.SecType)
	case model.SecForex:
		body = spec.Symbol + spec.Currency + keySeparator + string(spec.SecType)
	case model.SecStock:
		body = spec.Symbol
	case model.SecCombo:
		body = spec.Symbol + keySeparator + string(spec.SecType) + comboLegs(spec.Legs)
	default:
		body = spec.Symbol + keySeparator + string(spec.SecType)
	}
	return NormalizeKey(body)
}

// trimSpec strips surrounding whitespace from the free-text fields so padded
// input keys and looks up the same as clean input. Legs are left as is;
// comboLegs keys each one through CanonicalKey.
func trimSpec(spec model.InstrumentSpec) model.InstrumentSpec {
	spec.Symbol = strings.TrimSpace(spec.Symbol)
	spec.Currency = strings.TrimSpace(spec.Currency)
	spec.Expiry = strings.TrimSpace(spec.Expiry)
	spec.Exchange = strings.TrimSpace(spec.Exchange)
	return spec
}

// NormalizeKey uppercases key and replaces spaces with underscores.
func NormalizeKey(key string) string {
	// Casers are stateful; one per call.
	key = cases.Upper(language.Und).String(strings.TrimSpace(key))
	return strings.ReplaceAll(key, " ", keySeparator)
}

func rightInitial(r model.Right) string {
	if r == model.RightNone {
		return ""
	}
	return string(r)[:1]
}

// formatStrike renders 200.5 as "00200500": five integer digits, three fraction.
func formatStrike(strike float64) string {
	frac := strconv.FormatFloat(strike, 'f', 3, 64)
	if i := strings.IndexByte(frac, '.'); i >= 0 {
		frac = frac[i+1:]
	}
	return fmt.Sprintf("%05d", int64(strike)) + frac
}

// futureMonth renders "20251219" as "Z2025". Undated roots render empty.
func futureMonth(expiry string) string {
	month, year, ok := splitContractMonth(expiry)
	if !ok {
		return expiry
	}
	return string(monthCodes[month]) + year
}

func splitContractMonth(expiry string) (month int, year string, ok bool) {
	if len(expiry) < 6 {
		return 0, "", false
	}
	m, err := strconv.Atoi(expiry[4:6])
	if err != nil || m < 1 || m > 12 {
		return 0, "", false
	}
	if _, err := strconv.Atoi(expiry[:4]); err != nil {
		return 0, "", false
	}
	return m, expiry[:4], true
}

// comboLegs renders legs in a stable order so reordered combos share a key.
func comboLegs(legs []model.ComboLeg) string {
	parts := make([]string, 0, len(legs))
	for _, leg := range legs {
		parts = append(parts, fmt.Sprintf("%s:%d:%s", leg.Action, leg.Ratio, CanonicalKey(leg.Instrument)))
	}
	sort.Strings(parts)
	return "[" + strings.Join(parts, ",") + "]"
}

// validate rejects specs that can never resolve.
func validate(spec model.InstrumentSpec) error {
	spec = trimSpec(spec)
	if spec.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidSpec)
	}
	if !spec.SecType.Valid() {
		return fmt.Errorf("%w: unknown security type %q", ErrInvalidSpec, spec.SecType)
	}

	switch spec.SecType {
	case model.SecFuture:
		if spec.Expiry != "" {
			if _, _, ok := splitContractMonth(spec.Expiry); !ok {
				return fmt.Errorf("%w: malformed expiry %q", ErrInvalidSpec, spec.Expiry)
			}
		}
	case model.SecOption, model.SecFutureOption:
		if spec.Strike < 0 {
			return fmt.Errorf("%w: negative strike", ErrInvalidSpec)
		}
		if spec.Right != model.RightNone && spec.Right != model.RightCall && spec.Right != model.RightPut {
			return fmt.Errorf("%w: unknown right %q", ErrInvalidSpec, spec.Right)
		}
	case model.SecCombo:
		if len(spec.Legs) == 0 {
			return fmt.Errorf("%w: combo %s has no legs", ErrInvalidSpec, spec.Symbol)
		}
		for i, leg := range spec.Legs {
			if leg.Ratio <= 0 {
				return fmt.Errorf("%w: leg %d ratio %d", ErrInvalidSpec, i, leg.Ratio)
			}
			if leg.Action != model.ActionBuy && leg.Action != model.ActionSell {
				return fmt.Errorf("%w: leg %d action %q", ErrInvalidSpec, i, leg.Action)
			}
			if leg.Instrument.IsCombo() {
				return fmt.Errorf("%w: leg %d is a combo", ErrInvalidSpec, i)
			}
			if err := validate(leg.Instrument); err != nil {
				return fmt.Errorf("leg %d: %w", i, err)
			}
		}
	}
	return nil
}
