package stream

import (
	"strconv"
	"strings"
)

// Broker field codes. The extended-hours slots apply to equities; the
// same numeric range is reused by the broker for option Greeks, so the
// decoder picks the meaning from the subscription's kind.
const (
	fieldLast          = "31"
	fieldBid           = "84"
	fieldAsk           = "86"
	fieldDayHigh       = "70"
	fieldDayLow        = "71"
	fieldOvernightLast = "7682"
	fieldPreMarketLast = "7741"
	fieldAfterHours    = "7762"

	fieldDelta        = "7308"
	fieldGamma        = "7309"
	fieldTheta        = "7310"
	fieldVega         = "7633"
	fieldIV           = "7283"
	fieldOpenInterest = "7311"
)

// StockFields is the default subscription set for equities.
var StockFields = []string{
	fieldLast, fieldBid, fieldAsk, fieldDayHigh, fieldDayLow,
	fieldOvernightLast, fieldPreMarketLast, fieldAfterHours,
}

// OptionFields is the default subscription set for option contracts.
var OptionFields = []string{
	fieldLast, fieldBid, fieldAsk,
	fieldDelta, fieldGamma, fieldTheta, fieldVega, fieldIV, fieldOpenInterest,
}

// parsePrice decodes a broker price string. A leading C marks the value
// as a closing price and H as halted; both prefixes are stripped before
// parsing.
func parsePrice(raw string) (value float64, closing bool, ok bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, false, false
	}
	switch s[0] {
	case 'C':
		closing = true
		s = s[1:]
	case 'H':
		s = s[1:]
	}
	s = strings.ReplaceAll(s, ",", "")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false, false
	}
	return v, closing, true
}

// priceSane checks a decoded price against the per-symbol sanity band.
// Bad extended-hours prints outside the band are discarded rather than
// poisoning the cache.
func priceSane(symbol string, price float64) bool {
	switch symbol {
	case "SPY":
		return price >= 100 && price <= 2000
	case "VIX":
		return price >= 5 && price <= 100
	default:
		return price > 0 && price < 10000
	}
}

// applyTick merges one smd payload into a quote. Equities prefer a sane
// extended-hours price over the stale regular-session last.
func applyTick(q *Quote, kind string, fields map[string]string) {
	set := func(raw string, dst *float64) {
		if v, _, ok := parsePrice(raw); ok {
			*dst = v
		}
	}

	if raw, ok := fields[fieldLast]; ok {
		if v, closing, valid := parsePrice(raw); valid && priceSane(q.Symbol, v) {
			q.Last = v
			q.Closing = closing
		}
	}
	if raw, ok := fields[fieldBid]; ok {
		set(raw, &q.Bid)
	}
	if raw, ok := fields[fieldAsk]; ok {
		set(raw, &q.Ask)
	}

	if kind == "option" {
		if raw, ok := fields[fieldDelta]; ok {
			set(raw, &q.Delta)
		}
		if raw, ok := fields[fieldGamma]; ok {
			set(raw, &q.Gamma)
		}
		if raw, ok := fields[fieldTheta]; ok {
			set(raw, &q.Theta)
		}
		if raw, ok := fields[fieldVega]; ok {
			set(raw, &q.Vega)
		}
		if raw, ok := fields[fieldIV]; ok {
			set(raw, &q.IV)
		}
		if raw, ok := fields[fieldOpenInterest]; ok {
			set(raw, &q.OpenInterest)
		}
		return
	}

	if raw, ok := fields[fieldDayHigh]; ok {
		set(raw, &q.DayHigh)
	}
	if raw, ok := fields[fieldDayLow]; ok {
		set(raw, &q.DayLow)
	}

	// Extended-hours slots, newest session first
	for _, code := range []string{fieldAfterHours, fieldPreMarketLast, fieldOvernightLast} {
		raw, ok := fields[code]
		if !ok {
			continue
		}
		if v, _, valid := parsePrice(raw); valid && priceSane(q.Symbol, v) {
			q.ExtendedLast = v
			break
		}
	}
}
