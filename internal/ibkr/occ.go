package ibkr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// occPattern matches the tail of an OCC option symbol: a 6-digit date,
// the right letter, and the strike encoded as strike*1000 zero-padded to
// 8 digits. The right is parsed only from the character following the
// date; matching a bare P or C elsewhere would misparse tickers that
// contain those letters.
var occPattern = regexp.MustCompile(`^(.{1,6}?)\s*(\d{6})([CP])(\d{8})$`)

// OCCSymbol is a decoded OCC option symbol.
type OCCSymbol struct {
	Underlying string
	Expiration time.Time // midnight ET of the expiry day
	Right      string    // "C" | "P"
	Strike     float64
}

// ParseOCC decodes an OCC-style option symbol such as
// "SPY   251215C00684000". The underlying may be space-padded.
func ParseOCC(symbol string) (*OCCSymbol, error) {
	m := occPattern.FindStringSubmatch(strings.TrimSpace(symbol))
	if m == nil {
		return nil, fmt.Errorf("not an OCC option symbol: %q", symbol)
	}

	exp, err := time.ParseInLocation("060102", m[2], occLocation())
	if err != nil {
		return nil, fmt.Errorf("bad OCC expiration in %q: %w", symbol, err)
	}

	strikeRaw, err := strconv.ParseInt(m[4], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad OCC strike in %q: %w", symbol, err)
	}

	return &OCCSymbol{
		Underlying: strings.TrimSpace(m[1]),
		Expiration: exp,
		Right:      m[3],
		Strike:     float64(strikeRaw) / 1000.0,
	}, nil
}

// StrikeCode encodes a strike the OCC way: strike*1000, zero-padded to 8
// digits. Used to match broker execution symbols against trade legs.
func StrikeCode(strike float64) string {
	return fmt.Sprintf("%08d", int64(strike*1000+0.5))
}

func occLocation() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.UTC
	}
	return loc
}
