package stability

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// SatsPerBTC is the number of satoshis in one bitcoin.
const SatsPerBTC = 100_000_000

var (
	decSatsPerBTC = decimal.NewFromInt(SatsPerBTC)
	decMsatPerBTC = decimal.NewFromInt(SatsPerBTC * 1000)
	decHundred    = decimal.NewFromInt(100)
)

// Role is the side of the peg this node plays.
type Role int

const (
	// RoleReceiver holds the USD-pegged balance.
	RoleReceiver Role = iota
	// RoleProvider absorbs the residual BTC price exposure.
	RoleProvider
)

func (r Role) String() string {
	switch r {
	case RoleReceiver:
		return "receiver"
	case RoleProvider:
		return "provider"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseRole accepts "receiver" or "provider" (case-insensitive).
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "receiver", "stable_receiver", "user":
		return RoleReceiver, nil
	case "provider", "stable_provider", "lsp":
		return RoleProvider, nil
	default:
		return 0, fmt.Errorf("unknown role %q", s)
	}
}

// BTCFromSats converts satoshis to a BTC amount.
func BTCFromSats(sats uint64) decimal.Decimal {
	return decimal.NewFromUint64(sats).Div(decSatsPerBTC)
}

// USDFromSats values a satoshi amount at the given BTC/USD price.
func USDFromSats(sats uint64, price decimal.Decimal) decimal.Decimal {
	return decimal.NewFromUint64(sats).Mul(price).Div(decSatsPerBTC)
}

// MsatFromUSD converts a USD amount into millisatoshis at price, truncating
// toward zero. The sign of usd is ignored.
func MsatFromUSD(usd, price decimal.Decimal) uint64 {
	if price.Sign() <= 0 {
		return 0
	}
	q, _ := usd.Abs().Mul(decMsatPerBTC).QuoRem(price, 0)
	if q.Sign() <= 0 {
		return 0
	}
	return q.BigInt().Uint64()
}
