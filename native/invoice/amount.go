package invoice

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// SatsPerBTC is the fixed number of satoshis in one bitcoin.
	SatsPerBTC int64 = 100_000_000
	// MaxSupplySats bounds any amount the ledger will accept.
	MaxSupplySats int64 = 21_000_000 * SatsPerBTC

	btcDecimals = 8
)

// ParseAmount converts a decimal amount in the given currency into exact
// satoshis. Amounts that cannot be represented without rounding are rejected.
func ParseAmount(raw string, currency Currency) (int64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, &ValidationError{Field: "amount", Reason: "amount required"}
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return 0, &ValidationError{Field: "amount", Reason: fmt.Sprintf("invalid decimal %q", raw)}
	}
	if value.Sign() <= 0 {
		return 0, &ValidationError{Field: "amount", Reason: "amount must be positive"}
	}
	var sats decimal.Decimal
	switch currency {
	case CurrencyBTC:
		sats = value.Shift(btcDecimals)
	case CurrencySats:
		sats = value
	default:
		return 0, &ValidationError{Field: "currency", Reason: fmt.Sprintf("unsupported currency %q", currency)}
	}
	if !sats.IsInteger() {
		return 0, &ValidationError{Field: "amount", Reason: fmt.Sprintf("%s %s is not a whole number of satoshis", trimmed, currency)}
	}
	if sats.GreaterThan(decimal.NewFromInt(MaxSupplySats)) {
		return 0, &ValidationError{Field: "amount", Reason: "amount exceeds bitcoin supply"}
	}
	return sats.IntPart(), nil
}

// BTCToSats converts a BTC decimal string to satoshis.
func BTCToSats(btc string) (int64, error) {
	return ParseAmount(btc, CurrencyBTC)
}

// SatsToBTC returns the exact BTC value of sats.
func SatsToBTC(sats int64) decimal.Decimal {
	return decimal.New(sats, -btcDecimals)
}

// FormatBTC renders sats as a BTC string with the full eight decimal places.
func FormatBTC(sats int64) string {
	return SatsToBTC(sats).StringFixed(btcDecimals)
}

// FormatAmount renders sats in the invoice's own currency.
func FormatAmount(sats int64, currency Currency) string {
	if currency == CurrencySats {
		return decimal.NewFromInt(sats).String()
	}
	return FormatBTC(sats)
}

// ParseReceived accepts either integer satoshis or a BTC decimal (identified by
// a decimal point) as reported by rail callbacks.
func ParseReceived(raw string) (int64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "0" {
		return 0, nil
	}
	if strings.Contains(trimmed, ".") {
		return BTCToSats(trimmed)
	}
	return ParseAmount(trimmed, CurrencySats)
}
