package payout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"

	"btcescrow/native/invoice"
)

// Leg names one side of a payout.
type Leg string

const (
	LegPayee Leg = "payee"
	LegFee   Leg = "fee"
)

// Transfer describes a single outbound rail payment.
type Transfer struct {
	IdempotencyKey string
	InvoiceID      string
	Leg            Leg
	Method         invoice.Method
	Destination    string
	AmountSats     int64
}

// Transferer submits transfers to a settlement rail. Implementations must treat
// IdempotencyKey as a dedupe key so retries never move funds twice.
type Transferer interface {
	Transfer(ctx context.Context, t Transfer) (string, error)
}

// FuncTransferer adapts a function into a Transferer.
type FuncTransferer func(ctx context.Context, t Transfer) (string, error)

// Transfer implements Transferer.
func (f FuncTransferer) Transfer(ctx context.Context, t Transfer) (string, error) {
	if f == nil {
		return "", fmt.Errorf("transfer function not configured")
	}
	return f(ctx, t)
}

// Directory resolves where a user's payouts are sent.
type Directory interface {
	Destination(ctx context.Context, userID string) (string, error)
}

// StaticDirectory maps user ids to bech32 payout addresses.
type StaticDirectory struct {
	entries  map[string]string
	fallback string
}

// NewStaticDirectory validates every address and returns a directory. The
// fallback, when set, is used for users without an entry.
func NewStaticDirectory(entries map[string]string, fallback string) (*StaticDirectory, error) {
	cleaned := make(map[string]string, len(entries))
	for user, addr := range entries {
		addr = strings.TrimSpace(addr)
		if err := ValidateAddress(addr); err != nil {
			return nil, fmt.Errorf("payout destination for %s: %w", user, err)
		}
		cleaned[strings.TrimSpace(user)] = addr
	}
	fallback = strings.TrimSpace(fallback)
	if fallback != "" {
		if err := ValidateAddress(fallback); err != nil {
			return nil, fmt.Errorf("fallback payout destination: %w", err)
		}
	}
	return &StaticDirectory{entries: cleaned, fallback: fallback}, nil
}

// Destination implements Directory.
func (d *StaticDirectory) Destination(_ context.Context, userID string) (string, error) {
	if addr, ok := d.entries[strings.TrimSpace(userID)]; ok {
		return addr, nil
	}
	if d.fallback != "" {
		return d.fallback, nil
	}
	return "", &invoice.NotFoundError{Kind: "payout destination", ID: userID}
}

// ErrUnsupportedWitness is returned for segwit destinations above witness
// version 0. Those use the bech32m checksum (BIP-350), which the bech32
// decoder in use cannot verify, so taproot (bc1p...) payouts are refused
// rather than accepted unchecked.
var ErrUnsupportedWitness = errors.New("unsupported witness version")

// ValidateAddress checks that addr is a well formed witness v0 (P2WPKH or
// P2WSH) address for a bitcoin network.
func ValidateAddress(addr string) error {
	lower := strings.ToLower(addr)
	if sep := strings.LastIndexByte(lower, '1'); sep > 0 && sep+1 < len(lower) && lower[sep+1] != 'q' {
		return fmt.Errorf("%w: %q", ErrUnsupportedWitness, lower[:sep+2])
	}
	hrp, data, err := bech32.Decode(addr)
	if err != nil {
		return fmt.Errorf("invalid bech32 address: %w", err)
	}
	switch hrp {
	case "bc", "tb", "bcrt":
	default:
		return fmt.Errorf("unexpected address prefix %q", hrp)
	}
	if len(data) == 0 {
		return fmt.Errorf("empty witness program")
	}
	if data[0] != 0 {
		return fmt.Errorf("%w: %d", ErrUnsupportedWitness, data[0])
	}
	program, err := bech32.ConvertBits(data[1:], 5, 8, false)
	if err != nil {
		return fmt.Errorf("invalid witness program: %w", err)
	}
	if len(program) != 20 && len(program) != 32 {
		return fmt.Errorf("witness program length %d, want 20 or 32", len(program))
	}
	return nil
}
