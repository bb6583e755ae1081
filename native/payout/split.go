package payout

import (
	"fmt"

	"github.com/holiman/uint256"

	"btcescrow/native/invoice"
)

// MaxFeeBps is the largest fee rate accepted, 100%.
const MaxFeeBps uint32 = 10_000

var bpsDenominator = uint256.NewInt(uint64(MaxFeeBps))

// Split divides heldSats into payee and fee portions. The fee is floored, so
// any remainder stays with the payee and payee+fee always equals heldSats.
func Split(heldSats int64, feeBps uint32) (invoice.PayoutSplit, error) {
	if heldSats < 0 {
		return invoice.PayoutSplit{}, fmt.Errorf("payout: held amount must be non-negative: %d", heldSats)
	}
	if feeBps > MaxFeeBps {
		return invoice.PayoutSplit{}, fmt.Errorf("payout: fee bps out of range: %d", feeBps)
	}
	fee := new(uint256.Int).Mul(uint256.NewInt(uint64(heldSats)), uint256.NewInt(uint64(feeBps)))
	fee.Div(fee, bpsDenominator)
	feeSats := int64(fee.Uint64())
	return invoice.PayoutSplit{
		PayeeSats: heldSats - feeSats,
		FeeSats:   feeSats,
		FeeBps:    feeBps,
	}, nil
}
