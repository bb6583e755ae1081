package escrow

import (
	"fmt"
	"time"
)

const (
	DefaultGraceWindow     = 30 * time.Second
	DefaultStalenessWindow = 24 * time.Hour
	DefaultMaxReprompts    = 2
	DefaultLateWindow      = time.Hour
	DefaultFeeBps          = 500

	maxFeeBps = 10_000
)

// Policy holds the tunable timing and matching rules of the state machine.
type Policy struct {
	// GraceWindow is how long after a Lightning expiry a settlement still wins.
	GraceWindow time.Duration
	// StalenessWindow is how long an on-chain target may sit without activity
	// before the payer is re-prompted.
	StalenessWindow time.Duration
	// MaxReprompts bounds re-prompts before a stale invoice expires.
	MaxReprompts int
	// AmountToleranceSats is the accepted absolute difference between the
	// received and invoiced amount. Zero requires an exact match.
	AmountToleranceSats int64
	// LateWindow keeps watches alive after an invoice closes so late money
	// movement is still surfaced.
	LateWindow time.Duration
	// FeeBps is the platform fee applied by the payout splitter.
	FeeBps uint32
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		GraceWindow:     DefaultGraceWindow,
		StalenessWindow: DefaultStalenessWindow,
		MaxReprompts:    DefaultMaxReprompts,
		LateWindow:      DefaultLateWindow,
		FeeBps:          DefaultFeeBps,
	}
}

// Validate checks the policy for nonsensical values.
func (p Policy) Validate() error {
	if p.GraceWindow < 0 {
		return fmt.Errorf("grace window must be non-negative")
	}
	if p.StalenessWindow <= 0 {
		return fmt.Errorf("staleness window must be positive")
	}
	if p.MaxReprompts < 0 {
		return fmt.Errorf("max reprompts must be non-negative")
	}
	if p.AmountToleranceSats < 0 {
		return fmt.Errorf("amount tolerance must be non-negative")
	}
	if p.FeeBps > maxFeeBps {
		return fmt.Errorf("fee bps must be between 0 and %d", maxFeeBps)
	}
	if p.LateWindow < 0 {
		return fmt.Errorf("late window must be non-negative")
	}
	return nil
}
