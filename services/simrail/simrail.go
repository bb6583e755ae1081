// Package simrail is a regtest-flavoured payment backend for local development
// and tests. It mints payment requests and addresses, accepts payout
// transfers and produces the notifications a real node would send.
package simrail

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/google/uuid"
	"lukechampine.com/blake3"

	"btcescrow/native/invoice"
	"btcescrow/native/payout"
	"btcescrow/native/settlement"
)

const (
	lightningHRP = "lnbcrt"
	addressHRP   = "bcrt"
)

// ErrUnknownTarget is returned when an action references a target the
// simulator never minted.
var ErrUnknownTarget = errors.New("simrail: unknown target")

type target struct {
	id          string
	method      invoice.Method
	destination string
	amountSats  int64
	paidSats    int64
	expiresAt   time.Time
}

// Option configures the simulator.
type Option func(*Backend)

// WithClock overrides the simulator clock.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) {
		if now != nil {
			b.nowFn = now
		}
	}
}

// Backend implements settlement.Backend and payout.Transferer in memory.
type Backend struct {
	mu        sync.Mutex
	nowFn     func() time.Time
	targets   map[string]*target
	transfers map[string]payout.Transfer
	refs      map[string]string
	failures  int
	rejecting bool
}

// New returns an empty simulator.
func New(opts ...Option) *Backend {
	b := &Backend{
		nowFn:     time.Now,
		targets:   make(map[string]*target),
		transfers: make(map[string]payout.Transfer),
		refs:      make(map[string]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// FailNext makes the next n backend calls fail with a transient error.
func (b *Backend) FailNext(n int) {
	b.mu.Lock()
	b.failures = n
	b.mu.Unlock()
}

// Reject makes every call fail permanently until cleared.
func (b *Backend) Reject(on bool) {
	b.mu.Lock()
	b.rejecting = on
	b.mu.Unlock()
}

func (b *Backend) checkLocked() error {
	if b.rejecting {
		return fmt.Errorf("%w: simulator rejecting requests", settlement.ErrRejected)
	}
	if b.failures > 0 {
		b.failures--
		return fmt.Errorf("simrail: node temporarily unavailable")
	}
	return nil
}

// CreateLightningInvoice implements settlement.Backend.
func (b *Backend) CreateLightningInvoice(_ context.Context, req settlement.LightningRequest) (*settlement.LightningInvoice, error) {
	if req.AmountSats <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", settlement.ErrRejected)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkLocked(); err != nil {
		return nil, err
	}
	id := "ln_" + uuid.NewString()
	hash := blake3.Sum256([]byte(id + "|" + req.Memo))
	// Amounts are expressed in nano-bitcoin: one sat is ten units.
	hrp := lightningHRP + strconv.FormatInt(req.AmountSats*10, 10) + "n"
	pr, err := encode(hrp, hash[:])
	if err != nil {
		return nil, err
	}
	expires := b.nowFn().UTC().Add(req.Expiry)
	b.targets[id] = &target{
		id:          id,
		method:      invoice.MethodLightning,
		destination: pr,
		amountSats:  req.AmountSats,
		expiresAt:   expires,
	}
	return &settlement.LightningInvoice{ID: id, PaymentRequest: pr, ExpiresAt: expires}, nil
}

// NewAddress implements settlement.Backend.
func (b *Backend) NewAddress(_ context.Context, label string) (*settlement.OnchainAddress, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkLocked(); err != nil {
		return nil, err
	}
	id := "addr_" + uuid.NewString()
	addr, err := Address(id + "|" + label)
	if err != nil {
		return nil, err
	}
	b.targets[id] = &target{id: id, method: invoice.MethodOnchain, destination: addr}
	return &settlement.OnchainAddress{ID: id, Address: addr}, nil
}

// Transfer implements payout.Transferer. Replays of the same idempotency key
// return the original reference.
func (b *Backend) Transfer(_ context.Context, t payout.Transfer) (string, error) {
	if t.AmountSats <= 0 {
		return "", fmt.Errorf("%w: transfer amount must be positive", settlement.ErrRejected)
	}
	if err := payout.ValidateAddress(t.Destination); err != nil {
		return "", fmt.Errorf("%w: %v", settlement.ErrRejected, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if ref, ok := b.refs[t.IdempotencyKey]; ok && t.IdempotencyKey != "" {
		return ref, nil
	}
	if err := b.checkLocked(); err != nil {
		return "", err
	}
	sum := blake3.Sum256([]byte(t.IdempotencyKey + "|" + t.Destination))
	ref := "simtx_" + hex.EncodeToString(sum[:8])
	if t.IdempotencyKey != "" {
		b.refs[t.IdempotencyKey] = ref
	}
	b.transfers[ref] = t
	return ref, nil
}

// Transfers returns the accepted transfers keyed by reference.
func (b *Backend) Transfers() map[string]payout.Transfer {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]payout.Transfer, len(b.transfers))
	for k, v := range b.transfers {
		out[k] = v
	}
	return out
}

// Pay simulates a payer sending amountSats to the target. Lightning payments
// settle immediately; on-chain payments are first seen in the mempool. A zero
// amount pays the requested amount.
func (b *Backend) Pay(targetID string, amountSats int64) (invoice.Method, settlement.Notification, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.targets[strings.TrimSpace(targetID)]
	if !ok {
		return "", settlement.Notification{}, fmt.Errorf("%w: %s", ErrUnknownTarget, targetID)
	}
	if amountSats <= 0 {
		amountSats = t.amountSats
	}
	if amountSats <= 0 {
		return "", settlement.Notification{}, &invoice.ValidationError{Field: "amount", Reason: "amount required for address payments"}
	}
	t.paidSats = amountSats
	n := settlement.Notification{TargetID: t.id, AmountSats: amountSats, At: b.nowFn().UTC()}
	if t.method == invoice.MethodLightning {
		n.Kind = settlement.EventSettled
	} else {
		n.Kind = settlement.EventSeen
	}
	return t.method, n, nil
}

// Confirm reports confirmations for an on-chain payment previously made with
// Pay.
func (b *Backend) Confirm(targetID string, confirmations int) (invoice.Method, settlement.Notification, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.targets[strings.TrimSpace(targetID)]
	if !ok {
		return "", settlement.Notification{}, fmt.Errorf("%w: %s", ErrUnknownTarget, targetID)
	}
	if t.method != invoice.MethodOnchain {
		return "", settlement.Notification{}, &invoice.ValidationError{Field: "targetId", Reason: "only address payments confirm"}
	}
	if t.paidSats == 0 {
		return "", settlement.Notification{}, &invoice.ValidationError{Field: "targetId", Reason: "no payment seen"}
	}
	if confirmations < 1 {
		return "", settlement.Notification{}, &invoice.ValidationError{Field: "confirmations", Reason: "must be at least 1"}
	}
	return t.method, settlement.Notification{
		TargetID:      t.id,
		Kind:          settlement.EventConfirmed,
		AmountSats:    t.paidSats,
		Confirmations: confirmations,
		At:            b.nowFn().UTC(),
	}, nil
}

// Address derives a deterministic regtest P2WPKH-shaped address from seed.
func Address(seed string) (string, error) {
	sum := blake3.Sum256([]byte(seed))
	program, err := bech32.ConvertBits(sum[:20], 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("simrail: address: %w", err)
	}
	return bech32.Encode(addressHRP, append([]byte{0}, program...))
}

func encode(hrp string, payload []byte) (string, error) {
	data, err := bech32.ConvertBits(payload, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("simrail: payment request: %w", err)
	}
	out, err := bech32.Encode(hrp, data)
	if err != nil {
		return "", fmt.Errorf("simrail: payment request: %w", err)
	}
	return out, nil
}
