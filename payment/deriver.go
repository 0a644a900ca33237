package payment

import (
	"context"
	"fmt"
	"math"
	"sync"

	"loopofwork/wallet"
)

// NonceSource hands out the merchant's monotonic request counter.
type NonceSource interface {
	NextNonce(ctx context.Context) (uint32, error)
}

// DeriverOption customises the deriver.
type DeriverOption func(*Deriver)

// WithMemoization caches derived handles until Reset. Handles are a pure
// function of the nonce so caching never changes results.
func WithMemoization(enabled bool) DeriverOption {
	return func(d *Deriver) { d.memoize = enabled }
}

// Deriver builds per-request sub-account handles.
type Deriver struct {
	main    wallet.Wallet
	nonces  NonceSource
	memoize bool

	mu      sync.Mutex
	handles map[uint32]wallet.Wallet
}

// NewDeriver binds a deriver to the main wallet.
func NewDeriver(main wallet.Wallet, nonces NonceSource, opts ...DeriverOption) *Deriver {
	d := &Deriver{main: main, nonces: nonces, handles: make(map[uint32]wallet.Wallet)}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Derive returns the sub-account handle for nonce. Nonce zero is the main
// account and is never handed out as a sub-account.
func (d *Deriver) Derive(ctx context.Context, nonce uint32) (wallet.Wallet, error) {
	if nonce == 0 {
		return nil, fmt.Errorf("%w: nonce 0 is reserved for the main account", ErrDerivationFailed)
	}
	if d.main == nil {
		return nil, fmt.Errorf("%w: main wallet not configured", ErrDerivationFailed)
	}
	if d.memoize {
		d.mu.Lock()
		h, ok := d.handles[nonce]
		d.mu.Unlock()
		if ok {
			return h, nil
		}
	}
	h, err := d.main.WithAccountNumber(ctx, nonce)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: account %d: %v", ErrDerivationFailed, nonce, err)
	}
	if h == nil || h.AccountNumber() != nonce {
		return nil, fmt.Errorf("%w: wallet returned wrong account for %d", ErrDerivationFailed, nonce)
	}
	if d.memoize {
		d.mu.Lock()
		d.handles[nonce] = h
		d.mu.Unlock()
	}
	return h, nil
}

// AllocateNonce reserves the derivation index of the next request. The
// backend counter is the only source of nonces.
func (d *Deriver) AllocateNonce(ctx context.Context) (uint32, error) {
	if d.nonces == nil {
		return 0, fmt.Errorf("payment: nonce source not configured")
	}
	last, err := d.nonces.NextNonce(ctx)
	if err != nil {
		return 0, fmt.Errorf("allocate nonce: %w", err)
	}
	if last == math.MaxUint32 {
		return 0, fmt.Errorf("%w: nonce space exhausted", ErrDerivationFailed)
	}
	return last + 1, nil
}

// Reset drops memoized handles.
func (d *Deriver) Reset() {
	d.mu.Lock()
	d.handles = make(map[uint32]wallet.Wallet)
	d.mu.Unlock()
}
