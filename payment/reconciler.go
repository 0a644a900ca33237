package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"loopofwork/observability"
	"loopofwork/observability/logging"
	"loopofwork/wallet"
)

// ClaimFailure is one deposit that could not be claimed.
type ClaimFailure struct {
	TxID string
	Vout uint32
	Err  error
}

func (f *ClaimFailure) Error() string {
	return fmt.Sprintf("claim deposit %s:%d: %v", f.TxID, f.Vout, f.Err)
}

// Unwrap exposes both ErrClaimFailed and the wallet error.
func (f *ClaimFailure) Unwrap() []error {
	return []error{ErrClaimFailed, f.Err}
}

// ReconcileResult reports a reconciliation batch.
type ReconcileResult struct {
	Account  uint32
	Claimed  []wallet.Deposit
	Failures []ClaimFailure
}

// Err joins the per-deposit failures, or returns nil when every claim
// succeeded.
func (r ReconcileResult) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failures))
	for i := range r.Failures {
		errs = append(errs, &r.Failures[i])
	}
	return errors.Join(errs...)
}

// Reconciler claims unclaimed on-chain deposits into spendable balance.
type Reconciler struct {
	logger  *slog.Logger
	metrics *observability.PaymentMetrics
}

// NewReconciler constructs a reconciler.
func NewReconciler(logger *slog.Logger, metrics *observability.PaymentMetrics) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.Payments()
	}
	return &Reconciler{logger: logging.Component(logger, "reconciler"), metrics: metrics}
}

// Reconcile lists the handle's unclaimed deposits and claims them all at
// once. A failing claim never blocks the others; failures are collected in
// the result. The returned error only reports a failed listing.
func (r *Reconciler) Reconcile(ctx context.Context, w wallet.Wallet) (ReconcileResult, error) {
	result := ReconcileResult{Account: w.AccountNumber()}
	deposits, err := w.ListUnclaimedDeposits(ctx)
	if err != nil {
		return result, fmt.Errorf("list unclaimed deposits: %w", err)
	}
	if len(deposits) == 0 {
		return result, nil
	}

	errs := make([]error, len(deposits))
	var wg sync.WaitGroup
	for i, dep := range deposits {
		wg.Add(1)
		go func(i int, dep wallet.Deposit) {
			defer wg.Done()
			errs[i] = w.ClaimDeposit(ctx, dep.TxID, dep.Vout)
		}(i, dep)
	}
	wg.Wait()

	for i, dep := range deposits {
		r.metrics.RecordDepositClaim(errs[i])
		if errs[i] != nil {
			result.Failures = append(result.Failures, ClaimFailure{TxID: dep.TxID, Vout: dep.Vout, Err: errs[i]})
			r.logger.Warn("deposit claim failed",
				slog.Uint64("account", uint64(result.Account)),
				slog.String("txid", dep.TxID),
				slog.Uint64("vout", uint64(dep.Vout)),
				slog.Any("error", errs[i]))
			continue
		}
		dep.Claimed = true
		result.Claimed = append(result.Claimed, dep)
	}
	if len(result.Claimed) > 0 {
		r.logger.Info("deposits claimed",
			slog.Uint64("account", uint64(result.Account)),
			slog.Int("claimed", len(result.Claimed)),
			slog.Int("failed", len(result.Failures)))
	}
	return result, nil
}
