package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"loopofwork/backend"
	"loopofwork/observability"
	"loopofwork/observability/logging"
	telemetry "loopofwork/observability/otel"
	"loopofwork/storage/settlelog"
	"loopofwork/wallet"
)

// SettlementAPI is the backend surface the watcher reads and writes.
type SettlementAPI interface {
	GetPaymentRequest(ctx context.Context, id string) (*backend.PaymentRequest, error)
	Settle(ctx context.Context, id, txID string) error
	DeletePaymentRequest(ctx context.Context, id string) error
}

// WatcherOption customises the watcher.
type WatcherOption func(*Watcher)

// WithPollInterval configures the settlement polling cadence.
func WithPollInterval(interval time.Duration) WatcherOption {
	return func(w *Watcher) { w.interval = interval }
}

// WithWatcherLogger overrides the logger.
func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = logger }
}

// WithWatcherMetrics overrides the metrics registry.
func WithWatcherMetrics(m *observability.PaymentMetrics) WatcherOption {
	return func(w *Watcher) { w.metrics = m }
}

// WithWatcherClock sets the function used to derive timestamps.
func WithWatcherClock(now func() time.Time) WatcherOption {
	return func(w *Watcher) { w.now = now }
}

// Watcher detects settlement of requests. The backend is authoritative; the
// local log only guarantees that the first observed settlement is the one
// reported, however often it is re-read.
type Watcher struct {
	api      SettlementAPI
	log      *settlelog.Log
	deriver  *Deriver
	interval time.Duration
	logger   *slog.Logger
	metrics  *observability.PaymentMetrics
	now      func() time.Time
}

// NewWatcher constructs a watcher. deriver may be nil, in which case payment
// events do not trigger early polls.
func NewWatcher(api SettlementAPI, log *settlelog.Log, deriver *Deriver, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		api:      api,
		log:      log,
		deriver:  deriver,
		interval: time.Second,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.interval <= 0 {
		w.interval = time.Second
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.logger = logging.Component(w.logger, "watcher")
	if w.metrics == nil {
		w.metrics = observability.Payments()
	}
	return w
}

// Fetch reads a request and applies the settlement edge.
func (w *Watcher) Fetch(ctx context.Context, id string) (Request, error) {
	ctx, span := startSpan(ctx, "fetch_request", id)
	req, err := w.fetch(ctx, id)
	telemetry.Finish(span, err)
	return req, err
}

func (w *Watcher) fetch(ctx context.Context, id string) (Request, error) {
	rec, err := w.api.GetPaymentRequest(ctx, id)
	if err != nil {
		return Request{}, err
	}
	return w.Observe(ctx, *rec)
}

// Observe converts a backend record, recording the first settlement seen for
// it. A later, different settled_tx is logged as an anomaly and the first one
// is kept.
func (w *Watcher) Observe(ctx context.Context, rec backend.PaymentRequest) (Request, error) {
	req := FromRecord(rec)
	if w.log == nil {
		return req, nil
	}
	if req.SettledTx == "" {
		if entry, ok, err := w.log.Get(req.ID); err == nil && ok {
			w.logger.Error("backend cleared a recorded settlement",
				slog.String("request", req.ID), slog.String("settledTx", entry.TxID))
			req.SettledTx = entry.TxID
		}
		return req, nil
	}
	entry, created, err := w.log.Record(ctx, settlelog.Entry{
		RequestID:  req.ID,
		TxID:       req.SettledTx,
		Rail:       string(req.SettlementMode),
		ObservedAt: w.now().UTC(),
	})
	switch {
	case errors.Is(err, settlelog.ErrConflict):
		w.metrics.RecordSettlement(string(req.SettlementMode), "conflict")
		w.logger.Error("settlement changed after it was observed",
			slog.String("request", req.ID),
			slog.String("recorded", entry.TxID),
			slog.String("reported", req.SettledTx))
		req.SettledTx = entry.TxID
	case err != nil:
		return req, err
	case created:
		w.metrics.RecordSettlement(string(req.SettlementMode), "settled")
		w.logger.Info("request settled",
			slog.String("request", req.ID),
			slog.String("settledTx", req.SettledTx),
			slog.String("rail", string(req.SettlementMode)))
	}
	return req, nil
}

// Watch polls the request until it settles or ctx ends. Payments received by
// the request's sub-account trigger an immediate poll. The event
// subscription is released on return.
func (w *Watcher) Watch(ctx context.Context, id string) (Request, error) {
	req, err := w.Fetch(ctx, id)
	if err != nil {
		return Request{}, err
	}
	if req.Status() == StatusSettled {
		return req, nil
	}

	w.metrics.WatcherStarted()
	defer w.metrics.WatcherStopped()

	var events <-chan wallet.Event
	if w.deriver != nil && req.Nonce > 0 {
		if sub, err := w.deriver.Derive(ctx, req.Nonce); err == nil {
			subscription := sub.Subscribe(wallet.EventPaymentReceived)
			defer subscription.Close()
			events = subscription.Events()
		} else {
			w.logger.Warn("watching without payment events", slog.String("request", id), slog.Any("error", err))
		}
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return req, ctx.Err()
		case <-ticker.C:
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
		}
		next, err := w.Fetch(ctx, id)
		if err != nil {
			if errors.Is(err, backend.ErrNotFound) {
				return req, err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return req, ctxErr
			}
			w.logger.Warn("settlement poll failed", slog.String("request", id), slog.Any("error", err))
			continue
		}
		req = next
		if req.Status() == StatusSettled {
			return req, nil
		}
	}
}

// Confirm reports txID as the settlement of a request. Confirming the
// recorded settlement again is a no-op; a different transaction for a
// settled request fails with ErrAlreadySettled.
func (w *Watcher) Confirm(ctx context.Context, id, txID string) (Request, error) {
	txID = strings.TrimSpace(txID)
	if txID == "" {
		return Request{}, fmt.Errorf("%w: settlement tx required", ErrInvalidRequest)
	}
	req, err := w.Fetch(ctx, id)
	if err != nil {
		return Request{}, err
	}
	if req.Status() == StatusSettled {
		if req.SettledTx == txID {
			return req, nil
		}
		return req, fmt.Errorf("%w: %s settled by %s", ErrAlreadySettled, id, req.SettledTx)
	}
	if err := w.api.Settle(ctx, id, txID); err != nil {
		if backend.IsStatus(err, http.StatusConflict) {
			return req, fmt.Errorf("%w: %v", ErrAlreadySettled, err)
		}
		return req, err
	}
	return w.Fetch(ctx, id)
}

// Remove deletes a request that is still awaiting payment and whose
// sub-account holds nothing.
func (w *Watcher) Remove(ctx context.Context, id string) error {
	req, err := w.Fetch(ctx, id)
	if err != nil {
		return err
	}
	if req.Status() == StatusSettled {
		return fmt.Errorf("%w: %s is settled", ErrNotRemovable, id)
	}
	if req.Redeemed() {
		return fmt.Errorf("%w: %s has a recorded discount", ErrNotRemovable, id)
	}
	if w.deriver != nil && req.Nonce > 0 {
		sub, err := w.deriver.Derive(ctx, req.Nonce)
		if err != nil {
			return err
		}
		bal, err := sub.Balance(ctx)
		if err != nil {
			return fmt.Errorf("read balance: %w", err)
		}
		if bal.Sats > 0 {
			return fmt.Errorf("%w: %s holds %d sats", ErrNotRemovable, id, int64(bal.Sats))
		}
		deposits, err := sub.ListUnclaimedDeposits(ctx)
		if err != nil {
			return fmt.Errorf("list unclaimed deposits: %w", err)
		}
		if len(deposits) > 0 {
			return fmt.Errorf("%w: %s has %d pending deposits", ErrNotRemovable, id, len(deposits))
		}
	}
	return w.api.DeletePaymentRequest(ctx, id)
}
