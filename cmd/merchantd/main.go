package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"loopofwork/backend"
	"loopofwork/cmd/internal/passphrase"
	"loopofwork/config"
	"loopofwork/identity"
	"loopofwork/identity/secretstore"
	"loopofwork/observability/logging"
	telemetry "loopofwork/observability/otel"
	"loopofwork/payment"
	"loopofwork/report"
	"loopofwork/storage/journal"
	"loopofwork/storage/settlelog"
	"loopofwork/wallet/rpcwallet"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "merchantd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfgPath, exportDir string
	flag.StringVar(&cfgPath, "config", "merchantd.toml", "path to merchantd configuration")
	flag.StringVar(&exportDir, "export", "", "write request and receipt exports to this directory and exit")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.Setup("merchantd", cfg.Env, logging.FileOptions{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "merchantd",
		Environment: cfg.Env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	walletClient, err := rpcwallet.NewClient(rpcwallet.Config{
		RPCURL:    cfg.Wallet.RPCURL,
		EventsURL: cfg.Wallet.EventsURL,
		AuthToken: cfg.Wallet.RPCToken,
		Network:   cfg.Wallet.Network,
		HTTP:      telemetry.HTTPClient(nil, 30*time.Second),
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer walletClient.Close()
	if strings.TrimSpace(cfg.Wallet.EventsURL) != "" {
		go func() {
			if err := walletClient.StreamEvents(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("wallet event stream stopped", slog.Any("error", err))
			}
		}()
	}
	mainWallet := walletClient.Main()
	if status, err := mainWallet.NetworkStatus(ctx); err != nil || !status.Active {
		logger.Warn("fast layer unavailable at startup", slog.String("status", status.Status), slog.Any("error", err))
	}

	api, err := backend.New(backend.Config{
		BaseURL:   cfg.BackendURL,
		Timeout:   cfg.Backend.Timeout.Duration,
		RateLimit: cfg.Backend.RateLimit,
		Burst:     cfg.Backend.Burst,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	auth, closeAuth, err := authenticate(ctx, cfg, api, logger)
	if err != nil {
		return err
	}
	defer closeAuth()
	logger.Info("authenticated", logging.MaskField("publicKey", auth.PublicKey()))

	feeJournal, err := journal.Open(cfg.Journal.Driver, cfg.Journal.DSN)
	if err != nil {
		return err
	}
	defer func() { _ = feeJournal.Close() }()
	settled, err := settlelog.Open(filepath.Join(cfg.DataDir, "settlements"))
	if err != nil {
		return err
	}
	defer func() { _ = settled.Close() }()

	fee, err := cfg.ActivationFee()
	if err != nil {
		return err
	}
	onPaid := func(req payment.Request) {
		logger.Info("payment received", slog.String("request", req.ID), slog.String("tx", req.SettledTx))
	}
	oracle := payment.NewOracle(cfg.Oracle.TTL.Duration, cfg.Oracle.MaxDeviation, cfg.Oracle.Breaker,
		payment.WithOracleLogger(logger))
	oracle.AddFeed("wallet", payment.WalletRates{Wallet: mainWallet})
	merchant, err := payment.NewMerchant(mainWallet, api, payment.MerchantConfig{
		FiatCurrency:  cfg.FiatCurrency,
		ActivationFee: fee,
		FeeSink:       cfg.Payments.FeeSinkAddress,
		BurnSink:      cfg.Payments.BurnSinkAddress,
		PollInterval:  cfg.Payments.PollInterval.Duration,
		QuoteTTL:      cfg.Payments.QuoteTTL.Duration,
	},
		payment.WithJournal(feeJournal),
		payment.WithSettleLog(settled),
		payment.WithRateSource(oracle),
		payment.WithAutoWatch(onPaid),
		payment.WithLogger(logger))
	if err != nil {
		return err
	}
	defer merchant.Close()

	if res, err := merchant.Open(ctx); err != nil {
		logger.Warn("startup reconciliation failed", slog.Any("error", err))
	} else if len(res.Claimed) > 0 {
		logger.Info("claimed pending deposits", slog.Int("count", len(res.Claimed)))
	}
	if fees, err := merchant.UnboundFees(ctx); err == nil && len(fees) > 0 {
		logger.Warn("activation fees awaiting a request", slog.Int("count", len(fees)))
	}

	if exportDir != "" {
		return export(ctx, merchant, settled, exportDir, logger)
	}

	started, err := merchant.WatchPending(ctx, nil)
	if err != nil {
		logger.Warn("watch pending requests", slog.Any("error", err))
	}
	logger.Info("watching pending requests", slog.Int("count", started))

	httpServer := &http.Server{
		Addr:         cfg.AdminListen,
		Handler:      NewAdminServer(merchant, settled, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		logger.Info("merchantd admin listening", slog.String("addr", cfg.AdminListen))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// authenticate resumes a cached session or logs in with the recovery phrase.
func authenticate(ctx context.Context, cfg *config.Config, api *backend.Client, logger *slog.Logger) (*identity.Authenticator, func(), error) {
	cachePass, err := passphrase.NewSource("LOW_CACHE_PASSPHRASE", "session cache passphrase").Get()
	if err != nil {
		return nil, nil, err
	}
	store, err := secretstore.Open(filepath.Join(cfg.DataDir, "session.db"), []byte(cachePass), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("open session cache: %w", err)
	}
	auth := identity.NewAuthenticator(api, identity.WithSecretCache(store), identity.WithLogger(logger))
	api.SetTokenSource(auth)
	closeFn := func() { _ = store.Close() }

	if auth.Resume() {
		if _, err := auth.Revalidate(ctx); err == nil {
			return auth, closeFn, nil
		}
		logger.Info("cached session rejected, logging in again")
	}
	phrase, err := passphrase.NewSource("LOW_RECOVERY_PHRASE", "wallet recovery phrase").Get()
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	if _, err := auth.LoginWithSecret(ctx, phrase, true); err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("login: %w", err)
	}
	return auth, closeFn, nil
}

func export(ctx context.Context, merchant *payment.Merchant, settled *settlelog.Log, dir string, logger *slog.Logger) error {
	reqs, err := merchant.Requests(ctx)
	if err != nil {
		return err
	}
	var receipts []payment.Receipt
	stats, err := merchant.Receipts().Stats(ctx, 0)
	switch {
	case errors.Is(err, payment.ErrNoIssuerToken):
	case err != nil:
		return err
	default:
		if receipts, err = report.CollectReceipts(ctx, merchant.Receipts(), stats.Transactions); err != nil {
			return err
		}
	}
	files, err := report.Export(dir, reqs, receipts, settled)
	if err != nil {
		return err
	}
	logger.Info("export written",
		slog.String("requests", files.RequestsParquet),
		slog.String("receipts", files.ReceiptsParquet),
		slog.Int("requestRows", len(reqs)),
		slog.Int("receiptRows", len(receipts)))
	return nil
}
