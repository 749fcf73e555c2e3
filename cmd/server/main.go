// dealbroker - autonomous negotiation and settlement server
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ashureev/dealbroker/internal/api"
	"github.com/ashureev/dealbroker/internal/config"
	"github.com/ashureev/dealbroker/internal/directory"
	"github.com/ashureev/dealbroker/internal/middleware"
	"github.com/ashureev/dealbroker/internal/negotiation"
	"github.com/ashureev/dealbroker/internal/orchestrator"
	"github.com/ashureev/dealbroker/internal/payment"
	"github.com/ashureev/dealbroker/internal/settlement"
	"github.com/ashureev/dealbroker/internal/store"
	"github.com/ashureev/dealbroker/internal/stream"
	"github.com/ashureev/dealbroker/internal/strategy"
	"github.com/ashureev/dealbroker/internal/strategy/llm"
	"github.com/ashureev/dealbroker/internal/strategy/remote"
	"github.com/ashureev/dealbroker/internal/sweeper"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	slog.Info("Starting server",
		"port", cfg.Port,
		"dev", cfg.IsDevelopment(),
		"ledger", cfg.LedgerDriver,
		"payment", cfg.Payment.Mode,
		"seller_strategy", cfg.Strategy.Seller,
		"buyer_strategy", cfg.Strategy.Buyer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				slog.Error("Failed to close resource", "error", err)
			}
		}
	}()

	ledger, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	closers = append(closers, ledger)

	if err := ledger.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected", "driver", cfg.LedgerDriver)

	dir, err := directory.LoadFile(cfg.DirectoryFile, cfg.KeySecret, logger)
	if err != nil {
		return fmt.Errorf("load directory: %w", err)
	}
	watchReload(ctx, dir)

	gateway, verifier, err := openPayment(ctx, cfg, dir, &closers)
	if err != nil {
		return err
	}

	healthExtra := map[string]api.Pinger{}
	var locker settlement.Locker
	if cfg.RedisURL != "" {
		rl, err := settlement.NewRedisLocker(ctx, cfg.RedisURL, logger)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		closers = append(closers, rl)
		locker = rl
		healthExtra["redis"] = rl
	}

	var observer negotiation.Observer
	var closer sweeper.Closer
	var hub *stream.Hub
	if cfg.StreamEnabled {
		hub = stream.NewHub(firstOrigin(cfg), cfg.IsDevelopment(), logger)
		observer, closer = hub, hub
	}

	pair, err := buildPair(cfg, logger, &closers)
	if err != nil {
		return err
	}

	settler := settlement.NewEngine(ledger, dir, dir, gateway, verifier, locker, settlement.Config{
		Timeout: cfg.SettleTimeout,
		LockTTL: cfg.SettleLockTTL,
	}, logger)

	negotiator := negotiation.NewEngine(ledger, observer, negotiation.Config{
		PersistTimeout:  cfg.Negotiation.PersistTimeout,
		StrategyTimeout: cfg.Strategy.Timeout,
	}, logger)

	orch := orchestrator.New(orchestrator.Deps{
		Ledger:     ledger,
		Agents:     dir,
		Catalog:    dir,
		Strategies: strategy.Static(pair),
		Negotiator: negotiator,
		Settler:    settler,
	}, orchestrator.Config{
		DefaultRoundLimit: cfg.Negotiation.DefaultRoundLimit,
		MaxRoundLimit:     cfg.Negotiation.MaxRoundLimit,
		Currency:          cfg.Negotiation.Currency,
	}, logger)

	sweeper.New(ledger, closer, sweeper.Config{
		Interval: cfg.Sweeper.Interval,
		StaleTTL: cfg.Sweeper.StaleTTL,
	}, logger).Start(ctx)

	limiter := middleware.NewRateLimiter(ctx, cfg.RateLimit.Requests, cfg.RateLimit.Window)

	routerCfg := api.RouterConfig{
		Handler:        api.NewHandler(orch, limiter, logger),
		Health:         api.NewHealthHandler(ledger, cfg.HealthTimeout, healthExtra),
		AllowedOrigins: cfg.AllowedOrigins(),
	}
	if hub != nil {
		routerCfg.Stream = hub
	}

	// Negotiations with model-backed strategies can run for minutes, so
	// there is no write timeout.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(routerCfg),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

func openLedger(ctx context.Context, cfg *config.Config) (store.Ledger, error) {
	switch cfg.LedgerDriver {
	case config.DriverPostgres:
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("initialize postgres ledger: %w", err)
		}
		return pg, nil
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		lite, err := store.NewSQLite(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("initialize sqlite ledger: %w", err)
		}
		return lite, nil
	}
}

func openPayment(ctx context.Context, cfg *config.Config, dir *directory.File, closers *[]io.Closer) (payment.Gateway, payment.Verifier, error) {
	if cfg.Payment.Mode == config.PaymentEVM {
		client, err := payment.DialEVM(ctx, cfg.Payment.ChainRPCURL)
		if err != nil {
			return nil, nil, err
		}
		*closers = append(*closers, closerFunc(func() error {
			client.Close()
			return nil
		}))

		evmCfg := payment.EVMConfig{Decimals: int32(cfg.Payment.TokenDecimals)}
		if cfg.Payment.TokenAddress != "" {
			token := common.HexToAddress(cfg.Payment.TokenAddress)
			evmCfg.Token = &token
		}
		slog.Info("EVM payment rail ready", "token", cfg.Payment.TokenAddress, "decimals", evmCfg.Decimals)
		return payment.NewEVMGateway(client, evmCfg), payment.NewEVMVerifier(client, evmCfg), nil
	}

	sandbox := payment.NewSandbox(payment.WithFeeRate(decimal.NewFromFloat(cfg.Payment.SandboxFee)))
	funds := decimal.NewFromFloat(cfg.Payment.SandboxFunds)
	funded := 0
	for _, a := range dir.Agents() {
		if common.IsHexAddress(a.WalletAddress) {
			sandbox.Fund(common.HexToAddress(a.WalletAddress), funds)
			funded++
		}
	}
	slog.Info("Sandbox payment rail ready", "funded_wallets", funded, "funding", funds.String())
	return sandbox, sandbox, nil
}

func buildPair(cfg *config.Config, logger *slog.Logger, closers *[]io.Closer) (strategy.Pair, error) {
	var dialed *remote.Client
	build := func(kind string) (strategy.Strategy, error) {
		switch kind {
		case config.StrategyOpenAI:
			return llm.New(llm.NewOpenAI(cfg.Strategy.OpenAIKey, cfg.Strategy.OpenAIModel), "", logger), nil
		case config.StrategyAnthropic:
			return llm.New(llm.NewAnthropic(cfg.Strategy.AnthropicKey, cfg.Strategy.AnthropicModel), "", logger), nil
		case config.StrategyRemote:
			if dialed == nil {
				c, err := remote.Dial(remote.DefaultClientConfig(cfg.Strategy.DecisionAddr), logger)
				if err != nil {
					return nil, err
				}
				*closers = append(*closers, c)
				dialed = c
			}
			return dialed, nil
		default:
			return strategy.Concession{BuyerOpeningRatio: cfg.Strategy.BuyerOpeningRatio}, nil
		}
	}

	seller, err := build(cfg.Strategy.Seller)
	if err != nil {
		return strategy.Pair{}, fmt.Errorf("build seller strategy: %w", err)
	}
	buyer, err := build(cfg.Strategy.Buyer)
	if err != nil {
		return strategy.Pair{}, fmt.Errorf("build buyer strategy: %w", err)
	}
	return strategy.Pair{Seller: seller, Buyer: buyer}, nil
}

// watchReload reloads the directory on SIGHUP.
func watchReload(ctx context.Context, dir *directory.File) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := dir.Reload(); err != nil {
					slog.Error("Directory reload failed, keeping previous contents", "error", err)
				}
			}
		}
	}()
}

// firstOrigin is the origin WebSocket upgrades are checked against.
func firstOrigin(cfg *config.Config) string {
	return cfg.AllowedOrigins()[0]
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
