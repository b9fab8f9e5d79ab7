package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tiplinehq/tipline/service/config"
	"github.com/tiplinehq/tipline/service/db"
	"github.com/tiplinehq/tipline/service/evm"
	"github.com/tiplinehq/tipline/service/intent"
	"github.com/tiplinehq/tipline/service/metrics"
	tiplinenats "github.com/tiplinehq/tipline/service/nats"
	"github.com/tiplinehq/tipline/service/pipeline"
	"github.com/tiplinehq/tipline/service/queue"
	"github.com/tiplinehq/tipline/service/server"
	"github.com/tiplinehq/tipline/service/social"
	"github.com/tiplinehq/tipline/service/solana"
	"github.com/tiplinehq/tipline/service/wallet"
)

// Mainnet stable token contracts per EVM chain.
var (
	ethereumStables = map[string]string{
		"usdc": "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		"usdt": "0xdAC17F958D2ee523a2206206994597C13D831ec7",
	}
	mantleStables = map[string]string{
		"usdc": "0x09bc4e0d864854c6afb6eb9a9cdf58ac190d0df9",
		"usdt": "0x201eba5cc46d216ce6dc03f6a759e8e766e956ae",
	}
)

func main() {
	// Load and validate configuration from environment.
	// This fails fast if any required config is missing or invalid.
	cfg := config.MustLoad()

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database connection pool.
	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	if err := dbPool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	store := db.NewStore(dbPool)
	m := metrics.NewMetrics(nil)
	keystore := wallet.NewKeystore(cfg.WalletPassphrase)

	// Chain executors.
	ethRPC, err := evm.NewRPCClient(cfg.EthereumRPCURL)
	if err != nil {
		logger.Error("failed to connect to ethereum RPC", "error", err)
		os.Exit(1)
	}
	mantleRPC, err := evm.NewRPCClient(cfg.MantleRPCURL)
	if err != nil {
		logger.Error("failed to connect to mantle RPC", "error", err)
		os.Exit(1)
	}
	ethExecutor := evm.NewExecutor(ethRPC, "ethereum", "https://etherscan.io/tx/", ethereumStables, logger)
	mantleExecutor := evm.NewExecutor(mantleRPC, "mantle", "https://mantlescan.xyz/tx/", mantleStables, logger)

	solanaRPC := solana.NewRPCClient(cfg.SolanaRPCURL)
	solExecutor := solana.NewExecutor(solanaRPC, nil, logger)
	swapper := solana.NewSwapper(solExecutor, logger)
	logger.Info("initialized chain executors",
		"solana_rpc", cfg.SolanaRPCURL,
		"ethereum_rpc", cfg.EthereumRPCURL,
		"mantle_rpc", cfg.MantleRPCURL,
	)

	// NATS event publisher. Optional: the service keeps working without it.
	var events tiplinenats.Publisher
	publisher, err := tiplinenats.NewPublisher(cfg.NATSURL, logger)
	if err != nil {
		logger.Warn("failed to connect to NATS, transaction events disabled", "error", err)
	} else {
		events = publisher
		defer publisher.Close()
	}

	// Platform client. The poller only runs when credentials are configured.
	var platform social.Client
	var apiQueue *queue.Queue
	if cfg.PlatformBearerToken != "" {
		tw := social.NewTwitterClient(cfg.PlatformAPIURL, cfg.PlatformBearerToken, logger)
		if err := tw.LoadSession(ctx, store); err != nil {
			logger.Warn("failed to restore platform session", "error", err)
		}
		platform = tw

		// One queue serializes every social API call: poller fetches and
		// replies, plus the handler's profile lookups and receiver
		// notifications. Production policy keeps the post-success jitter
		// but caps retries so a poisoned task cannot stall the queue.
		policy := queue.DefaultPolicy()
		policy.MaxAttempts = 5
		policy.DeadLetter = func(err error, attempts int) {
			logger.Error("social api task dead-lettered", "attempts", attempts, "error", err)
		}
		apiQueue = queue.New(policy, logger)
		apiQueue.Instrument(m, "social_api")
	}

	// Command pipeline.
	var names pipeline.NameService = evm.NewNameResolver(ethRPC)
	var profiles pipeline.ProfileDirectory
	var notifier pipeline.Notifier
	if platform != nil {
		queued := social.NewQueuedClient(platform, apiQueue)
		profiles = queued
		notifier = queued
	} else {
		profiles = unavailableProfiles{}
	}

	resolver := pipeline.NewResolver(names, profiles, store, keystore,
		cfg.FallbackEVMAddress, cfg.FallbackSolanaAddress, logger)

	dispatcher := pipeline.NewDispatcher(pipeline.DispatcherConfig{
		EVMChains: []pipeline.EVMChain{ethExecutor, mantleExecutor},
		Solana:    solExecutor,
		Trader:    swapper,
		SolanaRPC: solanaRPC,
		Store:     store,
		Notifier:  notifier,
		Events:    events,
		Metrics:   m,
		Platform:  "twitter",
		BotUserID: cfg.BotUserID,
	}, logger)

	handler := pipeline.NewHandler(pipeline.HandlerConfig{
		Store:        store,
		Keystore:     keystore,
		Parser:       intent.NewParser(cfg.DefaultChain),
		Resolver:     resolver,
		Dispatcher:   dispatcher,
		Metrics:      m,
		Platform:     "twitter",
		AppURL:       cfg.AppURL,
		PromptDocURL: cfg.PromptDocURL,
	}, logger)

	// Poller. It shares apiQueue with the handler's platform calls and runs
	// its own queue.Do around each fetch, so it takes the raw client.
	if platform != nil {
		poller := social.NewPoller(platform, store, apiQueue, handler, social.PollerConfig{
			Platform:      "twitter",
			BotUserID:     cfg.BotUserID,
			BotUsername:   cfg.BotUsername,
			Interval:      cfg.PollInterval,
			SearchTimeout: cfg.SearchTimeout,
			DMWindow:      cfg.DMWindow,
		}, m, logger)
		go func() {
			if err := poller.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("poller stopped", "error", err)
			}
		}()
		logger.Info("poller started", "interval", cfg.PollInterval)
	} else {
		logger.Warn("platform credentials not configured, poller disabled")
	}

	httpServer := server.New(cfg.ServerAddr, store, handler, m, logger)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// unavailableProfiles stands in for the platform directory when no platform
// credentials are configured; handle receivers cannot be resolved then.
type unavailableProfiles struct{}

func (unavailableProfiles) GetProfile(ctx context.Context, username string) (*social.Profile, error) {
	return nil, errors.New("platform client not configured")
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}
