package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	engineconfig "stablevault/config"
	"stablevault/crypto"
	"stablevault/native/bank"
	"stablevault/native/cdp"
	"stablevault/observability"
	"stablevault/observability/logging"
	telemetry "stablevault/observability/otel"
	"stablevault/services/cdpd/adapters"
	"stablevault/services/cdpd/config"
	"stablevault/services/cdpd/journal"
	"stablevault/services/cdpd/oracle"
	"stablevault/services/cdpd/server"
	"stablevault/storage"
	"stablevault/storage/trie"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/cdpd/config.yaml", "path to cdpd config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("cdpd: load config: %v", err)
	}

	logger := logging.Setup("cdpd", cfg.Environment, logging.Options{
		Level:      logging.ParseLevel(cfg.Logging.Level),
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	logger.Info("configuration loaded", "config", fmt.Sprintf("%+v", cfg.Sanitized()))

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "cdpd",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		log.Fatalf("cdpd: init telemetry: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("cdpd exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	engineCfg, err := engineconfig.Load(cfg.EngineConfig)
	if err != nil {
		return fmt.Errorf("load engine config: %w", err)
	}

	db, err := storage.NewLevelDB(engineCfg.PositionsDir())
	if err != nil {
		return fmt.Errorf("open positions: %w", err)
	}
	defer db.Close()
	positions := storage.NewPositionStore(db)
	root, count, err := trie.PositionsRoot(positions)
	if err != nil {
		return fmt.Errorf("positions root: %w", err)
	}
	logger.Info("positions loaded", "root", root.Hex(), "positions", count)

	events, err := journal.Open(cfg.Journal.Driver, cfg.Journal.DSN)
	if err != nil {
		return err
	}
	defer events.Close()
	events.SetLogger(logger.With("component", "journal"))

	tokens, feeds := engineCfg.Assets()
	feedNames := make([]string, len(feeds))
	for i, feed := range feeds {
		feedNames[i] = string(feed)
	}
	sources, err := adapters.NewRegistry().BuildAll(cfg.Sources)
	if err != nil {
		return fmt.Errorf("build oracle sources: %w", err)
	}
	prices, err := oracle.New(events, sources, feedNames,
		cfg.Oracle.Interval.Duration, cfg.Oracle.MaxAge.Duration, cfg.Oracle.MinFeeds,
		oracle.WithLogger(logger.With("component", "oracle")))
	if err != nil {
		return fmt.Errorf("oracle manager: %w", err)
	}
	for _, feed := range prices.Feeds() {
		round, err := events.LatestRound(ctx, feed)
		if errors.Is(err, journal.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("restore round %s: %w", feed, err)
		}
		prices.Seed(feed, cdp.RoundData{RoundID: round.RoundID, Answer: cdp.FeedPrice(round.Answer), UpdatedAt: round.UpdatedAt})
	}

	self := engineCfg.EngineAddress()
	wallets := storage.NewWalletStore(db)
	persistErr := func(err error) {
		logger.Error("wallet persistence failed", "error", err)
	}
	debtToken, err := bank.NewToken(engineCfg.DebtSymbol, self)
	if err != nil {
		return err
	}
	if err := debtToken.Attach(wallets, persistErr); err != nil {
		return err
	}
	apiWallets := []server.Wallet{debtToken}
	collateral := make(map[cdp.AssetID]cdp.CollateralToken, len(tokens))
	for _, asset := range tokens {
		token, err := bank.NewToken(string(asset), self)
		if err != nil {
			return err
		}
		if err := token.Attach(wallets, persistErr); err != nil {
			return err
		}
		collateral[asset] = token
		apiWallets = append(apiWallets, token)
	}
	priceSources := make(map[cdp.OracleRef]cdp.PriceSource, len(feeds))
	for _, feed := range feeds {
		priceSources[feed] = prices.PriceSource(string(feed))
	}

	engine, err := cdp.NewEngine(cdp.Config{
		Self:       self,
		Tokens:     tokens,
		PriceFeeds: feeds,
		DebtToken:  debtToken,
		Collateral: collateral,
		Sources:    priceSources,
		Store:      positions,
	})
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	engine.SetLogger(logger.With("component", "cdp"))
	engine.SetMetrics(observability.CDP())
	engine.SetEventSink(events)
	engine.SetPauses(engineCfg.PauseView())
	logger.Info("engine ready", "address", self.String(), "accounts", len(engine.Accounts()), "paused", engineCfg.Pauses.CDP)

	operators := make([]crypto.Address, 0, len(cfg.Auth.Operators))
	for _, raw := range cfg.Auth.Operators {
		addr, err := crypto.DecodeAccountAddress(raw)
		if err != nil {
			return fmt.Errorf("operator %q: %w", raw, err)
		}
		operators = append(operators, addr)
	}
	auth, err := server.NewAuthenticator(server.AuthConfig{
		HMACSecret: cfg.Auth.HMACSecret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		ClockSkew:  cfg.Auth.ClockSkew.Duration,
		Operators:  operators,
	}, logger)
	if err != nil {
		return err
	}
	srv, err := server.New(server.Config{
		ListenAddress:  cfg.ListenAddress,
		RequestTimeout: cfg.RequestTimeout.Duration,
		RateLimit: server.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
	}, engine, events, apiWallets, auth, logger.With("component", "api"))
	if err != nil {
		return err
	}

	go func() {
		if err := prices.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("oracle manager stopped", "error", err)
		}
	}()
	return srv.Run(ctx)
}
