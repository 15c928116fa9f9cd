package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"stablevault/crypto"
	"stablevault/native/cdp"
	"stablevault/services/cdpd/journal"
)

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress  string
	RequestTimeout time.Duration
	RateLimit      RateLimit
}

// EventLister serves the committed event history.
type EventLister interface {
	ListEvents(ctx context.Context, filter journal.EventFilter) ([]journal.EventView, error)
}

// Wallet is a token ledger whose balances the API reports and operators may
// credit.
type Wallet interface {
	Symbol() string
	BalanceOf(addr crypto.Address) cdp.Amount
	Credit(to crypto.Address, amount cdp.Amount) error
}

// Server hosts the engine API.
type Server struct {
	cfg     Config
	engine  *cdp.Engine
	events  EventLister
	wallets map[string]Wallet
	symbols []string
	auth    *Authenticator
	limiter *RateLimiter
	seq     *Sequencer
	logger  *slog.Logger
	start   sync.Once
}

// New constructs a new HTTP server.
func New(cfg Config, engine *cdp.Engine, events EventLister, wallets []Wallet, auth *Authenticator, logger *slog.Logger) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine required")
	}
	if events == nil {
		return nil, fmt.Errorf("event lister required")
	}
	if auth == nil {
		return nil, fmt.Errorf("authenticator required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	srv := &Server{
		cfg:     cfg,
		engine:  engine,
		events:  events,
		wallets: make(map[string]Wallet, len(wallets)),
		auth:    auth,
		limiter: NewRateLimiter(cfg.RateLimit),
		seq:     NewSequencer(0),
		logger:  logger,
	}
	for _, w := range wallets {
		if w == nil {
			continue
		}
		if _, dup := srv.wallets[w.Symbol()]; dup {
			return nil, fmt.Errorf("wallet %s registered twice", w.Symbol())
		}
		srv.wallets[w.Symbol()] = w
		srv.symbols = append(srv.symbols, w.Symbol())
	}
	return srv, nil
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(observe(s.logger))
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Use(s.auth.Middleware)
		r.Use(s.limiter.Middleware)
		r.Use(s.rejectModuleCaller)

		r.Get("/assets", s.handleAssets)
		r.Get("/accounts/{address}", s.handleAccount)
		r.Get("/events", s.handleEvents)

		r.Post("/collateral/deposit", s.handleDepositCollateral)
		r.Post("/collateral/redeem", s.handleRedeemCollateral)
		r.Post("/debt/mint", s.handleMintDebt)
		r.Post("/debt/burn", s.handleBurnDebt)
		r.Post("/positions/deposit-and-mint", s.handleDepositAndMint)
		r.Post("/positions/redeem-for-burn", s.handleRedeemForBurn)
		r.Post("/liquidate", s.handleLiquidate)

		r.With(s.auth.RequireOperator).Post("/admin/credit", s.handleCredit)
	})
	return otelhttp.NewHandler(r, "cdpd")
}

// Start launches the sequencer and limiter housekeeping. It is idempotent and
// stops with ctx.
func (s *Server) Start(ctx context.Context) {
	s.start.Do(func() {
		go s.seq.Run(ctx)
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.limiter.Sweep(10 * time.Minute)
				}
			}
		}()
	})
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	s.Start(ctx)
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("cdpd listening", "addr", s.cfg.ListenAddress)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// rejectModuleCaller stops tokens whose subject is not a vault account or
// aliases the engine's own account bytes.
func (s *Server) rejectModuleCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if caller, ok := CallerFromContext(r.Context()); ok && !s.isUserAccount(caller) {
			writeError(w, http.StatusForbidden, "module account cannot call the api")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isUserAccount reports whether addr may hold a position or receive credit
// through the API.
func (s *Server) isUserAccount(addr crypto.Address) bool {
	return addr.Prefix() == crypto.VaultPrefix && !addr.SameKey(s.engine.Self())
}

// sequenced runs fn on the engine goroutine under the request timeout.
func (s *Server) sequenced(ctx context.Context, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	var opErr error
	if err := s.seq.Do(ctx, func() { opErr = fn() }); err != nil {
		return err
	}
	return opErr
}
