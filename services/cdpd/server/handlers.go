package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stablevault/crypto"
	"stablevault/native/cdp"
	"stablevault/services/cdpd/journal"
)

const maxBodyBytes = 1 << 20

var tracer = otel.Tracer("stablevault/services/cdpd/server")

type collateralRequest struct {
	Asset  cdp.AssetID `json:"asset"`
	Amount cdp.Amount  `json:"amount"`
}

type debtRequest struct {
	Amount cdp.Amount `json:"amount"`
}

type positionRequest struct {
	Asset            cdp.AssetID `json:"asset"`
	CollateralAmount cdp.Amount  `json:"collateralAmount"`
	DebtAmount       cdp.Amount  `json:"debtAmount"`
}

type liquidateRequest struct {
	Asset       cdp.AssetID    `json:"asset"`
	Target      crypto.Address `json:"target"`
	DebtToCover cdp.Amount     `json:"debtToCover"`
}

type creditRequest struct {
	Account crypto.Address `json:"account"`
	Token   string         `json:"token"`
	Amount  cdp.Amount     `json:"amount"`
}

type accountView struct {
	Address       string                     `json:"address"`
	Collateral    map[cdp.AssetID]cdp.Amount `json:"collateral"`
	Debt          cdp.Amount                 `json:"debt"`
	CollateralUSD *cdp.Amount                `json:"collateralUsd,omitempty"`
	HealthFactor  string                     `json:"healthFactor,omitempty"`
	Liquidatable  bool                       `json:"liquidatable"`
	PriceError    string                     `json:"priceError,omitempty"`
	Wallet        map[string]cdp.Amount      `json:"wallet,omitempty"`
}

type assetView struct {
	Asset    cdp.AssetID   `json:"asset"`
	Feed     cdp.OracleRef `json:"feed"`
	PriceUSD *cdp.Amount   `json:"priceUsd,omitempty"`
	Error    string        `json:"error,omitempty"`
}

type liquidationView struct {
	Result cdp.LiquidationResult `json:"result"`
	Target accountView           `json:"target"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	var out []assetView
	err := s.sequenced(r.Context(), func() error {
		registry := s.engine.Registry()
		for _, asset := range registry.Assets() {
			feed, _ := registry.OracleFor(asset)
			view := assetView{Asset: asset, Feed: feed}
			price, err := s.engine.Oracle().UnitPriceUSD(asset)
			if err != nil {
				view.Error = err.Error()
			} else {
				view.PriceUSD = &price
			}
			out = append(out, view)
		}
		return nil
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := crypto.DecodeAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	var view accountView
	if err := s.sequenced(r.Context(), func() error {
		view = s.account(addr)
		return nil
	}); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := journal.EventFilter{Type: strings.TrimSpace(query.Get("type"))}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}
	if raw := query.Get("before"); raw != "" {
		before, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid before")
			return
		}
		filter.Before = before
	}
	events, err := s.events.ListEvents(r.Context(), filter)
	if err != nil {
		s.logger.Error("list events", "error", err)
		writeError(w, http.StatusInternalServerError, "journal unavailable")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleDepositCollateral(w http.ResponseWriter, r *http.Request) {
	var req collateralRequest
	caller, ok := s.decode(w, r, &req)
	if !ok {
		return
	}
	s.mutate(w, r, caller, "deposit_collateral", func() error {
		return s.engine.DepositCollateral(caller, req.Asset, req.Amount)
	})
}

func (s *Server) handleRedeemCollateral(w http.ResponseWriter, r *http.Request) {
	var req collateralRequest
	caller, ok := s.decode(w, r, &req)
	if !ok {
		return
	}
	s.mutate(w, r, caller, "redeem_collateral", func() error {
		return s.engine.RedeemCollateral(caller, req.Asset, req.Amount)
	})
}

func (s *Server) handleMintDebt(w http.ResponseWriter, r *http.Request) {
	var req debtRequest
	caller, ok := s.decode(w, r, &req)
	if !ok {
		return
	}
	s.mutate(w, r, caller, "mint_debt", func() error {
		return s.engine.MintDebt(caller, req.Amount)
	})
}

func (s *Server) handleBurnDebt(w http.ResponseWriter, r *http.Request) {
	var req debtRequest
	caller, ok := s.decode(w, r, &req)
	if !ok {
		return
	}
	s.mutate(w, r, caller, "burn_debt", func() error {
		return s.engine.BurnDebt(caller, req.Amount)
	})
}

func (s *Server) handleDepositAndMint(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	caller, ok := s.decode(w, r, &req)
	if !ok {
		return
	}
	s.mutate(w, r, caller, "deposit_and_mint", func() error {
		return s.engine.DepositAndMint(caller, req.Asset, req.CollateralAmount, req.DebtAmount)
	})
}

func (s *Server) handleRedeemForBurn(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	caller, ok := s.decode(w, r, &req)
	if !ok {
		return
	}
	s.mutate(w, r, caller, "redeem_for_burn", func() error {
		return s.engine.RedeemForBurn(caller, req.Asset, req.CollateralAmount, req.DebtAmount)
	})
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	caller, ok := s.decode(w, r, &req)
	if !ok {
		return
	}
	if req.Target.IsZero() {
		writeError(w, http.StatusBadRequest, "target required")
		return
	}
	if !s.isUserAccount(req.Target) {
		writeError(w, http.StatusBadRequest, "target must be a vault account")
		return
	}
	ctx, span := startOperation(r.Context(), "liquidate", caller)
	defer span.End()
	span.SetAttributes(attribute.String("cdp.asset", string(req.Asset)), attribute.String("cdp.target", req.Target.String()))

	var out liquidationView
	err := s.sequenced(ctx, func() error {
		res, err := s.engine.Liquidate(caller, req.Asset, req.Target, req.DebtToCover)
		if err != nil {
			return err
		}
		out = liquidationView{Result: res, Target: s.account(req.Target)}
		return nil
	})
	if err != nil {
		endOperation(span, err)
		s.logger.Info("liquidation rejected", "caller", caller.String(), "asset", string(req.Asset), "error", err)
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	caller, ok := s.decode(w, r, &req)
	if !ok {
		return
	}
	wallet, found := s.wallets[req.Token]
	if !found {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown token %q", req.Token))
		return
	}
	if req.Account.IsZero() || req.Amount.IsZero() {
		writeError(w, http.StatusBadRequest, "account and positive amount required")
		return
	}
	if !s.isUserAccount(req.Account) {
		writeError(w, http.StatusBadRequest, "account must be a vault account")
		return
	}
	var view accountView
	err := s.sequenced(r.Context(), func() error {
		if err := wallet.Credit(req.Account, req.Amount); err != nil {
			return err
		}
		view = s.account(req.Account)
		return nil
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	s.logger.Info("wallet credited", "caller", caller.String(), "token", req.Token)
	writeJSON(w, http.StatusOK, view)
}

// mutate runs an engine operation and answers with the caller's refreshed
// position.
func (s *Server) mutate(w http.ResponseWriter, r *http.Request, caller crypto.Address, op string, fn func() error) {
	ctx, span := startOperation(r.Context(), op, caller)
	defer span.End()

	var view accountView
	err := s.sequenced(ctx, func() error {
		if err := fn(); err != nil {
			return err
		}
		view = s.account(caller)
		return nil
	})
	if err != nil {
		endOperation(span, err)
		s.logger.Info("operation rejected", "op", op, "caller", caller.String(), "error", err)
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// startOperation opens a span named after the engine operation.
func startOperation(ctx context.Context, op string, caller crypto.Address) (context.Context, trace.Span) {
	return tracer.Start(ctx, "cdp."+op, trace.WithAttributes(
		attribute.String("cdp.operation", op),
		attribute.String("cdp.caller", caller.String()),
	))
}

func endOperation(span trace.Span, err error) {
	_, code := classify(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, code)
}

// decode reads a JSON body into dst and returns the authenticated caller.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) (crypto.Address, bool) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing caller")
		return crypto.Address{}, false
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		if errors.Is(err, cdp.ErrInvalidAmount) {
			writeEngineError(w, err)
			return crypto.Address{}, false
		}
		writeError(w, status, fmt.Sprintf("invalid request body: %v", err))
		return crypto.Address{}, false
	}
	return caller, true
}

// account must run on the sequencer.
func (s *Server) account(addr crypto.Address) accountView {
	view := accountView{
		Address:    addr.String(),
		Collateral: make(map[cdp.AssetID]cdp.Amount),
		Debt:       s.engine.DebtBalance(addr),
	}
	for _, asset := range s.engine.Registry().Assets() {
		if amt := s.engine.CollateralBalance(addr, asset); !amt.IsZero() {
			view.Collateral[asset] = amt
		}
	}
	info, err := s.engine.AccountInformation(addr)
	if err != nil {
		view.PriceError = err.Error()
	} else {
		view.CollateralUSD = &info.CollateralUSD
		view.HealthFactor = formatHealth(info.HealthFactor)
		view.Liquidatable = info.HealthFactor.Lt(cdp.MinHealthFactor)
	}
	if len(s.symbols) > 0 {
		view.Wallet = make(map[string]cdp.Amount, len(s.symbols))
		for _, sym := range s.symbols {
			view.Wallet[sym] = s.wallets[sym].BalanceOf(addr)
		}
	}
	return view
}

func formatHealth(hf cdp.Amount) string {
	if hf == cdp.MaxAmount {
		return "max"
	}
	return hf.String()
}
