package cdp

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"stablevault/crypto"
	nativecommon "stablevault/native/common"
)

// Config wires an Engine to its collaborators. Tokens[i] is priced by
// PriceFeeds[i].
type Config struct {
	Self       crypto.Address
	Tokens     []AssetID
	PriceFeeds []OracleRef
	DebtToken  DebtToken
	Collateral map[AssetID]CollateralToken
	Sources    map[OracleRef]PriceSource
	// Store is optional; without it positions live in memory only.
	Store Store
}

// Engine owns every collateralized debt position. Mutating entry points are
// atomic and reject nested calls made while another operation is in flight.
type Engine struct {
	self             crypto.Address
	registry         *Registry
	oracle           *Oracle
	debtToken        DebtToken
	collateralTokens map[AssetID]CollateralToken
	arena            *arena
	collateral       *CollateralLedger
	debt             *DebtLedger
	store            Store

	logger  *slog.Logger
	metrics Metrics
	sink    EventSink
	pauses  nativecommon.PauseView

	inFlight atomic.Bool
}

// NewEngine validates cfg and restores committed positions from cfg.Store.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Self.IsZero() {
		return nil, fmt.Errorf("%w: engine address required", ErrInvalidConfig)
	}
	registry, err := NewRegistry(cfg.Tokens, cfg.PriceFeeds)
	if err != nil {
		return nil, err
	}
	if cfg.DebtToken == nil {
		return nil, fmt.Errorf("%w: debt token required", ErrInvalidConfig)
	}
	tokens := make(map[AssetID]CollateralToken, len(registry.assets))
	for _, asset := range registry.assets {
		token, ok := cfg.Collateral[asset]
		if !ok || token == nil {
			return nil, fmt.Errorf("%w: no collateral token for %q", ErrInvalidConfig, asset)
		}
		tokens[asset] = token
	}
	oracle, err := NewOracle(registry, cfg.Sources)
	if err != nil {
		return nil, err
	}
	a := newArena()
	if cfg.Store != nil {
		records, err := cfg.Store.LoadAccounts()
		if err != nil {
			return nil, fmt.Errorf("load positions: %w", err)
		}
		a.restore(records)
	}
	return &Engine{
		self:             cfg.Self,
		registry:         registry,
		oracle:           oracle,
		debtToken:        cfg.DebtToken,
		collateralTokens: tokens,
		arena:            a,
		collateral:       &CollateralLedger{arena: a},
		debt:             &DebtLedger{arena: a},
		store:            cfg.Store,
		logger:           slog.Default(),
	}, nil
}

func (e *Engine) SetLogger(logger *slog.Logger) {
	if e == nil || logger == nil {
		return
	}
	e.logger = logger
}

// SetMetrics configures the instrumentation sink. Nil disables metrics.
func (e *Engine) SetMetrics(m Metrics) {
	if e == nil {
		return
	}
	e.metrics = m
}

// SetEventSink configures where committed events are delivered.
func (e *Engine) SetEventSink(sink EventSink) {
	if e == nil {
		return
	}
	e.sink = sink
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// Self returns the address holding engine custody balances.
func (e *Engine) Self() crypto.Address { return e.self }

// Registry returns the accepted collateral registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Oracle returns the price adapter used for valuations.
func (e *Engine) Oracle() *Oracle { return e.oracle }

// CollateralBalance returns the collateral account holds of asset.
func (e *Engine) CollateralBalance(account crypto.Address, asset AssetID) Amount {
	return e.collateral.Get(account, asset)
}

// DebtBalance returns the debt minted by account and not yet burned.
func (e *Engine) DebtBalance(account crypto.Address) Amount {
	return e.debt.Get(account)
}

// Position returns a copy of the stored position of account.
func (e *Engine) Position(account crypto.Address) (AccountRecord, bool) {
	return e.arena.record(account)
}

// Accounts lists every account with a position, in address order.
func (e *Engine) Accounts() []crypto.Address {
	return e.arena.addresses()
}

// DepositCollateral pulls amount of asset from caller into engine custody.
func (e *Engine) DepositCollateral(caller crypto.Address, asset AssetID, amount Amount) error {
	return e.execute("deposit_collateral", func(j *journal) error {
		return e.depositCollateral(j, caller, asset, amount)
	})
}

// MintDebt mints amount of the debt token to caller. The resulting position
// must stay healthy.
func (e *Engine) MintDebt(caller crypto.Address, amount Amount) error {
	return e.execute("mint_debt", func(j *journal) error {
		return e.mintDebt(j, caller, amount)
	})
}

// DepositAndMint deposits collateral and mints debt as one operation.
func (e *Engine) DepositAndMint(caller crypto.Address, asset AssetID, collateralAmount, debtAmount Amount) error {
	return e.execute("deposit_and_mint", func(j *journal) error {
		if err := e.depositCollateral(j, caller, asset, collateralAmount); err != nil {
			return err
		}
		return e.mintDebt(j, caller, debtAmount)
	})
}

// BurnDebt repays amount of caller's debt with caller's own tokens.
func (e *Engine) BurnDebt(caller crypto.Address, amount Amount) error {
	return e.execute("burn_debt", func(j *journal) error {
		if err := e.burnDebt(j, caller, caller, amount); err != nil {
			return err
		}
		return e.requireHealthy(caller)
	})
}

// RedeemCollateral returns amount of asset to caller. The remaining position
// must stay healthy.
func (e *Engine) RedeemCollateral(caller crypto.Address, asset AssetID, amount Amount) error {
	return e.execute("redeem_collateral", func(j *journal) error {
		if err := e.redeemCollateral(j, caller, caller, asset, amount); err != nil {
			return err
		}
		return e.requireHealthy(caller)
	})
}

// RedeemForBurn burns debt, then redeems collateral, with a single health
// check at the end.
func (e *Engine) RedeemForBurn(caller crypto.Address, asset AssetID, collateralAmount, debtAmount Amount) error {
	return e.execute("redeem_for_burn", func(j *journal) error {
		if err := e.burnDebt(j, caller, caller, debtAmount); err != nil {
			return err
		}
		if err := e.redeemCollateral(j, caller, caller, asset, collateralAmount); err != nil {
			return err
		}
		return e.requireHealthy(caller)
	})
}

func (e *Engine) depositCollateral(j *journal, caller crypto.Address, asset AssetID, amount Amount) error {
	if amount.IsZero() {
		return ErrInvalidAmount
	}
	if !e.registry.Allowed(asset) {
		return fmt.Errorf("%w: %q", ErrAssetNotAllowed, asset)
	}
	if err := e.collateral.Increase(caller, asset, amount); err != nil {
		return err
	}
	j.emit(collateralDepositedEvent(caller, asset, amount))

	token := e.collateralTokens[asset]
	if err := token.TransferFrom(caller, e.self, amount); err != nil {
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	j.compensate("refund deposit", func() error {
		return token.Transfer(caller, amount)
	})
	return nil
}

func (e *Engine) mintDebt(j *journal, caller crypto.Address, amount Amount) error {
	if amount.IsZero() {
		return ErrInvalidAmount
	}
	if err := e.debt.Increase(caller, amount); err != nil {
		return err
	}
	j.emit(debtMintedEvent(caller, amount))

	if err := e.debtToken.Mint(caller, amount); err != nil {
		return fmt.Errorf("%w: %w", ErrMintFailed, err)
	}
	j.compensate("reclaim mint", func() error {
		if err := e.debtToken.TransferFrom(caller, e.self, amount); err != nil {
			return err
		}
		return e.debtToken.Burn(amount)
	})
	return e.requireHealthy(caller)
}

// burnDebt reduces onBehalfOf's debt using tokens pulled from payer. No health
// check is performed.
func (e *Engine) burnDebt(j *journal, onBehalfOf, payer crypto.Address, amount Amount) error {
	if amount.IsZero() {
		return ErrInvalidAmount
	}
	if err := e.debt.Decrease(onBehalfOf, amount); err != nil {
		return err
	}
	j.emit(debtBurnedEvent(onBehalfOf, payer, amount))

	if err := e.debtToken.TransferFrom(payer, e.self, amount); err != nil {
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	j.compensate("return burn payment", func() error {
		return e.debtToken.TransferFrom(e.self, payer, amount)
	})
	if err := e.debtToken.Burn(amount); err != nil {
		return fmt.Errorf("%w: %w", ErrBurnFailed, err)
	}
	j.compensate("reissue burned debt", func() error {
		return e.debtToken.Mint(e.self, amount)
	})
	return nil
}

// redeemCollateral moves amount of asset out of from's position to to. No
// health check is performed.
func (e *Engine) redeemCollateral(j *journal, from, to crypto.Address, asset AssetID, amount Amount) error {
	if amount.IsZero() {
		return ErrInvalidAmount
	}
	if !e.registry.Allowed(asset) {
		return fmt.Errorf("%w: %q", ErrAssetNotAllowed, asset)
	}
	if err := e.collateral.Decrease(from, asset, amount); err != nil {
		return err
	}
	j.emit(collateralRedeemedEvent(from, to, asset, amount))

	token := e.collateralTokens[asset]
	if err := token.Transfer(to, amount); err != nil {
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	j.compensate("reclaim redemption", func() error {
		return token.TransferFrom(to, e.self, amount)
	})
	return nil
}

// execute runs fn as one atomic operation: either every ledger write and
// collaborator call survives and is committed, or all of them are undone.
func (e *Engine) execute(op string, fn func(j *journal) error) (err error) {
	if e == nil || e.arena == nil {
		return fmt.Errorf("%w: engine not initialised", ErrInvalidConfig)
	}
	if !e.inFlight.CompareAndSwap(false, true) {
		return ErrReentrantCall
	}
	defer e.inFlight.Store(false)
	defer func() { e.observe(op, err) }()

	if err := nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return err
	}

	j := newJournal()
	e.collateral.journal, e.debt.journal = j, j
	defer func() { e.collateral.journal, e.debt.journal = nil, nil }()
	defer func() {
		if r := recover(); r != nil {
			if rbErr := j.rollback(); rbErr != nil {
				e.logger.Error("cdp rollback after panic incomplete", "op", op, "error", rbErr)
			}
			panic(r)
		}
	}()

	if err := fn(j); err != nil {
		return e.abort(op, j, err)
	}
	if err := e.commit(j); err != nil {
		return e.abort(op, j, fmt.Errorf("%w: %w", ErrCommitFailed, err))
	}
	if e.sink != nil && len(j.events) > 0 {
		e.sink.Emit(j.events)
	}
	return nil
}

func (e *Engine) abort(op string, j *journal, cause error) error {
	rbErr := j.rollback()
	if rbErr == nil {
		e.logger.Debug("cdp operation rolled back", "op", op, "error", cause)
		return cause
	}
	e.logger.Error("cdp compensation failed", "op", op, "error", cause, "compensation", rbErr)
	return errors.Join(cause, rbErr)
}

func (e *Engine) commit(j *journal) error {
	if e.store == nil || len(j.touched) == 0 {
		return nil
	}
	records := make([]AccountRecord, 0, len(j.touched))
	for _, addr := range j.touched {
		rec, ok := e.arena.record(addr)
		if !ok {
			continue
		}
		records = append(records, rec)
	}
	return e.store.CommitAccounts(records)
}

func (e *Engine) observe(op string, err error) {
	if e.metrics == nil {
		return
	}
	e.metrics.ObserveOperation(op, err)
}
