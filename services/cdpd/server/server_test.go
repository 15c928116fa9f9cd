package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"gorm.io/gorm"

	"stablevault/crypto"
	"stablevault/native/bank"
	"stablevault/native/cdp"
	"stablevault/services/cdpd/journal"
)

const testSecret = "test-secret"

func makeAddress(prefix crypto.AddressPrefix, fill byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	for i := range raw {
		raw[i] = fill
	}
	return crypto.NewAddress(prefix, raw)
}

type fixture struct {
	handler  http.Handler
	engine   *cdp.Engine
	weth     *bank.Token
	stable   *bank.Token
	price    *atomic.Int64
	self     crypto.Address
	operator crypto.Address
	alice    crypto.Address
	bob      crypto.Address
}

func newFixture(t *testing.T, limit RateLimit) *fixture {
	t.Helper()
	f := &fixture{
		price:    new(atomic.Int64),
		self:     makeAddress(crypto.ModulePrefix, 0xee),
		operator: makeAddress(crypto.VaultPrefix, 0x0a),
		alice:    makeAddress(crypto.VaultPrefix, 0x01),
		bob:      makeAddress(crypto.VaultPrefix, 0x02),
	}
	f.price.Store(2000 * 100_000_000)

	var err error
	f.stable, err = bank.NewToken("vUSD", f.self)
	require.NoError(t, err)
	f.weth, err = bank.NewToken("weth", f.self)
	require.NoError(t, err)

	f.engine, err = cdp.NewEngine(cdp.Config{
		Self:       f.self,
		Tokens:     []cdp.AssetID{"weth"},
		PriceFeeds: []cdp.OracleRef{"eth-usd"},
		DebtToken:  f.stable,
		Collateral: map[cdp.AssetID]cdp.CollateralToken{"weth": f.weth},
		Sources: map[cdp.OracleRef]cdp.PriceSource{
			"eth-usd": cdp.PriceSourceFunc(func() (cdp.RoundData, error) {
				return cdp.RoundData{RoundID: 1, Answer: cdp.FeedPrice(f.price.Load()), UpdatedAt: time.Now()}, nil
			}),
		},
	})
	require.NoError(t, err)

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())), &gorm.Config{})
	require.NoError(t, err)
	j, err := journal.New(db)
	require.NoError(t, err)
	f.engine.SetEventSink(j)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	auth, err := NewAuthenticator(AuthConfig{HMACSecret: testSecret, Operators: []crypto.Address{f.operator}}, logger)
	require.NoError(t, err)
	srv, err := New(Config{RateLimit: limit}, f.engine, j, []Wallet{f.stable, f.weth}, auth, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv.Start(ctx)
	f.handler = srv.Handler()
	return f
}

func signToken(t *testing.T, subject string, ttl time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (f *fixture) do(t *testing.T, method, path string, caller *crypto.Address, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if caller != nil {
		req.Header.Set("Authorization", "Bearer "+signToken(t, caller.String(), time.Hour))
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func units(n uint64) string { return cdp.Units(n).String() }

func TestHealthIsPublic(t *testing.T) {
	f := newFixture(t, RateLimit{})
	rec := f.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIRequiresValidToken(t *testing.T) {
	f := newFixture(t, RateLimit{})
	rec := f.do(t, http.MethodGet, "/v1/assets", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/assets", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, f.alice.String(), -time.Hour))
	expired := httptest.NewRecorder()
	f.handler.ServeHTTP(expired, req)
	require.Equal(t, http.StatusUnauthorized, expired.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/assets", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "not-an-address", time.Hour))
	badSubject := httptest.NewRecorder()
	f.handler.ServeHTTP(badSubject, req)
	require.Equal(t, http.StatusUnauthorized, badSubject.Code)
}

func TestPositionLifecycle(t *testing.T) {
	f := newFixture(t, RateLimit{})

	rec := f.do(t, http.MethodPost, "/v1/admin/credit", &f.operator, map[string]string{
		"account": f.alice.String(), "token": "weth", "amount": units(10),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/v1/positions/deposit-and-mint", &f.alice, map[string]string{
		"asset": "weth", "collateralAmount": units(10), "debtAmount": units(8000),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := decodeBody[accountView](t, rec)
	require.Equal(t, cdp.Units(8000), view.Debt)
	require.Equal(t, cdp.Units(10), view.Collateral["weth"])
	require.Equal(t, "1250000000000000000", view.HealthFactor)
	require.Equal(t, cdp.Units(8000), view.Wallet["vUSD"])
	require.False(t, view.Liquidatable)

	rec = f.do(t, http.MethodPost, "/v1/debt/mint", &f.alice, map[string]string{"amount": units(3000)})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "health_factor_broken", decodeBody[errorResponse](t, rec).Code)

	rec = f.do(t, http.MethodPost, "/v1/debt/burn", &f.alice, map[string]string{"amount": units(1000)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = f.do(t, http.MethodPost, "/v1/collateral/redeem", &f.alice, map[string]string{"asset": "weth", "amount": units(1)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view = decodeBody[accountView](t, rec)
	require.Equal(t, cdp.Units(7000), view.Debt)
	require.Equal(t, cdp.Units(9), view.Collateral["weth"])

	rec = f.do(t, http.MethodGet, "/v1/accounts/"+f.alice.String(), &f.bob, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, cdp.Units(7000), decodeBody[accountView](t, rec).Debt)

	rec = f.do(t, http.MethodGet, "/v1/events?type="+cdp.EventTypeDebtMinted, &f.alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decodeBody[[]journal.EventView](t, rec)
	require.Len(t, events, 1)
	require.Equal(t, units(8000), events[0].Attributes["amount"])
}

func TestLiquidationOverHTTP(t *testing.T) {
	f := newFixture(t, RateLimit{})
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/admin/credit", &f.operator, map[string]string{
		"account": f.alice.String(), "token": "weth", "amount": units(10),
	}).Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/admin/credit", &f.operator, map[string]string{
		"account": f.bob.String(), "token": "vUSD", "amount": units(4000),
	}).Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/positions/deposit-and-mint", &f.alice, map[string]string{
		"asset": "weth", "collateralAmount": units(10), "debtAmount": units(8000),
	}).Code)

	liquidate := map[string]string{"asset": "weth", "target": f.alice.String(), "debtToCover": units(4000)}
	rec := f.do(t, http.MethodPost, "/v1/liquidate", &f.bob, liquidate)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "health_factor_ok", decodeBody[errorResponse](t, rec).Code)

	f.price.Store(1000 * 100_000_000)
	rec = f.do(t, http.MethodPost, "/v1/liquidate", &f.bob, liquidate)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decodeBody[liquidationView](t, rec)
	require.Equal(t, cdp.MustAmount("4400000000000000000"), out.Result.TotalSeized)
	require.Equal(t, cdp.MustAmount("700000000000000000"), out.Result.EndingHealth)
	require.Equal(t, cdp.Units(4000), out.Target.Debt)
	require.Equal(t, cdp.MustAmount("4400000000000000000"), f.weth.BalanceOf(f.bob))
}

func TestOperatorRouteRequiresRole(t *testing.T) {
	f := newFixture(t, RateLimit{})
	rec := f.do(t, http.MethodPost, "/v1/admin/credit", &f.alice, map[string]string{
		"account": f.alice.String(), "token": "weth", "amount": units(10),
	})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/admin/credit", &f.operator, map[string]string{
		"account": f.alice.String(), "token": "doge", "amount": units(10),
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t, RateLimit{})

	rec := f.do(t, http.MethodPost, "/v1/collateral/deposit", &f.alice, map[string]string{"asset": "weth", "amount": "1.5"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_amount", decodeBody[errorResponse](t, rec).Code)

	rec = f.do(t, http.MethodPost, "/v1/collateral/deposit", &f.alice, map[string]string{"asset": "weth", "amount": "0"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/collateral/deposit", &f.alice, map[string]string{"asset": "doge", "amount": "1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "asset_not_allowed", decodeBody[errorResponse](t, rec).Code)

	rec = f.do(t, http.MethodPost, "/v1/debt/mint", &f.alice, map[string]string{"amount": "1", "extra": "x"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/accounts/garbage", &f.alice, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/events?limit=-1", &f.alice, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestModuleAccountCannotCallAPI(t *testing.T) {
	f := newFixture(t, RateLimit{})
	rec := f.do(t, http.MethodGet, "/v1/assets", &f.self, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	alias := crypto.NewAddress(crypto.VaultPrefix, f.self.Bytes())
	rec = f.do(t, http.MethodGet, "/v1/assets", &alias, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestEngineAliasCannotBeCreditedOrTargeted(t *testing.T) {
	f := newFixture(t, RateLimit{})
	alias := crypto.NewAddress(crypto.VaultPrefix, f.self.Bytes())

	for _, account := range []crypto.Address{alias, f.self} {
		rec := f.do(t, http.MethodPost, "/v1/admin/credit", &f.operator, map[string]string{
			"account": account.String(), "token": "weth", "amount": units(1),
		})
		require.Equal(t, http.StatusBadRequest, rec.Code, account.String())
	}
	require.True(t, f.weth.BalanceOf(alias).IsZero())

	rec := f.do(t, http.MethodPost, "/v1/liquidate", &f.bob, map[string]string{
		"asset": "weth", "target": alias.String(), "debtToCover": units(1),
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	foreign := crypto.NewAddress(crypto.AddressPrefix("cosmos"), f.alice.Bytes())
	rec = f.do(t, http.MethodPost, "/v1/admin/credit", &f.operator, map[string]string{
		"account": foreign.String(), "token": "weth", "amount": units(1),
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAssetsReportLivePrices(t *testing.T) {
	f := newFixture(t, RateLimit{})
	rec := f.do(t, http.MethodGet, "/v1/assets", &f.alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assets := decodeBody[[]assetView](t, rec)
	require.Len(t, assets, 1)
	require.Equal(t, cdp.OracleRef("eth-usd"), assets[0].Feed)
	require.NotNil(t, assets[0].PriceUSD)
	require.Equal(t, cdp.Units(2000), *assets[0].PriceUSD)

	f.price.Store(0)
	rec = f.do(t, http.MethodGet, "/v1/assets", &f.alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assets = decodeBody[[]assetView](t, rec)
	require.Nil(t, assets[0].PriceUSD)
	require.NotEmpty(t, assets[0].Error)
}

func TestRateLimitPerCaller(t *testing.T) {
	f := newFixture(t, RateLimit{RequestsPerMinute: 1, Burst: 1})
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/assets", &f.alice, nil).Code)
	require.Equal(t, http.StatusTooManyRequests, f.do(t, http.MethodGet, "/v1/assets", &f.alice, nil).Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/assets", &f.bob, nil).Code)
}

func TestOperationsAreTraced(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	f := newFixture(t, RateLimit{})
	rec := f.do(t, http.MethodPost, "/v1/debt/mint", &f.alice, map[string]string{"amount": units(1)})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var found bool
	for _, span := range recorder.Ended() {
		if span.Name() != "cdp.mint_debt" {
			continue
		}
		found = true
		require.Equal(t, codes.Error, span.Status().Code)
		require.Equal(t, "health_factor_broken", span.Status().Description)
	}
	require.True(t, found, "expected a cdp.mint_debt span")
}
