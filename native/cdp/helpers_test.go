package cdp

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"stablevault/crypto"
)

const (
	testAsset AssetID   = "weth"
	testFeed  OracleRef = "eth-usd"
)

func makeAddress(prefix crypto.AddressPrefix, fill byte) crypto.Address {
	raw := make([]byte, 20)
	for i := range raw {
		raw[i] = fill
	}
	return crypto.NewAddress(prefix, raw)
}

func usd(whole uint64) FeedPrice {
	return FeedPrice(whole * 100_000_000)
}

type mockToken struct {
	owner    crypto.Address
	balances map[crypto.Address]Amount
	calls    []string
	failOn   map[string]error
	hook     func(call string)
}

func newMockToken(owner crypto.Address) *mockToken {
	return &mockToken{
		owner:    owner,
		balances: make(map[crypto.Address]Amount),
		failOn:   make(map[string]error),
	}
}

func (m *mockToken) record(call string) error {
	m.calls = append(m.calls, call)
	if m.hook != nil {
		m.hook(call)
	}
	if err, ok := m.failOn[call]; ok {
		delete(m.failOn, call)
		return err
	}
	return nil
}

func (m *mockToken) move(from, to crypto.Address, amount Amount) error {
	debited, err := m.balances[from].Sub(amount)
	if err != nil {
		return fmt.Errorf("balance of %s: %w", from, err)
	}
	credited, err := m.balances[to].Add(amount)
	if err != nil {
		return err
	}
	m.balances[from] = debited
	m.balances[to] = credited
	return nil
}

func (m *mockToken) Mint(to crypto.Address, amount Amount) error {
	if err := m.record("mint"); err != nil {
		return err
	}
	next, err := m.balances[to].Add(amount)
	if err != nil {
		return err
	}
	m.balances[to] = next
	return nil
}

func (m *mockToken) Burn(amount Amount) error {
	if err := m.record("burn"); err != nil {
		return err
	}
	next, err := m.balances[m.owner].Sub(amount)
	if err != nil {
		return err
	}
	m.balances[m.owner] = next
	return nil
}

func (m *mockToken) Transfer(to crypto.Address, amount Amount) error {
	if err := m.record("transfer"); err != nil {
		return err
	}
	return m.move(m.owner, to, amount)
}

func (m *mockToken) TransferFrom(from, to crypto.Address, amount Amount) error {
	if err := m.record("transferFrom"); err != nil {
		return err
	}
	return m.move(from, to, amount)
}

func (m *mockToken) supply() Amount {
	var total Amount
	for _, bal := range m.balances {
		total, _ = total.Add(bal)
	}
	return total
}

type mockFeed struct {
	price FeedPrice
	err   error
	reads int
}

func (f *mockFeed) LatestRoundData() (RoundData, error) {
	f.reads++
	if f.err != nil {
		return RoundData{}, f.err
	}
	return RoundData{RoundID: uint64(f.reads), Answer: f.price, UpdatedAt: time.Now()}, nil
}

type memStore struct {
	records map[crypto.Address]AccountRecord
	commits int
	failing error
}

func newMemStore() *memStore {
	return &memStore{records: make(map[crypto.Address]AccountRecord)}
}

func (s *memStore) LoadAccounts() ([]AccountRecord, error) {
	out := make([]AccountRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out, nil
}

func (s *memStore) CommitAccounts(records []AccountRecord) error {
	if s.failing != nil {
		return s.failing
	}
	s.commits++
	for _, rec := range records {
		s.records[rec.Address] = rec
	}
	return nil
}

type recordingSink struct {
	events []Event
}

func (s *recordingSink) Emit(events []Event) {
	s.events = append(s.events, events...)
}

type testEnv struct {
	engine *Engine
	self   crypto.Address
	debt   *mockToken
	weth   *mockToken
	feed   *mockFeed
	store  *memStore
	sink   *recordingSink
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	self := makeAddress(crypto.ModulePrefix, 0x01)
	env := &testEnv{
		self:  self,
		debt:  newMockToken(self),
		weth:  newMockToken(self),
		feed:  &mockFeed{price: usd(2000)},
		store: newMemStore(),
		sink:  &recordingSink{},
	}
	engine, err := NewEngine(Config{
		Self:       self,
		Tokens:     []AssetID{testAsset},
		PriceFeeds: []OracleRef{testFeed},
		DebtToken:  env.debt,
		Collateral: map[AssetID]CollateralToken{testAsset: env.weth},
		Sources:    map[OracleRef]PriceSource{testFeed: env.feed},
		Store:      env.store,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	engine.SetEventSink(env.sink)
	env.engine = engine
	return env
}

// fund credits whole units of collateral to addr's wallet.
func (env *testEnv) fund(addr crypto.Address, whole uint64) {
	env.weth.balances[addr] = Units(whole)
}

var errBoom = errors.New("boom")
