package market_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/syntha/margin-engine/internal/fixedpoint"
	"github.com/syntha/margin-engine/internal/guard"
	"github.com/syntha/margin-engine/internal/ledger"
	"github.com/syntha/margin-engine/internal/liquidation"
	"github.com/syntha/margin-engine/internal/market"
	"github.com/syntha/margin-engine/internal/model"
	"github.com/syntha/margin-engine/internal/oracle"
	"github.com/syntha/margin-engine/internal/orders"
	"github.com/syntha/margin-engine/internal/pool"
	"github.com/syntha/margin-engine/internal/positions"
	"github.com/syntha/margin-engine/internal/registry"
	"github.com/syntha/margin-engine/internal/store"
	"github.com/syntha/margin-engine/internal/token"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func fp(s string) fixedpoint.Value {
	return fixedpoint.MustParse(s)
}

var t0 = time.Unix(1_700_000_000, 0).UTC()

// tolerance absorbs the funding dust that accrues between settles in
// multi-step flows; it is orders of magnitude above the drift and below
// any amount the assertions care about.
var tolerance = d(0.000001)

// clock is a manual test clock; advance it between announce and execute.
type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

type env struct {
	svc    *market.Service
	router *chi.Mux
	ms     *store.MemoryStore
	clk    *clock
	bank   *token.Bank
	shares *token.Bank
	vault  *ledger.Vault
	push   *oracle.PushFeed
}

// newTestEnv wires a full engine over a fresh in-memory store with the
// clock at t0 and no hub.
func newTestEnv(t *testing.T) *env {
	t.Helper()
	return newTestEnvWith(t, store.NewMemoryStore(), &clock{now: t0})
}

// newTestEnvWith builds the engine over an existing store and clock, the
// way a process restart would.
func newTestEnvWith(t *testing.T, ms *store.MemoryStore, clk *clock) *env {
	t.Helper()
	reg := registry.New()
	for key, module := range map[registry.Key]string{
		registry.KeyStablePool:   "stable-pool",
		registry.KeyPositionBook: "position-book",
		registry.KeyOrderBook:    "order-book",
		registry.KeyLiquidation:  "liquidation-engine",
		registry.KeyOracle:       "oracle",
	} {
		if err := reg.Register(key, module); err != nil {
			t.Fatalf("register %s: %v", key, err)
		}
	}

	bank := token.NewBank("collateral")
	shares := token.NewBank("stable-shares")
	nft := token.NewPositionNFT()
	v := ledger.New(ledger.Config{
		MaxFundingVelocity:  fp("0.03"),
		MaxVelocitySkew:     fp("0.1"),
		SkewFractionMax:     fp("1.2"),
		StableCollateralCap: fp("1000000"),
	}, reg, bank, clk.now)
	nft.SetTransferGate(v.Locked)

	push := oracle.NewPushFeed()
	pull := oracle.NewPullFeed("0xcollateral")
	orc := oracle.New(oracle.Config{
		PushMaxAge:         25 * time.Hour,
		PullMaxAge:         time.Hour,
		MinConfidenceRatio: fp("1000"),
		MaxDiffPercent:     fp("0.01"),
		UpdateFee:          fp("0.001"),
	}, push, pull, bank)

	p := pool.NewPool(pool.Config{
		WithdrawFeeRatio: fp("0.0025"),
		MinDeposit:       fp("0.01"),
	}, v.Bind(registry.KeyStablePool), shares)
	posns := positions.NewBook(positions.Config{
		LeverageMin:   fp("1.5"),
		LeverageMax:   fp("25"),
		MarginMin:     fp("0.01"),
		TradeFeeRatio: fp("0.001"),
	}, v.Bind(registry.KeyPositionBook), nft)
	book := orders.NewBook(orders.Config{
		MinExecutabilityAge: 10 * time.Second,
		MaxExecutabilityAge: 60 * time.Second,
		KeeperFee:           fp("0.02"),
	}, v.Bind(registry.KeyOrderBook), bank, nft, p, posns, orc)
	liq := liquidation.NewEngine(liquidation.Config{
		BufferRatio:   fp("0.005"),
		FeeRatio:      fp("0.002"),
		FeeLowerBound: fp("0.05"),
		FeeUpperBound: fp("1"),
		MaxPriceAge:   2 * time.Minute,
	}, v.Bind(registry.KeyLiquidation), nft, orc)
	g := guard.New(guard.Config{Tolerance: fp("0.000001")},
		v, bank, shares, nft, book, push, pull)

	svc := market.NewService(market.Deps{
		Now:    clk.Now,
		Coll:   bank,
		Shares: shares,
		NFT:    nft,
		Vault:  v,
		Oracle: orc,
		Push:   push,
		Pull:   pull,
		Pool:   p,
		Orders: book,
		Liq:    liq,
		Guard:  g,
		Store:  ms,
	})

	r := chi.NewRouter()
	r.Route("/v1", svc.Routes)

	return &env{svc: svc, router: r, ms: ms, clk: clk, bank: bank, shares: shares, vault: v, push: push}
}

func do(t *testing.T, e *env, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *env) advance(dur time.Duration) {
	e.clk.now = e.clk.now.Add(dur)
}

// post publishes a push price at the current clock.
func (e *env) post(price string) {
	e.push.Post(fp(price), e.clk.now)
}

func (e *env) balance(account string) decimal.Decimal {
	return e.bank.BalanceOf(account).Decimal()
}

// mint funds account through the faucet endpoint.
func (e *env) mint(t *testing.T, account string, amount float64) {
	t.Helper()
	w := do(t, e, "POST", "/v1/admin/mint", market.MintRequest{Account: account, Amount: d(amount)})
	if w.Code != http.StatusOK {
		t.Fatalf("mint: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

// deposit drives alice's announce+execute deposit flow: the clock moves
// 15s and "keeper" collects the fee.
func (e *env) deposit(t *testing.T, amount float64) {
	t.Helper()
	w := do(t, e, "POST", "/v1/orders/deposit", market.AnnounceDepositRequest{Account: "alice", Amount: d(amount)})
	if w.Code != http.StatusCreated {
		t.Fatalf("announce deposit: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	e.advance(15 * time.Second)
	e.post("1")
	w = do(t, e, "POST", "/v1/orders/alice/execute", market.ExecuteRequest{Keeper: "keeper"})
	if w.Code != http.StatusOK {
		t.Fatalf("execute deposit: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

// openPosition drives alice's announce+execute open at price 1: margin 10,
// size 50, net margin 9.95. Returns the position token id.
func (e *env) openPosition(t *testing.T) uint64 {
	t.Helper()
	w := do(t, e, "POST", "/v1/orders/open", market.AnnounceOpenRequest{
		Account: "alice", Margin: d(10), Size: d(50), MaxFillPrice: d(1),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("announce open: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	e.advance(15 * time.Second)
	e.post("1")
	w = do(t, e, "POST", "/v1/orders/alice/execute", market.ExecuteRequest{Keeper: "keeper"})
	if w.Code != http.StatusOK {
		t.Fatalf("execute open: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp market.ExecuteResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	return resp.TokenID
}

// --- Faucet ---

func TestAdminMint_CreditsBalance(t *testing.T) {
	e := newTestEnv(t)

	w := do(t, e, "POST", "/v1/admin/mint", market.MintRequest{Account: "alice", Amount: d(200)})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]decimal.Decimal
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp["balance"].Equal(d(200)) {
		t.Errorf("expected balance 200, got %s", resp["balance"])
	}
	if got := e.balance("alice"); !got.Equal(d(200)) {
		t.Errorf("expected bank balance 200, got %s", got)
	}

	w = do(t, e, "POST", "/v1/admin/mint", market.MintRequest{Account: "alice", Amount: d(0)})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for zero amount, got %d", w.Code)
	}
	w = do(t, e, "POST", "/v1/admin/mint", market.MintRequest{Amount: d(5)})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing account, got %d", w.Code)
	}
}

// --- Delayed orders ---

func TestAnnounceDeposit_EscrowsAndMirrors(t *testing.T) {
	e := newTestEnv(t)
	e.mint(t, "alice", 200)

	w := do(t, e, "POST", "/v1/orders/deposit", market.AnnounceDepositRequest{Account: "alice", Amount: d(100)})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var rec model.OrderRecord
	json.Unmarshal(w.Body.Bytes(), &rec)
	if rec.Type != "stable_deposit" {
		t.Errorf("expected type stable_deposit, got %s", rec.Type)
	}
	if !rec.ExecutableAt.Equal(t0.Add(10 * time.Second)) {
		t.Errorf("expected executable at %s, got %s", t0.Add(10*time.Second), rec.ExecutableAt)
	}
	if !rec.KeeperFee.Equal(d(0.02)) {
		t.Errorf("expected keeper fee 0.02, got %s", rec.KeeperFee)
	}

	// Amount plus the keeper fee moved into escrow.
	if got := e.balance("alice"); !got.Equal(d(99.98)) {
		t.Errorf("expected alice 99.98, got %s", got)
	}
	if got := e.balance(orders.EscrowAccount); !got.Equal(d(100.02)) {
		t.Errorf("expected escrow 100.02, got %s", got)
	}

	rows, err := e.ms.LoadOrders(context.Background())
	if err != nil {
		t.Fatalf("load orders: %v", err)
	}
	if len(rows) != 1 || rows[0].Account != "alice" {
		t.Fatalf("expected 1 mirrored order for alice, got %+v", rows)
	}

	// One pending slot per account.
	w = do(t, e, "POST", "/v1/orders/deposit", market.AnnounceDepositRequest{Account: "alice", Amount: d(10)})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for duplicate announce, got %d: %s", w.Code, w.Body.String())
	}
}

func TestDepositFlow_MintsShares(t *testing.T) {
	e := newTestEnv(t)
	e.mint(t, "alice", 200)
	e.deposit(t, 100)

	// First deposit at per-share 1: 100 in, 100 shares out.
	if got := e.shares.BalanceOf("alice").Decimal(); !got.Equal(d(100)) {
		t.Errorf("expected 100 shares, got %s", got)
	}
	if got := e.balance(ledger.VaultAccount); !got.Equal(d(100)) {
		t.Errorf("expected vault 100, got %s", got)
	}
	if got := e.balance("keeper"); !got.Equal(d(0.02)) {
		t.Errorf("expected keeper fee 0.02, got %s", got)
	}
	if got := e.balance(orders.EscrowAccount); !got.IsZero() {
		t.Errorf("expected empty escrow, got %s", got)
	}

	vs, err := e.ms.LoadVault(context.Background())
	if err != nil {
		t.Fatalf("load vault: %v", err)
	}
	if !vs.StableCollateralTotal.Equal(d(100)) {
		t.Errorf("expected mirrored stable 100, got %s", vs.StableCollateralTotal)
	}

	w := do(t, e, "GET", "/v1/orders/alice", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 after execution, got %d", w.Code)
	}
}

func TestExecuteOrder_TooEarly(t *testing.T) {
	e := newTestEnv(t)
	e.mint(t, "alice", 200)

	do(t, e, "POST", "/v1/orders/deposit", market.AnnounceDepositRequest{Account: "alice", Amount: d(100)})
	e.advance(5 * time.Second)
	e.post("1")

	w := do(t, e, "POST", "/v1/orders/alice/execute", market.ExecuteRequest{Keeper: "keeper"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 before the window opens, got %d: %s", w.Code, w.Body.String())
	}

	// Still pending.
	w = do(t, e, "GET", "/v1/orders/alice", nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected order still pending, got %d", w.Code)
	}
}

func TestExpiredOrder_AnyoneCancels(t *testing.T) {
	e := newTestEnv(t)
	e.mint(t, "alice", 200)

	do(t, e, "POST", "/v1/orders/deposit", market.AnnounceDepositRequest{Account: "alice", Amount: d(100)})
	e.advance(61 * time.Second)
	e.post("1")

	w := do(t, e, "POST", "/v1/orders/alice/execute", market.ExecuteRequest{Keeper: "keeper"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for expired order, got %d: %s", w.Code, w.Body.String())
	}

	// Once expired, a stranger may clean it up; the refund still goes to
	// the announcer.
	w = do(t, e, "DELETE", "/v1/orders/alice?caller=mallory", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for stranger cancel after expiry, got %d: %s", w.Code, w.Body.String())
	}
	if got := e.balance("alice"); !got.Equal(d(200)) {
		t.Errorf("expected full refund to 200, got %s", got)
	}
	if got := e.balance(orders.EscrowAccount); !got.IsZero() {
		t.Errorf("expected empty escrow, got %s", got)
	}

	rows, _ := e.ms.LoadOrders(context.Background())
	if len(rows) != 0 {
		t.Errorf("expected order mirror cleared, got %d rows", len(rows))
	}
}

func TestCancelOrder_StrangerNeedsExpiry(t *testing.T) {
	e := newTestEnv(t)
	e.mint(t, "alice", 200)

	do(t, e, "POST", "/v1/orders/deposit", market.AnnounceDepositRequest{Account: "alice", Amount: d(100)})

	w := do(t, e, "DELETE", "/v1/orders/alice?caller=mallory", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for stranger cancel before expiry, got %d", w.Code)
	}

	// The announcer may cancel at any time.
	w = do(t, e, "DELETE", "/v1/orders/alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for announcer cancel, got %d: %s", w.Code, w.Body.String())
	}
	if got := e.balance("alice"); !got.Equal(d(200)) {
		t.Errorf("expected full refund to 200, got %s", got)
	}
	w = do(t, e, "GET", "/v1/orders/alice", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 after cancel, got %d", w.Code)
	}
}

func TestWithdrawFlow_BurnsShares(t *testing.T) {
	e := newTestEnv(t)
	e.mint(t, "alice", 200)
	e.deposit(t, 100)

	w := do(t, e, "POST", "/v1/orders/withdraw", market.AnnounceWithdrawRequest{Account: "alice", ShareAmount: d(50)})
	if w.Code != http.StatusCreated {
		t.Fatalf("announce withdraw: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	// Only the keeper fee is escrowed; the shares burn at execution.
	if got := e.balance("alice"); !got.Equal(d(99.96)) {
		t.Errorf("expected alice 99.96 after announce, got %s", got)
	}

	e.advance(15 * time.Second)
	e.post("1")
	w = do(t, e, "POST", "/v1/orders/alice/execute", market.ExecuteRequest{Keeper: "keeper"})
	if w.Code != http.StatusOK {
		t.Fatalf("execute withdraw: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// 50 shares at per-share 1 pay out 50 minus the 0.25% withdraw fee.
	var resp market.ExecuteResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Value.Equal(d(49.875)) {
		t.Errorf("expected payout 49.875, got %s", resp.Value)
	}
	if got := e.shares.BalanceOf("alice").Decimal(); !got.Equal(d(50)) {
		t.Errorf("expected 50 shares left, got %s", got)
	}
	if got := e.balance("alice"); !got.Equal(d(149.835)) {
		t.Errorf("expected alice 149.835, got %s", got)
	}
	// The fee stays in the pool, lifting the share price.
	if got := e.balance(ledger.VaultAccount); !got.Equal(d(50.125)) {
		t.Errorf("expected vault 50.125, got %s", got)
	}
}

// --- Leverage lifecycle ---

func TestLeverageLifecycle_OpenAdjustClose(t *testing.T) {
	e := newTestEnv(t)
	e.mint(t, "alice", 200)
	e.deposit(t, 100)

	id := e.openPosition(t)
	if id != 1 {
		t.Fatalf("expected token id 1, got %d", id)
	}

	// Net of the 0.1% trade fee the margin is 9.95; nothing holds the
	// position yet.
	w := do(t, e, "GET", "/v1/positions/1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get position: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var pos market.PositionResponse
	json.Unmarshal(w.Body.Bytes(), &pos)
	if pos.Owner != "alice" {
		t.Errorf("expected owner alice, got %s", pos.Owner)
	}
	if !pos.EntryPrice.Equal(d(1)) {
		t.Errorf("expected entry price 1, got %s", pos.EntryPrice)
	}
	if !pos.MarginDeposited.Equal(d(9.95)) {
		t.Errorf("expected margin 9.95, got %s", pos.MarginDeposited)
	}
	if pos.Locked {
		t.Error("fresh position should not be locked")
	}

	// Adjust: top up 5 margin. The pending order holds the position.
	w = do(t, e, "POST", "/v1/orders/adjust", market.AnnounceAdjustRequest{
		Account: "alice", TokenID: id, MarginDelta: d(5), PriceBound: d(1),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("announce adjust: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	w = do(t, e, "GET", "/v1/positions/1", nil)
	json.Unmarshal(w.Body.Bytes(), &pos)
	if !pos.Locked {
		t.Error("position should be locked while the adjust is pending")
	}

	e.advance(15 * time.Second)
	e.post("1")
	w = do(t, e, "POST", "/v1/orders/alice/execute", market.ExecuteRequest{Keeper: "keeper"})
	if w.Code != http.StatusOK {
		t.Fatalf("execute adjust: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = do(t, e, "GET", "/v1/positions/1", nil)
	json.Unmarshal(w.Body.Bytes(), &pos)
	if pos.MarginDeposited.Sub(d(14.95)).Abs().GreaterThan(tolerance) {
		t.Errorf("expected margin ≈ 14.95, got %s", pos.MarginDeposited)
	}
	if pos.Locked {
		t.Error("position should unlock after the adjust executes")
	}
	if got := e.balance("alice"); !got.Equal(d(84.94)) {
		t.Errorf("expected alice 84.94, got %s", got)
	}

	// Close at the entry price: margin back minus both trade fees.
	w = do(t, e, "POST", "/v1/orders/close", market.AnnounceCloseRequest{
		Account: "alice", TokenID: id, MinFillPrice: d(0.9),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("announce close: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	e.advance(15 * time.Second)
	e.post("1")
	w = do(t, e, "POST", "/v1/orders/alice/execute", market.ExecuteRequest{Keeper: "keeper"})
	if w.Code != http.StatusOK {
		t.Fatalf("execute close: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp market.ExecuteResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Value.Sub(d(14.9)).Abs().GreaterThan(tolerance) {
		t.Errorf("expected payout ≈ 14.90, got %s", resp.Value)
	}
	if got := e.balance("alice"); got.Sub(d(99.82)).Abs().GreaterThan(tolerance) {
		t.Errorf("expected alice ≈ 99.82, got %s", got)
	}
	// Four executions, 0.02 each.
	if got := e.balance("keeper"); !got.Equal(d(0.08)) {
		t.Errorf("expected keeper 0.08, got %s", got)
	}

	w = do(t, e, "GET", "/v1/positions/1", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 after close, got %d", w.Code)
	}
	rows, _ := e.ms.LoadPositions(context.Background())
	if len(rows) != 0 {
		t.Errorf("expected position mirror cleared, got %d rows", len(rows))
	}
}

func TestAnnounceOpen_InsufficientBalance(t *testing.T) {
	e := newTestEnv(t)
	e.mint(t, "alice", 5)

	w := do(t, e, "POST", "/v1/orders/open", market.AnnounceOpenRequest{
		Account: "alice", Margin: d(10), Size: d(50), MaxFillPrice: d(1),
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}
	// Nothing was escrowed and no slot is taken.
	if got := e.balance("alice"); !got.Equal(d(5)) {
		t.Errorf("expected alice 5, got %s", got)
	}
	w = do(t, e, "GET", "/v1/orders/alice", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected no pending order, got %d", w.Code)
	}
}

// --- Error mapping ---

func TestValidation_BadRequests(t *testing.T) {
	e := newTestEnv(t)
	e.mint(t, "alice", 200)

	tests := []struct {
		name, method, path string
		body               any
	}{
		{"missing account", "POST", "/v1/orders/deposit", market.AnnounceDepositRequest{Amount: d(10)}},
		{"negative amount", "POST", "/v1/orders/deposit", market.AnnounceDepositRequest{Account: "alice", Amount: d(-5)}},
		{"empty keeper", "POST", "/v1/orders/alice/execute", market.ExecuteRequest{}},
		{"bad token id", "GET", "/v1/positions/abc", nil},
		{"bad journal limit", "GET", "/v1/journal?limit=0", nil},
		{"zero push price", "POST", "/v1/oracle/push", market.PushPriceRequest{Price: d(0)}},
	}
	for _, tt := range tests {
		w := do(t, e, tt.method, tt.path, tt.body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d: %s", tt.name, w.Code, w.Body.String())
		}
	}
}

func TestFailedDispatch_LeavesNoPartialState(t *testing.T) {
	e := newTestEnv(t)
	e.mint(t, "alice", 200)

	// Below the pool minimum; the announce passes, the dispatch fails.
	w := do(t, e, "POST", "/v1/orders/deposit", market.AnnounceDepositRequest{Account: "alice", Amount: d(0.005)})
	if w.Code != http.StatusCreated {
		t.Fatalf("announce: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if got := e.balance("alice"); !got.Equal(d(199.975)) {
		t.Fatalf("expected alice 199.975 after announce, got %s", got)
	}

	e.advance(15 * time.Second)
	e.post("1")
	w = do(t, e, "POST", "/v1/orders/alice/execute", market.ExecuteRequest{Keeper: "keeper"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}

	// The failed execution rolled back completely: escrow intact, order
	// still pending, no shares minted, keeper unpaid.
	if got := e.balance("alice"); !got.Equal(d(199.975)) {
		t.Errorf("expected alice 199.975, got %s", got)
	}
	if got := e.balance(orders.EscrowAccount); !got.Equal(d(0.025)) {
		t.Errorf("expected escrow 0.025, got %s", got)
	}
	if got := e.shares.TotalSupply(); !got.IsZero() {
		t.Errorf("expected no shares, got %s", got)
	}
	if got := e.balance("keeper"); !got.IsZero() {
		t.Errorf("expected keeper unpaid, got %s", got)
	}
	w = do(t, e, "GET", "/v1/orders/alice", nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected order still pending, got %d", w.Code)
	}

	// Cancelling recovers the full escrow.
	w = do(t, e, "DELETE", "/v1/orders/alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := e.balance("alice"); !got.Equal(d(200)) {
		t.Errorf("expected alice 200 after cancel, got %s", got)
	}
}

func TestOracleUnavailable_ServiceUnavailable(t *testing.T) {
	e := newTestEnv(t)
	e.mint(t, "alice", 200)

	do(t, e, "POST", "/v1/orders/deposit", market.AnnounceDepositRequest{Account: "alice", Amount: d(100)})
	e.advance(15 * time.Second)

	// No price was ever posted.
	w := do(t, e, "POST", "/v1/orders/alice/execute", market.ExecuteRequest{Keeper: "keeper"})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a price, got %d: %s", w.Code, w.Body.String())
	}
	w = do(t, e, "GET", "/v1/oracle/price", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 from the price view, got %d", w.Code)
	}
}

// --- Limit orders ---

func TestLimitClose_ThresholdGating(t *testing.T) {
	e := newTestEnv(t)
	e.mint(t, "alice", 200)
	e.deposit(t, 100)
	id := e.openPosition(t)
	before := e.balance("alice")

	w := do(t, e, "POST", "/v1/limit-orders", market.AnnounceLimitCloseRequest{
		Account: "alice", TokenID: id, LowerPrice: d(0.8), UpperPrice: d(1.5),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("announce limit: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	w = do(t, e, "GET", "/v1/limit-orders/1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get limit: expected 200, got %d", w.Code)
	}
	var rec model.OrderRecord
	json.Unmarshal(w.Body.Bytes(), &rec)
	if rec.Type != "limit_close" {
		t.Errorf("expected type limit_close, got %s", rec.Type)
	}

	var pos market.PositionResponse
	w = do(t, e, "GET", "/v1/positions/1", nil)
	json.Unmarshal(w.Body.Bytes(), &pos)
	if !pos.Locked {
		t.Error("position should be locked while the limit order is live")
	}

	// Between the thresholds: not fillable.
	e.advance(15 * time.Second)
	e.post("1")
	w = do(t, e, "POST", "/v1/limit-orders/1/execute", market.ExecuteRequest{Keeper: "keeper"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 between thresholds, got %d: %s", w.Code, w.Body.String())
	}

	// Above the profit threshold: fills at the oracle price.
	e.post("1.6")
	w = do(t, e, "POST", "/v1/limit-orders/1/execute", market.ExecuteRequest{Keeper: "keeper"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 above threshold, got %d: %s", w.Code, w.Body.String())
	}
	var resp market.ExecuteResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Value.Sign() <= 0 {
		t.Errorf("expected positive payout, got %s", resp.Value)
	}
	if got := e.balance("alice"); !got.GreaterThan(before.Add(d(10))) {
		t.Errorf("expected alice well above %s after the profit take, got %s", before, got)
	}

	w = do(t, e, "GET", "/v1/positions/1", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected position gone, got %d", w.Code)
	}
	w = do(t, e, "GET", "/v1/limit-orders/1", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected limit order gone, got %d", w.Code)
	}
	rows, _ := e.ms.LoadLimitOrders(context.Background())
	if len(rows) != 0 {
		t.Errorf("expected limit mirror cleared, got %d rows", len(rows))
	}
}

func TestCancelLimitOrder_OwnerOnlyWhileAlive(t *testing.T) {
	e := newTestEnv(t)
	e.mint(t, "alice", 200)
	e.deposit(t, 100)
	id := e.openPosition(t)

	do(t, e, "POST", "/v1/limit-orders", market.AnnounceLimitCloseRequest{
		Account: "alice", TokenID: id, LowerPrice: d(0.8), UpperPrice: d(1.5),
	})

	w := do(t, e, "DELETE", "/v1/limit-orders/1?caller=mallory", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for non-owner cancel, got %d: %s", w.Code, w.Body.String())
	}

	balanceBefore := e.balance("alice")
	w = do(t, e, "DELETE", "/v1/limit-orders/1?caller=alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for owner cancel, got %d: %s", w.Code, w.Body.String())
	}
	// The keeper fee comes back and the hold is released.
	if got := e.balance("alice"); !got.Equal(balanceBefore.Add(d(0.02))) {
		t.Errorf("expected fee refund, got %s", got)
	}
	var pos market.PositionResponse
	w = do(t, e, "GET", "/v1/positions/1", nil)
	json.Unmarshal(w.Body.Bytes(), &pos)
	if pos.Locked {
		t.Error("position should unlock after the cancel")
	}
}

// --- Liquidations ---

func TestLiquidationFlow(t *testing.T) {
	e := newTestEnv(t)
	e.mint(t, "alice", 200)
	e.deposit(t, 100)
	e.openPosition(t)

	// Healthy at the entry price.
	w := do(t, e, "GET", "/v1/liquidations/1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("probe: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var probe market.CanLiquidateResponse
	json.Unmarshal(w.Body.Bytes(), &probe)
	if probe.Liquidatable {
		t.Error("position should be healthy at the entry price")
	}

	// At 0.805 the settled margin is 9.95 - 50*0.195 = 0.20, under the
	// 0.35 maintenance requirement but still positive.
	e.post("0.805")
	w = do(t, e, "GET", "/v1/liquidations/1", nil)
	json.Unmarshal(w.Body.Bytes(), &probe)
	if !probe.Liquidatable {
		t.Fatal("position should be liquidatable at 0.805")
	}

	w = do(t, e, "POST", "/v1/liquidations/1", market.ExecuteRequest{Keeper: "liquidator"})
	if w.Code != http.StatusOK {
		t.Fatalf("liquidate: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp market.LiquidationResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	// Fee: 0.0805 USD (0.2% of 50 at 0.805) converts to 0.1 collateral,
	// covered by the remaining margin; the rest goes to the stable side.
	if !resp.Fee.Equal(d(0.1)) {
		t.Errorf("expected fee 0.1, got %s", resp.Fee)
	}
	if !resp.Remainder.Equal(d(0.1)) {
		t.Errorf("expected remainder 0.1, got %s", resp.Remainder)
	}
	if got := e.balance("liquidator"); !got.Equal(d(0.1)) {
		t.Errorf("expected liquidator paid 0.1, got %s", got)
	}
	// The vault keeps exactly what it still tracks: 110 backing minus the
	// fee paid out.
	if got := e.balance(ledger.VaultAccount); !got.Equal(d(109.9)) {
		t.Errorf("expected vault 109.9, got %s", got)
	}

	w = do(t, e, "GET", "/v1/positions/1", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected position gone, got %d", w.Code)
	}
	w = do(t, e, "GET", "/v1/liquidations/1", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 probing a missing position, got %d", w.Code)
	}
	rows, _ := e.ms.LoadPositions(context.Background())
	if len(rows) != 0 {
		t.Errorf("expected position mirror cleared, got %d rows", len(rows))
	}
}

// --- Views ---

func TestVaultView(t *testing.T) {
	e := newTestEnv(t)
	e.mint(t, "alice", 200)
	e.deposit(t, 100)

	w := do(t, e, "GET", "/v1/vault", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp market.VaultResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	if !resp.StableCollateralTotal.Equal(d(100)) {
		t.Errorf("expected stable 100, got %s", resp.StableCollateralTotal)
	}
	if !resp.StableShareSupply.Equal(d(100)) {
		t.Errorf("expected share supply 100, got %s", resp.StableShareSupply)
	}
	if !resp.CollateralPerShare.Equal(d(1)) {
		t.Errorf("expected per-share 1, got %s", resp.CollateralPerShare)
	}
	if !resp.LastPrice.Equal(d(1)) {
		t.Errorf("expected last price 1, got %s", resp.LastPrice)
	}
	if !resp.SkewFraction.Equal(d(-1)) {
		t.Errorf("expected skew -1 with no longs, got %s", resp.SkewFraction)
	}
	if !resp.CurrentFundingRate.IsZero() {
		t.Errorf("expected zero funding rate, got %s", resp.CurrentFundingRate)
	}
	if !resp.MarginDepositedTotal.IsZero() {
		t.Errorf("expected zero margin total, got %s", resp.MarginDepositedTotal)
	}
}

func TestListPositions_FilterByAccount(t *testing.T) {
	e := newTestEnv(t)
	e.mint(t, "alice", 200)
	e.mint(t, "bob", 50)
	e.deposit(t, 100)
	e.openPosition(t)

	// Bob opens a second position.
	w := do(t, e, "POST", "/v1/orders/open", market.AnnounceOpenRequest{
		Account: "bob", Margin: d(10), Size: d(20), MaxFillPrice: d(1),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("bob announce: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	e.advance(15 * time.Second)
	e.post("1")
	w = do(t, e, "POST", "/v1/orders/bob/execute", market.ExecuteRequest{Keeper: "keeper"})
	if w.Code != http.StatusOK {
		t.Fatalf("bob execute: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var all []market.PositionResponse
	w = do(t, e, "GET", "/v1/positions", nil)
	json.Unmarshal(w.Body.Bytes(), &all)
	if len(all) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(all))
	}
	if all[0].TokenID != 1 || all[1].TokenID != 2 {
		t.Errorf("expected token order [1 2], got [%d %d]", all[0].TokenID, all[1].TokenID)
	}

	var mine []market.PositionResponse
	w = do(t, e, "GET", "/v1/positions?account=bob", nil)
	json.Unmarshal(w.Body.Bytes(), &mine)
	if len(mine) != 1 || mine[0].Owner != "bob" {
		t.Fatalf("expected bob's position only, got %+v", mine)
	}

	w = do(t, e, "GET", "/v1/positions?account=nobody", nil)
	if body := strings.TrimSpace(w.Body.String()); body != "[]" {
		t.Errorf("expected empty array, got %s", body)
	}
}

func TestJournal_NewestFirst(t *testing.T) {
	e := newTestEnv(t)
	e.mint(t, "alice", 200)
	do(t, e, "POST", "/v1/orders/deposit", market.AnnounceDepositRequest{Account: "alice", Amount: d(100)})

	w := do(t, e, "GET", "/v1/journal?limit=1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var entries []model.JournalEntry
	json.Unmarshal(w.Body.Bytes(), &entries)
	if len(entries) != 1 || entries[0].Kind != "order_announced" {
		t.Fatalf("expected the announce first, got %+v", entries)
	}

	w = do(t, e, "GET", "/v1/journal", nil)
	json.Unmarshal(w.Body.Bytes(), &entries)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Kind != "order_announced" || entries[1].Kind != "admin_mint" {
		t.Errorf("unexpected order: %s, %s", entries[0].Kind, entries[1].Kind)
	}
}

// --- Oracle endpoints ---

func TestOracle_PushThenPullUpdate(t *testing.T) {
	e := newTestEnv(t)

	w := do(t, e, "POST", "/v1/oracle/push", market.PushPriceRequest{Price: d(2.5)})
	if w.Code != http.StatusOK {
		t.Fatalf("push: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var pr market.PriceResponse
	w = do(t, e, "GET", "/v1/oracle/price", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get price: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	json.Unmarshal(w.Body.Bytes(), &pr)
	if !pr.Price.Equal(d(2.5)) {
		t.Errorf("expected price 2.5, got %s", pr.Price)
	}

	// A newer pull update within the deviation band becomes the best
	// price; the submitter pays the fee and keeps the excess.
	e.mint(t, "sub", 1)
	payload := `{"id":"0xcollateral","price":{"price":"252000000","conf":"100000","expo":-8,"publish_time":1700000001}}`
	w = do(t, e, "POST", "/v1/oracle/pull", market.PullUpdateRequest{
		Submitter: "sub", Payload: json.RawMessage(payload), Payment: d(0.5),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("pull: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	json.Unmarshal(w.Body.Bytes(), &pr)
	if !pr.Price.Equal(d(2.52)) {
		t.Errorf("expected pull price 2.52, got %s", pr.Price)
	}
	if got := e.balance("sub"); !got.Equal(d(0.999)) {
		t.Errorf("expected submitter refunded to 0.999, got %s", got)
	}
	if got := e.balance(oracle.FeeAccount); !got.Equal(d(0.001)) {
		t.Errorf("expected fee account 0.001, got %s", got)
	}

	w = do(t, e, "GET", "/v1/oracle/price", nil)
	json.Unmarshal(w.Body.Bytes(), &pr)
	if !pr.Price.Equal(d(2.52)) {
		t.Errorf("expected best price 2.52 from the pull feed, got %s", pr.Price)
	}
}

func TestGetPrice_MaxAgeBound(t *testing.T) {
	e := newTestEnv(t)
	e.post("2.5")
	e.advance(5 * time.Second)

	w := do(t, e, "GET", "/v1/oracle/price?maxAge=1s", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 for a 5s-old price with maxAge=1s, got %d", w.Code)
	}
	w = do(t, e, "GET", "/v1/oracle/price?maxAge=10s", nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 with maxAge=10s, got %d: %s", w.Code, w.Body.String())
	}
	w = do(t, e, "GET", "/v1/oracle/price?maxAge=banana", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a malformed maxAge, got %d", w.Code)
	}
}

// --- Boot ---

func TestBoot_RestoresEngineFromStore(t *testing.T) {
	e := newTestEnv(t)
	e.mint(t, "alice", 200)
	e.deposit(t, 100)
	id := e.openPosition(t)

	// Leave a pending close behind: escrowed fee plus a position hold.
	w := do(t, e, "POST", "/v1/orders/close", market.AnnounceCloseRequest{
		Account: "alice", TokenID: id, MinFillPrice: d(0.9),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("announce close: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	// A fresh engine over the same store picks up where the old one left
	// off. User balances live in the external token system and start
	// empty; the engine accounts are restored from the mirror.
	e2 := newTestEnvWith(t, e.ms, e.clk)
	if err := e2.svc.Boot(context.Background()); err != nil {
		t.Fatalf("boot: %v", err)
	}

	// 100 stable plus 9.95 margin plus the 0.05 open fee.
	if got := e2.balance(ledger.VaultAccount); !got.Equal(d(110)) {
		t.Errorf("expected vault backing 110, got %s", got)
	}
	if got := e2.balance(orders.EscrowAccount); !got.Equal(d(0.02)) {
		t.Errorf("expected escrow 0.02 for the pending close, got %s", got)
	}

	var pos market.PositionResponse
	w = do(t, e2, "GET", "/v1/positions/1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get position: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	json.Unmarshal(w.Body.Bytes(), &pos)
	if pos.Owner != "alice" || !pos.MarginDeposited.Equal(d(9.95)) {
		t.Errorf("unexpected restored position: %+v", pos)
	}
	if !pos.Locked {
		t.Error("the pending close's hold should be re-taken at boot")
	}

	var rec model.OrderRecord
	w = do(t, e2, "GET", "/v1/orders/alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get order: expected 200, got %d", w.Code)
	}
	json.Unmarshal(w.Body.Bytes(), &rec)
	if rec.Type != "leverage_close" {
		t.Errorf("expected restored leverage_close, got %s", rec.Type)
	}

	// The restored close still executes end to end.
	e2.advance(15 * time.Second)
	e2.post("1")
	w = do(t, e2, "POST", "/v1/orders/alice/execute", market.ExecuteRequest{Keeper: "keeper"})
	if w.Code != http.StatusOK {
		t.Fatalf("execute restored close: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp market.ExecuteResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Value.Sub(d(9.9)).Abs().GreaterThan(tolerance) {
		t.Errorf("expected payout ≈ 9.90, got %s", resp.Value)
	}
	// Backing still balances: the vault holds exactly what it tracks.
	tracked := e2.vault.StableCollateralTotal().Add(e2.vault.Global().MarginDepositedTotal)
	if got := e2.bank.BalanceOf(ledger.VaultAccount); !got.Equal(tracked) {
		t.Errorf("vault holds %s, tracks %s", got, tracked)
	}
}
