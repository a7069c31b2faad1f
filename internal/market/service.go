// Package market provides the HTTP service over the margin engine:
// announcing and executing orders, liquidations, oracle price ingestion,
// and read views, with store write-through and WebSocket broadcasts.
//
// All monetary values cross the HTTP boundary as decimal strings —
// never float64 for money.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/syntha/margin-engine/internal/fault"
	"github.com/syntha/margin-engine/internal/fixedpoint"
	"github.com/syntha/margin-engine/internal/guard"
	"github.com/syntha/margin-engine/internal/ledger"
	"github.com/syntha/margin-engine/internal/liquidation"
	"github.com/syntha/margin-engine/internal/metrics"
	"github.com/syntha/margin-engine/internal/model"
	"github.com/syntha/margin-engine/internal/oracle"
	"github.com/syntha/margin-engine/internal/orders"
	"github.com/syntha/margin-engine/internal/pool"
	"github.com/syntha/margin-engine/internal/registry"
	"github.com/syntha/margin-engine/internal/store"
	"github.com/syntha/margin-engine/internal/token"
)

// Deps carries the wired engine the service drives. Hub may be nil when
// WebSocket broadcasting is not needed.
type Deps struct {
	Now    func() time.Time
	Coll   *token.Bank
	Shares *token.Bank
	NFT    *token.PositionNFT
	Vault  *ledger.Vault
	Oracle *oracle.Oracle
	Push   *oracle.PushFeed
	Pull   *oracle.PullFeed
	Pool   *pool.Pool
	Orders *orders.Book
	Liq    *liquidation.Engine
	Guard  *guard.Guard
	Store  store.Store
	Hub    *WSHub
}

// Service handles engine operations over HTTP. One mutex serializes every
// touch of engine state (single-instance); the store and the hub carry
// their own synchronization. For horizontal scaling, replace with
// distributed locking at the store boundary.
type Service struct {
	Deps
	mu sync.Mutex
}

// NewService creates a new engine service.
func NewService(deps Deps) *Service {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Service{Deps: deps}
}

// Routes mounts the service endpoints on r, normally under /v1.
func (s *Service) Routes(r chi.Router) {
	r.Post("/orders/deposit", s.AnnounceDeposit)
	r.Post("/orders/withdraw", s.AnnounceWithdraw)
	r.Post("/orders/open", s.AnnounceOpen)
	r.Post("/orders/adjust", s.AnnounceAdjust)
	r.Post("/orders/close", s.AnnounceClose)
	r.Post("/orders/{account}/execute", s.ExecuteOrder)
	r.Delete("/orders/{account}", s.CancelOrder)
	r.Get("/orders/{account}", s.GetOrder)
	r.Post("/limit-orders", s.AnnounceLimitClose)
	r.Post("/limit-orders/{tokenID}/execute", s.ExecuteLimitOrder)
	r.Delete("/limit-orders/{tokenID}", s.CancelLimitOrder)
	r.Get("/limit-orders/{tokenID}", s.GetLimitOrder)
	r.Post("/liquidations/{tokenID}", s.Liquidate)
	r.Get("/liquidations/{tokenID}", s.CanLiquidate)
	r.Get("/positions/{tokenID}", s.GetPosition)
	r.Get("/positions", s.ListPositions)
	r.Get("/vault", s.GetVault)
	r.Get("/journal", s.GetJournal)
	r.Post("/oracle/push", s.PostPushPrice)
	r.Post("/oracle/pull", s.PostPullUpdate)
	r.Get("/oracle/price", s.GetPrice)
	r.Post("/admin/mint", s.AdminMint)
}

// --- Request/Response types ---

// AnnounceDepositRequest is the JSON body for POST /v1/orders/deposit.
type AnnounceDepositRequest struct {
	Account      string          `json:"account"`
	Amount       decimal.Decimal `json:"amount"`
	MinSharesOut decimal.Decimal `json:"min_shares_out"`
}

// AnnounceWithdrawRequest is the JSON body for POST /v1/orders/withdraw.
type AnnounceWithdrawRequest struct {
	Account      string          `json:"account"`
	ShareAmount  decimal.Decimal `json:"share_amount"`
	MinAmountOut decimal.Decimal `json:"min_amount_out"`
}

// AnnounceOpenRequest is the JSON body for POST /v1/orders/open.
type AnnounceOpenRequest struct {
	Account      string          `json:"account"`
	Margin       decimal.Decimal `json:"margin"`
	Size         decimal.Decimal `json:"size"`
	MaxFillPrice decimal.Decimal `json:"max_fill_price"`
}

// AnnounceAdjustRequest is the JSON body for POST /v1/orders/adjust.
// MarginDelta may be negative to withdraw margin; SizeDelta may be
// negative to shrink the position.
type AnnounceAdjustRequest struct {
	Account     string          `json:"account"`
	TokenID     uint64          `json:"token_id"`
	MarginDelta decimal.Decimal `json:"margin_delta"`
	SizeDelta   decimal.Decimal `json:"size_delta"`
	PriceBound  decimal.Decimal `json:"price_bound"`
}

// AnnounceCloseRequest is the JSON body for POST /v1/orders/close.
type AnnounceCloseRequest struct {
	Account      string          `json:"account"`
	TokenID      uint64          `json:"token_id"`
	MinFillPrice decimal.Decimal `json:"min_fill_price"`
}

// AnnounceLimitCloseRequest is the JSON body for POST /v1/limit-orders.
// Lower is the stop-loss threshold, upper the profit-take.
type AnnounceLimitCloseRequest struct {
	Account    string          `json:"account"`
	TokenID    uint64          `json:"token_id"`
	LowerPrice decimal.Decimal `json:"lower_price"`
	UpperPrice decimal.Decimal `json:"upper_price"`
}

// ExecuteRequest names the keeper account receiving the execution fee.
type ExecuteRequest struct {
	Keeper string `json:"keeper"`
}

// PushPriceRequest is the JSON body for POST /v1/oracle/push. A zero
// timestamp means the server clock.
type PushPriceRequest struct {
	Price     decimal.Decimal `json:"price"`
	Timestamp int64           `json:"timestamp"` // unix seconds
}

// PullUpdateRequest is the JSON body for POST /v1/oracle/pull.
type PullUpdateRequest struct {
	Submitter string          `json:"submitter"`
	Payload   json.RawMessage `json:"payload"`
	Payment   decimal.Decimal `json:"payment"`
}

// MintRequest is the JSON body for POST /v1/admin/mint.
type MintRequest struct {
	Account string          `json:"account"`
	Amount  decimal.Decimal `json:"amount"`
}

// ExecuteResponse is returned from order execution.
type ExecuteResponse struct {
	Order   model.OrderRecord `json:"order"`
	Price   decimal.Decimal   `json:"price"`
	TokenID uint64            `json:"token_id,omitempty"`
	Value   decimal.Decimal   `json:"value"`
}

// PositionResponse is the position view.
type PositionResponse struct {
	TokenID                uint64          `json:"token_id"`
	Owner                  string          `json:"owner"`
	EntryPrice             decimal.Decimal `json:"entry_price"`
	MarginDeposited        decimal.Decimal `json:"margin_deposited"`
	AdditionalSize         decimal.Decimal `json:"additional_size"`
	EntryCumulativeFunding decimal.Decimal `json:"entry_cumulative_funding"`
	Locked                 bool            `json:"locked"`
}

// VaultResponse is the vault view: totals, funding state, share price,
// and skew.
type VaultResponse struct {
	StableCollateralTotal  decimal.Decimal `json:"stable_collateral_total"`
	StableShareSupply      decimal.Decimal `json:"stable_share_supply"`
	CollateralPerShare     decimal.Decimal `json:"collateral_per_share"`
	SizeOpenedTotal        decimal.Decimal `json:"size_opened_total"`
	MarginDepositedTotal   decimal.Decimal `json:"margin_deposited_total"`
	LastPrice              decimal.Decimal `json:"last_price"`
	CurrentFundingRate     decimal.Decimal `json:"current_funding_rate"`
	CumulativeFundingIndex decimal.Decimal `json:"cumulative_funding_index"`
	SkewFraction           decimal.Decimal `json:"skew_fraction"`
}

// CanLiquidateResponse is returned from the liquidation probe.
type CanLiquidateResponse struct {
	TokenID      uint64 `json:"token_id"`
	Liquidatable bool   `json:"liquidatable"`
}

// LiquidationResponse is returned from an executed liquidation.
type LiquidationResponse struct {
	TokenID   uint64          `json:"token_id"`
	Price     decimal.Decimal `json:"price"`
	Fee       decimal.Decimal `json:"fee"`
	Remainder decimal.Decimal `json:"remainder"`
}

// PriceResponse is the validated oracle price view.
type PriceResponse struct {
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// --- HTTP Handlers ---

// AnnounceDeposit handles POST /v1/orders/deposit.
func (s *Service) AnnounceDeposit(w http.ResponseWriter, r *http.Request) {
	var req AnnounceDepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Account == "" {
		writeError(w, "account is required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var o orders.Order
	err := s.Guard.Bracket("orders", func() error {
		var err error
		o, err = s.Orders.AnnounceStableDeposit(req.Account,
			fixedpoint.FromDecimal(req.Amount), fixedpoint.FromDecimal(req.MinSharesOut), s.Now())
		return err
	})
	if err != nil {
		s.fail(w, err)
		return
	}

	s.committedAnnounce(r.Context(), o)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(orderRecord(o))
}

// AnnounceWithdraw handles POST /v1/orders/withdraw.
func (s *Service) AnnounceWithdraw(w http.ResponseWriter, r *http.Request) {
	var req AnnounceWithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Account == "" {
		writeError(w, "account is required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var o orders.Order
	err := s.Guard.Bracket("orders", func() error {
		var err error
		o, err = s.Orders.AnnounceStableWithdraw(req.Account,
			fixedpoint.FromDecimal(req.ShareAmount), fixedpoint.FromDecimal(req.MinAmountOut), s.Now())
		return err
	})
	if err != nil {
		s.fail(w, err)
		return
	}

	s.committedAnnounce(r.Context(), o)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(orderRecord(o))
}

// AnnounceOpen handles POST /v1/orders/open.
func (s *Service) AnnounceOpen(w http.ResponseWriter, r *http.Request) {
	var req AnnounceOpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Account == "" {
		writeError(w, "account is required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var o orders.Order
	err := s.Guard.Bracket("orders", func() error {
		var err error
		o, err = s.Orders.AnnounceLeverageOpen(req.Account,
			fixedpoint.FromDecimal(req.Margin), fixedpoint.FromDecimal(req.Size),
			fixedpoint.FromDecimal(req.MaxFillPrice), s.Now())
		return err
	})
	if err != nil {
		s.fail(w, err)
		return
	}

	s.committedAnnounce(r.Context(), o)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(orderRecord(o))
}

// AnnounceAdjust handles POST /v1/orders/adjust.
func (s *Service) AnnounceAdjust(w http.ResponseWriter, r *http.Request) {
	var req AnnounceAdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Account == "" {
		writeError(w, "account is required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var o orders.Order
	err := s.Guard.Bracket("orders", func() error {
		var err error
		o, err = s.Orders.AnnounceLeverageAdjust(req.Account, req.TokenID,
			fixedpoint.FromDecimal(req.MarginDelta), fixedpoint.FromDecimal(req.SizeDelta),
			fixedpoint.FromDecimal(req.PriceBound), s.Now())
		return err
	})
	if err != nil {
		s.fail(w, err)
		return
	}

	s.committedAnnounce(r.Context(), o)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(orderRecord(o))
}

// AnnounceClose handles POST /v1/orders/close.
func (s *Service) AnnounceClose(w http.ResponseWriter, r *http.Request) {
	var req AnnounceCloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Account == "" {
		writeError(w, "account is required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var o orders.Order
	err := s.Guard.Bracket("orders", func() error {
		var err error
		o, err = s.Orders.AnnounceLeverageClose(req.Account, req.TokenID,
			fixedpoint.FromDecimal(req.MinFillPrice), s.Now())
		return err
	})
	if err != nil {
		s.fail(w, err)
		return
	}

	s.committedAnnounce(r.Context(), o)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(orderRecord(o))
}

// AnnounceLimitClose handles POST /v1/limit-orders. Re-announcing for a
// position replaces its thresholds.
func (s *Service) AnnounceLimitClose(w http.ResponseWriter, r *http.Request) {
	var req AnnounceLimitCloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Account == "" {
		writeError(w, "account is required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var o orders.Order
	err := s.Guard.Bracket("orders", func() error {
		var err error
		o, err = s.Orders.AnnounceLimitClose(req.Account, req.TokenID,
			fixedpoint.FromDecimal(req.LowerPrice), fixedpoint.FromDecimal(req.UpperPrice), s.Now())
		return err
	})
	if err != nil {
		s.fail(w, err)
		return
	}

	s.committedAnnounce(r.Context(), o)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(orderRecord(o))
}

// ExecuteOrder handles POST /v1/orders/{account}/execute. Any keeper may
// execute any account's order once its window opens.
func (s *Service) ExecuteOrder(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var res orders.Result
	err := s.Guard.Bracket("orders", func() error {
		var err error
		res, err = s.Orders.ExecuteOrder(account, req.Keeper, s.Now())
		return err
	})
	if err != nil {
		s.fail(w, err)
		return
	}

	ctx := r.Context()
	s.storeWrite("delete_order", s.Store.DeleteOrder(ctx, account))
	s.persistVault(ctx)
	switch res.Order.Type {
	case orders.TypeLeverageOpen, orders.TypeLeverageAdjust:
		s.persistPosition(ctx, res.TokenID)
	case orders.TypeLeverageClose:
		s.persistPosition(ctx, res.TokenID)
		// The close may have resolved a limit order on the same token.
		if _, ok := s.Orders.LimitOrder(res.TokenID); !ok {
			s.storeWrite("delete_limit_order", s.Store.DeleteLimitOrder(ctx, res.TokenID))
		}
	}

	resp := executeResponse(res)
	s.journal(ctx, model.JournalEntry{
		Kind:      "order_executed",
		Account:   account,
		TokenID:   res.TokenID,
		OrderType: string(res.Order.Type),
		Amount:    res.Value.Decimal(),
		Price:     res.Price.Decimal(),
	})
	metrics.OrdersExecuted.WithLabelValues(string(res.Order.Type)).Inc()
	metrics.FundingSettlements.Inc()
	s.refreshGauges()
	s.emit(Event{Type: "order_executed", Account: account, TokenID: res.TokenID, Data: resp})

	slog.Info("order executed",
		"type", res.Order.Type,
		"account", account,
		"keeper", req.Keeper,
		"price", res.Price.String(),
		"value", res.Value.String(),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// CancelOrder handles DELETE /v1/orders/{account}. The announcer may
// cancel at any time; anyone else only once the order expired, naming
// themselves with ?caller=.
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	caller := r.URL.Query().Get("caller")
	if caller == "" {
		caller = account
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, _ := s.Orders.Order(account)
	err := s.Guard.Bracket("orders", func() error {
		return s.Orders.CancelOrder(account, caller, s.Now())
	})
	if err != nil {
		s.fail(w, err)
		return
	}

	ctx := r.Context()
	s.storeWrite("delete_order", s.Store.DeleteOrder(ctx, account))
	s.journal(ctx, model.JournalEntry{
		Kind:      "order_cancelled",
		Account:   account,
		TokenID:   o.TokenID,
		OrderType: string(o.Type),
	})
	metrics.OrdersCancelled.WithLabelValues(string(o.Type)).Inc()
	s.emit(Event{Type: "order_cancelled", Account: account, TokenID: o.TokenID, Data: orderRecord(o)})

	slog.Info("order cancelled", "type", o.Type, "account", account, "caller", caller)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(orderRecord(o))
}

// GetOrder handles GET /v1/orders/{account}.
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")

	s.mu.Lock()
	o, ok := s.Orders.Order(account)
	s.mu.Unlock()
	if !ok {
		writeError(w, "no pending order", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(orderRecord(o))
}

// ExecuteLimitOrder handles POST /v1/limit-orders/{tokenID}/execute.
func (s *Service) ExecuteLimitOrder(w http.ResponseWriter, r *http.Request) {
	tokenID, err := tokenIDParam(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var res orders.Result
	err = s.Guard.Bracket("orders", func() error {
		var err error
		res, err = s.Orders.ExecuteLimitOrder(tokenID, req.Keeper, s.Now())
		return err
	})
	if err != nil {
		s.fail(w, err)
		return
	}

	ctx := r.Context()
	s.storeWrite("delete_limit_order", s.Store.DeleteLimitOrder(ctx, tokenID))
	s.persistVault(ctx)
	s.persistPosition(ctx, tokenID)

	resp := executeResponse(res)
	s.journal(ctx, model.JournalEntry{
		Kind:      "order_executed",
		Account:   res.Order.Account,
		TokenID:   tokenID,
		OrderType: string(res.Order.Type),
		Amount:    res.Value.Decimal(),
		Price:     res.Price.Decimal(),
	})
	metrics.OrdersExecuted.WithLabelValues(string(res.Order.Type)).Inc()
	metrics.FundingSettlements.Inc()
	s.refreshGauges()
	s.emit(Event{Type: "order_executed", Account: res.Order.Account, TokenID: tokenID, Data: resp})

	slog.Info("limit order executed",
		"token_id", tokenID,
		"account", res.Order.Account,
		"keeper", req.Keeper,
		"price", res.Price.String(),
		"payout", res.Value.String(),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// CancelLimitOrder handles DELETE /v1/limit-orders/{tokenID}. The
// announcer cancels a live order; once the position is gone the order is
// an orphan and anyone may clean it up, naming themselves with ?caller=.
func (s *Service) CancelLimitOrder(w http.ResponseWriter, r *http.Request) {
	tokenID, err := tokenIDParam(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	caller := r.URL.Query().Get("caller")

	s.mu.Lock()
	defer s.mu.Unlock()

	o, _ := s.Orders.LimitOrder(tokenID)
	err = s.Guard.Bracket("orders", func() error {
		return s.Orders.CancelLimitOrder(tokenID, caller, s.Now())
	})
	if err != nil {
		s.fail(w, err)
		return
	}

	ctx := r.Context()
	s.storeWrite("delete_limit_order", s.Store.DeleteLimitOrder(ctx, tokenID))
	s.journal(ctx, model.JournalEntry{
		Kind:      "order_cancelled",
		Account:   o.Account,
		TokenID:   tokenID,
		OrderType: string(o.Type),
	})
	metrics.OrdersCancelled.WithLabelValues(string(o.Type)).Inc()
	s.emit(Event{Type: "order_cancelled", Account: o.Account, TokenID: tokenID, Data: orderRecord(o)})

	slog.Info("limit order cancelled", "token_id", tokenID, "caller", caller)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(orderRecord(o))
}

// GetLimitOrder handles GET /v1/limit-orders/{tokenID}.
func (s *Service) GetLimitOrder(w http.ResponseWriter, r *http.Request) {
	tokenID, err := tokenIDParam(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	o, ok := s.Orders.LimitOrder(tokenID)
	s.mu.Unlock()
	if !ok {
		writeError(w, "no limit order", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(orderRecord(o))
}

// Liquidate handles POST /v1/liquidations/{tokenID}. Any keeper may
// liquidate an underwater position.
func (s *Service) Liquidate(w http.ResponseWriter, r *http.Request) {
	tokenID, err := tokenIDParam(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var res liquidation.Result
	err = s.Guard.Bracket("liquidations", func() error {
		var err error
		res, err = s.Liq.Liquidate(tokenID, req.Keeper, s.Now())
		return err
	})
	if err != nil {
		s.fail(w, err)
		return
	}

	ctx := r.Context()
	s.persistVault(ctx)
	s.persistPosition(ctx, tokenID)

	resp := LiquidationResponse{
		TokenID:   res.TokenID,
		Price:     res.Price.Decimal(),
		Fee:       res.Fee.Decimal(),
		Remainder: res.Remainder.Decimal(),
	}
	s.journal(ctx, model.JournalEntry{
		Kind:    "liquidation",
		Account: req.Keeper,
		TokenID: tokenID,
		Amount:  res.Fee.Decimal(),
		Price:   res.Price.Decimal(),
		Note:    "remainder " + res.Remainder.String(),
	})
	metrics.LiquidationsTotal.Inc()
	metrics.FundingSettlements.Inc()
	s.refreshGauges()
	s.emit(Event{Type: "liquidation", TokenID: tokenID, Data: resp})

	slog.Info("position liquidated",
		"token_id", tokenID,
		"keeper", req.Keeper,
		"price", res.Price.String(),
		"fee", res.Fee.String(),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// CanLiquidate handles GET /v1/liquidations/{tokenID}.
func (s *Service) CanLiquidate(w http.ResponseWriter, r *http.Request) {
	tokenID, err := tokenIDParam(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	ok, err := s.Liq.CanLiquidate(tokenID, s.Now())
	s.mu.Unlock()
	if err != nil {
		s.fail(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(CanLiquidateResponse{TokenID: tokenID, Liquidatable: ok})
}

// GetPosition handles GET /v1/positions/{tokenID}.
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	tokenID, err := tokenIDParam(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	p, ok := s.Vault.Position(tokenID)
	owner, _ := s.NFT.OwnerOf(tokenID)
	locked := s.Vault.Locked(tokenID)
	s.mu.Unlock()
	if !ok {
		writeError(w, "position not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(positionResponse(p, owner, locked))
}

// ListPositions handles GET /v1/positions, optionally filtered by
// ?account=.
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")

	s.mu.Lock()
	all := s.Vault.Positions()
	sort.Slice(all, func(i, j int) bool { return all[i].TokenID < all[j].TokenID })
	out := make([]PositionResponse, 0, len(all))
	for _, p := range all {
		owner, _ := s.NFT.OwnerOf(p.TokenID)
		if account != "" && owner != account {
			continue
		}
		out = append(out, positionResponse(p, owner, s.Vault.Locked(p.TokenID)))
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// GetVault handles GET /v1/vault.
func (s *Service) GetVault(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	now := s.Now()
	g := s.Vault.Global()
	resp := VaultResponse{
		StableCollateralTotal:  s.Vault.StableCollateralTotal().Decimal(),
		StableShareSupply:      s.Shares.TotalSupply().Decimal(),
		CollateralPerShare:     s.Pool.SharePrice().Decimal(),
		SizeOpenedTotal:        g.SizeOpenedTotal.Decimal(),
		MarginDepositedTotal:   g.MarginDepositedTotal.Decimal(),
		LastPrice:              g.LastPrice.Decimal(),
		CurrentFundingRate:     s.Vault.CurrentFundingRate(now).Decimal(),
		CumulativeFundingIndex: s.Vault.ProjectedIndex(now).Decimal(),
	}
	if sf, err := s.Vault.SkewFraction(g.LastPrice); err == nil {
		resp.SkewFraction = sf.Decimal()
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// GetJournal handles GET /v1/journal?limit=.
func (s *Service) GetJournal(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		if n > 500 {
			n = 500
		}
		limit = n
	}

	entries, err := s.Store.RecentJournal(r.Context(), limit)
	if err != nil {
		writeError(w, "failed to load journal", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.JournalEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// PostPushPrice handles POST /v1/oracle/push: one answer from the
// always-on reference feed.
func (s *Service) PostPushPrice(w http.ResponseWriter, r *http.Request) {
	var req PushPriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Price.Sign() <= 0 {
		writeError(w, "price must be positive", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	at := s.Now()
	if req.Timestamp > 0 {
		at = time.Unix(req.Timestamp, 0).UTC()
	}
	err := s.Guard.Bracket("oracle", func() error {
		s.Push.Post(fixedpoint.FromDecimal(req.Price), at)
		return nil
	})
	if err != nil {
		s.fail(w, err)
		return
	}

	resp := PriceResponse{Price: req.Price, Timestamp: at}
	s.journal(r.Context(), model.JournalEntry{Kind: "price_pushed", Price: req.Price})
	s.emit(Event{Type: "price_pushed", Data: resp})

	slog.Info("push price ingested", "price", req.Price.String(), "at", at)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// PostPullUpdate handles POST /v1/oracle/pull: a payable signed update
// for the pull feed. Excess payment over the update fee is refunded to
// the submitter.
func (s *Service) PostPullUpdate(w http.ResponseWriter, r *http.Request) {
	var req PullUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Submitter == "" {
		writeError(w, "submitter is required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.Guard.Bracket("oracle", func() error {
		return s.Oracle.UpdatePullPrice(req.Submitter, req.Payload, fixedpoint.FromDecimal(req.Payment))
	})
	if err != nil {
		s.fail(w, err)
		return
	}

	reading, err := s.Pull.LatestPrice()
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := PriceResponse{Price: reading.Price.Decimal(), Timestamp: reading.PublishTime}
	s.journal(r.Context(), model.JournalEntry{Kind: "price_pulled", Account: req.Submitter, Price: resp.Price})
	s.emit(Event{Type: "price_pulled", Data: resp})

	slog.Info("pull price ingested", "submitter", req.Submitter, "price", resp.Price.String())

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// GetPrice handles GET /v1/oracle/price?maxAge=30s.
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	maxAge := time.Hour
	if v := r.URL.Query().Get("maxAge"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, "invalid maxAge", http.StatusBadRequest)
			return
		}
		maxAge = d
	}

	s.mu.Lock()
	now := s.Now()
	reading, err := s.Oracle.Price(now, maxAge, true)
	s.mu.Unlock()
	if err != nil {
		metrics.OracleRequests.WithLabelValues(fault.Kind(err)).Inc()
		s.fail(w, err)
		return
	}
	metrics.OracleRequests.WithLabelValues("ok").Inc()
	metrics.OraclePrice.Set(reading.Price.Decimal().InexactFloat64())
	metrics.OraclePriceAge.Set(now.Sub(reading.Timestamp).Seconds())

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(PriceResponse{Price: reading.Price.Decimal(), Timestamp: reading.Timestamp})
}

// AdminMint handles POST /v1/admin/mint: the dev/ops collateral faucet.
func (s *Service) AdminMint(w http.ResponseWriter, r *http.Request) {
	var req MintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Account == "" {
		writeError(w, "account is required", http.StatusBadRequest)
		return
	}
	if req.Amount.Sign() <= 0 {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.Guard.Bracket("admin", func() error {
		return s.Coll.Mint(req.Account, fixedpoint.FromDecimal(req.Amount))
	})
	if err != nil {
		s.fail(w, err)
		return
	}

	s.journal(r.Context(), model.JournalEntry{Kind: "admin_mint", Account: req.Account, Amount: req.Amount})

	slog.Info("collateral minted", "account", req.Account, "amount", req.Amount.String())

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]decimal.Decimal{
		"balance": s.Coll.BalanceOf(req.Account).Decimal(),
	})
}

// --- Boot ---

// Boot restores the engine from the store: vault aggregates, positions,
// the position-token ledger, pending orders with their holds, and the
// collateral the engine accounts must hold. Free user balances live in
// the external token system and are not restored here.
func (s *Service) Boot(ctx context.Context) error {
	vs, err := s.Store.LoadVault(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load vault: %w", err)
	}

	posRecs, err := s.Store.LoadPositions(ctx)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}

	if vs != nil {
		stable, g, f := vaultFromRecord(vs)
		posns := make([]ledger.Position, 0, len(posRecs))
		for _, rec := range posRecs {
			posns = append(posns, positionFromRecord(rec))
		}
		s.Vault.Hydrate(stable, g, f, posns)
	}

	owners := make(map[uint64]string, len(posRecs))
	for _, rec := range posRecs {
		owners[rec.TokenID] = rec.Owner
	}
	s.NFT.Hydrate(owners)

	oRecs, err := s.Store.LoadOrders(ctx)
	if err != nil {
		return fmt.Errorf("load orders: %w", err)
	}
	lRecs, err := s.Store.LoadLimitOrders(ctx)
	if err != nil {
		return fmt.Errorf("load limit orders: %w", err)
	}
	delayed := make([]orders.Order, 0, len(oRecs))
	for _, rec := range oRecs {
		delayed = append(delayed, orderFromRecord(rec))
	}
	limits := make([]orders.Order, 0, len(lRecs))
	for _, rec := range lRecs {
		limits = append(limits, orderFromRecord(rec))
	}
	s.Orders.Hydrate(delayed, limits)

	// Re-take the order book's position holds. A hold whose position was
	// liquidated while down is not re-taken; cancellation cleans up the
	// orphaned order.
	for _, o := range delayed {
		if o.Type != orders.TypeLeverageAdjust && o.Type != orders.TypeLeverageClose {
			continue
		}
		if _, alive := s.Vault.Position(o.TokenID); !alive {
			continue
		}
		if err := s.Vault.Lock(o.TokenID, registry.KeyOrderBook); err != nil {
			return fmt.Errorf("relock position %d: %w", o.TokenID, err)
		}
	}
	for _, o := range limits {
		if _, alive := s.Vault.Position(o.TokenID); !alive {
			continue
		}
		if err := s.Vault.Lock(o.TokenID, registry.KeyOrderBook); err != nil {
			return fmt.Errorf("relock position %d: %w", o.TokenID, err)
		}
	}

	// Restore the collateral the engine accounts hold: the vault backs
	// stable deposits plus position margin; the escrow holds announced
	// amounts and keeper fees.
	backing := s.Vault.StableCollateralTotal().Add(s.Vault.Global().MarginDepositedTotal)
	if backing.Sign() > 0 {
		if err := s.Coll.Mint(ledger.VaultAccount, backing); err != nil {
			return fmt.Errorf("restore vault backing: %w", err)
		}
	}
	escrow := fixedpoint.Zero
	for _, o := range delayed {
		escrow = escrow.Add(o.KeeperFee)
		switch o.Type {
		case orders.TypeStableDeposit:
			escrow = escrow.Add(o.Amount)
		case orders.TypeLeverageOpen:
			escrow = escrow.Add(o.Margin)
		case orders.TypeLeverageAdjust:
			escrow = escrow.Add(o.MarginDelta.Max(fixedpoint.Zero))
		}
	}
	for _, o := range limits {
		escrow = escrow.Add(o.KeeperFee)
	}
	if escrow.Sign() > 0 {
		if err := s.Coll.Mint(orders.EscrowAccount, escrow); err != nil {
			return fmt.Errorf("restore escrow: %w", err)
		}
	}

	// The restored books must balance before serving traffic.
	if err := s.Guard.Bracket("boot", func() error { return nil }); err != nil {
		return fmt.Errorf("boot verification: %w", err)
	}
	s.refreshGauges()

	slog.Info("engine state restored",
		"positions", len(posRecs),
		"orders", len(oRecs),
		"limit_orders", len(lRecs),
		"stable_total", s.Vault.StableCollateralTotal().String(),
	)
	return nil
}

// --- Helpers ---

// committedAnnounce runs the post-commit bookkeeping shared by every
// announce: store write-through, journal, metrics, broadcast.
func (s *Service) committedAnnounce(ctx context.Context, o orders.Order) {
	rec := orderRecord(o)
	if o.Type == orders.TypeLimitClose {
		s.storeWrite("save_limit_order", s.Store.SaveLimitOrder(ctx, rec))
	} else {
		s.storeWrite("save_order", s.Store.SaveOrder(ctx, rec))
	}
	s.journal(ctx, model.JournalEntry{
		Kind:      "order_announced",
		Account:   o.Account,
		TokenID:   o.TokenID,
		OrderType: string(o.Type),
		Amount:    journalAmount(o),
	})
	metrics.OrdersAnnounced.WithLabelValues(string(o.Type)).Inc()
	s.emit(Event{Type: "order_announced", Account: o.Account, TokenID: o.TokenID, Data: rec})

	slog.Info("order announced", "type", o.Type, "account", o.Account, "token_id", o.TokenID)
}

// journalAmount picks the representative amount of an order for audit.
func journalAmount(o orders.Order) decimal.Decimal {
	switch o.Type {
	case orders.TypeStableDeposit, orders.TypeStableWithdraw:
		return o.Amount.Decimal()
	case orders.TypeLeverageOpen:
		return o.Margin.Decimal()
	case orders.TypeLeverageAdjust:
		return o.MarginDelta.Decimal()
	default:
		return decimal.Decimal{}
	}
}

// journal appends an audit entry; store failures are logged and counted,
// never surfaced to the caller.
func (s *Service) journal(ctx context.Context, e model.JournalEntry) {
	e.ID = uuid.New().String()
	e.Time = s.Now().UTC()
	s.storeWrite("journal", s.Store.AppendJournal(ctx, &e))
}

// storeWrite logs and counts a failed write-through. The engine is
// memory-authoritative; a store failure never rolls back a committed
// operation. A missing row on delete is fine: the mirror converges.
func (s *Service) storeWrite(op string, err error) {
	if err == nil || errors.Is(err, store.ErrNotFound) {
		return
	}
	metrics.StoreWriteFailures.Inc()
	slog.Error("store write failed", "op", op, "err", err)
}

func (s *Service) persistVault(ctx context.Context) {
	s.storeWrite("save_vault", s.Store.SaveVault(ctx, vaultRecord(s.Vault, s.Now().UTC())))
}

// persistPosition mirrors one position, deleting the record when the
// position no longer exists.
func (s *Service) persistPosition(ctx context.Context, tokenID uint64) {
	p, ok := s.Vault.Position(tokenID)
	if !ok {
		s.storeWrite("delete_position", s.Store.DeletePosition(ctx, tokenID))
		return
	}
	owner, _ := s.NFT.OwnerOf(tokenID)
	s.storeWrite("save_position", s.Store.SavePosition(ctx, positionRecord(p, owner)))
}

// refreshGauges publishes the vault aggregates after a committed
// mutation. Gauge precision loss is fine; the store keeps exact values.
func (s *Service) refreshGauges() {
	now := s.Now()
	g := s.Vault.Global()
	metrics.StableCollateralTotal.Set(s.Vault.StableCollateralTotal().Decimal().InexactFloat64())
	metrics.MarginDepositedTotal.Set(g.MarginDepositedTotal.Decimal().InexactFloat64())
	metrics.FundingRate.Set(s.Vault.CurrentFundingRate(now).Decimal().InexactFloat64())
	metrics.CumulativeFundingIndex.Set(s.Vault.ProjectedIndex(now).Decimal().InexactFloat64())
	metrics.CollateralPerShare.Set(s.Pool.SharePrice().Decimal().InexactFloat64())
	if sf, err := s.Vault.SkewFraction(g.LastPrice); err == nil {
		metrics.SkewFraction.Set(sf.Decimal().InexactFloat64())
	}
}

// emit broadcasts ev if a hub is attached.
func (s *Service) emit(ev Event) {
	if s.Hub == nil {
		return
	}
	ev.TS = s.Now().UTC()
	s.Hub.Broadcast(ev)
}

// fail maps err onto the wire and counts invariant violations.
func (s *Service) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, fault.ErrInvariant) {
		metrics.InvariantFailures.WithLabelValues(invariantCheck(err)).Inc()
		slog.Error("invariant violation", "err", err)
	}
	writeError(w, err.Error(), statusOf(err))
}

// statusOf maps the engine's error taxonomy onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, fault.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, fault.ErrState):
		return http.StatusConflict
	case errors.Is(err, fault.ErrEconomicLimit):
		return http.StatusUnprocessableEntity
	case errors.Is(err, fault.ErrOracle):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// invariantCheck names the failed check for the metrics label.
func invariantCheck(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, guard.CheckBacking):
		return guard.CheckBacking
	case strings.Contains(msg, guard.CheckMargins):
		return guard.CheckMargins
	case strings.Contains(msg, "per-share"):
		return "share-price"
	default:
		return "other"
	}
}

func executeResponse(res orders.Result) ExecuteResponse {
	return ExecuteResponse{
		Order:   *orderRecord(res.Order),
		Price:   res.Price.Decimal(),
		TokenID: res.TokenID,
		Value:   res.Value.Decimal(),
	}
}

func positionResponse(p ledger.Position, owner string, locked bool) PositionResponse {
	return PositionResponse{
		TokenID:                p.TokenID,
		Owner:                  owner,
		EntryPrice:             p.EntryPrice.Decimal(),
		MarginDeposited:        p.MarginDeposited.Decimal(),
		AdditionalSize:         p.AdditionalSize.Decimal(),
		EntryCumulativeFunding: p.EntryCumulativeFunding.Decimal(),
		Locked:                 locked,
	}
}

func tokenIDParam(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "tokenID"), 10, 64)
	if err != nil {
		return 0, errors.New("invalid token id")
	}
	return id, nil
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
