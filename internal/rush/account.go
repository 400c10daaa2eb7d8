package rush

import (
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/vcing/rushdex/internal/aster"
)

// Gateway is the slice of the exchange client the core consumes, per
// account. *aster.Client satisfies it; tests substitute fakes.
type Gateway interface {
	ExchangeInfo(ctx context.Context) (map[string]aster.Symbol, error)
	Depth(ctx context.Context, symbol string, position int) (aster.DepthQuote, error)
	PlaceOrder(ctx context.Context, p aster.OrderParams) (*aster.OrderAck, error)
	CancelOrder(ctx context.Context, symbol, orderID string) (map[string]any, error)
	CancelAllOpenOrders(ctx context.Context, symbol string) error
	Positions(ctx context.Context) ([]aster.Position, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKeyLoop(ctx context.Context)
	StreamOrderEvents(ctx context.Context, listenKey string, opts aster.StreamOptions) (<-chan aster.OrderEvent, <-chan error)
}

// RouteFunc delivers one stream event to whoever owns the account.
type RouteFunc func(accountID string, ev aster.OrderEvent)

// Handle binds one configured account to a live gateway connection. The
// engine owns handles exclusively; tasks hold read-only references to the
// two they were built with.
type Handle struct {
	cfg AccountConfig
	gw  Gateway

	// symbol -> rounding metadata, fetched once at Init.
	symbols map[string]aster.Symbol

	streamHost string

	ready atomic.Bool
}

func NewHandle(cfg AccountConfig, gw Gateway) *Handle {
	return &Handle{cfg: cfg, gw: gw}
}

// SetStreamHost overrides the user-data stream base URL. Must be called
// before Init.
func (h *Handle) SetStreamHost(host string) { h.streamHost = host }

func (h *Handle) ID() string            { return h.cfg.ID }
func (h *Handle) Config() AccountConfig { return h.cfg }
func (h *Handle) Gateway() Gateway      { return h.gw }
func (h *Handle) Ready() bool           { return h.ready.Load() }

// Supports reports whether the venue lists the symbol for this account
// (and the account's optional whitelist includes it).
func (h *Handle) Supports(symbol string) bool {
	_, ok := h.symbols[symbol]
	return ok
}

// Symbol returns the rounding metadata for symbol.
func (h *Handle) Symbol(symbol string) (aster.Symbol, bool) {
	s, ok := h.symbols[symbol]
	return s, ok
}

// Init fetches market metadata and establishes the user-data stream,
// forwarding every order event to route. The handle reports ready only
// after both are in place.
func (h *Handle) Init(ctx context.Context, route RouteFunc) error {
	all, err := h.gw.ExchangeInfo(ctx)
	if err != nil {
		return fmt.Errorf("account %s: exchange info: %w", h.cfg.ID, err)
	}
	if len(h.cfg.Symbols) > 0 {
		filtered := make(map[string]aster.Symbol, len(h.cfg.Symbols))
		for _, s := range h.cfg.Symbols {
			if sym, ok := all[s]; ok {
				filtered[s] = sym
			}
		}
		h.symbols = filtered
	} else {
		h.symbols = all
	}

	listenKey, err := h.gw.CreateListenKey(ctx)
	if err != nil {
		return fmt.Errorf("account %s: listen key: %w", h.cfg.ID, err)
	}

	events, errs := h.gw.StreamOrderEvents(ctx, listenKey, aster.StreamOptions{Host: h.streamHost})
	go h.gw.KeepAliveListenKeyLoop(ctx)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				route(h.cfg.ID, ev)
			case err, ok := <-errs:
				if !ok {
					return
				}
				if err != nil {
					log.Printf("[warn] account %s stream: %v", h.cfg.ID, err)
				}
			}
		}
	}()

	h.ready.Store(true)
	return nil
}

// DepthQuote reads the book through this account's gateway at the
// account's configured depth position.
func (h *Handle) DepthQuote(ctx context.Context, symbol string) (aster.DepthQuote, error) {
	return h.gw.Depth(ctx, symbol, h.cfg.DepthPosition)
}

// SizeQuantity derives an order quantity from the account's target notional
// at price: the notional is perturbed within the configured deviation band
// and the quantity rounded down to the symbol's step. Fails before any
// network call when the result is below one step.
func (h *Handle) SizeQuantity(symbol, price string, rng *rand.Rand) (string, error) {
	sym, ok := h.symbols[symbol]
	if !ok {
		return "", fmt.Errorf("account %s: unknown symbol %s", h.cfg.ID, symbol)
	}
	notional := h.cfg.TargetNotional * (1 + (rng.Float64()*2-1)*h.cfg.NotionalDeviation)
	return sym.QuantityForNotional(decimal.NewFromFloat(notional), price)
}

// HoldDuration perturbs the account's configured hold time by ± its
// deviation fraction.
func (h *Handle) HoldDuration(rng *rand.Rand) float64 {
	return h.cfg.HoldSeconds * (1 + (rng.Float64()*2-1)*h.cfg.HoldDeviation)
}

// Place submits one order through the account's gateway and wraps the ack
// into the task's bookkeeping record.
func (h *Handle) Place(ctx context.Context, params aster.OrderParams, purpose OrderPurpose, priceTime int64) (*PlacedOrder, error) {
	ack, err := h.gw.PlaceOrder(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("account %s: place %s %s %s: %w", h.cfg.ID, params.Side, params.Type, params.Symbol, err)
	}
	ordersPlaced.WithLabelValues(string(params.Type), string(purpose)).Inc()
	return &PlacedOrder{
		ID:        ack.OrderID,
		AccountID: h.cfg.ID,
		Purpose:   purpose,
		Params:    params,
		Ack:       ack,
		PriceTime: priceTime,
	}, nil
}

// Cancel removes a resting order and promotes it into a canceled record.
func (h *Handle) Cancel(ctx context.Context, order *PlacedOrder) (*CanceledOrder, error) {
	res, err := h.gw.CancelOrder(ctx, order.Params.Symbol, order.ID)
	if err != nil {
		return nil, fmt.Errorf("account %s: cancel order %s: %w", h.cfg.ID, order.ID, err)
	}
	return &CanceledOrder{PlacedOrder: *order, CancelPayload: res}, nil
}
