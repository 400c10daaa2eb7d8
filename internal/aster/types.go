package aster

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the inverse side; closing a leg always trades against the
// side that opened it.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type OrderKind string

const (
	OrderKindLimit  OrderKind = "LIMIT"
	OrderKindMarket OrderKind = "MARKET"
)

// TimeInForce follows the venue's fapi vocabulary. GTX is maker-only: the
// venue expires the order instead of letting it take liquidity.
type TimeInForce string

const (
	TifGTC TimeInForce = "GTC"
	TifIOC TimeInForce = "IOC"
	TifFOK TimeInForce = "FOK"
	TifGTX TimeInForce = "GTX"
)

type OrderStatus string

const (
	StatusNew     OrderStatus = "NEW"
	StatusFilled  OrderStatus = "FILLED"
	StatusExpired OrderStatus = "EXPIRED"
)

// OrderParams is one order request. Price and Quantity are decimal strings
// already rounded to the symbol's tick/step; an empty Quantity is derived
// from the account's target notional at placement time.
type OrderParams struct {
	Symbol      string      `json:"symbol"`
	Side        Side        `json:"side"`
	Type        OrderKind   `json:"type"`
	TimeInForce TimeInForce `json:"timeInForce,omitempty"`
	Price       string      `json:"price,omitempty"`
	Quantity    string      `json:"quantity,omitempty"`
	Timestamp   int64       `json:"timestamp"`
}

// Symbol carries the per-market rounding granularity fetched once from
// exchangeInfo at account initialization.
type Symbol struct {
	Symbol   string
	TickSize string
	StepSize string
}

// DepthQuote is the best-ask/best-bid pair sampled at a configured
// distance from the top of the book, with the book snapshot timestamp.
// Ephemeral; fetched fresh for every pricing decision.
type DepthQuote struct {
	AskPrice  string
	BidPrice  string
	Timestamp int64
}

// OrderAck is the venue's acknowledgment of a placed order. Raw keeps the
// full response body for journaling.
type OrderAck struct {
	OrderID  string
	ClientID string
	Status   OrderStatus
	Raw      map[string]any
}

// Position is one leg of the account's open exposure, used only by the
// reconciliation sweep.
type Position struct {
	Symbol      string `json:"symbol"`
	PositionAmt string `json:"positionAmt"`
	EntryPrice  string `json:"entryPrice"`
}

// OrderEvent is one user-data stream update the core cares about: the order
// id, its new status, and the undecoded payload passed through for
// journaling. Fields the core does not consume stay opaque in Raw.
type OrderEvent struct {
	OrderID string
	Status  OrderStatus
	Symbol  string
	Raw     json.RawMessage
}

// streamEnvelope matches the fapi user-data ORDER_TRADE_UPDATE message shape:
// the order payload rides under "o" with status "X" and order id "i".
type streamEnvelope struct {
	EventType string          `json:"e"`
	EventTime int64           `json:"E"`
	Order     json.RawMessage `json:"o"`
}

type streamOrder struct {
	Symbol  string      `json:"s"`
	Status  OrderStatus `json:"X"`
	OrderID json.Number `json:"i"`
}

// ParseOrderEvent decodes one raw websocket message into an OrderEvent.
// Messages that are not order updates, or that lack an order id, return
// (nil, nil): the stream carries account and balance updates the core
// ignores.
func ParseOrderEvent(msg []byte) (*OrderEvent, error) {
	msg = bytes.TrimSpace(msg)
	if len(msg) == 0 || msg[0] != '{' {
		return nil, nil
	}
	var env streamEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, fmt.Errorf("decode stream message: %w", err)
	}
	if env.EventType != "ORDER_TRADE_UPDATE" || len(env.Order) == 0 {
		return nil, nil
	}
	var o streamOrder
	if err := json.Unmarshal(env.Order, &o); err != nil {
		return nil, fmt.Errorf("decode order update: %w", err)
	}
	id := o.OrderID.String()
	if id == "" || id == "0" {
		return nil, nil
	}
	return &OrderEvent{
		OrderID: id,
		Status:  o.Status,
		Symbol:  o.Symbol,
		Raw:     append(json.RawMessage(nil), msg...),
	}, nil
}

// APIError is a business rejection: the venue accepted the request and
// answered with an error code (insufficient size, bad price, expired GTX on
// arrival). Distinct from transport failures, which are returned as wrapped
// plain errors.
type APIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`

	HTTPStatus int `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("aster: code %d: %s (http %d)", e.Code, e.Msg, e.HTTPStatus)
}

func formatOrderID(id int64) string { return strconv.FormatInt(id, 10) }
