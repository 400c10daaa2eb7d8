package rush

import (
	"encoding/json"

	"github.com/vcing/rushdex/internal/aster"
)

// OrderPurpose tags which half of the task lifecycle an order serves.
type OrderPurpose string

const (
	PurposeOpen  OrderPurpose = "open"
	PurposeClose OrderPurpose = "close"
)

// PlacedOrder is an order the venue has acknowledged: the intent that was
// sent, the ack that came back, the account that owns it and the book
// timestamp its price was taken from. Immutable once created; terminal
// outcomes promote it into FilledOrder or CanceledOrder records.
type PlacedOrder struct {
	ID        string
	AccountID string
	Purpose   OrderPurpose
	Params    aster.OrderParams
	Ack       *aster.OrderAck
	PriceTime int64
}

// FilledOrder is a PlacedOrder plus its fill confirmation. Market fallback
// orders are recorded with a nil payload; the venue fills them on arrival
// and the stream confirmation is redundant by then.
type FilledOrder struct {
	PlacedOrder
	FillPayload json.RawMessage
}

// CanceledOrder is a PlacedOrder plus whatever the cancellation produced:
// a cancel response, or the raw EXPIRED event for maker-only orders the
// venue refused to post.
type CanceledOrder struct {
	PlacedOrder
	CancelPayload map[string]any
}
