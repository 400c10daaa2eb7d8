package rush

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/vcing/rushdex/internal/aster"
)

// fakeGateway implements Gateway in-memory. Every placement is acked with a
// unique id; fills are driven by the test through OnOrderEvent.
type fakeGateway struct {
	name string

	mu        sync.Mutex
	seq       int
	placed    []aster.OrderParams
	placedIDs []string
	canceled  []string
	cancelAll []string
	leverage  map[string]int
	positions []aster.Position
	placeErr  error
	cancelErr error
}

func (g *fakeGateway) ExchangeInfo(ctx context.Context) (map[string]aster.Symbol, error) {
	return map[string]aster.Symbol{
		"BTCUSDT": {Symbol: "BTCUSDT", TickSize: "0.10", StepSize: "0.001"},
		"ETHUSDT": {Symbol: "ETHUSDT", TickSize: "0.01", StepSize: "0.01"},
	}, nil
}

func (g *fakeGateway) Depth(ctx context.Context, symbol string, position int) (aster.DepthQuote, error) {
	return aster.DepthQuote{AskPrice: "50001.0", BidPrice: "49999.0", Timestamp: time.Now().UnixMilli()}, nil
}

func (g *fakeGateway) PlaceOrder(ctx context.Context, p aster.OrderParams) (*aster.OrderAck, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.placeErr != nil {
		return nil, g.placeErr
	}
	g.seq++
	id := fmt.Sprintf("%s-%d", g.name, g.seq)
	g.placed = append(g.placed, p)
	g.placedIDs = append(g.placedIDs, id)
	return &aster.OrderAck{OrderID: id, Status: aster.StatusNew}, nil
}

func (g *fakeGateway) CancelOrder(ctx context.Context, symbol, orderID string) (map[string]any, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelErr != nil {
		return nil, g.cancelErr
	}
	g.canceled = append(g.canceled, orderID)
	return map[string]any{"orderId": orderID, "status": "CANCELED"}, nil
}

func (g *fakeGateway) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelAll = append(g.cancelAll, symbol)
	return nil
}

func (g *fakeGateway) Positions(ctx context.Context) ([]aster.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]aster.Position(nil), g.positions...), nil
}

func (g *fakeGateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.leverage == nil {
		g.leverage = make(map[string]int)
	}
	g.leverage[symbol] = leverage
	return nil
}

func (g *fakeGateway) CreateListenKey(ctx context.Context) (string, error) { return "fake-lk", nil }

func (g *fakeGateway) KeepAliveListenKeyLoop(ctx context.Context) { <-ctx.Done() }

func (g *fakeGateway) StreamOrderEvents(ctx context.Context, listenKey string, opts aster.StreamOptions) (<-chan aster.OrderEvent, <-chan error) {
	return make(chan aster.OrderEvent), make(chan error)
}

func (g *fakeGateway) placedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.placed)
}

func (g *fakeGateway) placedAt(i int) aster.OrderParams {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.placed[i]
}

func (g *fakeGateway) canceledCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.canceled)
}

func testAccountConfig(id string, holdSeconds float64) AccountConfig {
	return AccountConfig{
		ID:             id,
		DepthPosition:  1,
		TargetNotional: 100,
		HoldSeconds:    holdSeconds,
	}
}

func testHandles(t *testing.T, holdSeconds float64) (*Handle, *Handle, *fakeGateway, *fakeGateway, context.Context) {
	t.Helper()
	ga := &fakeGateway{name: "a"}
	gb := &fakeGateway{name: "b"}
	ha := NewHandle(testAccountConfig("acct-a", holdSeconds), ga)
	hb := NewHandle(testAccountConfig("acct-b", holdSeconds), gb)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	noop := func(string, aster.OrderEvent) {}
	if err := ha.Init(ctx, noop); err != nil {
		t.Fatalf("init acct-a: %v", err)
	}
	if err := hb.Init(ctx, noop); err != nil {
		t.Fatalf("init acct-b: %v", err)
	}
	return ha, hb, ga, gb, ctx
}

func testRng() *rand.Rand { return rand.New(rand.NewPCG(1, 2)) }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func fillEvent(orderID string) aster.OrderEvent {
	return aster.OrderEvent{
		OrderID: orderID,
		Status:  aster.StatusFilled,
		Symbol:  "BTCUSDT",
		Raw:     json.RawMessage(`{"e":"ORDER_TRADE_UPDATE","o":{"s":"BTCUSDT","X":"FILLED"}}`),
	}
}

func expireEvent(orderID string) aster.OrderEvent {
	return aster.OrderEvent{
		OrderID: orderID,
		Status:  aster.StatusExpired,
		Symbol:  "BTCUSDT",
		Raw:     json.RawMessage(`{"e":"ORDER_TRADE_UPDATE","o":{"s":"BTCUSDT","X":"EXPIRED"}}`),
	}
}

func TestTaskFullCycle(t *testing.T) {
	ha, hb, _, _, ctx := testHandles(t, 0.01)
	task := NewTask("BTCUSDT", ha, hb, testRng(), nil)

	task.Run(ctx)

	if got := task.Status(); got != StatusStarted {
		t.Fatalf("status after open = %s, want started", got)
	}
	if got := task.Stage(); got != StageOpenLimit {
		t.Fatalf("stage after open = %s, want open_limit", got)
	}
	open := task.openSnapshot()
	if len(open) != 2 {
		t.Fatalf("outstanding after open = %d, want 2", len(open))
	}
	for _, o := range open {
		if o.TIF != aster.TifGTX {
			t.Fatalf("open order %s time-in-force = %s, want GTX", o.OrderID, o.TIF)
		}
		task.OnOrderEvent(ctx, fillEvent(o.OrderID))
	}

	waitFor(t, "close legs resting", func() bool {
		return task.Stage() == StageCloseLimit && task.OutstandingOrders() == 2
	})
	for _, o := range task.openSnapshot() {
		task.OnOrderEvent(ctx, fillEvent(o.OrderID))
	}

	waitFor(t, "task completion", func() bool { return task.Status() == StatusCompleted })
	if got := task.Stage(); got != StageDone {
		t.Fatalf("final stage = %s, want completed", got)
	}
	if n := task.OutstandingOrders(); n != 0 {
		t.Fatalf("outstanding at completion = %d, want 0", n)
	}

	var opens, closes []*FilledOrder
	for _, f := range task.FilledOrders() {
		if f.Purpose == PurposeOpen {
			opens = append(opens, f)
		} else {
			closes = append(closes, f)
		}
	}
	if len(opens) != 2 || len(closes) != 2 {
		t.Fatalf("fills = %d open / %d close, want 2/2", len(opens), len(closes))
	}
	if opens[0].Params.Side == opens[1].Params.Side {
		t.Fatalf("open legs share side %s, want one BUY one SELL", opens[0].Params.Side)
	}
	if opens[0].AccountID == opens[1].AccountID {
		t.Fatalf("open legs share account %s", opens[0].AccountID)
	}
	for _, o := range opens {
		var match *FilledOrder
		for _, c := range closes {
			if c.AccountID == o.AccountID {
				match = c
				break
			}
		}
		if match == nil {
			t.Fatalf("no close leg on account %s", o.AccountID)
		}
		if match.Params.Side != o.Params.Side.Opposite() {
			t.Fatalf("close side on %s = %s, want %s", o.AccountID, match.Params.Side, o.Params.Side.Opposite())
		}
		if match.Params.Quantity != o.Params.Quantity {
			t.Fatalf("close quantity on %s = %s, want %s", o.AccountID, match.Params.Quantity, o.Params.Quantity)
		}
	}
}

func TestSimultaneousFillsAdvanceOnce(t *testing.T) {
	ha, hb, _, _, ctx := testHandles(t, 0.01)
	task := NewTask("BTCUSDT", ha, hb, testRng(), nil)
	task.Run(ctx)

	open := task.openSnapshot()
	if len(open) != 2 {
		t.Fatalf("outstanding after open = %d, want 2", len(open))
	}
	var wg sync.WaitGroup
	for _, o := range open {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			task.OnOrderEvent(ctx, fillEvent(id))
		}(o.OrderID)
	}
	wg.Wait()

	waitFor(t, "hold stage", func() bool { return task.Stage() >= StageHold })

	holds := 0
	for _, tr := range task.Transitions() {
		if tr.Stage == StageHold && tr.PrevStage != StageHold {
			holds++
		}
	}
	if holds != 1 {
		t.Fatalf("hold stage entered %d times, want exactly once", holds)
	}
}

func TestDuplicateFillIgnored(t *testing.T) {
	ha, hb, _, _, ctx := testHandles(t, 1000)
	task := NewTask("BTCUSDT", ha, hb, testRng(), nil)
	task.Run(ctx)

	open := task.openSnapshot()
	if len(open) != 2 {
		t.Fatalf("outstanding after open = %d, want 2", len(open))
	}
	for _, o := range open {
		task.OnOrderEvent(ctx, fillEvent(o.OrderID))
		task.OnOrderEvent(ctx, fillEvent(o.OrderID))
	}

	waitFor(t, "hold stage", func() bool { return task.Stage() >= StageHold })
	if n := len(task.FilledOrders()); n != 2 {
		t.Fatalf("fills after duplicate delivery = %d, want 2", n)
	}
}

func TestSecondOpenLegConvertsToMarket(t *testing.T) {
	ha, hb, ga, gb, ctx := testHandles(t, 1000)
	task := NewTask("BTCUSDT", ha, hb, testRng(), nil)
	task.Run(ctx)

	open := task.openSnapshot()
	if len(open) != 2 {
		t.Fatalf("outstanding after open = %d, want 2", len(open))
	}
	task.OnOrderEvent(ctx, fillEvent(open[0].OrderID))

	waitFor(t, "hold stage", func() bool { return task.Stage() == StageHold })

	filledGW, remainingGW := ga, gb
	if open[0].AccountID == "acct-b" {
		filledGW, remainingGW = gb, ga
	}
	if n := remainingGW.canceledCount(); n != 1 {
		t.Fatalf("cancels on slow account = %d, want 1", n)
	}
	if n := remainingGW.placedCount(); n != 2 {
		t.Fatalf("orders on slow account = %d, want limit + market", n)
	}
	market := remainingGW.placedAt(1)
	limit := remainingGW.placedAt(0)
	if market.Type != aster.OrderKindMarket {
		t.Fatalf("replacement order type = %s, want MARKET", market.Type)
	}
	if market.Side != limit.Side || market.Quantity != limit.Quantity {
		t.Fatalf("replacement %s %s does not match original %s %s", market.Side, market.Quantity, limit.Side, limit.Quantity)
	}
	if n := filledGW.canceledCount(); n != 0 {
		t.Fatalf("cancels on filled account = %d, want 0", n)
	}
	if n := len(task.CanceledOrders()); n != 1 {
		t.Fatalf("canceled records = %d, want 1", n)
	}
}

func TestExpiredLegFallsBackToMarket(t *testing.T) {
	ha, hb, ga, gb, ctx := testHandles(t, 1000)
	task := NewTask("BTCUSDT", ha, hb, testRng(), nil)
	task.Run(ctx)

	open := task.openSnapshot()
	if len(open) != 2 {
		t.Fatalf("outstanding after open = %d, want 2", len(open))
	}
	task.OnOrderEvent(ctx, expireEvent(open[0].OrderID))

	waitFor(t, "hold stage", func() bool { return task.Stage() == StageHold })

	expiredGW := ga
	if open[0].AccountID == "acct-b" {
		expiredGW = gb
	}
	if n := expiredGW.canceledCount(); n != 0 {
		t.Fatalf("cancels on expired account = %d, want 0 (venue already killed it)", n)
	}
	if n := expiredGW.placedCount(); n != 2 {
		t.Fatalf("orders on expired account = %d, want limit + market", n)
	}
	fallback := expiredGW.placedAt(1)
	original := expiredGW.placedAt(0)
	if fallback.Type != aster.OrderKindMarket {
		t.Fatalf("fallback order type = %s, want MARKET", fallback.Type)
	}
	if fallback.Side != original.Side || fallback.Quantity != original.Quantity {
		t.Fatalf("fallback %s %s does not match original %s %s", fallback.Side, fallback.Quantity, original.Side, original.Quantity)
	}

	var opens int
	for _, f := range task.FilledOrders() {
		if f.Purpose == PurposeOpen {
			opens++
		}
	}
	if opens != 2 {
		t.Fatalf("open fills after fallback = %d, want 2", opens)
	}
}

func TestExpiryBeforePlacementAckReplaysOnce(t *testing.T) {
	ha, hb, ga, _, ctx := testHandles(t, 1000)
	task := NewTask("BTCUSDT", ha, hb, testRng(), nil)

	// The venue's EXPIRED event arrives before the placement ack exists.
	task.OnOrderEvent(ctx, expireEvent("a-race"))
	waitFor(t, "expiry parked", func() bool {
		task.mu.Lock()
		defer task.mu.Unlock()
		_, ok := task.earlyExpired["a-race"]
		return ok
	})

	order := &PlacedOrder{
		ID:        "a-race",
		AccountID: "acct-a",
		Purpose:   PurposeOpen,
		Params: aster.OrderParams{
			Symbol:      "BTCUSDT",
			Side:        aster.SideBuy,
			Type:        aster.OrderKindLimit,
			TimeInForce: aster.TifGTX,
			Price:       "49999.0",
			Quantity:    "0.002",
		},
	}
	task.registerPlaced(ctx, order)

	if n := ga.placedCount(); n != 1 {
		t.Fatalf("fallback placements = %d, want exactly 1", n)
	}
	if got := ga.placedAt(0).Type; got != aster.OrderKindMarket {
		t.Fatalf("fallback order type = %s, want MARKET", got)
	}
	task.mu.Lock()
	parked := len(task.earlyExpired)
	task.mu.Unlock()
	if parked != 0 {
		t.Fatalf("early-expiry buffer still holds %d entries", parked)
	}
}

func TestPlacementFailureFailsTask(t *testing.T) {
	ha, hb, ga, _, ctx := testHandles(t, 0.01)
	ga.placeErr = errors.New("boom")
	task := NewTask("BTCUSDT", ha, hb, testRng(), nil)

	task.Run(ctx)

	waitFor(t, "failed status", func() bool { return task.Status() == StatusFailed })
}

func TestHoldAbortsOnCancel(t *testing.T) {
	ha, hb, _, _, _ := testHandles(t, 1000)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task := NewTask("BTCUSDT", ha, hb, testRng(), nil)
	task.Run(ctx)
	for _, o := range task.openSnapshot() {
		task.OnOrderEvent(ctx, fillEvent(o.OrderID))
	}
	waitFor(t, "hold stage", func() bool { return task.Stage() == StageHold })

	cancel()
	waitFor(t, "canceled status", func() bool { return task.Status() == StatusCanceled })
}

func TestStatusAndStageMonotonic(t *testing.T) {
	ha, hb, _, _, _ := testHandles(t, 0.01)
	task := NewTask("BTCUSDT", ha, hb, testRng(), nil)

	task.mu.Lock()
	defer task.mu.Unlock()

	if !task.changeStatusLocked(StatusStarted, "") {
		t.Fatal("created -> started should advance")
	}
	if task.changeStatusLocked(StatusCreated, "") {
		t.Fatal("started -> created must not regress")
	}
	if !task.changeStatusLocked(StatusCompleted, "") {
		t.Fatal("started -> completed should advance")
	}
	if task.changeStatusLocked(StatusFailed, "") {
		t.Fatal("terminal status must be sticky")
	}
	if task.status != StatusCompleted {
		t.Fatalf("status = %s, want completed", task.status)
	}

	if !task.changeStageLocked(StageOpenLimit) {
		t.Fatal("prepare -> open_limit should advance")
	}
	if task.changeStageLocked(StageOpenLimit) {
		t.Fatal("repeated stage must be a no-op")
	}
	if task.changeStageLocked(StagePrepare) {
		t.Fatal("stage must not regress")
	}
	if !task.changeStageLocked(StageHold) {
		t.Fatal("skipping forward is allowed")
	}
}
