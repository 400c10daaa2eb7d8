package rush

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vcing/rushdex/internal/aster"
)

// Status is the task lifecycle state. It only moves forward: created →
// started → one terminal state, never back.
type Status string

const (
	StatusCreated   Status = "created"
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled || s == StatusFailed
}

var statusRank = map[Status]int{
	StatusCreated:   0,
	StatusStarted:   1,
	StatusCompleted: 2,
	StatusCanceled:  2,
	StatusFailed:    2,
}

// Stage is the forward-only execution phase. Setting the current stage
// again is a no-op; a lower stage is never restored.
type Stage int

const (
	StagePrepare Stage = iota
	StageOpenLimit
	StageOpenMarket
	StageHold
	StageCloseLimit
	StageCloseMarket
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StagePrepare:
		return "prepare"
	case StageOpenLimit:
		return "open_limit"
	case StageOpenMarket:
		return "open_market"
	case StageHold:
		return "hold"
	case StageCloseLimit:
		return "close_limit"
	case StageCloseMarket:
		return "close_market"
	case StageDone:
		return "completed"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Transition is one entry in the task's status/stage log.
type Transition struct {
	TsMs       int64
	PrevStatus Status
	Status     Status
	PrevStage  Stage
	Stage      Stage
	Message    string
}

// Task drives one matched buy/sell cycle across two accounts on one
// symbol: post both legs maker-only, fall back to market orders for legs
// the venue expires, hold, then unwind each leg on the account that opened
// it.
//
// A task owns its bookkeeping exclusively. Event callbacks and phase
// goroutines serialize on mu; mu is never held across a network call. The
// rng is only touched from the phase flow (run → hold → close), which runs
// one phase at a time.
type Task struct {
	ID     string
	Symbol string

	first   *Handle
	second  *Handle
	rng     *rand.Rand
	journal *Journal

	mu          sync.Mutex
	status      Status
	stage       Stage
	open        map[string]*PlacedOrder
	filled      []*FilledOrder
	canceled    []*CanceledOrder
	transitions []Transition

	// Expiry events that raced ahead of their order's placement ack,
	// keyed by order id. Consulted and cleared by the placement paths
	// only; the routing path never iterates it.
	earlyExpired map[string]aster.OrderEvent
}

func NewTask(symbol string, first, second *Handle, rng *rand.Rand, journal *Journal) *Task {
	return &Task{
		ID:           uuid.NewString(),
		Symbol:       symbol,
		first:        first,
		second:       second,
		rng:          rng,
		journal:      journal,
		status:       StatusCreated,
		stage:        StagePrepare,
		open:         make(map[string]*PlacedOrder),
		earlyExpired: make(map[string]aster.OrderEvent),
	}
}

func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Task) Stage() Stage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stage
}

func (t *Task) AccountIDs() [2]string {
	return [2]string{t.first.ID(), t.second.ID()}
}

// FilledOrders returns a copy of the fill log.
func (t *Task) FilledOrders() []*FilledOrder {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*FilledOrder(nil), t.filled...)
}

// CanceledOrders returns a copy of the cancellation log.
func (t *Task) CanceledOrders() []*CanceledOrder {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*CanceledOrder(nil), t.canceled...)
}

// Transitions returns a copy of the status/stage log.
func (t *Task) Transitions() []Transition {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Transition(nil), t.transitions...)
}

// OutstandingOrders reports how many orders are still resting.
func (t *Task) OutstandingOrders() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open)
}

// changeStatusLocked advances the status. Reverse or redundant changes are
// no-ops; terminal statuses are sticky. Caller holds mu.
func (t *Task) changeStatusLocked(status Status, msg string) bool {
	if status == t.status || statusRank[status] < statusRank[t.status] || t.status.Terminal() {
		return false
	}
	prev := t.status
	t.status = status
	log.Printf("[info] task [%s] status %s -> %s", t.ID, prev, status)
	t.recordTransitionLocked(prev, status, t.stage, t.stage, msg)
	return true
}

// changeStageLocked advances the stage. Same or lower stages are no-ops, so
// two racing fill callbacks advance a phase exactly once. Caller holds mu.
func (t *Task) changeStageLocked(stage Stage) bool {
	if stage <= t.stage {
		return false
	}
	prev := t.stage
	t.stage = stage
	log.Printf("[info] task [%s] stage %s -> %s", t.ID, prev, stage)
	t.recordTransitionLocked(t.status, t.status, prev, stage, "")
	return true
}

func (t *Task) recordTransitionLocked(prevStatus, status Status, prevStage, stage Stage, msg string) {
	tr := Transition{
		TsMs:       nowMs(),
		PrevStatus: prevStatus,
		Status:     status,
		PrevStage:  prevStage,
		Stage:      stage,
		Message:    msg,
	}
	t.transitions = append(t.transitions, tr)
	t.journal.Transition(t.ID, t.Symbol, tr)
}

// Run opens the task: one leg BUY, one leg SELL, accounts assigned at
// random, both priced off one depth quote and posted maker-only.
func (t *Task) Run(ctx context.Context) {
	t.mu.Lock()
	t.changeStatusLocked(StatusStarted, "")
	t.mu.Unlock()

	buyAcct, sellAcct := t.first, t.second
	if t.rng.IntN(2) == 1 {
		buyAcct, sellAcct = sellAcct, buyAcct
	}

	quote, err := buyAcct.DepthQuote(ctx, t.Symbol)
	if err != nil {
		t.fail(fmt.Sprintf("open depth quote: %v", err))
		return
	}

	buyQty, err := buyAcct.SizeQuantity(t.Symbol, quote.BidPrice, t.rng)
	if err != nil {
		t.fail(fmt.Sprintf("size buy leg: %v", err))
		return
	}
	sellQty, err := sellAcct.SizeQuantity(t.Symbol, quote.AskPrice, t.rng)
	if err != nil {
		t.fail(fmt.Sprintf("size sell leg: %v", err))
		return
	}

	buyParams := aster.OrderParams{
		Symbol:      t.Symbol,
		Side:        aster.SideBuy,
		Type:        aster.OrderKindLimit,
		TimeInForce: aster.TifGTX,
		Price:       quote.BidPrice,
		Quantity:    buyQty,
		Timestamp:   nowMs(),
	}
	sellParams := aster.OrderParams{
		Symbol:      t.Symbol,
		Side:        aster.SideSell,
		Type:        aster.OrderKindLimit,
		TimeInForce: aster.TifGTX,
		Price:       quote.AskPrice,
		Quantity:    sellQty,
		Timestamp:   nowMs(),
	}

	t.mu.Lock()
	t.changeStageLocked(StageOpenLimit)
	t.mu.Unlock()

	t.placePair(ctx, buyAcct, buyParams, sellAcct, sellParams, PurposeOpen, quote.Timestamp)
}

// placePair submits both legs concurrently. Any placement error fails the
// task; a leg that did get placed is left for the reconciliation sweep.
func (t *Task) placePair(ctx context.Context, a *Handle, ap aster.OrderParams, b *Handle, bp aster.OrderParams, purpose OrderPurpose, priceTime int64) {
	type result struct {
		order *PlacedOrder
		err   error
	}
	results := make([]result, 2)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		o, err := a.Place(ctx, ap, purpose, priceTime)
		results[0] = result{o, err}
	}()
	go func() {
		defer wg.Done()
		o, err := b.Place(ctx, bp, purpose, priceTime)
		results[1] = result{o, err}
	}()
	wg.Wait()

	for _, r := range results {
		if r.err != nil {
			t.fail(fmt.Sprintf("%s placement: %v", purpose, r.err))
			return
		}
	}
	for _, r := range results {
		t.registerPlaced(ctx, r.order)
	}
}

// registerPlaced adds a freshly-acked order to the outstanding set and
// replays a buffered expiry if the venue's EXPIRED event beat the ack.
func (t *Task) registerPlaced(ctx context.Context, o *PlacedOrder) {
	t.mu.Lock()
	t.open[o.ID] = o
	ev, raced := t.earlyExpired[o.ID]
	if raced {
		delete(t.earlyExpired, o.ID)
	}
	t.mu.Unlock()

	if raced {
		log.Printf("[info] task [%s] order %s expired before its ack arrived; falling back now", t.ID, o.ID)
		t.fallbackToMarket(ctx, o.ID, ev)
	}
}

// OnOrderEvent feeds one user-data stream event into the state machine.
// Only FILLED and EXPIRED matter; order ids the task does not recognize as
// outstanding are either another task's traffic (FILLED: ignored) or a
// placement race (EXPIRED: parked for replay).
func (t *Task) OnOrderEvent(ctx context.Context, ev aster.OrderEvent) {
	switch ev.Status {
	case aster.StatusFilled, aster.StatusExpired:
	default:
		return
	}
	orderEvents.WithLabelValues(string(ev.Status)).Inc()

	if ev.Status == aster.StatusExpired {
		go t.fallbackToMarket(ctx, ev.OrderID, ev)
		return
	}

	t.mu.Lock()
	order, ok := t.open[ev.OrderID]
	t.mu.Unlock()
	if !ok {
		return
	}
	t.onFilled(ctx, order, ev.Raw)
}

// onFilled is the single downstream for every fill, whether it arrived on
// the stream or is a market order assumed filled on arrival. Duplicate
// deliveries are dropped by the outstanding-set check.
func (t *Task) onFilled(ctx context.Context, order *PlacedOrder, payload json.RawMessage) {
	t.mu.Lock()
	if _, ok := t.open[order.ID]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.open, order.ID)
	t.filled = append(t.filled, &FilledOrder{PlacedOrder: *order, FillPayload: payload})

	next := StageOpenMarket
	if order.Purpose == PurposeClose {
		next = StageCloseMarket
	}
	t.changeStageLocked(next)
	t.mu.Unlock()

	log.Printf("[info] task [%s] %s order %s filled", t.ID, order.Purpose, order.ID)
	if order.Purpose == PurposeOpen {
		go t.openMarket(ctx)
	} else {
		go t.closeMarket(ctx)
	}
}

// fallbackToMarket handles a maker-only order the venue expired: drop the
// limit order into the canceled log and resubmit the same intent as a
// market order on the same account. The resulting fill flows through
// onFilled like any other, so the downstream phase logic is shared.
//
// An expiry for an order id not yet registered is the placement race: the
// event is parked and replayed by registerPlaced.
func (t *Task) fallbackToMarket(ctx context.Context, orderID string, ev aster.OrderEvent) {
	t.mu.Lock()
	order, ok := t.open[orderID]
	if !ok {
		t.earlyExpired[orderID] = ev
		t.mu.Unlock()
		return
	}
	delete(t.open, orderID)
	t.canceled = append(t.canceled, &CanceledOrder{PlacedOrder: *order, CancelPayload: rawToMap(ev.Raw)})
	t.mu.Unlock()

	account := t.handleFor(order.AccountID)
	orderFallbacks.Inc()
	log.Printf("[info] task [%s] order %s expired (maker-only); resubmitting as market", t.ID, orderID)

	params := marketRetry(order.Params)
	newOrder, err := account.Place(ctx, params, order.Purpose, order.PriceTime)
	if err != nil {
		t.fail(fmt.Sprintf("market fallback: %v", err))
		return
	}

	t.mu.Lock()
	t.open[newOrder.ID] = newOrder
	t.mu.Unlock()
	t.onFilled(ctx, newOrder, nil)
}

// openMarket runs after an open leg fills. Zero outstanding orders means
// both legs filled independently; the stage guard lets only one caller
// advance. One outstanding order is canceled and resubmitted as a market
// order so the position completes immediately.
func (t *Task) openMarket(ctx context.Context) {
	order, account, proceed := t.claimRemaining(StageHold)
	if !proceed {
		return
	}
	if order == nil {
		log.Printf("[info] task [%s] both open legs filled simultaneously", t.ID)
		go t.holdThenClose(ctx)
		return
	}

	if !t.cancelAndMarket(ctx, order, account) {
		return
	}

	t.mu.Lock()
	advanced := t.changeStageLocked(StageHold)
	t.mu.Unlock()
	if advanced {
		go t.holdThenClose(ctx)
	}
}

// closeMarket mirrors openMarket for the closing legs and finishes the
// task.
func (t *Task) closeMarket(ctx context.Context) {
	order, account, proceed := t.claimRemaining(StageDone)
	if !proceed {
		return
	}
	if order == nil {
		log.Printf("[info] task [%s] both close legs filled simultaneously", t.ID)
		t.finish()
		return
	}

	if !t.cancelAndMarket(ctx, order, account) {
		return
	}
	t.finish()
}

// claimRemaining inspects the outstanding set under one lock. With zero
// outstanding orders it tries to advance to next and reports whether this
// caller won the advance (order nil either way). Otherwise it claims the
// single remaining order so a late fill event cannot touch it.
func (t *Task) claimRemaining(next Stage) (*PlacedOrder, *Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status.Terminal() {
		return nil, nil, false
	}
	if len(t.open) == 0 {
		return nil, nil, t.changeStageLocked(next)
	}

	var order *PlacedOrder
	for _, o := range t.open {
		order = o
		break
	}
	delete(t.open, order.ID)
	return order, t.handleFor(order.AccountID), true
}

// cancelAndMarket cancels a claimed resting order and replaces it with a
// market order on the same account, recording the market order as filled.
func (t *Task) cancelAndMarket(ctx context.Context, order *PlacedOrder, account *Handle) bool {
	canceled, err := account.Cancel(ctx, order)
	if err != nil {
		t.fail(fmt.Sprintf("cancel %s order %s: %v", order.Purpose, order.ID, err))
		return false
	}
	t.mu.Lock()
	t.canceled = append(t.canceled, canceled)
	t.mu.Unlock()

	params := marketRetry(order.Params)
	newOrder, err := account.Place(ctx, params, order.Purpose, nowMs())
	if err != nil {
		t.fail(fmt.Sprintf("market %s order: %v", order.Purpose, err))
		return false
	}

	t.mu.Lock()
	t.filled = append(t.filled, &FilledOrder{PlacedOrder: *newOrder})
	t.mu.Unlock()
	log.Printf("[info] task [%s] %s leg completed at market", t.ID, order.Purpose)
	return true
}

// holdThenClose sleeps out the perturbed hold duration, then unwinds. This
// sleep dominates task latency and is why the scheduler runs many tasks at
// once.
func (t *Task) holdThenClose(ctx context.Context) {
	acct := t.pickAccount()
	secs := acct.HoldDuration(t.rng)
	log.Printf("[info] task [%s] holding position for %.2fs", t.ID, secs)

	timer := time.NewTimer(time.Duration(secs * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		t.mu.Lock()
		t.changeStatusLocked(StatusCanceled, "aborted during hold")
		t.mu.Unlock()
		return
	}

	t.closeLimit(ctx)
}

// closeLimit posts the unwind legs: a fresh depth quote, each open leg
// closed with the inverse side at its original filled quantity, routed to
// the account that opened it. Requires exactly two filled open legs and no
// outstanding orders; anything else is a broken invariant, not a
// recoverable condition.
func (t *Task) closeLimit(ctx context.Context) {
	t.mu.Lock()
	if n := len(t.open); n != 0 {
		t.failLocked(fmt.Sprintf("invariant: %d outstanding orders at close", n))
		t.mu.Unlock()
		return
	}
	var openBuy, openSell *FilledOrder
	for _, f := range t.filled {
		if f.Purpose != PurposeOpen {
			continue
		}
		switch f.Params.Side {
		case aster.SideBuy:
			if openBuy != nil {
				t.failLocked("invariant: more than one open BUY leg")
				t.mu.Unlock()
				return
			}
			openBuy = f
		case aster.SideSell:
			if openSell != nil {
				t.failLocked("invariant: more than one open SELL leg")
				t.mu.Unlock()
				return
			}
			openSell = f
		}
	}
	if openBuy == nil || openSell == nil {
		t.failLocked("invariant: need one open BUY and one open SELL leg at close")
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	quote, err := t.pickAccount().DepthQuote(ctx, t.Symbol)
	if err != nil {
		t.fail(fmt.Sprintf("close depth quote: %v", err))
		return
	}

	closeBuy := aster.OrderParams{
		Symbol:      t.Symbol,
		Side:        aster.SideSell,
		Type:        aster.OrderKindLimit,
		TimeInForce: aster.TifGTX,
		Price:       quote.AskPrice,
		Quantity:    openBuy.Params.Quantity,
		Timestamp:   nowMs(),
	}
	closeSell := aster.OrderParams{
		Symbol:      t.Symbol,
		Side:        aster.SideBuy,
		Type:        aster.OrderKindLimit,
		TimeInForce: aster.TifGTX,
		Price:       quote.BidPrice,
		Quantity:    openSell.Params.Quantity,
		Timestamp:   nowMs(),
	}

	t.mu.Lock()
	t.changeStageLocked(StageCloseLimit)
	t.mu.Unlock()

	t.placePair(ctx, t.handleFor(openBuy.AccountID), closeBuy, t.handleFor(openSell.AccountID), closeSell, PurposeClose, quote.Timestamp)
}

func (t *Task) finish() {
	t.mu.Lock()
	t.changeStatusLocked(StatusCompleted, "")
	t.changeStageLocked(StageDone)
	t.mu.Unlock()
}

func (t *Task) fail(msg string) {
	t.mu.Lock()
	t.failLocked(msg)
	t.mu.Unlock()
}

func (t *Task) failLocked(msg string) {
	if t.changeStatusLocked(StatusFailed, msg) {
		log.Printf("[warn] task [%s] failed: %s", t.ID, msg)
	}
}

func (t *Task) handleFor(accountID string) *Handle {
	if accountID == t.first.ID() {
		return t.first
	}
	return t.second
}

func (t *Task) pickAccount() *Handle {
	if t.rng.IntN(2) == 1 {
		return t.second
	}
	return t.first
}

// openSnapshot lists the resting orders for the dry-run fill simulator.
func (t *Task) openSnapshot() []SimOrder {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SimOrder, 0, len(t.open))
	for _, o := range t.open {
		out = append(out, SimOrder{
			AccountID: o.AccountID,
			Symbol:    o.Params.Symbol,
			OrderID:   o.ID,
			TIF:       o.Params.TimeInForce,
		})
	}
	return out
}

func marketRetry(p aster.OrderParams) aster.OrderParams {
	p.Type = aster.OrderKindMarket
	p.TimeInForce = ""
	p.Price = ""
	p.Timestamp = nowMs()
	return p
}

func rawToMap(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{"raw": string(raw)}
	}
	return m
}

func nowMs() int64 { return time.Now().UnixMilli() }
