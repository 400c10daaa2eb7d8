package rush

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/vcing/rushdex/internal/aster"
)

var errTestBoom = errors.New("venue rejected")

func testEngine(t *testing.T, cfg Config, accountIDs ...string) (*Engine, map[string]*fakeGateway) {
	t.Helper()
	gws := make(map[string]*fakeGateway, len(accountIDs))
	handles := make([]*Handle, 0, len(accountIDs))
	for _, id := range accountIDs {
		gw := &fakeGateway{name: id}
		gws[id] = gw
		handles = append(handles, NewHandle(testAccountConfig(id, 0.01), gw))
	}
	e := NewEngine(cfg, handles, EngineOptions{Rand: rand.New(rand.NewPCG(7, 11))})
	return e, gws
}

func testEngineConfig(symbols ...string) Config {
	return Config{
		Symbols:            symbols,
		MaxConcurrentTasks: 2,
		Leverage:           3,
		TickInterval:       5 * time.Millisecond,
		LaunchSpacing:      0,
	}
}

func initEngineHandles(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	for _, h := range e.handles {
		if err := h.Init(ctx, func(string, aster.OrderEvent) {}); err != nil {
			t.Fatalf("init %s: %v", h.ID(), err)
		}
	}
}

func TestEligibleAccountsExcludesBusy(t *testing.T) {
	e, _ := testEngine(t, testEngineConfig("BTCUSDT", "ETHUSDT"), "a1", "a2", "a3")
	initEngineHandles(t, e)

	eligible := e.EligibleAccounts()
	if got := len(eligible["BTCUSDT"]); got != 3 {
		t.Fatalf("free accounts on BTCUSDT = %d, want 3", got)
	}

	// a1 and a2 work BTCUSDT; only ETHUSDT still has a free pair.
	task := NewTask("BTCUSDT", e.handles["a1"], e.handles["a2"], testRng(), nil)
	e.mu.Lock()
	e.running[task.ID] = task
	for _, id := range task.AccountIDs() {
		e.occupancy[id] = map[string]*Task{task.ID: task}
	}
	e.mu.Unlock()

	eligible = e.EligibleAccounts()
	if _, ok := eligible["BTCUSDT"]; ok {
		t.Fatalf("BTCUSDT still eligible with one free account: %v", eligible["BTCUSDT"])
	}
	if got := len(eligible["ETHUSDT"]); got != 3 {
		t.Fatalf("free accounts on ETHUSDT = %d, want 3 (busy is per-symbol)", got)
	}
}

func TestEligibleAccountsSkipsNotReady(t *testing.T) {
	e, _ := testEngine(t, testEngineConfig("BTCUSDT"), "a1", "a2")
	initEngineHandles(t, e)
	e.handles["a2"].ready.Store(false)

	if eligible := e.EligibleAccounts(); len(eligible) != 0 {
		t.Fatalf("eligible = %v, want none with a single ready account", eligible)
	}
}

func TestNextTaskPicksDistinctAccounts(t *testing.T) {
	e, _ := testEngine(t, testEngineConfig("BTCUSDT", "ETHUSDT"), "a1", "a2", "a3", "a4")
	initEngineHandles(t, e)

	for i := 0; i < 100; i++ {
		e.mu.Lock()
		task := e.nextTaskLocked()
		e.mu.Unlock()
		if task == nil {
			t.Fatal("expected a task from a fully free pool")
		}
		ids := task.AccountIDs()
		if ids[0] == ids[1] {
			t.Fatalf("task paired account %s with itself", ids[0])
		}
		if task.Symbol != "BTCUSDT" && task.Symbol != "ETHUSDT" {
			t.Fatalf("unexpected symbol %s", task.Symbol)
		}
	}
}

func TestReapReleasesAccounts(t *testing.T) {
	e, _ := testEngine(t, testEngineConfig("BTCUSDT"), "a1", "a2")
	initEngineHandles(t, e)

	task := NewTask("BTCUSDT", e.handles["a1"], e.handles["a2"], testRng(), nil)
	e.mu.Lock()
	e.running[task.ID] = task
	for _, id := range task.AccountIDs() {
		e.occupancy[id] = map[string]*Task{task.ID: task}
	}
	e.mu.Unlock()

	e.reap()
	if e.Completed() != 0 || e.Failed() != 0 {
		t.Fatal("running task must not be reaped")
	}

	task.fail("boom")
	e.reap()
	if got := e.Failed(); got != 1 {
		t.Fatalf("failed = %d, want 1", got)
	}
	e.mu.Lock()
	runningN, occupancyN := len(e.running), len(e.occupancy)
	e.mu.Unlock()
	if runningN != 0 || occupancyN != 0 {
		t.Fatalf("after reap: %d running, %d occupied accounts, want 0/0", runningN, occupancyN)
	}
	if eligible := e.EligibleAccounts(); len(eligible["BTCUSDT"]) != 2 {
		t.Fatalf("accounts not released: %v", eligible)
	}
}

func TestRouteDeliversToOwningTasksOnly(t *testing.T) {
	e, _ := testEngine(t, testEngineConfig("BTCUSDT"), "a1", "a2", "a3")
	initEngineHandles(t, e)

	ctx := context.Background()
	task := NewTask("BTCUSDT", e.handles["a1"], e.handles["a2"], testRng(), nil)
	task.Run(ctx)
	open := task.openSnapshot()
	if len(open) != 2 {
		t.Fatalf("outstanding = %d, want 2", len(open))
	}

	e.mu.Lock()
	e.running[task.ID] = task
	for _, id := range task.AccountIDs() {
		e.occupancy[id] = map[string]*Task{task.ID: task}
	}
	e.mu.Unlock()

	// Traffic for an unoccupied account goes nowhere.
	e.Route("a3", fillEvent(open[0].OrderID))
	if n := len(task.FilledOrders()); n != 0 {
		t.Fatalf("fills after misrouted event = %d, want 0", n)
	}

	e.Route(open[0].AccountID, fillEvent(open[0].OrderID))
	waitFor(t, "fill recorded", func() bool { return len(task.FilledOrders()) >= 1 })
}

// TestEngineRunDryCycle drives a full scheduler run against in-memory
// gateways with the fill simulator standing in for the venue streams.
func TestEngineRunDryCycle(t *testing.T) {
	cfg := testEngineConfig("BTCUSDT")
	e, gws := testEngine(t, cfg, "a1", "a2", "a3", "a4")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sim := NewSimulator(e, rand.New(rand.NewPCG(3, 5)))
	sim.Interval = 5 * time.Millisecond
	sim.FillRate = 1
	sim.ExpireRate = 0
	go sim.Run(ctx)

	if err := e.Run(ctx, 3); err != nil {
		t.Fatalf("engine run: %v", err)
	}
	if got := e.Completed(); got < 3 {
		t.Fatalf("completed = %d, want >= 3", got)
	}
	if got := e.Failed(); got != 0 {
		t.Fatalf("failed = %d, want 0", got)
	}
	for id, gw := range gws {
		if gw.leverage["BTCUSDT"] != cfg.Leverage {
			t.Fatalf("account %s leverage = %d, want %d", id, gw.leverage["BTCUSDT"], cfg.Leverage)
		}
	}
}

func TestEngineRunFailureDrainsAndReconciles(t *testing.T) {
	cfg := testEngineConfig("BTCUSDT")
	cfg.MaxConcurrentTasks = 1
	e, gws := testEngine(t, cfg, "a1", "a2")
	gws["a1"].placeErr = errTestBoom
	gws["a2"].positions = []aster.Position{{Symbol: "BTCUSDT", PositionAmt: "0.002"}}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := e.Run(ctx, 0)
	if err == nil {
		t.Fatal("expected error after a failed task")
	}
	if got := e.Failed(); got != 1 {
		t.Fatalf("failed = %d, want 1", got)
	}

	// Reconciliation must sweep every account: cancel-all plus flattening
	// the residual long with a market sell.
	for id, gw := range gws {
		gw.mu.Lock()
		cancels := len(gw.cancelAll)
		gw.mu.Unlock()
		if cancels == 0 {
			t.Fatalf("account %s: no cancel-all during reconcile", id)
		}
	}
	gw := gws["a2"]
	gw.mu.Lock()
	var flatten *aster.OrderParams
	for i := range gw.placed {
		if gw.placed[i].Type == aster.OrderKindMarket && gw.placed[i].Side == aster.SideSell && gw.placed[i].Quantity == "0.002" {
			flatten = &gw.placed[i]
			break
		}
	}
	gw.mu.Unlock()
	if flatten == nil {
		t.Fatal("residual position on a2 was not flattened at market")
	}
}
