package rush

import (
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vcing/rushdex/internal/aster"
)

// Engine schedules matched-volume tasks across the account pool. One
// goroutine drives admission from a ticker; per-account stream consumers
// call Route concurrently; task goroutines mutate only their own task.
// Everything shared serializes on mu.
type Engine struct {
	cfg     Config
	handles map[string]*Handle
	order   []string // account ids, sorted, for deterministic iteration
	journal *Journal
	notify  func(string)
	rng     *rand.Rand

	mu        sync.Mutex
	running   map[string]*Task
	completed []*Task
	failed    []*Task
	// account id -> tasks currently holding that account.
	occupancy map[string]map[string]*Task
	stopping  bool

	taskCtx context.Context
	abortCh chan error
	started time.Time
}

// EngineOptions carries the optional collaborators.
type EngineOptions struct {
	Journal *Journal
	Notify  func(string)
	Rand    *rand.Rand
}

func NewEngine(cfg Config, handles []*Handle, opts EngineOptions) *Engine {
	m := make(map[string]*Handle, len(handles))
	ids := make([]string, 0, len(handles))
	for _, h := range handles {
		m[h.ID()] = h
		ids = append(ids, h.ID())
	}
	sort.Strings(ids)

	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	notify := opts.Notify
	if notify == nil {
		notify = func(string) {}
	}

	return &Engine{
		cfg:       cfg,
		handles:   m,
		order:     ids,
		journal:   opts.Journal,
		notify:    notify,
		rng:       rng,
		running:   make(map[string]*Task),
		occupancy: make(map[string]map[string]*Task),
		abortCh:   make(chan error, 1),
	}
}

// Abort forces a hard stop: the drain wait is abandoned and reconciliation
// runs immediately. Safe to call from a signal handler.
func (e *Engine) Abort(err error) {
	select {
	case e.abortCh <- err:
	default:
	}
}

func (e *Engine) Completed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.completed)
}

func (e *Engine) Failed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.failed)
}

// Run drives the whole session. Canceling ctx is the soft stop: no new
// tasks are admitted but running ones drain to a terminal state. Abort cuts
// the drain short. Either way accounts are reconciled before Run returns,
// and a failed task surfaces as a non-nil error.
func (e *Engine) Run(ctx context.Context, targetTasks int) error {
	// Tasks and streams must outlive the soft stop, so they run on a
	// context that only a hard abort cancels.
	taskCtx, taskCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer taskCancel()
	e.mu.Lock()
	e.taskCtx = taskCtx
	e.started = time.Now()
	e.mu.Unlock()

	if err := e.initAccounts(taskCtx); err != nil {
		return err
	}
	e.journal.RunStart(e.cfg, e.order)

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	var runErr error
loop:
	for {
		e.reap()

		e.mu.Lock()
		if !e.stopping {
			switch {
			case len(e.failed) > 0:
				e.stopping = true
				log.Printf("[warn] a task failed; draining remaining tasks before exit")
				e.notify("task failed, draining run")
			case ctx.Err() != nil:
				e.stopping = true
				log.Printf("[info] stop requested; draining %d running task(s)", len(e.running))
			case targetTasks > 0 && len(e.completed)+len(e.failed) >= targetTasks:
				e.stopping = true
				log.Printf("[info] task target %d reached; draining", targetTasks)
			}
		}
		stopping := e.stopping
		idle := len(e.running) == 0
		e.mu.Unlock()

		if stopping && idle {
			break
		}
		if !stopping {
			e.launch(taskCtx)
		}

		select {
		case <-ticker.C:
		case err := <-e.abortCh:
			log.Printf("[warn] hard abort: %v", err)
			taskCancel()
			runErr = err
			break loop
		}
	}

	rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
	e.reconcile(rctx)
	rcancel()

	e.reap()
	e.mu.Lock()
	completed, failed := e.completed, e.failed
	uptime := time.Since(e.started)
	e.mu.Unlock()

	e.journal.TerminalBatch(completed, failed)
	e.journal.RunSummary(len(completed), len(failed), uptime)
	log.Printf("[info] run finished: %d completed, %d failed, uptime %s", len(completed), len(failed), uptime.Round(time.Second))

	if runErr != nil {
		return runErr
	}
	if len(failed) > 0 {
		err := fmt.Errorf("%d task(s) failed; account positions were force-reconciled", len(failed))
		e.notify(err.Error())
		return err
	}
	return nil
}

// initAccounts opens every account's stream and applies the configured
// leverage, then blocks until all handles report ready.
func (e *Engine) initAccounts(ctx context.Context) error {
	for _, id := range e.order {
		h := e.handles[id]
		if err := h.Init(ctx, e.Route); err != nil {
			return fmt.Errorf("init account %s: %w", id, err)
		}
		for _, sym := range e.cfg.Symbols {
			if !h.Supports(sym) {
				continue
			}
			if err := h.Gateway().SetLeverage(ctx, sym, e.cfg.Leverage); err != nil {
				return fmt.Errorf("set leverage %dx on %s for %s: %w", e.cfg.Leverage, sym, id, err)
			}
		}
	}
	for {
		ready := true
		for _, id := range e.order {
			if !e.handles[id].Ready() {
				ready = false
				break
			}
		}
		if ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// launch admits tasks until the pool is full or no pairing is available,
// spacing starts out so the venue never sees a correlated burst.
func (e *Engine) launch(ctx context.Context) {
	for {
		e.mu.Lock()
		if e.stopping || len(e.running) >= e.cfg.MaxConcurrentTasks {
			e.mu.Unlock()
			return
		}
		task := e.nextTaskLocked()
		if task == nil {
			e.mu.Unlock()
			return
		}
		e.running[task.ID] = task
		for _, id := range task.AccountIDs() {
			if e.occupancy[id] == nil {
				e.occupancy[id] = make(map[string]*Task)
			}
			e.occupancy[id][task.ID] = task
		}
		e.mu.Unlock()

		tasksStarted.Inc()
		tasksRunning.Inc()
		accts := task.AccountIDs()
		log.Printf("[info] launching task [%s] %s on accounts %s/%s (%d running)", task.ID, task.Symbol, accts[0], accts[1], e.runningCount())
		go task.Run(ctx)

		if !sleepCtx(ctx, e.cfg.LaunchSpacing) {
			return
		}
	}
}

// nextTaskLocked builds one task from the eligible pool: a random symbol,
// then two distinct accounts drawn without replacement. Returns nil when no
// symbol has a free pair; the caller retries next tick.
func (e *Engine) nextTaskLocked() *Task {
	eligible := e.eligibleLocked()
	if len(eligible) == 0 {
		return nil
	}
	symbols := make([]string, 0, len(eligible))
	for sym := range eligible {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	symbol := symbols[e.rng.IntN(len(symbols))]

	pool := eligible[symbol]
	i := e.rng.IntN(len(pool))
	first := pool[i]
	pool = append(pool[:i], pool[i+1:]...)
	second := pool[e.rng.IntN(len(pool))]
	if first == second {
		return nil
	}

	taskRng := rand.New(rand.NewPCG(e.rng.Uint64(), e.rng.Uint64()))
	return NewTask(symbol, e.handles[first], e.handles[second], taskRng, e.journal)
}

// EligibleAccounts reports, per symbol, the ready accounts that trade the
// symbol and are not already working it. Symbols with fewer than two free
// accounts are omitted.
func (e *Engine) EligibleAccounts() map[string][]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.eligibleLocked()
}

func (e *Engine) eligibleLocked() map[string][]string {
	out := make(map[string][]string)
	for _, sym := range e.cfg.Symbols {
		var ids []string
		for _, id := range e.order {
			h := e.handles[id]
			if !h.Ready() || !h.Supports(sym) {
				continue
			}
			if e.busyOnLocked(id, sym) {
				continue
			}
			ids = append(ids, id)
		}
		if len(ids) >= 2 {
			out[sym] = ids
		}
	}
	return out
}

func (e *Engine) busyOnLocked(accountID, symbol string) bool {
	for _, t := range e.occupancy[accountID] {
		if t.Symbol == symbol {
			return true
		}
	}
	return false
}

// reap moves terminal tasks out of the running set and releases their
// accounts.
func (e *Engine) reap() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, task := range e.running {
		st := task.Status()
		if !st.Terminal() {
			continue
		}
		delete(e.running, id)
		for _, acct := range task.AccountIDs() {
			if m := e.occupancy[acct]; m != nil {
				delete(m, id)
				if len(m) == 0 {
					delete(e.occupancy, acct)
				}
			}
		}
		if st == StatusCompleted {
			e.completed = append(e.completed, task)
		} else {
			e.failed = append(e.failed, task)
		}
		tasksRunning.Dec()
		tasksFinished.WithLabelValues(string(st)).Inc()
		log.Printf("[info] task [%s] finished status=%s fills=%d cancels=%d", id, st, len(task.FilledOrders()), len(task.CanceledOrders()))
	}
}

// Route fans one stream event out to every task holding the account. Tasks
// discard ids that are not theirs, so over-delivery is harmless.
func (e *Engine) Route(accountID string, ev aster.OrderEvent) {
	e.mu.Lock()
	tasks := make([]*Task, 0, 2)
	for _, t := range e.occupancy[accountID] {
		tasks = append(tasks, t)
	}
	ctx := e.taskCtx
	e.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	for _, t := range tasks {
		t.OnOrderEvent(ctx, ev)
	}
}

// OpenOrderSnapshot lists every resting order across running tasks. Used by
// the dry-run fill simulator.
func (e *Engine) OpenOrderSnapshot() []SimOrder {
	e.mu.Lock()
	tasks := make([]*Task, 0, len(e.running))
	for _, t := range e.running {
		tasks = append(tasks, t)
	}
	e.mu.Unlock()

	var out []SimOrder
	for _, t := range tasks {
		out = append(out, t.openSnapshot()...)
	}
	return out
}

// reconcile sweeps every account regardless of task bookkeeping: cancel all
// resting orders, then flatten any residual position at market. Errors are
// logged and the sweep continues; a best effort here beats an early return.
func (e *Engine) reconcile(ctx context.Context) {
	log.Printf("[info] reconciling %d account(s)", len(e.order))
	for _, id := range e.order {
		h := e.handles[id]
		for _, sym := range e.cfg.Symbols {
			if !h.Supports(sym) {
				continue
			}
			if err := h.Gateway().CancelAllOpenOrders(ctx, sym); err != nil {
				log.Printf("[warn] account %s: cancel open orders on %s: %v", id, sym, err)
			}
		}
		positions, err := h.Gateway().Positions(ctx)
		if err != nil {
			log.Printf("[warn] account %s: read positions: %v", id, err)
			continue
		}
		for _, pos := range positions {
			amt, err := decimal.NewFromString(pos.PositionAmt)
			if err != nil || amt.IsZero() {
				continue
			}
			side := aster.SideSell
			qty := amt
			if amt.Sign() < 0 {
				side = aster.SideBuy
				qty = amt.Neg()
			}
			params := aster.OrderParams{
				Symbol:    pos.Symbol,
				Side:      side,
				Type:      aster.OrderKindMarket,
				Quantity:  qty.String(),
				Timestamp: nowMs(),
			}
			if _, err := h.Gateway().PlaceOrder(ctx, params); err != nil {
				log.Printf("[warn] account %s: flatten %s %s %s: %v", id, pos.Symbol, side, qty, err)
				continue
			}
			log.Printf("[info] account %s: flattened %s position of %s", id, pos.Symbol, pos.PositionAmt)
		}
	}
}

func (e *Engine) runningCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
