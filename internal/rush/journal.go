package rush

import (
	"log"
	"time"

	"github.com/vcing/rushdex/internal/jsonl"
)

// runEvent is one line of the run journal. Fields are sparse; each event
// kind fills what it has.
type runEvent struct {
	TsMs     int64    `json:"ts_ms"`
	Event    string   `json:"event"`
	TaskID   string   `json:"task_id,omitempty"`
	Symbol   string   `json:"symbol,omitempty"`
	Accounts []string `json:"accounts,omitempty"`

	PrevStatus string `json:"prev_status,omitempty"`
	Status     string `json:"status,omitempty"`
	PrevStage  string `json:"prev_stage,omitempty"`
	Stage      string `json:"stage,omitempty"`
	Message    string `json:"message,omitempty"`

	Fills   int `json:"fills,omitempty"`
	Cancels int `json:"cancels,omitempty"`

	Symbols       []string `json:"symbols,omitempty"`
	MaxConcurrent int      `json:"max_concurrent,omitempty"`
	Completed     int      `json:"completed,omitempty"`
	Failed        int      `json:"failed,omitempty"`
	UptimeMs      int64    `json:"uptime_ms,omitempty"`
}

// Journal appends run and task events to a JSONL file. A nil *Journal is
// valid and drops everything, so callers never branch on whether journaling
// is configured.
type Journal struct {
	w *jsonl.Writer
}

func NewJournal(path string) *Journal {
	w := jsonl.New(path)
	if w == nil {
		return nil
	}
	return &Journal{w: w}
}

func (j *Journal) Close() {
	if j == nil {
		return
	}
	if err := j.w.Close(); err != nil {
		log.Printf("[warn] journal close: %v", err)
	}
}

func (j *Journal) write(ev runEvent) {
	if j == nil {
		return
	}
	ev.TsMs = nowMs()
	if err := j.w.Write(ev); err != nil {
		log.Printf("[warn] journal write: %v", err)
	}
}

func (j *Journal) RunStart(cfg Config, accounts []string) {
	j.write(runEvent{
		Event:         "run_start",
		Symbols:       cfg.Symbols,
		Accounts:      accounts,
		MaxConcurrent: cfg.MaxConcurrentTasks,
	})
}

func (j *Journal) Transition(taskID, symbol string, tr Transition) {
	j.write(runEvent{
		Event:      "transition",
		TaskID:     taskID,
		Symbol:     symbol,
		PrevStatus: string(tr.PrevStatus),
		Status:     string(tr.Status),
		PrevStage:  tr.PrevStage.String(),
		Stage:      tr.Stage.String(),
		Message:    tr.Message,
	})
}

// TerminalBatch writes one task_done line per finished task in a single
// flush at the end of the run.
func (j *Journal) TerminalBatch(completed, failed []*Task) {
	if j == nil {
		return
	}
	var lines []any
	for _, group := range [][]*Task{completed, failed} {
		for _, t := range group {
			accts := t.AccountIDs()
			lines = append(lines, runEvent{
				TsMs:     nowMs(),
				Event:    "task_done",
				TaskID:   t.ID,
				Symbol:   t.Symbol,
				Accounts: accts[:],
				Status:   string(t.Status()),
				Stage:    t.Stage().String(),
				Fills:    len(t.FilledOrders()),
				Cancels:  len(t.CanceledOrders()),
			})
		}
	}
	if len(lines) == 0 {
		return
	}
	if err := j.w.WriteAll(lines); err != nil {
		log.Printf("[warn] journal terminal batch: %v", err)
	}
}

func (j *Journal) RunSummary(completed, failed int, uptime time.Duration) {
	j.write(runEvent{
		Event:     "run_summary",
		Completed: completed,
		Failed:    failed,
		UptimeMs:  uptime.Milliseconds(),
	})
}
