package rush

import (
	"context"
	"encoding/json"
	"log"
	"math/rand/v2"
	"time"

	"github.com/vcing/rushdex/internal/aster"
)

// SimOrder is a resting order as seen by the fill simulator.
type SimOrder struct {
	AccountID string
	Symbol    string
	OrderID   string
	TIF       aster.TimeInForce
}

// Simulator stands in for the venue's user-data streams in dry-run mode.
// Each tick it walks the resting orders and synthesizes FILLED events,
// occasionally expiring a maker-only order instead so the market-fallback
// path gets exercised too.
type Simulator struct {
	engine *Engine
	rng    *rand.Rand

	Interval   time.Duration
	FillRate   float64 // chance per tick a resting order fills
	ExpireRate float64 // chance per tick a maker-only order expires instead
}

func NewSimulator(engine *Engine, rng *rand.Rand) *Simulator {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Simulator{
		engine:     engine,
		rng:        rng,
		Interval:   500 * time.Millisecond,
		FillRate:   0.8,
		ExpireRate: 0.05,
	}
}

// Run synthesizes events until ctx is canceled.
func (s *Simulator) Run(ctx context.Context) {
	log.Printf("[info] dry-run fill simulator started (fill=%.0f%% expire=%.0f%%)", s.FillRate*100, s.ExpireRate*100)
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, o := range s.engine.OpenOrderSnapshot() {
			status := aster.StatusFilled
			if o.TIF == aster.TifGTX && s.rng.Float64() < s.ExpireRate {
				status = aster.StatusExpired
			} else if s.rng.Float64() >= s.FillRate {
				continue
			}
			s.engine.Route(o.AccountID, synthEvent(o, status))
		}
	}
}

func synthEvent(o SimOrder, status aster.OrderStatus) aster.OrderEvent {
	raw, _ := json.Marshal(map[string]any{
		"e": "ORDER_TRADE_UPDATE",
		"E": nowMs(),
		"o": map[string]any{
			"s": o.Symbol,
			"i": o.OrderID,
			"X": string(status),
		},
	})
	return aster.OrderEvent{
		OrderID: o.OrderID,
		Status:  status,
		Symbol:  o.Symbol,
		Raw:     raw,
	}
}
