package transport

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/spacemeshos/powsubnet/ledger"
	"github.com/spacemeshos/powsubnet/logging"
	"github.com/spacemeshos/powsubnet/shared"
)

var droppedMetric = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "powsubnet",
	Subsystem: "transport",
	Name:      "dropped_events_total",
	Help:      "Number of ledger events dropped because the queue was full",
})

var _ ledger.EventSink = (*InMemory)(nil)

// InMemory is a ledger.EventSink queueing events on an in-memory channel
// for a single consumer (e.g. the broadcaster).
// It never blocks the ledger: when the queue is full, events are dropped.
type InMemory struct {
	events chan shared.LedgerEvent
	clock  clock.Clock
}

type OptionFunc func(*InMemory)

func WithClock(clk clock.Clock) OptionFunc {
	return func(m *InMemory) {
		m.clock = clk
	}
}

func NewInMemory(size int, opts ...OptionFunc) *InMemory {
	m := &InMemory{
		events: make(chan shared.LedgerEvent, max(size, 1)),
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Implement ledger.EventSink.
func (m *InMemory) OnReward(ctx context.Context, minerID string, amount uint64) {
	m.push(ctx, shared.LedgerEvent{Kind: shared.EventReward, MinerID: minerID, Amount: amount, At: m.clock.Now()})
}

func (m *InMemory) OnPenalty(ctx context.Context, minerID string, amount uint64, reason string) {
	m.push(ctx, shared.LedgerEvent{
		Kind:    shared.EventPenalty,
		MinerID: minerID,
		Amount:  amount,
		Reason:  reason,
		At:      m.clock.Now(),
	})
}

// Events returns the queue of ledger events.
func (m *InMemory) Events() <-chan shared.LedgerEvent {
	return m.events
}

func (m *InMemory) push(ctx context.Context, ev shared.LedgerEvent) {
	select {
	case m.events <- ev:
	default:
		droppedMetric.Inc()
		logging.FromContext(ctx).Warn(
			"event queue full - dropping",
			zap.String("kind", string(ev.Kind)),
			zap.String("miner", ev.MinerID),
		)
	}
}
