// Package broadcaster fans ledger events out to websocket subscribers,
// typically the payment processors settling rewards and penalties.
package broadcaster

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/spacemeshos/powsubnet/logging"
	"github.com/spacemeshos/powsubnet/shared"
)

const (
	DefaultWriteTimeout = 10 * time.Second
	DefaultPingInterval = 30 * time.Second
	DefaultClientBuffer = 256
)

var (
	subscribersMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "powsubnet",
		Subsystem: "broadcaster",
		Name:      "subscribers",
		Help:      "Number of connected event subscribers",
	})

	evictedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "powsubnet",
		Subsystem: "broadcaster",
		Name:      "evicted_subscribers_total",
		Help:      "Number of subscribers disconnected for not keeping up",
	})
)

type subscriber struct {
	conn    *websocket.Conn
	minerID string
	send    chan shared.LedgerEvent
}

type Broadcaster struct {
	logger       *zap.Logger
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	pingInterval time.Duration
	clientBuffer int

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
}

type OptionFunc func(*Broadcaster)

func WithLogger(logger *zap.Logger) OptionFunc {
	return func(b *Broadcaster) {
		b.logger = logger
	}
}

func WithWriteTimeout(timeout time.Duration) OptionFunc {
	return func(b *Broadcaster) {
		b.writeTimeout = timeout
	}
}

func WithPingInterval(interval time.Duration) OptionFunc {
	return func(b *Broadcaster) {
		b.pingInterval = interval
	}
}

// WithClientBuffer sets how many events may be queued for a subscriber before it is evicted.
func WithClientBuffer(size int) OptionFunc {
	return func(b *Broadcaster) {
		b.clientBuffer = size
	}
}

func New(opts ...OptionFunc) *Broadcaster {
	b := &Broadcaster{
		logger: zap.NewNop(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		writeTimeout: DefaultWriteTimeout,
		pingInterval: DefaultPingInterval,
		clientBuffer: DefaultClientBuffer,
		subscribers:  make(map[*subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ServeHTTP upgrades the request to a websocket subscribed to ledger events.
// The optional `miner` query parameter restricts the feed to a single miner.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Debug("failed to upgrade to websocket", zap.Error(err))
		return
	}
	s := &subscriber{
		conn:    conn,
		minerID: r.URL.Query().Get("miner"),
		send:    make(chan shared.LedgerEvent, max(b.clientBuffer, 1)),
	}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	subscribersMetric.Inc()
	b.logger.Info("subscriber connected", zap.String("remote", r.RemoteAddr), zap.String("miner", s.minerID))

	go b.write(s)
	b.read(s)
}

// Run forwards events to the subscribers until ctx is canceled or events is closed.
func (b *Broadcaster) Run(ctx context.Context, events <-chan shared.LedgerEvent) error {
	defer b.closeAll()
	logging.FromContext(ctx).Info("broadcasting ledger events")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			b.Broadcast(ev)
		}
	}
}

// Broadcast queues the event for every interested subscriber.
// A subscriber whose queue is full is disconnected.
func (b *Broadcaster) Broadcast(ev shared.LedgerEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subscribers {
		if s.minerID != "" && s.minerID != ev.MinerID {
			continue
		}
		select {
		case s.send <- ev:
		default:
			evictedMetric.Inc()
			b.logger.Warn("subscriber too slow - disconnecting", zap.Stringer("remote", s.conn.RemoteAddr()))
			b.removeLocked(s)
		}
	}
}

// Subscribers returns the number of connected subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// read drains the connection to process control frames until the peer goes away.
func (b *Broadcaster) read(s *subscriber) {
	defer b.remove(s)
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.logger.Debug("subscriber read failed", zap.Error(err))
			}
			return
		}
	}
}

func (b *Broadcaster) write(s *subscriber) {
	ping := time.NewTicker(b.pingInterval)
	defer ping.Stop()
	defer s.conn.Close()
	for {
		select {
		case ev, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(b.writeTimeout))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteJSON(ev); err != nil {
				b.logger.Debug("failed to send event", zap.Error(err))
				b.remove(s)
				return
			}
		case <-ping.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(b.writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				b.remove(s)
				return
			}
		}
	}
}

func (b *Broadcaster) remove(s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(s)
}

func (b *Broadcaster) removeLocked(s *subscriber) {
	if _, ok := b.subscribers[s]; !ok {
		return
	}
	delete(b.subscribers, s)
	close(s.send)
	subscribersMetric.Dec()
}

func (b *Broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subscribers {
		b.removeLocked(s)
	}
}
