// Package settlement periodically turns the rewards miners earned into a weight vector
// and commits to it with a merkle root.
package settlement

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	ldbutil "github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"github.com/spacemeshos/powsubnet/logging"
	"github.com/spacemeshos/powsubnet/shared"
	"github.com/spacemeshos/powsubnet/util"
)

//go:generate mockgen -package mocks -destination mocks/weight_setter.go . WeightSetter

// WeightSetter publishes a settlement, e.g. to the chain the subnet reports to.
type WeightSetter interface {
	SetWeights(ctx context.Context, s Settlement) error
}

// ScoreSource provides the miners' records.
type ScoreSource interface {
	Snapshots() []shared.MinerRecord
}

var settlementPrefix = []byte("settle/")

var (
	settlementsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "powsubnet",
		Subsystem: "settlement",
		Name:      "settlements_total",
		Help:      "Number of committed settlements",
	})

	weightedMinersMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "powsubnet",
		Subsystem: "settlement",
		Name:      "weighted_miners",
		Help:      "Number of miners with a non-zero weight in the last settlement",
	})
)

// Settlement is the weight vector of one interval.
type Settlement struct {
	Epoch   uint64    `json:"epoch"   yaml:"epoch"`
	At      time.Time `json:"at"      yaml:"at"`
	Weights []Weight  `json:"weights" yaml:"weights"`
	Root    []byte    `json:"root"    yaml:"root"`
}

type settlementRecord struct {
	Epoch   uint64
	At      int64
	Weights []weightRecord
	Root    []byte
	// Balances are the reward balances the scores of the next settlement are measured from.
	Balances []weightRecord
}

type weightRecord struct {
	MinerID string
	Value   int64
}

type Settler struct {
	cfg    Config
	db     *leveldb.DB
	scores ScoreSource
	setter WeightSetter
	clock  clock.Clock

	mu       sync.Mutex
	last     *Settlement
	balances map[string]int64
}

type newSettlerOptions struct {
	cfg    Config
	setter WeightSetter
	clock  clock.Clock
}

type OptionFunc func(*newSettlerOptions)

func WithConfig(cfg Config) OptionFunc {
	return func(o *newSettlerOptions) {
		o.cfg = cfg
	}
}

// WithWeightSetter sets the collaborator settlements are handed to. By default they are only logged.
func WithWeightSetter(setter WeightSetter) OptionFunc {
	return func(o *newSettlerOptions) {
		o.setter = setter
	}
}

func WithClock(clk clock.Clock) OptionFunc {
	return func(o *newSettlerOptions) {
		o.clock = clk
	}
}

// New loads the last settlement persisted in db.
func New(ctx context.Context, db *leveldb.DB, scores ScoreSource, opts ...OptionFunc) (*Settler, error) {
	options := newSettlerOptions{
		cfg:    DefaultConfig(),
		setter: LogSetter{},
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.cfg.Interval <= 0 {
		return nil, fmt.Errorf("settlement interval must be positive, got %v", options.cfg.Interval)
	}
	if options.cfg.WeightScale == 0 {
		return nil, errors.New("weight scale must be positive")
	}

	s := &Settler{
		cfg:      options.cfg,
		db:       db,
		scores:   scores,
		setter:   options.setter,
		clock:    options.clock,
		balances: make(map[string]int64),
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("loading last settlement: %w", err)
	}
	if s.last != nil {
		logging.FromContext(ctx).Info(
			"loaded last settlement",
			zap.Uint64("epoch", s.last.Epoch),
			zap.Time("at", s.last.At),
			zap.Int("weights", len(s.last.Weights)),
		)
	}
	return s, nil
}

// Settle scores every miner by the reward balance gained since the previous settlement,
// persists the resulting weights with their root and hands them to the WeightSetter.
// It returns nil if no miner gained anything.
func (s *Settler) Settle(ctx context.Context) (*Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.scores.Snapshots()
	scores := make(map[string]uint64, len(records))
	balances := make(map[string]int64, len(records))
	for _, rec := range records {
		balances[rec.MinerID] = rec.RewardBalance
		if gain := rec.RewardBalance - s.balances[rec.MinerID]; gain > 0 {
			scores[rec.MinerID] = uint64(gain)
		}
	}
	weights := Normalize(scores, s.cfg.WeightScale, s.cfg.MaxAllowedWeights)
	if len(weights) == 0 {
		logging.FromContext(ctx).Debug("nothing to settle")
		return nil, nil
	}
	root, err := Commit(weights)
	if err != nil {
		return nil, err
	}

	var epoch uint64
	if s.last != nil {
		epoch = s.last.Epoch + 1
	}
	settlement := &Settlement{
		Epoch:   epoch,
		At:      s.clock.Now(),
		Weights: weights,
		Root:    root,
	}
	if err := s.store(settlement, balances); err != nil {
		return nil, err
	}
	s.last = settlement
	s.balances = balances
	settlementsMetric.Inc()
	weightedMinersMetric.Set(float64(len(weights)))

	if err := s.setter.SetWeights(ctx, *settlement); err != nil {
		return settlement, fmt.Errorf("setting weights of epoch %d: %w", epoch, err)
	}
	return settlement, nil
}

// Last returns the last committed settlement.
func (s *Settler) Last() (Settlement, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Settlement{}, false
	}
	return *s.last, true
}

// Run settles every Interval until ctx is canceled.
func (s *Settler) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx).Named("settlement")
	ctx = logging.NewContext(ctx, logger)
	ticker := s.clock.Ticker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Settle(ctx); err != nil {
				logger.Error("failed to settle", zap.Error(err))
			}
		}
	}
}

func (s *Settler) store(settlement *Settlement, balances map[string]int64) error {
	rec := settlementRecord{
		Epoch: settlement.Epoch,
		At:    settlement.At.UnixNano(),
		Root:  settlement.Root,
	}
	for _, w := range settlement.Weights {
		rec.Weights = append(rec.Weights, weightRecord{MinerID: w.MinerID, Value: int64(w.Weight)})
	}
	for minerID, balance := range balances {
		rec.Balances = append(rec.Balances, weightRecord{MinerID: minerID, Value: balance})
	}
	data, err := util.Encode(&rec)
	if err != nil {
		return fmt.Errorf("encoding settlement %d: %w", settlement.Epoch, err)
	}
	key := binary.BigEndian.AppendUint64(append([]byte{}, settlementPrefix...), settlement.Epoch)
	if err := s.db.Put(key, data, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("storing settlement %d: %w", settlement.Epoch, err)
	}
	return nil
}

func (s *Settler) load() error {
	iter := s.db.NewIterator(ldbutil.BytesPrefix(settlementPrefix), nil)
	defer iter.Release()
	if !iter.Last() {
		return iter.Error()
	}
	var rec settlementRecord
	if err := util.Decode(iter.Value(), &rec); err != nil {
		return err
	}
	last := &Settlement{
		Epoch: rec.Epoch,
		At:    time.Unix(0, rec.At),
		Root:  rec.Root,
	}
	for _, w := range rec.Weights {
		last.Weights = append(last.Weights, Weight{MinerID: w.MinerID, Weight: uint64(w.Value)})
	}
	for _, b := range rec.Balances {
		s.balances[b.MinerID] = b.Value
	}
	s.last = last
	return nil
}

// LogSetter only logs settlements.
type LogSetter struct{}

func (LogSetter) SetWeights(ctx context.Context, s Settlement) error {
	logging.FromContext(ctx).Info(
		"settled weights",
		zap.Uint64("epoch", s.Epoch),
		zap.Int("miners", len(s.Weights)),
		zap.Binary("root", s.Root),
	)
	return nil
}
