// Package ledger owns the per-miner reputation state: counts, streaks, reward balance,
// penalties and suspensions. Every state transition is persisted before it becomes visible,
// and the payment collaborator is notified only after the commit.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/syndtr/goleveldb/leveldb"
	"go.uber.org/zap"

	"github.com/spacemeshos/powsubnet/logging"
	"github.com/spacemeshos/powsubnet/shared"
)

//go:generate mockgen -package mocks -destination mocks/event_sink.go . EventSink

// EventSink is the payment collaborator notified of committed balance changes.
type EventSink interface {
	OnReward(ctx context.Context, minerID string, amount uint64)
	OnPenalty(ctx context.Context, minerID string, amount uint64, reason string)
}

var (
	ErrUnknownMiner     = errors.New("unknown miner")
	ErrInvalidOutcome   = errors.New("invalid outcome")
	ErrAmountOutOfRange = errors.New("amount out of range")
)

type minerEntry struct {
	mu      sync.Mutex
	rec     shared.MinerRecord
	nextSeq uint64
	// persisted is false until the first commit of a freshly created entry.
	persisted bool
}

type Ledger struct {
	cfg   Config
	db    *database
	sink  EventSink
	clock clock.Clock

	// mu guards the map only; each entry carries its own lock.
	mu     sync.RWMutex
	miners map[string]*minerEntry
}

type newLedgerOptions struct {
	cfg   Config
	sink  EventSink
	clock clock.Clock
}

type OptionFunc func(*newLedgerOptions)

func WithConfig(cfg Config) OptionFunc {
	return func(o *newLedgerOptions) {
		o.cfg = cfg
	}
}

func WithEventSink(sink EventSink) OptionFunc {
	return func(o *newLedgerOptions) {
		o.sink = sink
	}
}

func WithClock(clk clock.Clock) OptionFunc {
	return func(o *newLedgerOptions) {
		o.clock = clk
	}
}

// New loads the ledger persisted in db.
func New(ctx context.Context, db *leveldb.DB, opts ...OptionFunc) (*Ledger, error) {
	options := newLedgerOptions{
		cfg:   DefaultConfig(),
		clock: clock.New(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.cfg.PenaltyThreshold == 0 {
		return nil, errors.New("penalty threshold must be positive")
	}
	if options.cfg.PenaltyAmount > math.MaxInt64 {
		return nil, fmt.Errorf("%w: penalty amount %d", ErrAmountOutOfRange, options.cfg.PenaltyAmount)
	}
	if options.cfg.SweepInterval <= 0 {
		return nil, fmt.Errorf("sweep interval must be positive, got %v", options.cfg.SweepInterval)
	}

	l := &Ledger{
		cfg:    options.cfg,
		db:     &database{db: db},
		sink:   options.sink,
		clock:  options.clock,
		miners: make(map[string]*minerEntry),
	}
	err := l.db.loadMiners(func(rec shared.MinerRecord, nextSeq uint64) {
		l.miners[rec.MinerID] = &minerEntry{rec: rec, nextSeq: nextSeq, persisted: true}
	})
	if err != nil {
		return nil, fmt.Errorf("loading ledger: %w", err)
	}
	minersMetric.Set(float64(len(l.miners)))
	logging.FromContext(ctx).Info("loaded ledger", zap.Int("miners", len(l.miners)))
	return l, nil
}

type recordOptions struct {
	difficulty *shared.Difficulty
}

type RecordOption func(*recordOptions)

// WithDifficulty records the miner's next difficulty in the same transition as the outcome.
func WithDifficulty(d shared.Difficulty) RecordOption {
	return func(o *recordOptions) {
		o.difficulty = &d
	}
}

type pendingEvent struct {
	kind   shared.EventKind
	amount uint64
	reason string
}

// Transition is the change of a miner's record caused by one outcome, staged in a batch
// owned by the caller. It holds the miner's entry until Commit or Abort.
type Transition struct {
	l       *Ledger
	e       *minerEntry
	outcome *shared.Outcome
	next    shared.MinerRecord
	nextSeq uint64
	events  []pendingEvent
	done    bool
}

// RecordOutcome applies a verdict to the miner's record as a single atomic transition.
// The PenaltyThreshold-th consecutive rejection (and every multiple thereof) deducts
// PenaltyAmount and suspends the miner for SuspensionPeriod.
func (l *Ledger) RecordOutcome(ctx context.Context, o *shared.Outcome, opts ...RecordOption) (shared.MinerRecord, error) {
	batch := new(leveldb.Batch)
	tr, err := l.Stage(o, batch, opts...)
	if err != nil {
		return shared.MinerRecord{}, err
	}
	if err := l.db.write(batch); err != nil {
		tr.Abort()
		return shared.MinerRecord{}, err
	}
	return tr.Commit(ctx), nil
}

// Stage adds the transition caused by o to batch without writing it.
// The caller writes batch and then calls Commit, or calls Abort if the write did not happen.
// The miner's other transitions block until then.
func (l *Ledger) Stage(o *shared.Outcome, batch *leveldb.Batch, opts ...RecordOption) (*Transition, error) {
	if o == nil || o.MinerID == "" {
		return nil, ErrInvalidOutcome
	}
	var options recordOptions
	for _, opt := range opts {
		opt(&options)
	}

	e := l.getOrCreate(o.MinerID, o.Difficulty)
	e.mu.Lock()
	tr, err := l.stage(e, o, batch, options)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	return tr, nil
}

func (l *Ledger) stage(e *minerEntry, o *shared.Outcome, batch *leveldb.Batch, options recordOptions) (*Transition, error) {
	now := o.JudgedAt
	if now.IsZero() {
		now = l.clock.Now()
	}
	next := e.rec
	next.LastActivity = now
	next.Inactive = false
	if options.difficulty != nil {
		next.CurrentDifficulty = *options.difficulty
	}

	seq := e.nextSeq
	if err := putOutcome(batch, o, seq); err != nil {
		return nil, err
	}
	seq++

	var events []pendingEvent
	if o.Accepted() {
		next.TotalAccepted++
		next.ConsecutiveAccepts++
		next.ConsecutiveRejects = 0
		if o.Reward > 0 {
			if err := applyReward(&next, o.Reward); err != nil {
				return nil, err
			}
			events = append(events, pendingEvent{kind: shared.EventReward, amount: o.Reward})
		}
	} else {
		next.TotalRejected++
		next.ConsecutiveRejects++
		next.ConsecutiveAccepts = 0
		if next.ConsecutiveRejects%l.cfg.PenaltyThreshold == 0 {
			p := Penalty{
				Amount: l.cfg.PenaltyAmount,
				Reason: fmt.Sprintf("%d consecutive rejections, last: %s", next.ConsecutiveRejects, o.Reason),
				At:     now,
			}
			if err := applyPenalty(&next, p); err != nil {
				return nil, err
			}
			next.SuspendedUntil = now.Add(l.cfg.SuspensionPeriod)
			if err := putPenalty(batch, o.MinerID, p, seq); err != nil {
				return nil, err
			}
			seq++
			events = append(events, pendingEvent{kind: shared.EventPenalty, amount: p.Amount, reason: p.Reason})
		}
	}
	if err := putMiner(batch, &next, seq); err != nil {
		return nil, err
	}
	return &Transition{l: l, e: e, outcome: o, next: next, nextSeq: seq, events: events}, nil
}

// Commit makes a transition whose batch has been written visible and notifies the event sink.
func (t *Transition) Commit(ctx context.Context) shared.MinerRecord {
	if t.done {
		return t.next
	}
	t.done = true
	t.e.swap(&t.next, t.nextSeq)
	t.e.mu.Unlock()

	outcomesMetric.WithLabelValues(t.outcome.Verdict.String(), t.outcome.Reason.String()).Inc()
	t.l.notify(ctx, t.outcome.MinerID, t.events)
	return t.next
}

// Abort releases a transition whose batch was not written.
func (t *Transition) Abort() {
	if t.done {
		return
	}
	t.done = true
	t.e.mu.Unlock()
}

// Reward credits amount to a known miner.
func (l *Ledger) Reward(ctx context.Context, minerID string, amount uint64) (shared.MinerRecord, error) {
	e, ok := l.get(minerID)
	if !ok {
		return shared.MinerRecord{}, fmt.Errorf("%w: %s", ErrUnknownMiner, minerID)
	}
	e.mu.Lock()
	next := e.rec
	if err := applyReward(&next, amount); err != nil {
		e.mu.Unlock()
		return shared.MinerRecord{}, err
	}
	batch := new(leveldb.Batch)
	if err := l.commit(e, &next, e.nextSeq, batch); err != nil {
		e.mu.Unlock()
		return shared.MinerRecord{}, err
	}
	e.mu.Unlock()

	l.notify(ctx, minerID, []pendingEvent{{kind: shared.EventReward, amount: amount}})
	return next, nil
}

// Penalize deducts amount from a known miner's balance and records the reason.
func (l *Ledger) Penalize(ctx context.Context, minerID string, amount uint64, reason string) (shared.MinerRecord, error) {
	if reason == "" {
		return shared.MinerRecord{}, errors.New("penalty reason cannot be empty")
	}
	e, ok := l.get(minerID)
	if !ok {
		return shared.MinerRecord{}, fmt.Errorf("%w: %s", ErrUnknownMiner, minerID)
	}
	e.mu.Lock()
	next := e.rec
	p := Penalty{Amount: amount, Reason: reason, At: l.clock.Now()}
	if err := applyPenalty(&next, p); err != nil {
		e.mu.Unlock()
		return shared.MinerRecord{}, err
	}
	batch := new(leveldb.Batch)
	if err := putPenalty(batch, minerID, p, e.nextSeq); err != nil {
		e.mu.Unlock()
		return shared.MinerRecord{}, err
	}
	if err := l.commit(e, &next, e.nextSeq+1, batch); err != nil {
		e.mu.Unlock()
		return shared.MinerRecord{}, err
	}
	e.mu.Unlock()

	l.notify(ctx, minerID, []pendingEvent{{kind: shared.EventPenalty, amount: amount, reason: reason}})
	return next, nil
}

// applyReward credits amount, refusing amounts the signed balance cannot hold.
func applyReward(rec *shared.MinerRecord, amount uint64) error {
	if amount > math.MaxInt64 {
		return fmt.Errorf("%w: reward of %d", ErrAmountOutOfRange, amount)
	}
	if rec.RewardBalance > math.MaxInt64-int64(amount) {
		return fmt.Errorf("%w: balance %d cannot take a reward of %d", ErrAmountOutOfRange, rec.RewardBalance, amount)
	}
	rec.RewardBalance += int64(amount)
	return nil
}

func applyPenalty(rec *shared.MinerRecord, p Penalty) error {
	if p.Amount > math.MaxInt64 {
		return fmt.Errorf("%w: penalty of %d", ErrAmountOutOfRange, p.Amount)
	}
	if rec.RewardBalance < math.MinInt64+int64(p.Amount) {
		return fmt.Errorf("%w: balance %d cannot take a penalty of %d", ErrAmountOutOfRange, rec.RewardBalance, p.Amount)
	}
	rec.RewardBalance -= int64(p.Amount)
	rec.Penalties++
	return nil
}

// commit persists next together with batch and swaps it in. Must hold e.mu.
func (l *Ledger) commit(e *minerEntry, next *shared.MinerRecord, nextSeq uint64, batch *leveldb.Batch) error {
	if err := putMiner(batch, next, nextSeq); err != nil {
		return err
	}
	if err := l.db.write(batch); err != nil {
		return err
	}
	e.swap(next, nextSeq)
	return nil
}

func (e *minerEntry) swap(next *shared.MinerRecord, nextSeq uint64) {
	e.rec = *next
	e.nextSeq = nextSeq
	e.persisted = true
}

func (l *Ledger) notify(ctx context.Context, minerID string, events []pendingEvent) {
	logger := logging.FromContext(ctx)
	for _, ev := range events {
		switch ev.kind {
		case shared.EventReward:
			rewardsMetric.Add(float64(ev.amount))
			if l.sink != nil {
				l.sink.OnReward(ctx, minerID, ev.amount)
			}
		case shared.EventPenalty:
			penaltiesMetric.Inc()
			logger.Info(
				"penalized miner",
				zap.String("miner", minerID),
				zap.Uint64("amount", ev.amount),
				zap.String("reason", ev.reason),
			)
			if l.sink != nil {
				l.sink.OnPenalty(ctx, minerID, ev.amount, ev.reason)
			}
		}
	}
}

// Snapshot returns a copy of the miner's record.
func (l *Ledger) Snapshot(minerID string) (shared.MinerRecord, bool) {
	e, ok := l.get(minerID)
	if !ok {
		return shared.MinerRecord{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.persisted {
		return shared.MinerRecord{}, false
	}
	return e.rec, true
}

// Snapshots returns copies of all records ordered by miner ID.
func (l *Ledger) Snapshots() []shared.MinerRecord {
	l.mu.RLock()
	entries := make([]*minerEntry, 0, len(l.miners))
	for _, e := range l.miners {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	records := make([]shared.MinerRecord, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.persisted {
			records = append(records, e.rec)
		}
		e.mu.Unlock()
	}
	sort.Slice(records, func(i, j int) bool { return records[i].MinerID < records[j].MinerID })
	return records
}

// History returns up to limit of the miner's outcomes, newest first (all of them if limit <= 0).
func (l *Ledger) History(minerID string, limit int) ([]shared.Outcome, error) {
	return l.db.history(minerID, limit)
}

// Penalties returns up to limit of the miner's penalties, newest first (all of them if limit <= 0).
func (l *Ledger) Penalties(minerID string, limit int) ([]Penalty, error) {
	return l.db.penalties(minerID, limit)
}

// Eligible reports whether the miner may be scheduled for tasks. When it may not, reason says why.
func (l *Ledger) Eligible(minerID string) (ok bool, reason string) {
	rec, known := l.Snapshot(minerID)
	switch {
	case !known:
		return false, "unknown miner"
	case rec.Inactive:
		return false, "inactive"
	case rec.Suspended(l.clock.Now()):
		return false, fmt.Sprintf("suspended until %s", rec.SuspendedUntil.Format(time.RFC3339))
	case rec.ConsecutiveRejects >= l.cfg.PenaltyThreshold:
		return false, fmt.Sprintf("%d consecutive rejections", rec.ConsecutiveRejects)
	case rec.TotalAccepted < l.cfg.MinAccepted:
		return false, fmt.Sprintf("%d of %d required accepted solutions", rec.TotalAccepted, l.cfg.MinAccepted)
	case rec.RewardBalance < 0:
		return false, "negative balance"
	}
	return true, ""
}

// Suspended reports whether the miner is serving a suspension.
func (l *Ledger) Suspended(minerID string) (bool, time.Time) {
	rec, ok := l.Snapshot(minerID)
	if !ok || !rec.Suspended(l.clock.Now()) {
		return false, time.Time{}
	}
	return true, rec.SuspendedUntil
}

// SweepInactive marks miners without activity for InactivityTimeout as inactive.
func (l *Ledger) SweepInactive(ctx context.Context) (int, error) {
	now := l.clock.Now()
	l.mu.RLock()
	entries := make([]*minerEntry, 0, len(l.miners))
	for _, e := range l.miners {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	marked := 0
	for _, e := range entries {
		e.mu.Lock()
		if !e.persisted || e.rec.Inactive || now.Sub(e.rec.LastActivity) < l.cfg.InactivityTimeout {
			e.mu.Unlock()
			continue
		}
		next := e.rec
		next.Inactive = true
		if err := l.commit(e, &next, e.nextSeq, new(leveldb.Batch)); err != nil {
			e.mu.Unlock()
			return marked, err
		}
		e.mu.Unlock()
		marked++
		logging.FromContext(ctx).Info("miner marked inactive", zap.String("miner", next.MinerID))
	}
	return marked, nil
}

// Run sweeps inactive miners until ctx is canceled.
func (l *Ledger) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx).Named("ledger")
	ticker := l.clock.Ticker(l.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := l.SweepInactive(ctx); err != nil {
				logger.Error("failed to sweep inactive miners", zap.Error(err))
			}
		}
	}
}

func (l *Ledger) get(minerID string) (*minerEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.miners[minerID]
	return e, ok
}

func (l *Ledger) getOrCreate(minerID string, d shared.Difficulty) *minerEntry {
	if e, ok := l.get(minerID); ok {
		return e
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.miners[minerID]; ok {
		return e
	}
	e := &minerEntry{rec: shared.MinerRecord{MinerID: minerID, CurrentDifficulty: d}}
	l.miners[minerID] = e
	minersMetric.Inc()
	return e
}
