package challenge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	ldbutil "github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"github.com/spacemeshos/powsubnet/logging"
	"github.com/spacemeshos/powsubnet/shared"
	"github.com/spacemeshos/powsubnet/util"
)

var ErrNotOutstanding = errors.New("challenge is not outstanding")

var keyPrefix = []byte("chal/")

// Status is the lifecycle state of an issued challenge.
//
//	outstanding -> consumed | expired | revoked
type Status uint8

const (
	StatusUnknown Status = iota
	StatusOutstanding
	StatusConsumed
	StatusExpired
	StatusRevoked
)

func (s Status) String() string {
	switch s {
	case StatusOutstanding:
		return "outstanding"
	case StatusConsumed:
		return "consumed"
	case StatusExpired:
		return "expired"
	case StatusRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

type entry struct {
	challenge shared.Challenge
	status    Status
	retiredAt time.Time
}

// challengeRecord is the persisted form of an entry.
type challengeRecord struct {
	ID         string
	MinerID    string
	Seed       []byte
	Difficulty uint32
	IssuedAt   int64
	ExpiresAt  int64
	Status     uint32
	RetiredAt  int64
}

// Table keeps every issued challenge until it has been retired for longer than the retention.
// A miner has at most one outstanding challenge at a time.
// All state transitions are persisted before they become visible.
type Table struct {
	db        *leveldb.DB
	retention time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	// miner ID -> ID of the miner's outstanding challenge
	byMiner map[string]string
}

// NewTable loads the table persisted in db.
func NewTable(ctx context.Context, db *leveldb.DB, retention time.Duration) (*Table, error) {
	t := &Table{
		db:        db,
		retention: retention,
		entries:   make(map[string]*entry),
		byMiner:   make(map[string]string),
	}

	iter := db.NewIterator(ldbutil.BytesPrefix(keyPrefix), nil)
	defer iter.Release()
	for iter.Next() {
		var rec challengeRecord
		if err := util.Decode(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("loading challenge %s: %w", iter.Key(), err)
		}
		e := rec.entry()
		t.entries[e.challenge.ID] = e
		if e.status == StatusOutstanding {
			t.byMiner[e.challenge.MinerID] = e.challenge.ID
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterating challenges: %w", err)
	}
	outstandingMetric.Add(float64(len(t.byMiner)))

	logging.FromContext(ctx).Info(
		"loaded challenges",
		zap.Int("total", len(t.entries)),
		zap.Int("outstanding", len(t.byMiner)),
	)
	return t, nil
}

// GetOrCreate returns the miner's outstanding challenge if it is still solvable at now.
// Otherwise it retires the stale one as expired, stores the challenge returned by create
// and returns it with created set.
func (t *Table) GetOrCreate(
	minerID string,
	now time.Time,
	create func() (shared.Challenge, error),
) (c shared.Challenge, created bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var stale *entry
	if id, ok := t.byMiner[minerID]; ok {
		e := t.entries[id]
		if !e.challenge.Expired(now) {
			return e.challenge, false, nil
		}
		stale = e
	}

	c, err = create()
	if err != nil {
		return shared.Challenge{}, false, err
	}
	if _, ok := t.entries[c.ID]; ok {
		return shared.Challenge{}, false, fmt.Errorf("duplicate challenge ID %s", c.ID)
	}

	fresh := &entry{challenge: c, status: StatusOutstanding}
	batch := new(leveldb.Batch)
	if stale != nil {
		retired := *stale
		retired.status = StatusExpired
		retired.retiredAt = now
		if err := putEntry(batch, &retired); err != nil {
			return shared.Challenge{}, false, err
		}
	}
	if err := putEntry(batch, fresh); err != nil {
		return shared.Challenge{}, false, err
	}
	if err := t.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return shared.Challenge{}, false, fmt.Errorf("storing challenge: %w", err)
	}

	if stale != nil {
		stale.status = StatusExpired
		stale.retiredAt = now
		retiredMetric.WithLabelValues(StatusExpired.String()).Inc()
		outstandingMetric.Dec()
	}
	t.entries[c.ID] = fresh
	t.byMiner[minerID] = c.ID
	outstandingMetric.Inc()
	return c, true, nil
}

// Lookup returns the challenge with the given ID and its status.
// A challenge issued to a different miner is reported as unknown.
func (t *Table) Lookup(id, minerID string) (shared.Challenge, Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok || e.challenge.MinerID != minerID {
		return shared.Challenge{}, StatusUnknown
	}
	return e.challenge, e.status
}

// Outstanding returns the miner's outstanding challenge if it is still solvable at now.
func (t *Table) Outstanding(minerID string, now time.Time) (shared.Challenge, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.byMiner[minerID]
	if !ok {
		return shared.Challenge{}, false
	}
	e := t.entries[id]
	if e.challenge.Expired(now) {
		return shared.Challenge{}, false
	}
	return e.challenge, true
}

// Retire moves an outstanding challenge to the status `to`.
// It is an exclusive compare-and-mark: it returns the status observed before the call,
// and only a caller observing StatusOutstanding performed the transition.
// The transition is written in the same synchronous write as extra (if not nil).
func (t *Table) Retire(id, minerID string, to Status, now time.Time, extra *leveldb.Batch) (Status, error) {
	if to == StatusUnknown || to == StatusOutstanding {
		return StatusUnknown, fmt.Errorf("invalid retire status %s", to)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok || e.challenge.MinerID != minerID {
		return StatusUnknown, nil
	}
	if e.status != StatusOutstanding {
		return e.status, nil
	}

	retired := *e
	retired.status = to
	retired.retiredAt = now

	batch := extra
	if batch == nil {
		batch = new(leveldb.Batch)
	}
	if err := putEntry(batch, &retired); err != nil {
		return StatusUnknown, err
	}
	if err := t.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return StatusUnknown, fmt.Errorf("retiring challenge %s: %w", id, err)
	}

	*e = retired
	delete(t.byMiner, minerID)
	retiredMetric.WithLabelValues(to.String()).Inc()
	outstandingMetric.Dec()
	return StatusOutstanding, nil
}

// Consume marks an outstanding challenge as consumed.
func (t *Table) Consume(id, minerID string, now time.Time) (shared.Challenge, error) {
	prev, err := t.Retire(id, minerID, StatusConsumed, now, nil)
	if err != nil {
		return shared.Challenge{}, err
	}
	if prev != StatusOutstanding {
		return shared.Challenge{}, fmt.Errorf("%w: %s is %s", ErrNotOutstanding, id, prev)
	}
	c, _ := t.Lookup(id, minerID)
	return c, nil
}

// Revoke retires the miner's outstanding challenge, if any.
func (t *Table) Revoke(minerID string, now time.Time) (bool, error) {
	t.mu.Lock()
	id, ok := t.byMiner[minerID]
	t.mu.Unlock()
	if !ok {
		return false, nil
	}
	prev, err := t.Retire(id, minerID, StatusRevoked, now, nil)
	return prev == StatusOutstanding, err
}

// Sweep expires outstanding challenges past their deadline and forgets
// challenges retired for longer than the retention.
func (t *Table) Sweep(now time.Time) (expired, removed int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	batch := new(leveldb.Batch)
	var toExpire, toRemove []*entry
	for _, e := range t.entries {
		switch {
		case e.status == StatusOutstanding && e.challenge.Expired(now):
			retired := *e
			retired.status = StatusExpired
			retired.retiredAt = now
			if err := putEntry(batch, &retired); err != nil {
				return 0, 0, err
			}
			toExpire = append(toExpire, e)
		case e.status != StatusOutstanding && now.Sub(e.retiredAt) > t.retention:
			batch.Delete(entryKey(e.challenge.ID))
			toRemove = append(toRemove, e)
		}
	}
	if batch.Len() == 0 {
		return 0, 0, nil
	}
	if err := t.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return 0, 0, fmt.Errorf("sweeping challenges: %w", err)
	}

	for _, e := range toExpire {
		e.status = StatusExpired
		e.retiredAt = now
		delete(t.byMiner, e.challenge.MinerID)
	}
	for _, e := range toRemove {
		delete(t.entries, e.challenge.ID)
	}
	retiredMetric.WithLabelValues(StatusExpired.String()).Add(float64(len(toExpire)))
	outstandingMetric.Sub(float64(len(toExpire)))
	return len(toExpire), len(toRemove), nil
}

// Len returns the number of remembered challenges and how many of them are outstanding.
func (t *Table) Len() (total, outstanding int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries), len(t.byMiner)
}

func entryKey(id string) []byte {
	return append(append([]byte{}, keyPrefix...), id...)
}

func putEntry(batch *leveldb.Batch, e *entry) error {
	data, err := util.Encode(newRecord(e))
	if err != nil {
		return fmt.Errorf("encoding challenge %s: %w", e.challenge.ID, err)
	}
	batch.Put(entryKey(e.challenge.ID), data)
	return nil
}

func newRecord(e *entry) *challengeRecord {
	rec := &challengeRecord{
		ID:         e.challenge.ID,
		MinerID:    e.challenge.MinerID,
		Seed:       e.challenge.Seed,
		Difficulty: uint32(e.challenge.Difficulty),
		IssuedAt:   e.challenge.IssuedAt.UnixNano(),
		ExpiresAt:  e.challenge.ExpiresAt.UnixNano(),
		Status:     uint32(e.status),
	}
	if !e.retiredAt.IsZero() {
		rec.RetiredAt = e.retiredAt.UnixNano()
	}
	return rec
}

func (r *challengeRecord) entry() *entry {
	e := &entry{
		challenge: shared.Challenge{
			ID:         r.ID,
			MinerID:    r.MinerID,
			Seed:       r.Seed,
			Difficulty: shared.Difficulty(r.Difficulty),
			IssuedAt:   time.Unix(0, r.IssuedAt),
			ExpiresAt:  time.Unix(0, r.ExpiresAt),
		},
		status: Status(r.Status),
	}
	if r.RetiredAt != 0 {
		e.retiredAt = time.Unix(0, r.RetiredAt)
	}
	return e
}
