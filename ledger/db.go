package ledger

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	ldbutil "github.com/syndtr/goleveldb/leveldb/util"

	"github.com/spacemeshos/powsubnet/shared"
	"github.com/spacemeshos/powsubnet/util"
)

var (
	minerPrefix   = []byte("miner/")
	outcomePrefix = []byte("outcome/")
	penaltyPrefix = []byte("penalty/")
)

// Penalty is a recorded deduction from a miner's reward balance.
type Penalty struct {
	Amount uint64
	Reason string
	At     time.Time
}

type minerRecord struct {
	MinerID            string
	CurrentDifficulty  uint32
	ConsecutiveAccepts uint64
	ConsecutiveRejects uint64
	TotalAccepted      uint64
	TotalRejected      uint64
	Penalties          uint64
	RewardBalance      int64
	LastActivity       int64
	SuspendedUntil     int64
	Inactive           bool

	// NextSeq is the sequence number of the miner's next log entry.
	NextSeq uint64
}

type penaltyRecord struct {
	Amount uint64
	Reason string
	At     int64
}

type database struct {
	db *leveldb.DB
}

func (d *database) write(batch *leveldb.Batch) error {
	start := time.Now()
	if err := d.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("committing ledger batch: %w", err)
	}
	commitLatencyMetric.Observe(time.Since(start).Seconds())
	return nil
}

func (d *database) loadMiners(fn func(rec shared.MinerRecord, nextSeq uint64)) error {
	iter := d.db.NewIterator(ldbutil.BytesPrefix(minerPrefix), nil)
	defer iter.Release()
	for iter.Next() {
		var rec minerRecord
		if err := util.Decode(iter.Value(), &rec); err != nil {
			return fmt.Errorf("loading miner %s: %w", iter.Key(), err)
		}
		fn(fromMinerRecord(&rec), rec.NextSeq)
	}
	return iter.Error()
}

func (d *database) history(minerID string, limit int) ([]shared.Outcome, error) {
	var outcomes []shared.Outcome
	err := d.newest(outcomePrefix, minerID, limit, func(value []byte) error {
		o, err := shared.DecodeOutcome(value)
		if err != nil {
			return err
		}
		outcomes = append(outcomes, *o)
		return nil
	})
	return outcomes, err
}

func (d *database) penalties(minerID string, limit int) ([]Penalty, error) {
	var penalties []Penalty
	err := d.newest(penaltyPrefix, minerID, limit, func(value []byte) error {
		var rec penaltyRecord
		if err := util.Decode(value, &rec); err != nil {
			return err
		}
		penalties = append(penalties, Penalty{Amount: rec.Amount, Reason: rec.Reason, At: time.Unix(0, rec.At)})
		return nil
	})
	return penalties, err
}

// newest walks the miner's log under prefix from the newest entry, visiting at most limit entries
// (all of them if limit <= 0).
func (d *database) newest(prefix []byte, minerID string, limit int, visit func([]byte) error) error {
	iter := d.db.NewIterator(ldbutil.BytesPrefix(logPrefix(prefix, minerID)), nil)
	defer iter.Release()
	return walkBackwards(iter, limit, visit)
}

func walkBackwards(iter iterator.Iterator, limit int, visit func([]byte) error) error {
	count := 0
	for ok := iter.Last(); ok; ok = iter.Prev() {
		if limit > 0 && count >= limit {
			break
		}
		if err := visit(iter.Value()); err != nil {
			return fmt.Errorf("decoding %s: %w", iter.Key(), err)
		}
		count++
	}
	return iter.Error()
}

func minerKey(minerID string) []byte {
	return append(append([]byte{}, minerPrefix...), minerID...)
}

// logPrefix hex-encodes the miner ID so that no ID is a prefix of another's log.
func logPrefix(prefix []byte, minerID string) []byte {
	key := append([]byte{}, prefix...)
	key = append(key, hex.EncodeToString([]byte(minerID))...)
	return append(key, '/')
}

func logKey(prefix []byte, minerID string, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(logPrefix(prefix, minerID), seq)
}

func putMiner(batch *leveldb.Batch, rec *shared.MinerRecord, nextSeq uint64) error {
	data, err := util.Encode(toMinerRecord(rec, nextSeq))
	if err != nil {
		return fmt.Errorf("encoding miner %s: %w", rec.MinerID, err)
	}
	batch.Put(minerKey(rec.MinerID), data)
	return nil
}

func putOutcome(batch *leveldb.Batch, o *shared.Outcome, seq uint64) error {
	data, err := shared.EncodeOutcome(o)
	if err != nil {
		return fmt.Errorf("encoding outcome of %s: %w", o.ChallengeID, err)
	}
	batch.Put(logKey(outcomePrefix, o.MinerID, seq), data)
	return nil
}

func putPenalty(batch *leveldb.Batch, minerID string, p Penalty, seq uint64) error {
	data, err := util.Encode(&penaltyRecord{Amount: p.Amount, Reason: p.Reason, At: p.At.UnixNano()})
	if err != nil {
		return fmt.Errorf("encoding penalty of %s: %w", minerID, err)
	}
	batch.Put(logKey(penaltyPrefix, minerID, seq), data)
	return nil
}

func toMinerRecord(r *shared.MinerRecord, nextSeq uint64) *minerRecord {
	return &minerRecord{
		MinerID:            r.MinerID,
		CurrentDifficulty:  uint32(r.CurrentDifficulty),
		ConsecutiveAccepts: r.ConsecutiveAccepts,
		ConsecutiveRejects: r.ConsecutiveRejects,
		TotalAccepted:      r.TotalAccepted,
		TotalRejected:      r.TotalRejected,
		Penalties:          r.Penalties,
		RewardBalance:      r.RewardBalance,
		LastActivity:       unixNano(r.LastActivity),
		SuspendedUntil:     unixNano(r.SuspendedUntil),
		Inactive:           r.Inactive,
		NextSeq:            nextSeq,
	}
}

func fromMinerRecord(r *minerRecord) shared.MinerRecord {
	return shared.MinerRecord{
		MinerID:            r.MinerID,
		CurrentDifficulty:  shared.Difficulty(r.CurrentDifficulty),
		ConsecutiveAccepts: r.ConsecutiveAccepts,
		ConsecutiveRejects: r.ConsecutiveRejects,
		TotalAccepted:      r.TotalAccepted,
		TotalRejected:      r.TotalRejected,
		Penalties:          r.Penalties,
		RewardBalance:      r.RewardBalance,
		LastActivity:       fromUnixNano(r.LastActivity),
		SuspendedUntil:     fromUnixNano(r.SuspendedUntil),
		Inactive:           r.Inactive,
	}
}

// unixNano maps the zero time to 0 so that it survives a round trip.
func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
