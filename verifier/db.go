package verifier

import (
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"github.com/spacemeshos/powsubnet/shared"
)

var verdictPrefix = []byte("verdict/")

type database struct {
	db *leveldb.DB
}

func verdictKey(challengeID, minerID string) []byte {
	key := append([]byte{}, verdictPrefix...)
	key = append(key, challengeID...)
	key = append(key, '/')
	return append(key, minerID...)
}

// get returns the verdict recorded for (challengeID, minerID), or nil.
func (d *database) get(challengeID, minerID string) (*shared.Outcome, error) {
	data, err := d.db.Get(verdictKey(challengeID, minerID), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("reading verdict of %s: %w", challengeID, err)
	}
	o, err := shared.DecodeOutcome(data)
	if err != nil {
		return nil, fmt.Errorf("decoding verdict of %s: %w", challengeID, err)
	}
	return o, nil
}

func putVerdict(batch *leveldb.Batch, o *shared.Outcome) error {
	data, err := shared.EncodeOutcome(o)
	if err != nil {
		return fmt.Errorf("encoding verdict of %s: %w", o.ChallengeID, err)
	}
	batch.Put(verdictKey(o.ChallengeID, o.MinerID), data)
	return nil
}

func (d *database) write(batch *leveldb.Batch) error {
	if err := d.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("storing verdict: %w", err)
	}
	return nil
}
