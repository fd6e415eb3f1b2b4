package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spacemeshos/powsubnet/rpc/api"
	"github.com/spacemeshos/powsubnet/util"
)

// tally is the miner's local view of its work, kept across runs.
type tally struct {
	MinerID   string `json:"miner_id"   yaml:"miner_id"`
	Submitted uint64 `json:"submitted"  yaml:"submitted"`
	Accepted  uint64 `json:"accepted"   yaml:"accepted"`
	Rejected  uint64 `json:"rejected"   yaml:"rejected"`
	Rewards   uint64 `json:"rewards"    yaml:"rewards"`
	Hashes    uint64 `json:"hashes"     yaml:"hashes"`
	LastID    string `json:"last_id"    yaml:"last_id"`
}

func loadTally(path, minerID string) (*tally, error) {
	t := &tally{MinerID: minerID}
	if path == "" {
		return t, nil
	}
	err := util.Load(path, t)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return &tally{MinerID: minerID}, nil
	case err != nil:
		return nil, fmt.Errorf("loading state from %s: %w", path, err)
	case t.MinerID != minerID:
		// Someone else's tally.
		return &tally{MinerID: minerID}, nil
	}
	return t, nil
}

func (t *tally) save(path string) error {
	if path == "" {
		return nil
	}
	return util.Persist(path, t)
}

func (t *tally) record(out *api.Outcome, hashes uint64) {
	t.Submitted++
	t.Hashes += hashes
	t.LastID = out.ChallengeID
	if out.Accepted {
		t.Accepted++
		t.Rewards += out.Reward
	} else {
		t.Rejected++
	}
}
