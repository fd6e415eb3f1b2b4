package shared

import (
	"time"

	"github.com/spacemeshos/powsubnet/util"
)

// outcomeRecord is the persisted form of an Outcome. The prior verdict of a
// Replay is flattened into the record.
type outcomeRecord struct {
	ChallengeID  string
	MinerID      string
	Verdict      uint32
	Reward       uint64
	Reason       uint32
	Difficulty   uint32
	SolveLatency int64
	JudgedAt     int64

	HasPrior        bool
	PriorVerdict    uint32
	PriorReward     uint64
	PriorReason     uint32
	PriorDifficulty uint32
	PriorLatency    int64
	PriorJudgedAt   int64
}

// EncodeOutcome serializes an outcome for storage.
func EncodeOutcome(o *Outcome) ([]byte, error) {
	rec := outcomeRecord{
		ChallengeID:  o.ChallengeID,
		MinerID:      o.MinerID,
		Verdict:      uint32(o.Verdict),
		Reward:       o.Reward,
		Reason:       uint32(o.Reason),
		Difficulty:   uint32(o.Difficulty),
		SolveLatency: int64(o.SolveLatency),
		JudgedAt:     o.JudgedAt.UnixNano(),
	}
	if p := o.Prior; p != nil {
		rec.HasPrior = true
		rec.PriorVerdict = uint32(p.Verdict)
		rec.PriorReward = p.Reward
		rec.PriorReason = uint32(p.Reason)
		rec.PriorDifficulty = uint32(p.Difficulty)
		rec.PriorLatency = int64(p.SolveLatency)
		rec.PriorJudgedAt = p.JudgedAt.UnixNano()
	}
	return util.Encode(&rec)
}

// DecodeOutcome deserializes an outcome written by EncodeOutcome.
func DecodeOutcome(data []byte) (*Outcome, error) {
	var rec outcomeRecord
	if err := util.Decode(data, &rec); err != nil {
		return nil, err
	}
	o := &Outcome{
		ChallengeID:  rec.ChallengeID,
		MinerID:      rec.MinerID,
		Verdict:      Verdict(rec.Verdict),
		Reward:       rec.Reward,
		Reason:       RejectReason(rec.Reason),
		Difficulty:   Difficulty(rec.Difficulty),
		SolveLatency: time.Duration(rec.SolveLatency),
		JudgedAt:     time.Unix(0, rec.JudgedAt),
	}
	if rec.HasPrior {
		o.Prior = &Outcome{
			ChallengeID:  rec.ChallengeID,
			MinerID:      rec.MinerID,
			Verdict:      Verdict(rec.PriorVerdict),
			Reward:       rec.PriorReward,
			Reason:       RejectReason(rec.PriorReason),
			Difficulty:   Difficulty(rec.PriorDifficulty),
			SolveLatency: time.Duration(rec.PriorLatency),
			JudgedAt:     time.Unix(0, rec.PriorJudgedAt),
		}
	}
	return o, nil
}
