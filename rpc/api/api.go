// Package api defines the messages and the gRPC service of the validator.
// Messages travel as JSON (see CodecName).
package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/spacemeshos/powsubnet/shared"
)

var ErrMissingSolution = errors.New("solution must be set")

type RequestChallengeRequest struct {
	MinerID string `json:"miner_id" yaml:"miner_id"`
}

func (r *RequestChallengeRequest) String() string {
	return fmt.Sprintf("miner_id:%q", r.MinerID)
}

type Challenge struct {
	ID         string    `json:"id" yaml:"id"`
	MinerID    string    `json:"miner_id" yaml:"miner_id"`
	Seed       []byte    `json:"seed" yaml:"seed"`
	Difficulty uint32    `json:"difficulty" yaml:"difficulty"`
	IssuedAt   time.Time `json:"issued_at" yaml:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at" yaml:"expires_at"`
}

type Solution struct {
	ChallengeID string `json:"challenge_id" yaml:"challenge_id"`
	MinerID     string `json:"miner_id" yaml:"miner_id"`
	Nonce       []byte `json:"nonce" yaml:"nonce"`
	Digest      []byte `json:"digest" yaml:"digest"`
}

type SubmitSolutionRequest struct {
	Solution *Solution `json:"solution" yaml:"solution"`
}

func (r *SubmitSolutionRequest) String() string {
	if r.Solution == nil {
		return "<nil>"
	}
	return fmt.Sprintf("challenge_id:%q miner_id:%q nonce:%x", r.Solution.ChallengeID, r.Solution.MinerID, r.Solution.Nonce)
}

type Outcome struct {
	ChallengeID  string        `json:"challenge_id" yaml:"challenge_id"`
	MinerID      string        `json:"miner_id" yaml:"miner_id"`
	Accepted     bool          `json:"accepted" yaml:"accepted"`
	Reward       uint64        `json:"reward,omitempty" yaml:"reward,omitempty"`
	Reason       string        `json:"reason,omitempty" yaml:"reason,omitempty"`
	Difficulty   uint32        `json:"difficulty" yaml:"difficulty"`
	SolveLatency time.Duration `json:"solve_latency" yaml:"solve_latency"`
	JudgedAt     time.Time     `json:"judged_at" yaml:"judged_at"`
	Prior        *Outcome      `json:"prior,omitempty" yaml:"prior,omitempty"`
}

type MinerStatusRequest struct {
	MinerID string `json:"miner_id" yaml:"miner_id"`
}

type MinerRecord struct {
	MinerID            string    `json:"miner_id" yaml:"miner_id"`
	CurrentDifficulty  uint32    `json:"current_difficulty" yaml:"current_difficulty"`
	ConsecutiveAccepts uint64    `json:"consecutive_accepts" yaml:"consecutive_accepts"`
	ConsecutiveRejects uint64    `json:"consecutive_rejects" yaml:"consecutive_rejects"`
	TotalAccepted      uint64    `json:"total_accepted" yaml:"total_accepted"`
	TotalRejected      uint64    `json:"total_rejected" yaml:"total_rejected"`
	Penalties          uint64    `json:"penalties" yaml:"penalties"`
	RewardBalance      int64     `json:"reward_balance" yaml:"reward_balance"`
	LastActivity       time.Time `json:"last_activity" yaml:"last_activity"`
	SuspendedUntil     time.Time `json:"suspended_until,omitempty" yaml:"suspended_until,omitempty"`
	Inactive           bool      `json:"inactive" yaml:"inactive"`
}

type MinerStatusResponse struct {
	Miner    *MinerRecord `json:"miner" yaml:"miner"`
	Eligible bool         `json:"eligible" yaml:"eligible"`
	Reason   string       `json:"reason,omitempty" yaml:"reason,omitempty"`
}

type MinerEligibleRequest struct {
	MinerID string `json:"miner_id" yaml:"miner_id"`
}

type MinerEligibleResponse struct {
	Eligible bool   `json:"eligible" yaml:"eligible"`
	Reason   string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

func IntoChallenge(c shared.Challenge) *Challenge {
	return &Challenge{
		ID:         c.ID,
		MinerID:    c.MinerID,
		Seed:       c.Seed,
		Difficulty: uint32(c.Difficulty),
		IssuedAt:   c.IssuedAt,
		ExpiresAt:  c.ExpiresAt,
	}
}

func FromChallenge(c *Challenge) shared.Challenge {
	return shared.Challenge{
		ID:         c.ID,
		MinerID:    c.MinerID,
		Seed:       c.Seed,
		Difficulty: shared.Difficulty(c.Difficulty),
		IssuedAt:   c.IssuedAt,
		ExpiresAt:  c.ExpiresAt,
	}
}

func IntoSolution(s *shared.Solution) *Solution {
	return &Solution{
		ChallengeID: s.ChallengeID,
		MinerID:     s.MinerID,
		Nonce:       s.Nonce,
		Digest:      s.Digest,
	}
}

func FromSubmitSolutionRequest(r *SubmitSolutionRequest) (*shared.Solution, error) {
	if r.Solution == nil {
		return nil, ErrMissingSolution
	}
	return &shared.Solution{
		ChallengeID: r.Solution.ChallengeID,
		MinerID:     r.Solution.MinerID,
		Nonce:       r.Solution.Nonce,
		Digest:      r.Solution.Digest,
	}, nil
}

func IntoOutcome(o *shared.Outcome) *Outcome {
	if o == nil {
		return nil
	}
	out := &Outcome{
		ChallengeID:  o.ChallengeID,
		MinerID:      o.MinerID,
		Accepted:     o.Accepted(),
		Reward:       o.Reward,
		Difficulty:   uint32(o.Difficulty),
		SolveLatency: o.SolveLatency,
		JudgedAt:     o.JudgedAt,
		Prior:        IntoOutcome(o.Prior),
	}
	if !o.Accepted() {
		out.Reason = o.Reason.String()
	}
	return out
}

func IntoMinerRecord(r shared.MinerRecord) *MinerRecord {
	return &MinerRecord{
		MinerID:            r.MinerID,
		CurrentDifficulty:  uint32(r.CurrentDifficulty),
		ConsecutiveAccepts: r.ConsecutiveAccepts,
		ConsecutiveRejects: r.ConsecutiveRejects,
		TotalAccepted:      r.TotalAccepted,
		TotalRejected:      r.TotalRejected,
		Penalties:          r.Penalties,
		RewardBalance:      r.RewardBalance,
		LastActivity:       r.LastActivity,
		SuspendedUntil:     r.SuspendedUntil,
		Inactive:           r.Inactive,
	}
}
