package shared

import (
	"fmt"
	"time"
)

// Challenge is an issued, time-bounded PoW puzzle bound to a single miner.
// It is never mutated after issuance.
type Challenge struct {
	ID         string
	MinerID    string
	Seed       []byte
	Difficulty Difficulty
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the challenge can no longer be solved at now.
func (c *Challenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Solution is a miner's answer to a challenge.
type Solution struct {
	ChallengeID string
	MinerID     string
	Nonce       []byte
	Digest      []byte
}

// Verdict tags an Outcome.
type Verdict uint8

const (
	VerdictRejected Verdict = iota
	VerdictAccepted
)

func (v Verdict) String() string {
	if v == VerdictAccepted {
		return "accepted"
	}
	return "rejected"
}

// RejectReason explains a rejected solution.
type RejectReason uint8

const (
	ReasonNone RejectReason = iota
	ReasonStaleChallenge
	ReasonExpiredChallenge
	ReasonDigestMismatch
	ReasonTargetNotMet
	ReasonReplay
	ReasonUnknownChallenge
)

var reasonNames = map[RejectReason]string{
	ReasonNone:             "none",
	ReasonStaleChallenge:   "stale_challenge",
	ReasonExpiredChallenge: "expired_challenge",
	ReasonDigestMismatch:   "digest_mismatch",
	ReasonTargetNotMet:     "target_not_met",
	ReasonReplay:           "replay",
	ReasonUnknownChallenge: "unknown_challenge",
}

func (r RejectReason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}

// Outcome is the immutable verdict on a single solution.
type Outcome struct {
	ChallengeID  string
	MinerID      string
	Verdict      Verdict
	Reward       uint64
	Reason       RejectReason
	Difficulty   Difficulty
	SolveLatency time.Duration
	JudgedAt     time.Time

	// Prior is the original verdict when this outcome is a Replay rejection.
	Prior *Outcome
}

// Accepted reports whether the outcome is an acceptance.
func (o *Outcome) Accepted() bool {
	return o.Verdict == VerdictAccepted
}

func (o *Outcome) String() string {
	if o.Accepted() {
		return fmt.Sprintf("accepted(reward=%d)", o.Reward)
	}
	return fmt.Sprintf("rejected(%s)", o.Reason)
}

// MinerRecord is the ledger's view of a single miner.
type MinerRecord struct {
	MinerID            string
	CurrentDifficulty  Difficulty
	ConsecutiveAccepts uint64
	ConsecutiveRejects uint64
	TotalAccepted      uint64
	TotalRejected      uint64
	Penalties          uint64
	RewardBalance      int64
	LastActivity       time.Time
	SuspendedUntil     time.Time
	Inactive           bool
}

// Suspended reports whether the miner is serving a penalty suspension at now.
func (r *MinerRecord) Suspended(now time.Time) bool {
	return now.Before(r.SuspendedUntil)
}

// EventKind is the type of a ledger event delivered to the payment collaborator.
type EventKind string

const (
	EventReward  EventKind = "reward"
	EventPenalty EventKind = "penalty"
)

// LedgerEvent is emitted after a balance mutation commits.
type LedgerEvent struct {
	Kind    EventKind `json:"kind"`
	MinerID string    `json:"miner_id"`
	Amount  uint64    `json:"amount"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}
