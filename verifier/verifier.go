// Package verifier judges miners' solutions.
//
// Protocol rejections are returned as outcomes; errors are reserved for malformed input
// and storage failures, and an error never leaves a trace in the challenge table.
package verifier

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/syndtr/goleveldb/leveldb"
	"go.uber.org/zap"

	"github.com/spacemeshos/powsubnet/challenge"
	"github.com/spacemeshos/powsubnet/logging"
	"github.com/spacemeshos/powsubnet/shared"
	"github.com/spacemeshos/powsubnet/util"
)

var ErrMalformedSolution = errors.New("malformed solution")

var (
	verdictsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "powsubnet",
		Subsystem: "verifier",
		Name:      "verdicts_total",
		Help:      "Number of verdicts by reason",
	}, []string{"verdict", "reason"})

	solveLatencyMetric = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "powsubnet",
		Subsystem: "verifier",
		Name:      "solve_latency_seconds",
		Help:      "Time between issuing a challenge and accepting its solution",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
	})
)

const defaultCacheSize = 4096

type Verifier struct {
	table    *challenge.Table
	db       *database
	verdicts *lru.Cache
	clock    clock.Clock
	reward   RewardFunc
	expected time.Duration

	// locks serializes judging per (challenge, miner)
	locks *util.KeyedLocks
}

type newVerifierOptions struct {
	clock     clock.Clock
	reward    RewardFunc
	expected  time.Duration
	cacheSize int
}

type OptionFunc func(*newVerifierOptions)

func WithClock(clk clock.Clock) OptionFunc {
	return func(o *newVerifierOptions) {
		o.clock = clk
	}
}

// WithReward sets the reward policy. Defaults to ProportionalReward(1).
func WithReward(reward RewardFunc) OptionFunc {
	return func(o *newVerifierOptions) {
		o.reward = reward
	}
}

// WithExpectedLatency sets the solve latency passed to the reward policy.
func WithExpectedLatency(expected time.Duration) OptionFunc {
	return func(o *newVerifierOptions) {
		o.expected = expected
	}
}

// WithCacheSize sets how many verdicts are kept in memory in front of the database.
func WithCacheSize(size int) OptionFunc {
	return func(o *newVerifierOptions) {
		o.cacheSize = size
	}
}

func New(table *challenge.Table, db *leveldb.DB, opts ...OptionFunc) (*Verifier, error) {
	options := newVerifierOptions{
		clock:     clock.New(),
		reward:    ProportionalReward(1),
		expected:  30 * time.Second,
		cacheSize: defaultCacheSize,
	}
	for _, opt := range opts {
		opt(&options)
	}
	cache, err := lru.New(max(options.cacheSize, 1))
	if err != nil {
		return nil, fmt.Errorf("creating verdict cache: %w", err)
	}
	return &Verifier{
		table:    table,
		db:       &database{db: db},
		verdicts: cache,
		clock:    options.clock,
		reward:   options.reward,
		expected: options.expected,
		locks:    util.NewKeyedLocks(),
	}, nil
}

// Staged is a side effect of a verdict added to the batch persisting it.
type Staged interface {
	// Commit is called once the batch has been written.
	Commit(ctx context.Context)
	// Abort is called when the batch was not written.
	Abort()
}

// StageFunc adds the side effects of o to batch.
type StageFunc func(o *shared.Outcome, batch *leveldb.Batch) (Staged, error)

type verifyOptions struct {
	stage StageFunc
}

type VerifyOption func(*verifyOptions)

// WithStage commits the result of fn in the same write as the verdict.
// fn is called only for verdicts that get persisted: it is never called for a Replay
// or an UnknownChallenge. A failure of fn is returned as is and persists nothing.
func WithStage(fn StageFunc) VerifyOption {
	return func(o *verifyOptions) {
		o.stage = fn
	}
}

// Validate checks the shape of a solution.
func Validate(s *shared.Solution) error {
	switch {
	case s == nil:
		return fmt.Errorf("%w: nil", ErrMalformedSolution)
	case s.ChallengeID == "":
		return fmt.Errorf("%w: empty challenge ID", ErrMalformedSolution)
	case s.MinerID == "":
		return fmt.Errorf("%w: empty miner ID", ErrMalformedSolution)
	case len(s.Nonce) == 0 || len(s.Nonce) > shared.MaxNonceSize:
		return fmt.Errorf("%w: nonce size %d not in [1, %d]", ErrMalformedSolution, len(s.Nonce), shared.MaxNonceSize)
	case len(s.Digest) != shared.DigestSize:
		return fmt.Errorf("%w: digest size %d, expected %d", ErrMalformedSolution, len(s.Digest), shared.DigestSize)
	}
	return nil
}

// Verify judges a solution. The checks run in order:
//
//  1. a solution already judged for (challenge, miner) is a Replay carrying the original verdict,
//     an unknown challenge (or one issued to another miner) is UnknownChallenge and a
//     challenge revoked by a suspension is StaleChallenge,
//  2. a challenge past its deadline is ExpiredChallenge, even if the nonce is valid,
//  3. a digest that does not match SHA-256(seed || nonce) is DigestMismatch,
//  4. a digest above the target is TargetNotMet,
//  5. otherwise the solution is Accepted with a reward from the reward policy.
//
// Every verdict except Replay and UnknownChallenge is persisted before Verify returns,
// together with the challenge's transition out of the outstanding state.
// Exactly one submission per (challenge, miner) gets a persisted verdict.
func (v *Verifier) Verify(ctx context.Context, s *shared.Solution, opts ...VerifyOption) (*shared.Outcome, error) {
	if err := Validate(s); err != nil {
		return nil, err
	}
	var options verifyOptions
	for _, opt := range opts {
		opt(&options)
	}
	logger := logging.FromContext(ctx).With(zap.String("miner", s.MinerID), zap.String("challenge", s.ChallengeID))

	unlock := v.locks.Lock(memoKey(s.ChallengeID, s.MinerID))
	outcome, err := v.verify(ctx, s, options)
	unlock()
	if err != nil {
		return nil, err
	}
	verdictsMetric.WithLabelValues(outcome.Verdict.String(), outcome.Reason.String()).Inc()
	if outcome.Accepted() {
		solveLatencyMetric.Observe(outcome.SolveLatency.Seconds())
	}
	logger.Debug("judged solution", zap.Stringer("outcome", outcome))
	return outcome, nil
}

func (v *Verifier) verify(ctx context.Context, s *shared.Solution, options verifyOptions) (*shared.Outcome, error) {
	prior, err := v.memo(s.ChallengeID, s.MinerID)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		return v.replay(s, prior), nil
	}

	now := v.clock.Now()
	c, status := v.table.Lookup(s.ChallengeID, s.MinerID)
	for {
		switch status {
		case challenge.StatusUnknown:
			return v.reject(s, shared.ReasonUnknownChallenge, c, now), nil
		case challenge.StatusConsumed:
			// judged, but the verdict is not at hand
			return v.reject(s, shared.ReasonReplay, c, now), nil
		case challenge.StatusRevoked:
			return v.record(ctx, v.reject(s, shared.ReasonStaleChallenge, c, now), options)
		case challenge.StatusExpired:
			return v.record(ctx, v.reject(s, shared.ReasonExpiredChallenge, c, now), options)
		}

		outcome := v.judge(c, s, now)
		to := challenge.StatusConsumed
		if outcome.Reason == shared.ReasonExpiredChallenge {
			to = challenge.StatusExpired
		}
		batch, staged, err := v.prepare(outcome, options)
		if err != nil {
			return nil, err
		}
		prev, err := v.table.Retire(c.ID, c.MinerID, to, now, batch)
		if err != nil || prev != challenge.StatusOutstanding {
			abort(staged)
		}
		if err != nil {
			return nil, err
		}
		if prev == challenge.StatusOutstanding {
			v.verdicts.Add(memoKey(s.ChallengeID, s.MinerID), outcome)
			commit(ctx, staged)
			return outcome, nil
		}
		// Retired meanwhile by the sweeper or a revocation.
		status = prev
	}
}

// judge decides on a solution to an outstanding challenge.
func (v *Verifier) judge(c shared.Challenge, s *shared.Solution, now time.Time) *shared.Outcome {
	if c.Expired(now) {
		return v.reject(s, shared.ReasonExpiredChallenge, c, now)
	}
	digest := shared.Digest(c.Seed, s.Nonce)
	if subtle.ConstantTimeCompare(digest, s.Digest) != 1 {
		return v.reject(s, shared.ReasonDigestMismatch, c, now)
	}
	if !shared.MeetsTarget(digest, c.Difficulty) {
		return v.reject(s, shared.ReasonTargetNotMet, c, now)
	}

	latency := now.Sub(c.IssuedAt)
	return &shared.Outcome{
		ChallengeID:  s.ChallengeID,
		MinerID:      s.MinerID,
		Verdict:      shared.VerdictAccepted,
		Reward:       v.reward(c.Difficulty, latency, v.expected),
		Difficulty:   c.Difficulty,
		SolveLatency: latency,
		JudgedAt:     now,
	}
}

func (v *Verifier) reject(s *shared.Solution, reason shared.RejectReason, c shared.Challenge, now time.Time) *shared.Outcome {
	o := &shared.Outcome{
		ChallengeID: s.ChallengeID,
		MinerID:     s.MinerID,
		Verdict:     shared.VerdictRejected,
		Reason:      reason,
		Difficulty:  c.Difficulty,
		JudgedAt:    now,
	}
	if !c.IssuedAt.IsZero() {
		o.SolveLatency = now.Sub(c.IssuedAt)
	}
	return o
}

func (v *Verifier) replay(s *shared.Solution, prior *shared.Outcome) *shared.Outcome {
	return &shared.Outcome{
		ChallengeID: s.ChallengeID,
		MinerID:     s.MinerID,
		Verdict:     shared.VerdictRejected,
		Reason:      shared.ReasonReplay,
		Difficulty:  prior.Difficulty,
		JudgedAt:    v.clock.Now(),
		Prior:       prior,
	}
}

// record persists a verdict on a challenge that is no longer outstanding.
// The caller holds the lock of (challenge, miner) and has found no verdict for it.
func (v *Verifier) record(ctx context.Context, o *shared.Outcome, options verifyOptions) (*shared.Outcome, error) {
	batch, staged, err := v.prepare(o, options)
	if err != nil {
		return nil, err
	}
	if err := v.db.write(batch); err != nil {
		abort(staged)
		return nil, err
	}
	v.verdicts.Add(memoKey(o.ChallengeID, o.MinerID), o)
	commit(ctx, staged)
	return o, nil
}

// prepare returns a batch holding the verdict and whatever the stage adds to it.
func (v *Verifier) prepare(o *shared.Outcome, options verifyOptions) (*leveldb.Batch, Staged, error) {
	batch := new(leveldb.Batch)
	if err := putVerdict(batch, o); err != nil {
		return nil, nil, err
	}
	if options.stage == nil {
		return batch, nil, nil
	}
	staged, err := options.stage(o, batch)
	if err != nil {
		return nil, nil, err
	}
	return batch, staged, nil
}

func commit(ctx context.Context, staged Staged) {
	if staged != nil {
		staged.Commit(ctx)
	}
}

func abort(staged Staged) {
	if staged != nil {
		staged.Abort()
	}
}

// memo returns the verdict already recorded for (challengeID, minerID), or nil.
func (v *Verifier) memo(challengeID, minerID string) (*shared.Outcome, error) {
	key := memoKey(challengeID, minerID)
	if o, ok := v.verdicts.Get(key); ok {
		return o.(*shared.Outcome), nil
	}
	o, err := v.db.get(challengeID, minerID)
	if err != nil || o == nil {
		return nil, err
	}
	v.verdicts.Add(key, o)
	return o, nil
}

// Verdict returns the verdict recorded for (challengeID, minerID), if any.
func (v *Verifier) Verdict(challengeID, minerID string) (*shared.Outcome, error) {
	o, err := v.memo(challengeID, minerID)
	if err != nil || o == nil {
		return nil, err
	}
	cp := *o
	return &cp, nil
}

func memoKey(challengeID, minerID string) string {
	return challengeID + "/" + minerID
}
