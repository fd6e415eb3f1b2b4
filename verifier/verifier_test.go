package verifier_test

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/spacemeshos/powsubnet/challenge"
	"github.com/spacemeshos/powsubnet/shared"
	"github.com/spacemeshos/powsubnet/verifier"
)

var seed = []byte("0123456789abcdef0123456789abcdef")

type fixture struct {
	db       *leveldb.DB
	clock    *clock.Mock
	table    *challenge.Table
	verifier *verifier.Verifier
}

func openDB(t *testing.T, dir string) *leveldb.DB {
	t.Helper()
	db, err := leveldb.OpenFile(dir, nil)
	require.NoError(t, err)
	return db
}

func newFixture(t *testing.T, db *leveldb.DB, clk *clock.Mock) *fixture {
	t.Helper()
	table, err := challenge.NewTable(context.Background(), db, time.Hour)
	require.NoError(t, err)
	v, err := verifier.New(
		table,
		db,
		verifier.WithClock(clk),
		verifier.WithExpectedLatency(30*time.Second),
		verifier.WithReward(verifier.ProportionalReward(1)),
	)
	require.NoError(t, err)
	return &fixture{db: db, clock: clk, table: table, verifier: v}
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := openDB(t, t.TempDir())
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	return newFixture(t, db, clk)
}

func (f *fixture) issue(t *testing.T, id, minerID string, d shared.Difficulty) shared.Challenge {
	t.Helper()
	return f.issueSeed(t, id, minerID, seed, d)
}

func (f *fixture) issueSeed(t *testing.T, id, minerID string, seed []byte, d shared.Difficulty) shared.Challenge {
	t.Helper()
	now := f.clock.Now()
	c := shared.Challenge{
		ID:         id,
		MinerID:    minerID,
		Seed:       seed,
		Difficulty: d,
		IssuedAt:   now,
		ExpiresAt:  now.Add(time.Minute),
	}
	_, created, err := f.table.GetOrCreate(minerID, now, func() (shared.Challenge, error) { return c, nil })
	require.NoError(t, err)
	require.True(t, created)
	return c
}

func solve(t *testing.T, c shared.Challenge) *shared.Solution {
	t.Helper()
	n, err := shared.FindNonce(context.Background(), c.Seed, c.Difficulty, 0, 1)
	require.NoError(t, err)
	nonce := shared.EncodeNonce(n)
	return &shared.Solution{
		ChallengeID: c.ID,
		MinerID:     c.MinerID,
		Nonce:       nonce,
		Digest:      shared.Digest(c.Seed, nonce),
	}
}

// miss returns a well-formed solution whose digest is honest but above the target.
func miss(t *testing.T, c shared.Challenge) *shared.Solution {
	t.Helper()
	for n := uint64(0); ; n++ {
		nonce := shared.EncodeNonce(n)
		digest := shared.Digest(c.Seed, nonce)
		if !shared.MeetsTarget(digest, c.Difficulty) {
			return &shared.Solution{ChallengeID: c.ID, MinerID: c.MinerID, Nonce: nonce, Digest: digest}
		}
	}
}

func TestAcceptThenReplay(t *testing.T) {
	t.Parallel()
	f := setup(t)
	c := f.issueSeed(t, "c1", "m1", []byte("abc123"), shared.DifficultyFromNibbles(3))
	f.clock.Add(15 * time.Second)

	sol := solve(t, c)
	outcome, err := f.verifier.Verify(context.Background(), sol)
	require.NoError(t, err)
	require.True(t, outcome.Accepted())
	require.Equal(t, shared.Difficulty(12), outcome.Difficulty)
	require.Equal(t, 15*time.Second, outcome.SolveLatency)
	// Twice as fast as expected doubles the base reward.
	require.Equal(t, uint64(24), outcome.Reward)

	_, status := f.table.Lookup("c1", "m1")
	require.Equal(t, challenge.StatusConsumed, status)

	replay, err := f.verifier.Verify(context.Background(), sol)
	require.NoError(t, err)
	require.False(t, replay.Accepted())
	require.Equal(t, shared.ReasonReplay, replay.Reason)
	require.NotNil(t, replay.Prior)
	require.True(t, replay.Prior.Accepted())
	require.Equal(t, outcome.Reward, replay.Prior.Reward)

	// A different nonce for the same challenge is a replay as well.
	other := miss(t, c)
	replay, err = f.verifier.Verify(context.Background(), other)
	require.NoError(t, err)
	require.Equal(t, shared.ReasonReplay, replay.Reason)
}

func TestExpiredEvenWithValidNonce(t *testing.T) {
	t.Parallel()
	f := setup(t)
	c := f.issue(t, "c1", "m1", 8)
	f.clock.Add(time.Minute + time.Second)

	outcome, err := f.verifier.Verify(context.Background(), solve(t, c))
	require.NoError(t, err)
	require.Equal(t, shared.ReasonExpiredChallenge, outcome.Reason)
	_, status := f.table.Lookup("c1", "m1")
	require.Equal(t, challenge.StatusExpired, status)
}

func TestDeadlineIsInclusive(t *testing.T) {
	t.Parallel()
	f := setup(t)
	c := f.issue(t, "c1", "m1", 8)
	f.clock.Add(time.Minute)

	outcome, err := f.verifier.Verify(context.Background(), solve(t, c))
	require.NoError(t, err)
	require.True(t, outcome.Accepted())
}

func TestDigestMismatch(t *testing.T) {
	t.Parallel()
	f := setup(t)
	c := f.issue(t, "c1", "m1", 8)

	sol := solve(t, c)
	sol.Digest = append([]byte{}, sol.Digest...)
	sol.Digest[len(sol.Digest)-1] ^= 0xff
	outcome, err := f.verifier.Verify(context.Background(), sol)
	require.NoError(t, err)
	require.Equal(t, shared.ReasonDigestMismatch, outcome.Reason)
	require.Zero(t, outcome.Reward)

	_, status := f.table.Lookup("c1", "m1")
	require.Equal(t, challenge.StatusConsumed, status)
}

func TestTargetNotMet(t *testing.T) {
	t.Parallel()
	f := setup(t)
	c := f.issue(t, "c1", "m1", 16)

	outcome, err := f.verifier.Verify(context.Background(), miss(t, c))
	require.NoError(t, err)
	require.Equal(t, shared.ReasonTargetNotMet, outcome.Reason)
}

func TestUnknownChallenge(t *testing.T) {
	t.Parallel()
	f := setup(t)
	c := f.issue(t, "c1", "m1", 8)

	sol := solve(t, c)
	sol.ChallengeID = "nope"
	outcome, err := f.verifier.Verify(context.Background(), sol)
	require.NoError(t, err)
	require.Equal(t, shared.ReasonUnknownChallenge, outcome.Reason)

	// Solving someone else's challenge.
	stolen := solve(t, c)
	stolen.MinerID = "m2"
	outcome, err = f.verifier.Verify(context.Background(), stolen)
	require.NoError(t, err)
	require.Equal(t, shared.ReasonUnknownChallenge, outcome.Reason)

	// Neither attempt touched the challenge.
	_, status := f.table.Lookup("c1", "m1")
	require.Equal(t, challenge.StatusOutstanding, status)
	outcome, err = f.verifier.Verify(context.Background(), solve(t, c))
	require.NoError(t, err)
	require.True(t, outcome.Accepted())
}

func TestRevokedIsStale(t *testing.T) {
	t.Parallel()
	f := setup(t)
	c := f.issue(t, "c1", "m1", 8)
	revoked, err := f.table.Revoke("m1", f.clock.Now())
	require.NoError(t, err)
	require.True(t, revoked)

	outcome, err := f.verifier.Verify(context.Background(), solve(t, c))
	require.NoError(t, err)
	require.Equal(t, shared.ReasonStaleChallenge, outcome.Reason)

	recorded, err := f.verifier.Verdict("c1", "m1")
	require.NoError(t, err)
	require.Equal(t, shared.ReasonStaleChallenge, recorded.Reason)
}

func TestMalformedSolution(t *testing.T) {
	t.Parallel()
	f := setup(t)
	c := f.issue(t, "c1", "m1", 8)
	valid := solve(t, c)

	for _, tc := range []struct {
		name   string
		mutate func(s *shared.Solution)
	}{
		{"empty challenge", func(s *shared.Solution) { s.ChallengeID = "" }},
		{"empty miner", func(s *shared.Solution) { s.MinerID = "" }},
		{"empty nonce", func(s *shared.Solution) { s.Nonce = nil }},
		{"long nonce", func(s *shared.Solution) { s.Nonce = make([]byte, shared.MaxNonceSize+1) }},
		{"short digest", func(s *shared.Solution) { s.Digest = s.Digest[:16] }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			sol := *valid
			tc.mutate(&sol)
			_, err := f.verifier.Verify(context.Background(), &sol)
			require.ErrorIs(t, err, verifier.ErrMalformedSolution)
		})
	}
	_, err := f.verifier.Verify(context.Background(), nil)
	require.ErrorIs(t, err, verifier.ErrMalformedSolution)

	_, status := f.table.Lookup("c1", "m1")
	require.Equal(t, challenge.StatusOutstanding, status)
}

func TestVerdictSurvivesRestart(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	db := openDB(t, dir)
	f := newFixture(t, db, clk)
	c := f.issue(t, "c1", "m1", 8)
	sol := solve(t, c)
	outcome, err := f.verifier.Verify(context.Background(), sol)
	require.NoError(t, err)
	require.True(t, outcome.Accepted())
	require.NoError(t, db.Close())

	db = openDB(t, dir)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	f = newFixture(t, db, clk)
	replay, err := f.verifier.Verify(context.Background(), sol)
	require.NoError(t, err)
	require.Equal(t, shared.ReasonReplay, replay.Reason)
	require.NotNil(t, replay.Prior)
	require.Equal(t, outcome.Reward, replay.Prior.Reward)
}

func TestConcurrentSubmissionsAcceptOnce(t *testing.T) {
	t.Parallel()
	f := setup(t)
	c := f.issue(t, "c1", "m1", 8)
	sol := solve(t, c)

	const n = 16
	results := make(chan *shared.Outcome, n)
	for range n {
		go func() {
			o, err := f.verifier.Verify(context.Background(), sol)
			if err != nil {
				results <- nil
				return
			}
			results <- o
		}()
	}
	accepted := 0
	for range n {
		o := <-results
		require.NotNil(t, o)
		if o.Accepted() {
			accepted++
		} else {
			require.Equal(t, shared.ReasonReplay, o.Reason)
		}
	}
	require.Equal(t, 1, accepted)
}

func TestProportionalReward(t *testing.T) {
	t.Parallel()
	reward := verifier.ProportionalReward(10)
	for _, tc := range []struct {
		name    string
		d       shared.Difficulty
		latency time.Duration
		want    uint64
	}{
		{"on target", 12, 30 * time.Second, 120},
		{"twice as fast", 12, 15 * time.Second, 240},
		{"capped speedup", 12, time.Second, 240},
		{"twice as slow", 12, time.Minute, 60},
		{"capped slowdown", 12, time.Hour, 60},
		{"instant", 12, 0, 240},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, reward(tc.d, tc.latency, 30*time.Second))
		})
	}
	require.Equal(t, uint64(1), verifier.ProportionalReward(0)(12, time.Second, time.Second))
	require.Equal(t, uint64(math.MaxInt64), verifier.ProportionalReward(math.MaxUint64)(256, 0, time.Second))
}

type stagedKey struct {
	committed, aborted int
}

func (s *stagedKey) Commit(context.Context) { s.committed++ }
func (s *stagedKey) Abort()                 { s.aborted++ }

func TestStageIsWrittenWithVerdict(t *testing.T) {
	t.Parallel()
	f := setup(t)
	c := f.issue(t, "c1", "m1", 8)

	staged := &stagedKey{}
	outcome, err := f.verifier.Verify(context.Background(), solve(t, c), verifier.WithStage(
		func(o *shared.Outcome, batch *leveldb.Batch) (verifier.Staged, error) {
			require.True(t, o.Accepted())
			batch.Put([]byte("staged/c1"), []byte(o.MinerID))
			return staged, nil
		},
	))
	require.NoError(t, err)
	require.True(t, outcome.Accepted())
	require.Equal(t, 1, staged.committed)
	require.Zero(t, staged.aborted)

	value, err := f.db.Get([]byte("staged/c1"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("m1"), value)
}

func TestStageFailureLeavesNoTrace(t *testing.T) {
	t.Parallel()
	f := setup(t)
	c := f.issue(t, "c1", "m1", 8)
	sol := solve(t, c)

	failure := errors.New("ledger unavailable")
	_, err := f.verifier.Verify(context.Background(), sol, verifier.WithStage(
		func(*shared.Outcome, *leveldb.Batch) (verifier.Staged, error) {
			return nil, failure
		},
	))
	require.ErrorIs(t, err, failure)

	_, status := f.table.Lookup("c1", "m1")
	require.Equal(t, challenge.StatusOutstanding, status)
	recorded, err := f.verifier.Verdict("c1", "m1")
	require.NoError(t, err)
	require.Nil(t, recorded)

	outcome, err := f.verifier.Verify(context.Background(), sol)
	require.NoError(t, err)
	require.True(t, outcome.Accepted())
}

func TestStageAbortedWhenChallengeRetiredMeanwhile(t *testing.T) {
	t.Parallel()
	f := setup(t)
	c := f.issue(t, "c1", "m1", 8)

	var stages []*stagedKey
	var reasons []shared.RejectReason
	outcome, err := f.verifier.Verify(context.Background(), solve(t, c), verifier.WithStage(
		func(o *shared.Outcome, batch *leveldb.Batch) (verifier.Staged, error) {
			if len(stages) == 0 {
				// suspended while the solution was being judged
				revoked, err := f.table.Revoke("m1", f.clock.Now())
				require.NoError(t, err)
				require.True(t, revoked)
			}
			reasons = append(reasons, o.Reason)
			stages = append(stages, &stagedKey{})
			return stages[len(stages)-1], nil
		},
	))
	require.NoError(t, err)
	require.Equal(t, shared.ReasonStaleChallenge, outcome.Reason)

	require.Len(t, stages, 2)
	require.Equal(t, []shared.RejectReason{shared.ReasonNone, shared.ReasonStaleChallenge}, reasons)
	require.Equal(t, stagedKey{aborted: 1}, *stages[0])
	require.Equal(t, stagedKey{committed: 1}, *stages[1])
}

func TestConcurrentSubmissionsOnExpiredChallenge(t *testing.T) {
	t.Parallel()
	f := setup(t)
	c := f.issue(t, "c1", "m1", 8)
	sol := solve(t, c)
	f.clock.Add(2 * time.Minute)
	expired, _, err := f.table.Sweep(f.clock.Now())
	require.NoError(t, err)
	require.Equal(t, 1, expired)

	const n = 16
	var stagedCount atomic.Int32
	results := make(chan *shared.Outcome, n)
	for range n {
		go func() {
			o, err := f.verifier.Verify(context.Background(), sol, verifier.WithStage(
				func(*shared.Outcome, *leveldb.Batch) (verifier.Staged, error) {
					stagedCount.Add(1)
					return &stagedKey{}, nil
				},
			))
			if err != nil {
				results <- nil
				return
			}
			results <- o
		}()
	}
	judged := 0
	for range n {
		o := <-results
		require.NotNil(t, o)
		if o.Reason == shared.ReasonExpiredChallenge {
			judged++
		} else {
			require.Equal(t, shared.ReasonReplay, o.Reason)
			require.NotNil(t, o.Prior)
			require.Equal(t, shared.ReasonExpiredChallenge, o.Prior.Reason)
		}
	}
	require.Equal(t, 1, judged)
	require.EqualValues(t, 1, stagedCount.Load())
}
