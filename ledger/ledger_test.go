package ledger_test

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
	"go.uber.org/mock/gomock"

	"github.com/spacemeshos/powsubnet/ledger"
	"github.com/spacemeshos/powsubnet/ledger/mocks"
	"github.com/spacemeshos/powsubnet/shared"
)

func newTestDB(t *testing.T) *leveldb.DB {
	t.Helper()
	db, err := leveldb.OpenFile(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	return db
}

func newMockClock() *clock.Mock {
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	return clk
}

func accepted(minerID, challengeID string, reward uint64, at time.Time) *shared.Outcome {
	return &shared.Outcome{
		ChallengeID:  challengeID,
		MinerID:      minerID,
		Verdict:      shared.VerdictAccepted,
		Reward:       reward,
		Difficulty:   12,
		SolveLatency: time.Second,
		JudgedAt:     at,
	}
}

func rejected(minerID, challengeID string, reason shared.RejectReason, at time.Time) *shared.Outcome {
	return &shared.Outcome{
		ChallengeID: challengeID,
		MinerID:     minerID,
		Verdict:     shared.VerdictRejected,
		Reason:      reason,
		Difficulty:  12,
		JudgedAt:    at,
	}
}

func TestRecordOutcome(t *testing.T) {
	t.Parallel()
	clk := newMockClock()
	sink := mocks.NewMockEventSink(gomock.NewController(t))
	l, err := ledger.New(context.Background(), newTestDB(t), ledger.WithClock(clk), ledger.WithEventSink(sink))
	require.NoError(t, err)

	// Arrange
	sink.EXPECT().OnReward(gomock.Any(), "m1", uint64(50))

	// Act
	rec, err := l.RecordOutcome(context.Background(), accepted("m1", "c1", 50, clk.Now()), ledger.WithDifficulty(14))

	// Verify
	require.NoError(t, err)
	require.Equal(t, "m1", rec.MinerID)
	require.Equal(t, uint64(1), rec.TotalAccepted)
	require.Equal(t, uint64(1), rec.ConsecutiveAccepts)
	require.Equal(t, int64(50), rec.RewardBalance)
	require.Equal(t, shared.Difficulty(14), rec.CurrentDifficulty)
	require.True(t, rec.LastActivity.Equal(clk.Now()))

	snapshot, ok := l.Snapshot("m1")
	require.True(t, ok)
	require.Equal(t, rec, snapshot)

	// A rejection resets the accept streak and keeps the balance.
	rec, err = l.RecordOutcome(context.Background(), rejected("m1", "c2", shared.ReasonDigestMismatch, clk.Now()))
	require.NoError(t, err)
	require.Zero(t, rec.ConsecutiveAccepts)
	require.Equal(t, uint64(1), rec.ConsecutiveRejects)
	require.Equal(t, uint64(1), rec.TotalRejected)
	require.Equal(t, int64(50), rec.RewardBalance)
	require.Equal(t, shared.Difficulty(14), rec.CurrentDifficulty)
}

func TestRecordOutcomeInvalid(t *testing.T) {
	t.Parallel()
	l, err := ledger.New(context.Background(), newTestDB(t))
	require.NoError(t, err)
	_, err = l.RecordOutcome(context.Background(), &shared.Outcome{ChallengeID: "c1"})
	require.ErrorIs(t, err, ledger.ErrInvalidOutcome)
	_, err = l.RecordOutcome(context.Background(), nil)
	require.ErrorIs(t, err, ledger.ErrInvalidOutcome)
	require.Empty(t, l.Snapshots())
}

func TestConsecutiveRejectionsPenalize(t *testing.T) {
	t.Parallel()
	clk := newMockClock()
	sink := mocks.NewMockEventSink(gomock.NewController(t))
	cfg := ledger.DefaultConfig()
	l, err := ledger.New(
		context.Background(),
		newTestDB(t),
		ledger.WithClock(clk),
		ledger.WithEventSink(sink),
		ledger.WithConfig(cfg),
	)
	require.NoError(t, err)

	sink.EXPECT().OnPenalty(gomock.Any(), "m2", cfg.PenaltyAmount, gomock.Any()).Times(1)

	var rec shared.MinerRecord
	for i := 0; i < int(cfg.PenaltyThreshold); i++ {
		rec, err = l.RecordOutcome(
			context.Background(),
			rejected("m2", fmt.Sprintf("c%d", i), shared.ReasonTargetNotMet, clk.Now()),
		)
		require.NoError(t, err)
	}

	require.Equal(t, uint64(1), rec.Penalties)
	require.Equal(t, -int64(cfg.PenaltyAmount), rec.RewardBalance)
	require.True(t, rec.SuspendedUntil.Equal(clk.Now().Add(cfg.SuspensionPeriod)))

	suspended, until := l.Suspended("m2")
	require.True(t, suspended)
	require.True(t, until.Equal(rec.SuspendedUntil))

	penalties, err := l.Penalties("m2", 0)
	require.NoError(t, err)
	require.Len(t, penalties, 1)
	require.Equal(t, cfg.PenaltyAmount, penalties[0].Amount)
	require.Contains(t, penalties[0].Reason, "10 consecutive rejections")
	require.Contains(t, penalties[0].Reason, "target_not_met")

	clk.Add(cfg.SuspensionPeriod)
	suspended, _ = l.Suspended("m2")
	require.False(t, suspended)
}

func TestPenaltyRepeatsEveryThreshold(t *testing.T) {
	t.Parallel()
	sink := mocks.NewMockEventSink(gomock.NewController(t))
	cfg := ledger.DefaultConfig()
	cfg.PenaltyThreshold = 3
	l, err := ledger.New(context.Background(), newTestDB(t), ledger.WithConfig(cfg), ledger.WithEventSink(sink))
	require.NoError(t, err)

	sink.EXPECT().OnPenalty(gomock.Any(), "m1", cfg.PenaltyAmount, gomock.Any()).Times(2)
	now := time.Now()
	for i := 0; i < 7; i++ {
		_, err := l.RecordOutcome(context.Background(), rejected("m1", fmt.Sprint(i), shared.ReasonReplay, now))
		require.NoError(t, err)
	}
	rec, ok := l.Snapshot("m1")
	require.True(t, ok)
	require.Equal(t, uint64(2), rec.Penalties)
	require.Equal(t, uint64(7), rec.ConsecutiveRejects)
}

func TestAcceptResetsPenaltyStreak(t *testing.T) {
	t.Parallel()
	cfg := ledger.DefaultConfig()
	cfg.PenaltyThreshold = 3
	l, err := ledger.New(context.Background(), newTestDB(t), ledger.WithConfig(cfg))
	require.NoError(t, err)

	now := time.Now()
	for _, o := range []*shared.Outcome{
		rejected("m1", "c1", shared.ReasonTargetNotMet, now),
		rejected("m1", "c2", shared.ReasonTargetNotMet, now),
		accepted("m1", "c3", 1, now),
		rejected("m1", "c4", shared.ReasonTargetNotMet, now),
		rejected("m1", "c5", shared.ReasonTargetNotMet, now),
	} {
		_, err := l.RecordOutcome(context.Background(), o)
		require.NoError(t, err)
	}
	rec, _ := l.Snapshot("m1")
	require.Zero(t, rec.Penalties)
	require.Equal(t, int64(1), rec.RewardBalance)
}

func TestRewardAndPenalize(t *testing.T) {
	t.Parallel()
	clk := newMockClock()
	sink := mocks.NewMockEventSink(gomock.NewController(t))
	l, err := ledger.New(context.Background(), newTestDB(t), ledger.WithClock(clk), ledger.WithEventSink(sink))
	require.NoError(t, err)

	_, err = l.Reward(context.Background(), "ghost", 10)
	require.ErrorIs(t, err, ledger.ErrUnknownMiner)
	_, err = l.Penalize(context.Background(), "ghost", 10, "cheating")
	require.ErrorIs(t, err, ledger.ErrUnknownMiner)

	sink.EXPECT().OnReward(gomock.Any(), "m1", uint64(5))
	_, err = l.RecordOutcome(context.Background(), accepted("m1", "c1", 5, clk.Now()))
	require.NoError(t, err)

	sink.EXPECT().OnReward(gomock.Any(), "m1", uint64(20))
	rec, err := l.Reward(context.Background(), "m1", 20)
	require.NoError(t, err)
	require.Equal(t, int64(25), rec.RewardBalance)

	sink.EXPECT().OnPenalty(gomock.Any(), "m1", uint64(30), "manual review")
	rec, err = l.Penalize(context.Background(), "m1", 30, "manual review")
	require.NoError(t, err)
	require.Equal(t, int64(-5), rec.RewardBalance)
	require.Equal(t, uint64(1), rec.Penalties)

	_, err = l.Penalize(context.Background(), "m1", 30, "")
	require.Error(t, err)

	penalties, err := l.Penalties("m1", 0)
	require.NoError(t, err)
	require.Len(t, penalties, 1)
	require.Equal(t, "manual review", penalties[0].Reason)
}

func TestHistoryNewestFirst(t *testing.T) {
	t.Parallel()
	l, err := ledger.New(context.Background(), newTestDB(t))
	require.NoError(t, err)

	now := time.Now()
	for i := 0; i < 5; i++ {
		_, err := l.RecordOutcome(context.Background(), accepted("m1", fmt.Sprintf("c%d", i), 1, now))
		require.NoError(t, err)
	}
	// An ID that would share a raw key prefix with m1.
	_, err = l.RecordOutcome(context.Background(), accepted("m1/x", "other", 1, now))
	require.NoError(t, err)

	history, err := l.History("m1", 0)
	require.NoError(t, err)
	require.Len(t, history, 5)
	for i, o := range history {
		require.Equal(t, fmt.Sprintf("c%d", 4-i), o.ChallengeID)
	}

	history, err = l.History("m1", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "c4", history[0].ChallengeID)

	history, err = l.History("nobody", 0)
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestConcurrentRecordOutcomeLosesNothing(t *testing.T) {
	t.Parallel()
	l, err := ledger.New(context.Background(), newTestDB(t))
	require.NoError(t, err)

	const (
		goroutines = 8
		perRoutine = 25
	)
	now := time.Now()
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perRoutine; i++ {
				var o *shared.Outcome
				if i%2 == 0 {
					o = accepted("m1", fmt.Sprintf("%d-%d", g, i), 1, now)
				} else {
					o = rejected("m1", fmt.Sprintf("%d-%d", g, i), shared.ReasonTargetNotMet, now)
				}
				_, err := l.RecordOutcome(context.Background(), o)
				require.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	rec, ok := l.Snapshot("m1")
	require.True(t, ok)
	require.Equal(t, uint64(goroutines*perRoutine), rec.TotalAccepted+rec.TotalRejected)
	require.Equal(t, uint64(goroutines*13), rec.TotalAccepted)

	history, err := l.History("m1", 0)
	require.NoError(t, err)
	require.Len(t, history, goroutines*perRoutine)
}

func TestEligible(t *testing.T) {
	t.Parallel()
	clk := newMockClock()
	cfg := ledger.DefaultConfig()
	cfg.PenaltyThreshold = 2
	l, err := ledger.New(context.Background(), newTestDB(t), ledger.WithClock(clk), ledger.WithConfig(cfg))
	require.NoError(t, err)

	ok, reason := l.Eligible("m1")
	require.False(t, ok)
	require.Equal(t, "unknown miner", reason)

	_, err = l.RecordOutcome(context.Background(), rejected("m1", "c1", shared.ReasonTargetNotMet, clk.Now()))
	require.NoError(t, err)
	ok, reason = l.Eligible("m1")
	require.False(t, ok)
	require.Contains(t, reason, "required accepted")

	_, err = l.RecordOutcome(context.Background(), accepted("m1", "c2", 10, clk.Now()))
	require.NoError(t, err)
	ok, _ = l.Eligible("m1")
	require.True(t, ok)

	for i := 0; i < 2; i++ {
		_, err = l.RecordOutcome(context.Background(), rejected("m1", fmt.Sprint(i), shared.ReasonTargetNotMet, clk.Now()))
		require.NoError(t, err)
	}
	ok, reason = l.Eligible("m1")
	require.False(t, ok)
	require.Contains(t, reason, "suspended")

	clk.Add(cfg.SuspensionPeriod + time.Second)
	ok, reason = l.Eligible("m1")
	require.False(t, ok)
	require.Contains(t, reason, "consecutive rejections")

	_, err = l.RecordOutcome(context.Background(), accepted("m1", "c3", 1, clk.Now()))
	require.NoError(t, err)
	ok, reason = l.Eligible("m1")
	require.False(t, ok)
	require.Equal(t, "negative balance", reason)

	_, err = l.Reward(context.Background(), "m1", 100)
	require.NoError(t, err)
	ok, _ = l.Eligible("m1")
	require.True(t, ok)
}

func TestSweepInactive(t *testing.T) {
	t.Parallel()
	clk := newMockClock()
	l, err := ledger.New(context.Background(), newTestDB(t), ledger.WithClock(clk))
	require.NoError(t, err)

	_, err = l.RecordOutcome(context.Background(), accepted("m1", "c1", 1, clk.Now()))
	require.NoError(t, err)
	clk.Add(time.Hour)
	_, err = l.RecordOutcome(context.Background(), accepted("m2", "c2", 1, clk.Now()))
	require.NoError(t, err)

	clk.Add(ledger.DefaultConfig().InactivityTimeout - 30*time.Minute)
	marked, err := l.SweepInactive(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, marked)

	rec, _ := l.Snapshot("m1")
	require.True(t, rec.Inactive)
	ok, reason := l.Eligible("m1")
	require.False(t, ok)
	require.Equal(t, "inactive", reason)
	rec, _ = l.Snapshot("m2")
	require.False(t, rec.Inactive)

	// Activity revives the miner; records are never deleted.
	rec, err = l.RecordOutcome(context.Background(), accepted("m1", "c3", 1, clk.Now()))
	require.NoError(t, err)
	require.False(t, rec.Inactive)
	require.Equal(t, uint64(2), rec.TotalAccepted)
}

func TestLedgerSurvivesRestart(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	db, err := leveldb.OpenFile(dir, nil)
	require.NoError(t, err)
	l, err := ledger.New(context.Background(), db)
	require.NoError(t, err)
	_, err = l.RecordOutcome(context.Background(), accepted("m1", "c1", 7, now), ledger.WithDifficulty(13))
	require.NoError(t, err)
	_, err = l.RecordOutcome(context.Background(), rejected("m1", "c2", shared.ReasonExpiredChallenge, now))
	require.NoError(t, err)
	before, _ := l.Snapshot("m1")
	require.NoError(t, db.Close())

	db, err = leveldb.OpenFile(dir, nil)
	require.NoError(t, err)
	defer db.Close()
	l, err = ledger.New(context.Background(), db)
	require.NoError(t, err)

	after, ok := l.Snapshot("m1")
	require.True(t, ok)
	require.Equal(t, before.TotalAccepted, after.TotalAccepted)
	require.Equal(t, before.TotalRejected, after.TotalRejected)
	require.Equal(t, before.RewardBalance, after.RewardBalance)
	require.Equal(t, shared.Difficulty(13), after.CurrentDifficulty)
	require.True(t, after.LastActivity.Equal(now))
	require.True(t, after.SuspendedUntil.IsZero())

	// Sequence numbers continue after the restart.
	_, err = l.RecordOutcome(context.Background(), accepted("m1", "c3", 1, now))
	require.NoError(t, err)
	history, err := l.History("m1", 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, "c3", history[0].ChallengeID)
	require.Equal(t, "c1", history[2].ChallengeID)
}

func TestSnapshotsAreCopies(t *testing.T) {
	t.Parallel()
	l, err := ledger.New(context.Background(), newTestDB(t))
	require.NoError(t, err)
	for _, id := range []string{"b", "a", "c"} {
		_, err := l.RecordOutcome(context.Background(), accepted(id, "x", 1, time.Now()))
		require.NoError(t, err)
	}
	snapshots := l.Snapshots()
	require.Len(t, snapshots, 3)
	require.Equal(t, "a", snapshots[0].MinerID)
	require.Equal(t, "c", snapshots[2].MinerID)

	snapshots[0].RewardBalance = 1000
	rec, _ := l.Snapshot("a")
	require.Equal(t, int64(1), rec.RewardBalance)
}

func TestBalanceOutOfRange(t *testing.T) {
	t.Parallel()
	clk := newMockClock()
	sink := mocks.NewMockEventSink(gomock.NewController(t))
	l, err := ledger.New(context.Background(), newTestDB(t), ledger.WithClock(clk), ledger.WithEventSink(sink))
	require.NoError(t, err)

	sink.EXPECT().OnReward(gomock.Any(), "m1", uint64(10))
	_, err = l.RecordOutcome(context.Background(), accepted("m1", "c1", 10, clk.Now()))
	require.NoError(t, err)

	_, err = l.Reward(context.Background(), "m1", 1<<63)
	require.ErrorIs(t, err, ledger.ErrAmountOutOfRange)
	_, err = l.Penalize(context.Background(), "m1", math.MaxUint64, "cheating")
	require.ErrorIs(t, err, ledger.ErrAmountOutOfRange)
	_, err = l.Reward(context.Background(), "m1", math.MaxInt64)
	require.ErrorIs(t, err, ledger.ErrAmountOutOfRange)
	_, err = l.RecordOutcome(context.Background(), accepted("m1", "c2", math.MaxInt64, clk.Now()))
	require.ErrorIs(t, err, ledger.ErrAmountOutOfRange)

	rec, ok := l.Snapshot("m1")
	require.True(t, ok)
	require.Equal(t, int64(10), rec.RewardBalance)
	require.Equal(t, uint64(1), rec.TotalAccepted)
	require.Zero(t, rec.Penalties)
	penalties, err := l.Penalties("m1", 0)
	require.NoError(t, err)
	require.Empty(t, penalties)
	history, err := l.History("m1", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)

	// The balance bottoms out at MinInt64 and no further.
	sink.EXPECT().OnPenalty(gomock.Any(), "m1", uint64(math.MaxInt64), "cheating").Times(1)
	rec, err = l.Penalize(context.Background(), "m1", math.MaxInt64, "cheating")
	require.NoError(t, err)
	require.Equal(t, int64(10-math.MaxInt64), rec.RewardBalance)
	_, err = l.Penalize(context.Background(), "m1", 12, "cheating")
	require.ErrorIs(t, err, ledger.ErrAmountOutOfRange)
	rec, _ = l.Snapshot("m1")
	require.Equal(t, uint64(1), rec.Penalties)
}

func TestPenaltyAmountOutOfRange(t *testing.T) {
	t.Parallel()
	cfg := ledger.DefaultConfig()
	cfg.PenaltyAmount = math.MaxUint64
	_, err := ledger.New(context.Background(), newTestDB(t), ledger.WithConfig(cfg))
	require.ErrorIs(t, err, ledger.ErrAmountOutOfRange)
}

func TestStagedTransition(t *testing.T) {
	t.Parallel()
	clk := newMockClock()
	db := newTestDB(t)
	sink := mocks.NewMockEventSink(gomock.NewController(t))
	l, err := ledger.New(context.Background(), db, ledger.WithClock(clk), ledger.WithEventSink(sink))
	require.NoError(t, err)

	// Aborted: nothing is visible and nothing is notified.
	batch := new(leveldb.Batch)
	tr, err := l.Stage(accepted("m1", "c1", 5, clk.Now()), batch)
	require.NoError(t, err)
	require.NotZero(t, batch.Len())
	tr.Abort()
	_, ok := l.Snapshot("m1")
	require.False(t, ok)

	// Committed after the caller wrote the batch along with its own keys.
	batch = new(leveldb.Batch)
	batch.Put([]byte("verdict/c1"), []byte("accepted"))
	tr, err = l.Stage(accepted("m1", "c1", 5, clk.Now()), batch, ledger.WithDifficulty(16))
	require.NoError(t, err)
	require.NoError(t, db.Write(batch, nil))
	sink.EXPECT().OnReward(gomock.Any(), "m1", uint64(5))
	rec := tr.Commit(context.Background())
	require.Equal(t, int64(5), rec.RewardBalance)
	require.Equal(t, shared.Difficulty(16), rec.CurrentDifficulty)

	// A committed transition survives a reload.
	reloaded, err := ledger.New(context.Background(), db)
	require.NoError(t, err)
	got, ok := reloaded.Snapshot("m1")
	require.True(t, ok)
	require.Equal(t, rec.RewardBalance, got.RewardBalance)
	require.Equal(t, rec.CurrentDifficulty, got.CurrentDifficulty)
	require.True(t, got.LastActivity.Equal(rec.LastActivity))
	history, err := reloaded.History("m1", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
}
