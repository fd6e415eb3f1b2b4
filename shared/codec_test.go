package shared_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/powsubnet/shared"
)

func TestOutcomeCodec(t *testing.T) {
	t.Parallel()
	judged := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	accepted := &shared.Outcome{
		ChallengeID:  "c1",
		MinerID:      "m1",
		Verdict:      shared.VerdictAccepted,
		Reward:       96,
		Difficulty:   12,
		SolveLatency: 3 * time.Second,
		JudgedAt:     judged,
	}

	t.Run("accepted", func(t *testing.T) {
		data, err := shared.EncodeOutcome(accepted)
		require.NoError(t, err)
		decoded, err := shared.DecodeOutcome(data)
		require.NoError(t, err)
		require.True(t, decoded.Accepted())
		require.Equal(t, accepted.Reward, decoded.Reward)
		require.Equal(t, accepted.SolveLatency, decoded.SolveLatency)
		require.True(t, decoded.JudgedAt.Equal(judged))
		require.Nil(t, decoded.Prior)
	})

	t.Run("replay keeps the prior verdict", func(t *testing.T) {
		replay := &shared.Outcome{
			ChallengeID: "c1",
			MinerID:     "m1",
			Verdict:     shared.VerdictRejected,
			Reason:      shared.ReasonReplay,
			JudgedAt:    judged.Add(time.Second),
			Prior:       accepted,
		}
		data, err := shared.EncodeOutcome(replay)
		require.NoError(t, err)
		decoded, err := shared.DecodeOutcome(data)
		require.NoError(t, err)
		require.Equal(t, shared.ReasonReplay, decoded.Reason)
		require.NotNil(t, decoded.Prior)
		require.True(t, decoded.Prior.Accepted())
		require.Equal(t, uint64(96), decoded.Prior.Reward)
		require.Equal(t, shared.Difficulty(12), decoded.Prior.Difficulty)
	})
}

func TestRejectReasonString(t *testing.T) {
	require.Equal(t, "target_not_met", shared.ReasonTargetNotMet.String())
	require.Equal(t, "replay", shared.ReasonReplay.String())
	require.Equal(t, "reason(99)", shared.RejectReason(99).String())
	require.Equal(t, "rejected(digest_mismatch)", (&shared.Outcome{Reason: shared.ReasonDigestMismatch}).String())
	require.Equal(t, "accepted(reward=5)", (&shared.Outcome{Verdict: shared.VerdictAccepted, Reward: 5}).String())
}
