package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/spacemeshos/powsubnet/logging"
	"github.com/spacemeshos/powsubnet/rpc/api"
	"github.com/spacemeshos/powsubnet/solver"
)

// result is the outcome of one challenge round trip.
type result struct {
	Outcome  *api.Outcome `json:"outcome"   yaml:"outcome"`
	Hashes   uint64       `json:"hashes"    yaml:"hashes"`
	HashRate float64      `json:"hash_rate" yaml:"hash_rate"`
}

func newSolveCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "solve",
		Short: "Request a challenge, solve it and submit the solution once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rootOpts.requireMiner(); err != nil {
				return err
			}
			ctx := rootOpts.context(cmd)
			client, closeConn, err := rootOpts.dial(ctx)
			if err != nil {
				return err
			}
			defer closeConn()

			t, err := loadTally(rootOpts.StateFile, rootOpts.MinerID)
			if err != nil {
				return err
			}
			res, err := round(ctx, client, rootOpts)
			if err != nil {
				return err
			}
			t.record(res.Outcome, res.Hashes)
			if err := t.save(rootOpts.StateFile); err != nil {
				return err
			}
			return rootOpts.printer(cmd).print(res, func(w io.Writer) error { return printResult(w, res) })
		},
	}
}

type mineOptions struct {
	Count       int
	Backoff     time.Duration
	SuspendWait time.Duration
}

func newMineCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &mineOptions{}
	cmd := &cobra.Command{
		Use:   "mine",
		Short: "Keep solving challenges until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rootOpts.requireMiner(); err != nil {
				return err
			}
			return runMine(cmd, rootOpts, opts)
		},
	}
	cmd.Flags().IntVarP(&opts.Count, "count", "n", 0, "stop after this many submissions (0 mines forever)")
	cmd.Flags().DurationVar(&opts.Backoff, "backoff", 2*time.Second, "wait after being rate limited")
	cmd.Flags().DurationVar(&opts.SuspendWait, "suspend-wait", time.Minute, "wait after being suspended")
	return cmd
}

func runMine(cmd *cobra.Command, rootOpts *rootOptions, opts *mineOptions) error {
	ctx := rootOpts.context(cmd)
	logger := logging.FromContext(ctx)
	client, closeConn, err := rootOpts.dial(ctx)
	if err != nil {
		return err
	}
	defer closeConn()

	t, err := loadTally(rootOpts.StateFile, rootOpts.MinerID)
	if err != nil {
		return err
	}
	p := rootOpts.printer(cmd)
	for done := 0; opts.Count == 0 || done < opts.Count; {
		res, err := round(ctx, client, rootOpts)
		var wait time.Duration
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, context.DeadlineExceeded):
			logger.Info("challenge expired before a solution was found", zap.Error(err))
			continue
		case status.Code(err) == codes.ResourceExhausted:
			wait = opts.Backoff
		case status.Code(err) == codes.FailedPrecondition:
			wait = opts.SuspendWait
		default:
			return err
		}
		if wait > 0 {
			logger.Info("waiting before the next challenge", zap.Duration("wait", wait), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}

		done++
		t.record(res.Outcome, res.Hashes)
		if err := t.save(rootOpts.StateFile); err != nil {
			return err
		}
		if err := p.print(res, func(w io.Writer) error { return printResult(w, res) }); err != nil {
			return err
		}
	}
	return nil
}

// round requests a challenge, solves it and submits the solution.
func round(ctx context.Context, client api.PowServiceClient, opts *rootOptions) (*result, error) {
	c, err := client.RequestChallenge(ctx, &api.RequestChallengeRequest{MinerID: opts.MinerID})
	if err != nil {
		return nil, fmt.Errorf("requesting challenge: %w", err)
	}
	challenge := api.FromChallenge(c)
	logging.FromContext(ctx).Debug(
		"solving challenge",
		zap.String("id", challenge.ID),
		zap.Stringer("difficulty", challenge.Difficulty),
		zap.Time("expires", challenge.ExpiresAt),
	)

	solveCtx, cancel := context.WithDeadline(ctx, challenge.ExpiresAt)
	defer cancel()
	s, err := solver.New(opts.MinerID, solver.WithWorkers(opts.Workers))
	if err != nil {
		return nil, err
	}
	sol, stats, err := s.Solve(solveCtx, challenge)
	if err != nil {
		return nil, fmt.Errorf("solving %s: %w", challenge.ID, err)
	}

	out, err := client.SubmitSolution(ctx, &api.SubmitSolutionRequest{Solution: api.IntoSolution(&sol)})
	if err != nil {
		return nil, fmt.Errorf("submitting solution: %w", err)
	}
	return &result{Outcome: out, Hashes: stats.Hashes, HashRate: stats.HashRate()}, nil
}

func printResult(w io.Writer, res *result) error {
	out := res.Outcome
	if out.Accepted {
		return printf(w, "accepted %s: reward %d (difficulty %d bits, latency %s, %d hashes)\n",
			out.ChallengeID, out.Reward, out.Difficulty, out.SolveLatency, res.Hashes)
	}
	return printf(w, "rejected %s: %s\n", out.ChallengeID, out.Reason)
}
