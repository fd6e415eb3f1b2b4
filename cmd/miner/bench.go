package main

import (
	"crypto/rand"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/spacemeshos/powsubnet/shared"
	"github.com/spacemeshos/powsubnet/solver"
)

type benchOptions struct {
	Difficulty shared.Difficulty
	Rounds     int
}

type benchReport struct {
	Difficulty  uint32        `json:"difficulty"   yaml:"difficulty"`
	Rounds      int           `json:"rounds"       yaml:"rounds"`
	Workers     int           `json:"workers"      yaml:"workers"`
	Hashes      uint64        `json:"hashes"       yaml:"hashes"`
	Elapsed     time.Duration `json:"elapsed"      yaml:"elapsed"`
	HashRate    float64       `json:"hash_rate"    yaml:"hash_rate"`
	MeanLatency time.Duration `json:"mean_latency" yaml:"mean_latency"`
}

func defaultWorkers() int {
	return runtime.NumCPU()
}

func newBenchCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &benchOptions{Difficulty: 20}
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure the local hash rate on random challenges",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Rounds < 1 {
				return fmt.Errorf("rounds must be positive, got %d", opts.Rounds)
			}
			report, err := runBench(cmd, rootOpts, opts)
			if err != nil {
				return err
			}
			return rootOpts.printer(cmd).print(report, func(w io.Writer) error {
				return printf(w, "%d rounds at %d bits with %d workers: %.0f hashes/s, %s per solution\n",
					report.Rounds, report.Difficulty, report.Workers, report.HashRate, report.MeanLatency)
			})
		},
	}
	cmd.Flags().Var(difficultyValue{&opts.Difficulty}, "difficulty", "difficulty in bits (or nibbles with an 'n' suffix)")
	cmd.Flags().IntVar(&opts.Rounds, "rounds", 5, "number of challenges to solve")
	return cmd
}

func runBench(cmd *cobra.Command, rootOpts *rootOptions, opts *benchOptions) (*benchReport, error) {
	ctx := rootOpts.context(cmd)
	s, err := solver.New("bench", solver.WithWorkers(rootOpts.Workers))
	if err != nil {
		return nil, err
	}
	report := &benchReport{Difficulty: uint32(opts.Difficulty), Rounds: opts.Rounds, Workers: rootOpts.Workers}
	for i := range opts.Rounds {
		seed := make([]byte, shared.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			return nil, err
		}
		c := shared.Challenge{ID: fmt.Sprintf("bench-%d", i), MinerID: "bench", Seed: seed, Difficulty: opts.Difficulty}
		_, stats, err := s.Solve(ctx, c)
		if err != nil {
			return nil, err
		}
		report.Hashes += stats.Hashes
		report.Elapsed += stats.Elapsed
	}
	report.HashRate = solver.Stats{Hashes: report.Hashes, Elapsed: report.Elapsed}.HashRate()
	report.MeanLatency = report.Elapsed / time.Duration(report.Rounds)
	return report, nil
}

// difficultyValue adapts shared.Difficulty to pflag.Value.
type difficultyValue struct {
	d *shared.Difficulty
}

func (v difficultyValue) String() string {
	if v.d == nil {
		return "0"
	}
	return fmt.Sprint(uint(*v.d))
}

func (v difficultyValue) Set(s string) error {
	return v.d.UnmarshalFlag(s)
}

func (difficultyValue) Type() string {
	return "difficulty"
}
