package main

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/spacemeshos/powsubnet/logging"
	"github.com/spacemeshos/powsubnet/rpc/api"
)

var validFormats = []string{"text", "json", "yaml"}

// rootOptions holds global flags for all commands.
type rootOptions struct {
	Addr      string
	MinerID   string
	Format    string
	StateFile string
	Workers   int
	Verbose   bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "miner",
		Short: "Proof-of-work miner for the compute subnet validator",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(validFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}
			if opts.Workers < 1 {
				return fmt.Errorf("workers must be positive, got %d", opts.Workers)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.Addr, "rpc", "r", "localhost:50002", "validator RPC address")
	cmd.PersistentFlags().StringVarP(&opts.MinerID, "miner", "m", "", "miner ID")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json|yaml)")
	cmd.PersistentFlags().StringVar(&opts.StateFile, "state", filepath.Join(".", "miner.state"), "file keeping the miner's local tally")
	cmd.PersistentFlags().IntVarP(&opts.Workers, "workers", "j", defaultWorkers(), "parallel search goroutines")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(newSolveCommand(opts))
	cmd.AddCommand(newMineCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newBenchCommand(opts))
	return cmd
}

// context returns the command's context carrying a logger writing to stderr when verbose,
// so that structured output on stdout stays parseable.
func (o *rootOptions) context(cmd *cobra.Command) context.Context {
	logger := zap.NewNop()
	if o.Verbose {
		if dev, err := zap.NewDevelopment(); err == nil {
			logger = dev
		}
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return logging.NewContext(ctx, logger)
}

func (o *rootOptions) requireMiner() error {
	if o.MinerID == "" {
		return fmt.Errorf("--miner is required")
	}
	return nil
}

func (o *rootOptions) dial(ctx context.Context) (api.PowServiceClient, func() error, error) {
	conn, err := grpc.DialContext(ctx, o.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to %s: %w", o.Addr, err)
	}
	return api.NewPowServiceClient(conn), conn.Close, nil
}

func (o *rootOptions) printer(cmd *cobra.Command) *printer {
	return &printer{format: o.Format, w: cmd.OutOrStdout()}
}
