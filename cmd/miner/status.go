package main

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/spacemeshos/powsubnet/rpc/api"
)

type statusReport struct {
	Validator *api.MinerStatusResponse `json:"validator" yaml:"validator"`
	Local     *tally                   `json:"local"     yaml:"local"`
}

func newStatusCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the validator's record of the miner and the local tally",
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

			resp, err := client.MinerStatus(ctx, &api.MinerStatusRequest{MinerID: rootOpts.MinerID})
			if err != nil {
				return err
			}
			local, err := loadTally(rootOpts.StateFile, rootOpts.MinerID)
			if err != nil {
				return err
			}
			report := statusReport{Validator: resp, Local: local}
			return rootOpts.printer(cmd).print(report, func(w io.Writer) error { return printStatus(w, report) })
		},
	}
}

func printStatus(w io.Writer, r statusReport) error {
	m := r.Validator.Miner
	eligible := "eligible"
	if !r.Validator.Eligible {
		eligible = "not eligible: " + r.Validator.Reason
	}
	return printf(w,
		"miner %s (%s)\n  difficulty: %d bits\n  accepted: %d  rejected: %d  penalties: %d\n"+
			"  balance: %d\n  local: %d submitted, %d accepted, %d rewards, %d hashes\n",
		m.MinerID, eligible,
		m.CurrentDifficulty,
		m.TotalAccepted, m.TotalRejected, m.Penalties,
		m.RewardBalance,
		r.Local.Submitted, r.Local.Accepted, r.Local.Rewards, r.Local.Hashes,
	)
}
