package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/helpdesk/internal/db"
	"github.com/zulandar/helpdesk/internal/experience"
)

func newDecayCmd() *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "decay",
		Short: "Run the experience decay once",
		Long: "Applies the configured decay to every balance. The run id defaults to today's date in the decay timezone; " +
			"repeating a run id never decays an account twice, so a failed run can simply be re-run.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if runID == "" {
				loc, err := time.LoadLocation(cfg.Decay.Timezone)
				if err != nil {
					return fmt.Errorf("decay timezone: %w", err)
				}
				runID = experience.DecayRunID(time.Now().In(loc))
			}
			gdb, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer db.Close(gdb)
			ledger, err := experience.NewLedger(gdb)
			if err != nil {
				return err
			}

			res, err := ledger.RemoveExperienceFromAll(cmd.Context(), experience.DecayPolicyFor(cfg.Decay), runID)
			if res != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Decay run %s: %d decayed, %d already done, %d failed, %s removed\n",
					res.RunID, res.Decayed, res.Skipped, res.Failed, res.Total.StringFixed(2))
			}
			return err
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "decay run id (default: today, YYYY-MM-DD)")
	return cmd
}
