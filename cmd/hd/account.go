package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/helpdesk/internal/db"
	"github.com/zulandar/helpdesk/internal/experience"
)

func newAccountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Inspect experience accounts",
	}
	cmd.AddCommand(newAccountShowCmd())
	cmd.AddCommand(newAccountTopCmd())
	cmd.AddCommand(newAccountVerifyCmd())
	return cmd
}

// withLedger opens the database for one command invocation.
func withLedger(cmd *cobra.Command, fn func(l *experience.Ledger) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
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
	return fn(ledger)
}

func newAccountShowCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "show <user-id>",
		Short: "Show a balance and its latest transactions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, func(l *experience.Ledger) error {
				out := cmd.OutOrStdout()
				acct, err := l.Account(cmd.Context(), args[0])
				if errors.Is(err, experience.ErrNoAccount) {
					fmt.Fprintf(out, "User %s has no help experience\n", args[0])
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "User %s: %s experience\n", acct.UserID, acct.Balance.StringFixed(2))

				txns, err := l.Transactions(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "WHEN\tREASON\tDELTA\tGUILD")
				for _, t := range txns {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.CreatedAt.Format("2006-01-02 15:04"), t.Reason, t.Delta.StringFixed(2), t.GuildID)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 10, "number of transactions to show")
	return cmd
}

func newAccountTopCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "top",
		Short: "Show the leaderboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, func(l *experience.Ledger) error {
				top, err := l.Leaderboard(cmd.Context(), limit)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "RANK\tUSER\tEXPERIENCE")
				for i, a := range top {
					fmt.Fprintf(w, "%d\t%s\t%s\n", i+1, a.UserID, a.Balance.StringFixed(2))
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 10, "number of accounts to show")
	return cmd
}

func newAccountVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [user-id]",
		Short: "Check balances against the transaction log",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, func(l *experience.Ledger) error {
				out := cmd.OutOrStdout()
				var bad []experience.Verification
				if len(args) == 1 {
					v, err := l.Verify(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					if !v.Consistent() {
						bad = append(bad, *v)
					}
				} else {
					var err error
					if bad, err = l.VerifyAll(cmd.Context()); err != nil {
						return err
					}
				}
				for _, v := range bad {
					fmt.Fprintf(out, "MISMATCH %s: balance %s, transactions sum to %s\n", v.UserID, v.Balance.StringFixed(4), v.Sum.StringFixed(4))
				}
				if len(bad) > 0 {
					return fmt.Errorf("%d inconsistent account(s)", len(bad))
				}
				fmt.Fprintln(out, "All balances match their transactions")
				return nil
			})
		},
	}
}
