package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/helpdesk/internal/bot/discord"
	"github.com/zulandar/helpdesk/internal/db"
	"github.com/zulandar/helpdesk/internal/experience"
	"github.com/zulandar/helpdesk/internal/help"
	"github.com/zulandar/helpdesk/internal/reservation"
)

func newSpaceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "space",
		Short: "Inspect and manage help spaces",
	}
	cmd.AddCommand(newSpaceListCmd())
	cmd.AddCommand(newSpaceRecycleCmd())
	return cmd
}

func newSpaceListCmd() *cobra.Command {
	var guild, state, kind string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List known help spaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			gdb, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer db.Close(gdb)
			store, err := reservation.NewStore(gdb)
			if err != nil {
				return err
			}
			spaces, err := store.Spaces(cmd.Context(), reservation.SpaceFilters{GuildID: guild, Kind: kind, State: state})
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tGUILD\tKIND\tSTATE\tNAME\tOWNER")
			for _, s := range spaces {
				owner := "-"
				if s.OwnerID != nil {
					owner = *s.OwnerID
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", s.ID, s.GuildID, s.Kind, s.State, s.Name, owner)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&guild, "guild", "", "filter by guild id")
	cmd.Flags().StringVar(&state, "state", "", "filter by state (open, reserved, dormant, archived)")
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind (channel, forum)")
	return cmd
}

func newSpaceRecycleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recycle <space-id>",
		Short: "Return a dormant channel to the open pool now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Discord.Token == "" {
				return fmt.Errorf("discord token is required (discord.token or HD_DISCORD_TOKEN)")
			}
			gdb, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer db.Close(gdb)

			store, err := reservation.NewStore(gdb)
			if err != nil {
				return err
			}
			ledger, err := experience.NewLedger(gdb)
			if err != nil {
				return err
			}
			scorer, err := experience.NewScorer(ledger)
			if err != nil {
				return err
			}
			adapter, err := discord.New(discord.AdapterOpts{BotToken: cfg.Discord.Token, Guilds: cfg})
			if err != nil {
				return err
			}
			m, err := help.NewManager(help.Opts{Store: store, Scorer: scorer, Spaces: adapter, Guilds: cfg})
			if err != nil {
				return err
			}
			name, err := m.Recycle(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Space %s is open again as %s\n", args[0], name)
			return nil
		},
	}
}
