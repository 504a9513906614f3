package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/zulandar/helpdesk/internal/bot"
	"github.com/zulandar/helpdesk/internal/bot/discord"
	"github.com/zulandar/helpdesk/internal/config"
	"github.com/zulandar/helpdesk/internal/dashboard"
	"github.com/zulandar/helpdesk/internal/db"
	"github.com/zulandar/helpdesk/internal/experience"
	"github.com/zulandar/helpdesk/internal/help"
	"github.com/zulandar/helpdesk/internal/jobs"
	"github.com/zulandar/helpdesk/internal/msgcache"
	"github.com/zulandar/helpdesk/internal/reservation"
	"golang.org/x/sync/errgroup"
)

func newRunCmd() *cobra.Command {
	var noDashboard bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the bot",
		Long:  "Connects to the Discord gateway, handles help spaces and runs the decay and inactivity jobs until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Discord.Token == "" {
				return fmt.Errorf("discord token is required (discord.token or HD_DISCORD_TOKEN)")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runBot(ctx, cfg, !noDashboard)
		},
	}

	cmd.Flags().BoolVar(&noDashboard, "no-dashboard", false, "do not serve the HTTP dashboard")
	return cmd
}

// maxCached returns the largest per-session cache capacity of any guild.
// The cache is shared by all guilds.
func maxCached(cfg *config.Config) int {
	n := 0
	for _, g := range cfg.Guilds {
		n = max(n, g.MaxCachedMessages)
	}
	return n
}

func runBot(ctx context.Context, cfg *config.Config, serveDashboard bool) error {
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
	manager, err := help.NewManager(help.Opts{
		Store:    store,
		Scorer:   scorer,
		Spaces:   adapter,
		Notifier: adapter,
		Guilds:   cfg,
		Cache:    msgcache.New(maxCached(cfg)),
	})
	if err != nil {
		return err
	}
	pool, err := bot.NewPool(cfg.Workers.Count, cfg.Workers.QueueSize)
	if err != nil {
		return err
	}
	dispatcher, err := bot.NewDispatcher(bot.DispatcherOpts{
		Manager:  manager,
		Balances: ledger,
		Messages: adapter,
		Pool:     pool,
		Limiter:  bot.NewLimiter(cfg.Discord.RateLimit.PerSecond, cfg.Discord.RateLimit.Burst),
	})
	if err != nil {
		return err
	}
	adapter.SetSink(dispatcher)

	scheduler, err := jobs.NewScheduler(jobs.Opts{
		Decayer:       ledger,
		Sweeper:       manager,
		Decay:         cfg.Decay,
		SweepSchedule: cfg.SweepSchedule,
		GuildIDs:      cfg.GuildIDs(),
	})
	if err != nil {
		return err
	}

	// Workers outlive the signal so queued events are drained on shutdown.
	pool.Start(context.WithoutCancel(ctx))
	if err := adapter.Connect(ctx); err != nil {
		pool.Close()
		return err
	}
	scheduler.Start(ctx)
	log.WithFields(log.Fields{
		"guilds":  len(cfg.Guilds),
		"workers": pool.Shards(),
	}).Info("helpdesk running")

	g, gctx := errgroup.WithContext(ctx)
	if serveDashboard {
		g.Go(func() error {
			return dashboard.Start(gctx, dashboard.StartOpts{
				Accounts: ledger,
				Spaces:   store,
				Health: func(ctx context.Context) error {
					sqlDB, err := gdb.DB()
					if err != nil {
						return err
					}
					return sqlDB.PingContext(ctx)
				},
				Addr: cfg.Dashboard.Addr,
			})
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	runErr := g.Wait()

	log.Info("shutting down")
	if err := adapter.Close(); err != nil {
		log.WithError(err).Warn("close discord session")
	}
	if err := pool.Close(); err != nil {
		log.WithError(err).Warn("drain worker pool")
	}
	scheduler.Stop()
	return runErr
}
