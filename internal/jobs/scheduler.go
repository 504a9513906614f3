// Package jobs runs the recurring help-system tasks: the daily experience
// decay and the inactivity sweep.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	"github.com/zulandar/helpdesk/internal/config"
	"github.com/zulandar/helpdesk/internal/experience"
	"github.com/zulandar/helpdesk/internal/help"
	"github.com/zulandar/helpdesk/internal/metrics"
)

// Parser accepts standard 5-field expressions and descriptors such as
// "@every 5m" and "@daily".
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Decayer applies one decay run. *experience.Ledger implements it.
type Decayer interface {
	RemoveExperienceFromAll(ctx context.Context, p experience.DecayPolicy, runID string) (*experience.DecayResult, error)
}

// Sweeper closes idle sessions. *help.Manager implements it.
type Sweeper interface {
	SweepInactive(ctx context.Context, guildID string) (help.SweepResult, error)
}

// Opts configures a Scheduler.
type Opts struct {
	Decayer       Decayer
	Sweeper       Sweeper // optional
	Decay         config.DecayConfig
	SweepSchedule string
	GuildIDs      []string

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Scheduler owns the cron runner. Failed runs are logged and never stop
// later runs; missed runs are not caught up.
type Scheduler struct {
	cron    *cron.Cron
	decayer Decayer
	sweeper Sweeper
	policy  experience.DecayPolicy
	decay   config.DecayConfig
	guilds  []string
	loc     *time.Location
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler validates the schedules and registers the jobs. Nothing runs
// until Start.
func NewScheduler(opts Opts) (*Scheduler, error) {
	if opts.Decayer == nil {
		return nil, fmt.Errorf("jobs: decayer is required")
	}
	loc, err := time.LoadLocation(opts.Decay.Timezone)
	if err != nil {
		return nil, fmt.Errorf("jobs: timezone %q: %w", opts.Decay.Timezone, err)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}

	logger := cronLogger{}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithParser(Parser),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		decayer: opts.Decayer,
		sweeper: opts.Sweeper,
		policy:  experience.DecayPolicyFor(opts.Decay),
		decay:   opts.Decay,
		guilds:  opts.GuildIDs,
		loc:     loc,
		now:     opts.Now,
		sleep:   opts.Sleep,
		ctx:     context.Background(),
	}

	if _, err := s.cron.AddFunc(opts.Decay.Schedule, s.decayJob); err != nil {
		return nil, fmt.Errorf("jobs: decay schedule %q: %w", opts.Decay.Schedule, err)
	}
	if opts.Sweeper != nil && opts.SweepSchedule != "" {
		if _, err := s.cron.AddFunc(opts.SweepSchedule, s.sweepJob); err != nil {
			return nil, fmt.Errorf("jobs: sweep schedule %q: %w", opts.SweepSchedule, err)
		}
	}
	return s, nil
}

// Start begins running jobs. Cancelling ctx aborts in-flight runs.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
	log.WithFields(log.Fields{
		"decay":    s.decay.Schedule,
		"timezone": s.loc.String(),
	}).Info("scheduler started")
}

// Stop halts the cron runner and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	log.Info("scheduler stopped")
}

// Entries returns the number of registered jobs.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) runCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Scheduler) decayJob() {
	ctx := s.runCtx()
	fired := s.now()
	if s.decay.Jitter > 0 {
		if err := s.sleep(ctx, rand.N(s.decay.Jitter)); err != nil {
			return
		}
	}
	if _, err := s.RunDecay(ctx, fired); err != nil {
		log.WithError(err).Error("decay run failed")
	}
}

// RunDecay performs the decay of the run that fired at t, retrying once
// after the configured backoff. The run id is the fire date in the
// scheduler's timezone, so repeating it never decays twice.
func (s *Scheduler) RunDecay(ctx context.Context, t time.Time) (*experience.DecayResult, error) {
	runID := experience.DecayRunID(t.In(s.loc))
	res, err := s.decayer.RemoveExperienceFromAll(ctx, s.policy, runID)
	if err != nil {
		log.WithFields(log.Fields{"run": runID, "backoff": s.decay.RetryBackoff}).WithError(err).Warn("decay run failed, retrying")
		if serr := s.sleep(ctx, s.decay.RetryBackoff); serr != nil {
			metrics.DecayRuns.WithLabelValues("error").Inc()
			return res, fmt.Errorf("jobs: decay %s: %w", runID, err)
		}
		res, err = s.decayer.RemoveExperienceFromAll(ctx, s.policy, runID)
	}
	if err != nil {
		result := "error"
		if errors.Is(err, experience.ErrPartialDecay) {
			result = "partial"
		}
		metrics.DecayRuns.WithLabelValues(result).Inc()
		return res, fmt.Errorf("jobs: decay %s: %w", runID, err)
	}
	metrics.DecayRuns.WithLabelValues("ok").Inc()
	log.WithFields(log.Fields{
		"run":     runID,
		"decayed": res.Decayed,
		"skipped": res.Skipped,
		"total":   res.Total.String(),
	}).Info("decay run complete")
	return res, nil
}

func (s *Scheduler) sweepJob() {
	s.Sweep(s.runCtx())
}

// Sweep runs the inactivity sweep of every configured guild. A failing
// guild is logged and does not stop the others.
func (s *Scheduler) Sweep(ctx context.Context) {
	if s.sweeper == nil {
		return
	}
	for _, id := range s.guilds {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.sweeper.SweepInactive(ctx, id); err != nil {
			log.WithField("guild", id).WithError(err).Warn("inactivity sweep failed")
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// cronLogger routes cron's own messages (recovered panics, skipped runs)
// through logrus.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.WithFields(fields(keysAndValues)).Debug("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.WithFields(fields(keysAndValues)).WithError(err).Error("cron: " + msg)
}

func fields(kv []interface{}) log.Fields {
	f := log.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}
