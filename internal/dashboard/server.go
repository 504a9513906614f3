// Package dashboard serves the read-only HTTP API: health, prometheus
// metrics, experience accounts, the leaderboard and help space listings.
package dashboard

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/zulandar/helpdesk/internal/experience"
	"github.com/zulandar/helpdesk/internal/metrics"
	"github.com/zulandar/helpdesk/internal/models"
	"github.com/zulandar/helpdesk/internal/reservation"
)

// Accounts reads the experience ledger. *experience.Ledger implements it.
type Accounts interface {
	Account(ctx context.Context, userID string) (*models.HelpAccount, error)
	Transactions(ctx context.Context, userID string, limit int) ([]models.HelpTransaction, error)
	Leaderboard(ctx context.Context, limit int) ([]models.HelpAccount, error)
	Verify(ctx context.Context, userID string) (*experience.Verification, error)
	LastDecayRun(ctx context.Context) (*models.DecayRun, error)
}

// Spaces lists help spaces. *reservation.Store implements it.
type Spaces interface {
	Spaces(ctx context.Context, f reservation.SpaceFilters) ([]models.HelpSpace, error)
}

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	Accounts Accounts
	Spaces   Spaces
	Health   func(ctx context.Context) error // optional readiness probe
	Addr     string
	Out      io.Writer
}

// NewRouter builds the gin engine without starting a listener.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if opts.Accounts == nil {
		return nil, fmt.Errorf("dashboard: accounts are required")
	}
	if opts.Spaces == nil {
		return nil, fmt.Errorf("dashboard: spaces are required")
	}
	router := gin.New()
	router.Use(gin.Recovery(), metrics.Middleware())

	router.GET("/healthz", handleHealth(opts.Health))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	registerRoutes(router, opts.Accounts, opts.Spaces)
	return router, nil
}

// Start launches the dashboard HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	gin.SetMode(gin.ReleaseMode)
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("dashboard shutdown")
		}
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Dashboard listening on %s\n", opts.Addr)
	}
	log.WithField("addr", opts.Addr).Info("dashboard started")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

func handleHealth(probe func(ctx context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if probe != nil {
			if err := probe(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
