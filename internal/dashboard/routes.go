package dashboard

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/zulandar/helpdesk/internal/experience"
	"github.com/zulandar/helpdesk/internal/models"
	"github.com/zulandar/helpdesk/internal/reservation"
)

const (
	defaultTxLimit    = 20
	maxTxLimit        = 100
	defaultBoardLimit = 10
	maxBoardLimit     = 100
)

// registerRoutes sets up the JSON API on the Gin router.
func registerRoutes(router *gin.Engine, accounts Accounts, spaces Spaces) {
	api := router.Group("/api")
	api.GET("/accounts/:user", handleAccount(accounts))
	api.GET("/leaderboard", handleLeaderboard(accounts))
	api.GET("/spaces", handleSpaces(spaces))
	api.GET("/decay/last", handleLastDecay(accounts))
}

type transactionView struct {
	ID        uint            `json:"id"`
	GuildID   string          `json:"guild_id,omitempty"`
	Delta     decimal.Decimal `json:"delta"`
	Reason    string          `json:"reason"`
	CreatedAt time.Time       `json:"created_at"`
}

type accountView struct {
	UserID       string            `json:"user_id"`
	Balance      decimal.Decimal   `json:"balance"`
	Consistent   bool              `json:"consistent"`
	UpdatedAt    time.Time         `json:"updated_at"`
	Transactions []transactionView `json:"transactions"`
}

type leaderView struct {
	Rank    int             `json:"rank"`
	UserID  string          `json:"user_id"`
	Balance decimal.Decimal `json:"balance"`
}

type spaceView struct {
	ID      string `json:"id"`
	GuildID string `json:"guild_id"`
	Kind    string `json:"kind"`
	State   string `json:"state"`
	Name    string `json:"name"`
	OwnerID string `json:"owner_id,omitempty"`
}

func handleAccount(accounts Accounts) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		user := c.Param("user")
		acct, err := accounts.Account(ctx, user)
		if errors.Is(err, experience.ErrNoAccount) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}
		if err != nil {
			internalError(c, err)
			return
		}
		txns, err := accounts.Transactions(ctx, user, queryLimit(c, defaultTxLimit, maxTxLimit))
		if err != nil {
			internalError(c, err)
			return
		}
		v, err := accounts.Verify(ctx, user)
		if err != nil {
			internalError(c, err)
			return
		}
		view := accountView{
			UserID:       acct.UserID,
			Balance:      acct.Balance,
			Consistent:   v.Consistent(),
			UpdatedAt:    acct.UpdatedAt,
			Transactions: make([]transactionView, 0, len(txns)),
		}
		for _, t := range txns {
			view.Transactions = append(view.Transactions, transactionView{
				ID:        t.ID,
				GuildID:   t.GuildID,
				Delta:     t.Delta,
				Reason:    t.Reason,
				CreatedAt: t.CreatedAt,
			})
		}
		c.JSON(http.StatusOK, view)
	}
}

func handleLeaderboard(accounts Accounts) gin.HandlerFunc {
	return func(c *gin.Context) {
		top, err := accounts.Leaderboard(c.Request.Context(), queryLimit(c, defaultBoardLimit, maxBoardLimit))
		if err != nil {
			internalError(c, err)
			return
		}
		out := make([]leaderView, 0, len(top))
		for i, a := range top {
			out = append(out, leaderView{Rank: i + 1, UserID: a.UserID, Balance: a.Balance})
		}
		c.JSON(http.StatusOK, gin.H{"leaders": out})
	}
}

func handleSpaces(spaces Spaces) gin.HandlerFunc {
	return func(c *gin.Context) {
		state := c.Query("state")
		switch state {
		case "", models.SpaceOpen, models.SpaceReserved, models.SpaceDormant, models.SpaceArchived:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown state " + strconv.Quote(state)})
			return
		}
		list, err := spaces.Spaces(c.Request.Context(), reservation.SpaceFilters{
			GuildID: c.Query("guild"),
			Kind:    c.Query("kind"),
			State:   state,
		})
		if err != nil {
			internalError(c, err)
			return
		}
		out := make([]spaceView, 0, len(list))
		for _, s := range list {
			v := spaceView{ID: s.ID, GuildID: s.GuildID, Kind: s.Kind, State: s.State, Name: s.Name}
			if s.OwnerID != nil {
				v.OwnerID = *s.OwnerID
			}
			out = append(out, v)
		}
		c.JSON(http.StatusOK, gin.H{"spaces": out})
	}
}

func handleLastDecay(accounts Accounts) gin.HandlerFunc {
	return func(c *gin.Context) {
		run, err := accounts.LastDecayRun(c.Request.Context())
		if err != nil {
			internalError(c, err)
			return
		}
		if run == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no decay run yet"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"id":          run.ID,
			"accounts":    run.Accounts,
			"started_at":  run.StartedAt,
			"finished_at": run.FinishedAt,
			"complete":    run.FinishedAt != nil,
		})
	}
}

// queryLimit reads ?limit=, falling back to def and capping at ceiling.
func queryLimit(c *gin.Context, def, ceiling int) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return min(n, ceiling)
}

func internalError(c *gin.Context, err error) {
	log.WithField("path", c.FullPath()).WithError(err).Error("dashboard request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
