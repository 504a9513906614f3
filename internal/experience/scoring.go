package experience

import (
	"github.com/shopspring/decimal"
	"github.com/zulandar/helpdesk/internal/config"
	"github.com/zulandar/helpdesk/internal/msgcache"
)

// ScoringPolicy holds the tunables of one guild's session scoring.
type ScoringPolicy struct {
	MinMessageLength int             // shorter messages weigh nothing
	LengthCap        int             // per-message weight cap, 0 for none
	MaxPerSession    decimal.Decimal // points shared by all helpers
}

// PolicyFor builds the scoring policy of a guild.
func PolicyFor(g *config.GuildConfig) ScoringPolicy {
	return ScoringPolicy{
		MinMessageLength: g.MinMessageLength,
		LengthCap:        g.MessageLengthCap,
		MaxPerSession:    decimal.NewFromFloat(g.MaxExperiencePerSession),
	}
}

// Weights returns each helper's contribution weight: the sum of the
// (capped) lengths of their non-trivial messages. The owner and automated
// authors are excluded.
func Weights(messages []msgcache.Message, ownerID string, p ScoringPolicy) map[string]int {
	weights := make(map[string]int)
	for _, m := range messages {
		if m.Automated || m.AuthorID == ownerID || m.AuthorID == "" {
			continue
		}
		if m.Length < p.MinMessageLength {
			continue
		}
		w := m.Length
		if p.LengthCap > 0 && w > p.LengthCap {
			w = p.LengthCap
		}
		weights[m.AuthorID] += w
	}
	return weights
}

// Compute splits MaxPerSession among helpers in proportion to their
// weights, truncated to two decimal places so the total never exceeds the
// cap. Helpers with zero points are omitted.
func Compute(messages []msgcache.Message, ownerID string, p ScoringPolicy) map[string]decimal.Decimal {
	weights := Weights(messages, ownerID, p)
	total := 0
	for _, w := range weights {
		total += w
	}
	points := make(map[string]decimal.Decimal)
	if total == 0 || !p.MaxPerSession.IsPositive() {
		return points
	}
	totalD := decimal.NewFromInt(int64(total))
	for user, w := range weights {
		pts := p.MaxPerSession.Mul(decimal.NewFromInt(int64(w))).Div(totalD).Truncate(2)
		if pts.IsPositive() {
			points[user] = pts
		}
	}
	return points
}
