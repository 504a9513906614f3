// Package naming produces canonical names for help spaces.
package naming

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/zulandar/helpdesk/internal/config"
)

// MaxNameLength is Discord's channel name limit.
const MaxNameLength = 100

// Strategy picks the name of a space returning to OPEN.
type Strategy interface {
	Name(existing []string) string
}

// Sequential names spaces prefix-1, prefix-2, ... reusing the lowest free N.
type Sequential struct {
	Prefix string
}

// Name returns the lowest prefix-N (N >= 1) not in existing.
func (s Sequential) Name(existing []string) string {
	taken := toSet(existing)
	for n := 1; ; n++ {
		name := fmt.Sprintf("%s-%d", s.Prefix, n)
		if !taken[name] {
			return name
		}
	}
}

// List hands out names from a fixed list, then falls back.
type List struct {
	Names    []string
	Fallback Strategy
}

// Name returns the first listed name not in existing.
func (l List) Name(existing []string) string {
	taken := toSet(existing)
	for _, n := range l.Names {
		if !taken[n] {
			return n
		}
	}
	if l.Fallback == nil {
		return Sequential{Prefix: "help"}.Name(existing)
	}
	return l.Fallback.Name(existing)
}

// ForConfig returns the strategy configured for a guild.
func ForConfig(cfg config.NamingConfig) Strategy {
	seq := Sequential{Prefix: cfg.Prefix}
	if cfg.Strategy == "list" {
		return List{Names: cfg.Names, Fallback: seq}
	}
	return seq
}

// ReservedName encodes the claimant into a base name. The result is
// lowercase, uses only letters, digits, '-' and '_', and fits MaxNameLength.
func ReservedName(base, claimant string) string {
	slug := Slug(claimant)
	if slug == "" {
		return truncate(base, MaxNameLength)
	}
	room := MaxNameLength - len(base) - 1
	if room < 1 {
		return truncate(base, MaxNameLength)
	}
	return base + "-" + truncate(slug, room)
}

// Slug lowercases s and strips characters Discord rejects in channel names.
func Slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)), r == '_':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSuffix(s[:n], "-")
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}
