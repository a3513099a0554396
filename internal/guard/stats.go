package guard

import (
	"errors"
	"sort"
	"strings"
)

// ErrInvalidTenant is returned by Stats for a missing tenant identifier.
var ErrInvalidTenant = errors.New("guard: tenant is required")

const topListLimit = 5

type Violator struct {
	User  string
	Score int
}

type CommandCount struct {
	Command string
	Count   int
}

// UsageStats is a point-in-time aggregate for one tenant.
type UsageStats struct {
	TotalUsers  int // users ever seen for this tenant (since start or last reset)
	TotalUsage  int // sum of all attempts, admitted or denied
	ActiveUsers int // users with at least one attempt in the current window

	TopViolators []Violator     // score >= ViolatorThreshold, descending, max 5
	TopCommands  []CommandCount // most used commands, descending, max 5
}

// Stats aggregates the guard's counters for one tenant.
func (g *Guard) Stats(tenant string) (UsageStats, error) {
	if strings.TrimSpace(tenant) == "" {
		return UsageStats{}, ErrInvalidTenant
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	var st UsageStats

	for key, score := range g.scores {
		if key.tenant != tenant {
			continue
		}
		st.TotalUsers++
		st.TotalUsage += score
		if score >= g.cfg.ViolatorThreshold {
			st.TopViolators = append(st.TopViolators, Violator{User: key.user, Score: score})
		}
	}

	for key := range g.windows {
		if key.tenant != tenant {
			continue
		}
		if len(g.pruneLocked(key, now)) > 0 {
			st.ActiveUsers++
		}
	}

	for key, count := range g.usage {
		if key.tenant != tenant {
			continue
		}
		st.TopCommands = append(st.TopCommands, CommandCount{Command: key.command, Count: count})
	}

	sort.Slice(st.TopViolators, func(i, j int) bool {
		if st.TopViolators[i].Score != st.TopViolators[j].Score {
			return st.TopViolators[i].Score > st.TopViolators[j].Score
		}
		return st.TopViolators[i].User < st.TopViolators[j].User
	})
	if len(st.TopViolators) > topListLimit {
		st.TopViolators = st.TopViolators[:topListLimit]
	}

	sort.Slice(st.TopCommands, func(i, j int) bool {
		if st.TopCommands[i].Count != st.TopCommands[j].Count {
			return st.TopCommands[i].Count > st.TopCommands[j].Count
		}
		return st.TopCommands[i].Command < st.TopCommands[j].Command
	})
	if len(st.TopCommands) > topListLimit {
		st.TopCommands = st.TopCommands[:topListLimit]
	}

	return st, nil
}
