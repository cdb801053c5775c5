package gifter

import "sort"

const (
	// LogicType names how spend is aggregated before lookup.
	LogicType = "lifetime"
	// SourceOfTruth names the columns compared during resolution.
	SourceOfTruth = "gifter_levels.min_coins_spent vs profiles.lifetime_coins_spent"
)

// Level is a single row of the gifter_levels threshold table.
type Level struct {
	Level         int    `json:"level"`
	Name          string `json:"name"`
	MinCoinsSpent int64  `json:"min_coins_spent"`
	Color         string `json:"color,omitempty"`
	IconURL       string `json:"icon_url,omitempty"`
}

// DefaultLevel is returned when no threshold matches the spend.
var DefaultLevel = Level{Level: 0, Name: "Newcomer", MinCoinsSpent: 0}

// Status is the resolved tier for a single profile.
type Status struct {
	Level              int    `json:"level"`
	LevelName          string `json:"level_name"`
	Color              string `json:"color,omitempty"`
	IconURL            string `json:"icon_url,omitempty"`
	LifetimeCoinsSpent int64  `json:"lifetime_coins_spent"`
	NextLevel          *int   `json:"next_level,omitempty"`
	NextLevelMinCoins  *int64 `json:"next_level_min_coins,omitempty"`
	CoinsToNextLevel   *int64 `json:"coins_to_next_level,omitempty"`
	AdminOverride      bool   `json:"admin_override"`
}

// SortLevels orders levels by threshold, breaking ties on level number. The
// slice is sorted in place and returned for chaining.
func SortLevels(levels []Level) []Level {
	sort.SliceStable(levels, func(i, j int) bool {
		if levels[i].MinCoinsSpent != levels[j].MinCoinsSpent {
			return levels[i].MinCoinsSpent < levels[j].MinCoinsSpent
		}
		return levels[i].Level < levels[j].Level
	})
	return levels
}

// Resolve returns the tier for spent against levels. levels must be sorted
// with SortLevels; Resolve does not mutate it.
func Resolve(levels []Level, spent int64, isAdmin bool) Status {
	if spent < 0 {
		spent = 0
	}
	if isAdmin && len(levels) > 0 {
		top := levels[len(levels)-1]
		status := newStatus(top, spent)
		status.AdminOverride = true
		return status
	}

	matched := -1
	for i, level := range levels {
		if level.MinCoinsSpent > spent {
			break
		}
		matched = i
	}

	current := DefaultLevel
	if matched >= 0 {
		current = levels[matched]
	}
	status := newStatus(current, spent)
	status.AdminOverride = isAdmin

	if next := matched + 1; next < len(levels) {
		nextLevel := levels[next].Level
		nextMin := levels[next].MinCoinsSpent
		remaining := nextMin - spent
		status.NextLevel = &nextLevel
		status.NextLevelMinCoins = &nextMin
		status.CoinsToNextLevel = &remaining
	}
	return status
}

func newStatus(level Level, spent int64) Status {
	return Status{
		Level:              level.Level,
		LevelName:          level.Name,
		Color:              level.Color,
		IconURL:            level.IconURL,
		LifetimeCoinsSpent: spent,
	}
}
