package gifter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLevels() []Level {
	return SortLevels([]Level{
		{Level: 3, Name: "Gold", MinCoinsSpent: 5000},
		{Level: 1, Name: "Bronze", MinCoinsSpent: 100},
		{Level: 2, Name: "Silver", MinCoinsSpent: 1000},
	})
}

func TestSortLevelsOrdersByThreshold(t *testing.T) {
	levels := testLevels()
	require.Len(t, levels, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{levels[0].Level, levels[1].Level, levels[2].Level})
}

func TestResolvePicksHighestMatchingThreshold(t *testing.T) {
	cases := []struct {
		name  string
		spent int64
		want  int
	}{
		{name: "below first threshold", spent: 99, want: 0},
		{name: "exact threshold", spent: 100, want: 1},
		{name: "between thresholds", spent: 4999, want: 2},
		{name: "top threshold", spent: 5000, want: 3},
		{name: "far above top", spent: 1 << 40, want: 3},
		{name: "negative spend", spent: -50, want: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status := Resolve(testLevels(), tc.spent, false)
			assert.Equal(t, tc.want, status.Level)
			assert.False(t, status.AdminOverride)
		})
	}
}

func TestResolveDefaultsWhenTableEmpty(t *testing.T) {
	status := Resolve(nil, 1234, false)
	assert.Equal(t, DefaultLevel.Level, status.Level)
	assert.Equal(t, DefaultLevel.Name, status.LevelName)
	assert.Equal(t, int64(1234), status.LifetimeCoinsSpent)
	assert.Nil(t, status.NextLevel)
}

func TestResolveReportsProgressToNextLevel(t *testing.T) {
	status := Resolve(testLevels(), 400, false)
	require.NotNil(t, status.NextLevel)
	require.NotNil(t, status.CoinsToNextLevel)
	require.NotNil(t, status.NextLevelMinCoins)
	assert.Equal(t, 2, *status.NextLevel)
	assert.Equal(t, int64(1000), *status.NextLevelMinCoins)
	assert.Equal(t, int64(600), *status.CoinsToNextLevel)

	top := Resolve(testLevels(), 9000, false)
	assert.Nil(t, top.NextLevel)
}

func TestResolveTreatsAdminsAsTopTier(t *testing.T) {
	status := Resolve(testLevels(), 0, true)
	assert.Equal(t, 3, status.Level)
	assert.Equal(t, "Gold", status.LevelName)
	assert.True(t, status.AdminOverride)
	assert.Nil(t, status.NextLevel)
	assert.Equal(t, int64(0), status.LifetimeCoinsSpent)
}

func TestResolveAdminWithEmptyTableFallsBackToDefault(t *testing.T) {
	status := Resolve(nil, 0, true)
	assert.Equal(t, DefaultLevel.Level, status.Level)
	assert.True(t, status.AdminOverride)
}

func TestResolveDoesNotMutateInput(t *testing.T) {
	levels := testLevels()
	snapshot := append([]Level(nil), levels...)
	_ = Resolve(levels, 2500, true)
	assert.Equal(t, snapshot, levels)
}
