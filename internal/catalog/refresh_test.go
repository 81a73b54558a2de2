package catalog

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRefreshGroups_PartitionTheAlphabet(t *testing.T) {
	t.Parallel()

	counts := make(map[rune]int)
	for day := time.Weekday(0); day < 7; day++ {
		for _, letter := range RefreshGroup(day) {
			counts[letter]++
		}
	}
	for _, letter := range "ABCDEFGHIJKLMNOPQRSTUVWXYZ" {
		require.Equal(t, 1, counts[letter], "letter %c", letter)
	}
	require.Len(t, counts, 26)
}

func TestScheduledMakes_FirstLetterSelectsGroup(t *testing.T) {
	t.Parallel()

	makes := []string{"Ford", "chevrolet", "DODGE", "Toyota", ""}

	var day time.Weekday
	for d := time.Weekday(0); d < 7; d++ {
		if strings.Contains(RefreshGroup(d), "D") {
			day = d
			break
		}
	}

	scheduled := ScheduledMakes(makes, day)
	require.Equal(t, map[string]struct{}{"DODGE": {}}, scheduled)
}

func TestScheduledMakes_CaseInsensitive(t *testing.T) {
	t.Parallel()

	var day time.Weekday
	for d := time.Weekday(0); d < 7; d++ {
		if strings.Contains(RefreshGroup(d), "F") {
			day = d
			break
		}
	}

	scheduled := ScheduledMakes([]string{"ford", "FIAT", "Honda"}, day)
	require.Equal(t, map[string]struct{}{"FORD": {}, "FIAT": {}}, scheduled)
}
