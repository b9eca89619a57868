package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elsanchez/pupiter/internal/domain"
)

func TestParseHours(t *testing.T) {
	wh, err := parseHours("9-21")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkingHours{StartHour: 9, EndHour: 21}, wh)

	wh, err = parseHours("")
	require.NoError(t, err)
	assert.True(t, wh.AlwaysOpen())

	_, err = parseHours("9")
	assert.Error(t, err)
	_, err = parseHours("9-25")
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestParseInterval(t *testing.T) {
	iv, err := parseInterval("2")
	require.NoError(t, err)
	assert.Equal(t, domain.PublishingInterval{MinHours: 2, MaxHours: 2}, iv)
	assert.Equal(t, "2h", formatInterval(iv))

	iv, err = parseInterval("2,4.5")
	require.NoError(t, err)
	assert.Equal(t, domain.PublishingInterval{MinHours: 2, MaxHours: 4.5, Randomize: true}, iv)
	assert.Equal(t, "2h-4.5h", formatInterval(iv))

	_, err = parseInterval("4,2")
	assert.ErrorIs(t, err, domain.ErrConfiguration)
	_, err = parseInterval("x")
	assert.Error(t, err)
}

func TestParseTime(t *testing.T) {
	now := time.Date(2026, 6, 1, 14, 0, 0, 0, time.UTC)

	got, err := parseTime("15:30", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 6, 1, 15, 30, 0, 0, time.UTC), got)

	got, err = parseTime("09:00", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 6, 2, 9, 0, 0, 0, time.UTC), got, "past hours roll to tomorrow")

	got, err = parseTime("2026-07-01T10:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC), got)

	_, err = parseTime("tomorrow", now)
	assert.Error(t, err)
}

func TestSidecarCaption(t *testing.T) {
	dir := t.TempDir()
	video := filepath.Join(dir, "reel.mp4")
	require.NoError(t, os.WriteFile(video, []byte("x"), 0644))
	assert.Empty(t, sidecarCaption(video))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "reel.txt"), []byte(" plain \n"), 0644))
	assert.Equal(t, "plain", sidecarCaption(video))

	require.NoError(t, os.WriteFile(video+".txt", []byte("exact"), 0644))
	assert.Equal(t, "exact", sidecarCaption(video), "file.ext.txt wins")
}
