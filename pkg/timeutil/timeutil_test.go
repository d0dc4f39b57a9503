package timeutil

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func useLocation(t *testing.T, name string) {
	t.Helper()
	prev := Location()
	require.NoError(t, SetLocation(name))
	t.Cleanup(func() {
		locMu.Lock()
		location = prev
		locMu.Unlock()
	})
}

func TestSetLocation_UnknownKeepsCurrent(t *testing.T) {
	useLocation(t, "Asia/Almaty")

	assert.Error(t, SetLocation("Nowhere/Special"))
	assert.Equal(t, "Asia/Almaty", Location().String())
}

func TestBounds_AreInclusiveInPlatformZone(t *testing.T) {
	useLocation(t, "Asia/Almaty")

	d, err := ParseDate("2026-10-16")
	require.NoError(t, err)

	start := StartBound(&d)
	end := EndBound(&d)
	require.NotNil(t, start)
	require.NotNil(t, end)

	assert.True(t, d.Equal(*start))
	assert.Equal(t, 23, end.Hour())
	assert.Equal(t, 999999999, end.Nanosecond())
	assert.Equal(t, "Asia/Almaty", end.Location().String())

	// 19:30 UTC on the 16th is already the 17th in the platform zone.
	late := time.Date(2026, 10, 16, 19, 30, 0, 0, time.UTC)
	assert.True(t, late.After(*end))

	assert.Nil(t, StartBound(nil))
	assert.Nil(t, EndBound(nil))
}

func TestStartOfDay_ConvertsBeforeTruncating(t *testing.T) {
	useLocation(t, "Asia/Almaty")

	// 20:00 UTC on the 15th is the 16th locally.
	got := StartOfDay(time.Date(2026, 10, 15, 20, 0, 0, 0, time.UTC))
	assert.Equal(t, 16, got.Day())
	assert.Equal(t, 0, got.Hour())
}

func TestFixedClock(t *testing.T) {
	t0 := time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)
	c := NewFixedClock(t0)
	assert.Equal(t, t0, c.Now())

	c.Advance(90 * time.Minute)
	assert.Equal(t, t0.Add(90*time.Minute), c.Now())

	c.Set(t0)
	assert.Equal(t, t0, c.Now())
}
