package domain

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindowAt_AlignsToUTCHour(t *testing.T) {
	sp := time.FixedZone("BRT", -3*3600)
	now := time.Date(2026, 10, 18, 11, 47, 12, 0, sp) // 14:47:12 UTC

	w := WindowAt(now)
	assert.Equal(t, time.Date(2026, 10, 18, 14, 0, 0, 0, time.UTC), w.Start)
	assert.Equal(t, time.Date(2026, 10, 18, 15, 0, 0, 0, time.UTC), w.End)
	assert.Equal(t, "2026-10-18T14Z", w.Key)
	assert.Equal(t, "14:00–15:00 GMT", w.Label)
}

func TestWindowAt_StableWithinHour(t *testing.T) {
	base := time.Date(2026, 10, 18, 23, 0, 0, 0, time.UTC)
	first := WindowAt(base)
	for _, offset := range []time.Duration{time.Second, 30 * time.Minute, time.Hour - time.Nanosecond} {
		assert.Equal(t, first, WindowAt(base.Add(offset)))
	}

	next := WindowAt(base.Add(time.Hour))
	assert.Equal(t, "23:00–00:00 GMT", first.Label)
	assert.Equal(t, first.Next(), next)
	assert.Equal(t, first, next.Previous())
}

func TestWindowKey_SortsChronologically(t *testing.T) {
	base := time.Date(2026, 12, 31, 20, 0, 0, 0, time.UTC)
	var keys []string
	for i := 0; i < 30; i++ {
		keys = append(keys, WindowAt(base.Add(time.Duration(i)*time.Hour)).Key)
	}
	assert.True(t, sort.StringsAreSorted(keys))
}

func TestWindowTTL(t *testing.T) {
	w := WindowAt(time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC))
	assert.Equal(t, 20*time.Minute+5*time.Minute, w.TTL(w.Start.Add(40*time.Minute), 5*time.Minute))
	assert.Equal(t, 5*time.Minute, w.TTL(w.End.Add(time.Hour), 5*time.Minute))
}
