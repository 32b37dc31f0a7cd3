package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManual(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	c := NewManual(start)
	assert.Equal(t, time.UTC, c.Now().Location())
	assert.True(t, c.Now().Equal(start))

	c.Advance(90 * time.Second)
	assert.True(t, c.Now().Equal(start.Add(90*time.Second)))

	c.Set(start.Add(time.Hour))
	assert.True(t, c.Now().Equal(start.Add(time.Hour)))
}

func TestSystem(t *testing.T) {
	now := NewSystem().Now()
	assert.Equal(t, time.UTC, now.Location())
	assert.WithinDuration(t, time.Now(), now, time.Second)
}
