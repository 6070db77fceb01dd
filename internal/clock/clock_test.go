package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMockClock_Advance(t *testing.T) {
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewMockClock(start)

	ch := c.After(5 * time.Second)

	c.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired before deadline")
	default:
	}

	c.Advance(time.Second)
	select {
	case fired := <-ch:
		assert.Equal(t, start.Add(5*time.Second), fired)
	default:
		t.Fatal("did not fire at deadline")
	}

	assert.Equal(t, 5*time.Second, c.Since(start))
}

func TestMockClock_AfterZeroFiresImmediately(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))

	select {
	case <-c.After(0):
	default:
		t.Fatal("expected immediate fire")
	}
}

func TestMockClock_SetBackwards(t *testing.T) {
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewMockClock(start)
	ch := c.After(time.Minute)

	c.Set(start.Add(-time.Hour))
	assert.Equal(t, start.Add(-time.Hour), c.Now())

	select {
	case <-ch:
		t.Fatal("moving backwards must not fire")
	default:
	}
}
