package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClock_Now(t *testing.T) {
	c := Fake(epoch)
	assert.True(t, c.Now().Equal(epoch))

	c.Advance(5 * time.Second)
	assert.True(t, c.Now().Equal(epoch.Add(5*time.Second)))

	c.Set(epoch)
	assert.True(t, c.Now().Equal(epoch))
}

func TestFakeClock_TickerFiresOnAdvance(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(time.Second)
	defer ticker.Stop()

	select {
	case <-ticker.C:
		t.Fatal("ticker fired before Advance")
	default:
	}

	c.Advance(500 * time.Millisecond)
	select {
	case <-ticker.C:
		t.Fatal("ticker fired before its interval")
	default:
	}

	c.Advance(500 * time.Millisecond)
	select {
	case got := <-ticker.C:
		assert.True(t, got.Equal(epoch.Add(time.Second)))
	default:
		t.Fatal("ticker did not fire")
	}
}

func TestFakeClock_TickerDropsWhenFull(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(time.Second)

	c.Advance(time.Second)
	c.Advance(time.Second)
	c.Advance(time.Second)

	<-ticker.C
	select {
	case <-ticker.C:
		t.Fatal("expected buffered ticks to be dropped")
	default:
	}
}

func TestFakeClock_Stop(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(time.Second)
	assert.Equal(t, 1, c.PendingTickers())

	ticker.Stop()
	c.Advance(2 * time.Second)
	assert.Equal(t, 0, c.PendingTickers())
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestFakeClock_NonPositiveIntervalPanics(t *testing.T) {
	assert.Panics(t, func() { Fake(epoch).NewTicker(0) })
}

func TestOrReal(t *testing.T) {
	assert.IsType(t, realClock{}, OrReal(nil))
	fake := Fake(epoch)
	assert.Same(t, fake, OrReal(fake))
}
