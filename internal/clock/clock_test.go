package clock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClock(t *testing.T) {
	t.Run("starts at zero", func(t *testing.T) {
		c := New()
		assert.Equal(t, uint64(0), c.Value())
	})

	t.Run("tick increments by one", func(t *testing.T) {
		c := New()
		assert.Equal(t, uint64(1), c.Tick())
		assert.Equal(t, uint64(2), c.Tick())
		assert.Equal(t, uint64(2), c.Value())
	})

	t.Run("observe takes the maximum", func(t *testing.T) {
		c := New()
		assert.Equal(t, uint64(7), c.Observe(7))
		assert.Equal(t, uint64(7), c.Value())

		// A smaller value never moves the clock backwards
		assert.Equal(t, uint64(7), c.Observe(3))
		assert.Equal(t, uint64(7), c.Value())
	})

	t.Run("observe then tick exceeds received value", func(t *testing.T) {
		c := New()
		c.Tick()
		c.Observe(10)
		assert.Equal(t, uint64(11), c.Tick())
	})

	t.Run("observe of zero is a no-op", func(t *testing.T) {
		c := New()
		c.Tick()
		assert.Equal(t, uint64(1), c.Observe(0))
	})
}

func TestClockConcurrentUse(t *testing.T) {
	c := New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Tick()
			}
		}()
		go func(v uint64) {
			defer wg.Done()
			c.Observe(v)
		}(uint64(i))
	}
	wg.Wait()

	// Observes never lower the counter, so every tick is accounted for.
	assert.GreaterOrEqual(t, c.Value(), uint64(50*100))
}
