package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualClock_StartsAtEpoch(t *testing.T) {
	clock := NewManualClock()
	assert.Equal(t, Epoch, clock.Now())
	assert.Equal(t, Epoch, clock.Now(), "does not move on its own")
}

func TestManualClock_AdvanceAndSet(t *testing.T) {
	clock := NewManualClock()

	clock.Advance(time.Minute)
	assert.Equal(t, Epoch.Add(time.Minute), clock.Now())

	at := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	clock.Set(at)
	assert.Equal(t, at, clock.Peek())
}

func TestSteppingClock(t *testing.T) {
	clock := NewSteppingClock(10 * time.Millisecond)

	assert.Equal(t, Epoch, clock.Now())
	assert.Equal(t, Epoch.Add(10*time.Millisecond), clock.Now())
	assert.Equal(t, Epoch.Add(20*time.Millisecond), clock.Peek())
}

func TestManualClock_ConcurrentAdvance(t *testing.T) {
	clock := NewManualClock()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clock.Advance(time.Second)
		}()
	}
	wg.Wait()

	assert.Equal(t, Epoch.Add(100*time.Second), clock.Peek())
}
