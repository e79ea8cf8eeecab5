package registry

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLanesSerializeSameRecipient(t *testing.T) {
	l := newLanes()

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.lock("alice")
			defer unlock()

			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(100 * time.Microsecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load(), "only one holder per recipient")
	assert.Zero(t, l.size(), "idle lanes are released")
}

func TestLanesIndependentRecipients(t *testing.T) {
	l := newLanes()

	unlockAlice := l.lock("alice")
	defer unlockAlice()

	acquired := make(chan struct{})
	go func() {
		unlock := l.lock("bob")
		defer unlock()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("bob's lane should not wait for alice's")
	}
}

func TestLaneUnlockTwiceIsSafe(t *testing.T) {
	l := newLanes()
	unlock := l.lock("alice")
	unlock()
	unlock()
	assert.Zero(t, l.size())

	// Still usable afterwards
	unlock = l.lock("alice")
	unlock()
}
