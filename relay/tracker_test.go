package relay

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrackerRegisterAndCount(t *testing.T) {
	tracker := NewTracker()
	assert.Equal(t, 0, tracker.Count())

	tracker.Register("conn-1", "session-a")
	tracker.Register("conn-2", "session-a")
	tracker.Register("conn-3", "session-b")

	assert.Equal(t, 3, tracker.Count())
	assert.Equal(t, 2, tracker.SessionCount("session-a"))
	assert.Equal(t, 1, tracker.SessionCount("session-b"))
	assert.Equal(t, 0, tracker.SessionCount("session-c"))
}

func TestTrackerUnregister(t *testing.T) {
	tracker := NewTracker()
	tracker.Register("conn-1", "session-a")

	tracker.Unregister("conn-1")
	assert.Equal(t, 0, tracker.Count())
	assert.Equal(t, 0, tracker.SessionCount("session-a"))

	// Unregistering an absent id is a no-op
	tracker.Unregister("conn-1")
	tracker.Unregister("never-registered")
	assert.Equal(t, 0, tracker.Count())
}

func TestTrackerList(t *testing.T) {
	tracker := NewTracker()
	tracker.Register("conn-1", "session-a")
	tracker.Register("conn-2", "session-b")

	list := tracker.List()
	assert.Len(t, list, 2)

	seen := make(map[string]string)
	for _, conn := range list {
		seen[conn.ConnectionID] = conn.SessionID
		assert.False(t, conn.ConnectedAt.IsZero())
	}
	assert.Equal(t, "session-a", seen["conn-1"])
	assert.Equal(t, "session-b", seen["conn-2"])
}

func TestTrackerConcurrentAccess(t *testing.T) {
	tracker := NewTracker()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("conn-%d", n)
			tracker.Register(id, "session-a")
			tracker.Count()
			tracker.List()
			if n%2 == 0 {
				tracker.Unregister(id)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 25, tracker.Count())
	assert.Equal(t, 25, tracker.SessionCount("session-a"))
}
