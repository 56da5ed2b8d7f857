package timerecord

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupCheckerReportsStaleItems(t *testing.T) {
	var mu sync.Mutex
	reported := map[string]bool{}
	name := "test-" + uuid.NewString()
	gc := GetGroupChecker(name, 20*time.Millisecond, func(list []string) {
		mu.Lock()
		defer mu.Unlock()
		for _, item := range list {
			reported[item] = true
		}
	})
	defer gc.Stop()

	// same name returns the same checker
	assert.Same(t, gc, GetGroupChecker(name, time.Hour, nil))

	gc.Check("stale")
	gc.Check("removed")
	gc.Remove("removed")
	_, ok := gc.LastCheck("stale")
	assert.True(t, ok)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reported["stale"]
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.False(t, reported["removed"])
	mu.Unlock()
}
