package future

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"go.uber.org/atomic"
)

func TestResolveOnce(t *testing.T) {
	f := New("a")
	assert.False(t, f.IsDone())
	assert.True(t, f.SetSuccess())
	assert.False(t, f.SetFailure(errors.New("late")))
	assert.False(t, f.SetSuccess())
	assert.True(t, f.IsSuccess())
	assert.NoError(t, f.Cause())
	assert.Equal(t, "a", f.Attachment())
}

func TestListenersFireOnceInOrder(t *testing.T) {
	f := New(nil)
	var order []int
	f.AddListener(func(*Future) { order = append(order, 1) })
	f.AddListener(func(*Future) { order = append(order, 2) })
	f.SetFailure(errors.New("boom"))
	f.SetFailure(errors.New("again"))
	assert.Equal(t, []int{1, 2}, order)

	// late registration fires immediately
	f.AddListener(func(ff *Future) {
		assert.EqualError(t, ff.Cause(), "boom")
		order = append(order, 3)
	})
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestConcurrentResolution(t *testing.T) {
	f := New(nil)
	fired := atomic.NewInt32(0)
	f.AddListener(func(*Future) { fired.Inc() })

	wins := atomic.NewInt32(0)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var ok bool
			if i%2 == 0 {
				ok = f.SetSuccess()
			} else {
				ok = f.SetFailure(errors.New("x"))
			}
			if ok {
				wins.Inc()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(1), fired.Load())
}

func TestAwait(t *testing.T) {
	f := New(nil)
	go func() {
		time.Sleep(10 * time.Millisecond)
		f.SetFailure(errors.New("late failure"))
	}()
	assert.EqualError(t, f.Await(context.Background()), "late failure")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, New(nil).Await(ctx), context.DeadlineExceeded)

	assert.NoError(t, Succeeded(nil).Await(context.Background()))
	assert.True(t, Failed(nil, errors.New("x")).IsDone())
}

func TestListenerAddedDuringDispatchRunsLast(t *testing.T) {
	f := New(nil)
	var (
		mu    sync.Mutex
		order []string
	)
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, s)
	}
	running := make(chan struct{})
	release := make(chan struct{})
	f.AddListener(func(*Future) {
		close(running)
		<-release
		record("first")
	})

	resolved := make(chan struct{})
	go func() {
		defer close(resolved)
		f.SetSuccess()
	}()
	<-running
	f.AddListener(func(*Future) { record("late") })
	close(release)
	<-resolved

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "late"}, order)
}
