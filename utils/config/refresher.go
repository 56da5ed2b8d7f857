package config

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/linkflow/middleware/log"
)

type refresher struct {
	refreshInterval  time.Duration
	intervalDone     chan struct{}
	intervalInitOnce sync.Once

	mu sync.RWMutex
	eh EventHandler

	fetchFunc func() error
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func newRefresher(interval time.Duration, fetchFunc func() error) *refresher {
	return &refresher{
		refreshInterval: interval,
		intervalDone:    make(chan struct{}),
		fetchFunc:       fetchFunc,
	}
}

func (r *refresher) start(name string) {
	if r.refreshInterval > 0 {
		r.intervalInitOnce.Do(func() {
			r.wg.Add(1)
			go r.refreshPeriodically(name)
		})
	}
}

func (r *refresher) stop() {
	r.stopOnce.Do(func() {
		close(r.intervalDone)
		r.wg.Wait()
	})
}

func (r *refresher) refreshPeriodically(name string) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.refreshInterval)
	defer ticker.Stop()
	log.Info("start refreshing configurations", zap.String("source", name))
	for {
		select {
		case <-ticker.C:
			if err := r.fetchFunc(); err != nil {
				log.Warn("can not pull configs", zap.String("source", name), zap.Error(err))
			}
		case <-r.intervalDone:
			log.Info("stop refreshing configurations")
			return
		}
	}

}

func (r *refresher) fireEvents(name string, old, updated map[string]string) {
	r.mu.RLock()
	eh := r.eh
	r.mu.RUnlock()
	if eh == nil {
		return
	}
	for _, e := range diffEvents(name, old, updated) {
		eh.OnEvent(e)
	}
}

func (r *refresher) setEventHandler(eh EventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eh = eh
}
