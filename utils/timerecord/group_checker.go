// Package timerecord watches groups of named items for staleness.
package timerecord

import (
	"sync"
	"time"

	"github.com/linkflow/utils"
)

var groups = utils.NewConcurrentMap[string, *GroupChecker]()

// GroupChecker calls fn with every item that has not checked in for longer
// than its duration. It scans once per duration.
type GroupChecker struct {
	groupName string
	d         time.Duration
	ch        chan struct{}
	latest    *utils.ConcurrentMap[string, time.Time]
	initOnce  sync.Once
	stopOnce  sync.Once
	fn        func(list []string)
}

// Check records that name is alive now.
func (gc *GroupChecker) Check(name string) {
	gc.latest.Insert(name, time.Now())
}

// Remove stops watching name.
func (gc *GroupChecker) Remove(name string) {
	gc.latest.GetAndRemove(name)
}

// LastCheck returns when name last checked in.
func (gc *GroupChecker) LastCheck(name string) (time.Time, bool) {
	return gc.latest.Get(name)
}

// init start worker goroutine
// protected by initOnce
func (gc *GroupChecker) init() {
	gc.initOnce.Do(func() {
		gc.ch = make(chan struct{})
		go gc.work()
	})
}

func (gc *GroupChecker) work() {
	t := time.NewTicker(gc.d)
	defer t.Stop()

	for {
		select {
		case <-t.C:
		case <-gc.ch:
			return
		}

		var list []string
		gc.latest.Range(func(name string, ts time.Time) bool {
			if time.Since(ts) > gc.d {
				list = append(list, name)
			}
			return true
		})
		if len(list) > 0 && gc.fn != nil {
			gc.fn(list)
		}
	}
}

func (gc *GroupChecker) Stop() {
	gc.stopOnce.Do(func() {
		close(gc.ch)
		groups.GetAndRemove(gc.groupName)
	})
}

// GetGroupChecker returns the GroupChecker with related group name
// if no exist GroupChecker has the provided name, a new instance will be created with provided params
// otherwise the params will be ignored
func GetGroupChecker(groupName string, duration time.Duration, fn func([]string)) *GroupChecker {
	gc := &GroupChecker{
		groupName: groupName,
		d:         duration,
		fn:        fn,
		latest:    utils.NewConcurrentMap[string, time.Time](),
	}
	gc, loaded := groups.GetOrInsert(groupName, gc)
	if !loaded {
		gc.init()
	}
	return gc
}
