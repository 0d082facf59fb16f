// Package coarsetime is a cheap clock for connection bookkeeping (last use,
// idle duration). The value is refreshed every 50ms by a background goroutine,
// so readings may lag the wall clock by up to one tick.
package coarsetime

import (
	"sync/atomic"
	"time"
)

const tick = 50 * time.Millisecond

var now atomic.Pointer[time.Time]

func init() {
	store(time.Now())

	ticker := time.NewTicker(tick)
	go func() {
		for t := range ticker.C {
			store(t)
		}
	}()
}

func store(t time.Time) {
	now.Store(&t)
}

// Now returns the last recorded time.
func Now() time.Time {
	return *now.Load()
}

// Since is the coarse equivalent of time.Since.
func Since(t time.Time) time.Duration {
	return Now().Sub(t)
}
