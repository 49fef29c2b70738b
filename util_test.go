package blockwatch

import (
	"sync"
	"time"
)

// deterministic clock for ttl and dedupe window tests. After fires
// immediately; tests that need real scheduling use the system clock
// with short settings instead.
type fakeClock struct {
	mutex sync.Mutex
	now   time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{
		now: time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (self *fakeClock) Now() time.Time {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.now
}

func (self *fakeClock) After(d time.Duration) <-chan time.Time {
	return time.After(0)
}

func (self *fakeClock) Since(t time.Time) time.Duration {
	return self.Now().Sub(t)
}

func (self *fakeClock) Advance(d time.Duration) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.now = self.now.Add(d)
}
