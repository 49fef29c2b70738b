package blockwatch

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/golang/glog"
)

type StoreSettings struct {
	// applied by `Set`. 0 means entries never go stale.
	DefaultTtl time.Duration
	Clock      Clock
}

func DefaultStoreSettings() *StoreSettings {
	return &StoreSettings{
		DefaultTtl: 0,
		Clock:      SystemClock(),
	}
}

type SubscriptionFunction = func(key string, value any)

type cacheEntry struct {
	value    any
	storedAt time.Time
	ttl      time.Duration
	version  uint64
}

type computedValue struct {
	deps []string
	fn   func(depValues []any) any

	cachedResult any
	depVersions  []uint64
	valid        bool
}

// keyed reactive cache shared by the rpc client, the push router and
// the render layer. Keys are dot-delimited, e.g. "consensus.block_height".
// Writers have last-writer-wins semantics per key. Stale entries are
// returned on read (the ui keeps showing the last value) and the
// cache-aside path decides whether to refetch.
type Store struct {
	settings *StoreSettings

	errorBoundary *ErrorBoundary

	stateLock     sync.Mutex
	entries       map[string]*cacheEntry
	computeds     map[string]*computedValue
	subscriptions map[string]*CallbackList[SubscriptionFunction]
	// monotonically increasing across all keys
	nextVersion uint64
}

func NewStoreWithDefaults() *Store {
	return NewStore(DefaultStoreSettings())
}

func NewStore(settings *StoreSettings) *Store {
	return &Store{
		settings:      settings,
		entries:       map[string]*cacheEntry{},
		computeds:     map[string]*computedValue{},
		subscriptions: map[string]*CallbackList[SubscriptionFunction]{},
		nextVersion:   1,
	}
}

// failures in subscriber callbacks are forwarded here instead of
// unwinding the `Set` caller
func (self *Store) SetErrorBoundary(errorBoundary *ErrorBoundary) {
	self.errorBoundary = errorBoundary
}

func (self *Store) Set(key string, value any) {
	self.SetWithTtl(key, value, self.settings.DefaultTtl)
}

func (self *Store) SetWithTtl(key string, value any, ttl time.Duration) {
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		entry, ok := self.entries[key]
		if ok && reflect.DeepEqual(entry.value, value) {
			// same value re-stored. Refresh the ttl window but do not
			// renotify subscribers or invalidate computed values.
			entry.storedAt = self.settings.Clock.Now()
			entry.ttl = ttl
			return
		}

		self.entries[key] = &cacheEntry{
			value:    value,
			storedAt: self.settings.Clock.Now(),
			ttl:      ttl,
			version:  self.nextVersion,
		}
		self.nextVersion += 1
		changed = true
	}()

	if changed {
		self.notify(key, value)
	}
}

// notifications are synchronous and in subscriber registration order.
// A snapshot is iterated so unsubscribing during notification is safe,
// and a panicking subscriber does not block the rest.
func (self *Store) notify(key string, value any) {
	var callbacks []SubscriptionFunction
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if callbackList, ok := self.subscriptions[key]; ok {
			callbacks = callbackList.Get()
		}
	}()

	for _, callback := range callbacks {
		callback := callback
		HandleError(
			func() {
				callback(key, value)
			},
			func(err error) {
				glog.V(1).Infof("[store]subscriber error %s = %s\n", key, err)
				if self.errorBoundary != nil {
					self.errorBoundary.Handle(err, fmt.Sprintf("store.subscribe %s", key))
				}
			},
		)
	}
}

func (self *Store) Get(key string, defaultValue any) any {
	value, ok, _ := self.GetEntry(key)
	if !ok {
		return defaultValue
	}
	return value
}

// GetEntry returns the stored value even when stale. `stale` tells the
// caller (the rpc client's cache-aside path) to refresh in the
// background. Computed keys never report stale; they track their
// dependencies instead.
func (self *Store) GetEntry(key string) (value any, ok bool, stale bool) {
	var computed *computedValue
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if c, isComputed := self.computeds[key]; isComputed {
			computed = c
			return
		}

		entry, present := self.entries[key]
		if !present {
			return
		}
		value = entry.value
		ok = true
		if 0 < entry.ttl && entry.ttl < self.settings.Clock.Since(entry.storedAt) {
			stale = true
		}
	}()

	if computed != nil {
		value = self.compute(key, computed)
		ok = true
	}
	return
}

// current version of a key, 0 if not set
func (self *Store) Version(key string) uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if entry, ok := self.entries[key]; ok {
		return entry.version
	}
	return 0
}

func (self *Store) Subscribe(key string, callback SubscriptionFunction) func() {
	var callbackList *CallbackList[SubscriptionFunction]
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		var ok bool
		callbackList, ok = self.subscriptions[key]
		if !ok {
			callbackList = NewCallbackList[SubscriptionFunction]()
			self.subscriptions[key] = callbackList
		}
	}()

	callbackId := callbackList.Add(callback)
	return func() {
		callbackList.Remove(callbackId)
	}
}

// Computed registers a derived key and returns its current value.
// The function is re-evaluated only when a dependency's version
// changed since the cached result was produced; unrelated store
// writes never trigger recomputation.
func (self *Store) Computed(key string, deps []string, fn func(depValues []any) any) any {
	computed := &computedValue{
		deps: deps,
		fn:   fn,
	}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.computeds[key] = computed
	}()

	return self.compute(key, computed)
}

func (self *Store) compute(key string, computed *computedValue) any {
	var depValues []any
	var depVersions []uint64
	recompute := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		depValues = make([]any, len(computed.deps))
		depVersions = make([]uint64, len(computed.deps))
		for i, dep := range computed.deps {
			if entry, ok := self.entries[dep]; ok {
				depValues[i] = entry.value
				depVersions[i] = entry.version
			}
		}

		if !computed.valid || !reflect.DeepEqual(computed.depVersions, depVersions) {
			recompute = true
		}
	}()

	if !recompute {
		return computed.cachedResult
	}

	// evaluate outside the lock. The function may read other store keys.
	result := computed.fn(depValues)

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		computed.cachedResult = result
		computed.depVersions = depVersions
		computed.valid = true
	}()

	return result
}

// Clear evicts the given keys, or everything when called without
// arguments. Computed values over cleared keys recompute on next read.
func (self *Store) Clear(keys ...string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(keys) == 0 {
		self.entries = map[string]*cacheEntry{}
		for _, computed := range self.computeds {
			computed.valid = false
		}
		return
	}

	for _, key := range keys {
		delete(self.entries, key)
		if computed, ok := self.computeds[key]; ok {
			computed.valid = false
		}
	}
}
