package blockwatch

import (
	"sync"
)

// bounded fifo for outbound frames queued while the connection is not
// open. On overflow the oldest frame is dropped so that the most
// recent state reaches the node first after a reconnect.
type sendQueue struct {
	maxSize int

	stateLock    sync.Mutex
	orderedItems [][]byte
	dropCount    uint64
}

func newSendQueue(maxSize int) *sendQueue {
	return &sendQueue{
		maxSize:      maxSize,
		orderedItems: [][]byte{},
	}
}

func (self *sendQueue) Add(item []byte) (dropped bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.maxSize <= len(self.orderedItems) {
		self.orderedItems = self.orderedItems[1:]
		self.dropCount += 1
		dropped = true
	}
	self.orderedItems = append(self.orderedItems, item)
	return
}

// removes and returns all queued items in enqueue order
func (self *sendQueue) Drain() [][]byte {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	items := self.orderedItems
	self.orderedItems = [][]byte{}
	return items
}

func (self *sendQueue) Size() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.orderedItems)
}

func (self *sendQueue) DropCount() uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.dropCount
}
