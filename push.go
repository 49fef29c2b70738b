package blockwatch

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
)

// malformed or unexpected frame from the node
type ProtocolError struct {
	Message string
}

func (self *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", self.Message)
}

// the sticky connectivity indicator consumed by the render layer
const ConnectionStatusKey = "connection.status"

const (
	ConnectionStatusOk           = "ok"
	ConnectionStatusReconnecting = "reconnecting"
	ConnectionStatusDegraded     = "degraded"
)

type pushFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	Id   int64           `json:"id,omitempty"`
}

type PushRouterSettings struct {
	// consecutive malformed frames before the connection is forced
	// closed (single bad frames are dropped, not fatal)
	MalformedFrameLimit int
	// ttl for pushed values. 0 means pushed values never go stale;
	// the push stream is its own freshness signal.
	PushTtl time.Duration
}

func DefaultPushRouterSettings() *PushRouterSettings {
	return &PushRouterSettings{
		MalformedFrameLimit: 8,
		PushTtl:             0,
	}
}

// PushRouter keeps message semantics out of the connection manager:
// it decodes unsolicited frames and writes them into the store, so the
// push path and the polling path converge on the same keys. It also
// maintains the sticky `connection.status` indicator. Change
// suppression in the store keeps the indicator from re-notifying on
// every reconnect attempt.
type PushRouter struct {
	conn          *NodeConnection
	store         *Store
	errorBoundary *ErrorBoundary

	settings *PushRouterSettings

	unsubs []func()

	stateLock       sync.Mutex
	malformedStreak int
}

func NewPushRouterWithDefaults(conn *NodeConnection, store *Store) *PushRouter {
	return NewPushRouter(conn, store, DefaultPushRouterSettings())
}

func NewPushRouter(conn *NodeConnection, store *Store, settings *PushRouterSettings) *PushRouter {
	router := &PushRouter{
		conn:     conn,
		store:    store,
		settings: settings,
	}

	router.unsubs = append(router.unsubs,
		conn.On(ConnectionEventMessage, func(event ConnectionEvent, detail any) {
			if message, ok := detail.([]byte); ok {
				router.handleFrame(message)
			}
		}),
		conn.On(ConnectionEventConnected, func(event ConnectionEvent, detail any) {
			store.Set(ConnectionStatusKey, ConnectionStatusOk)
		}),
		conn.On(ConnectionEventDisconnected, func(event ConnectionEvent, detail any) {
			store.Set(ConnectionStatusKey, ConnectionStatusReconnecting)
		}),
		conn.On(ConnectionEventMaxRetriesReached, func(event ConnectionEvent, detail any) {
			store.Set(ConnectionStatusKey, ConnectionStatusDegraded)
		}),
	)

	return router
}

func (self *PushRouter) SetErrorBoundary(errorBoundary *ErrorBoundary) {
	self.errorBoundary = errorBoundary
}

// frame kinds, decoded as a tagged union:
// - `{"type":"<topic>_update","data":...}` writes store key <topic>
// - frames with an id and no type are rpc responses (routed by the
//   rpc client's own callback)
// - anything with an unknown type is logged and dropped
func (self *PushRouter) handleFrame(message []byte) {
	var frame pushFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		self.malformed(fmt.Sprintf("unparseable frame: %s", err))
		return
	}

	if frame.Type == "" {
		if frame.Id != 0 {
			// rpc response
			self.resetMalformed()
			return
		}
		self.malformed("frame with no type")
		return
	}

	if topic, ok := strings.CutSuffix(frame.Type, "_update"); ok {
		var value any
		if err := json.Unmarshal(frame.Data, &value); err != nil {
			self.malformed(fmt.Sprintf("unparseable %s data: %s", frame.Type, err))
			return
		}
		self.resetMalformed()
		glog.V(2).Infof("[push]%s\n", topic)
		self.store.SetWithTtl(topic, value, self.settings.PushTtl)
		return
	}

	// well-formed but unknown. tolerated.
	self.resetMalformed()
	glog.V(1).Infof("[push]unknown frame type %s\n", frame.Type)
}

func (self *PushRouter) resetMalformed() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.malformedStreak = 0
}

// a single malformed frame is dropped without tearing down the
// connection. A persistent streak forces closure and reconnection.
func (self *PushRouter) malformed(message string) {
	forceClose := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.malformedStreak += 1
		if self.settings.MalformedFrameLimit <= self.malformedStreak {
			self.malformedStreak = 0
			forceClose = true
		}
	}()

	glog.V(1).Infof("[push]%s\n", message)
	if self.errorBoundary != nil {
		self.errorBoundary.HandleKind(ErrorKindProtocol, message, "push")
	}

	if forceClose {
		glog.Infof("[push]persistently malformed frames, forcing close\n")
		self.conn.ForceClose()
	}
}

func (self *PushRouter) Close() {
	for _, unsub := range self.unsubs {
		unsub()
	}
	self.unsubs = nil
}
