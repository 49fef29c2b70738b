package blockwatch

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

// state machine is:
// Idle
//
//	-> Connecting
//	  -> Open
//	    -> Reconnecting
//	  -> Reconnecting
//	    -> Connecting
//	    -> Idle (retries exhausted, manual Connect still works)
//
// Disconnect forces any state to Closed (terminal until Connect)
type ConnectionState string

const (
	ConnectionStateIdle         ConnectionState = "Idle"
	ConnectionStateConnecting   ConnectionState = "Connecting"
	ConnectionStateOpen         ConnectionState = "Open"
	ConnectionStateReconnecting ConnectionState = "Reconnecting"
	ConnectionStateClosed       ConnectionState = "Closed"
)

func (self ConnectionState) IsActive() bool {
	switch self {
	case ConnectionStateConnecting, ConnectionStateOpen, ConnectionStateReconnecting:
		return true
	default:
		return false
	}
}

func (self ConnectionState) IsTerminal() bool {
	return self == ConnectionStateClosed
}

// inputs to the transition function
type connectionStateEvent string

const (
	connectionStateEventConnect    connectionStateEvent = "connect"
	connectionStateEventOpened     connectionStateEvent = "opened"
	connectionStateEventClosed     connectionStateEvent = "closed"
	connectionStateEventRetryTimer connectionStateEvent = "retry_timer"
	connectionStateEventGiveUp     connectionStateEvent = "give_up"
	connectionStateEventDisconnect connectionStateEvent = "disconnect"
)

// pure so the reconnection machine is testable without timers
func nextConnectionState(state ConnectionState, event connectionStateEvent) ConnectionState {
	if event == connectionStateEventDisconnect {
		return ConnectionStateClosed
	}
	switch state {
	case ConnectionStateIdle, ConnectionStateClosed:
		if event == connectionStateEventConnect {
			return ConnectionStateConnecting
		}
	case ConnectionStateConnecting:
		switch event {
		case connectionStateEventOpened:
			return ConnectionStateOpen
		case connectionStateEventClosed:
			return ConnectionStateReconnecting
		}
	case ConnectionStateOpen:
		if event == connectionStateEventClosed {
			return ConnectionStateReconnecting
		}
	case ConnectionStateReconnecting:
		switch event {
		case connectionStateEventRetryTimer:
			return ConnectionStateConnecting
		case connectionStateEventGiveUp:
			return ConnectionStateIdle
		}
	}
	return state
}

// non-decreasing up to the cap. attempt is 1-based.
func delayForAttempt(attempt int, settings *NodeConnectionSettings) time.Duration {
	if attempt <= 1 {
		return settings.ReconnectInitialTimeout
	}
	delay := float64(settings.ReconnectInitialTimeout) * math.Pow(
		settings.ReconnectBackoffMultiplier,
		float64(attempt-1),
	)
	if float64(settings.ReconnectMaxTimeout) < delay {
		return settings.ReconnectMaxTimeout
	}
	return time.Duration(delay)
}

type ConnectionEvent string

const (
	ConnectionEventConnected         ConnectionEvent = "connected"
	ConnectionEventDisconnected      ConnectionEvent = "disconnected"
	ConnectionEventMessage           ConnectionEvent = "message"
	ConnectionEventError             ConnectionEvent = "error"
	ConnectionEventReconnecting      ConnectionEvent = "reconnecting"
	ConnectionEventMaxRetriesReached ConnectionEvent = "max_retries_reached"
)

// detail is event-specific: []byte for message, error for error,
// int attempt for reconnecting, nil otherwise
type ConnectionEventFunction = func(event ConnectionEvent, detail any)

type heartbeatFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type subscribeEnvelope struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	Id     int64    `json:"id"`
}

type NodeConnectionSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	// ping interval while open
	HeartbeatTimeout time.Duration
	// no inbound activity within heartbeat + grace forces closure
	HeartbeatGraceTimeout      time.Duration
	ReconnectInitialTimeout    time.Duration
	ReconnectMaxTimeout        time.Duration
	ReconnectBackoffMultiplier float64
	MaxReconnectAttempts       int
	SendQueueMaxSize           int
	Clock                      Clock
}

func DefaultNodeConnectionSettings() *NodeConnectionSettings {
	return &NodeConnectionSettings{
		WsHandshakeTimeout:         2 * time.Second,
		WriteTimeout:               5 * time.Second,
		ReadTimeout:                60 * time.Second,
		HeartbeatTimeout:           15 * time.Second,
		HeartbeatGraceTimeout:      10 * time.Second,
		ReconnectInitialTimeout:    1 * time.Second,
		ReconnectMaxTimeout:        30 * time.Second,
		ReconnectBackoffMultiplier: 2.0,
		MaxReconnectAttempts:       10,
		SendQueueMaxSize:           64,
		Clock:                      SystemClock(),
	}
}

type ConnectionMetrics struct {
	State            ConnectionState
	MessagesSent     uint64
	MessagesReceived uint64
	MessagesQueued   int
	MessagesDropped  uint64
	ConnectAttempts  uint64
	LastOpenTime     time.Time
	LastCloseTime    time.Time
}

// NodeConnection owns the single persistent websocket to the node.
// It knows nothing about message semantics; inbound frames other than
// heartbeats are emitted as `message` events and routed elsewhere.
// Frames sent while not open are queued (bounded, drop-oldest) and
// flushed in order on open. Send never fails synchronously.
type NodeConnection struct {
	ctx    context.Context
	cancel context.CancelFunc

	wsUrl string
	byJwt string

	instanceId Id

	settings *NodeConnectionSettings

	queue *sendQueue
	// wakes the writer pump after an enqueue
	wake chan struct{}

	nextSubscribeId atomic.Int64

	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	connectAttempts  atomic.Uint64
	// unix nano of the last inbound frame
	lastActivity atomic.Int64

	stateLock sync.Mutex
	state     ConnectionState
	runCancel context.CancelFunc
	// incremented whenever the run loop is replaced. A superseded run
	// goroutine can linger until its socket read unblocks; the
	// generation keeps its state writes and events from touching the
	// replacement connection.
	runGeneration  uint64
	subscriptions  map[Id]string
	eventCallbacks map[ConnectionEvent]*CallbackList[ConnectionEventFunction]
	lastOpenTime   time.Time
	lastCloseTime  time.Time
}

func NewNodeConnectionWithDefaults(ctx context.Context, wsUrl string, byJwt string) *NodeConnection {
	return NewNodeConnection(ctx, wsUrl, byJwt, DefaultNodeConnectionSettings())
}

func NewNodeConnection(
	ctx context.Context,
	wsUrl string,
	byJwt string,
	settings *NodeConnectionSettings,
) *NodeConnection {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &NodeConnection{
		ctx:            cancelCtx,
		cancel:         cancel,
		wsUrl:          wsUrl,
		byJwt:          byJwt,
		instanceId:     NewId(),
		settings:       settings,
		queue:          newSendQueue(settings.SendQueueMaxSize),
		wake:           make(chan struct{}, 1),
		state:          ConnectionStateIdle,
		subscriptions:  map[Id]string{},
		eventCallbacks: map[ConnectionEvent]*CallbackList[ConnectionEventFunction]{},
	}
}

func (self *NodeConnection) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *NodeConnection) On(event ConnectionEvent, callback ConnectionEventFunction) func() {
	var callbackList *CallbackList[ConnectionEventFunction]
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		var ok bool
		callbackList, ok = self.eventCallbacks[event]
		if !ok {
			callbackList = NewCallbackList[ConnectionEventFunction]()
			self.eventCallbacks[event] = callbackList
		}
	}()

	callbackId := callbackList.Add(callback)
	return func() {
		callbackList.Remove(callbackId)
	}
}

func (self *NodeConnection) emit(event ConnectionEvent, detail any) {
	var callbacks []ConnectionEventFunction
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if callbackList, ok := self.eventCallbacks[event]; ok {
			callbacks = callbackList.Get()
		}
	}()

	for _, callback := range callbacks {
		callback(event, detail)
	}
}

// state writes from a run goroutine carry its generation and no-op
// once the goroutine is superseded
func (self *NodeConnection) applyStateEvent(generation uint64, event connectionStateEvent) (ConnectionState, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if generation != self.runGeneration {
		return self.state, false
	}

	next := nextConnectionState(self.state, event)
	changed := next != self.state
	self.state = next
	switch event {
	case connectionStateEventOpened:
		self.lastOpenTime = self.settings.Clock.Now()
	case connectionStateEventClosed:
		self.lastCloseTime = self.settings.Clock.Now()
	}
	return next, changed
}

// emit variant for run goroutines. Events from a superseded run are
// dropped so a stale socket cannot surface phantom lifecycle events.
func (self *NodeConnection) emitRun(generation uint64, event ConnectionEvent, detail any) {
	var callbacks []ConnectionEventFunction
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if generation != self.runGeneration {
			return
		}
		if callbackList, ok := self.eventCallbacks[event]; ok {
			callbacks = callbackList.Get()
		}
	}()

	for _, callback := range callbacks {
		callback(event, detail)
	}
}

// Connect starts the connection loop. It returns immediately; the
// outcome is surfaced through `connected` / `reconnecting` /
// `max_retries_reached` events. Calling while already active is a
// no-op.
func (self *NodeConnection) Connect() error {
	select {
	case <-self.ctx.Done():
		return fmt.Errorf("connection closed")
	default:
	}

	var runCtx context.Context
	var generation uint64
	started := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.state.IsActive() {
			return
		}
		if self.runCancel != nil {
			self.runCancel()
		}
		self.state = ConnectionStateConnecting
		self.runGeneration += 1
		generation = self.runGeneration
		runCtx, self.runCancel = context.WithCancel(self.ctx)
		started = true
	}()

	if started {
		go self.run(runCtx, generation)
	}
	return nil
}

// Disconnect forces Closed, stops all timers and suppresses
// auto-reconnect. Idempotent. A later Connect starts over.
func (self *NodeConnection) Disconnect() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.state = ConnectionStateClosed
	self.runGeneration += 1
	if self.runCancel != nil {
		self.runCancel()
		self.runCancel = nil
	}
}

// Send marshals the frame and either writes it (open) or queues it.
// Never returns an error to the caller; marshal and overflow problems
// are reported on the `error` event channel.
func (self *NodeConnection) Send(frame any) {
	frameBytes, err := json.Marshal(frame)
	if err != nil {
		self.emit(ConnectionEventError, fmt.Errorf("unsendable frame: %w", err))
		return
	}
	self.sendBytes(frameBytes)
}

func (self *NodeConnection) sendBytes(frameBytes []byte) {
	if dropped := self.queue.Add(frameBytes); dropped {
		glog.V(1).Infof("[c]%s send queue overflow, dropped oldest\n", self.instanceId)
		self.emit(ConnectionEventError, fmt.Errorf("send queue overflow, dropped oldest frame"))
	}
	select {
	case self.wake <- struct{}{}:
	default:
	}
}

// Subscribe registers a push topic, e.g. "governor.status". The
// subscribe envelope is sent now (or queued) and re-sent after every
// reconnect. The returned closure removes the registration.
func (self *NodeConnection) Subscribe(topic string) func() {
	subscriptionId := NewId()
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.subscriptions[subscriptionId] = topic
	}()

	self.Send(self.subscribeEnvelope(topic))

	return func() {
		removed := false
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			if _, ok := self.subscriptions[subscriptionId]; ok {
				delete(self.subscriptions, subscriptionId)
				removed = true
			}
		}()
		if removed && self.State() == ConnectionStateOpen {
			self.Send(self.unsubscribeEnvelope(topic))
		}
	}
}

func topicNamespace(topic string) string {
	for i := 0; i < len(topic); i += 1 {
		if topic[i] == '.' {
			return topic[:i]
		}
	}
	return topic
}

func (self *NodeConnection) subscribeEnvelope(topic string) *subscribeEnvelope {
	return &subscribeEnvelope{
		Method: fmt.Sprintf("%s.subscribe", topicNamespace(topic)),
		Params: []string{topic},
		Id:     self.nextSubscribeId.Add(1),
	}
}

func (self *NodeConnection) unsubscribeEnvelope(topic string) *subscribeEnvelope {
	return &subscribeEnvelope{
		Method: fmt.Sprintf("%s.unsubscribe", topicNamespace(topic)),
		Params: []string{topic},
		Id:     self.nextSubscribeId.Add(1),
	}
}

func (self *NodeConnection) GetMetrics() ConnectionMetrics {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return ConnectionMetrics{
		State:            self.state,
		MessagesSent:     self.messagesSent.Load(),
		MessagesReceived: self.messagesReceived.Load(),
		MessagesQueued:   self.queue.Size(),
		MessagesDropped:  self.queue.DropCount(),
		ConnectAttempts:  self.connectAttempts.Load(),
		LastOpenTime:     self.lastOpenTime,
		LastCloseTime:    self.lastCloseTime,
	}
}

func (self *NodeConnection) run(runCtx context.Context, generation uint64) {
	attempt := 0

	for {
		self.connectAttempts.Add(1)

		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			header := http.Header{}
			if self.byJwt != "" {
				header.Add("Authorization", fmt.Sprintf("Bearer %s", self.byJwt))
			}
			ws, _, err := dialer.DialContext(runCtx, self.wsUrl, header)
			return ws, err
		}

		var ws *websocket.Conn
		var err error
		if glog.V(2) {
			ws, err = TraceWithReturnError(fmt.Sprintf("[c]connect %s", self.instanceId), connect)
		} else {
			ws, err = connect()
		}
		if err != nil {
			glog.Infof("[c]%s connect error = %s\n", self.instanceId, err)
			self.emitRun(generation, ConnectionEventError, err)

			self.applyStateEvent(generation, connectionStateEventClosed)
			attempt += 1
			if self.settings.MaxReconnectAttempts <= attempt {
				state, changed := self.applyStateEvent(generation, connectionStateEventGiveUp)
				if changed && state == ConnectionStateIdle {
					self.emitRun(generation, ConnectionEventMaxRetriesReached, attempt)
				}
				return
			}
			self.emitRun(generation, ConnectionEventReconnecting, attempt)
			select {
			case <-runCtx.Done():
				return
			case <-self.settings.Clock.After(delayForAttempt(attempt, self.settings)):
			}
			self.applyStateEvent(generation, connectionStateEventRetryTimer)
			continue
		}

		// successful open resets the backoff schedule
		attempt = 0
		self.applyStateEvent(generation, connectionStateEventOpened)
		self.lastActivity.Store(self.settings.Clock.Now().UnixNano())
		self.resubscribe()
		self.emitRun(generation, ConnectionEventConnected, nil)

		self.handle(runCtx, generation, ws)

		self.applyStateEvent(generation, connectionStateEventClosed)
		self.emitRun(generation, ConnectionEventDisconnected, nil)

		select {
		case <-runCtx.Done():
			return
		default:
		}

		attempt = 1
		self.emitRun(generation, ConnectionEventReconnecting, attempt)
		select {
		case <-runCtx.Done():
			return
		case <-self.settings.Clock.After(delayForAttempt(attempt, self.settings)):
		}
		self.applyStateEvent(generation, connectionStateEventRetryTimer)
	}
}

// queue a subscribe envelope for every registered topic so the node
// resumes pushing after a reconnect
func (self *NodeConnection) resubscribe() {
	var topics []string
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		for _, topic := range self.subscriptions {
			topics = append(topics, topic)
		}
	}()

	for _, topic := range topics {
		self.Send(self.subscribeEnvelope(topic))
	}
}

// pumps for one open socket. Returns when the socket dies or the run
// context is canceled.
func (self *NodeConnection) handle(runCtx context.Context, generation uint64, ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(runCtx)
	defer handleCancel()

	// unblock a reader stuck in ReadMessage as soon as this socket is
	// superseded, instead of waiting out the read deadline
	go func() {
		<-handleCtx.Done()
		ws.Close()
	}()

	// single writer. Drains the queue in enqueue order and pings on a
	// fixed cadence. The ping deadline is not reset by wakes, so a
	// send-busy connection still proves liveness to the node.
	go func() {
		defer handleCancel()

		pingTime := self.settings.Clock.Now().Add(self.settings.HeartbeatTimeout)
		for {
			for _, frameBytes := range self.queue.Drain() {
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, frameBytes); err != nil {
					// a websocket deadline timeout cannot be recovered
					glog.Infof("[cs]%s-> error = %s\n", self.instanceId, err)
					return
				}
				self.messagesSent.Add(1)
				glog.V(2).Infof("[cs]%s->\n", self.instanceId)
			}

			select {
			case <-handleCtx.Done():
				return
			case <-self.wake:
			case <-self.settings.Clock.After(pingTime.Sub(self.settings.Clock.Now())):
				pingBytes, _ := json.Marshal(&heartbeatFrame{
					Type:      "ping",
					Timestamp: self.settings.Clock.Now().UnixMilli(),
				})
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, pingBytes); err != nil {
					return
				}
				glog.V(2).Infof("[cs]ping %s->\n", self.instanceId)
				pingTime = self.settings.Clock.Now().Add(self.settings.HeartbeatTimeout)
			}
		}
	}()

	// liveness. A silently dead connection is detected by the absence
	// of any inbound frame for heartbeat + grace.
	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case <-self.settings.Clock.After(self.settings.HeartbeatGraceTimeout):
				last := time.Unix(0, self.lastActivity.Load())
				deadTimeout := self.settings.HeartbeatTimeout + self.settings.HeartbeatGraceTimeout
				if deadTimeout < self.settings.Clock.Since(last) {
					glog.Infof("[c]%s heartbeat timeout\n", self.instanceId)
					self.emitRun(generation, ConnectionEventError, fmt.Errorf("heartbeat timeout"))
					return
				}
			}
		}
	}()

	// reader
	func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				glog.Infof("[cr]%s<- error = %s\n", self.instanceId, err)
				return
			}

			switch messageType {
			case websocket.TextMessage, websocket.BinaryMessage:
				self.lastActivity.Store(self.settings.Clock.Now().UnixNano())
				self.messagesReceived.Add(1)

				var heartbeat heartbeatFrame
				if err := json.Unmarshal(message, &heartbeat); err == nil {
					switch heartbeat.Type {
					case "ping":
						glog.V(2).Infof("[cr]ping %s<-\n", self.instanceId)
						self.Send(&heartbeatFrame{
							Type:      "pong",
							Timestamp: self.settings.Clock.Now().UnixMilli(),
						})
						continue
					case "pong":
						glog.V(2).Infof("[cr]pong %s<-\n", self.instanceId)
						continue
					}
				}

				glog.V(2).Infof("[cr]%s<-\n", self.instanceId)
				self.emitRun(generation, ConnectionEventMessage, message)
			default:
				glog.V(2).Infof("[cr]other=%d %s<-\n", messageType, self.instanceId)
			}
		}
	}()
}

// ForceClose tears down the current socket without suppressing
// auto-reconnect. Used when inbound frames are persistently malformed.
func (self *NodeConnection) ForceClose() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.state == ConnectionStateOpen && self.runCancel != nil {
		// restart the whole loop. The run goroutine exits and a new
		// one begins from Connecting; bumping the generation here
		// fences the old goroutine out immediately.
		runCancel := self.runCancel
		self.state = ConnectionStateIdle
		self.runGeneration += 1
		self.runCancel = nil
		runCancel()
		go func() {
			self.Connect()
		}()
	}
}

func (self *NodeConnection) Close() {
	self.Disconnect()
	self.cancel()
}
