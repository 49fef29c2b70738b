package blockwatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

// well-formed error response from the node. Never retried; it
// represents a definitive remote decision.
type RpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (self *RpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", self.Code, self.Message)
}

type rpcRequest struct {
	Jsonrpc string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	Id      int64  `json:"id"`
}

type rpcResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RpcError       `json:"error,omitempty"`
	Id      int64           `json:"id"`
}

type RpcClientSettings struct {
	// per attempt
	CallTimeout time.Duration
	// retries after the first attempt for transport failures and
	// timeouts
	MaxRetries             int
	RetryInitialTimeout    time.Duration
	RetryBackoffMultiplier float64
	// calls created inside this window dispatch as one batch.
	// 0 disables batching.
	BatchTimeout       time.Duration
	HttpConnectTimeout time.Duration
	HttpTlsTimeout     time.Duration
	Clock              Clock
}

func DefaultRpcClientSettings() *RpcClientSettings {
	return &RpcClientSettings{
		CallTimeout:            10 * time.Second,
		MaxRetries:             3,
		RetryInitialTimeout:    500 * time.Millisecond,
		RetryBackoffMultiplier: 2.0,
		BatchTimeout:           5 * time.Millisecond,
		HttpConnectTimeout:     5 * time.Second,
		HttpTlsTimeout:         5 * time.Second,
		Clock:                  SystemClock(),
	}
}

// one in-flight request. Concurrent calls with the same signature
// share one pendingCall; all callers wait on `done`.
type pendingCall struct {
	requestId int64
	method    string
	params    any
	signature string
	createdAt time.Time
	attempt   int

	resolveOnce sync.Once
	done        chan struct{}
	result      json.RawMessage
	err         error
}

func (self *pendingCall) resolve(result json.RawMessage, err error) (resolved bool) {
	self.resolveOnce.Do(func() {
		self.result = result
		self.err = err
		close(self.done)
		resolved = true
	})
	return
}

func (self *pendingCall) request() *rpcRequest {
	return &rpcRequest{
		Jsonrpc: "2.0",
		Method:  self.method,
		Params:  self.params,
		Id:      self.requestId,
	}
}

// RpcClient issues json-rpc 2.0 calls to the node. When a
// NodeConnection is attached and open, envelopes go over the socket;
// otherwise over http post. Identical concurrent calls deduplicate to
// one exchange, calls in the same batch window dispatch as one array,
// and transport failures retry with backoff up to a ceiling.
type RpcClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	rpcUrl string
	byJwt  string

	settings *RpcClientSettings

	httpClient *http.Client

	conn          *NodeConnection
	connUnsub     func()
	errorBoundary *ErrorBoundary

	nextRequestId atomic.Int64
	// exchanges that actually hit the network
	exchangeCount atomic.Uint64

	stateLock          sync.Mutex
	pendingBySignature map[string]*pendingCall
	pendingById        map[int64]*pendingCall
	batch              []*pendingCall
	batchTimerActive   bool
}

func NewRpcClientWithDefaults(ctx context.Context, rpcUrl string) *RpcClient {
	return NewRpcClient(ctx, rpcUrl, DefaultRpcClientSettings())
}

func NewRpcClient(ctx context.Context, rpcUrl string, settings *RpcClientSettings) *RpcClient {
	cancelCtx, cancel := context.WithCancel(ctx)

	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: settings.HttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: settings.HttpTlsTimeout,
	}

	return &RpcClient{
		ctx:      cancelCtx,
		cancel:   cancel,
		rpcUrl:   rpcUrl,
		settings: settings,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   settings.CallTimeout,
		},
		pendingBySignature: map[string]*pendingCall{},
		pendingById:        map[int64]*pendingCall{},
		batch:              []*pendingCall{},
	}
}

// attached to calls that need it
func (self *RpcClient) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

func (self *RpcClient) SetErrorBoundary(errorBoundary *ErrorBoundary) {
	self.errorBoundary = errorBoundary
}

// SetConnection routes calls over the persistent connection while it
// is open. Responses are matched to pending calls by id from inbound
// frames.
func (self *RpcClient) SetConnection(conn *NodeConnection) {
	if self.connUnsub != nil {
		self.connUnsub()
		self.connUnsub = nil
	}
	self.conn = conn
	if conn != nil {
		self.connUnsub = conn.On(ConnectionEventMessage, func(event ConnectionEvent, detail any) {
			if message, ok := detail.([]byte); ok {
				self.handleFrame(message)
			}
		})
	}
}

// count of network exchanges performed
func (self *RpcClient) ExchangeCount() uint64 {
	return self.exchangeCount.Load()
}

func callSignature(method string, params any) (string, error) {
	paramsBytes, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s|%s", method, string(paramsBytes)), nil
}

// Call issues one json-rpc call and blocks until it resolves. If an
// identical (method, params) call is in flight the caller attaches to
// it and no additional network work happens. ctx abandons the wait
// but does not cancel the underlying call.
func (self *RpcClient) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	call, err := self.pend(method, params)
	if err != nil {
		return nil, err
	}

	select {
	case <-call.done:
		return call.result, call.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-self.ctx.Done():
		return nil, self.ctx.Err()
	}
}

type BatchCall struct {
	Method string
	Params any
}

type BatchResult struct {
	Result json.RawMessage
	Err    error
}

// CallBatch issues the calls together. Results are positional.
// A failed entry resolves as an error in its slot; the other entries
// resolve normally.
func (self *RpcClient) CallBatch(ctx context.Context, calls []BatchCall) []BatchResult {
	pending := make([]*pendingCall, len(calls))
	results := make([]BatchResult, len(calls))
	for i, batchCall := range calls {
		call, err := self.pend(batchCall.Method, batchCall.Params)
		if err != nil {
			results[i] = BatchResult{Err: err}
			continue
		}
		pending[i] = call
	}

	for i, call := range pending {
		if call == nil {
			continue
		}
		select {
		case <-call.done:
			results[i] = BatchResult{Result: call.result, Err: call.err}
		case <-ctx.Done():
			results[i] = BatchResult{Err: ctx.Err()}
		case <-self.ctx.Done():
			results[i] = BatchResult{Err: self.ctx.Err()}
		}
	}
	return results
}

// pend either attaches to an in-flight identical call or creates one
// and queues it for dispatch
func (self *RpcClient) pend(method string, params any) (*pendingCall, error) {
	signature, err := callSignature(method, params)
	if err != nil {
		return nil, err
	}

	var call *pendingCall
	isNew := false
	startBatchTimer := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		var ok bool
		call, ok = self.pendingBySignature[signature]
		if ok {
			return
		}

		call = &pendingCall{
			requestId: self.nextRequestId.Add(1),
			method:    method,
			params:    params,
			signature: signature,
			createdAt: self.settings.Clock.Now(),
			done:      make(chan struct{}),
		}
		self.pendingBySignature[signature] = call
		self.pendingById[call.requestId] = call
		isNew = true

		if 0 < self.settings.BatchTimeout {
			self.batch = append(self.batch, call)
			if !self.batchTimerActive {
				self.batchTimerActive = true
				startBatchTimer = true
			}
		}
	}()

	if !isNew {
		return call, nil
	}

	if self.settings.BatchTimeout <= 0 {
		go self.dispatch([]*pendingCall{call})
	} else if startBatchTimer {
		go func() {
			select {
			case <-self.ctx.Done():
				return
			case <-self.settings.Clock.After(self.settings.BatchTimeout):
			}

			var batch []*pendingCall
			func() {
				self.stateLock.Lock()
				defer self.stateLock.Unlock()
				batch = self.batch
				self.batch = []*pendingCall{}
				self.batchTimerActive = false
			}()
			if 0 < len(batch) {
				self.dispatch(batch)
			}
		}()
	}
	return call, nil
}

func (self *RpcClient) unpend(call *pendingCall) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.pendingBySignature, call.signature)
	delete(self.pendingById, call.requestId)
}

func (self *RpcClient) resolveCall(call *pendingCall, result json.RawMessage, err error) {
	if call.resolve(result, err) {
		self.unpend(call)
		if err != nil && self.errorBoundary != nil {
			self.errorBoundary.Handle(err, fmt.Sprintf("rpc %s", call.method))
		}
	}
}

// dispatch sends the calls, resolving each from its response.
// Entries with no response (lost or timed out) retry with backoff up
// to the retry ceiling; rpc error responses resolve immediately.
func (self *RpcClient) dispatch(calls []*pendingCall) {
	for {
		responses, exchangeErr := self.exchange(calls)

		retry := []*pendingCall{}
		if exchangeErr == nil {
			for _, call := range calls {
				response, ok := responses[call.requestId]
				if !ok {
					// lost. same policy as a timeout.
					retry = append(retry, call)
					continue
				}
				if response.Error != nil {
					self.resolveCall(call, nil, response.Error)
				} else {
					self.resolveCall(call, response.Result, nil)
				}
			}
		} else {
			var authErr *authError
			if errors.As(exchangeErr, &authErr) {
				// fail fast, a retry cannot succeed
				for _, call := range calls {
					self.resolveCall(call, nil, exchangeErr)
				}
				return
			}
			retry = calls
		}

		if len(retry) == 0 {
			return
		}

		terminal := []*pendingCall{}
		next := []*pendingCall{}
		for _, call := range retry {
			call.attempt += 1
			if self.settings.MaxRetries < call.attempt {
				terminal = append(terminal, call)
			} else {
				next = append(next, call)
			}
		}
		for _, call := range terminal {
			err := exchangeErr
			if err == nil {
				err = context.DeadlineExceeded
			}
			self.resolveCall(call, nil, fmt.Errorf(
				"%s failed after %d attempts: %w", call.method, call.attempt, err,
			))
		}
		if len(next) == 0 {
			return
		}

		// all remaining calls share the same attempt count within a
		// dispatch, so one backoff delay covers the batch
		delay := retryDelayForAttempt(next[0].attempt, self.settings)
		glog.V(1).Infof("[rpc]retry %d calls in %s\n", len(next), delay)
		select {
		case <-self.ctx.Done():
			return
		case <-self.settings.Clock.After(delay):
		}
		calls = next
	}
}

func retryDelayForAttempt(attempt int, settings *RpcClientSettings) time.Duration {
	delay := settings.RetryInitialTimeout
	for i := 1; i < attempt; i += 1 {
		delay = time.Duration(float64(delay) * settings.RetryBackoffMultiplier)
	}
	return delay
}

type authError struct {
	statusCode int
}

func (self *authError) Error() string {
	return fmt.Sprintf("authentication error: status %d", self.statusCode)
}

// one network exchange for the calls. Over the open connection when
// available, otherwise http. Returns responses keyed by request id;
// missing entries are the caller's problem.
func (self *RpcClient) exchange(calls []*pendingCall) (map[int64]*rpcResponse, error) {
	self.exchangeCount.Add(1)

	if self.conn != nil && self.conn.State() == ConnectionStateOpen {
		return self.exchangeConn(calls)
	}
	return self.exchangeHttp(calls)
}

func (self *RpcClient) exchangeHttp(calls []*pendingCall) (map[int64]*rpcResponse, error) {
	var requestBody any
	if len(calls) == 1 {
		requestBody = calls[0].request()
	} else {
		requests := make([]*rpcRequest, len(calls))
		for i, call := range calls {
			requests[i] = call.request()
		}
		requestBody = requests
	}

	requestBodyBytes, err := json.Marshal(requestBody)
	if err != nil {
		return nil, err
	}

	requestCtx, requestCancel := context.WithTimeout(self.ctx, self.settings.CallTimeout)
	defer requestCancel()

	req, err := http.NewRequestWithContext(requestCtx, "POST", self.rpcUrl, bytes.NewReader(requestBodyBytes))
	if err != nil {
		return nil, err
	}
	req.Header.Add("Content-Type", "application/json")
	if self.byJwt != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", self.byJwt))
	}

	r, err := self.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}

	switch r.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, &authError{statusCode: r.StatusCode}
	default:
		return nil, fmt.Errorf("http status %d: %s", r.StatusCode, string(responseBodyBytes))
	}

	return self.parseResponses(responseBodyBytes)
}

// responses arrive in any order; match by id and tolerate unknowns
func (self *RpcClient) parseResponses(responseBodyBytes []byte) (map[int64]*rpcResponse, error) {
	responses := map[int64]*rpcResponse{}

	trimmed := bytes.TrimSpace(responseBodyBytes)
	if 0 < len(trimmed) && trimmed[0] == '[' {
		var responseList []*rpcResponse
		if err := json.Unmarshal(trimmed, &responseList); err != nil {
			return nil, &ProtocolError{Message: fmt.Sprintf("malformed batch response: %s", err)}
		}
		for _, response := range responseList {
			responses[response.Id] = response
		}
	} else {
		var response rpcResponse
		if err := json.Unmarshal(trimmed, &response); err != nil {
			return nil, &ProtocolError{Message: fmt.Sprintf("malformed response: %s", err)}
		}
		responses[response.Id] = &response
	}
	return responses, nil
}

// frames resolve pending calls asynchronously via handleFrame; the
// exchange just sends and waits for its calls with the call timeout
func (self *RpcClient) exchangeConn(calls []*pendingCall) (map[int64]*rpcResponse, error) {
	if len(calls) == 1 {
		self.conn.Send(calls[0].request())
	} else {
		requests := make([]*rpcRequest, len(calls))
		for i, call := range calls {
			requests[i] = call.request()
		}
		self.conn.Send(requests)
	}

	deadline := self.settings.Clock.After(self.settings.CallTimeout)
	responses := map[int64]*rpcResponse{}
	for _, call := range calls {
		select {
		case <-call.done:
			// already resolved by handleFrame. leave it out of the
			// response map; dispatch's resolve is idempotent.
			responses[call.requestId] = &rpcResponse{
				Id:     call.requestId,
				Result: call.result,
				Error:  nil,
			}
		case <-deadline:
			// remaining calls retry
			return responses, nil
		case <-self.ctx.Done():
			return responses, self.ctx.Err()
		}
	}
	return responses, nil
}

// handleFrame consumes id-bearing frames from the connection.
// Responses for unknown ids are logged and discarded.
func (self *RpcClient) handleFrame(message []byte) {
	trimmed := bytes.TrimSpace(message)
	var responseList []*rpcResponse
	if 0 < len(trimmed) && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &responseList); err != nil {
			return
		}
	} else {
		var response rpcResponse
		if err := json.Unmarshal(trimmed, &response); err != nil {
			return
		}
		responseList = []*rpcResponse{&response}
	}

	for _, response := range responseList {
		if response.Id == 0 || (response.Result == nil && response.Error == nil) {
			// not an rpc response. push frames are routed elsewhere.
			continue
		}

		var call *pendingCall
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			call = self.pendingById[response.Id]
		}()
		if call == nil {
			glog.V(1).Infof("[rpc]response for unknown id %d\n", response.Id)
			continue
		}

		if response.Error != nil {
			self.resolveCall(call, nil, response.Error)
		} else {
			self.resolveCall(call, response.Result, nil)
		}
	}
}

func (self *RpcClient) Close() {
	if self.connUnsub != nil {
		self.connUnsub()
		self.connUnsub = nil
	}
	self.cancel()
}
