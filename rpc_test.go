package blockwatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// json-rpc test node. The handler is invoked per request entry;
// batches come in as arrays and go out as arrays.
type rpcTestServer struct {
	server        *httptest.Server
	exchangeCount atomic.Uint64

	// optional http-level override, e.g. to return 500s
	statusHandler func(exchange uint64) int

	handler func(request *rpcRequest) *rpcResponse
}

func newRpcTestServer(handler func(request *rpcRequest) *rpcResponse) *rpcTestServer {
	testServer := &rpcTestServer{
		handler: handler,
	}
	testServer.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		exchange := testServer.exchangeCount.Add(1)

		if testServer.statusHandler != nil {
			if status := testServer.statusHandler(exchange); status != http.StatusOK {
				w.WriteHeader(status)
				return
			}
		}

		bodyBytes, _ := io.ReadAll(r.Body)
		trimmed := bytes.TrimSpace(bodyBytes)

		if 0 < len(trimmed) && trimmed[0] == '[' {
			var requests []*rpcRequest
			json.Unmarshal(trimmed, &requests)
			responses := make([]*rpcResponse, 0, len(requests))
			for _, request := range requests {
				responses = append(responses, testServer.handler(request))
			}
			json.NewEncoder(w).Encode(responses)
		} else {
			var request rpcRequest
			json.Unmarshal(trimmed, &request)
			json.NewEncoder(w).Encode(testServer.handler(&request))
		}
	}))
	return testServer
}

func (self *rpcTestServer) Close() {
	self.server.Close()
}

func testRpcSettings() *RpcClientSettings {
	settings := DefaultRpcClientSettings()
	settings.BatchTimeout = 0
	settings.MaxRetries = 3
	settings.RetryInitialTimeout = 1 * time.Millisecond
	return settings
}

func heightResponse(request *rpcRequest, height uint64) *rpcResponse {
	return &rpcResponse{
		Jsonrpc: "2.0",
		Result:  json.RawMessage(fmt.Sprintf(`{"height":%d}`, height)),
		Id:      request.Id,
	}
}

func TestRpcDeduplication(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	testServer := newRpcTestServer(func(request *rpcRequest) *rpcResponse {
		// slow enough for every caller to attach before resolution
		time.Sleep(100 * time.Millisecond)
		return heightResponse(request, 100)
	})
	defer testServer.Close()

	client := NewRpcClient(ctx, testServer.server.URL, testRpcSettings())
	defer client.Close()

	n := 5
	results := make([]json.RawMessage, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i += 1 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = client.Call(ctx, "consensus.block_height", nil)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i += 1 {
		assert.Equal(t, nil, errs[i])
		assert.Equal(t, `{"height":100}`, string(results[i]))
	}
	// exactly one network exchange for all five callers
	assert.Equal(t, uint64(1), testServer.exchangeCount.Load())
}

func TestRpcBatchPartialFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	testServer := newRpcTestServer(func(request *rpcRequest) *rpcResponse {
		if request.Method == "market.stats" {
			return &rpcResponse{
				Jsonrpc: "2.0",
				Error:   &RpcError{Code: -32601, Message: "method not found"},
				Id:      request.Id,
			}
		}
		return heightResponse(request, 100)
	})
	defer testServer.Close()

	settings := testRpcSettings()
	settings.BatchTimeout = 20 * time.Millisecond
	client := NewRpcClient(ctx, testServer.server.URL, settings)
	defer client.Close()

	results := client.CallBatch(ctx, []BatchCall{
		{Method: "consensus.block_height"},
		{Method: "market.stats"},
		{Method: "consensus.finality_status"},
	})

	assert.Equal(t, nil, results[0].Err)
	assert.NotEqual(t, results[1].Err, nil)
	var rpcErr *RpcError
	assert.Equal(t, true, errors.As(results[1].Err, &rpcErr))
	assert.Equal(t, -32601, rpcErr.Code)
	assert.Equal(t, nil, results[2].Err)

	// the three calls shared one exchange
	assert.Equal(t, uint64(1), testServer.exchangeCount.Load())
}

func TestRpcRetryThenSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	testServer := newRpcTestServer(func(request *rpcRequest) *rpcResponse {
		return heightResponse(request, 100)
	})
	defer testServer.Close()
	testServer.statusHandler = func(exchange uint64) int {
		if exchange <= 2 {
			return http.StatusInternalServerError
		}
		return http.StatusOK
	}

	client := NewRpcClient(ctx, testServer.server.URL, testRpcSettings())
	defer client.Close()

	result, err := client.Call(ctx, "consensus.block_height", nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, `{"height":100}`, string(result))
	assert.Equal(t, uint64(3), testServer.exchangeCount.Load())
}

func TestRpcErrorNeverRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	testServer := newRpcTestServer(func(request *rpcRequest) *rpcResponse {
		return &rpcResponse{
			Jsonrpc: "2.0",
			Error:   &RpcError{Code: -32000, Message: "bad params"},
			Id:      request.Id,
		}
	})
	defer testServer.Close()

	client := NewRpcClient(ctx, testServer.server.URL, testRpcSettings())
	defer client.Close()

	_, err := client.Call(ctx, "ledger.get_balance", map[string]any{"account": "x"})
	var rpcErr *RpcError
	assert.Equal(t, true, errors.As(err, &rpcErr))
	assert.Equal(t, -32000, rpcErr.Code)
	// a definitive remote decision: exactly one exchange
	assert.Equal(t, uint64(1), testServer.exchangeCount.Load())
}

func TestRpcAuthFailFast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	testServer := newRpcTestServer(func(request *rpcRequest) *rpcResponse {
		return heightResponse(request, 100)
	})
	defer testServer.Close()
	testServer.statusHandler = func(exchange uint64) int {
		return http.StatusUnauthorized
	}

	client := NewRpcClient(ctx, testServer.server.URL, testRpcSettings())
	defer client.Close()

	_, err := client.Call(ctx, "consensus.block_height", nil)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, uint64(1), testServer.exchangeCount.Load())
}

func TestRpcTimeoutTerminal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	testServer := newRpcTestServer(func(request *rpcRequest) *rpcResponse {
		time.Sleep(500 * time.Millisecond)
		return heightResponse(request, 100)
	})
	defer testServer.Close()

	settings := testRpcSettings()
	settings.CallTimeout = 30 * time.Millisecond
	settings.MaxRetries = 1
	client := NewRpcClient(ctx, testServer.server.URL, settings)
	defer client.Close()

	_, err := client.Call(ctx, "consensus.block_height", nil)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, ErrorKindTimeout, ClassifyError(err))
	// initial attempt plus one retry
	assert.Equal(t, uint64(2), testServer.exchangeCount.Load())
}

func TestRpcUnknownResponseIdDiscarded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := NewRpcClientWithDefaults(ctx, "http://127.0.0.1:0")
	defer client.Close()

	// must not panic or leak
	client.handleFrame([]byte(`{"jsonrpc":"2.0","result":{"height":1},"id":9999}`))
	client.handleFrame([]byte(`[{"jsonrpc":"2.0","error":{"code":1,"message":"x"},"id":12}]`))
	client.handleFrame([]byte(`not json`))
}

func TestNodeApiCacheAside(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var height atomic.Uint64
	height.Store(100)
	testServer := newRpcTestServer(func(request *rpcRequest) *rpcResponse {
		return heightResponse(request, height.Load())
	})
	defer testServer.Close()

	client := NewRpcClient(ctx, testServer.server.URL, testRpcSettings())
	defer client.Close()
	store := NewStoreWithDefaults()

	apiSettings := DefaultNodeApiSettings()
	apiSettings.HeightTtl = 50 * time.Millisecond
	api := NewNodeApi(ctx, client, store, apiSettings)
	defer api.Close()

	// miss: one exchange
	result, err := api.GetBlockHeightSync()
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(100), result.Height)
	assert.Equal(t, uint64(1), testServer.exchangeCount.Load())

	// fresh hit: zero additional network work
	result, err = api.GetBlockHeightSync()
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(100), result.Height)
	assert.Equal(t, uint64(1), testServer.exchangeCount.Load())

	// after expiry the stale value is returned immediately and a
	// background refresh performs a fresh exchange
	height.Store(101)
	time.Sleep(80 * time.Millisecond)

	result, err = api.GetBlockHeightSync()
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(100), result.Height)

	deadline := time.Now().Add(2 * time.Second)
	for testServer.exchangeCount.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, uint64(2), testServer.exchangeCount.Load())

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if result, err = api.GetBlockHeightSync(); err == nil && result.Height == 101 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, uint64(101), result.Height)
}
