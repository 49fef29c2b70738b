package blockwatch

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func newTestRouter(t *testing.T) (*PushRouter, *NodeConnection, *Store) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	conn := NewNodeConnectionWithDefaults(ctx, "ws://127.0.0.1:1", "")
	t.Cleanup(conn.Close)
	store := NewStoreWithDefaults()
	router := NewPushRouterWithDefaults(conn, store)
	t.Cleanup(router.Close)
	return router, conn, store
}

func TestPushRouterUpdateFrame(t *testing.T) {
	router, _, store := newTestRouter(t)

	router.handleFrame([]byte(`{"type":"governor.status_update","data":{"epoch":3,"paused":false}}`))

	value := store.Get("governor.status", nil)
	assert.NotEqual(t, value, nil)
	status := value.(map[string]any)
	assert.Equal(t, float64(3), status["epoch"])
}

func TestPushRouterPushAndPollConverge(t *testing.T) {
	router, _, store := newTestRouter(t)

	// the poll path wrote first; a push to the same topic wins
	store.Set("market.stats", map[string]any{"open_jobs": float64(1)})
	router.handleFrame([]byte(`{"type":"market.stats_update","data":{"open_jobs":2}}`))

	stats := store.Get("market.stats", nil).(map[string]any)
	assert.Equal(t, float64(2), stats["open_jobs"])
}

func TestPushRouterUnknownFrameTolerated(t *testing.T) {
	router, _, store := newTestRouter(t)

	router.handleFrame([]byte(`{"type":"totally_new_thing","data":{}}`))
	router.handleFrame([]byte(`{"jsonrpc":"2.0","result":{"height":1},"id":7}`))

	// nothing written, nothing torn down
	assert.Equal(t, nil, store.Get("totally_new_thing", nil))
}

func TestPushRouterMalformedStreak(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	router, _, _ := newTestRouter(t)

	errorBoundary := NewErrorBoundaryWithDefaults(ctx)
	router.SetErrorBoundary(errorBoundary)

	for i := 0; i < 3; i += 1 {
		router.handleFrame([]byte(`not json at all`))
	}

	stats := errorBoundary.GetStats()
	assert.Equal(t, uint64(3), stats.TotalCount)
	recent := errorBoundary.Recent(1)
	assert.Equal(t, ErrorKindProtocol, recent[0].Kind)

	// a single well-formed frame resets the streak
	router.handleFrame([]byte(`{"type":"peer.list_update","data":{"peers":[]}}`))
	func() {
		router.stateLock.Lock()
		defer router.stateLock.Unlock()
		assert.Equal(t, 0, router.malformedStreak)
	}()
}

func TestPushRouterStickyConnectionStatus(t *testing.T) {
	_, conn, store := newTestRouter(t)

	notifyCount := 0
	store.Subscribe(ConnectionStatusKey, func(key string, value any) {
		notifyCount += 1
	})

	conn.emit(ConnectionEventConnected, nil)
	assert.Equal(t, ConnectionStatusOk, store.Get(ConnectionStatusKey, nil))
	assert.Equal(t, 1, notifyCount)

	// repeated disconnects produce one sticky indicator change, not a
	// notification per attempt
	conn.emit(ConnectionEventDisconnected, nil)
	conn.emit(ConnectionEventDisconnected, nil)
	conn.emit(ConnectionEventDisconnected, nil)
	assert.Equal(t, ConnectionStatusReconnecting, store.Get(ConnectionStatusKey, nil))
	assert.Equal(t, 2, notifyCount)

	conn.emit(ConnectionEventMaxRetriesReached, 10)
	assert.Equal(t, ConnectionStatusDegraded, store.Get(ConnectionStatusKey, nil))
	assert.Equal(t, 3, notifyCount)
}

func TestPushedValueServesTypedReads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	router, _, store := newTestRouter(t)

	testServer := newRpcTestServer(func(request *rpcRequest) *rpcResponse {
		return &rpcResponse{
			Jsonrpc: "2.0",
			Result:  json.RawMessage(`{"epoch":4}`),
			Id:      request.Id,
		}
	})
	defer testServer.Close()

	client := NewRpcClient(ctx, testServer.server.URL, testRpcSettings())
	defer client.Close()
	api := NewNodeApiWithDefaults(ctx, client, store)
	defer api.Close()

	router.handleFrame([]byte(`{"type":"governor.status_update","data":{"epoch":3}}`))

	// the pushed value decodes generically, but the typed surface still
	// treats it as a fresh cache hit. No network work.
	status, err := api.GetGovernorStatusSync()
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(3), status.Epoch)
	assert.Equal(t, uint64(0), testServer.exchangeCount.Load())
}
