package blockwatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/golang/glog"
)

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

type NodeApiSettings struct {
	// cache ttls per surface. The height moves every few seconds;
	// governor and market state move slowly.
	HeightTtl   time.Duration
	StatusTtl   time.Duration
	PeerTtl     time.Duration
	MarketTtl   time.Duration
	LedgerTtl   time.Duration
	VersionTtl  time.Duration
	CallTimeout time.Duration
}

func DefaultNodeApiSettings() *NodeApiSettings {
	return &NodeApiSettings{
		HeightTtl:   5 * time.Second,
		StatusTtl:   10 * time.Second,
		PeerTtl:     30 * time.Second,
		MarketTtl:   15 * time.Second,
		LedgerTtl:   15 * time.Second,
		VersionTtl:  10 * time.Minute,
		CallTimeout: 30 * time.Second,
	}
}

// NodeApi is the typed call surface the render layer uses. Every
// method is cache-aside over the store: a fresh cached value is
// returned with zero network work, a stale value is returned
// immediately while a refresh runs in the background, and a miss
// performs the call and stores the result with a ttl. Store keys
// equal the rpc method names, so pushed updates for the same topic
// land on the same keys.
type NodeApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	client *RpcClient
	store  *Store

	settings *NodeApiSettings
}

func NewNodeApiWithDefaults(ctx context.Context, client *RpcClient, store *Store) *NodeApi {
	return NewNodeApi(ctx, client, store, DefaultNodeApiSettings())
}

func NewNodeApi(ctx context.Context, client *RpcClient, store *Store, settings *NodeApiSettings) *NodeApi {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &NodeApi{
		ctx:      cancelCtx,
		cancel:   cancel,
		client:   client,
		store:    store,
		settings: settings,
	}
}

// cache-aside. The store key doubles as the staleness authority; the
// rpc client below deduplicates whatever concurrent refreshes race
// through here.
func fetch[R any](self *NodeApi, key string, method string, params any, ttl time.Duration) (R, error) {
	value, ok, stale := self.store.GetEntry(key)
	if ok {
		result, isR := value.(R)
		if !isR {
			// pushed frames store generic decoded json under the same
			// keys. A convertible value is still a cache hit.
			if converted, err := convertValue[R](value); err == nil {
				result = converted
				isR = true
			}
		}
		if isR {
			if stale {
				go func() {
					if _, err := fresh[R](self, key, method, params, ttl); err != nil {
						glog.V(1).Infof("[api]background refresh %s error = %s\n", key, err)
					}
				}()
			}
			return result, nil
		}
	}

	return fresh[R](self, key, method, params, ttl)
}

func convertValue[R any](value any) (R, error) {
	var result R
	valueBytes, err := json.Marshal(value)
	if err != nil {
		return result, err
	}
	if err := json.Unmarshal(valueBytes, &result); err != nil {
		return result, err
	}
	return result, nil
}

func fresh[R any](self *NodeApi, key string, method string, params any, ttl time.Duration) (R, error) {
	var result R

	callCtx, callCancel := context.WithTimeout(self.ctx, self.settings.CallTimeout)
	defer callCancel()

	resultBytes, err := self.client.Call(callCtx, method, params)
	if err != nil {
		return result, err
	}
	if err := json.Unmarshal(resultBytes, &result); err != nil {
		return result, &ProtocolError{Message: err.Error()}
	}

	self.store.SetWithTtl(key, result, ttl)
	return result, nil
}

// consensus

type BlockHeightResult struct {
	Height uint64 `json:"height"`
	Hash   string `json:"hash,omitempty"`
}

type GetBlockHeightCallback = apiCallback[*BlockHeightResult]

func (self *NodeApi) GetBlockHeight(callback GetBlockHeightCallback) {
	go func() {
		callback.Result(self.GetBlockHeightSync())
	}()
}

func (self *NodeApi) GetBlockHeightSync() (*BlockHeightResult, error) {
	return fetch[*BlockHeightResult](
		self,
		"consensus.block_height",
		"consensus.block_height",
		nil,
		self.settings.HeightTtl,
	)
}

type FinalityStatusResult struct {
	FinalizedHeight uint64 `json:"finalized_height"`
	Lag             uint64 `json:"lag,omitempty"`
}

type GetFinalityStatusCallback = apiCallback[*FinalityStatusResult]

func (self *NodeApi) GetFinalityStatus(callback GetFinalityStatusCallback) {
	go func() {
		callback.Result(self.GetFinalityStatusSync())
	}()
}

func (self *NodeApi) GetFinalityStatusSync() (*FinalityStatusResult, error) {
	return fetch[*FinalityStatusResult](
		self,
		"consensus.finality_status",
		"consensus.finality_status",
		nil,
		self.settings.StatusTtl,
	)
}

type ConsensusStatsResult struct {
	BlocksPerSecond float64 `json:"blocks_per_second,omitempty"`
	TxPerSecond     float64 `json:"tx_per_second,omitempty"`
	ValidatorCount  int     `json:"validator_count,omitempty"`
}

func (self *NodeApi) GetConsensusStatsSync() (*ConsensusStatsResult, error) {
	return fetch[*ConsensusStatsResult](
		self,
		"consensus.stats",
		"consensus.stats",
		nil,
		self.settings.StatusTtl,
	)
}

func (self *NodeApi) GetNodeVersionSync() (string, error) {
	return fetch[string](
		self,
		"consensus.version",
		"consensus.version",
		nil,
		self.settings.VersionTtl,
	)
}

// HealthCheck reports whether the node answers a trivial call
func (self *NodeApi) HealthCheck() bool {
	result, err := self.GetBlockHeightSync()
	if err != nil {
		glog.V(1).Infof("[api]health check error = %s\n", err)
		return false
	}
	return result != nil
}

// governor

type GovernorStatusResult struct {
	Epoch       uint64  `json:"epoch"`
	Utilization float64 `json:"utilization,omitempty"`
	Paused      bool    `json:"paused,omitempty"`
}

type GetGovernorStatusCallback = apiCallback[*GovernorStatusResult]

func (self *NodeApi) GetGovernorStatus(callback GetGovernorStatusCallback) {
	go func() {
		callback.Result(self.GetGovernorStatusSync())
	}()
}

func (self *NodeApi) GetGovernorStatusSync() (*GovernorStatusResult, error) {
	return fetch[*GovernorStatusResult](
		self,
		"governor.status",
		"governor.get_status",
		nil,
		self.settings.StatusTtl,
	)
}

// peer

type Peer struct {
	PeerId    string `json:"peer_id"`
	Address   string `json:"address,omitempty"`
	Direction string `json:"direction,omitempty"`
	LatencyMs int    `json:"latency_ms,omitempty"`
}

type PeerListResult struct {
	Peers []*Peer `json:"peers"`
}

func (self *NodeApi) GetPeerListSync() (*PeerListResult, error) {
	return fetch[*PeerListResult](
		self,
		"peer.list",
		"peer.list",
		nil,
		self.settings.PeerTtl,
	)
}

type getPeerArgs struct {
	PeerId string `json:"peer_id"`
}

func (self *NodeApi) GetPeerSync(peerId string) (*Peer, error) {
	return fetch[*Peer](
		self,
		"peer.get."+peerId,
		"peer.get",
		&getPeerArgs{PeerId: peerId},
		self.settings.PeerTtl,
	)
}

// market

type MarketStatsResult struct {
	OpenJobs      int     `json:"open_jobs,omitempty"`
	ClearingPrice float64 `json:"clearing_price,omitempty"`
	Volume24h     float64 `json:"volume_24h,omitempty"`
}

func (self *NodeApi) GetMarketStatsSync() (*MarketStatsResult, error) {
	return fetch[*MarketStatsResult](
		self,
		"market.stats",
		"market.stats",
		nil,
		self.settings.MarketTtl,
	)
}

// energy

type EnergyMarketStateResult struct {
	Providers int     `json:"providers,omitempty"`
	SpotPrice float64 `json:"spot_price,omitempty"`
	Settled   uint64  `json:"settled,omitempty"`
}

func (self *NodeApi) GetEnergyMarketStateSync() (*EnergyMarketStateResult, error) {
	return fetch[*EnergyMarketStateResult](
		self,
		"energy.market_state",
		"energy.market_state",
		nil,
		self.settings.MarketTtl,
	)
}

// ledger

type getBalanceArgs struct {
	Account string `json:"account"`
}

type LedgerBalanceResult struct {
	Account string `json:"account"`
	Balance string `json:"balance"`
}

func (self *NodeApi) GetLedgerBalanceSync(account string) (*LedgerBalanceResult, error) {
	return fetch[*LedgerBalanceResult](
		self,
		"ledger.balance."+account,
		"ledger.get_balance",
		&getBalanceArgs{Account: account},
		self.settings.LedgerTtl,
	)
}

func (self *NodeApi) Close() {
	self.cancel()
}
