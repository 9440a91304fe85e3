// Package jobs contains the data feed keeper job strategies.
//
// Two strategies produce work items for the orchestrator:
//   - broadcast: every PoolObserved event of the data feed is bridged to each target chain
//     with work(uint32,bytes32,uint24,(uint32,int24)[]). One work item per (pool nonce, chain).
//   - fetch: on every block each whitelisted pool is checked with workable(bytes32,uint8)
//     for a trigger reason (time or twap) and observed with work(bytes32,uint8).
package jobs

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/bundle-keeper/keeper"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// Trigger reasons of the fetch strategy
const (
	// ReasonTime means the cooldown since the last observation has passed
	ReasonTime uint8 = 1
	// ReasonTwap means the twap difference between pool and oracle crossed the threshold
	ReasonTwap uint8 = 2
)

const (
	DefaultBroadcastGasLimit = 10_000_000
	DefaultFetchGasLimit     = 700_000

	whitelistCacheTTL     = time.Minute
	whitelistCacheCleanup = 5 * time.Minute
)

// DefaultTargetChainIDs are the chains PoolObserved data is bridged to.
var DefaultTargetChainIDs = []uint32{10, 137}

// BroadcastSource turns PoolObserved events into one work item per target chain.
type BroadcastSource struct {
	job      *DataFeedJob
	feed     *DataFeed
	targets  []uint32
	gasLimit uint64
}

func NewBroadcastSource(job *DataFeedJob, feed *DataFeed, targets []uint32, gasLimit uint64) *BroadcastSource {
	if len(targets) == 0 {
		targets = DefaultTargetChainIDs
	}
	if gasLimit == 0 {
		gasLimit = DefaultBroadcastGasLimit
	}
	return &BroadcastSource{
		job:      job,
		feed:     feed,
		targets:  targets,
		gasLimit: gasLimit,
	}
}

func (s *BroadcastSource) Query() ethereum.FilterQuery {
	return s.feed.PoolObservedQuery()
}

func (s *BroadcastSource) Decode(log types.Log) ([]keeper.WorkItem, error) {
	event, err := s.feed.ParsePoolObserved(log)
	if err != nil {
		return nil, err
	}

	items := make([]keeper.WorkItem, 0, len(s.targets))
	for _, chainID := range s.targets {
		chainID := chainID
		items = append(items, keeper.WorkItem{
			Key:      BroadcastKey(event.PoolSalt, event.PoolNonce, chainID),
			Contract: s.job.Address(),
			GasLimit: s.gasLimit,
			Calldata: func() ([]byte, error) {
				return s.job.WorkBroadcastCalldata(chainID, event.PoolSalt, event.PoolNonce, event.Observations)
			},
			Workable: func(ctx context.Context) (bool, error) {
				return s.job.WorkableBroadcast(ctx, chainID, event.PoolSalt, event.PoolNonce)
			},
			Fields: []zap.Field{
				zap.String("strategy", "broadcast"),
				zap.String("pool_salt", event.PoolSalt.Hex()),
				zap.Uint32("pool_nonce", event.PoolNonce),
				zap.Uint32("chain_id", chainID),
				zap.Uint64("event_block", log.BlockNumber),
			},
		})
	}
	return items, nil
}

// BroadcastKey identifies the bridging of one pool observation to one chain.
func BroadcastKey(poolSalt common.Hash, poolNonce, chainID uint32) string {
	return fmt.Sprintf("broadcast:%s:%d:%d", poolSalt.Hex(), poolNonce, chainID)
}

// FetchKey identifies the observation of a pool. Both trigger reasons share it,
// so a pool is never worked twice at the same time.
func FetchKey(poolSalt common.Hash) string {
	return "fetch:" + poolSalt.Hex()
}

// FetchSource proposes every whitelisted pool on every block.
type FetchSource struct {
	job       *DataFeedJob
	whitelist *WhitelistCache
	reason    uint8
	gasLimit  uint64
}

func NewFetchSource(job *DataFeedJob, whitelist *WhitelistCache, reason uint8, gasLimit uint64) *FetchSource {
	if gasLimit == 0 {
		gasLimit = DefaultFetchGasLimit
	}
	return &FetchSource{
		job:       job,
		whitelist: whitelist,
		reason:    reason,
		gasLimit:  gasLimit,
	}
}

func (s *FetchSource) Candidates(ctx context.Context, head *types.Header) ([]keeper.WorkItem, error) {
	pools, err := s.whitelist.Get(ctx, head.Number.Uint64())
	if err != nil {
		return nil, err
	}

	items := make([]keeper.WorkItem, 0, len(pools))
	for _, salt := range pools {
		salt := salt
		items = append(items, keeper.WorkItem{
			Key:      FetchKey(salt),
			Contract: s.job.Address(),
			GasLimit: s.gasLimit,
			Calldata: func() ([]byte, error) {
				return s.job.WorkFetchCalldata(salt, s.reason)
			},
			Workable: func(ctx context.Context) (bool, error) {
				return s.job.WorkableFetch(ctx, salt, s.reason)
			},
			Fields: []zap.Field{
				zap.String("strategy", "fetch"),
				zap.String("pool_salt", salt.Hex()),
				zap.Uint8("reason", s.reason),
				zap.Uint64("trigger_block", head.Number.Uint64()),
			},
		})
	}
	return items, nil
}

// WhitelistCache fetches the whitelisted pools at most once per block,
// fetch strategies running side by side share it.
type WhitelistCache struct {
	mu    sync.Mutex
	cache *gocache.Cache
	fetch func(ctx context.Context) ([]common.Hash, error)
}

func NewWhitelistCache(fetch func(ctx context.Context) ([]common.Hash, error)) *WhitelistCache {
	return &WhitelistCache{
		cache: gocache.New(whitelistCacheTTL, whitelistCacheCleanup),
		fetch: fetch,
	}
}

func (c *WhitelistCache) Get(ctx context.Context, block uint64) ([]common.Hash, error) {
	key := strconv.FormatUint(block, 10)

	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.cache.Get(key); ok {
		//nolint:forcetypeassert
		return v.([]common.Hash), nil
	}
	pools, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, pools)
	return pools, nil
}
