// Package trigger feeds work items into the orchestrator.
//
// Chain subscriptions are exposed as streams: channels fed by a goroutine that subscribes, forwards
// values and transparently resubscribes with exponential backoff when the subscription fails.
// A stream is closed when its context is cancelled. Each trigger consumes its stream in a single loop
// and hands work items to the Dispatcher, which runs every item in its own goroutine.
package trigger

import (
	"context"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

const (
	streamBufferSize = 128

	resubscribeMaxInterval = 30 * time.Second

	DefaultCatchUpPageSize = 10_000
	catchUpMaxElapsedTime  = 2 * time.Minute
)

type HeadSubscriber interface {
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
}

type LogSubscriber interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

type LogFilterer interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

type subscribeFunc[T any] func(ctx context.Context, ch chan<- T) (ethereum.Subscription, error)

// StreamHeads returns a stream of new chain heads.
func StreamHeads(ctx context.Context, log *zap.Logger, client HeadSubscriber) <-chan *types.Header {
	return stream[*types.Header](ctx, log.Named("heads"), func(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
		return client.SubscribeNewHead(ctx, ch)
	})
}

// StreamLogs returns a stream of logs matching query. Block range fields of the query are ignored
// by subscriptions, use CatchUpLogs for historical logs.
func StreamLogs(ctx context.Context, log *zap.Logger, client LogSubscriber, query ethereum.FilterQuery) <-chan types.Log {
	return stream[types.Log](ctx, log.Named("logs"), func(ctx context.Context, ch chan<- types.Log) (ethereum.Subscription, error) {
		return client.SubscribeFilterLogs(ctx, query, ch)
	})
}

func stream[T any](ctx context.Context, log *zap.Logger, subscribe subscribeFunc[T]) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		for {
			exp := backoff.NewExponentialBackOff()
			exp.MaxInterval = resubscribeMaxInterval
			exp.MaxElapsedTime = 0
			back := backoff.WithContext(exp, ctx)

			ch := make(chan T, streamBufferSize)
			var sub ethereum.Subscription
			err := backoff.Retry(func() error {
				var err error
				sub, err = subscribe(ctx, ch)
				if err != nil {
					log.Warn("Failed to subscribe", zap.Error(err))
				}
				return err
			}, back)
			if err != nil {
				// backoff never gives up, so this is a cancelled context
				return
			}
			log.Debug("Subscribed")

			if !forward[T](ctx, log, sub, ch, out) {
				return
			}
		}
	}()
	return out
}

// forward copies values until the subscription fails (returns true) or ctx is done (returns false)
func forward[T any](ctx context.Context, log *zap.Logger, sub ethereum.Subscription, ch <-chan T, out chan<- T) bool {
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return false
		case err := <-sub.Err():
			log.Warn("Subscription failed, resubscribing", zap.Error(err))
			return true
		case v := <-ch:
			select {
			case out <- v:
			case <-ctx.Done():
				return false
			}
		}
	}
}

// CatchUpLogs returns the logs matching query in [fromBlock, toBlock], fetched in pages of pageSize blocks.
// Every page is retried with exponential backoff.
func CatchUpLogs(ctx context.Context, log *zap.Logger, client LogFilterer, query ethereum.FilterQuery, fromBlock, toBlock, pageSize uint64) ([]types.Log, error) {
	if pageSize == 0 {
		pageSize = DefaultCatchUpPageSize
	}
	var logs []types.Log
	for start := fromBlock; start <= toBlock; start += pageSize {
		end := start + pageSize - 1
		if end > toBlock {
			end = toBlock
		}
		q := query
		q.BlockHash = nil
		q.FromBlock = new(big.Int).SetUint64(start)
		q.ToBlock = new(big.Int).SetUint64(end)

		exp := backoff.NewExponentialBackOff()
		exp.MaxElapsedTime = catchUpMaxElapsedTime
		back := backoff.WithContext(exp, ctx)

		var page []types.Log
		err := backoff.Retry(func() error {
			var err error
			page, err = client.FilterLogs(ctx, q)
			if err != nil {
				log.Warn("Failed to filter logs", zap.Uint64("from", start), zap.Uint64("to", end), zap.Error(err))
			}
			return err
		}, back)
		if err != nil {
			return logs, err
		}
		logs = append(logs, page...)
		if end == toBlock {
			break
		}
	}
	return logs, nil
}
