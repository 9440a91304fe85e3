package trigger

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/bundle-keeper/keeper"
	"github.com/flashbots/bundle-keeper/metrics"
	"go.uber.org/zap"
)

const (
	DefaultPastBlocks     = 500_000
	DefaultCatchUpTimeout = 5 * time.Minute
)

// EventSource turns matching logs into work items.
type EventSource interface {
	Query() ethereum.FilterQuery
	Decode(log types.Log) ([]keeper.WorkItem, error)
}

type LogClient interface {
	LogSubscriber
	LogFilterer
}

type EventTriggerConfig struct {
	// PastBlocks is how far behind the head the catch up starts.
	PastBlocks      uint64
	CatchUpPageSize uint64
	// CatchUpTimeout bounds the catch up, past events not fetched by then are skipped.
	CatchUpTimeout  time.Duration
}

// EventTrigger dispatches work items for past events within PastBlocks of the head
// and then for every live event.
type EventTrigger struct {
	log        *zap.Logger
	client     LogClient
	waiter     keeper.BlockWaiter
	source     EventSource
	dispatcher *Dispatcher
	cfg        EventTriggerConfig
}

func NewEventTrigger(log *zap.Logger, client LogClient, waiter keeper.BlockWaiter, source EventSource, dispatcher *Dispatcher, cfg EventTriggerConfig) *EventTrigger {
	if cfg.PastBlocks == 0 {
		cfg.PastBlocks = DefaultPastBlocks
	}
	if cfg.CatchUpPageSize == 0 {
		cfg.CatchUpPageSize = DefaultCatchUpPageSize
	}
	if cfg.CatchUpTimeout == 0 {
		cfg.CatchUpTimeout = DefaultCatchUpTimeout
	}
	return &EventTrigger{
		log:        log.Named("event-trigger"),
		client:     client,
		waiter:     waiter,
		source:     source,
		dispatcher: dispatcher,
		cfg:        cfg,
	}
}

// Run catches up and then follows live logs until ctx is done.
func (t *EventTrigger) Run(ctx context.Context) error {
	query := t.source.Query()

	// subscribe before catching up, logs seen by both are dropped from the live stream
	live := StreamLogs(ctx, t.log, t.client, query)

	head, err := t.waiter.WaitForBlock(ctx, 0)
	if err != nil {
		return err
	}
	toBlock := head.Number.Uint64()
	fromBlock := uint64(0)
	if toBlock > t.cfg.PastBlocks {
		fromBlock = toBlock - t.cfg.PastBlocks
	}

	caughtUp := true
	catchUpCtx, cancel := context.WithTimeout(ctx, t.cfg.CatchUpTimeout)
	past, err := CatchUpLogs(catchUpCtx, t.log, t.client, query, fromBlock, toBlock, t.cfg.CatchUpPageSize)
	cancel()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		// live logs of the missed range are not dropped as duplicates
		caughtUp = false
		metrics.IncTransientErrors()
		t.log.Error("Failed to catch up with past events, following live events only", zap.Uint64("from", fromBlock),
			zap.Uint64("to", toBlock), zap.Int("events", len(past)), zap.Error(err))
	} else {
		t.log.Info("Caught up with past events", zap.Uint64("from", fromBlock), zap.Uint64("to", toBlock), zap.Int("events", len(past)))
	}
	for _, l := range past {
		t.onLog(ctx, l)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case l, ok := <-live:
			if !ok {
				return ctx.Err()
			}
			if caughtUp && l.BlockNumber <= toBlock {
				continue
			}
			t.onLog(ctx, l)
		}
	}
}

func (t *EventTrigger) onLog(ctx context.Context, l types.Log) {
	if l.Removed {
		t.log.Debug("Skipping removed log", zap.String("tx", l.TxHash.Hex()), zap.Uint64("block", l.BlockNumber))
		return
	}
	items, err := t.source.Decode(l)
	if err != nil {
		metrics.IncTriggerDecodeFailures()
		t.log.Warn("Failed to decode log", zap.String("tx", l.TxHash.Hex()), zap.Uint64("block", l.BlockNumber),
			zap.Uint("index", l.Index), zap.Error(err))
		return
	}
	t.dispatcher.Dispatch(ctx, items...)
}
