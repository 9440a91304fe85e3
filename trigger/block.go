package trigger

import (
	"context"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/bundle-keeper/keeper"
	"github.com/flashbots/bundle-keeper/metrics"
	"go.uber.org/zap"
)

// BlockSource proposes work items for a new head.
type BlockSource interface {
	Candidates(ctx context.Context, head *types.Header) ([]keeper.WorkItem, error)
}

// BlockTrigger asks its source for candidates on every new head.
// Keys that are already being worked are rejected by the orchestrator gate.
type BlockTrigger struct {
	log        *zap.Logger
	source     BlockSource
	dispatcher *Dispatcher
}

func NewBlockTrigger(log *zap.Logger, source BlockSource, dispatcher *Dispatcher) *BlockTrigger {
	return &BlockTrigger{
		log:        log.Named("block-trigger"),
		source:     source,
		dispatcher: dispatcher,
	}
}

// Run consumes heads until the channel is closed or ctx is done.
func (t *BlockTrigger) Run(ctx context.Context, heads <-chan *types.Header) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case head, ok := <-heads:
			if !ok {
				return nil
			}
			t.onHead(ctx, head)
		}
	}
}

func (t *BlockTrigger) onHead(ctx context.Context, head *types.Header) {
	items, err := t.source.Candidates(ctx, head)
	if err != nil {
		metrics.IncTransientErrors()
		t.log.Warn("Failed to get candidates", zap.Uint64("block", head.Number.Uint64()), zap.Error(err))
		return
	}
	t.log.Debug("New block", zap.Uint64("block", head.Number.Uint64()), zap.Int("candidates", len(items)))
	t.dispatcher.Dispatch(ctx, items...)
}
