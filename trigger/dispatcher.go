package trigger

import (
	"context"
	"errors"
	"sync"

	"github.com/flashbots/bundle-keeper/keeper"
	"go.uber.org/zap"
)

// Worker runs the loop of one work item, the orchestrator implements it.
type Worker interface {
	Work(ctx context.Context, item keeper.WorkItem) (keeper.Result, error)
}

// Dispatcher starts a goroutine per work item so that a slow or stuck item never blocks others.
type Dispatcher struct {
	log    *zap.Logger
	worker Worker
	wg     sync.WaitGroup
}

func NewDispatcher(log *zap.Logger, worker Worker) *Dispatcher {
	return &Dispatcher{
		log:    log.Named("dispatcher"),
		worker: worker,
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, items ...keeper.WorkItem) {
	for _, item := range items {
		item := item
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			_, err := d.worker.Work(ctx, item)
			switch {
			case err == nil:
			case errors.Is(err, keeper.ErrWorkInProgress):
				d.log.Debug("Work item already in progress", zap.String("key", item.Key))
			case errors.Is(err, keeper.ErrFatal):
				d.log.Error("Work item failed", zap.String("key", item.Key), zap.Error(err))
			case errors.Is(err, context.Canceled):
			default:
				d.log.Warn("Work item stopped", zap.String("key", item.Key), zap.Error(err))
			}
		}()
	}
}

// Wait blocks until every dispatched work item returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
