package trigger

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/core/types"
)

// HeadTracker keeps the latest chain head and wakes up everyone waiting for a newer one.
type HeadTracker struct {
	mu   sync.Mutex
	head *types.Header
	// closed and replaced on every new head
	next chan struct{}

	subs []chan *types.Header
}

func NewHeadTracker() *HeadTracker {
	return &HeadTracker{
		next: make(chan struct{}),
	}
}

// Update stores head if it is newer than the current one. Older or equal heads are ignored.
func (t *HeadTracker) Update(head *types.Header) bool {
	if head == nil || head.Number == nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.head != nil && head.Number.Cmp(t.head.Number) <= 0 {
		return false
	}
	t.head = head
	close(t.next)
	t.next = make(chan struct{})

	for _, sub := range t.subs {
		// latest head wins, a slow subscriber skips intermediate heads
		select {
		case <-sub:
		default:
		}
		sub <- head
	}
	return true
}

// Head returns the latest head or nil if none was seen yet.
func (t *HeadTracker) Head() *types.Header {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.head
}

// WaitForBlock blocks until the head number is above after.
// WaitForBlock(ctx, 0) returns as soon as any head is known.
func (t *HeadTracker) WaitForBlock(ctx context.Context, after uint64) (*types.Header, error) {
	for {
		t.mu.Lock()
		head, next := t.head, t.next
		t.mu.Unlock()

		if head != nil && (after == 0 || head.Number.Uint64() > after) {
			return head, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-next:
		}
	}
}

// Subscribe returns a channel that receives new heads. The channel holds only the latest head.
func (t *HeadTracker) Subscribe() <-chan *types.Header {
	ch := make(chan *types.Header, 1)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs = append(t.subs, ch)
	return ch
}

// Run feeds the tracker from heads until the stream is closed or ctx is done.
func (t *HeadTracker) Run(ctx context.Context, heads <-chan *types.Header) {
	for {
		select {
		case <-ctx.Done():
			return
		case head, ok := <-heads:
			if !ok {
				return
			}
			t.Update(head)
		}
	}
}
