package trigger

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func header(number uint64) *types.Header {
	return &types.Header{Number: new(big.Int).SetUint64(number), BaseFee: big.NewInt(1_000_000_000)}
}

func TestHeadTrackerUpdate(t *testing.T) {
	tracker := NewHeadTracker()
	require.Nil(t, tracker.Head())

	require.True(t, tracker.Update(header(10)))
	require.False(t, tracker.Update(header(10)))
	require.False(t, tracker.Update(header(9)))
	require.False(t, tracker.Update(nil))
	require.False(t, tracker.Update(&types.Header{}))
	require.Equal(t, uint64(10), tracker.Head().Number.Uint64())

	require.True(t, tracker.Update(header(12)))
	require.Equal(t, uint64(12), tracker.Head().Number.Uint64())
}

func TestHeadTrackerWaitForBlock(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	tracker := NewHeadTracker()
	ctx := context.Background()

	done := make(chan *types.Header)
	go func() {
		head, err := tracker.WaitForBlock(ctx, 0)
		if err == nil {
			done <- head
		}
		close(done)
	}()
	tracker.Update(header(5))
	require.Equal(t, uint64(5), (<-done).Number.Uint64())

	// already above
	head, err := tracker.WaitForBlock(ctx, 4)
	require.NoError(t, err)
	require.Equal(t, uint64(5), head.Number.Uint64())

	waited := make(chan *types.Header)
	go func() {
		head, err := tracker.WaitForBlock(ctx, 6)
		if err == nil {
			waited <- head
		}
		close(waited)
	}()
	tracker.Update(header(6))
	select {
	case <-waited:
		t.Fatal("returned before the head passed block 6")
	case <-time.After(50 * time.Millisecond):
	}
	tracker.Update(header(7))
	require.Equal(t, uint64(7), (<-waited).Number.Uint64())
}

func TestHeadTrackerWaitForBlockCancelled(t *testing.T) {
	tracker := NewHeadTracker()
	tracker.Update(header(5))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := tracker.WaitForBlock(ctx, 5)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHeadTrackerSubscribe(t *testing.T) {
	tracker := NewHeadTracker()
	heads := tracker.Subscribe()

	tracker.Update(header(1))
	tracker.Update(header(2))
	tracker.Update(header(3))

	// a slow subscriber only sees the latest head
	require.Equal(t, uint64(3), (<-heads).Number.Uint64())
	select {
	case h := <-heads:
		t.Fatalf("unexpected head %d", h.Number.Uint64())
	default:
	}
}

func TestHeadTrackerRun(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	tracker := NewHeadTracker()

	heads := make(chan *types.Header)
	done := make(chan struct{})
	go func() {
		tracker.Run(context.Background(), heads)
		close(done)
	}()
	heads <- header(1)
	heads <- header(2)
	close(heads)
	<-done
	require.Equal(t, uint64(2), tracker.Head().Number.Uint64())
}
