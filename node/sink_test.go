package node_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/edgeflow-dev/edgeflow/frame"
	"github.com/edgeflow-dev/edgeflow/node"
)

func TestSinkReadsDurableAndEmitsNothing(t *testing.T) {
	b := newFakeBroker()
	ctx := context.Background()

	for i := uint32(0); i < 5; i++ {
		enc, err := frame.Encode(frame.New(i, []byte("p"), nil))
		require.NoError(t, err)
		require.NoError(t, b.Push(ctx, "events", enc))
	}

	var mu sync.Mutex
	var seen []uint32

	s := &node.Sink{
		Base:       node.NewBase("logger", []string{"events"}, nil),
		Broker:     b,
		PopTimeout: 5 * time.Millisecond,
		Loop: func(ctx context.Context, payload []byte, meta map[string]any) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, 0)
			return nil
		},
	}

	runCtx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, node.Execute(runCtx, "logger", s))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 5)
}

func TestSinkLogsAndContinuesAfterLoopFault(t *testing.T) {
	b := newFakeBroker()
	ctx := context.Background()

	for i := uint32(0); i < 3; i++ {
		enc, err := frame.Encode(frame.New(i, []byte("p"), nil))
		require.NoError(t, err)
		require.NoError(t, b.Push(ctx, "events", enc))
	}

	var mu sync.Mutex
	calls := 0
	var seen []uint32

	s := &node.Sink{
		Base:       node.NewBase("logger", []string{"events"}, nil),
		Broker:     b,
		PopTimeout: 5 * time.Millisecond,
		Loop: func(ctx context.Context, payload []byte, meta map[string]any) error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			switch calls {
			case 1:
				return errors.New("boom")
			case 2:
				panic("nope")
			default:
				seen = append(seen, 0)
				return nil
			}
		},
	}

	runCtx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, node.Execute(runCtx, "logger", s))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
}
