package node_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/edgeflow-dev/edgeflow/broker"
	"github.com/edgeflow-dev/edgeflow/frame"
	"github.com/edgeflow-dev/edgeflow/handler"
	"github.com/edgeflow-dev/edgeflow/node"
)

func pushFrameAt(t *testing.T, b *fakeBroker, topic string, id uint32, ts float64) {
	t.Helper()
	f := &frame.Frame{ID: id, Timestamp: ts, Meta: map[string]any{}, Payload: []byte("p")}
	enc, err := frame.Encode(f)
	require.NoError(t, err)
	require.NoError(t, b.Push(context.Background(), topic, enc))
}

func TestFusionMatchesWithinSlopAndRemovesOnMatch(t *testing.T) {
	b := newFakeBroker()

	pushFrameAt(t, b, "cam", 10, 100.0)
	pushFrameAt(t, b, "cam", 11, 100.1)
	pushFrameAt(t, b, "lidar", 50, 100.03)
	pushFrameAt(t, b, "lidar", 51, 100.12)

	capture := &captureHandler{}
	fus := &node.Fusion{
		Base:   node.NewBase("fuse", []string{"cam", "lidar"}, []handler.Handler{capture}),
		Broker: b,
		QoS:    broker.Durable,
		Slop:   50 * time.Millisecond,
		Loop: func(ctx context.Context, frames []*frame.Frame) ([]byte, map[string]any, error) {
			return []byte("matched"), nil, nil
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	require.NoError(t, node.Execute(ctx, "fuse", fus))

	require.Equal(t, 2, capture.count())
	require.Equal(t, uint32(10), capture.frames[0].ID)
	require.Equal(t, uint32(11), capture.frames[1].ID)
}

func TestFusionDropsUnmatchableBaseFrame(t *testing.T) {
	b := newFakeBroker()

	// lidar's oldest entry is already far in the future relative to cam's
	// oldest: cam's frame can never match and must be dropped.
	pushFrameAt(t, b, "cam", 1, 100.0)
	pushFrameAt(t, b, "lidar", 90, 200.0)

	capture := &captureHandler{}
	fus := &node.Fusion{
		Base:   node.NewBase("fuse", []string{"cam", "lidar"}, []handler.Handler{capture}),
		Broker: b,
		QoS:    broker.Durable,
		Slop:   50 * time.Millisecond,
		Loop: func(ctx context.Context, frames []*frame.Frame) ([]byte, map[string]any, error) {
			return []byte("matched"), nil, nil
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	require.NoError(t, node.Execute(ctx, "fuse", fus))

	require.Equal(t, 0, capture.count())
}

func TestFusionLogsAndContinuesAfterLoopFault(t *testing.T) {
	b := newFakeBroker()

	pushFrameAt(t, b, "cam", 10, 100.0)
	pushFrameAt(t, b, "lidar", 50, 100.03)
	pushFrameAt(t, b, "cam", 11, 100.2)
	pushFrameAt(t, b, "lidar", 51, 100.22)

	capture := &captureHandler{}
	calls := 0
	fus := &node.Fusion{
		Base:   node.NewBase("fuse", []string{"cam", "lidar"}, []handler.Handler{capture}),
		Broker: b,
		QoS:    broker.Durable,
		Slop:   50 * time.Millisecond,
		Loop: func(ctx context.Context, frames []*frame.Frame) ([]byte, map[string]any, error) {
			calls++
			switch calls {
			case 1:
				return nil, nil, errors.New("boom")
			case 2:
				panic("nope")
			default:
				return []byte("matched"), nil, nil
			}
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	require.NoError(t, node.Execute(ctx, "fuse", fus))

	require.GreaterOrEqual(t, calls, 2)
	require.Equal(t, 0, capture.count())
}
