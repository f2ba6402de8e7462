package redisbroker_test

import (
	"context"
	"encoding/binary"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/edgeflow-dev/edgeflow/broker"
	"github.com/edgeflow-dev/edgeflow/broker/redisbroker"
)

func newTestBroker(t *testing.T) (*redisbroker.Broker, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	host, portStr, err := splitHostPort(mr.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	b, err := redisbroker.New(context.Background(), broker.Config{
		Host:   host,
		Port:   port,
		MaxLen: 50,
	})
	require.NoError(t, err)

	return b, func() {
		_ = b.Close()
		mr.Close()
	}
}

func splitHostPort(addr string) (string, string, error) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], addr[i+1:], nil
		}
	}
	return addr, "", nil
}

func frameBytes(id uint32) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint32(b[0:4], id)
	return b
}

func TestPushDurablePopRoundTrip(t *testing.T) {
	b, cleanup := newTestBroker(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, b.Push(ctx, "cam", frameBytes(1)))

	data, err := b.Pop(ctx, "cam", broker.Durable, broker.ReadOptions{
		Group: "sink", Consumer: "host-a", Timeout: time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, frameBytes(1), data)
}

func TestDurableGroupDeliversToEitherConsumer(t *testing.T) {
	b, cleanup := newTestBroker(t)
	defer cleanup()

	ctx := context.Background()
	for i := uint32(0); i < 10; i++ {
		require.NoError(t, b.Push(ctx, "cam", frameBytes(i)))
	}

	consumers := []string{"c1", "c2"}
	seen := map[uint32]bool{}
	for i := 0; len(seen) < 10; i++ {
		data, err := b.Pop(ctx, "cam", broker.Durable, broker.ReadOptions{
			Group: "group-g", Consumer: consumers[i%2], Timeout: 200 * time.Millisecond,
		})
		require.NoError(t, err)
		if data == nil {
			break
		}
		seen[binary.BigEndian.Uint32(data[:4])] = true
	}

	require.Len(t, seen, 10)
}

func TestTrimBoundsQueueAndStats(t *testing.T) {
	b, cleanup := newTestBroker(t)
	defer cleanup()

	ctx := context.Background()
	for i := uint32(0); i < 20; i++ {
		require.NoError(t, b.Push(ctx, "cam", frameBytes(i)))
	}

	require.NoError(t, b.Trim(ctx, "cam", 5))

	size, err := b.QueueSize(ctx, "cam")
	require.NoError(t, err)
	require.LessOrEqual(t, size, int64(6))

	stats, err := b.QueueStats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(5), stats["cam"].Max)
}

func TestResetClearsPlanes(t *testing.T) {
	b, cleanup := newTestBroker(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, b.Push(ctx, "cam", frameBytes(1)))
	require.NoError(t, b.Reset(ctx))

	size, err := b.QueueSize(ctx, "cam")
	require.NoError(t, err)
	require.Equal(t, int64(0), size)
}

func TestToConfigRoundTrips(t *testing.T) {
	b, cleanup := newTestBroker(t)
	defer cleanup()

	cfg := b.ToConfig()
	require.NotEmpty(t, cfg.ClassPath)
	require.NotZero(t, cfg.Port)

	rebound, err := redisbroker.New(context.Background(), cfg)
	require.NoError(t, err)
	defer rebound.Close()
	require.Equal(t, cfg, rebound.ToConfig())
}
