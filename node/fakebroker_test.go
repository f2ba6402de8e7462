package node_test

import (
	"context"
	"sync"

	"github.com/edgeflow-dev/edgeflow/broker"
)

// fakeBroker is an in-memory broker.Broker backed by per-topic queues,
// enough to drive node role tests without a real Redis instance.
type fakeBroker struct {
	mu     sync.Mutex
	queues map[string][][]byte
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{queues: map[string][][]byte{}}
}

func (b *fakeBroker) Push(ctx context.Context, topic string, frameBytes []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[topic] = append(b.queues[topic], frameBytes)
	return nil
}

func (b *fakeBroker) Pop(ctx context.Context, topic string, qos broker.QoS, opts broker.ReadOptions) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[topic]
	if len(q) == 0 {
		return nil, nil
	}
	out := q[0]
	b.queues[topic] = q[1:]
	return out, nil
}

func (b *fakeBroker) Trim(ctx context.Context, topic string, n int64) error { return nil }
func (b *fakeBroker) QueueSize(ctx context.Context, topic string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.queues[topic])), nil
}
func (b *fakeBroker) QueueStats(ctx context.Context) (map[string]broker.QueueStat, error) {
	return nil, nil
}
func (b *fakeBroker) Reset(ctx context.Context) error { return nil }
func (b *fakeBroker) ToConfig() broker.Config         { return broker.Config{} }
func (b *fakeBroker) Publish(ctx context.Context, channel string, payload any) error { return nil }
func (b *fakeBroker) Subscribe(ctx context.Context, channel string, h func([]byte)) error {
	return nil
}
func (b *fakeBroker) Close() error { return nil }

var _ broker.Broker = (*fakeBroker)(nil)
