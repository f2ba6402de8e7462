// Package redisbroker is the reference broker.Broker backing: Redis
// Streams for the control plane (ordered ids, consumer groups) and Redis
// strings with TTL for the data plane. Grounded on the original Python
// implementation's redis.py/dual_redis.py and generalized to one client
// type (github.com/redis/go-redis/v9) instead of two Redis client
// libraries for what is conceptually one Redis protocol.
package redisbroker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/edgeflow-dev/edgeflow/broker"
)

const (
	metaLimitPrefix   = "edgeflow:meta:limit:"
	dataKeyFmt        = "%s:data:%d"
	defaultDataTTL    = 60 * time.Second
	defaultMaxLen     = 1000
	initialBackoff    = time.Second
	maxBackoff        = 30 * time.Second
	defaultConnectTOS = 500 * time.Millisecond
)

// Broker implements broker.Broker against one or two Redis endpoints.
type Broker struct {
	cfg broker.Config

	ctrl *redis.Client
	data *redis.Client

	dataTTL time.Duration
	maxLen  int64
	logger  *slog.Logger

	mu         sync.Mutex
	groups     map[string]bool
	lastSeenID map[string]string // topic -> last control id returned to a REALTIME reader
}

// Option configures New.
type Option func(*Broker)

// WithDataTTL overrides the default 60s data-plane TTL.
func WithDataTTL(ttl time.Duration) Option {
	return func(b *Broker) { b.dataTTL = ttl }
}

// WithLogger overrides the default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// New connects to the control plane at cfg.Host:cfg.Port and, if cfg.DataHost
// is set, a separate data plane. When the data-plane host is a loopback
// address and the initial connection attempt fails, it transparently falls
// back to the control-plane endpoint (non-loopback configurations never
// fall back), per the spec's dual-plane failure model.
func New(ctx context.Context, cfg broker.Config, opts ...Option) (*Broker, error) {
	b := &Broker{
		cfg:        cfg,
		dataTTL:    defaultDataTTL,
		maxLen:     cfg.MaxLen,
		logger:     slog.Default(),
		groups:     map[string]bool{},
		lastSeenID: map[string]string{},
	}
	if b.maxLen <= 0 {
		b.maxLen = defaultMaxLen
	}
	for _, opt := range opts {
		opt(b)
	}

	b.ctrl = connectWithBackoff(ctx, cfg.Host, cfg.Port, b.logger)

	if cfg.DataHost == "" {
		b.data = b.ctrl
		return b, nil
	}

	b.data = b.connectDataPlane(ctx, cfg)
	return b, nil
}

func (b *Broker) connectDataPlane(ctx context.Context, cfg broker.Config) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%d", cfg.DataHost, cfg.DataPort),
		DialTimeout: defaultConnectTOS,
	})

	if !isLoopback(cfg.DataHost) {
		return client
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnectTOS)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		b.logger.Warn("data plane unreachable on loopback host, falling back to control plane",
			slog.String("data_host", cfg.DataHost), slog.Int("data_port", cfg.DataPort), slog.Any("error", err))
		_ = client.Close()
		return b.ctrl
	}

	return client
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

func connectWithBackoff(ctx context.Context, host string, port int, logger *slog.Logger) *redis.Client {
	wait := initialBackoff
	for {
		client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%d", host, port)})
		if err := client.Ping(ctx).Err(); err == nil {
			return client
		} else {
			logger.Warn("redis connection failed, retrying", slog.String("host", host), slog.Int("port", port),
				slog.Duration("backoff", wait), slog.Any("error", err))
			_ = client.Close()
		}

		select {
		case <-ctx.Done():
			return redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%d", host, port)})
		case <-time.After(wait):
		}

		wait *= 2
		if wait > maxBackoff {
			wait = maxBackoff
		}
	}
}

// Push implements broker.Broker.
func (b *Broker) Push(ctx context.Context, topic string, frameBytes []byte) error {
	if len(frameBytes) < 4 {
		return fmt.Errorf("redisbroker: push: frame too short to contain an id (%d bytes)", len(frameBytes))
	}

	frameID := binary.BigEndian.Uint32(frameBytes[:4])

	if err := b.data.Set(ctx, dataKey(topic, frameID), frameBytes, b.dataTTL).Err(); err != nil {
		return fmt.Errorf("redisbroker: push data plane: %w", err)
	}

	if err := b.ctrl.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{"frame_id": frameID},
	}).Err(); err != nil {
		return fmt.Errorf("redisbroker: push control plane: %w", err)
	}

	return nil
}

func dataKey(topic string, frameID uint32) string {
	return fmt.Sprintf(dataKeyFmt, topic, frameID)
}

// Pop implements broker.Broker, dispatching by QoS per the spec's table.
func (b *Broker) Pop(ctx context.Context, topic string, qos broker.QoS, opts broker.ReadOptions) ([]byte, error) {
	switch qos {
	case broker.Realtime:
		return b.popRealtime(ctx, topic, opts)
	case broker.Balanced:
		return b.popBalanced(ctx, topic, opts)
	default:
		return b.popDurable(ctx, topic, opts)
	}
}

// popRealtime peeks the tip of the control stream; if it equals the last id
// this reader returned, it blocks on "new entries only" for the remaining
// timeout and loops until a newer tip exists or the timeout elapses.
func (b *Broker) popRealtime(ctx context.Context, topic string, opts broker.ReadOptions) ([]byte, error) {
	deadline := time.Now().Add(opts.Timeout)

	for {
		entries, err := b.ctrl.XRevRangeN(ctx, topic, "+", "-", 1).Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("redisbroker: pop realtime tip: %w", err)
		}

		if len(entries) > 0 {
			tip := entries[0]
			b.mu.Lock()
			last := b.lastSeenID[topic]
			b.mu.Unlock()

			if tip.ID != last {
				b.mu.Lock()
				b.lastSeenID[topic] = tip.ID
				b.mu.Unlock()

				data, err := b.fetchFrameID(ctx, topic, tip.Values)
				if err != nil {
					return nil, err
				}
				return data, nil
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		blockFor := remaining
		if blockFor > 5*time.Second {
			blockFor = 5 * time.Second
		}

		_, err = b.ctrl.XRead(ctx, &redis.XReadArgs{
			Streams: []string{topic, "$"},
			Count:   1,
			Block:   blockFor,
		}).Result()
		if err != nil && err != redis.Nil {
			// Transient read errors degrade to a retry within the
			// remaining timeout window rather than surfacing an error.
			time.Sleep(10 * time.Millisecond)
		}
	}
}

// popDurable reads one entry via a consumer group and acknowledges
// immediately, delivering at-least-once within the data TTL.
func (b *Broker) popDurable(ctx context.Context, topic string, opts broker.ReadOptions) ([]byte, error) {
	group := groupName(opts)
	if err := b.ensureGroup(ctx, topic, group); err != nil {
		return nil, err
	}

	res, err := b.ctrl.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumerName(opts),
		Streams:  []string{topic, ">"},
		Count:    1,
		Block:    opts.Timeout,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("redisbroker: pop durable: %w", err)
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return nil, nil
	}

	msg := res[0].Messages[0]
	if err := b.ctrl.XAck(ctx, topic, group, msg.ID).Err(); err != nil {
		b.logger.Warn("redisbroker: ack failed", slog.String("topic", topic), slog.String("id", msg.ID), slog.Any("error", err))
	}

	return b.fetchFrameID(ctx, topic, msg.Values)
}

// popBalanced behaves like popDurable, but when the group's lag (entries
// not yet delivered to the group, as reported by XINFO GROUPS) exceeds
// opts.LagThreshold it acks everything outstanding and jumps the group's
// delivery cursor to the tip before reading, trading
// at-least-once-per-group for at-most-once under overload.
func (b *Broker) popBalanced(ctx context.Context, topic string, opts broker.ReadOptions) ([]byte, error) {
	group := groupName(opts)
	if err := b.ensureGroup(ctx, topic, group); err != nil {
		return nil, err
	}

	threshold := opts.LagThreshold
	if threshold <= 0 {
		threshold = 100
	}

	infos, err := b.ctrl.XInfoGroups(ctx, topic).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redisbroker: balanced group lag: %w", err)
	}

	for _, info := range infos {
		if info.Name == group && info.Lag > threshold {
			if err := b.skipToTip(ctx, topic, group); err != nil {
				return nil, err
			}
			break
		}
	}

	return b.popDurable(ctx, topic, opts)
}

func (b *Broker) skipToTip(ctx context.Context, topic, group string) error {
	ext, err := b.ctrl.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: topic,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  1000,
	}).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("redisbroker: balanced xpending ext: %w", err)
	}

	if len(ext) > 0 {
		ids := make([]string, len(ext))
		for i, e := range ext {
			ids[i] = e.ID
		}
		if err := b.ctrl.XAck(ctx, topic, group, ids...).Err(); err != nil {
			return fmt.Errorf("redisbroker: balanced ack backlog: %w", err)
		}
	}

	if err := b.ctrl.XGroupSetID(ctx, topic, group, "$").Err(); err != nil {
		return fmt.Errorf("redisbroker: balanced set group id: %w", err)
	}

	return nil
}

func (b *Broker) fetchFrameID(ctx context.Context, topic string, values map[string]any) ([]byte, error) {
	raw, ok := values["frame_id"]
	if !ok {
		return nil, fmt.Errorf("redisbroker: control entry missing frame_id field")
	}

	frameID, err := toUint32(raw)
	if err != nil {
		return nil, fmt.Errorf("redisbroker: parsing frame_id: %w", err)
	}

	data, err := b.data.Get(ctx, dataKey(topic, frameID)).Bytes()
	if err == redis.Nil {
		// TTL expired: yield none, never an error, per the spec.
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("redisbroker: fetch data plane: %w", err)
	}

	return data, nil
}

func toUint32(v any) (uint32, error) {
	switch n := v.(type) {
	case string:
		parsed, err := strconv.ParseUint(n, 10, 32)
		return uint32(parsed), err
	case int64:
		return uint32(n), nil
	default:
		return 0, fmt.Errorf("unexpected frame_id type %T", v)
	}
}

func (b *Broker) ensureGroup(ctx context.Context, topic, group string) error {
	key := topic + ":" + group

	b.mu.Lock()
	known := b.groups[key]
	b.mu.Unlock()
	if known {
		return nil
	}

	err := b.ctrl.XGroupCreateMkStream(ctx, topic, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redisbroker: create group %s/%s: %w", topic, group, err)
	}

	b.mu.Lock()
	b.groups[key] = true
	b.mu.Unlock()

	return nil
}

func groupName(opts broker.ReadOptions) string {
	if opts.Group != "" {
		return opts.Group
	}
	return "default"
}

func consumerName(opts broker.ReadOptions) string {
	if opts.Consumer != "" {
		return opts.Consumer
	}
	return "worker"
}

// Trim implements broker.Broker.
func (b *Broker) Trim(ctx context.Context, topic string, n int64) error {
	if err := b.ctrl.XTrimMaxLenApprox(ctx, topic, n, 0).Err(); err != nil {
		return fmt.Errorf("redisbroker: trim: %w", err)
	}
	return b.ctrl.Set(ctx, metaLimitPrefix+topic, n, 0).Err()
}

// QueueSize implements broker.Broker.
func (b *Broker) QueueSize(ctx context.Context, topic string) (int64, error) {
	n, err := b.ctrl.XLen(ctx, topic).Result()
	if err != nil {
		return 0, fmt.Errorf("redisbroker: queue size: %w", err)
	}
	return n, nil
}

// QueueStats implements broker.Broker.
func (b *Broker) QueueStats(ctx context.Context) (map[string]broker.QueueStat, error) {
	keys, err := b.ctrl.Keys(ctx, metaLimitPrefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("redisbroker: queue stats keys: %w", err)
	}

	stats := make(map[string]broker.QueueStat, len(keys))
	for _, key := range keys {
		topic := strings.TrimPrefix(key, metaLimitPrefix)

		limit, err := b.ctrl.Get(ctx, key).Int64()
		if err != nil && err != redis.Nil {
			continue
		}

		current, err := b.ctrl.XLen(ctx, topic).Result()
		if err != nil {
			continue
		}

		stats[topic] = broker.QueueStat{Current: current, Max: limit}
	}

	return stats, nil
}

// Reset implements broker.Broker.
func (b *Broker) Reset(ctx context.Context) error {
	if err := b.ctrl.FlushDB(ctx).Err(); err != nil {
		return fmt.Errorf("redisbroker: reset control plane: %w", err)
	}
	if b.data != b.ctrl {
		if err := b.data.FlushDB(ctx).Err(); err != nil {
			return fmt.Errorf("redisbroker: reset data plane: %w", err)
		}
	}

	b.mu.Lock()
	b.groups = map[string]bool{}
	b.lastSeenID = map[string]string{}
	b.mu.Unlock()

	return nil
}

// ToConfig implements broker.Broker.
func (b *Broker) ToConfig() broker.Config {
	cfg := b.cfg
	cfg.ClassPath = "github.com/edgeflow-dev/edgeflow/broker/redisbroker.Broker"
	return cfg
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("redisbroker: marshal publish payload: %w", err)
	}
	return b.ctrl.Publish(ctx, channel, data).Err()
}

// Subscribe implements broker.Broker.
func (b *Broker) Subscribe(ctx context.Context, channel string, handler func([]byte)) error {
	sub := b.ctrl.Subscribe(ctx, channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			handler([]byte(msg.Payload))
		}
	}
}

// Close implements broker.Broker.
func (b *Broker) Close() error {
	if b.data != b.ctrl {
		_ = b.data.Close()
	}
	return b.ctrl.Close()
}

var _ broker.Broker = (*Broker)(nil)
