package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/edgeflow-dev/edgeflow/broker"
	"github.com/edgeflow-dev/edgeflow/frame"
)

// ConsumerLoop processes one frame's payload/meta. Returning ok=false
// drops the frame (no forwarded output); returning ok=true forwards a new
// Frame carrying the original frame id and timestamp with the returned
// payload/meta.
type ConsumerLoop func(ctx context.Context, payload []byte, meta map[string]any) (outPayload []byte, outMeta map[string]any, ok bool, err error)

// defaultPopTimeout bounds how long a single RunLoop iteration blocks
// waiting for the next frame before re-checking ctx.Done.
const defaultPopTimeout = time.Second

// Consumer subscribes to InputTopics[0] and reads one frame per iteration
// according to that input's QoS.
type Consumer struct {
	Base

	Broker broker.Broker
	QoS    broker.QoS

	// Group defaults to Base.Name when empty (DURABLE/BALANCED only).
	Group string
	// LagThreshold is forwarded to broker.ReadOptions for BALANCED QoS.
	LagThreshold int64
	// PopTimeout bounds each blocking read; defaults to defaultPopTimeout.
	PopTimeout time.Duration

	Loop ConsumerLoop

	OnSetup    func(ctx context.Context) error
	OnTeardown func(ctx context.Context) error
}

// Kind implements Role.
func (c *Consumer) Kind() string { return "consumer" }

// Setup implements Role.
func (c *Consumer) Setup(ctx context.Context) error {
	if c.OnSetup != nil {
		return c.OnSetup(ctx)
	}
	return nil
}

// Teardown implements Role.
func (c *Consumer) Teardown(ctx context.Context) error {
	if c.OnTeardown != nil {
		return c.OnTeardown(ctx)
	}
	return nil
}

// RunLoop implements Role.
func (c *Consumer) RunLoop(ctx context.Context) error {
	c.SetRunning(true)
	defer c.SetRunning(false)

	if len(c.InputTopics) == 0 {
		return errors.New("node: consumer has no input topics")
	}
	topic := c.InputTopics[0]

	group := c.Group
	if group == "" {
		group = c.Name
	}

	timeout := c.PopTimeout
	if timeout <= 0 {
		timeout = defaultPopTimeout
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		raw, err := c.Broker.Pop(ctx, topic, c.QoS, broker.ReadOptions{
			Group:        group,
			Consumer:     c.Hostname,
			Timeout:      timeout,
			LagThreshold: c.LagThreshold,
		})
		if err != nil {
			return err
		}
		if raw == nil {
			continue
		}

		in, err := frame.Decode(raw)
		if err != nil {
			continue
		}

		if c.Loop == nil {
			continue
		}

		outPayload, outMeta, ok, err := c.callLoop(ctx, in.Payload, in.Meta)
		if err != nil {
			slog.Default().Error("node: consumer loop failed, dropping frame", "node", c.Name, "error", err)
			continue
		}
		if !ok {
			continue
		}

		out := frame.New(in.ID, outPayload, outMeta)
		out.Timestamp = in.Timestamp
		SendResult(ctx, c.Outputs, out)
	}
}

// callLoop invokes Loop, recovering a panic into an error so a user-code
// fault in the loop body degrades to "log and drop this frame" rather than
// aborting the consumer's RunLoop, per the runtime's user-code fault policy.
func (c *Consumer) callLoop(ctx context.Context, payload []byte, meta map[string]any) (outPayload []byte, outMeta map[string]any, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return c.Loop(ctx, payload, meta)
}

var _ Role = (*Consumer)(nil)
