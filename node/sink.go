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

// SinkLoop is called with every frame a Sink reads. Sinks never emit
// output; the loop's return value is only an error.
type SinkLoop func(ctx context.Context, payload []byte, meta map[string]any) error

// Sink always reads DURABLE from InputTopics[0] under a consumer group
// equal to its own name, and never emits output.
type Sink struct {
	Base

	Broker     broker.Broker
	PopTimeout time.Duration
	Loop       SinkLoop

	OnSetup    func(ctx context.Context) error
	OnTeardown func(ctx context.Context) error
}

// Kind implements Role.
func (s *Sink) Kind() string { return "sink" }

// Setup implements Role.
func (s *Sink) Setup(ctx context.Context) error {
	if s.OnSetup != nil {
		return s.OnSetup(ctx)
	}
	return nil
}

// Teardown implements Role.
func (s *Sink) Teardown(ctx context.Context) error {
	if s.OnTeardown != nil {
		return s.OnTeardown(ctx)
	}
	return nil
}

// RunLoop implements Role.
func (s *Sink) RunLoop(ctx context.Context) error {
	s.SetRunning(true)
	defer s.SetRunning(false)

	if len(s.InputTopics) == 0 {
		return errors.New("node: sink has no input topics")
	}
	topic := s.InputTopics[0]

	timeout := s.PopTimeout
	if timeout <= 0 {
		timeout = defaultPopTimeout
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		raw, err := s.Broker.Pop(ctx, topic, broker.Durable, broker.ReadOptions{
			Group:    s.Name,
			Consumer: s.Hostname,
			Timeout:  timeout,
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

		if s.Loop == nil {
			continue
		}
		if err := s.callLoop(ctx, in.Payload, in.Meta); err != nil {
			slog.Default().Error("node: sink loop failed, dropping frame", "node", s.Name, "error", err)
		}
	}
}

// callLoop invokes Loop, recovering a panic into an error so a user-code
// fault degrades to "log and drop this frame" rather than aborting the
// sink's RunLoop.
func (s *Sink) callLoop(ctx context.Context, payload []byte, meta map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.Loop(ctx, payload, meta)
}

var _ Role = (*Sink)(nil)
