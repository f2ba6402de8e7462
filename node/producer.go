package node

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/edgeflow-dev/edgeflow/frame"
)

// ProducerLoop returns the next payload to emit, or a nil payload to skip
// this tick. Returning an error skips emitting a frame for this tick; the
// producer logs the fault and continues on the next tick.
type ProducerLoop func(ctx context.Context) (payload []byte, meta map[string]any, err error)

// Producer wraps every non-nil ProducerLoop result in a Frame (stamping a
// fresh frame id and trace.t0) and fans it out via the output handlers,
// then sleeps to hold FPS.
type Producer struct {
	Base

	FPS  float64
	Loop ProducerLoop

	OnSetup    func(ctx context.Context) error
	OnTeardown func(ctx context.Context) error
}

// Kind implements Role.
func (p *Producer) Kind() string { return "producer" }

// Setup implements Role.
func (p *Producer) Setup(ctx context.Context) error {
	if p.OnSetup != nil {
		return p.OnSetup(ctx)
	}
	return nil
}

// Teardown implements Role.
func (p *Producer) Teardown(ctx context.Context) error {
	if p.OnTeardown != nil {
		return p.OnTeardown(ctx)
	}
	return nil
}

// RunLoop implements Role.
func (p *Producer) RunLoop(ctx context.Context) error {
	p.SetRunning(true)
	defer p.SetRunning(false)

	period := time.Second
	if p.FPS > 0 {
		period = time.Duration(float64(time.Second) / p.FPS)
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		payload, meta, err := p.callLoop(ctx)
		if err != nil {
			slog.Default().Error("node: producer loop failed, skipping tick", "node", p.Name, "error", err)
		} else if payload != nil {
			f := frame.New(p.NextFrameID(), payload, meta)
			SendResult(ctx, p.Outputs, f)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// callLoop invokes Loop, recovering a panic into an error so a user-code
// fault degrades to "log and skip this tick" rather than aborting the
// producer's RunLoop.
func (p *Producer) callLoop(ctx context.Context) (payload []byte, meta map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.Loop(ctx)
}

var _ Role = (*Producer)(nil)
