package node

import (
	"context"
	"log/slog"
	"sync"

	"github.com/edgeflow-dev/edgeflow/frame"
	"github.com/edgeflow-dev/edgeflow/handler"
)

// SendResult dispatches f to every handler in outs concurrently; per the
// spec, a failure on one handler must not prevent the others from
// receiving the frame. Adapted from the teacher's channel.go relay, which
// fanned one source channel out to one sink channel — generalized here to
// fan one frame out to N independent handler sinks with error isolation
// instead of a channel-to-channel copy.
func SendResult(ctx context.Context, outs []handler.Handler, f *frame.Frame) {
	if len(outs) == 0 {
		return
	}

	var wg sync.WaitGroup
	wg.Add(len(outs))

	for _, out := range outs {
		out := out
		go func() {
			defer wg.Done()
			if err := out.Send(ctx, f); err != nil {
				slog.Default().Warn("node: output handler send failed", "error", err)
			}
		}()
	}

	wg.Wait()
}
