package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/edgeflow-dev/edgeflow/broker"
	"github.com/edgeflow-dev/edgeflow/frame"
)

// FusionLoop is called once all input topics yield a matched frame set, in
// InputTopics order (base topic first). Returning a nil payload suppresses
// output for this match.
type FusionLoop func(ctx context.Context, frames []*frame.Frame) (payload []byte, meta map[string]any, err error)

// defaultRingSize is the per-topic buffer bound (spec default 50).
const defaultRingSize = 50

// defaultPollInterval is how long Fusion waits on each topic's short poll
// before moving to the next, matching the original implementation's 10ms
// per-topic pop timeout.
const defaultPollInterval = 10 * time.Millisecond

// Fusion subscribes to multiple input topics, buffers arrivals per topic in
// a bounded ring, and matches frames across topics within a time window.
type Fusion struct {
	Base

	Broker broker.Broker
	QoS    broker.QoS
	Slop   time.Duration
	Ring   int

	Loop FusionLoop

	OnSetup    func(ctx context.Context) error
	OnTeardown func(ctx context.Context) error

	buffers map[string][]*frame.Frame
}

// Kind implements Role.
func (f *Fusion) Kind() string { return "fusion" }

// Setup implements Role.
func (f *Fusion) Setup(ctx context.Context) error {
	if f.Ring <= 0 {
		f.Ring = defaultRingSize
	}
	f.buffers = make(map[string][]*frame.Frame, len(f.InputTopics))
	for _, t := range f.InputTopics {
		f.buffers[t] = nil
	}
	if f.OnSetup != nil {
		return f.OnSetup(ctx)
	}
	return nil
}

// Teardown implements Role.
func (f *Fusion) Teardown(ctx context.Context) error {
	if f.OnTeardown != nil {
		return f.OnTeardown(ctx)
	}
	return nil
}

// RunLoop implements Role.
func (f *Fusion) RunLoop(ctx context.Context) error {
	f.SetRunning(true)
	defer f.SetRunning(false)

	if len(f.InputTopics) == 0 {
		return errors.New("node: fusion has no input topics")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		for _, topic := range f.InputTopics {
			raw, err := f.Broker.Pop(ctx, topic, f.QoS, broker.ReadOptions{
				Group:    f.Name,
				Consumer: f.Hostname,
				Timeout:  defaultPollInterval,
			})
			if err != nil {
				return err
			}
			if raw == nil {
				continue
			}
			fr, err := frame.Decode(raw)
			if err != nil {
				continue
			}
			f.push(topic, fr)
		}

		if err := f.trySync(ctx); err != nil {
			return err
		}
	}
}

// push appends fr to topic's ring, dropping the oldest entry once the ring
// exceeds its bound.
func (f *Fusion) push(topic string, fr *frame.Frame) {
	buf := append(f.buffers[topic], fr)
	if len(buf) > f.Ring {
		buf = buf[len(buf)-f.Ring:]
	}
	f.buffers[topic] = buf
}

func secondsSince(ts float64) time.Duration {
	return time.Duration((nowSecondsFusion() - ts) * float64(time.Second))
}

func nowSecondsFusion() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// trySync implements the base-topic matching algorithm: take the oldest
// frame on the base topic (InputTopics[0]) as target_ts, then for every
// other topic find and remove the frame whose timestamp is closest to
// target_ts within Slop. When all topics yield a match, call Loop and
// forward the result carrying the base frame's id/timestamp. When no full
// match exists, drop the base frame if it is either unmatchable (another
// topic's oldest entry is already past target_ts+Slop) or stale
// (now - target_ts > 2*Slop).
func (f *Fusion) trySync(ctx context.Context) error {
	baseTopic := f.InputTopics[0]
	baseBuf := f.buffers[baseTopic]
	if len(baseBuf) == 0 {
		return nil
	}

	base := baseBuf[0]
	targetTS := base.Timestamp

	matched := make([]*frame.Frame, 1, len(f.InputTopics))
	matched[0] = base
	matchedIdx := make(map[string]int, len(f.InputTopics)-1)

	allMatched := true
	for _, topic := range f.InputTopics[1:] {
		idx, m := f.findMatch(topic, targetTS)
		if m == nil {
			allMatched = false
			break
		}
		matched = append(matched, m)
		matchedIdx[topic] = idx
	}

	if allMatched {
		f.buffers[baseTopic] = baseBuf[1:]
		for _, topic := range f.InputTopics[1:] {
			f.removeAt(topic, matchedIdx[topic])
		}

		if f.Loop == nil {
			return nil
		}

		payload, meta, err := f.callLoop(ctx, matched)
		if err != nil {
			slog.Default().Error("node: fusion loop failed, dropping matched frame set", "node", f.Name, "error", err)
			return nil
		}
		if payload != nil {
			out := frame.New(base.ID, payload, meta)
			out.Timestamp = base.Timestamp
			SendResult(ctx, f.Outputs, out)
		}
		return nil
	}

	shouldDrop := false
	for _, topic := range f.InputTopics[1:] {
		buf := f.buffers[topic]
		if len(buf) > 0 && buf[0].Timestamp > targetTS+f.Slop.Seconds() {
			shouldDrop = true
			break
		}
	}
	if secondsSince(targetTS) > 2*f.Slop {
		shouldDrop = true
	}
	if shouldDrop {
		f.buffers[baseTopic] = baseBuf[1:]
	}

	return nil
}

// findMatch returns the index and frame in topic's buffer whose timestamp
// is closest to targetTS within Slop, or (-1, nil) if none qualifies.
func (f *Fusion) findMatch(topic string, targetTS float64) (int, *frame.Frame) {
	slopSeconds := f.Slop.Seconds()
	best := -1
	minDiff := math.Inf(1)
	var bestFrame *frame.Frame

	for i, fr := range f.buffers[topic] {
		diff := fr.Timestamp - targetTS
		if diff < 0 {
			diff = -diff
		}
		if diff <= slopSeconds && diff < minDiff {
			minDiff = diff
			best = i
			bestFrame = fr
		}
	}
	return best, bestFrame
}

func (f *Fusion) removeAt(topic string, idx int) {
	if idx < 0 {
		return
	}
	buf := f.buffers[topic]
	f.buffers[topic] = append(buf[:idx], buf[idx+1:]...)
}

// callLoop invokes Loop, recovering a panic into an error so a user-code
// fault degrades to "log and drop this matched frame set" rather than
// aborting the fusion node's RunLoop.
func (f *Fusion) callLoop(ctx context.Context, frames []*frame.Frame) (payload []byte, meta map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return f.Loop(ctx, frames)
}

var _ Role = (*Fusion)(nil)
