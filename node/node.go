// Package node implements the polymorphic node lifecycle: a shared header
// (Base) plus five role strategies (Producer, Consumer, Fusion, Sink, and
// the Gateway role living in package gateway) sharing the lifecycle
// contract {Setup, RunLoop, Teardown}. Grounded on the teacher's vertex.go
// tagged-variant-plus-middleware pattern: metrics, then span, then
// recover, wrapped around the role's run loop in that order.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/edgeflow-dev/edgeflow/broker"
	"github.com/edgeflow-dev/edgeflow/handler"
	"github.com/edgeflow-dev/edgeflow/telemetry"
)

// FaultError wraps an error surfaced by a node's lifecycle stage with the
// context needed to attribute it: which node, which role, which stage.
type FaultError struct {
	NodeName string
	Role     string
	Stage    string
	Err      error
	When     time.Time
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("node %s (%s) %s: %v", e.NodeName, e.Role, e.Stage, e.Err)
}

func (e *FaultError) Unwrap() error { return e.Err }

// Role is the capability set every node role implements.
type Role interface {
	// Kind returns the role tag used in metrics/trace attributes
	// ("producer", "consumer", "fusion", "sink", "gateway").
	Kind() string

	// Setup runs once before RunLoop, after handlers are installed.
	Setup(ctx context.Context) error

	// RunLoop runs until ctx is canceled. It owns its own iteration
	// cadence (FPS sleep for Producer, blocking Pop for Consumer/Sink,
	// polling ticks for Fusion).
	RunLoop(ctx context.Context) error

	// Teardown runs once after RunLoop returns, even on cancellation.
	Teardown(ctx context.Context) error
}

// Base is the shared header every role embeds: identity, wiring-derived
// input topics, and the output fan-out list.
type Base struct {
	Name     string
	Hostname string
	// InstanceID is a process-lifetime-scoped identifier (distinct from
	// Hostname, which is shared across replicas in one consumer group)
	// logged in the bootstrap CLI's startup line to tell one running
	// process apart, grounded on the teacher's NewPipe(uuid.New().String(), ...)
	// per-instance id.
	InstanceID  string
	InputTopics []string
	Outputs     []handler.Handler
	nextFrameID uint32
	running     atomic.Bool
}

// NewBase returns a Base with Hostname defaulted from the environment, per
// the spec's rule that consumer-instance identity defaults to the host
// identifier, and a freshly minted InstanceID.
func NewBase(name string, inputTopics []string, outputs []handler.Handler) Base {
	host := os.Getenv("HOSTNAME")
	if host == "" {
		host, _ = os.Hostname()
	}
	return Base{
		Name:        name,
		Hostname:    host,
		InstanceID:  uuid.New().String(),
		InputTopics: inputTopics,
		Outputs:     outputs,
	}
}

// NextFrameID returns a fresh, monotonically increasing frame id scoped to
// this node, used by Producer and any role minting new frames.
func (b *Base) NextFrameID() uint32 {
	return atomic.AddUint32(&b.nextFrameID, 1) - 1
}

// Running reports whether RunLoop is currently active.
func (b *Base) Running() bool { return b.running.Load() }

// SetRunning flips the running flag; roles call this at the top and
// bottom of RunLoop.
func (b *Base) SetRunning(v bool) { b.running.Store(v) }

// Execute runs the node lifecycle on a role whose handlers the caller has
// already installed: Setup, RunLoop (until ctx is canceled), and finally
// Teardown. The run loop is wrapped, innermost first, with recover, span,
// and metrics instrumentation — the same layering order as the teacher's
// vertex middleware stack.
func Execute(ctx context.Context, name string, r Role) error {
	stage := "setup"
	if err := r.Setup(ctx); err != nil {
		return &FaultError{NodeName: name, Role: r.Kind(), Stage: stage, Err: err, When: time.Now()}
	}

	run := instrument(name, r)

	stage = "run_loop"
	runErr := run(ctx)

	if tErr := r.Teardown(ctx); tErr != nil && runErr == nil {
		runErr = tErr
		stage = "teardown"
	}

	if runErr != nil {
		return &FaultError{NodeName: name, Role: r.Kind(), Stage: stage, Err: runErr, When: time.Now()}
	}
	return nil
}

// instrument wraps r.RunLoop with recover (innermost), span, then metrics,
// mirroring vertex.go's v.span() / v.metrics() / v.recover() layering.
func instrument(name string, r Role) func(context.Context) error {
	h := r.RunLoop

	h = withRecover(name, r.Kind(), h)
	h = withSpan(name, r.Kind(), h)
	h = withMetrics(name, r.Kind(), h)

	return h
}

func withRecover(name, role string, next func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				if e, ok := rec.(error); ok {
					err = fmt.Errorf("panic recovery in %s/%s: %w", name, role, e)
				} else {
					err = fmt.Errorf("panic recovery in %s/%s: %v", name, role, rec)
				}
			}
		}()
		return next(ctx)
	}
}

// withSpan brackets next in a span, routed through the telemetry package's
// slog.Handler bridge (SpanStart/SpanEnd) rather than calling the otel
// tracer directly, so run-loop spans and ordinary log lines share one
// pipe. If the process hasn't installed a telemetry.Handler as its slog
// default, these calls are filtered out by the default handler's level
// check and simply cost a no-op.
func withSpan(name, role string, next func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		ctx = telemetry.SpanStart(ctx, name, slog.String("role", role))
		defer telemetry.SpanEnd(ctx, name, slog.String("role", role))
		return next(ctx)
	}
}

func withMetrics(name, role string, next func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		attrs := []slog.Attr{slog.String("node", name), slog.String("role", role)}
		start := time.Now()
		telemetry.Int64Counter(ctx, "edgeflow.node.runs", 1, attrs...)
		err := next(ctx)
		telemetry.Float64Histogram(ctx, "edgeflow.node.run_loop_duration_seconds", time.Since(start).Seconds(), attrs...)
		return err
	}
}

// BootstrapContext carries everything a Factory needs that the blueprint
// and wiring resolution compute on the node's behalf: its pre-populated
// Base (name, hostname, input topics, output handlers), the broker handle,
// and the node's own declared configuration bag.
type BootstrapContext struct {
	Base   Base
	Broker broker.Broker
	Config map[string]any
}

// Factory builds a Role instance from a node's bootstrap context.
type Factory func(ctx BootstrapContext) (Role, error)

var (
	registryMu sync.Mutex
	registry   = map[string]Factory{}
)

// Register associates a node path (the dotted class-path string a
// blueprint names a node by) with a Factory, grounded on the teacher's
// plugins.go RegisterPluginProvider pattern generalized from per-vertex
// plugin kinds to per-node role classes.
func Register(path string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[path] = factory
}

// Build resolves path to a Role via its registered Factory.
func Build(path string, ctx BootstrapContext) (Role, error) {
	registryMu.Lock()
	factory, ok := registry[path]
	registryMu.Unlock()

	if !ok {
		return nil, fmt.Errorf("node: no factory registered for path %q", path)
	}
	return factory(ctx)
}
