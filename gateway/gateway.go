// Package gateway implements the terminal fan-in node: a TCP server that
// accepts framed uploads from TcpHandlers and broadcasts each decoded
// frame to every registered Interface, plus the metrics-subscription loop
// that mirrors node run-loop stats into a shared table the interfaces can
// expose. Grounded on the teacher's pipe.go (fiber.App + /health,
// graceful shutdown on ctx.Done) generalized from "one HTTP server hosting
// developer streams" to "one TCP fan-in server hosting pluggable output
// interfaces".
package gateway

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/edgeflow-dev/edgeflow/broker"
	"github.com/edgeflow-dev/edgeflow/frame"
)

// Interface is a pluggable consumer of frames arriving at the Gateway.
type Interface interface {
	Setup(ctx context.Context, gw *Gateway) error
	OnFrame(ctx context.Context, f *frame.Frame)
	RunLoop(ctx context.Context) error
}

// Gateway is the terminal node: TCP fan-in plus a metrics table shared
// across every registered Interface.
type Gateway struct {
	Name   string
	Host   string
	Port   int
	Broker broker.Broker
	Logger *slog.Logger

	Interfaces []Interface

	mu            sync.Mutex
	activeClients map[string]bool
	metrics       map[string]map[string]any
}

// ActiveClientCount reports how many TCP fan-in connections are currently
// open.
func (gw *Gateway) ActiveClientCount() int {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return len(gw.activeClients)
}

// LatestMetrics returns a snapshot of the most recent metrics payload
// received per source node.
func (gw *Gateway) LatestMetrics() map[string]map[string]any {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	out := make(map[string]map[string]any, len(gw.metrics))
	for k, v := range gw.metrics {
		out[k] = v
	}
	return out
}

func (gw *Gateway) logger() *slog.Logger {
	if gw.Logger != nil {
		return gw.Logger
	}
	return slog.Default()
}

// Run starts the TCP fan-in listener, sets up every Interface, launches
// each Interface's RunLoop, and (if Broker is set) the metrics listener.
// It blocks until ctx is canceled.
func (gw *Gateway) Run(ctx context.Context) error {
	gw.mu.Lock()
	gw.activeClients = map[string]bool{}
	gw.metrics = map[string]map[string]any{}
	gw.mu.Unlock()

	for _, iface := range gw.Interfaces {
		if err := iface.Setup(ctx, gw); err != nil {
			return fmt.Errorf("gateway: interface setup: %w", err)
		}
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", gw.Host, gw.Port))
	if err != nil {
		return fmt.Errorf("gateway: listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		gw.acceptLoop(ctx, ln)
	}()

	for _, iface := range gw.Interfaces {
		iface := iface
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := iface.RunLoop(ctx); err != nil && ctx.Err() == nil {
				gw.logger().Error("gateway: interface run loop failed", "error", err)
			}
		}()
	}

	if gw.Broker != nil && gw.Name != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gw.metricsLoop(ctx)
		}()
	}

	wg.Wait()
	return nil
}

func (gw *Gateway) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			gw.logger().Warn("gateway: accept failed", "error", err)
			continue
		}

		go gw.handleConn(ctx, conn)
	}
}

func (gw *Gateway) handleConn(ctx context.Context, conn net.Conn) {
	addr := conn.RemoteAddr().String()

	gw.mu.Lock()
	gw.activeClients[addr] = true
	count := len(gw.activeClients)
	gw.mu.Unlock()
	gw.logger().Info("gateway: client connected", "addr", addr, "active", count)

	defer func() {
		_ = conn.Close()
		gw.mu.Lock()
		delete(gw.activeClients, addr)
		count := len(gw.activeClients)
		gw.mu.Unlock()
		gw.logger().Info("gateway: client disconnected", "addr", addr, "active", count)
	}()

	header := make([]byte, 4)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(header)

		body := make([]byte, n)
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}

		f, err := frame.Decode(body, frame.AvoidDecode())
		if err != nil {
			continue
		}
		f.Mark("gateway_in")

		var wg sync.WaitGroup
		for _, iface := range gw.Interfaces {
			iface := iface
			wg.Add(1)
			go func() {
				defer wg.Done()
				iface.OnFrame(ctx, f)
			}()
		}
		wg.Wait()
	}
}

// metricsLoop subscribes to the system's {name}:metrics pub/sub channel
// and merges every payload into gw.metrics keyed by node_name, mirroring
// the teacher-era Redis subscription handler generalized from log
// tailing to metrics-table maintenance.
func (gw *Gateway) metricsLoop(ctx context.Context) {
	channel := gw.Name + ":metrics"
	err := gw.Broker.Subscribe(ctx, channel, func(payload []byte) {
		var data map[string]any
		if err := json.Unmarshal(payload, &data); err != nil {
			return
		}
		nodeName, _ := data["node_name"].(string)
		if nodeName == "" {
			return
		}
		gw.mu.Lock()
		gw.metrics[nodeName] = data
		gw.mu.Unlock()
	})
	if err != nil && ctx.Err() == nil {
		gw.logger().Error("gateway: metrics subscribe failed", "error", err)
	}
}
