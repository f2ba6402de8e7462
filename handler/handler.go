// Package handler implements the output adapters a node fans a frame out
// through: a broker-publish handler and a TCP-sender handler with framing
// and reconnect. Grounded on the teacher's edge/http and edge/pubsub
// adapters and on pipe.go's Publisher interface, generalized from "send to
// an HTTP/pubsub edge" to "send to a broker topic or a raw TCP socket" —
// the only two protocols the spec's WiringEnvelope recognizes.
package handler

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/edgeflow-dev/edgeflow/broker"
	"github.com/edgeflow-dev/edgeflow/frame"
)

// Handler is the output adapter interface every node's SendResult fans a
// frame out to.
type Handler interface {
	Send(ctx context.Context, f *frame.Frame) error
	Close() error
}

// Broker publishes frames to a broker topic and optionally trims the
// control stream after every publish.
type Broker struct {
	Broker    broker.Broker
	Topic     string
	QueueSize int64
}

// Send encodes the frame, publishes it to Topic, then trims when QueueSize
// is configured. Publishing is fire-and-forget from the caller's
// perspective: broker-internal retries apply, and Send only reports
// encode/publish-call errors, never downstream broker unavailability
// beyond what the broker itself surfaces synchronously.
func (h *Broker) Send(ctx context.Context, f *frame.Frame) error {
	b, err := frame.Encode(f)
	if err != nil {
		return fmt.Errorf("handler: broker: encode: %w", err)
	}

	if err := h.Broker.Push(ctx, h.Topic, b); err != nil {
		return fmt.Errorf("handler: broker: push: %w", err)
	}

	if h.QueueSize > 0 {
		if err := h.Broker.Trim(ctx, h.Topic, h.QueueSize); err != nil {
			return fmt.Errorf("handler: broker: trim: %w", err)
		}
	}

	return nil
}

// Close is a no-op: the underlying broker connection is owned by the node,
// not the handler.
func (h *Broker) Close() error { return nil }

// defaultConnectTimeout bounds how long TCP.Send waits to (re)connect,
// matching the spec's 500ms contract.
const defaultConnectTimeout = 500 * time.Millisecond

// TCP sends frames to a Gateway's fan-in TCP port, framing each with a
// big-endian uint32 length prefix. Before framing, it overwrites
// frame.meta.topic with SourceID so the Gateway can tell which edge
// produced it.
type TCP struct {
	Host     string
	Port     int
	SourceID string

	ConnectTimeout time.Duration

	mu   sync.Mutex
	conn net.Conn
}

// Send implements Handler. On connect or write failure it closes and nils
// the socket and returns; the next Send reconnects. It never blocks the
// caller longer than ConnectTimeout on the reconnect path.
func (h *TCP) Send(ctx context.Context, f *frame.Frame) error {
	// Mutate a clone so sibling handlers fanned the same frame out to
	// don't observe this handler's topic rewrite.
	tagged := f.Clone()
	tagged.SetTopic(h.SourceID)

	b, err := frame.Encode(tagged)
	if err != nil {
		return fmt.Errorf("handler: tcp: encode: %w", err)
	}

	conn, err := h.connection()
	if err != nil {
		return fmt.Errorf("handler: tcp: connect: %w", err)
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(b)))

	if _, err := conn.Write(header); err != nil {
		h.reset()
		return fmt.Errorf("handler: tcp: write header: %w", err)
	}
	if _, err := conn.Write(b); err != nil {
		h.reset()
		return fmt.Errorf("handler: tcp: write body: %w", err)
	}

	return nil
}

func (h *TCP) connection() (net.Conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.conn != nil {
		return h.conn, nil
	}

	timeout := h.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", h.Host, h.Port), timeout)
	if err != nil {
		return nil, err
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	h.conn = conn
	return conn, nil
}

func (h *TCP) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn != nil {
		_ = h.conn.Close()
		h.conn = nil
	}
}

// Close implements Handler.
func (h *TCP) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == nil {
		return nil
	}
	err := h.conn.Close()
	h.conn = nil
	return err
}

var (
	_ Handler = (*Broker)(nil)
	_ Handler = (*TCP)(nil)
)
