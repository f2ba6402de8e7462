package handler_test

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/edgeflow-dev/edgeflow/broker"
	"github.com/edgeflow-dev/edgeflow/frame"
	"github.com/edgeflow-dev/edgeflow/handler"
)

func acceptOneFrame(t *testing.T, ln net.Listener) <-chan *frame.Frame {
	t.Helper()
	out := make(chan *frame.Frame, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(out)
			return
		}
		defer conn.Close()

		header := make([]byte, 4)
		if _, err := readFull(conn, header); err != nil {
			close(out)
			return
		}
		n := binary.BigEndian.Uint32(header)
		body := make([]byte, n)
		if _, err := readFull(conn, body); err != nil {
			close(out)
			return
		}

		f, err := frame.Decode(body)
		if err != nil {
			close(out)
			return
		}
		out <- f
	}()
	return out
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestTCPSendSetsTopicToSourceID(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port := 0
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}

	received := acceptOneFrame(t, ln)

	h := &handler.TCP{Host: host, Port: port, SourceID: "cam-0"}
	f := frame.New(1, []byte("hi"), map[string]any{"topic": "whatever"})

	require.NoError(t, h.Send(context.Background(), f))

	select {
	case got := <-received:
		require.NotNil(t, got)
		require.Equal(t, "cam-0", got.Topic())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}

	require.Equal(t, "whatever", f.Topic(), "sender's own frame must not be mutated")
}

func TestTCPSendReconnectsAfterFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port := 0
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}

	h := &handler.TCP{Host: host, Port: port, SourceID: "cam-0", ConnectTimeout: 100 * time.Millisecond}

	received := acceptOneFrame(t, ln)
	require.NoError(t, h.Send(context.Background(), frame.New(1, nil, nil)))
	<-received

	ln.Close()

	err = h.Send(context.Background(), frame.New(2, nil, nil))
	_ = err // the write may succeed onto a half-closed socket buffer before erroring on a later send

	ln2, err := net.Listen("tcp", host+":"+portStr)
	if err != nil {
		t.Skip("cannot rebind to same port in this environment")
	}
	defer ln2.Close()

	received2 := acceptOneFrame(t, ln2)

	require.Eventually(t, func() bool {
		sendErr := h.Send(context.Background(), frame.New(3, nil, nil))
		return sendErr == nil
	}, 2*time.Second, 50*time.Millisecond)

	select {
	case got := <-received2:
		require.NotNil(t, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reconnect frame")
	}
}

func TestBrokerHandlerTrimsWhenQueueSizeSet(t *testing.T) {
	b := &fakeBroker{}
	h := &handler.Broker{Broker: b, Topic: "cam", QueueSize: 10}

	require.NoError(t, h.Send(context.Background(), frame.New(1, []byte("x"), nil)))
	require.Equal(t, 1, b.pushes)
	require.Equal(t, 1, b.trims)
}

type fakeBroker struct {
	pushes int
	trims  int
}

func (f *fakeBroker) Push(ctx context.Context, topic string, frameBytes []byte) error {
	f.pushes++
	return nil
}
func (f *fakeBroker) Pop(ctx context.Context, topic string, qos broker.QoS, opts broker.ReadOptions) ([]byte, error) {
	return nil, nil
}
func (f *fakeBroker) Trim(ctx context.Context, topic string, n int64) error {
	f.trims++
	return nil
}
func (f *fakeBroker) QueueSize(ctx context.Context, topic string) (int64, error) { return 0, nil }
func (f *fakeBroker) QueueStats(ctx context.Context) (map[string]broker.QueueStat, error) {
	return nil, nil
}
func (f *fakeBroker) Reset(ctx context.Context) error { return nil }
func (f *fakeBroker) ToConfig() broker.Config         { return broker.Config{} }
func (f *fakeBroker) Publish(ctx context.Context, channel string, payload any) error { return nil }
func (f *fakeBroker) Subscribe(ctx context.Context, channel string, h func([]byte)) error {
	return nil
}
func (f *fakeBroker) Close() error { return nil }

var _ broker.Broker = (*fakeBroker)(nil)
