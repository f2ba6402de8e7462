package gateway_test

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/edgeflow-dev/edgeflow/frame"
	"github.com/edgeflow-dev/edgeflow/gateway"
	"github.com/edgeflow-dev/edgeflow/handler"
)

type recordingInterface struct {
	mu     sync.Mutex
	frames map[string]int
}

func newRecordingInterface() *recordingInterface {
	return &recordingInterface{frames: map[string]int{}}
}

func (r *recordingInterface) Setup(ctx context.Context, gw *gateway.Gateway) error { return nil }
func (r *recordingInterface) OnFrame(ctx context.Context, f *frame.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames[f.Topic()]++
}
func (r *recordingInterface) RunLoop(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (r *recordingInterface) count(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames[topic]
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func TestGatewayFanInSeparatesTopicsByChannel(t *testing.T) {
	port := freePort(t)
	rec := newRecordingInterface()

	gw := &gateway.Gateway{Host: "127.0.0.1", Port: port, Interfaces: []gateway.Interface{rec}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = gw.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	camHandler := &handler.TCP{Host: "127.0.0.1", Port: port, SourceID: "cam"}
	yoloHandler := &handler.TCP{Host: "127.0.0.1", Port: port, SourceID: "yolo"}

	for i := 0; i < 3; i++ {
		require.NoError(t, camHandler.Send(context.Background(), frame.New(uint32(i), []byte("c"), nil)))
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, yoloHandler.Send(context.Background(), frame.New(uint32(i), []byte("y"), nil)))
	}

	require.Eventually(t, func() bool {
		return rec.count("cam") == 3 && rec.count("yolo") == 5
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	wg.Wait()
}
