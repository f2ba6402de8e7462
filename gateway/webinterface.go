package gateway

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/valyala/fasthttp"

	"github.com/edgeflow-dev/edgeflow/broker"
	"github.com/edgeflow-dev/edgeflow/frame"
)

//go:embed assets/dashboard.html
var dashboardHTML []byte

const frameBoundary = "frameboundary"

// defaultTopic is the topic video routes fall back to when none is named.
const defaultTopic = "default"

// statsBroadcastInterval matches the teacher pack's 10Hz WebSocket update
// cadence.
const statsBroadcastInterval = 100 * time.Millisecond

// WebInterface hosts the external HTTP/MJPEG/WS surface over a fiber.App,
// grounded on the teacher's NewPipe (fiber.New + recover middleware +
// /health) generalized to the gateway's richer route set.
type WebInterface struct {
	Port int

	app *fiber.App
	gw  *Gateway

	mu          sync.Mutex
	buffers     map[string]*TimeJitterBuffer
	frameCounts map[string]int64
	fpsStats    map[string]float64
	lastFPSCalc time.Time
	latestMeta  map[string]map[string]any

	wsMu    sync.Mutex
	wsConns map[*websocket.Conn]bool

	// BufferDelay configures every per-topic TimeJitterBuffer.
	BufferDelay time.Duration
}

var _ Interface = (*WebInterface)(nil)

// Setup implements Interface.
func (w *WebInterface) Setup(ctx context.Context, gw *Gateway) error {
	w.gw = gw
	w.buffers = map[string]*TimeJitterBuffer{}
	w.frameCounts = map[string]int64{}
	w.fpsStats = map[string]float64{}
	w.latestMeta = map[string]map[string]any{}
	w.lastFPSCalc = time.Now()
	w.wsConns = map[*websocket.Conn]bool{}

	w.app = fiber.New(fiber.Config{DisableStartupMessage: true})
	w.app.Use(recover.New())

	w.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	w.app.Get("/dashboard", func(c *fiber.Ctx) error {
		c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
		return c.Send(dashboardHTML)
	})
	w.app.Get("/", func(c *fiber.Ctx) error {
		return c.Redirect("/dashboard")
	})
	w.app.Get("/video", func(c *fiber.Ctx) error {
		return w.streamTopic(c, defaultTopic)
	})
	w.app.Get("/video/:topic", func(c *fiber.Ctx) error {
		return w.streamTopic(c, c.Params("topic"))
	})
	w.app.Get("/api/fps", func(c *fiber.Ctx) error {
		return c.JSON(w.calculateFPS())
	})
	w.app.Get("/api/resources", func(c *fiber.Ctx) error {
		return c.JSON(w.resources(ctx))
	})
	w.app.Get("/api/status", func(c *fiber.Ctx) error {
		w.mu.Lock()
		defer w.mu.Unlock()
		return c.JSON(w.latestMeta)
	})

	w.app.Use("/ws/stats", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	w.app.Get("/ws/stats", websocket.New(func(c *websocket.Conn) {
		w.wsMu.Lock()
		w.wsConns[c] = true
		w.wsMu.Unlock()

		defer func() {
			w.wsMu.Lock()
			delete(w.wsConns, c)
			w.wsMu.Unlock()
			_ = c.Close()
		}()

		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))

	return nil
}

// OnFrame implements Interface: buffers f by topic and counts it toward
// the topic's FPS.
func (w *WebInterface) OnFrame(ctx context.Context, f *frame.Frame) {
	topic := f.Topic()
	if topic == "" {
		topic = defaultTopic
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	buf, ok := w.buffers[topic]
	if !ok {
		buf = &TimeJitterBuffer{Delay: w.BufferDelay}
		w.buffers[topic] = buf
	}
	buf.Push(f.Timestamp, f.Payload)
	w.frameCounts[topic]++

	if len(f.Meta) > 0 {
		meta, ok := w.latestMeta[topic]
		if !ok {
			meta = map[string]any{}
			w.latestMeta[topic] = meta
		}
		for k, v := range f.Meta {
			meta[k] = v
		}
	}
}

// RunLoop implements Interface: serves the fiber app and periodically
// broadcasts stats to connected WebSocket clients until ctx is canceled.
func (w *WebInterface) RunLoop(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.app.Listen(fmt.Sprintf(":%d", w.Port))
	}()

	ticker := time.NewTicker(statsBroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = w.app.Shutdown()
			return nil
		case err := <-errCh:
			return err
		case <-ticker.C:
			w.broadcastStats()
		}
	}
}

func (w *WebInterface) streamTopic(c *fiber.Ctx, topic string) error {
	c.Set(fiber.HeaderContentType, "multipart/x-mixed-replace; boundary="+frameBoundary)

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(writer *bufio.Writer) {
		for {
			w.mu.Lock()
			buf, ok := w.buffers[topic]
			var payload []byte
			if ok {
				payload = buf.Pop(time.Now())
			}
			w.mu.Unlock()

			if !ok {
				time.Sleep(10 * time.Millisecond)
				continue
			}

			if payload == nil {
				time.Sleep(10 * time.Millisecond)
				continue
			}

			if _, err := fmt.Fprintf(writer, "--%s\r\nContent-Type: image/jpeg\r\n\r\n", frameBoundary); err != nil {
				return
			}
			if _, err := writer.Write(payload); err != nil {
				return
			}
			if _, err := writer.WriteString("\r\n"); err != nil {
				return
			}
			if err := writer.Flush(); err != nil {
				return
			}
		}
	}))

	return nil
}

func (w *WebInterface) calculateFPS() map[string]float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	for topic := range w.buffers {
		if _, ok := w.fpsStats[topic]; !ok {
			w.fpsStats[topic] = 0
		}
	}

	elapsed := time.Since(w.lastFPSCalc)
	if elapsed >= time.Second {
		for topic, count := range w.frameCounts {
			w.fpsStats[topic] = float64(count) / elapsed.Seconds()
		}
		w.frameCounts = map[string]int64{}
		w.lastFPSCalc = time.Now()
	}

	out := make(map[string]float64, len(w.fpsStats))
	for k, v := range w.fpsStats {
		out[k] = v
	}
	return out
}

type resourceStats struct {
	Buffers map[string]broker.QueueStat `json:"buffers"`
	Queues  map[string]broker.QueueStat `json:"queues"`
}

func (w *WebInterface) resources(ctx context.Context) resourceStats {
	w.mu.Lock()
	buffers := make(map[string]broker.QueueStat, len(w.buffers))
	for topic, buf := range w.buffers {
		buffers[topic] = broker.QueueStat{Current: int64(buf.Len())}
	}
	w.mu.Unlock()

	queues := map[string]broker.QueueStat{}
	if w.gw != nil && w.gw.Broker != nil {
		if stats, err := w.gw.Broker.QueueStats(ctx); err == nil {
			queues = stats
		}
	}

	return resourceStats{Buffers: buffers, Queues: queues}
}

func (w *WebInterface) broadcastStats() {
	w.wsMu.Lock()
	conns := make([]*websocket.Conn, 0, len(w.wsConns))
	for c := range w.wsConns {
		conns = append(conns, c)
	}
	w.wsMu.Unlock()

	if len(conns) == 0 {
		return
	}

	var nodeMetrics map[string]map[string]any
	if w.gw != nil {
		nodeMetrics = w.gw.LatestMetrics()
	}

	payload, err := json.Marshal(fiber.Map{
		"fps":     w.calculateFPS(),
		"status":  w.latestMetaSnapshot(),
		"metrics": nodeMetrics,
	})
	if err != nil {
		return
	}

	for _, c := range conns {
		if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
			w.wsMu.Lock()
			delete(w.wsConns, c)
			w.wsMu.Unlock()
		}
	}
}

func (w *WebInterface) latestMetaSnapshot() map[string]map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]map[string]any, len(w.latestMeta))
	for k, v := range w.latestMeta {
		out[k] = v
	}
	return out
}
