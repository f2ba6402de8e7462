// Package frame implements the wire codec for EdgeFlow frames: the atomic
// unit exchanged between nodes. See the wire layout in the project spec —
// a big-endian, length-prefixed header followed by a JSON meta blob and an
// opaque payload tail.
package frame

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// headerSize is the fixed portion of the wire format: frame_id (4) +
// timestamp (8) + meta_len (4).
const headerSize = 16

// TraceKey is the reserved meta key holding the per-stage timestamp trace.
const TraceKey = "trace"

// TopicKey is the reserved meta key identifying the producing node.
const TopicKey = "topic"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MalformedFrame is returned by Decode when bytes cannot be parsed into a
// Frame. The caller must discard the packet; it is never retried.
type MalformedFrame struct {
	Reason string
}

func (e *MalformedFrame) Error() string {
	return fmt.Sprintf("frame: malformed frame: %s", e.Reason)
}

// Frame is the on-wire unit of transmission. It is immutable once sent and
// consumed exactly once per downstream node under DURABLE QoS, or at most
// once under REALTIME.
type Frame struct {
	ID        uint32
	Timestamp float64
	Meta      map[string]any
	Payload   []byte

	avoidDecode bool
}

// New creates a Frame and stamps meta.trace.t0 at creation time, matching
// the producer-side contract in the spec.
func New(id uint32, payload []byte, meta map[string]any) *Frame {
	if meta == nil {
		meta = map[string]any{}
	}

	f := &Frame{
		ID:        id,
		Timestamp: nowSeconds(),
		Meta:      meta,
		Payload:   payload,
	}

	if _, ok := f.trace()["t0"]; !ok {
		f.Mark("t0")
	}

	return f
}

// Mark stamps meta.trace[stage] = now().
func (f *Frame) Mark(stage string) {
	f.trace()[stage] = nowSeconds()
}

// Topic returns meta.topic, or "" if unset.
func (f *Frame) Topic() string {
	v, _ := f.Meta[TopicKey].(string)
	return v
}

// SetTopic sets meta.topic, as TcpHandler does before framing a send.
func (f *Frame) SetTopic(topic string) {
	if f.Meta == nil {
		f.Meta = map[string]any{}
	}
	f.Meta[TopicKey] = topic
}

// Latency returns trace.gateway_in - trace.t0, the end-to-end latency
// defined by the spec, or false if either stamp is missing.
func (f *Frame) Latency() (time.Duration, bool) {
	trace := f.trace()
	t0, ok := toFloat(trace["t0"])
	if !ok {
		return 0, false
	}
	in, ok := toFloat(trace["gateway_in"])
	if !ok {
		return 0, false
	}
	return time.Duration((in - t0) * float64(time.Second)), true
}

func (f *Frame) trace() map[string]any {
	if f.Meta == nil {
		f.Meta = map[string]any{}
	}
	t, ok := f.Meta[TraceKey].(map[string]any)
	if !ok {
		t = map[string]any{}
		f.Meta[TraceKey] = t
	}
	return t
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// Clone returns a deep copy of the frame, used whenever a single frame is
// fanned out to multiple output handlers that may each mutate their own
// view (e.g. TcpHandler overwriting meta.topic) without affecting siblings.
func (f *Frame) Clone() *Frame {
	out := &Frame{
		ID:        f.ID,
		Timestamp: f.Timestamp,
		Payload:   append([]byte(nil), f.Payload...),
		Meta:      cloneMeta(f.Meta),
	}
	return out
}

func cloneMeta(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneMeta(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// Encode serializes the Frame to its wire format. The meta map is encoded
// with a numeric-array-safe JSON encoder so that scalar numeric metadata
// (as would come from an inference result) round-trips as canonical JSON
// rather than failing to serialize.
func Encode(f *Frame) ([]byte, error) {
	metaBytes, err := json.Marshal(f.Meta)
	if err != nil {
		return nil, fmt.Errorf("frame: encode meta: %w", err)
	}

	out := make([]byte, headerSize+len(metaBytes)+len(f.Payload))
	binary.BigEndian.PutUint32(out[0:4], f.ID)
	binary.BigEndian.PutUint64(out[4:12], math.Float64bits(f.Timestamp))
	binary.BigEndian.PutUint32(out[12:16], uint32(len(metaBytes)))
	copy(out[16:16+len(metaBytes)], metaBytes)
	copy(out[16+len(metaBytes):], f.Payload)

	return out, nil
}

// DecodeOption configures Decode.
type DecodeOption func(*decodeOptions)

type decodeOptions struct {
	avoidDecode bool
}

// AvoidDecode tells the caller's downstream (e.g. the Gateway's zero-copy
// fan-out path) that the payload must not be re-encoded. The codec itself
// always treats payload as opaque bytes either way; this option exists so
// callers can express and check that intent.
func AvoidDecode() DecodeOption {
	return func(o *decodeOptions) { o.avoidDecode = true }
}

// AvoidedDecode reports whether the Frame was decoded with AvoidDecode.
func AvoidedDecode(f *Frame) bool {
	return f != nil && f.avoidDecode
}

// Decode parses bytes into a Frame. It fails with *MalformedFrame when
// len(b) < 16, when meta_len exceeds the remaining bytes, or when the meta
// JSON fails to parse. The caller must discard the packet on error; it is
// never retried by this package.
func Decode(b []byte, opts ...DecodeOption) (*Frame, error) {
	if len(b) < headerSize {
		return nil, &MalformedFrame{Reason: fmt.Sprintf("length %d < %d", len(b), headerSize)}
	}

	var o decodeOptions
	for _, opt := range opts {
		opt(&o)
	}

	id := binary.BigEndian.Uint32(b[0:4])
	ts := math.Float64frombits(binary.BigEndian.Uint64(b[4:12]))
	metaLen := binary.BigEndian.Uint32(b[12:16])

	if int(metaLen) > len(b)-headerSize {
		return nil, &MalformedFrame{Reason: fmt.Sprintf("meta_len %d exceeds remaining %d bytes", metaLen, len(b)-headerSize)}
	}

	metaBytes := b[headerSize : headerSize+int(metaLen)]
	meta := map[string]any{}
	if len(metaBytes) > 0 {
		if err := json.Unmarshal(metaBytes, &meta); err != nil {
			return nil, &MalformedFrame{Reason: fmt.Sprintf("meta json: %v", err)}
		}
	}

	payload := b[headerSize+int(metaLen):]
	payloadCopy := payload
	if !o.avoidDecode {
		payloadCopy = append([]byte(nil), payload...)
	}

	return &Frame{
		ID:          id,
		Timestamp:   ts,
		Meta:        meta,
		Payload:     payloadCopy,
		avoidDecode: o.avoidDecode,
	}, nil
}
