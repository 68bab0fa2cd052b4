package server_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/eschmidbauer/moshi/internal/config"
	"github.com/eschmidbauer/moshi/internal/observe"
	"github.com/eschmidbauer/moshi/internal/server"
	"github.com/eschmidbauer/moshi/internal/session"
	"github.com/eschmidbauer/moshi/internal/transcript"
	"github.com/eschmidbauer/moshi/internal/vad"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// testRate keeps audio payloads in the tests tiny.
const testRate = 100

func testTrackerConfig() transcript.Config {
	return transcript.Config{
		VAD: vad.Config{
			SampleRate:      testRate,
			FrameLength:     10,
			EnergyThreshold: 0.01,
			MinSilence:      0.3,
		},
		FinalizeAfter: 0.5,
	}
}

// startServer launches the ingest server on an httptest listener and returns
// the server together with its session manager.
func startServer(t *testing.T) (*httptest.Server, *session.Manager) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	mgr := session.NewManager(testTrackerConfig(), m)

	mux := http.NewServeMux()
	server.New(mgr, m, config.FormatS16LE, testRate).Register(mux)
	// The ingest listener runs behind the HTTP middleware in production, so
	// upgrades must hijack through its response wrapper here too.
	srv := httptest.NewServer(observe.Middleware(m)(mux))
	t.Cleanup(srv.Close)
	return srv, mgr
}

// dial opens a client connection to the ingest endpoint.
func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream" + query
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

// readJSON reads one text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal %q: %v", data, err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("writeJSON marshal: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("writeJSON: %v", err)
	}
}

// writeBinary sends one binary audio frame.
func writeBinary(t *testing.T, conn *websocket.Conn, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		t.Fatalf("writeBinary: %v", err)
	}
}

// s16le encodes float samples as little-endian 16-bit PCM.
func s16le(samples []float32) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(s*math.MaxInt16)))
	}
	return out
}

func tone(n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = 0.5
	}
	return s
}

func silence(n int) []float32 { return make([]float32, n) }

type wireUpdate struct {
	Text      string   `json:"text"`
	StartTime float64  `json:"start_time"`
	StopTime  *float64 `json:"stop_time"`
	IsFinal   bool     `json:"is_final"`
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestStream_WordEventsRoundTrip(t *testing.T) {
	srv, _ := startServer(t)
	conn := dial(t, srv, "")

	writeJSON(t, conn, map[string]any{"type": "word", "word": "hello", "start_time": 1.2})
	var u wireUpdate
	readJSON(t, conn, &u)
	if u.Text != "hello" || u.StartTime != 1.2 || u.StopTime != nil || u.IsFinal {
		t.Fatalf("unexpected first update: %+v", u)
	}

	writeJSON(t, conn, map[string]any{"type": "word", "word": "world", "start_time": 1.6})
	readJSON(t, conn, &u)
	if u.Text != "hello world" || u.StartTime != 1.2 {
		t.Fatalf("unexpected second update: %+v", u)
	}

	writeJSON(t, conn, map[string]any{"type": "end_word", "stop_time": 2.1})
	readJSON(t, conn, &u)
	if u.StopTime == nil || *u.StopTime != 2.1 || u.IsFinal {
		t.Fatalf("unexpected end_word update: %+v", u)
	}

	writeJSON(t, conn, map[string]any{"type": "finalize"})
	readJSON(t, conn, &u)
	if !u.IsFinal || u.Text != "hello world" || u.StopTime == nil || *u.StopTime != 2.1 {
		t.Fatalf("unexpected final update: %+v", u)
	}
}

func TestStream_AudioTimerFinalizes(t *testing.T) {
	srv, _ := startServer(t)
	conn := dial(t, srv, "")

	writeJSON(t, conn, map[string]any{"type": "word", "word": "done", "start_time": 0.0})
	var u wireUpdate
	readJSON(t, conn, &u)

	// 0.1s of voice followed by 0.9s of silence crosses both the detector's
	// 0.3s hangover and the 0.5s finalize timer.
	writeBinary(t, conn, s16le(tone(10)))
	writeBinary(t, conn, s16le(silence(90)))

	readJSON(t, conn, &u)
	if !u.IsFinal || u.Text != "done" {
		t.Fatalf("expected timer-driven final update, got %+v", u)
	}
	if u.StopTime == nil || *u.StopTime != 0.1 {
		t.Fatalf("expected stop at last voice time 0.1, got %+v", u.StopTime)
	}
}

func TestStream_ResetDropsSegment(t *testing.T) {
	srv, _ := startServer(t)
	conn := dial(t, srv, "")

	writeJSON(t, conn, map[string]any{"type": "word", "word": "scrap", "start_time": 0.5})
	var u wireUpdate
	readJSON(t, conn, &u)

	writeJSON(t, conn, map[string]any{"type": "reset"})
	// Reset produces no update; the next word starts a fresh segment.
	writeJSON(t, conn, map[string]any{"type": "word", "word": "fresh", "start_time": 4.0})
	readJSON(t, conn, &u)
	if u.Text != "fresh" || u.StartTime != 4.0 {
		t.Fatalf("expected fresh segment after reset, got %+v", u)
	}
}

func TestStream_UnknownEventReturnsError(t *testing.T) {
	srv, _ := startServer(t)
	conn := dial(t, srv, "")

	writeJSON(t, conn, map[string]any{"type": "bogus"})
	var reply struct {
		Type  string `json:"type"`
		Error string `json:"error"`
	}
	readJSON(t, conn, &reply)
	if reply.Type != "error" || reply.Error == "" {
		t.Fatalf("expected error reply, got %+v", reply)
	}

	// The connection survives a bad event.
	writeJSON(t, conn, map[string]any{"type": "word", "word": "still", "start_time": 0.1})
	var u wireUpdate
	readJSON(t, conn, &u)
	if u.Text != "still" {
		t.Fatalf("connection unusable after error: %+v", u)
	}
}

func TestStream_OddLengthAudioReturnsError(t *testing.T) {
	srv, _ := startServer(t)
	conn := dial(t, srv, "")

	writeBinary(t, conn, []byte{0x01})
	var reply struct {
		Type string `json:"type"`
	}
	readJSON(t, conn, &reply)
	if reply.Type != "error" {
		t.Fatalf("expected error reply for odd payload, got %+v", reply)
	}
}

func TestStream_UnsupportedFormatRejected(t *testing.T) {
	srv, _ := startServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream?format=mp3"
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, resp, err := websocket.Dial(ctx, url, nil)
	if err == nil {
		conn.Close(websocket.StatusNormalClosure, "unexpected")
		t.Fatal("expected dial to fail for unsupported format")
	}
	if resp != nil && resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestStream_CloseFinalizesSession(t *testing.T) {
	srv, mgr := startServer(t)
	conn := dial(t, srv, "")

	writeJSON(t, conn, map[string]any{"type": "word", "word": "bye", "start_time": 0.2})
	var u wireUpdate
	readJSON(t, conn, &u)
	if mgr.Len() != 1 {
		t.Fatalf("expected 1 live session, got %d", mgr.Len())
	}

	conn.Close(websocket.StatusNormalClosure, "done")

	deadline := time.Now().Add(3 * time.Second)
	for mgr.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session was not closed after client disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
