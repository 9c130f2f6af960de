package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-callbridge/pkg/gateway/config"
	"github.com/vango-go/vai-callbridge/pkg/realtime"
)

func testConfig() config.Config {
	return config.Config{
		OpenAIAPIKey:           "sk-test",
		OpenAIRealtimeURL:      realtime.DefaultURL,
		OpenAIRealtimeModel:    realtime.DefaultModel,
		OpenAIDialAttempts:     1,
		OpenAIDialBackoff:      10 * time.Millisecond,
		OpenAIHandshakeTimeout: 2 * time.Second,
		Voice:                  realtime.DefaultVoice,
		Instructions:           "be brief",
		Temperature:            realtime.DefaultTemperature,
		AudioFormat:            realtime.AudioFormatG711ULaw,
		ConfigDelay:            10 * time.Millisecond,
		WSWriteTimeout:         time.Second,
		WSPingInterval:         time.Second,
		WSQueueSize:            16,
		WSMaxMessageBytes:      1 << 20,
		Greeting:               config.DefaultGreeting,
		ReadyPrompt:            config.DefaultReadyPrompt,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestServer_UnknownRoute_ReturnsJSON404(t *testing.T) {
	s := New(testConfig(), testLogger(), nil)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%q", ct)
	}
	if !strings.Contains(rr.Body.String(), `"type":"not_found_error"`) {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID header")
	}
}

func TestServer_RootRoute_Reachable(t *testing.T) {
	s := New(testConfig(), testLogger(), nil)

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "Twilio Media Stream Server is running") {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}
}

func TestServer_IncomingCallRoute_ReturnsTwiML(t *testing.T) {
	s := New(testConfig(), testLogger(), nil)

	req := httptest.NewRequest(http.MethodPost, "/incoming-call", strings.NewReader("CallSid=CA1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Host = "bridge.example.com"
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/xml" {
		t.Fatalf("content-type=%q", ct)
	}
	if !strings.Contains(rr.Body.String(), "wss://bridge.example.com/media-stream") {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}
}

func TestServer_DrainingFlipsReadiness(t *testing.T) {
	s := New(testConfig(), testLogger(), nil)

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("ready status=%d body=%q", rr.Code, rr.Body.String())
	}

	s.SetDraining(true)
	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("draining status=%d body=%q", rr.Code, rr.Body.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if !s.WaitCalls(ctx) {
		t.Fatalf("expected WaitCalls to return true with no calls")
	}
}

// fakeRealtime is an OpenAI Realtime endpoint that records client frames.
type fakeRealtime struct {
	srv      *httptest.Server
	auth     chan string
	conns    chan *websocket.Conn
	received chan map[string]any
	closed   chan struct{}
}

func newFakeRealtime(t *testing.T) *fakeRealtime {
	t.Helper()
	f := &fakeRealtime{
		auth:     make(chan string, 1),
		conns:    make(chan *websocket.Conn, 1),
		received: make(chan map[string]any, 16),
		closed:   make(chan struct{}),
	}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.auth <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.created","event_id":"ev_1"}`))
		f.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				close(f.closed)
				return
			}
			var msg map[string]any
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			f.received <- msg
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRealtime) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case msg := <-f.received:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for realtime frame")
		return nil
	}
}

func readTwilio(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read twilio frame: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal twilio frame: %v", err)
	}
	return msg
}

func TestServer_MediaStream_RelaysCallEndToEnd(t *testing.T) {
	ai := newFakeRealtime(t)

	cfg := testConfig()
	cfg.OpenAIRealtimeURL = "ws" + strings.TrimPrefix(ai.srv.URL, "http")
	s := New(cfg, testLogger(), nil)
	bridgeSrv := httptest.NewServer(s.Handler())
	t.Cleanup(bridgeSrv.Close)

	wsURL := "ws" + strings.TrimPrefix(bridgeSrv.URL, "http") + "/media-stream"
	caller, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial media stream: %v", err)
	}
	defer caller.Close()

	if err := caller.WriteMessage(websocket.TextMessage, []byte(`{"event":"start","start":{"streamSid":"SID1","callSid":"CA1"}}`)); err != nil {
		t.Fatalf("write start: %v", err)
	}

	select {
	case got := <-ai.auth:
		if got != "Bearer sk-test" {
			t.Fatalf("authorization=%q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("ai leg was never dialed")
	}
	var aiConn *websocket.Conn
	select {
	case aiConn = <-ai.conns:
	case <-time.After(2 * time.Second):
		t.Fatalf("ai leg never opened")
	}

	update := ai.next(t)
	if update["type"] != "session.update" {
		t.Fatalf("first ai frame type=%v, want session.update", update["type"])
	}
	session, _ := update["session"].(map[string]any)
	if session["input_audio_format"] != "g711_ulaw" || session["voice"] != "alloy" {
		t.Fatalf("session=%v", session)
	}

	if err := caller.WriteMessage(websocket.TextMessage, []byte(`{"event":"media","media":{"payload":"AAAA"}}`)); err != nil {
		t.Fatalf("write media: %v", err)
	}
	appended := ai.next(t)
	if appended["type"] != "input_audio_buffer.append" || appended["audio"] != "AAAA" {
		t.Fatalf("append=%v", appended)
	}

	if err := aiConn.WriteMessage(websocket.TextMessage, []byte(`{"type":"response.audio.delta","delta":"BBBB"}`)); err != nil {
		t.Fatalf("write delta: %v", err)
	}
	out := readTwilio(t, caller)
	media, _ := out["media"].(map[string]any)
	if out["event"] != "media" || out["streamSid"] != "SID1" || media["payload"] != "BBBB" {
		t.Fatalf("twilio frame=%v", out)
	}

	if err := caller.WriteMessage(websocket.TextMessage, []byte(`{"event":"media","media":{"payload":"CCCC"}}`)); err != nil {
		t.Fatalf("write media: %v", err)
	}
	appended = ai.next(t)
	if appended["audio"] != "CCCC" {
		t.Fatalf("append=%v", appended)
	}

	// Hanging up the caller closes the AI leg and ends the call.
	_ = caller.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	select {
	case <-ai.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("ai leg was not closed after hangup")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !s.WaitCalls(ctx) {
		t.Fatalf("call still active: %d", s.ActiveCalls())
	}
}
