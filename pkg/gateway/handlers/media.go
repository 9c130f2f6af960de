package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-callbridge/pkg/bridge"
	"github.com/vango-go/vai-callbridge/pkg/callevents"
	"github.com/vango-go/vai-callbridge/pkg/gateway/apierror"
	"github.com/vango-go/vai-callbridge/pkg/gateway/calls"
	"github.com/vango-go/vai-callbridge/pkg/gateway/wsleg"
	"github.com/vango-go/vai-callbridge/pkg/telephony"
)

// MediaStreamHandler accepts Twilio Media Streams websockets and bridges each
// one to a fresh AI leg for the lifetime of the call.
type MediaStreamHandler struct {
	Settings bridge.Settings
	AI       bridge.AIDialer
	Leg      wsleg.Config
	Events   callevents.Publisher
	Calls    *calls.Tracker
	Logger   *slog.Logger
}

func (h MediaStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if h.Calls.IsDraining() {
		writeErrorJSON(w, r, &apierror.Error{Type: apierror.ErrOverloaded, Message: "call bridge is draining", Code: "draining"})
		return
	}
	if h.AI == nil {
		writeErrorJSON(w, r, errors.New("media stream: no ai dialer configured"))
		return
	}

	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reqID := requestIDFrom(r)

	upgrader := websocket.Upgrader{
		// Twilio does not send an Origin header.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("media stream upgrade failed", "request_id", reqID, "error", err)
		return
	}

	callID := uuid.NewString()
	sess, err := bridge.New(bridge.Dependencies{
		CallID:    callID,
		Telephony: telephony.NewLeg(conn, h.Leg),
		AI:        h.AI,
		Settings:  h.Settings,
		Logger:    logger.With("request_id", reqID),
		Events:    h.Events,
	})
	if err != nil {
		logger.Error("bridge init failed", "request_id", reqID, "error", err)
		closeWithReason(conn, websocket.CloseInternalServerErr, "bridge init failed")
		return
	}

	unregister, err := h.Calls.Register(callID, calls.Handle{Close: func() { _ = sess.Close() }})
	if err != nil {
		logger.Warn("call rejected", "request_id", reqID, "call_id", callID, "error", err)
		closeWithReason(conn, websocket.CloseTryAgainLater, "draining")
		return
	}
	defer unregister()

	// Leg closes end the call; the request context only carries values here.
	if err := sess.Start(context.WithoutCancel(r.Context())); err != nil {
		logger.Error("bridge start failed", "request_id", reqID, "call_id", callID, "error", err)
		closeWithReason(conn, websocket.CloseInternalServerErr, "bridge start failed")
		return
	}
	<-sess.Done()
}

func closeWithReason(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(2*time.Second))
	_ = conn.Close()
}
