// Package realtime connects a call to the OpenAI Realtime speech API over a
// websocket and translates its event stream.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-callbridge/pkg/gateway/wsleg"
)

const (
	DefaultURL   = "wss://api.openai.com/v1/realtime"
	DefaultModel = "gpt-4o-realtime-preview-2024-10-01"
)

// Sender is the outbound half of an open AI leg.
type Sender interface {
	SendSessionUpdate(cfg SessionConfig) error
	AppendAudio(payload string) error
	Close() error
}

// Handler receives AI leg callbacks. OnAIOpen happens before any OnAIEvent;
// OnAIClose is always the last call for a dialed leg.
type Handler interface {
	OnAIOpen(leg Sender)
	OnAIEvent(ev ServerEvent)
	OnAIMalformed(raw []byte, err error)
	OnAIError(err error)
	OnAIClose()
}

// DialError reports a failed handshake. StatusCode is zero when no HTTP
// response was received.
type DialError struct {
	StatusCode int
	Err        error
}

func (e *DialError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("realtime dial: status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("realtime dial: %v", e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could succeed.
func (e *DialError) Retryable() bool {
	if errors.Is(e.Err, context.Canceled) {
		return false
	}
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

type Dialer struct {
	URL              string
	APIKey           string
	Model            string
	HandshakeTimeout time.Duration
	Leg              wsleg.Config
}

// Dial opens the AI leg, reports it through h.OnAIOpen, and only then starts
// reading so no server event can overtake the open signal.
func (d Dialer) Dial(ctx context.Context, h Handler) (*Leg, error) {
	if strings.TrimSpace(d.APIKey) == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	wsURL, err := buildRealtimeURL(d.URL, d.Model)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+strings.TrimSpace(d.APIKey))
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := *websocket.DefaultDialer
	if d.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = d.HandshakeTimeout
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		de := &DialError{Err: err}
		if resp != nil {
			de.StatusCode = resp.StatusCode
		}
		return nil, de
	}

	leg := &Leg{ws: wsleg.New(conn, d.Leg)}
	h.OnAIOpen(leg)
	leg.ws.Start(dispatcher{h: h})
	return leg, nil
}

// Connect is Dial for callers that only need the handler callbacks.
func (d Dialer) Connect(ctx context.Context, h Handler) error {
	_, err := d.Dial(ctx, h)
	return err
}

type Leg struct {
	ws *wsleg.Leg
}

func (l *Leg) SendSessionUpdate(cfg SessionConfig) error {
	data, err := EncodeSessionUpdate(cfg)
	if err != nil {
		return err
	}
	return l.send(data)
}

func (l *Leg) AppendAudio(payload string) error {
	data, err := EncodeAudioAppend(payload)
	if err != nil {
		return err
	}
	return l.send(data)
}

func (l *Leg) Close() error {
	return l.ws.Close()
}

func (l *Leg) send(data []byte) error {
	if err := l.ws.Send(data); err != nil {
		return fmt.Errorf("realtime send: %w", err)
	}
	return nil
}

type dispatcher struct {
	h Handler
}

func (d dispatcher) OnMessage(data []byte) {
	ev, err := DecodeServerEvent(data)
	if err != nil {
		d.h.OnAIMalformed(data, err)
		return
	}
	d.h.OnAIEvent(ev)
}

func (d dispatcher) OnClose(err error) {
	if err != nil {
		d.h.OnAIError(err)
	}
	d.h.OnAIClose()
}

func buildRealtimeURL(base, model string) (string, error) {
	if strings.TrimSpace(base) == "" {
		base = DefaultURL
	}
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("invalid realtime url: %w", err)
	}
	switch u.Scheme {
	case "":
		u.Scheme = "wss"
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	q := u.Query()
	if q.Get("model") == "" {
		model = strings.TrimSpace(model)
		if model == "" {
			model = DefaultModel
		}
		q.Set("model", model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
