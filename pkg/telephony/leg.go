// Package telephony adapts a Twilio Media Streams websocket into typed call
// events and outbound media commands.
package telephony

import (
	"fmt"

	"github.com/vango-go/vai-callbridge/pkg/gateway/wsleg"
)

// Handler receives telephony leg events in arrival order from a single
// goroutine. OnTelephonyClose is always the last call.
type Handler interface {
	OnTelephonyEvent(ev Event)
	OnTelephonyMalformed(raw []byte, err error)
	OnTelephonyError(err error)
	OnTelephonyClose()
}

type Leg struct {
	ws *wsleg.Leg
}

func NewLeg(conn wsleg.Conn, cfg wsleg.Config) *Leg {
	return &Leg{ws: wsleg.New(conn, cfg)}
}

func (l *Leg) Start(h Handler) {
	l.ws.Start(dispatcher{h: h})
}

func (l *Leg) SendMedia(streamSID, payload string) error {
	data, err := EncodeMedia(streamSID, payload)
	if err != nil {
		return err
	}
	return l.send(data)
}

func (l *Leg) SendMark(streamSID, name string) error {
	data, err := EncodeMark(streamSID, name)
	if err != nil {
		return err
	}
	return l.send(data)
}

func (l *Leg) SendClear(streamSID string) error {
	data, err := EncodeClear(streamSID)
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
		return fmt.Errorf("telephony send: %w", err)
	}
	return nil
}

type dispatcher struct {
	h Handler
}

func (d dispatcher) OnMessage(data []byte) {
	ev, err := DecodeEvent(data)
	if err != nil {
		d.h.OnTelephonyMalformed(data, err)
		return
	}
	d.h.OnTelephonyEvent(ev)
}

func (d dispatcher) OnClose(err error) {
	if err != nil {
		d.h.OnTelephonyError(err)
	}
	d.h.OnTelephonyClose()
}
