package telephony

import (
	"encoding/json"
	"fmt"
	"strings"
)

type EventKind int

const (
	EventOther EventKind = iota
	EventStart
	EventMedia
	EventStop
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventMedia:
		return "media"
	case EventStop:
		return "stop"
	default:
		return "other"
	}
}

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// MediaFormat is the audio shape Twilio announces in the start event.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type Start struct {
	StreamSID   string            `json:"streamSid"`
	AccountSID  string            `json:"accountSid,omitempty"`
	CallSID     string            `json:"callSid,omitempty"`
	Tracks      []string          `json:"tracks,omitempty"`
	MediaFormat MediaFormat       `json:"mediaFormat"`
	Custom      map[string]string `json:"customParameters,omitempty"`
}

type Media struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type Mark struct {
	Name string `json:"name"`
}

// Event is one decoded inbound Media Streams message. Tag keeps the raw
// event name so EventOther values stay loggable.
type Event struct {
	Kind           EventKind
	Tag            string
	SequenceNumber string
	StreamSID      string
	Start          *Start
	Media          *Media
	Mark           *Mark
}

type inboundEnvelope struct {
	Event          string `json:"event"`
	SequenceNumber string `json:"sequenceNumber"`
	StreamSID      string `json:"streamSid"`
	Start          *Start `json:"start"`
	Media          *Media `json:"media"`
	Mark           *Mark  `json:"mark"`
}

func DecodeEvent(data []byte) (Event, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, badRequest("invalid json frame", "")
	}
	tag := strings.TrimSpace(env.Event)
	if tag == "" {
		return Event{}, badRequest("missing event", "event")
	}

	ev := Event{
		Tag:            tag,
		SequenceNumber: env.SequenceNumber,
		StreamSID:      env.StreamSID,
	}
	switch tag {
	case "start":
		if env.Start == nil {
			return Event{}, badRequest("start payload is required", "start")
		}
		if strings.TrimSpace(env.Start.StreamSID) == "" {
			env.Start.StreamSID = env.StreamSID
		}
		if strings.TrimSpace(env.Start.StreamSID) == "" {
			return Event{}, badRequest("start.streamSid is required", "streamSid")
		}
		ev.Kind = EventStart
		ev.Start = env.Start
		ev.StreamSID = env.Start.StreamSID
	case "media":
		if env.Media == nil || env.Media.Payload == "" {
			return Event{}, badRequest("media.payload is required", "payload")
		}
		ev.Kind = EventMedia
		ev.Media = env.Media
	case "stop":
		ev.Kind = EventStop
	case "mark":
		ev.Kind = EventOther
		ev.Mark = env.Mark
	default:
		ev.Kind = EventOther
	}
	return ev, nil
}

type outboundMedia struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid"`
	Media     outboundBody `json:"media"`
}

type outboundBody struct {
	Payload string `json:"payload"`
}

type outboundMark struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Mark      Mark   `json:"mark"`
}

type outboundClear struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

// EncodeMedia builds the outbound media command that plays payload on the call.
func EncodeMedia(streamSID, payload string) ([]byte, error) {
	if strings.TrimSpace(streamSID) == "" {
		return nil, badRequest("streamSid is required", "streamSid")
	}
	return json.Marshal(outboundMedia{
		Event:     "media",
		StreamSID: streamSID,
		Media:     outboundBody{Payload: payload},
	})
}

func EncodeMark(streamSID, name string) ([]byte, error) {
	if strings.TrimSpace(streamSID) == "" {
		return nil, badRequest("streamSid is required", "streamSid")
	}
	if strings.TrimSpace(name) == "" {
		return nil, badRequest("mark.name is required", "name")
	}
	return json.Marshal(outboundMark{Event: "mark", StreamSID: streamSID, Mark: Mark{Name: name}})
}

// EncodeClear asks Twilio to drop any buffered outbound audio.
func EncodeClear(streamSID string) ([]byte, error) {
	if strings.TrimSpace(streamSID) == "" {
		return nil, badRequest("streamSid is required", "streamSid")
	}
	return json.Marshal(outboundClear{Event: "clear", StreamSID: streamSID})
}
