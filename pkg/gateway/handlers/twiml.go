package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/twilio/twilio-go/twiml"
)

const MediaStreamPath = "/media-stream"

// IncomingCallHandler answers Twilio's voice webhook with TwiML that greets the
// caller and connects the call audio to the media-stream websocket.
type IncomingCallHandler struct {
	// PublicHost overrides the request Host in the stream URL.
	PublicHost  string
	Greeting    string
	ReadyPrompt string
	Logger      *slog.Logger
}

func (h IncomingCallHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := strings.TrimSpace(h.PublicHost)
	if host == "" {
		host = r.Host
	}
	if host == "" {
		writeErrorJSON(w, r, fmt.Errorf("incoming call: no host for stream url"))
		return
	}

	doc, err := BuildConnectTwiML(host, h.Greeting, h.ReadyPrompt)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("twiml build failed", "request_id", requestIDFrom(r), "error", err)
		}
		writeErrorJSON(w, r, err)
		return
	}

	if h.Logger != nil {
		h.Logger.Info("incoming call",
			"request_id", requestIDFrom(r),
			"call_sid", r.FormValue("CallSid"),
			"stream_host", host,
		)
	}

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(doc))
}

// BuildConnectTwiML renders Say, Pause, Say, then Connect to the media stream.
func BuildConnectTwiML(host, greeting, readyPrompt string) (string, error) {
	verbs := []twiml.Element{
		&twiml.VoiceSay{Message: greeting},
		&twiml.VoicePause{Length: "1"},
		&twiml.VoiceSay{Message: readyPrompt},
		&twiml.VoiceConnect{
			InnerElements: []twiml.Element{
				&twiml.VoiceStream{Url: "wss://" + host + MediaStreamPath},
			},
		},
	}
	doc, err := twiml.Voice(verbs)
	if err != nil {
		return "", fmt.Errorf("render twiml: %w", err)
	}
	return doc, nil
}
