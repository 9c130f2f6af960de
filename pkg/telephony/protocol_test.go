package telephony

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeEvent_Start(t *testing.T) {
	raw := []byte(`{
		"event":"start",
		"sequenceNumber":"1",
		"start":{
			"streamSid":"SID1",
			"callSid":"CA123",
			"tracks":["inbound"],
			"mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1}
		},
		"streamSid":"SID1"
	}`)

	ev, err := DecodeEvent(raw)
	if err != nil {
		t.Fatalf("DecodeEvent() error = %v", err)
	}
	if ev.Kind != EventStart {
		t.Fatalf("kind=%v, want start", ev.Kind)
	}
	if ev.StreamSID != "SID1" || ev.Start.CallSID != "CA123" {
		t.Fatalf("event=%+v start=%+v", ev, ev.Start)
	}
	if ev.Start.MediaFormat.SampleRate != 8000 {
		t.Fatalf("sample_rate=%d", ev.Start.MediaFormat.SampleRate)
	}
}

func TestDecodeEvent_StartFallsBackToTopLevelStreamSID(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"event":"start","start":{"callSid":"CA1"},"streamSid":"SID9"}`))
	if err != nil {
		t.Fatalf("DecodeEvent() error = %v", err)
	}
	if ev.StreamSID != "SID9" || ev.Start.StreamSID != "SID9" {
		t.Fatalf("stream_sid=%q start=%q", ev.StreamSID, ev.Start.StreamSID)
	}
}

func TestDecodeEvent_Media(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"event":"media","media":{"track":"inbound","chunk":"2","timestamp":"40","payload":"AAAA"}}`))
	if err != nil {
		t.Fatalf("DecodeEvent() error = %v", err)
	}
	if ev.Kind != EventMedia || ev.Media.Payload != "AAAA" {
		t.Fatalf("event=%+v", ev)
	}
}

func TestDecodeEvent_StopAndUnknownTags(t *testing.T) {
	cases := []struct {
		raw  string
		want EventKind
	}{
		{`{"event":"stop","streamSid":"SID1","stop":{"callSid":"CA1"}}`, EventStop},
		{`{"event":"connected","protocol":"Call","version":"1.0.0"}`, EventOther},
		{`{"event":"mark","mark":{"name":"m1"}}`, EventOther},
		{`{"event":"dtmf","dtmf":{"digit":"1"}}`, EventOther},
	}
	for _, tc := range cases {
		raw, want := tc.raw, tc.want
		ev, err := DecodeEvent([]byte(raw))
		if err != nil {
			t.Fatalf("DecodeEvent(%s) error = %v", raw, err)
		}
		if ev.Kind != want {
			t.Fatalf("DecodeEvent(%s) kind=%v, want %v", raw, ev.Kind, want)
		}
		if ev.Tag == "" {
			t.Fatalf("DecodeEvent(%s) lost tag", raw)
		}
	}
}

func TestDecodeEvent_Errors(t *testing.T) {
	cases := []struct {
		raw   string
		param string
	}{
		{`not json`, ""},
		{`{"streamSid":"SID1"}`, "event"},
		{`{"event":"start","start":{}}`, "streamSid"},
		{`{"event":"start"}`, "start"},
		{`{"event":"media","media":{}}`, "payload"},
		{`{"event":"media"}`, "payload"},
		{`{"event":"media","media":{"payload":""}}`, "payload"},
	}
	for _, tc := range cases {
		raw, param := tc.raw, tc.param
		_, err := DecodeEvent([]byte(raw))
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Fatalf("DecodeEvent(%s) err=%v, want DecodeError", raw, err)
		}
		if de.Param != param {
			t.Fatalf("DecodeEvent(%s) param=%q, want %q", raw, de.Param, param)
		}
	}
}

func TestEncodeMedia(t *testing.T) {
	data, err := EncodeMedia("SID1", "BBBB")
	if err != nil {
		t.Fatalf("EncodeMedia() error = %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["event"] != "media" || got["streamSid"] != "SID1" {
		t.Fatalf("got=%v", got)
	}
	media, _ := got["media"].(map[string]any)
	if media["payload"] != "BBBB" {
		t.Fatalf("media=%v", media)
	}
}

func TestEncode_RequiresStreamSID(t *testing.T) {
	if _, err := EncodeMedia("", "BBBB"); err == nil {
		t.Fatalf("EncodeMedia without streamSid should fail")
	}
	if _, err := EncodeMark(" ", "m"); err == nil {
		t.Fatalf("EncodeMark without streamSid should fail")
	}
	if _, err := EncodeClear(""); err == nil {
		t.Fatalf("EncodeClear without streamSid should fail")
	}
}

func TestEncodeMarkAndClear(t *testing.T) {
	data, err := EncodeMark("SID1", "turn-1")
	if err != nil {
		t.Fatalf("EncodeMark() error = %v", err)
	}
	if string(data) != `{"event":"mark","streamSid":"SID1","mark":{"name":"turn-1"}}` {
		t.Fatalf("mark=%s", data)
	}
	data, err = EncodeClear("SID1")
	if err != nil {
		t.Fatalf("EncodeClear() error = %v", err)
	}
	if string(data) != `{"event":"clear","streamSid":"SID1"}` {
		t.Fatalf("clear=%s", data)
	}
}
