package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestIncomingCallHandler_UsesRequestHost(t *testing.T) {
	h := IncomingCallHandler{Greeting: "Please wait", ReadyPrompt: "Go ahead"}

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		req := httptest.NewRequest(method, "/incoming-call", nil)
		req.Host = "bridge.example.com"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("%s: status=%d body=%q", method, rr.Code, rr.Body.String())
		}
		if ct := rr.Header().Get("Content-Type"); ct != "text/xml" {
			t.Fatalf("%s: content-type=%q", method, ct)
		}
		body := rr.Body.String()
		if !strings.Contains(body, `url="wss://bridge.example.com/media-stream"`) {
			t.Fatalf("%s: missing stream url in %q", method, body)
		}
	}
}

func TestIncomingCallHandler_PublicHostWins(t *testing.T) {
	h := IncomingCallHandler{PublicHost: "public.example.com", Greeting: "a", ReadyPrompt: "b"}
	req := httptest.NewRequest(http.MethodPost, "/incoming-call", nil)
	req.Host = "internal:5050"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if !strings.Contains(rr.Body.String(), "wss://public.example.com/media-stream") {
		t.Fatalf("body=%q", rr.Body.String())
	}
}

func TestBuildConnectTwiML_Order(t *testing.T) {
	doc, err := BuildConnectTwiML("h.example", "Please wait", "Go ahead")
	if err != nil {
		t.Fatalf("BuildConnectTwiML: %v", err)
	}

	markers := []string{
		"<Response>",
		"<Say>Please wait</Say>",
		`<Pause length="1"`,
		"<Say>Go ahead</Say>",
		"<Connect>",
		`<Stream url="wss://h.example/media-stream"`,
		"</Connect>",
		"</Response>",
	}
	last := -1
	for _, m := range markers {
		idx := strings.Index(doc, m)
		if idx < 0 {
			t.Fatalf("missing %q in %q", m, doc)
		}
		if idx <= last {
			t.Fatalf("%q out of order in %q", m, doc)
		}
		last = idx
	}
}
