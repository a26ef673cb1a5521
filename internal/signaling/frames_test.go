package signaling

import (
	"encoding/json"
	"testing"
)

func TestParseServerFrameHello(t *testing.T) {
	frame, err := parseServerFrame([]byte(`{
		"id": "1",
		"type": "hello",
		"hello": {
			"sessionid": "sess-1",
			"resumeid": "res-1",
			"server": {"features": ["mcu"], "version": "1.2.3"}
		}
	}`))
	if err != nil {
		t.Fatalf("parseServerFrame: %v", err)
	}
	if frame.ID != "1" || frame.Hello.SessionID != "sess-1" || frame.Hello.ResumeID != "res-1" {
		t.Fatalf("frame=%+v", frame)
	}
	if len(frame.Hello.Server.Features) != 1 || frame.Hello.Server.Features[0] != "mcu" {
		t.Fatalf("features=%v", frame.Hello.Server.Features)
	}
}

func TestParseServerFrameRejectsMissingPayload(t *testing.T) {
	for _, raw := range []string{
		`{"type": "hello"}`,
		`{"type": "hello", "hello": {}}`,
		`{"type": "room"}`,
		`{"type": "event"}`,
		`{"type": "event", "event": {}}`,
		`{"type": "message"}`,
		`{"type": "message", "message": {}}`,
		`{"type": "error"}`,
		`{}`,
		`not json`,
	} {
		if _, err := parseServerFrame([]byte(raw)); err == nil {
			t.Fatalf("expected error for %s", raw)
		}
	}
}

func TestParseServerFrameToleratesUnknownType(t *testing.T) {
	frame, err := parseServerFrame([]byte(`{"type": "welcome", "welcome": {}}`))
	if err != nil {
		t.Fatalf("parseServerFrame: %v", err)
	}
	if frame.Type != "welcome" {
		t.Fatalf("type=%q", frame.Type)
	}
}

func TestParseServerFrameEvent(t *testing.T) {
	frame, err := parseServerFrame([]byte(`{
		"type": "event",
		"event": {
			"target": "room",
			"type": "join",
			"join": [{"sessionid": "s1", "userid": "alice"}]
		}
	}`))
	if err != nil {
		t.Fatalf("parseServerFrame: %v", err)
	}
	if len(frame.Event.Join) != 1 || frame.Event.Join[0].UserID != "alice" {
		t.Fatalf("event=%+v", frame.Event)
	}
}

func TestAttachSender(t *testing.T) {
	out := attachSender(json.RawMessage(`{"type":"offer","sdp":"v=0"}`), "s9")
	var decoded map[string]any
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded["from"] != "s9" {
		t.Fatalf("from=%v", decoded["from"])
	}
	if decoded["type"] != "offer" {
		t.Fatalf("type=%v", decoded["type"])
	}
}

func TestAttachSenderPassesThroughNonObjects(t *testing.T) {
	raw := json.RawMessage(`[1,2,3]`)
	if got := attachSender(raw, "s9"); string(got) != `[1,2,3]` {
		t.Fatalf("got %s", got)
	}
	if got := attachSender(raw, ""); string(got) != `[1,2,3]` {
		t.Fatalf("got %s", got)
	}
}

func TestClientFrameOmitsEmptySections(t *testing.T) {
	encoded, err := json.Marshal(clientFrame{Type: "bye", Bye: &byeFrame{}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, ok := decoded["hello"]; ok {
		t.Fatalf("bye frame should not carry a hello section: %s", encoded)
	}
	if _, ok := decoded["id"]; ok {
		t.Fatalf("frame without id should omit the field: %s", encoded)
	}
}
