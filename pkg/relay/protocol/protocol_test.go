package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestDecode_Setup(t *testing.T) {
	raw := []byte(`{"type":"setup","callSid":" CA123 ","workflowId":"wf-1","trackingId":"t-9","language":"es-MX"}`)

	msg, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	setup, ok := msg.(Setup)
	if !ok {
		t.Fatalf("decoded type = %T, want Setup", msg)
	}
	if setup.CallID != "CA123" || setup.WorkflowID != "wf-1" || setup.TrackingID != "t-9" || setup.Language != "es-MX" {
		t.Fatalf("setup=%+v", setup)
	}
	if setup.Kind() != KindSetup {
		t.Fatalf("kind=%q", setup.Kind())
	}
}

func TestDecode_AllKinds(t *testing.T) {
	cases := []struct {
		raw  string
		kind Kind
	}{
		{`{"type":"prompt","voicePrompt":"Hello"}`, KindPrompt},
		{`{"type":"dtmf","digit":"5"}`, KindDTMF},
		{`{"type":"interrupt"}`, KindInterrupt},
		{`{"type":"error","code":"64105","description":"tts failed"}`, KindError},
		{`{"type":"media","payload":"AAAA"}`, KindMedia},
		{`{"type":"language","language":"fr-FR"}`, KindLanguage},
	}
	for _, tc := range cases {
		msg, err := Decode([]byte(tc.raw))
		if err != nil {
			t.Fatalf("Decode(%s) error = %v", tc.raw, err)
		}
		if msg.Kind() != tc.kind {
			t.Fatalf("Decode(%s) kind=%q, want %q", tc.raw, msg.Kind(), tc.kind)
		}
	}
}

func TestDecode_Rejects(t *testing.T) {
	cases := []struct {
		name  string
		raw   string
		code  string
		param string
	}{
		{"invalid json", `{`, "bad_request", ""},
		{"missing type", `{"voicePrompt":"x"}`, "bad_request", "type"},
		{"unknown type", `{"type":"hangup"}`, "unsupported", "type"},
		{"setup without call", `{"type":"setup","workflowId":"wf"}`, "bad_request", "callSid"},
		{"empty prompt", `{"type":"prompt","voicePrompt":"   "}`, "bad_request", "voicePrompt"},
		{"bad digit", `{"type":"dtmf","digit":"55"}`, "bad_request", "digit"},
		{"empty media", `{"type":"media"}`, "bad_request", "payload"},
		{"empty language", `{"type":"language","language":""}`, "bad_request", "language"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.raw))
			var perr *Error
			if !errors.As(err, &perr) {
				t.Fatalf("err=%v (%T), want *Error", err, err)
			}
			if perr.Code != tc.code || perr.Param != tc.param {
				t.Fatalf("code=%q param=%q, want %q/%q", perr.Code, perr.Param, tc.code, tc.param)
			}
		})
	}
}

func TestError_MessageIncludesParam(t *testing.T) {
	err := badRequest("dtmf.digit is invalid", "digit")
	if !strings.Contains(err.Error(), "(digit)") {
		t.Fatalf("Error()=%q", err.Error())
	}
	var nilErr *Error
	if nilErr.Error() != "" {
		t.Fatalf("nil Error() should be empty")
	}
}

func TestEncode_TextFrame(t *testing.T) {
	data, err := Encode(Outbound{Type: OutboundText, Text: "Hola", Voice: &Voice{Name: "es-MX-Standard-A", Language: "es-MX"}})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != "text" || decoded["text"] != "Hola" {
		t.Fatalf("decoded=%v", decoded)
	}
	voice, _ := decoded["voice"].(map[string]any)
	if voice["language"] != "es-MX" {
		t.Fatalf("voice=%v", voice)
	}
	if _, ok := decoded["audioPayload"]; ok {
		t.Fatalf("audioPayload should be omitted: %s", data)
	}
}

func TestEncode_RejectsUnknownType(t *testing.T) {
	if _, err := Encode(Outbound{Type: "play"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestDecode_InterruptCarriesHeardUtterance(t *testing.T) {
	frame, err := Decode([]byte(`{"type":"interrupt","utteranceUntilInterrupt":"We open at"}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	in, ok := frame.(Interrupt)
	if !ok || in.UtteranceUntilInterrupt != "We open at" {
		t.Fatalf("frame=%#v", frame)
	}
}

func TestDecode_PromptIgnoresPartialMarker(t *testing.T) {
	frame, err := Decode([]byte(`{"type":"prompt","voicePrompt":"Hi there","lang":"es-MX","last":true}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if p, ok := frame.(Prompt); !ok || p.Text != "Hi there" || p.Language != "es-MX" {
		t.Fatalf("frame=%#v", frame)
	}
}
