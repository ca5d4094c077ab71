// Package protocol defines the relay's JSON frames: strict decoding of
// inbound frames into typed values and encoding of outbound frames.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind tags an inbound frame.
type Kind string

const (
	KindSetup     Kind = "setup"
	KindPrompt    Kind = "prompt"
	KindDTMF      Kind = "dtmf"
	KindInterrupt Kind = "interrupt"
	KindError     Kind = "error"
	KindMedia     Kind = "media"
	KindLanguage  Kind = "language"
)

// Error is returned for malformed or unexpected inbound frames. It is never
// fatal to the connection.
type Error struct {
	Code    string
	Message string
	Param   string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *Error {
	return &Error{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *Error {
	return &Error{Code: "unsupported", Message: message, Param: param}
}

// Inbound is one decoded relay frame. The concrete types below are the only
// implementations.
type Inbound interface {
	Kind() Kind
	inbound()
}

type Setup struct {
	CallID     string `json:"callSid"`
	WorkflowID string `json:"workflowId"`
	TrackingID string `json:"trackingId,omitempty"`
	Language   string `json:"language,omitempty"`
}

type Prompt struct {
	Text     string `json:"voicePrompt"`
	Language string `json:"lang,omitempty"`
}

type DTMF struct {
	Digit string `json:"digit"`
}

// Interrupt reports caller barge-in. UtteranceUntilInterrupt is the part of
// the reply the caller heard, when the relay provides it.
type Interrupt struct {
	UtteranceUntilInterrupt string `json:"utteranceUntilInterrupt,omitempty"`
}

type RelayError struct {
	Code    string `json:"code"`
	Message string `json:"description"`
}

type Media struct {
	Payload string `json:"payload"`
}

type LanguageSwitch struct {
	Language string `json:"language"`
}

func (Setup) Kind() Kind          { return KindSetup }
func (Prompt) Kind() Kind         { return KindPrompt }
func (DTMF) Kind() Kind           { return KindDTMF }
func (Interrupt) Kind() Kind      { return KindInterrupt }
func (RelayError) Kind() Kind     { return KindError }
func (Media) Kind() Kind          { return KindMedia }
func (LanguageSwitch) Kind() Kind { return KindLanguage }

func (Setup) inbound()          {}
func (Prompt) inbound()         {}
func (DTMF) inbound()           {}
func (Interrupt) inbound()      {}
func (RelayError) inbound()     {}
func (Media) inbound()          {}
func (LanguageSwitch) inbound() {}

// Decode parses a single inbound JSON frame.
func Decode(data []byte) (Inbound, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := Kind(strings.TrimSpace(envelope.Type))
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case KindSetup:
		var msg Setup
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid setup frame", "")
		}
		msg.CallID = strings.TrimSpace(msg.CallID)
		if msg.CallID == "" {
			return nil, badRequest("setup.callSid is required", "callSid")
		}
		msg.WorkflowID = strings.TrimSpace(msg.WorkflowID)
		msg.Language = strings.TrimSpace(msg.Language)
		return msg, nil
	case KindPrompt:
		var msg Prompt
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid prompt frame", "")
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badRequest("prompt.voicePrompt is required", "voicePrompt")
		}
		return msg, nil
	case KindDTMF:
		var msg DTMF
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid dtmf frame", "")
		}
		msg.Digit = strings.TrimSpace(msg.Digit)
		if !validDigit(msg.Digit) {
			return nil, badRequest("dtmf.digit must be one of 0-9, *, #, A-D", "digit")
		}
		return msg, nil
	case KindInterrupt:
		var msg Interrupt
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid interrupt frame", "")
		}
		return msg, nil
	case KindError:
		var msg RelayError
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid error frame", "")
		}
		return msg, nil
	case KindMedia:
		var msg Media
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid media frame", "")
		}
		if strings.TrimSpace(msg.Payload) == "" {
			return nil, badRequest("media.payload is required", "payload")
		}
		return msg, nil
	case KindLanguage:
		var msg LanguageSwitch
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid language frame", "")
		}
		msg.Language = strings.TrimSpace(msg.Language)
		if msg.Language == "" {
			return nil, badRequest("language.language is required", "language")
		}
		return msg, nil
	default:
		return nil, unsupported("unsupported message type", "type")
	}
}

func validDigit(d string) bool {
	if len(d) != 1 {
		return false
	}
	c := d[0]
	switch {
	case c >= '0' && c <= '9':
		return true
	case c == '*' || c == '#':
		return true
	case c >= 'A' && c <= 'D':
		return true
	}
	return false
}

// Voice selects the synthesized voice for a text frame.
type Voice struct {
	Name     string `json:"name,omitempty"`
	Language string `json:"language,omitempty"`
}

// Outbound is one frame written back to the relay.
type Outbound struct {
	Type         string `json:"type"`
	Text         string `json:"text,omitempty"`
	Voice        *Voice `json:"voice,omitempty"`
	AudioPayload string `json:"audioPayload,omitempty"`
}

const (
	OutboundText  = "text"
	OutboundMedia = "media"
	OutboundEnd   = "end"
)

// IsEnd reports whether the frame ends the call.
func (o Outbound) IsEnd() bool { return o.Type == OutboundEnd }

func Encode(o Outbound) ([]byte, error) {
	switch o.Type {
	case OutboundText, OutboundMedia, OutboundEnd:
	default:
		return nil, fmt.Errorf("unknown outbound frame type %q", o.Type)
	}
	return json.Marshal(o)
}
