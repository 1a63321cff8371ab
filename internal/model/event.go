package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Outcome is the terminal result of one relay.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeUpstreamError  Outcome = "upstream_error"
	OutcomeTimeout        Outcome = "timeout"
	OutcomeTransportError Outcome = "transport_error"
	OutcomeCircuitOpen    Outcome = "circuit_open"
	OutcomeCanceled       Outcome = "canceled"
)

// TimeoutMessage is the error text of the event sent when the relay deadline passes.
const TimeoutMessage = "Stream timeout"

// ErrorEvent is the single structured event that ends a failed relay.
type ErrorEvent struct {
	Message    string
	StatusCode int
	Detail     *string
}

// NewStatusEvent reports a non-200 upstream status with its body as detail.
func NewStatusEvent(statusCode int, detail string) *ErrorEvent {
	return &ErrorEvent{
		Message:    fmt.Sprintf("Stream failed with status %d", statusCode),
		StatusCode: statusCode,
		Detail:     &detail,
	}
}

// NewTimeoutEvent reports that the overall relay deadline passed.
func NewTimeoutEvent() *ErrorEvent {
	return &ErrorEvent{Message: TimeoutMessage, StatusCode: 504}
}

// NewFailureEvent reports any other failure with the given status.
func NewFailureEvent(statusCode int, message string) *ErrorEvent {
	return &ErrorEvent{Message: message, StatusCode: statusCode}
}

// Frame renders the event as one SSE frame:
//
//	data: {"error": "...", "status_code": 503, "detail": "..."}\n\n
//
// The JSON uses ", " and ": " separators and escapes every non-printable or
// non-ASCII rune, so existing clients see byte-identical frames.
func (e *ErrorEvent) Frame() []byte {
	var b strings.Builder
	b.WriteString(`data: {"error": `)
	writeASCIIString(&b, e.Message)
	b.WriteString(`, "status_code": `)
	b.WriteString(strconv.Itoa(e.StatusCode))
	if e.Detail != nil {
		b.WriteString(`, "detail": `)
		writeASCIIString(&b, *e.Detail)
	}
	b.WriteString("}\n\n")
	return []byte(b.String())
}

func writeASCIIString(b *strings.Builder, s string) {
	const hex = "0123456789abcdef"
	b.WriteByte('"')
	for _, r := range s {
		switch {
		case r == '"':
			b.WriteString(`\"`)
		case r == '\\':
			b.WriteString(`\\`)
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\t':
			b.WriteString(`\t`)
		case r == '\b':
			b.WriteString(`\b`)
		case r == '\f':
			b.WriteString(`\f`)
		case r >= 0x20 && r <= 0x7e:
			b.WriteRune(r)
		case r > 0xffff:
			// Outside the BMP: encode as a UTF-16 surrogate pair.
			r -= 0x10000
			writeUnicodeEscape(b, hex, 0xd800+(r>>10))
			writeUnicodeEscape(b, hex, 0xdc00+(r&0x3ff))
		default:
			writeUnicodeEscape(b, hex, r)
		}
	}
	b.WriteByte('"')
}

func writeUnicodeEscape(b *strings.Builder, hex string, r rune) {
	b.WriteString(`\u`)
	b.WriteByte(hex[(r>>12)&0xf])
	b.WriteByte(hex[(r>>8)&0xf])
	b.WriteByte(hex[(r>>4)&0xf])
	b.WriteByte(hex[r&0xf])
}
