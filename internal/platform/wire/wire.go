// Package wire owns the cross-laboratory payload format. The format predates
// this implementation and must stay byte-compatible with partner instances:
// every field value that is not already a string is JSON-encoded into a
// string before transmission, and receivers decode string fields that look
// like JSON before use. That quirk is isolated here; nothing outside this
// package double-encodes or double-decodes.
package wire

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Consumer identifiers. These are wire constants shared with partner
// instances; changing them breaks interop.
const (
	ConsumerGeneric         = "senaite.referral.consumer"
	ConsumerInboundShipment = "senaite.referral.inbound_shipment"
	ConsumerOutboundSample  = "senaite.referral.outbound_sample"
)

// Payload is a decoded inbound POST body. Values may still carry the
// string-encoding quirk; use Decoded or the typed getters.
type Payload map[string]interface{}

// EncodeFields converts an outbound field map to the wire form: strings pass
// through, everything else is JSON-encoded into a string.
func EncodeFields(fields map[string]interface{}) (map[string]string, error) {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		s, err := EncodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("encode field %q: %w", k, err)
		}
		out[k] = s
	}
	return out, nil
}

// EncodeValue converts a single value to its wire string form.
func EncodeValue(v interface{}) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// DecodeValue reverses EncodeValue: a string that parses as JSON is decoded,
// anything else is returned as-is. Plain strings that happen to parse as JSON
// scalars ("true", "42") decode too; the format accepts that ambiguity.
func DecodeValue(v interface{}) interface{} {
	s, ok := v.(string)
	if !ok {
		return v
	}
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return s
	}
	switch trimmed[0] {
	case '{', '[', '"', 't', 'f', 'n', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var decoded interface{}
		if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
			return decoded
		}
	}
	return s
}

// String returns the payload value for key as a sanitized string. Non-string
// scalars are rendered through their wire form.
func (p Payload) String(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return Sanitize(s)
	}
	s, err := EncodeValue(v)
	if err != nil {
		return ""
	}
	return Sanitize(s)
}

// Decoded returns the payload value for key with the string-encoding quirk
// removed.
func (p Payload) Decoded(key string) interface{} {
	v, ok := p[key]
	if !ok {
		return nil
	}
	return DecodeValue(v)
}

// List returns the payload value for key as a slice, decoding the quirk if
// the list arrived JSON-encoded into a string.
func (p Payload) List(key string) []interface{} {
	v := p.Decoded(key)
	list, _ := v.([]interface{})
	return list
}

// SubPayload returns a nested object value as a Payload.
func (p Payload) SubPayload(key string) Payload {
	v := p.Decoded(key)
	m, _ := v.(map[string]interface{})
	if m == nil {
		return nil
	}
	return Payload(m)
}

// StringList returns the payload value for key as a list of sanitized
// strings, skipping non-string entries.
func (p Payload) StringList(key string) []string {
	var out []string
	for _, v := range p.List(key) {
		if s, ok := v.(string); ok {
			out = append(out, Sanitize(s))
		}
	}
	return out
}

// Sanitize trims whitespace and strips control characters from an inbound
// string value.
func Sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// datetimeLayouts are the formats partners are known to send.
var datetimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseDatetime parses a partner-supplied datetime string.
func ParseDatetime(s string) (time.Time, error) {
	s = Sanitize(s)
	for _, layout := range datetimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable datetime %q", s)
}

// FormatDatetime renders a datetime for outbound payloads.
func FormatDatetime(t time.Time) string {
	return t.Format(time.RFC3339)
}
