package sip

import (
	"bytes"
	"strings"
	"unicode/utf8"

	pkg_errors "voip-server/pkg/errors"
)

// CRLF terminates every line of a SIP message and of its SDP body.
const CRLF = "\r\n"

// Message is a parsed SIP request or response.
type Message struct {
	// Method is the request method, empty for responses
	Method  string
	Headers Headers
	// Body is everything after the first empty line, untouched
	Body string
}

// IsRequest reports whether the message carried a request line
func (m *Message) IsRequest() bool {
	return m.Method != ""
}

// Headers maps lower-cased header names to trimmed values.
// A repeated header keeps only its last value.
type Headers map[string]string

// Get returns the value of name, matched case-insensitively
func (h Headers) Get(name string) string {
	return h[strings.ToLower(name)]
}

// Lookup returns the value of name and whether it was present
func (h Headers) Lookup(name string) (string, bool) {
	v, ok := h[strings.ToLower(name)]
	return v, ok
}

// Require fails with ErrMissingHeader on the first name that is absent
func (h Headers) Require(names ...string) error {
	for _, name := range names {
		if _, ok := h.Lookup(name); !ok {
			return pkg_errors.NewMissingHeader(strings.ToLower(name))
		}
	}
	return nil
}

// Clone returns an independent copy
func (h Headers) Clone() Headers {
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// HeaderField is a single outbound header. Order is significant when
// formatting, so outbound headers are a slice rather than a map.
type HeaderField struct {
	Name  string
	Value string
}

// Parse decodes one SIP message. It makes a single pass over the lines and
// never returns a partially populated message.
func Parse(raw []byte) (*Message, error) {
	if !utf8.Valid(raw) {
		return nil, pkg_errors.NewMalformedMessage("not valid UTF-8 text", map[string]interface{}{
			"size": len(raw),
		})
	}

	text := string(raw)
	msg := &Message{Headers: make(Headers)}

	pos := 0
	lineNo := 0
	for pos <= len(text) {
		line, next, last := nextLine(text, pos)

		switch {
		case lineNo == 0:
			fields := strings.Fields(line)
			if len(fields) == 0 {
				return nil, pkg_errors.NewMalformedMessage("empty start line")
			}
			if !strings.HasPrefix(fields[0], "SIP/") {
				msg.Method = fields[0]
			}
		case line == "":
			if !last {
				msg.Body = text[next:]
			}
			return msg, nil
		default:
			name, value, ok := strings.Cut(line, ":")
			if !ok {
				return nil, pkg_errors.NewMalformedMessage("header line without ':' separator", map[string]interface{}{
					"line": lineNo + 1,
				})
			}
			msg.Headers[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
		}

		if last {
			break
		}
		pos = next
		lineNo++
	}

	return msg, nil
}

// nextLine returns the line starting at pos without its terminator, the
// offset of the following line and whether this was the final line.
// CRLF is the SIP terminator; a bare LF is tolerated.
func nextLine(text string, pos int) (string, int, bool) {
	idx := strings.IndexByte(text[pos:], '\n')
	if idx < 0 {
		return strings.TrimSuffix(text[pos:], "\r"), len(text), true
	}
	return strings.TrimSuffix(text[pos:pos+idx], "\r"), pos + idx + 1, false
}

// Format serializes a response: the status line, each header in the given
// order, an empty line and the body. Content-Length is never computed here;
// callers pass it in the headers, measured from the body they built.
func Format(statusLine string, headers []HeaderField, body string) []byte {
	var buf bytes.Buffer
	buf.Grow(len(statusLine) + len(body) + 64*len(headers))

	buf.WriteString(statusLine)
	buf.WriteString(CRLF)
	for _, h := range headers {
		buf.WriteString(h.Name)
		buf.WriteString(": ")
		buf.WriteString(h.Value)
		buf.WriteString(CRLF)
	}
	buf.WriteString(CRLF)
	buf.WriteString(body)

	return buf.Bytes()
}
