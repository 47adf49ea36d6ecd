package athena

import (
	"bytes"
)

const (
	dataField    = "data:"
	doneSentinel = "[DONE]"
)

var framingFields = [][]byte{[]byte(dataField), []byte("event:"), []byte("id:"), []byte("retry:")}

// isEventStream reports whether raw carries text/event-stream framing rather than a
// bare JSON document.
func isEventStream(raw []byte) bool {
	for line := range bytes.Lines(raw) {
		line = bytes.TrimSpace(line)
		if bytes.Equal(line, []byte(doneSentinel)) {
			return true
		}
		for _, field := range framingFields {
			if bytes.HasPrefix(line, field) {
				return true
			}
		}
	}
	return false
}

// unframe concatenates the payloads of all data lines in order. Empty payloads and the
// [DONE] sentinel are dropped; every other line is a control line and is ignored.
func unframe(raw []byte) []byte {
	var buf bytes.Buffer
	for line := range bytes.Lines(raw) {
		line = bytes.TrimSpace(line)
		payload, ok := bytes.CutPrefix(line, []byte(dataField))
		if !ok {
			continue
		}
		payload = bytes.TrimSpace(payload)
		if len(payload) == 0 || bytes.Equal(payload, []byte(doneSentinel)) {
			continue
		}
		buf.Write(payload)
	}
	return buf.Bytes()
}
