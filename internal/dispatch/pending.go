package dispatch

import "strings"

// PendingCalls accumulates streamed function-call arguments by call id. A
// buffer is created on the first fragment and reset, not removed, once taken.
type PendingCalls map[string]*strings.Builder

// Append adds fragment to the buffer for callID.
func (p PendingCalls) Append(callID, fragment string) {
	b, ok := p[callID]
	if !ok {
		b = &strings.Builder{}
		p[callID] = b
	}
	b.WriteString(fragment)
}

// Arguments returns the text buffered so far for callID.
func (p PendingCalls) Arguments(callID string) (string, bool) {
	b, ok := p[callID]
	if !ok {
		return "", false
	}
	return b.String(), true
}

// Take returns the buffered text for callID and resets the buffer to empty.
func (p PendingCalls) Take(callID string) string {
	b, ok := p[callID]
	if !ok {
		return ""
	}
	s := b.String()
	b.Reset()
	return s
}
