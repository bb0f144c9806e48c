package engine

import "strings"

// transcriptAccumulator reconstructs the spoken expression from streamed
// fragments. The protocol has no explicit utterance-end signal: a fragment
// that arrives while the previous result is finalized starts a new utterance
// and clears the buffer first. Owned by the controller loop.
type transcriptAccumulator struct {
	buf       strings.Builder
	finalized bool
}

// Append adds one fragment and returns the current expression. If a result
// was finalized since the last fragment, the buffer is cleared before the
// append so the new utterance starts fresh.
func (a *transcriptAccumulator) Append(fragment string) string {
	if a.finalized {
		a.buf.Reset()
		a.finalized = false
	}
	a.buf.WriteString(fragment)
	return a.buf.String()
}

// MarkFinalized records that a result was produced for the current
// expression. The expression stays visible until the next fragment arrives.
func (a *transcriptAccumulator) MarkFinalized() {
	a.finalized = true
}

func (a *transcriptAccumulator) Reset() {
	a.buf.Reset()
	a.finalized = false
}

func (a *transcriptAccumulator) Expression() string {
	return a.buf.String()
}

func (a *transcriptAccumulator) Finalized() bool {
	return a.finalized
}
