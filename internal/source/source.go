// Package source defines the contract the Fan-out Sink pulls frames
// through. The wire-level parsers that sit behind it - RTP depayloaders,
// SDP/session negotiation - are external collaborators; this package
// only fixes the interface shape.
package source

import "time"

// OnDelivered is invoked once a requested frame has been copied into
// the caller-supplied buffer. truncated is the number of trailing
// bytes that did not fit and were dropped; size is always <= the
// buffer capacity passed to GetNextFrame.
type OnDelivered func(size, truncated int, presentationTime time.Time, duration time.Duration)

// OnClosed is invoked instead of OnDelivered when the source has
// permanently ended (no more frames will ever be produced).
type OnClosed func()

// FrameSource is the contract a media pipeline exposes to the Sink.
// At most one GetNextFrame call may be outstanding at a time: the
// caller must not invoke it again until the previous call's callback
// (either one) has fired.
type FrameSource interface {
	// GetNextFrame copies the next complete elementary frame into buf
	// (up to len(buf) bytes) and calls onDelivered, or calls onClosed
	// if the source has ended. It must not block the caller: actual
	// delivery happens asynchronously via the callbacks.
	GetNextFrame(buf []byte, onDelivered OnDelivered, onClosed OnClosed)
}
