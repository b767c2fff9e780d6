package stream

import "errors"

// ErrSinkClosed reports a write against a consumer that is gone. Cursors
// treat it as cancellation, not failure: clients legitimately disconnect
// mid-stream.
var ErrSinkClosed = errors.New("stream: sink closed")

// Sink is the byte-stream consumer a cursor delivers to, typically an HTTP
// response body. Bytes handed to Write must not be reused by the caller.
type Sink interface {
	// Write queues p for delivery downstream. Returns ErrSinkClosed once the
	// consumer is gone.
	Write(p []byte) error
	// QueuedBytes reports bytes accepted by Write but not yet flushed to the
	// underlying transport. The cursor's backpressure gate reads this.
	QueuedBytes() int64
	// Drained returns a channel that receives a signal whenever the write
	// queue level drops. Signals may be coalesced.
	Drained() <-chan struct{}
	// CloseWithError tears the consumer down after an unrecoverable engine
	// failure. Must be idempotent.
	CloseWithError(err error)
	Closed() bool
}
