package stream

import "errors"

var (
	// ErrObserverClosed is returned by Enqueue once the observer's transport is gone.
	ErrObserverClosed = errors.New("observer closed")
	// ErrObserverBufferFull is returned by Enqueue when the observer cannot keep up.
	ErrObserverBufferFull = errors.New("observer buffer full")
	// ErrUpstreamRunning is returned when Start is called on a running upstream.
	ErrUpstreamRunning = errors.New("upstream already running")
)
