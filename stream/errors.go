package stream

import "errors"

// Sentinel errors for stream operations
var (
	// ErrGroupNotFound indicates a read on a consumer group that was never ensured
	ErrGroupNotFound = errors.New("consumer group not found")

	// ErrInvalidRequest indicates a malformed read request
	ErrInvalidRequest = errors.New("invalid read request")

	// ErrConsumerRunning indicates Run was called on a running consumer
	ErrConsumerRunning = errors.New("consumer already running")
)
