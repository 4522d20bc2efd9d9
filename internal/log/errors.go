package log

import "errors"

var (
	// ErrPayloadSize is returned when a payload writer produces a different
	// number of bytes than the header declares.
	ErrPayloadSize = errors.New("payload size mismatch")

	// ErrForkMismatch is returned when the previous block id supplied with a
	// write does not match the id stored for the preceding block.
	ErrForkMismatch = errors.New("previous block id mismatch")

	// ErrBlockGap is returned when a write skips over blocks that were never written.
	ErrBlockGap = errors.New("missed a block")

	// ErrCorruptLog is returned when a log file is structurally broken beyond
	// what truncating a partially written tail can repair.
	ErrCorruptLog = errors.New("corrupt log")

	// ErrUnsupportedVersion is returned for headers with a version this
	// package does not know how to decode.
	ErrUnsupportedVersion = errors.New("unsupported entry version")

	// ErrNoActiveSegment is returned by a History whose active segment could
	// not be reopened after a failed rotation or fork.
	ErrNoActiveSegment = errors.New("no active segment")
)
