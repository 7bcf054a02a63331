package audit

import "errors"

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrRoomNotFound   = errors.New("room not found")
	// ErrCursorClosed reports that a tailable cursor died without a server error,
	// for example after the oplog rolled over the read position.
	ErrCursorClosed = errors.New("replication cursor closed")
)
