package server

import "errors"

var (
	// ErrProtocolViolation marks an unexpected action or malformed payload.
	// It is fatal to the connection only.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrTransport marks a read, write or timeout failure on one socket.
	ErrTransport = errors.New("transport failure")
	// ErrPersistence marks a store failure while serving a request.
	ErrPersistence = errors.New("persistence failure")
	// ErrConfiguration is the only error that stops the relay, and only at startup.
	ErrConfiguration = errors.New("configuration error")
)
