package backend

import "errors"

// Error definitions for the backend package.
var (
	ErrBinaryNotFound = errors.New("backend binary not found")
	ErrHandleClosed   = errors.New("model handle is closed")
	ErrProtocol       = errors.New("unexpected response from synthesis worker")
	ErrNotReady       = errors.New("synthesis worker did not become ready")
)
