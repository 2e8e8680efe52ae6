package model

import "errors"

// Error definitions for the model package.
var (
	ErrNotFound = errors.New("model not found in registry")
	ErrEmptyID  = errors.New("model id is empty")
	ErrUnloaded = errors.New("model is not loaded")
)
