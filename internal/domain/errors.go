package domain

import "errors"

var (
	// ErrNotFound is returned when a message does not exist in the store of record.
	ErrNotFound = errors.New("message not found")
	// ErrConflict is returned when a message id is already taken.
	ErrConflict = errors.New("message already exists")
	// ErrInvalidMessage is returned for messages missing required fields.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrStoreFailure marks any failure of the durable store.
	ErrStoreFailure = errors.New("durable store failure")
	// ErrCacheFailure marks any failure of the cache store. Callers degrade
	// to the durable path instead of failing the request.
	ErrCacheFailure = errors.New("cache failure")
)
