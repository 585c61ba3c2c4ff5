package store

import "errors"

var (
	ErrEntityNotFound    = errors.New("entity not found")
	ErrAlreadyRegistered = errors.New("component type already registered")
	ErrInvalidSpec       = errors.New("invalid component spec")
	ErrSnapshotReleased  = errors.New("snapshot already released")
)
