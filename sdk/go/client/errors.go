package client

import "errors"

// Client-specific errors
var (
	ErrClientClosed     = errors.New("client is closed")
	ErrNotConnected     = errors.New("client is not connected")
	ErrAlreadyConnected = errors.New("client is already connected")
	ErrReconnectFailed  = errors.New("reconnection failed")
	ErrInvalidConfig    = errors.New("invalid client configuration")
	ErrMessageTimeout   = errors.New("message timeout")
	ErrInvalidMessage   = errors.New("invalid message")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrCursorExpired    = errors.New("resume cursor expired")
	ErrActionRejected   = errors.New("action rejected")
)
