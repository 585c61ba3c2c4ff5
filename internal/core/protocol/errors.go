package protocol

import (
	"errors"
	"fmt"

	"github.com/zeusync/worldcore/internal/core/errs"
	"github.com/zeusync/worldcore/internal/core/models"
)

var (
	ErrNotConnected      = errors.New("adapter not connected")
	ErrAdapterClosed     = errors.New("adapter closed")
	ErrHandshakeFailed   = errors.New("handshake failed")
	ErrConnectionLost    = errors.New("connection lost")
	ErrFrameTooLarge     = errors.New("frame too large")
	ErrInvalidPacket     = errors.New("invalid packet")
	ErrSequenceRegressed = errors.New("sequence regressed")
	ErrBufferFull        = errors.New("event buffer full")
)

// ProtocolError is a failure local to one adapter. It reaches the reconciler
// only as a suspended/resumed signal.
type ProtocolError struct {
	Source models.SourceID
	Op     string
	Err    error
}

func NewProtocolError(source models.SourceID, op string, err error) *ProtocolError {
	return &ProtocolError{Source: source, Op: op, Err: err}
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol %s: %s: %v", e.Source, e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() []error { return []error{e.Err, errs.ErrProtocol} }
