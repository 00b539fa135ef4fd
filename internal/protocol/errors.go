package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrConnection        = errors.New("protocol: connection failed")
	ErrConfigMismatch    = errors.New("protocol: config mismatch")
	ErrFrameSize         = errors.New("protocol: frame size mismatch")
	ErrProtocolViolation = errors.New("protocol: protocol violation")
	ErrTransportClosed   = errors.New("protocol: transport closed")
	ErrTransportError    = errors.New("protocol: transport error")
	ErrPeerAborted       = errors.New("protocol: peer aborted")
	ErrInvalidConfig     = errors.New("protocol: invalid config")
)

// MismatchError names one negotiated parameter the peers disagree on.
type MismatchError struct {
	Field string
	Local string
	Peer  string
}

func (e MismatchError) Error() string {
	return fmt.Sprintf("protocol: config mismatch: %s local=%s peer=%s", e.Field, e.Local, e.Peer)
}

func (e MismatchError) Unwrap() error {
	return ErrConfigMismatch
}
