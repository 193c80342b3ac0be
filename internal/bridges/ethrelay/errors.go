package ethrelay

import "errors"

// Domain errors for the ETH relay bridge package.
var (
	// ErrNotConnected is returned when an operation requires an
	// authenticated session but the session is not ready or polling.
	ErrNotConnected = errors.New("ethrelay: not connected to module")

	// ErrConnectionFailed is returned when the TCP transport to the
	// module cannot be opened.
	ErrConnectionFailed = errors.New("ethrelay: connection to module failed")

	// ErrWrongPassword is returned when the module stays locked after
	// the password has been sent.
	ErrWrongPassword = errors.New("ethrelay: wrong password")

	// ErrProtocol is returned when an exchange with the module fails
	// mid-flight (write error, read error or short read).
	ErrProtocol = errors.New("ethrelay: protocol exchange failed")

	// ErrShortResponse is returned when a response buffer does not have
	// the length the command requires.
	ErrShortResponse = errors.New("ethrelay: short response")

	// ErrSessionClosed is returned by Connect when the session has
	// already been closed.
	ErrSessionClosed = errors.New("ethrelay: session closed")

	// ErrAlreadyConnected is returned when Connect is called twice.
	ErrAlreadyConnected = errors.New("ethrelay: session already connected")

	// ErrInvalidChannel is returned for a relay channel outside the
	// module's range.
	ErrInvalidChannel = errors.New("ethrelay: invalid channel")

	// ErrInvalidHoldTime is returned for a negative hold time or one the
	// module cannot represent.
	ErrInvalidHoldTime = errors.New("ethrelay: invalid hold time")

	// ErrQueueClosed is returned when pushing onto a command queue that
	// has been closed by session teardown.
	ErrQueueClosed = errors.New("ethrelay: command queue closed")
)
