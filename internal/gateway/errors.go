package gateway

import (
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
)

// ErrorCode classifies gateway failures for logging and retry decisions.
type ErrorCode string

const (
	// ErrCodeConnection covers handshake failures and send/receive errors.
	ErrCodeConnection ErrorCode = "CONNECTION_ERROR"

	// ErrCodeConfig marks an account that cannot be turned into an identity.
	ErrCodeConfig ErrorCode = "CONFIG_ERROR"

	// ErrCodeProtocol marks an outbound frame that could not be built.
	ErrCodeProtocol ErrorCode = "PROTOCOL_ERROR"

	// ErrCodeHeartbeat marks a keep-alive frame that could not be sent.
	ErrCodeHeartbeat ErrorCode = "HEARTBEAT_ERROR"

	// ErrCodeClosed is returned when writing to a session that already ended.
	ErrCodeClosed ErrorCode = "CLOSED"
)

// Error is a classified gateway failure.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a new connection may clear the failure.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case ErrCodeConnection, ErrCodeHeartbeat, ErrCodeClosed:
		return true
	default:
		return false
	}
}

func newError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// ErrConnection wraps a transport fault.
func ErrConnection(message string, err error) *Error {
	return newError(ErrCodeConnection, message, err)
}

// ErrConfig wraps an account configuration fault.
func ErrConfig(message string, err error) *Error {
	return newError(ErrCodeConfig, message, err)
}

// ErrProtocol wraps a frame encoding fault.
func ErrProtocol(message string, err error) *Error {
	return newError(ErrCodeProtocol, message, err)
}

// ErrHeartbeat wraps a failed keep-alive send.
func ErrHeartbeat(message string, err error) *Error {
	return newError(ErrCodeHeartbeat, message, err)
}

// ErrSessionClosed is returned by writes after the session has been torn down.
var ErrSessionClosed = newError(ErrCodeClosed, "session closed", nil)

// retryable reports whether err may clear on a new attempt. Errors that are
// not classified are transport faults and always retryable.
func retryable(err error) bool {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.IsRetryable()
	}
	return true
}

// GetErrorCode extracts the code from err, defaulting to ErrCodeConnection.
func GetErrorCode(err error) ErrorCode {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Code
	}
	return ErrCodeConnection
}

// CloseInfo extracts the WebSocket close code and reason from err.
// ok is false when the connection ended without a close frame.
func CloseInfo(err error) (code int, reason string, ok bool) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code, closeErr.Text, true
	}
	return 0, "", false
}
