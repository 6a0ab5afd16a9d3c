// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"errors"
	"fmt"
)

// ErrorCode represents the failure category of a SPICE operation.
type ErrorCode int

const (
	// ErrProtocol indicates malformed, truncated or otherwise invalid wire data.
	ErrProtocol ErrorCode = iota
	// ErrLink indicates the server answered a link request with a non-OK code.
	ErrLink
	// ErrCrypto indicates unusable key material or a ticket encryption failure.
	ErrCrypto
	// ErrNetwork indicates a transport failure (refused, reset, closed).
	ErrNetwork
	// ErrConfiguration indicates invalid client or session configuration.
	ErrConfiguration
	// ErrTimeout indicates a bounded network wait expired.
	ErrTimeout
	// ErrValidation indicates input validation failure.
	ErrValidation
	// ErrSession indicates a session bookkeeping failure.
	ErrSession
	// ErrUnsupported indicates an unsupported feature or operation.
	ErrUnsupported
)

// String returns the string representation of the error code.
func (e ErrorCode) String() string {
	switch e {
	case ErrProtocol:
		return "protocol"
	case ErrLink:
		return "link"
	case ErrCrypto:
		return "crypto"
	case ErrNetwork:
		return "network"
	case ErrConfiguration:
		return "configuration"
	case ErrTimeout:
		return "timeout"
	case ErrValidation:
		return "validation"
	case ErrSession:
		return "session"
	case ErrUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Sentinel causes carried inside a SpiceError. Match them with errors.Is.
var (
	// ErrTruncated reports fewer bytes than the declared sizes require.
	ErrTruncated = errors.New("truncated message")
	// ErrBadMagic reports a link message that does not start with "REDQ".
	ErrBadMagic = errors.New("bad magic")
	// ErrInvalidKey reports public key material that cannot be parsed.
	ErrInvalidKey = errors.New("invalid public key")
	// ErrAlreadyJoined reports a join for a channel key that is already active.
	ErrAlreadyJoined = errors.New("channel already joined")
	// ErrNotJoined reports an operation on a channel key the session does not own.
	ErrNotJoined = errors.New("channel not joined")
	// ErrSessionEnded reports use of a session after EndSession.
	ErrSessionEnded = errors.New("session ended")
	// ErrClosed reports I/O on a channel that is not linked.
	ErrClosed = errors.New("channel closed")
)

// SpiceError carries the operation, category and originating channel of a
// failure. Channel is nil for failures that are not tied to one channel.
type SpiceError struct {
	Op      string
	Code    ErrorCode
	Message string
	Err     error
	Channel *ChannelKey
}

// Error returns the formatted error message.
func (e *SpiceError) Error() string {
	prefix := "spice " + e.Code.String() + ": "
	if e.Channel != nil {
		prefix += e.Channel.String() + ": "
	}
	if e.Err != nil {
		return fmt.Sprintf("%s%s: %s: %v", prefix, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s%s: %s", prefix, e.Op, e.Message)
}

// Unwrap returns the underlying error for error chain unwrapping.
func (e *SpiceError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a SpiceError with the same code and operation.
func (e *SpiceError) Is(target error) bool {
	var other *SpiceError
	if errors.As(target, &other) {
		return e.Code == other.Code && e.Op == other.Op
	}
	return false
}

// NewSpiceError creates a new SpiceError with the specified parameters.
func NewSpiceError(op string, code ErrorCode, message string, err error) *SpiceError {
	return &SpiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WrapError wraps err with SPICE context. It returns nil when err is nil.
func WrapError(op string, code ErrorCode, message string, err error) error {
	if err == nil {
		return nil
	}
	return NewSpiceError(op, code, message, err)
}

// IsSpiceError reports whether err is a SpiceError, optionally restricted to
// one of the given codes.
func IsSpiceError(err error, code ...ErrorCode) bool {
	var spiceErr *SpiceError
	if !errors.As(err, &spiceErr) {
		return false
	}
	if len(code) == 0 {
		return true
	}
	for _, c := range code {
		if spiceErr.Code == c {
			return true
		}
	}
	return false
}

// GetErrorCode extracts the error code from a SpiceError, or -1.
func GetErrorCode(err error) ErrorCode {
	var spiceErr *SpiceError
	if errors.As(err, &spiceErr) {
		return spiceErr.Code
	}
	return ErrorCode(-1)
}

// ChannelOf returns the channel a failure originated from, if recorded.
func ChannelOf(err error) (ChannelKey, bool) {
	var spiceErr *SpiceError
	if errors.As(err, &spiceErr) && spiceErr.Channel != nil {
		return *spiceErr.Channel, true
	}
	return ChannelKey{}, false
}

// IsRetryable reports whether err is a transport or timeout failure. Such
// failures may succeed when repeated with identical parameters; protocol,
// crypto and link failures will not.
func IsRetryable(err error) bool {
	return IsSpiceError(err, ErrNetwork, ErrTimeout)
}

// withChannel stamps key onto err. A SpiceError that already names a channel
// is returned unchanged.
func withChannel(err error, key ChannelKey) error {
	if err == nil {
		return nil
	}
	var spiceErr *SpiceError
	if errors.As(err, &spiceErr) {
		if spiceErr.Channel != nil {
			return err
		}
		stamped := *spiceErr
		stamped.Channel = &key
		return &stamped
	}
	return &SpiceError{Op: "channel", Code: ErrNetwork, Message: "channel failure", Err: err, Channel: &key}
}

// LinkErrorCode is the error field of a link reply or link result.
// It implements error so that errors.Is(err, LinkErrVersionMismatch) works.
type LinkErrorCode uint32

// Link error codes sent by the server.
const (
	LinkErrOK LinkErrorCode = iota
	LinkErrError
	LinkErrInvalidMagic
	LinkErrInvalidData
	LinkErrVersionMismatch
	LinkErrNeedSecured
	LinkErrNeedUnsecured
	LinkErrPermissionDenied
	LinkErrBadConnectionID
	LinkErrChannelNotAvailable
)

var linkErrorNames = [...]string{
	LinkErrOK:                  "ok",
	LinkErrError:               "error",
	LinkErrInvalidMagic:        "invalid magic",
	LinkErrInvalidData:         "invalid data",
	LinkErrVersionMismatch:     "version mismatch",
	LinkErrNeedSecured:         "need secured",
	LinkErrNeedUnsecured:       "need unsecured",
	LinkErrPermissionDenied:    "permission denied",
	LinkErrBadConnectionID:     "bad connection id",
	LinkErrChannelNotAvailable: "channel not available",
}

// String returns the human-readable name of the code.
func (c LinkErrorCode) String() string {
	if int(c) < len(linkErrorNames) {
		return linkErrorNames[c]
	}
	return fmt.Sprintf("unknown(%d)", uint32(c))
}

// Error implements error.
func (c LinkErrorCode) Error() string {
	return "link error: " + c.String()
}

// NeedsAlternateTransport reports whether the server asked for the
// secured or unsecured variant of the channel.
func (c LinkErrorCode) NeedsAlternateTransport() bool {
	return c == LinkErrNeedSecured || c == LinkErrNeedUnsecured
}

// Fatal reports whether repeating the link with identical parameters is
// pointless.
func (c LinkErrorCode) Fatal() bool {
	return c != LinkErrOK && !c.NeedsAlternateTransport()
}

// LinkErrorOf extracts the server-reported link error code from err.
func LinkErrorOf(err error) (LinkErrorCode, bool) {
	var code LinkErrorCode
	if errors.As(err, &code) {
		return code, true
	}
	return LinkErrOK, false
}

func protocolError(op, message string, err error) error {
	return NewSpiceError(op, ErrProtocol, message, err)
}

func linkError(op string, code LinkErrorCode) error {
	return NewSpiceError(op, ErrLink, "server rejected link", code)
}

func cryptoError(op, message string, err error) error {
	return NewSpiceError(op, ErrCrypto, message, err)
}

func networkError(op, message string, err error) error {
	return NewSpiceError(op, ErrNetwork, message, err)
}

func configurationError(op, message string, err error) error {
	return NewSpiceError(op, ErrConfiguration, message, err)
}

func timeoutError(op, message string, err error) error {
	return NewSpiceError(op, ErrTimeout, message, err)
}

func validationError(op, message string, err error) error {
	return NewSpiceError(op, ErrValidation, message, err)
}

func sessionError(op, message string, err error) error {
	return NewSpiceError(op, ErrSession, message, err)
}

func unsupportedError(op, message string, err error) error {
	return NewSpiceError(op, ErrUnsupported, message, err)
}
