// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// MaxCredentialLength is the longest ticket password a SPICE server accepts.
const MaxCredentialLength = 60

// InputValidator checks configuration and peer-supplied values.
type InputValidator struct{}

func newInputValidator() *InputValidator {
	return &InputValidator{}
}

// ValidateTarget checks the transport target.
func (iv *InputValidator) ValidateTarget(host string, port int) error {
	if strings.TrimSpace(host) == "" {
		return configurationError("InputValidator.ValidateTarget", "host cannot be empty", nil)
	}
	if strings.ContainsAny(host, " \t\r\n/") {
		return configurationError("InputValidator.ValidateTarget", fmt.Sprintf("invalid host %q", host), nil)
	}
	if port <= 0 || port > 65535 {
		return configurationError("InputValidator.ValidateTarget", fmt.Sprintf("port %d out of range 1-65535", port), nil)
	}
	return nil
}

// ValidateCredential checks the secret length.
func (iv *InputValidator) ValidateCredential(secret []byte) error {
	if len(secret) > MaxCredentialLength {
		return configurationError("InputValidator.ValidateCredential",
			fmt.Sprintf("credential of %d bytes exceeds %d", len(secret), MaxCredentialLength), nil)
	}
	return nil
}

// ValidateTimeouts requires every network wait to be bounded.
func (iv *InputValidator) ValidateTimeouts(timeouts ...time.Duration) error {
	for _, d := range timeouts {
		if d <= 0 {
			return configurationError("InputValidator.ValidateTimeouts", fmt.Sprintf("timeout %s is not positive", d), nil)
		}
	}
	return nil
}

// ValidateChannelKey rejects keys the client must never join.
func (iv *InputValidator) ValidateChannelKey(key ChannelKey) error {
	switch {
	case key.Type == 0:
		return validationError("InputValidator.ValidateChannelKey", "channel type 0 is invalid", nil)
	case key.Type.Deprecated():
		return unsupportedError("InputValidator.ValidateChannelKey",
			fmt.Sprintf("%s channel is obsolete and never negotiated", key.Type), nil)
	}
	return nil
}

// ValidateReplyVersion accepts any minor version within our major version.
func (iv *InputValidator) ValidateReplyVersion(reply *LinkReply) error {
	if reply.Major != VersionMajor {
		return NewSpiceError("InputValidator.ValidateReplyVersion", ErrLink,
			fmt.Sprintf("server major version %d, client %d", reply.Major, VersionMajor), LinkErrVersionMismatch)
	}
	return nil
}

// ValidateMessageSize bounds a declared payload size.
func (iv *InputValidator) ValidateMessageSize(size uint32, maxSize uint32) error {
	if size > maxSize {
		return protocolError("InputValidator.ValidateMessageSize",
			fmt.Sprintf("message size %d exceeds %d", size, maxSize), ErrMalformed)
	}
	return nil
}

// targetAddress joins host and port, bracketing IPv6 literals.
func targetAddress(host string, port int) string {
	return net.JoinHostPort(host, fmt.Sprint(port))
}
