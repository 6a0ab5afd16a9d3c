// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"fmt"
	"strconv"
	"strings"
)

// ChannelType identifies the purpose of a channel. Values outside the known
// set are preserved as-is so they round-trip through the codec.
type ChannelType uint8

// Known channel types.
const (
	ChannelMain      ChannelType = 1
	ChannelDisplay   ChannelType = 2
	ChannelInputs    ChannelType = 3
	ChannelCursor    ChannelType = 4
	ChannelPlayback  ChannelType = 5
	ChannelRecord    ChannelType = 6
	ChannelTunnel    ChannelType = 7 // obsolete; parsed, never joined
	ChannelSmartcard ChannelType = 8
	ChannelUsbRedir  ChannelType = 9
	ChannelPort      ChannelType = 10
	ChannelWebDAV    ChannelType = 11
)

var channelTypeNames = map[ChannelType]string{
	ChannelMain:      "main",
	ChannelDisplay:   "display",
	ChannelInputs:    "inputs",
	ChannelCursor:    "cursor",
	ChannelPlayback:  "playback",
	ChannelRecord:    "record",
	ChannelTunnel:    "tunnel",
	ChannelSmartcard: "smartcard",
	ChannelUsbRedir:  "usbredir",
	ChannelPort:      "port",
	ChannelWebDAV:    "webdav",
}

// String returns the lowercase channel name, or "unknown(N)".
func (t ChannelType) String() string {
	if name, ok := channelTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// Known reports whether t is one of the eleven defined channel types.
func (t ChannelType) Known() bool {
	_, ok := channelTypeNames[t]
	return ok
}

// Deprecated reports whether t is retained only for wire compatibility.
func (t ChannelType) Deprecated() bool {
	return t == ChannelTunnel
}

// ParseChannelType accepts a channel name ("display") or a decimal type number.
func ParseChannelType(s string) (ChannelType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range channelTypeNames {
		if name == s {
			return t, nil
		}
	}
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil || n == 0 {
		return 0, validationError("ParseChannelType", fmt.Sprintf("unknown channel type %q", s), err)
	}
	return ChannelType(n), nil
}

// ChannelKey identifies one channel within a session.
type ChannelKey struct {
	Type ChannelType
	ID   uint8
}

// String returns "type:id", e.g. "display:0".
func (k ChannelKey) String() string {
	return k.Type.String() + ":" + strconv.Itoa(int(k.ID))
}

// ParseChannelKey parses "type" or "type:id".
func ParseChannelKey(s string) (ChannelKey, error) {
	name, idPart, hasID := strings.Cut(s, ":")
	t, err := ParseChannelType(name)
	if err != nil {
		return ChannelKey{}, err
	}
	key := ChannelKey{Type: t}
	if hasID {
		id, err := strconv.ParseUint(strings.TrimSpace(idPart), 10, 8)
		if err != nil {
			return ChannelKey{}, validationError("ParseChannelKey", fmt.Sprintf("invalid channel id %q", idPart), err)
		}
		key.ID = uint8(id)
	}
	return key, nil
}
