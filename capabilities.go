// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"fmt"
	"slices"
	"strings"
)

// Common capabilities, shared by every channel type.
const (
	CapProtocolAuthSelection uint32 = 0
	CapAuthSpice             uint32 = 1
	CapAuthSASL              uint32 = 2
	CapMiniHeader            uint32 = 3
)

// Main channel capabilities.
const (
	CapMainSemiSeamlessMigrate  uint32 = 0
	CapMainNameAndUUID          uint32 = 1
	CapMainAgentConnectedTokens uint32 = 2
	CapMainSeamlessMigrate      uint32 = 3
)

// Display channel capabilities.
const (
	CapDisplaySizedStream     uint32 = 0
	CapDisplayMonitorsConfig  uint32 = 1
	CapDisplayComposite       uint32 = 2
	CapDisplayA8Surface       uint32 = 3
	CapDisplayStreamReport    uint32 = 4
	CapDisplayLZ4Compression  uint32 = 5
	CapDisplayPrefCompression uint32 = 6
	CapDisplayGLScanout       uint32 = 7
	CapDisplayMultiCodec      uint32 = 8
	CapDisplayCodecMJPEG      uint32 = 9
	CapDisplayCodecVP8        uint32 = 10
	CapDisplayCodecH264       uint32 = 11
	CapDisplayPrefVideoCodec  uint32 = 12
	CapDisplayCodecVP9        uint32 = 13
	CapDisplayCodecH265       uint32 = 14
)

// Inputs, playback and record channel capabilities.
const (
	CapInputsKeyScancode uint32 = 0

	CapPlaybackCELT051 uint32 = 0
	CapPlaybackVolume  uint32 = 1
	CapPlaybackLatency uint32 = 2
	CapPlaybackOpus    uint32 = 3

	CapRecordCELT051 uint32 = 0
	CapRecordVolume  uint32 = 1
	CapRecordOpus    uint32 = 2
)

// Capabilities is a capability bit-vector: bit i of word w is capability 32*w+i.
type Capabilities []uint32

// Has reports whether capability index is set. Indices beyond the vector are
// unset.
func (c Capabilities) Has(index uint32) bool {
	w := int(index / 32)
	if w >= len(c) {
		return false
	}
	return c[w]&(1<<(index%32)) != 0
}

// Indices returns the set capability indices in ascending order.
func (c Capabilities) Indices() []uint32 {
	var out []uint32
	for w, word := range c {
		for bit := uint32(0); bit < 32; bit++ {
			if word&(1<<bit) != 0 {
				out = append(out, uint32(w)*32+bit) // #nosec G115 - w bounded by MaxCapabilityWords
			}
		}
	}
	return out
}

// String formats the vector as hex words, e.g. "[0x9]".
func (c Capabilities) String() string {
	parts := make([]string, len(c))
	for i, w := range c {
		parts[i] = fmt.Sprintf("0x%x", w)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// HasCapability reports whether vec has capability index set.
func HasCapability(vec Capabilities, index uint32) bool {
	return vec.Has(index)
}

// Negotiated reports whether both the local and remote vectors carry index.
func Negotiated(local, remote Capabilities, index uint32) bool {
	return local.Has(index) && remote.Has(index)
}

// CapabilitySet is an unordered set of capability indices.
type CapabilitySet []uint32

// NewCapabilitySet builds a set from indices; duplicates are harmless.
func NewCapabilitySet(indices ...uint32) CapabilitySet {
	return CapabilitySet(indices)
}

// Contains reports whether index is in the set.
func (s CapabilitySet) Contains(index uint32) bool {
	return slices.Contains(s, index)
}

// Vector encodes the set as ceil((max+1)/32) words. An empty set encodes as
// zero words.
func (s CapabilitySet) Vector() Capabilities {
	if len(s) == 0 {
		return nil
	}
	maxIndex := slices.Max(s)
	vec := make(Capabilities, maxIndex/32+1)
	for _, i := range s {
		vec[i/32] |= 1 << (i % 32)
	}
	return vec
}

// CapabilityTable holds the client's supported capabilities: one common set
// and one set per channel type.
type CapabilityTable struct {
	Common   CapabilitySet
	Channels map[ChannelType]CapabilitySet
}

// DefaultCapabilityTable advertises auth selection and the mini header as
// common capabilities, and the four migration/agent capabilities on main.
func DefaultCapabilityTable() CapabilityTable {
	return CapabilityTable{
		Common: NewCapabilitySet(CapProtocolAuthSelection, CapMiniHeader),
		Channels: map[ChannelType]CapabilitySet{
			ChannelMain: NewCapabilitySet(
				CapMainSemiSeamlessMigrate,
				CapMainNameAndUUID,
				CapMainAgentConnectedTokens,
				CapMainSeamlessMigrate,
			),
		},
	}
}

// Clone returns a deep copy so the caller may keep mutating the original.
func (t CapabilityTable) Clone() CapabilityTable {
	out := CapabilityTable{
		Common:   slices.Clone(t.Common),
		Channels: make(map[ChannelType]CapabilitySet, len(t.Channels)),
	}
	for ct, set := range t.Channels {
		out.Channels[ct] = slices.Clone(set)
	}
	return out
}

// BuildCommonCapabilities encodes the common capability set.
func BuildCommonCapabilities(set CapabilitySet) Capabilities {
	return set.Vector()
}

// BuildChannelCapabilities encodes the channel-specific set for t. Channel
// types absent from the table, and the obsolete tunnel channel, produce an
// empty vector.
func BuildChannelCapabilities(t ChannelType, table CapabilityTable) Capabilities {
	if t.Deprecated() {
		return nil
	}
	return table.Channels[t].Vector()
}
