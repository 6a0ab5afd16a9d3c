// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Protocol constants.
const (
	// Magic is "REDQ" read as a little-endian uint32.
	Magic uint32 = 0x51444552

	VersionMajor uint32 = 2
	VersionMinor uint32 = 2

	// LinkHeaderSize is magic, major, minor and size.
	LinkHeaderSize = 16

	linkRequestBodySize = 18
	linkReplyBodySize   = 16

	// MaxLinkBodySize bounds the size field of a link header.
	MaxLinkBodySize = 64 * 1024

	// MaxCapabilityWords bounds each declared capability word count.
	MaxCapabilityWords = 1024
)

// ErrMalformed reports declared sizes or offsets that contradict each other.
var ErrMalformed = errors.New("malformed message")

// LinkHeader is the fixed prefix of every link message.
type LinkHeader struct {
	Magic uint32
	Major uint32
	Minor uint32
	Size  uint32
}

// LinkRequest is sent by the client to open a channel.
type LinkRequest struct {
	Major        uint32
	Minor        uint32
	ConnectionID uint32
	ChannelType  ChannelType
	ChannelID    uint8
	CommonCaps   Capabilities
	ChannelCaps  Capabilities
}

// LinkReply is the server's answer to a LinkRequest. PublicKey holds the raw
// key block, padding included; it is empty when the server sent none.
type LinkReply struct {
	Major       uint32
	Minor       uint32
	Error       LinkErrorCode
	CommonCaps  Capabilities
	ChannelCaps Capabilities
	PublicKey   []byte
}

func appendLinkHeader(b []byte, major, minor, size uint32) []byte {
	b = binary.LittleEndian.AppendUint32(b, Magic)
	b = binary.LittleEndian.AppendUint32(b, major)
	b = binary.LittleEndian.AppendUint32(b, minor)
	return binary.LittleEndian.AppendUint32(b, size)
}

func appendWords(b []byte, words []uint32) []byte {
	for _, w := range words {
		b = binary.LittleEndian.AppendUint32(b, w)
	}
	return b
}

// EncodeLinkRequest serializes r. Caps follow the fixed fields directly.
func EncodeLinkRequest(r LinkRequest) []byte {
	words := len(r.CommonCaps) + len(r.ChannelCaps)
	size := linkRequestBodySize + 4*words

	b := make([]byte, 0, LinkHeaderSize+size)
	b = appendLinkHeader(b, r.Major, r.Minor, uint32(size)) // #nosec G115 - bounded by caller-supplied caps
	b = binary.LittleEndian.AppendUint32(b, r.ConnectionID)
	b = append(b, byte(r.ChannelType), r.ChannelID)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(r.CommonCaps)))  // #nosec G115
	b = binary.LittleEndian.AppendUint32(b, uint32(len(r.ChannelCaps))) // #nosec G115
	b = binary.LittleEndian.AppendUint32(b, linkRequestBodySize)
	b = appendWords(b, r.CommonCaps)
	return appendWords(b, r.ChannelCaps)
}

// EncodeLinkReply serializes r. The key block, if any, follows the caps.
func EncodeLinkReply(r LinkReply) []byte {
	words := len(r.CommonCaps) + len(r.ChannelCaps)
	size := linkReplyBodySize + 4*words + len(r.PublicKey)

	b := make([]byte, 0, LinkHeaderSize+size)
	b = appendLinkHeader(b, r.Major, r.Minor, uint32(size)) // #nosec G115
	b = binary.LittleEndian.AppendUint32(b, uint32(r.Error))
	b = binary.LittleEndian.AppendUint32(b, uint32(len(r.CommonCaps)))  // #nosec G115
	b = binary.LittleEndian.AppendUint32(b, uint32(len(r.ChannelCaps))) // #nosec G115
	b = binary.LittleEndian.AppendUint32(b, linkReplyBodySize)
	b = appendWords(b, r.CommonCaps)
	b = appendWords(b, r.ChannelCaps)
	return append(b, r.PublicKey...)
}

// DecodeLinkHeader parses the 16-byte link prefix. The magic is checked
// before any other field is looked at.
func DecodeLinkHeader(b []byte) (LinkHeader, error) {
	if len(b) < 4 {
		return LinkHeader{}, protocolError("DecodeLinkHeader",
			fmt.Sprintf("need 4 bytes for magic, have %d", len(b)), ErrTruncated)
	}
	magic := binary.LittleEndian.Uint32(b)
	if magic != Magic {
		return LinkHeader{}, protocolError("DecodeLinkHeader",
			fmt.Sprintf("magic 0x%08x, want 0x%08x", magic, Magic), ErrBadMagic)
	}
	if len(b) < LinkHeaderSize {
		return LinkHeader{}, protocolError("DecodeLinkHeader",
			fmt.Sprintf("need %d header bytes, have %d", LinkHeaderSize, len(b)), ErrTruncated)
	}
	h := LinkHeader{
		Magic: magic,
		Major: binary.LittleEndian.Uint32(b[4:]),
		Minor: binary.LittleEndian.Uint32(b[8:]),
		Size:  binary.LittleEndian.Uint32(b[12:]),
	}
	if h.Size > MaxLinkBodySize {
		return LinkHeader{}, protocolError("DecodeLinkHeader",
			fmt.Sprintf("declared size %d exceeds %d", h.Size, MaxLinkBodySize), ErrMalformed)
	}
	return h, nil
}

// linkBody returns the declared body following the header.
func linkBody(op string, b []byte, h LinkHeader, fixed int) ([]byte, error) {
	body := b[LinkHeaderSize:]
	if uint64(len(body)) < uint64(h.Size) {
		return nil, protocolError(op,
			fmt.Sprintf("declared %d body bytes, have %d", h.Size, len(body)), ErrTruncated)
	}
	body = body[:h.Size]
	if len(body) < fixed {
		return nil, protocolError(op,
			fmt.Sprintf("declared size %d below fixed size %d", h.Size, fixed), ErrTruncated)
	}
	return body, nil
}

// readCaps reads the capability area of body at offset and returns the two
// vectors and the first byte after them.
func readCaps(op string, body []byte, offset, common, channel uint32, fixed int) (Capabilities, Capabilities, int, error) {
	if common > MaxCapabilityWords || channel > MaxCapabilityWords {
		return nil, nil, 0, protocolError(op,
			fmt.Sprintf("capability word counts %d/%d exceed %d", common, channel, MaxCapabilityWords), ErrMalformed)
	}
	if offset < uint32(fixed) || uint64(offset) > uint64(len(body)) { // #nosec G115
		return nil, nil, 0, protocolError(op,
			fmt.Sprintf("capability offset %d outside body of %d bytes", offset, len(body)), ErrMalformed)
	}
	end := uint64(offset) + 4*uint64(common+channel)
	if end > uint64(len(body)) {
		return nil, nil, 0, protocolError(op,
			fmt.Sprintf("declared %d capability words, body holds %d", common+channel, (uint64(len(body))-uint64(offset))/4), ErrTruncated)
	}
	pos := int(offset)
	commonCaps := readWords(body[pos:], int(common))
	pos += 4 * int(common)
	channelCaps := readWords(body[pos:], int(channel))
	pos += 4 * int(channel)
	return commonCaps, channelCaps, pos, nil
}

func readWords(b []byte, n int) Capabilities {
	if n == 0 {
		return nil
	}
	words := make(Capabilities, n)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(b[4*i:])
	}
	return words
}

// DecodeLinkRequest parses a link request, the inverse of EncodeLinkRequest.
func DecodeLinkRequest(b []byte) (LinkRequest, error) {
	const op = "DecodeLinkRequest"
	h, err := DecodeLinkHeader(b)
	if err != nil {
		return LinkRequest{}, err
	}
	body, err := linkBody(op, b, h, linkRequestBodySize)
	if err != nil {
		return LinkRequest{}, err
	}

	r := LinkRequest{
		Major:        h.Major,
		Minor:        h.Minor,
		ConnectionID: binary.LittleEndian.Uint32(body[0:]),
		ChannelType:  ChannelType(body[4]),
		ChannelID:    body[5],
	}
	common := binary.LittleEndian.Uint32(body[6:])
	channel := binary.LittleEndian.Uint32(body[10:])
	offset := binary.LittleEndian.Uint32(body[14:])

	r.CommonCaps, r.ChannelCaps, _, err = readCaps(op, body, offset, common, channel, linkRequestBodySize)
	if err != nil {
		return LinkRequest{}, err
	}
	return r, nil
}

// DecodeLinkReply parses a link reply: fixed prefix, then the declared
// capability words, then whatever the declared size leaves as the key block.
func DecodeLinkReply(b []byte) (LinkReply, error) {
	const op = "DecodeLinkReply"
	h, err := DecodeLinkHeader(b)
	if err != nil {
		return LinkReply{}, err
	}
	body, err := linkBody(op, b, h, linkReplyBodySize)
	if err != nil {
		return LinkReply{}, err
	}

	r := LinkReply{
		Major: h.Major,
		Minor: h.Minor,
		Error: LinkErrorCode(binary.LittleEndian.Uint32(body[0:])),
	}
	common := binary.LittleEndian.Uint32(body[4:])
	channel := binary.LittleEndian.Uint32(body[8:])
	offset := binary.LittleEndian.Uint32(body[12:])

	var end int
	r.CommonCaps, r.ChannelCaps, end, err = readCaps(op, body, offset, common, channel, linkReplyBodySize)
	if err != nil {
		return LinkReply{}, err
	}
	if r.Error == LinkErrOK && end < len(body) {
		r.PublicKey = append([]byte(nil), body[end:]...)
	}
	return r, nil
}

// HeaderLayout selects the data header format used after linking.
type HeaderLayout int

const (
	// HeaderAuto resolves to HeaderNoSerial when both peers advertise the
	// mini-header capability and to HeaderFull otherwise.
	HeaderAuto HeaderLayout = iota
	// HeaderFull is serial(8) type(2) size(4) subSize(4).
	HeaderFull
	// HeaderNoSerial is type(2) size(4) subSize(4).
	HeaderNoSerial
)

// Data header sizes in bytes.
const (
	DataHeaderFullSize     = 18
	DataHeaderNoSerialSize = 10
)

// String returns the layout name.
func (l HeaderLayout) String() string {
	switch l {
	case HeaderAuto:
		return "auto"
	case HeaderFull:
		return "full"
	case HeaderNoSerial:
		return "no-serial"
	default:
		return fmt.Sprintf("HeaderLayout(%d)", int(l))
	}
}

// Size returns the encoded header size. HeaderAuto has no size of its own and
// is framed as HeaderFull.
func (l HeaderLayout) Size() int {
	if l == HeaderNoSerial {
		return DataHeaderNoSerialSize
	}
	return DataHeaderFullSize
}

// DataHeader frames every message on a linked channel.
type DataHeader struct {
	Serial  uint64
	Type    uint16
	Size    uint32
	SubSize uint32
}

// EncodeDataHeader serializes h in the given layout. Serial is dropped by
// HeaderNoSerial.
func EncodeDataHeader(h DataHeader, layout HeaderLayout) []byte {
	b := make([]byte, 0, layout.Size())
	if layout != HeaderNoSerial {
		b = binary.LittleEndian.AppendUint64(b, h.Serial)
	}
	b = binary.LittleEndian.AppendUint16(b, h.Type)
	b = binary.LittleEndian.AppendUint32(b, h.Size)
	return binary.LittleEndian.AppendUint32(b, h.SubSize)
}

// DecodeDataHeader parses a data header in the given layout.
func DecodeDataHeader(b []byte, layout HeaderLayout) (DataHeader, error) {
	if len(b) < layout.Size() {
		return DataHeader{}, protocolError("DecodeDataHeader",
			fmt.Sprintf("%s header needs %d bytes, have %d", layout, layout.Size(), len(b)), ErrTruncated)
	}
	var h DataHeader
	if layout != HeaderNoSerial {
		h.Serial = binary.LittleEndian.Uint64(b)
		b = b[8:]
	}
	h.Type = binary.LittleEndian.Uint16(b)
	h.Size = binary.LittleEndian.Uint32(b[2:])
	h.SubSize = binary.LittleEndian.Uint32(b[6:])
	return h, nil
}
