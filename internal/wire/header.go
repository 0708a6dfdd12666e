// Package wire implements the NSM binary request/response/event codec.
//
// Every function here is a pure transform over a byte slice: no I/O, no
// allocation beyond the returned buffer, and no hidden state. That mirrors
// the teacher's internal/uapi package, which marshals Linux UAPI structs the
// same way for the ublk control and I/O planes.
package wire

import "fmt"

// PCI vendor id carried in every NSM header, little-endian on the wire.
const PCIVendorNVIDIA uint16 = 0x10DE

// OCP type/version byte: type=8, version=9 packed as type<<4|version.
const ocpTypeVersion uint8 = 0x89

// HeaderSize is the length in bytes of the fixed NSM framing header.
const HeaderSize = 4

// Header is the 4-byte NSM framing header described in spec §4.1/§6.
type Header struct {
	Request    bool // request bit
	Datagram   bool // datagram bit (set for events)
	InstanceID uint8 // 5 bits
	Type       uint8 // NSM message type
}

// flagsByte packs Request/Datagram/InstanceID into the third header byte:
// request(1) | datagram(1) | reserved(1) | instance-id(5).
func (h Header) flagsByte() byte {
	var b byte
	if h.Request {
		b |= 1 << 7
	}
	if h.Datagram {
		b |= 1 << 6
	}
	b |= h.InstanceID & 0x1F
	return b
}

// Encode writes the 4-byte header to buf[0:4]. buf must have length >= 4.
func (h Header) Encode(buf []byte) {
	buf[0] = byte(PCIVendorNVIDIA)
	buf[1] = byte(PCIVendorNVIDIA >> 8)
	buf[2] = h.flagsByte()
	buf[3] = ocpTypeVersion
}

// DecodeHeader parses the framing header from buf. It does not validate the
// message type byte that follows (callers read that separately) but does
// validate vendor id and OCP type/version, since those are supposed to be
// wire-constant.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrInvalidLength
	}
	vendor := uint16(buf[0]) | uint16(buf[1])<<8
	if vendor != PCIVendorNVIDIA {
		return Header{}, fmt.Errorf("wire: unexpected PCI vendor 0x%04x", vendor)
	}
	if buf[3] != ocpTypeVersion {
		return Header{}, fmt.Errorf("wire: unexpected OCP type/version 0x%02x", buf[3])
	}
	flags := buf[2]
	return Header{
		Request:    flags&(1<<7) != 0,
		Datagram:   flags&(1<<6) != 0,
		InstanceID: flags & 0x1F,
	}, nil
}

// MessageType returns the 5th byte of a framed message (NSM message type),
// the byte immediately following the fixed header.
func MessageType(buf []byte) (uint8, error) {
	if len(buf) < HeaderSize+1 {
		return 0, ErrInvalidLength
	}
	return buf[HeaderSize], nil
}
