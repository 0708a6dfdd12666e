package wire

import "encoding/binary"

// NSM message types used by the commands implemented in this package. The
// full NSM family groups commands by type (device capability, platform
// environmental, network ports, diagnostics, ...); this daemon implements
// the subset named in spec §2 plus the supplements drawn from the original
// source (see SPEC_FULL.md §4.1).
const (
	TypeDeviceCapability     uint8 = 0x00
	TypePlatformEnvironment  uint8 = 0x03
	TypeNetworkPort          uint8 = 0x04
	TypePowerControl         uint8 = 0x05
)

// Command byte values, scoped per message type in the real protocol but kept
// as a flat namespace here since this daemon only implements one command per
// (type, purpose) pair.
const (
	CmdGetUUID               uint8 = 0x01
	CmdGetDeviceCapability    uint8 = 0x02
	CmdGetEventSourceMask     uint8 = 0x03
	CmdSetEventSourceMask     uint8 = 0x04
	CmdSetEventSubscription   uint8 = 0x05
	CmdGetTemperature         uint8 = 0x00
	CmdGetPowerDrawAggregate  uint8 = 0x03
	CmdGetInventoryInfo       uint8 = 0x0A
	CmdSetPowerCap            uint8 = 0x10 // long-running
	CmdGetPortCountersAgg     uint8 = 0x20
	CmdGetGpuPresenceAndPower uint8 = 0x30 // two-step sensor, see Design Notes
)

// BuildRequest writes a full request frame: header + message type + command
// byte + payload. It allocates the frame itself and never fails. Of the
// encoders in this package only EncodeAggregateResponse reports bad input
// as an error; the others cannot fail.
func BuildRequest(instanceID uint8, msgType, command uint8, payload []byte) []byte {
	buf := make([]byte, HeaderSize+2+len(payload))
	Header{Request: true, InstanceID: instanceID}.Encode(buf)
	buf[HeaderSize] = msgType
	buf[HeaderSize+1] = command
	copy(buf[HeaderSize+2:], payload)
	return buf
}

// RequestCommand extracts the command byte from a request frame built by
// BuildRequest.
func RequestCommand(frame []byte) (uint8, error) {
	if len(frame) < HeaderSize+2 {
		return 0, ErrInvalidLength
	}
	return frame[HeaderSize+1], nil
}

// RequestPayload returns the command-specific payload of a request frame.
func RequestPayload(frame []byte) ([]byte, error) {
	if len(frame) < HeaderSize+2 {
		return nil, ErrInvalidLength
	}
	return frame[HeaderSize+2:], nil
}

// ResponseEnvelope is the decoded shape common to every successful response:
// completion code plus, for non-success, a reason code; for success, a
// 2-byte data-size field followed by the command-specific payload.
type ResponseEnvelope struct {
	CompletionCode CompletionCode
	ReasonCode     uint16   // valid only when CompletionCode != CCSuccess
	Data           []byte   // valid only when CompletionCode == CCSuccess
}

// DecodeResponseEnvelope parses the completion code and, depending on its
// value, either the 2-byte reason code or the 2-byte data-size-prefixed
// payload that follows the message-type/command bytes in a response frame.
func DecodeResponseEnvelope(afterCommand []byte) (ResponseEnvelope, DecodeResult) {
	if len(afterCommand) < 1 {
		return ResponseEnvelope{}, InvalidLength
	}
	cc := CompletionCode(afterCommand[0])
	if cc != CCSuccess {
		if len(afterCommand) < 3 {
			return ResponseEnvelope{}, InvalidLength
		}
		return ResponseEnvelope{
			CompletionCode: cc,
			ReasonCode:     binary.LittleEndian.Uint16(afterCommand[1:3]),
		}, Success
	}
	if len(afterCommand) < 3 {
		return ResponseEnvelope{}, InvalidLength
	}
	size := binary.LittleEndian.Uint16(afterCommand[1:3])
	start := 3
	if len(afterCommand) < start+int(size) {
		return ResponseEnvelope{}, InvalidLength
	}
	return ResponseEnvelope{
		CompletionCode: CCSuccess,
		Data:           afterCommand[start : start+int(size)],
	}, Success
}

// BuildSuccessResponse is the inverse of DecodeResponseEnvelope's success
// path; used by the mock transport/device and by tests exercising the
// round-trip property P5.
func BuildSuccessResponse(instanceID uint8, msgType, command uint8, data []byte) []byte {
	afterCommand := make([]byte, 3+len(data))
	afterCommand[0] = byte(CCSuccess)
	binary.LittleEndian.PutUint16(afterCommand[1:3], uint16(len(data)))
	copy(afterCommand[3:], data)
	return buildResponseFrame(instanceID, msgType, command, afterCommand)
}

// BuildErrorResponse builds a non-success response with the given
// completion code and reason code.
func BuildErrorResponse(instanceID uint8, msgType, command uint8, cc CompletionCode, reason uint16) []byte {
	afterCommand := make([]byte, 3)
	afterCommand[0] = byte(cc)
	binary.LittleEndian.PutUint16(afterCommand[1:3], reason)
	return buildResponseFrame(instanceID, msgType, command, afterCommand)
}

func buildResponseFrame(instanceID uint8, msgType, command uint8, afterCommand []byte) []byte {
	buf := make([]byte, HeaderSize+2+len(afterCommand))
	Header{Request: false, InstanceID: instanceID}.Encode(buf)
	buf[HeaderSize] = msgType
	buf[HeaderSize+1] = command
	copy(buf[HeaderSize+2:], afterCommand)
	return buf
}

// ResponseAfterCommand slices a full response frame down to the portion
// DecodeResponseEnvelope expects (everything after header+type+command).
func ResponseAfterCommand(frame []byte) ([]byte, error) {
	if len(frame) < HeaderSize+2 {
		return nil, ErrInvalidLength
	}
	return frame[HeaderSize+2:], nil
}

// BuildEventFrame constructs an event frame: datagram=1, request=1, event
// class/id plus a 16-bit state field, then payload. Per spec §4.1 "events
// set datagram=1 and request=1".
func BuildEventFrame(eventClass, eventID uint8, state uint16, payload []byte) []byte {
	buf := make([]byte, HeaderSize+2+2+len(payload))
	Header{Request: true, Datagram: true}.Encode(buf)
	buf[HeaderSize] = eventClass
	buf[HeaderSize+1] = eventID
	binary.LittleEndian.PutUint16(buf[HeaderSize+2:HeaderSize+4], state)
	copy(buf[HeaderSize+4:], payload)
	return buf
}

// BuildAckFrame builds the acknowledgement datagram the dispatcher sends
// back for an event with the ack-request bit set (spec §4.6). It carries the
// same event-class/id/state shape as the event it acks, with the original
// instance id for correlation and Request=false marking it a response rather
// than a new event.
func BuildAckFrame(instanceID, eventClass, eventID uint8, state uint16) []byte {
	buf := make([]byte, HeaderSize+2+2)
	Header{Request: false, Datagram: true, InstanceID: instanceID}.Encode(buf)
	buf[HeaderSize] = eventClass
	buf[HeaderSize+1] = eventID
	binary.LittleEndian.PutUint16(buf[HeaderSize+2:HeaderSize+4], state)
	return buf
}

// Event is the decoded shape of an event frame's header-adjacent fields.
type Event struct {
	Header     Header
	EventClass uint8
	EventID    uint8
	State      uint16
	Payload    []byte
}

// DecodeEvent parses a full event frame.
func DecodeEvent(frame []byte) (Event, DecodeResult) {
	h, err := DecodeHeader(frame)
	if err != nil {
		return Event{}, InvalidData
	}
	if len(frame) < HeaderSize+4 {
		return Event{}, InvalidLength
	}
	return Event{
		Header:     h,
		EventClass: frame[HeaderSize],
		EventID:    frame[HeaderSize+1],
		State:      binary.LittleEndian.Uint16(frame[HeaderSize+2 : HeaderSize+4]),
		Payload:    frame[HeaderSize+4:],
	}, Success
}
