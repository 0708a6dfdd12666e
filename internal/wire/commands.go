package wire

import "encoding/binary"

// --- Get temperature (scenario 1: "single temperature poll") -------------

// EncodeGetTemperatureReq builds the 1-byte sensor-id payload.
func EncodeGetTemperatureReq(sensorID uint8) []byte {
	return []byte{sensorID}
}

// DecodeGetTemperatureReq is the decode-side inverse, used by the mock
// device.
func DecodeGetTemperatureReq(payload []byte) (uint8, DecodeResult) {
	if len(payload) < 1 {
		return 0, InvalidLength
	}
	return payload[0], Success
}

// EncodeGetTemperatureResp builds the success-path data field: a 4-byte
// signed Q24.8 fixed-point reading.
func EncodeGetTemperatureResp(raw int32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(raw))
	return buf
}

// DecodeGetTemperatureResp decodes the 4-byte Q24.8 payload.
func DecodeGetTemperatureResp(data []byte) (celsius float64, result DecodeResult) {
	if len(data) != 4 {
		return 0, InvalidLength
	}
	raw := int32(binary.LittleEndian.Uint32(data))
	return Q24_8ToCelsius(raw), Success
}

// --- Get UUID --------------------------------------------------------------

// DecodeGetUUIDResp decodes a 16-byte UUID payload.
func DecodeGetUUIDResp(data []byte) ([16]byte, DecodeResult) {
	var out [16]byte
	if len(data) != 16 {
		return out, InvalidLength
	}
	copy(out[:], data)
	return out, Success
}

// EncodeGetUUIDResp is the encode-side inverse, used by the mock device.
func EncodeGetUUIDResp(id [16]byte) []byte {
	out := make([]byte, 16)
	copy(out, id[:])
	return out
}

// --- Device capability discovery --------------------------------------------

// DeviceCapability is the decoded response of the device-capability command:
// a bitmask of supported NSM message types plus a media-class byte.
type DeviceCapability struct {
	SupportedTypes uint64
	Medium         uint8 // 0=PCIe 1=SPI 2=I2C 3=USB
}

const (
	MediumPCIe uint8 = 0
	MediumSPI  uint8 = 1
	MediumI2C  uint8 = 2
	MediumUSB  uint8 = 3
)

// DecodeDeviceCapabilityResp decodes the 9-byte (8+1) capability payload.
func DecodeDeviceCapabilityResp(data []byte) (DeviceCapability, DecodeResult) {
	if len(data) != 9 {
		return DeviceCapability{}, InvalidLength
	}
	return DeviceCapability{
		SupportedTypes: binary.LittleEndian.Uint64(data[0:8]),
		Medium:         data[8],
	}, Success
}

// EncodeDeviceCapabilityResp is the encode-side inverse, used by the mock
// device.
func EncodeDeviceCapabilityResp(c DeviceCapability) []byte {
	buf := make([]byte, 9)
	binary.LittleEndian.PutUint64(buf[0:8], c.SupportedTypes)
	buf[8] = c.Medium
	return buf
}

// --- Event source mask (spec §6: "eight-byte bitfield addressed as
// (eventId/8, eventId%8)") -------------------------------------------------

// EventSourceMask is an 8-byte bitfield of subscribable event ids (0..63).
type EventSourceMask [8]byte

// Set marks eventID as enabled in the mask.
func (m *EventSourceMask) Set(eventID uint8) {
	m[eventID/8] |= 1 << (eventID % 8)
}

// IsSet reports whether eventID is enabled in the mask.
func (m EventSourceMask) IsSet(eventID uint8) bool {
	return m[eventID/8]&(1<<(eventID%8)) != 0
}

// DecodeEventSourceMaskResp decodes an 8-byte event-source mask payload.
func DecodeEventSourceMaskResp(data []byte) (EventSourceMask, DecodeResult) {
	var out EventSourceMask
	if len(data) != 8 {
		return out, InvalidLength
	}
	copy(out[:], data)
	return out, Success
}

// EncodeSetEventSourceMaskReq builds the request payload for "set current
// event sources".
func EncodeSetEventSourceMaskReq(mask EventSourceMask) []byte {
	out := make([]byte, 8)
	copy(out, mask[:])
	return out
}

// DecodeSetEventSourceMaskReq is the decode-side inverse, used by the mock
// device.
func DecodeSetEventSourceMaskReq(payload []byte) (EventSourceMask, DecodeResult) {
	var out EventSourceMask
	if len(payload) != 8 {
		return out, InvalidLength
	}
	copy(out[:], payload)
	return out, Success
}

// --- Event subscription (spec §6) -------------------------------------------

// GlobalEventSetting selects the event-generation mode (spec §3 Endpoint
// attribute "event-generation mode").
type GlobalEventSetting uint8

const (
	EventSettingDisabled GlobalEventSetting = 0
	EventSettingPoll     GlobalEventSetting = 1
	EventSettingPush     GlobalEventSetting = 2
)

// EncodeSetEventSubscriptionReq builds the 2-byte request payload: global
// setting + receiver endpoint id.
func EncodeSetEventSubscriptionReq(setting GlobalEventSetting, receiverEndpointID uint8) []byte {
	return []byte{byte(setting), receiverEndpointID}
}

// DecodeSetEventSubscriptionReq is the decode-side inverse, used by the mock
// device.
func DecodeSetEventSubscriptionReq(payload []byte) (GlobalEventSetting, uint8, DecodeResult) {
	if len(payload) != 2 {
		return 0, 0, InvalidLength
	}
	return GlobalEventSetting(payload[0]), payload[1], Success
}

// --- Set power cap (long-running command) -----------------------------------

// EncodeSetPowerCapReq builds the request payload: a milliwatt power cap.
func EncodeSetPowerCapReq(milliwatts uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, milliwatts)
	return buf
}

// DecodeSetPowerCapReq is the decode-side inverse, used by the mock device.
func DecodeSetPowerCapReq(payload []byte) (uint32, DecodeResult) {
	if len(payload) != 4 {
		return 0, InvalidLength
	}
	return binary.LittleEndian.Uint32(payload), Success
}

// SetPowerCapCompletion is the payload of the long-running completion event
// that carries the final result of a set-power-cap command.
type SetPowerCapCompletion struct {
	Applied bool
}

// DecodeSetPowerCapCompletion decodes a 1-byte "applied" flag.
func DecodeSetPowerCapCompletion(payload []byte) (SetPowerCapCompletion, DecodeResult) {
	if len(payload) != 1 {
		return SetPowerCapCompletion{}, InvalidLength
	}
	return SetPowerCapCompletion{Applied: payload[0] != 0}, Success
}

// EncodeSetPowerCapCompletion is the encode-side inverse, used by the mock
// device.
func EncodeSetPowerCapCompletion(applied bool) []byte {
	if applied {
		return []byte{1}
	}
	return []byte{0}
}

// --- GPU presence and power status (Design Notes open question: two files
// declare an update() that covers two state fields; modeled here as a
// single command whose response packs both) -------------------------------

// GpuPresenceAndPower is the decoded two-field response: presence detected
// plus current power-good state.
type GpuPresenceAndPower struct {
	Present  bool
	PowerGood bool
}

// EncodeGpuPresenceAndPowerReq builds the request payload: empty, since the
// command takes no parameters (it reads both fields off the device's current
// state).
func EncodeGpuPresenceAndPowerReq() []byte {
	return nil
}

// DecodeGpuPresenceAndPowerResp decodes the 2-byte payload.
func DecodeGpuPresenceAndPowerResp(data []byte) (GpuPresenceAndPower, DecodeResult) {
	if len(data) != 2 {
		return GpuPresenceAndPower{}, InvalidLength
	}
	return GpuPresenceAndPower{
		Present:   data[0] != 0,
		PowerGood: data[1] != 0,
	}, Success
}

// EncodeGpuPresenceAndPowerResp is the encode-side inverse, used by the mock
// device.
func EncodeGpuPresenceAndPowerResp(v GpuPresenceAndPower) []byte {
	buf := make([]byte, 2)
	if v.Present {
		buf[0] = 1
	}
	if v.PowerGood {
		buf[1] = 1
	}
	return buf
}
