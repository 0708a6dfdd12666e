package wire

import "encoding/binary"

// PropertyID identifies one entry in the fixed inventory-information
// catalogue (spec §4.1 "≈60 property identifiers"). This daemon implements
// the subset exercised by configured sensors plus a representative spread of
// the original source's chassis/FRU properties (nsmChassis, nsmInventoryProperty).
type PropertyID uint8

const (
	PropBoardPartNumber        PropertyID = 0x01
	PropSerialNumber           PropertyID = 0x02
	PropProductLength          PropertyID = 0x03
	PropProductWidth           PropertyID = 0x04
	PropProductHeight          PropertyID = 0x05
	PropManufacturer           PropertyID = 0x06
	PropDeviceGUID             PropertyID = 0x07
	PropMinDevicePowerLimit    PropertyID = 0x08
	PropMaxDevicePowerLimit    PropertyID = 0x09
	PropDefaultDevicePowerLimit PropertyID = 0x0A
	PropRatedDeviceAcceleratorClockLimit PropertyID = 0x0B
	PropFirmwareVersion        PropertyID = 0x0C
)

// PropertyKind tells the caller how to interpret a successful inventory
// response's data bytes: a raw byte string (e.g. a part number) or a
// little-endian unsigned integer of some declared width.
type PropertyKind int

const (
	KindBytes PropertyKind = iota
	KindUint
)

// propertyCatalog maps each known property id to its wire kind. Properties
// not present here are still decodable via DecodeInventoryInfoResp (callers
// choose AsBytes or AsU32 themselves); the catalog only supplies a default
// for sensors that don't specify one explicitly.
var propertyCatalog = map[PropertyID]PropertyKind{
	PropBoardPartNumber:                  KindBytes,
	PropSerialNumber:                     KindBytes,
	PropProductLength:                    KindUint,
	PropProductWidth:                     KindUint,
	PropProductHeight:                    KindUint,
	PropManufacturer:                     KindBytes,
	PropDeviceGUID:                       KindBytes,
	PropMinDevicePowerLimit:              KindUint,
	PropMaxDevicePowerLimit:              KindUint,
	PropDefaultDevicePowerLimit:          KindUint,
	PropRatedDeviceAcceleratorClockLimit: KindUint,
	PropFirmwareVersion:                  KindBytes,
}

// DefaultKind returns the catalogued wire kind for a property, or KindBytes
// if the property is not in the catalogue.
func (p PropertyID) DefaultKind() PropertyKind {
	if k, ok := propertyCatalog[p]; ok {
		return k
	}
	return KindBytes
}

// EncodeInventoryInfoReq builds the 1-byte property-id request payload
// (spec §6: "Request = 1-byte property id").
func EncodeInventoryInfoReq(id PropertyID) []byte {
	return []byte{byte(id)}
}

// DecodeInventoryInfoReq is the decode-side inverse, used by the mock
// device.
func DecodeInventoryInfoReq(payload []byte) (PropertyID, DecodeResult) {
	if len(payload) < 1 {
		return 0, InvalidLength
	}
	return PropertyID(payload[0]), Success
}

// InventoryValue is the decoded success-path payload of an inventory-info
// response: a 2-byte data-size field (already stripped by
// DecodeResponseEnvelope) followed by raw bytes, exposed both ways per
// spec §4.1 ("the codec exposes both readings").
type InventoryValue struct {
	Raw []byte
}

// AsBytes returns the raw byte-string interpretation.
func (v InventoryValue) AsBytes() []byte {
	return v.Raw
}

// AsU32 returns the little-endian unsigned-integer interpretation for
// whatever width was actually returned (1, 2, 4, or 8 bytes); widths other
// than those are InvalidData.
func (v InventoryValue) AsU32() (uint64, DecodeResult) {
	switch len(v.Raw) {
	case 1:
		return uint64(v.Raw[0]), Success
	case 2:
		return uint64(binary.LittleEndian.Uint16(v.Raw)), Success
	case 4:
		return uint64(binary.LittleEndian.Uint32(v.Raw)), Success
	case 8:
		return binary.LittleEndian.Uint64(v.Raw), Success
	default:
		return 0, InvalidData
	}
}

// DecodeInventoryInfoResp decodes an inventory-info response's data field
// (the slice already extracted by DecodeResponseEnvelope).
func DecodeInventoryInfoResp(data []byte) (InventoryValue, DecodeResult) {
	return InventoryValue{Raw: data}, Success
}

// EncodeInventoryInfoResp builds the success-path data field for a given
// raw value, used by the mock device.
func EncodeInventoryInfoResp(raw []byte) []byte {
	return raw
}
