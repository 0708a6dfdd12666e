package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	for _, h := range []Header{
		{Request: true, InstanceID: 0},
		{Request: true, InstanceID: 17},
		{Request: false, InstanceID: 31},
		{Request: true, Datagram: true, InstanceID: 5},
	} {
		buf := make([]byte, HeaderSize)
		h.Encode(buf)
		got, err := DecodeHeader(buf)
		require.NoError(t, err)
		assert.Equal(t, h, got)
	}
}

func TestDecodeHeaderInvalidLength(t *testing.T) {
	_, err := DecodeHeader([]byte{1, 2})
	assert.ErrorIs(t, err, ErrInvalidLength)
}

func TestDecodeHeaderWrongVendor(t *testing.T) {
	buf := []byte{0xAA, 0xBB, 0x80, 0x89}
	_, err := DecodeHeader(buf)
	assert.Error(t, err)
}

// TestScenarioSingleTemperaturePoll implements end-to-end scenario 1 from
// spec §8: request header "10 DE, request=1 instance=0, 89, 03, 00" then
// "02" in payload; response carries a Q24.8 reading.
func TestScenarioSingleTemperaturePoll(t *testing.T) {
	req := BuildRequest(0, TypePlatformEnvironment, CmdGetTemperature, EncodeGetTemperatureReq(2))
	assert.Equal(t, []byte{0x10, 0xDE, 0x80, 0x89, TypePlatformEnvironment, CmdGetTemperature, 0x02}, req)

	raw := int32(25 * 256) // 25.0 C
	resp := BuildSuccessResponse(0, TypePlatformEnvironment, CmdGetTemperature, EncodeGetTemperatureResp(raw))

	h, err := DecodeHeader(resp)
	require.NoError(t, err)
	assert.False(t, h.Request)
	assert.Equal(t, uint8(0), h.InstanceID)

	after, err := ResponseAfterCommand(resp)
	require.NoError(t, err)
	env, result := DecodeResponseEnvelope(after)
	require.Equal(t, Success, result)
	require.Equal(t, CCSuccess, env.CompletionCode)

	celsius, result := DecodeGetTemperatureResp(env.Data)
	require.Equal(t, Success, result)
	assert.InDelta(t, 25.0, celsius, 0.01)
}

func TestGpuPresenceAndPowerRoundTrip(t *testing.T) {
	req := BuildRequest(0, TypePlatformEnvironment, CmdGetGpuPresenceAndPower, EncodeGpuPresenceAndPowerReq())
	assert.Equal(t, []byte{0x10, 0xDE, 0x80, 0x89, TypePlatformEnvironment, CmdGetGpuPresenceAndPower}, req)

	data := EncodeGpuPresenceAndPowerResp(GpuPresenceAndPower{Present: true, PowerGood: false})
	v, result := DecodeGpuPresenceAndPowerResp(data)
	require.Equal(t, Success, result)
	assert.True(t, v.Present)
	assert.False(t, v.PowerGood)

	_, result = DecodeGpuPresenceAndPowerResp([]byte{1})
	assert.Equal(t, InvalidLength, result)
}

func TestBuildAckFrame(t *testing.T) {
	frame := BuildAckFrame(3, TypeDeviceCapability, 0x05, 0xBEEF)
	h, err := DecodeHeader(frame)
	require.NoError(t, err)
	assert.False(t, h.Request)
	assert.True(t, h.Datagram)
	assert.Equal(t, uint8(3), h.InstanceID)

	ev, result := DecodeEvent(frame)
	require.Equal(t, Success, result)
	assert.Equal(t, TypeDeviceCapability, ev.EventClass)
	assert.Equal(t, uint8(0x05), ev.EventID)
	assert.Equal(t, uint16(0xBEEF), ev.State)
}

func TestAggregateRoundTrip(t *testing.T) {
	samples := []Sample{
		{Tag: 0, Valid: true, Data: []byte{1, 0, 0, 0}},
		{Tag: 1, Valid: true, Data: []byte{2, 0, 0, 0}},
		{Tag: 2, Valid: false, Data: []byte{0, 0, 0, 0}},
		{Tag: TagTimestamp, Valid: true, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}},
	}
	enc, err := EncodeAggregateResponse(samples)
	require.NoError(t, err)

	decoded, result := DecodeAggregateResponse(enc)
	require.Equal(t, Success, result)
	require.Len(t, decoded, len(samples))
	for i, s := range samples {
		assert.Equal(t, s.Tag, decoded[i].Tag)
		assert.Equal(t, s.Valid, decoded[i].Valid)
		assert.Equal(t, s.Data, decoded[i].Data)
	}
}

func TestAggregateInvalidLength(t *testing.T) {
	_, result := DecodeAggregateResponse([]byte{1})
	assert.Equal(t, InvalidLength, result)
}

func TestAggregateMismatchedLengthEncoding(t *testing.T) {
	// count=1; tag=0, flags: valid=1, length-encoding bits = 2 (i.e. 4 bytes)
	// but declared length byte says 2 -> invalid-data.
	data := []byte{1, 0, 0, (1 << 0) | (2 << 1), 2, 0xAB, 0xCD}
	_, result := DecodeAggregateResponse(data)
	assert.Equal(t, InvalidData, result)
}

func TestInventoryAsU32Widths(t *testing.T) {
	cases := []struct {
		raw  []byte
		want uint64
	}{
		{[]byte{5}, 5},
		{[]byte{0x34, 0x12}, 0x1234},
		{[]byte{0x78, 0x56, 0x34, 0x12}, 0x12345678},
	}
	for _, c := range cases {
		v := InventoryValue{Raw: c.raw}
		got, result := v.AsU32()
		require.Equal(t, Success, result)
		assert.Equal(t, c.want, got)
	}
}

func TestInventoryAsBytes(t *testing.T) {
	raw := []byte("NVIDIA-H100-SXM5")
	v := InventoryValue{Raw: raw}
	assert.Equal(t, raw, v.AsBytes())
}

func TestEventSourceMaskAddressing(t *testing.T) {
	var m EventSourceMask
	m.Set(0)
	m.Set(9)
	m.Set(63)
	assert.True(t, m.IsSet(0))
	assert.True(t, m.IsSet(9))
	assert.True(t, m.IsSet(63))
	assert.False(t, m.IsSet(1))
	assert.False(t, m.IsSet(8))
}

func TestConversions(t *testing.T) {
	assert.InDelta(t, 12.5, MilliwattsToWatts(12500), 0.001)
	assert.Equal(t, uint32(12500), WattsToMilliwatts(12.5))
	assert.InDelta(t, 1.0, BytesPerSecToGbps(GbpsToBytesPerSec(1.0)), 0.0001)
	assert.InDelta(t, 42.25, Q24_8ToCelsius(CelsiusToQ24_8(42.25)), 0.01)
}

func TestDecodeResponseEnvelopeNonSuccess(t *testing.T) {
	resp := BuildErrorResponse(3, TypePowerControl, CmdSetPowerCap, CCBusy, 0x1234)
	after, err := ResponseAfterCommand(resp)
	require.NoError(t, err)
	env, result := DecodeResponseEnvelope(after)
	require.Equal(t, Success, result)
	assert.Equal(t, CCBusy, env.CompletionCode)
	assert.Equal(t, uint16(0x1234), env.ReasonCode)
}

func TestEventRoundTrip(t *testing.T) {
	frame := BuildEventFrame(TypeDeviceCapability, 1, 0xBEEF, []byte{9, 9})
	ev, result := DecodeEvent(frame)
	require.Equal(t, Success, result)
	assert.True(t, ev.Header.Request)
	assert.True(t, ev.Header.Datagram)
	assert.Equal(t, uint8(TypeDeviceCapability), ev.EventClass)
	assert.Equal(t, uint8(1), ev.EventID)
	assert.Equal(t, uint16(0xBEEF), ev.State)
	assert.Equal(t, []byte{9, 9}, ev.Payload)
}
