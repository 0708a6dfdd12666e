package nsmd

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/nsmd-sub004/internal/mctp"
	"github.com/NVIDIA/nsmd-sub004/internal/registry"
	"github.com/NVIDIA/nsmd-sub004/internal/sink"
	"github.com/NVIDIA/nsmd-sub004/internal/transport"
	"github.com/NVIDIA/nsmd-sub004/internal/wire"
)

func wireUpDaemonEndpoint(device *transport.MockDevice, id uuid.UUID, temperature float64) {
	var idBytes [16]byte
	copy(idBytes[:], id[:])

	device.OnCommand(wire.TypeDeviceCapability, wire.CmdGetUUID, func(endpointID, instanceID uint8, msgType, command uint8, payload []byte) transport.Frame {
		return wire.BuildSuccessResponse(instanceID, msgType, command, wire.EncodeGetUUIDResp(idBytes))
	})
	device.OnCommand(wire.TypeDeviceCapability, wire.CmdGetDeviceCapability, func(endpointID, instanceID uint8, msgType, command uint8, payload []byte) transport.Frame {
		cap := wire.DeviceCapability{SupportedTypes: 0x0F, Medium: wire.MediumPCIe}
		return wire.BuildSuccessResponse(instanceID, msgType, command, wire.EncodeDeviceCapabilityResp(cap))
	})
	device.OnCommand(wire.TypeDeviceCapability, wire.CmdGetEventSourceMask, func(endpointID, instanceID uint8, msgType, command uint8, payload []byte) transport.Frame {
		return wire.BuildSuccessResponse(instanceID, msgType, command, wire.EncodeSetEventSourceMaskReq(wire.EventSourceMask{}))
	})
	device.OnCommand(wire.TypeDeviceCapability, wire.CmdSetEventSourceMask, func(endpointID, instanceID uint8, msgType, command uint8, payload []byte) transport.Frame {
		return wire.BuildSuccessResponse(instanceID, msgType, command, nil)
	})
	device.OnCommand(wire.TypeDeviceCapability, wire.CmdSetEventSubscription, func(endpointID, instanceID uint8, msgType, command uint8, payload []byte) transport.Frame {
		return wire.BuildSuccessResponse(instanceID, msgType, command, nil)
	})
	device.OnCommand(wire.TypePlatformEnvironment, wire.CmdGetTemperature, func(endpointID, instanceID uint8, msgType, command uint8, payload []byte) transport.Frame {
		return wire.BuildSuccessResponse(instanceID, msgType, command, wire.EncodeGetTemperatureResp(wire.CelsiusToQ24_8(temperature)))
	})
}

func writeSensorConfig(t *testing.T, id uuid.UUID) string {
	t.Helper()
	contents := `
sensors:
  - name: gpu0-temp
    kind: simple
    endpoint_uuid: "` + id.String() + `"
    msg_type: 3
    command: 0
    priority: true
    refresh_interval: 20ms
    params:
      sensor_id: 0
    sink:
      sink: recording
`
	f, err := os.CreateTemp(t.TempDir(), "sensors-*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString(contents)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

func TestDaemonActivatesConfiguredSensorAfterDiscovery(t *testing.T) {
	id := uuid.New()
	device := transport.NewMockDevice()
	wireUpDaemonEndpoint(device, id, 42.5)
	conn := transport.NewMockConn(device)

	configPath := writeSensorConfig(t, id)
	recorder := &sink.RecordingSink{}

	d, err := New(Params{
		Conn:            conn,
		Enumerator:      mctp.StaticEnumerator{Endpoints: []mctp.EndpointDescriptor{{EndpointID: 4, Medium: registry.MediumPCIe}}},
		ConfigPath:      configPath,
		LocalEndpointID: 0,
		Sinks:           map[string]sink.ObjectSink{"recording": recorder},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(recorder.Published) > 0
	}, 2*time.Second, 10*time.Millisecond)

	published := recorder.Published[0]
	assert.Equal(t, "GPU_SensorReading", published.Interface)
	assert.Equal(t, "temperature", published.Property)
	assert.InDelta(t, 42.5, published.Value.(float64), 0.01)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestDaemonDefersSensorUntilEndpointDiscovered(t *testing.T) {
	id := uuid.New()
	device := transport.NewMockDevice()
	wireUpDaemonEndpoint(device, id, 10.0)
	conn := transport.NewMockConn(device)

	configPath := writeSensorConfig(t, id)
	recorder := &sink.RecordingSink{}

	d, err := New(Params{
		Conn:       conn,
		Enumerator: mctp.StaticEnumerator{}, // nothing discovered at startup
		ConfigPath: configPath,
		Sinks:      map[string]sink.ObjectSink{"recording": recorder},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, recorder.Published, "sensor should stay deferred with no endpoint discovered")

	d.Registry().Upsert(id, 9, registry.MediumPCIe, true)
	// Stand in for discovery with a direct registry Upsert, then call
	// ActivateDeferred instead of waiting for the 2s retry tick.
	d.ActivateDeferred(ctx)

	require.Eventually(t, func() bool {
		return len(recorder.Published) > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestDaemonShutdownIsIdempotentSafe(t *testing.T) {
	device := transport.NewMockDevice()
	conn := transport.NewMockConn(device)

	d, err := New(Params{Conn: conn, Enumerator: mctp.StaticEnumerator{}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	require.NoError(t, d.Shutdown())
}
