package sensor

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/NVIDIA/nsmd-sub004/internal/event"
	"github.com/NVIDIA/nsmd-sub004/internal/registry"
	"github.com/NVIDIA/nsmd-sub004/internal/sched"
	"github.com/NVIDIA/nsmd-sub004/internal/transport"
	"github.com/NVIDIA/nsmd-sub004/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(device *transport.MockDevice) (*Engine, *transport.Client, *event.Dispatcher) {
	conn := transport.NewMockConn(device)
	client := transport.NewClient(conn)
	loop := sched.NewLoop()
	disp := event.New(nil)
	client.SubscribeEvents(0, disp.Dispatch)
	reg := registry.New()
	return NewEngine(client, disp, reg, loop, nil, nil), client, disp
}

// TestSensorSimplePoll is scenario 1 at the engine layer: a single
// simple sensor decodes its response and updates its sink.
func TestSensorSimplePoll(t *testing.T) {
	device := transport.NewMockDevice()
	device.OnCommand(wire.TypePlatformEnvironment, wire.CmdGetTemperature, func(endpointID, instanceID uint8, msgType, command uint8, payload []byte) transport.Frame {
		data := wire.EncodeGetTemperatureResp(wire.CelsiusToQ24_8(25.0))
		return wire.BuildSuccessResponse(instanceID, msgType, command, data)
	})
	engine, _, _ := newTestEngine(device)

	var mu sync.Mutex
	var gotCelsius float64
	s := &Sensor{
		Name:            "temp",
		Kind:            KindSimple,
		MsgType:         wire.TypePlatformEnvironment,
		Command:         wire.CmdGetTemperature,
		RefreshInterval: 50 * time.Millisecond,
		MakeRequest:     func() ([]byte, error) { return wire.EncodeGetTemperatureReq(2), nil },
		DecodeResponse: func(data []byte) error {
			c, _ := wire.DecodeGetTemperatureResp(data)
			mu.Lock()
			gotCelsius = c
			mu.Unlock()
			return nil
		},
	}
	engine.AddSensor(1, s)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go engine.Run(ctx, 1)

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.InDelta(t, 25.0, gotCelsius, 0.01)
}

// TestSensorTwoPhaseGatesPowerOnPresence exercises the GPU
// presence-and-power sensor kind: phase one always decodes presence; phase
// two (power) only runs, and only publishes, when presence came back true.
func TestSensorTwoPhaseGatesPowerOnPresence(t *testing.T) {
	device := transport.NewMockDevice()
	var mu sync.Mutex
	present := false
	device.OnCommand(wire.TypePlatformEnvironment, wire.CmdGetGpuPresenceAndPower, func(endpointID, instanceID uint8, msgType, command uint8, payload []byte) transport.Frame {
		mu.Lock()
		v := wire.GpuPresenceAndPower{Present: present, PowerGood: true}
		mu.Unlock()
		return wire.BuildSuccessResponse(instanceID, msgType, command, wire.EncodeGpuPresenceAndPowerResp(v))
	})
	engine, _, _ := newTestEngine(device)

	var powerDecodes int
	s := &Sensor{
		Name:            "gpu-presence",
		Kind:            KindTwoPhase,
		MsgType:         wire.TypePlatformEnvironment,
		Command:         wire.CmdGetGpuPresenceAndPower,
		RefreshInterval: 20 * time.Millisecond,
		MakeRequest:     func() ([]byte, error) { return wire.EncodeGpuPresenceAndPowerReq(), nil },
		DecodePresence: func(data []byte) (bool, error) {
			v, res := wire.DecodeGpuPresenceAndPowerResp(data)
			if res != wire.Success {
				return false, errors.New("decode presence failed")
			}
			return v.Present, nil
		},
		DecodePower: func(data []byte) error {
			mu.Lock()
			powerDecodes++
			mu.Unlock()
			return nil
		},
	}
	engine.AddSensor(5, s)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	engine.Run(ctx, 5)

	assert.False(t, s.Present())
	mu.Lock()
	assert.Equal(t, 0, powerDecodes)
	mu.Unlock()

	mu.Lock()
	present = true
	mu.Unlock()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel2()
	engine.Run(ctx2, 5)

	assert.True(t, s.Present())
	mu.Lock()
	assert.Greater(t, powerDecodes, 0)
	mu.Unlock()
}

// TestAggregateDispatch is property P6: children update iff their tag is
// present and valid; reserved tags update only the aggregator's scratch.
func TestAggregateDispatch(t *testing.T) {
	var mu sync.Mutex
	childValues := map[uint8]uint32{}
	makeChild := func(tag uint8) *Sensor {
		return &Sensor{
			Name: "child",
			Tag:  tag,
			DecodeResponse: func(data []byte) error {
				v, _ := wire.SampleAsUint32(wire.Sample{Data: data})
				mu.Lock()
				childValues[tag] = v
				mu.Unlock()
				return nil
			},
		}
	}
	children := map[uint8]*Sensor{0: makeChild(0), 1: makeChild(1), 2: makeChild(2)}
	scratch := &AggregatorScratch{}
	decode := NewAggregatorDecode(children, scratch)

	samples := []wire.Sample{
		{Tag: 0, Valid: true, Data: encodeU32(1000)},
		{Tag: 1, Valid: true, Data: encodeU32(2000)},
		{Tag: 2, Valid: false, Data: encodeU32(3000)},
		{Tag: wire.TagTimestamp, Valid: true, Data: encodeU64(123456)},
	}
	data, err := wire.EncodeAggregateResponse(samples)
	require.NoError(t, err)

	require.NoError(t, decode(data))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, uint32(1000), childValues[0])
	assert.Equal(t, uint32(2000), childValues[1])
	_, sawInvalid := childValues[2]
	assert.False(t, sawInvalid, "invalid sample must not update its child")
	assert.True(t, scratch.HasTime)
}

func encodeU32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func encodeU64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

// TestRefreshIntervalEnforced is property P7: successive polls of a sensor
// are spaced by at least its refresh interval.
func TestRefreshIntervalEnforced(t *testing.T) {
	device := transport.NewMockDevice()
	var mu sync.Mutex
	var pollTimes []time.Time
	device.OnCommand(wire.TypePlatformEnvironment, wire.CmdGetTemperature, func(endpointID, instanceID uint8, msgType, command uint8, payload []byte) transport.Frame {
		mu.Lock()
		pollTimes = append(pollTimes, time.Now())
		mu.Unlock()
		data := wire.EncodeGetTemperatureResp(wire.CelsiusToQ24_8(10.0))
		return wire.BuildSuccessResponse(instanceID, msgType, command, data)
	})
	engine, _, _ := newTestEngine(device)

	const interval = 80 * time.Millisecond
	s := &Sensor{
		Name:            "temp",
		MsgType:         wire.TypePlatformEnvironment,
		Command:         wire.CmdGetTemperature,
		RefreshInterval: interval,
		MakeRequest:     func() ([]byte, error) { return wire.EncodeGetTemperatureReq(0), nil },
		DecodeResponse:  func(data []byte) error { return nil },
	}
	engine.AddSensor(1, s)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	engine.Run(ctx, 1)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(pollTimes), 2)
	for i := 1; i < len(pollTimes); i++ {
		gap := pollTimes[i].Sub(pollTimes[i-1])
		assert.GreaterOrEqual(t, gap, interval-5*time.Millisecond)
	}
}

// TestOfflineRecovery is property P8: after consecutive timeouts mark an
// endpoint offline, a successful ping clears the flag, and no sensor polls
// happen in between.
func TestOfflineRecovery(t *testing.T) {
	device := transport.NewMockDevice()
	var mu sync.Mutex
	failPing := true
	var pollCount int

	device.OnCommand(wire.TypeDeviceCapability, wire.CmdGetUUID, func(endpointID, instanceID uint8, msgType, command uint8, payload []byte) transport.Frame {
		mu.Lock()
		defer mu.Unlock()
		if failPing {
			return nil // no reply: ping times out
		}
		return wire.BuildSuccessResponse(instanceID, msgType, command, make([]byte, 16))
	})
	device.OnCommand(wire.TypePlatformEnvironment, wire.CmdGetTemperature, func(endpointID, instanceID uint8, msgType, command uint8, payload []byte) transport.Frame {
		mu.Lock()
		pollCount++
		mu.Unlock()
		return nil // never respond, forcing timeouts
	})

	engine, _, _ := newTestEngine(device)
	engine.SetPingFunc(func(ctx context.Context, client *transport.Client, endpointID uint8) error {
		ctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()
		resp, err := client.SendAndAwait(ctx, endpointID, wire.TypeDeviceCapability, wire.CmdGetUUID, nil)
		if err != nil {
			return err
		}
		if resp.CompletionCode != wire.CCSuccess {
			return errors.New("ping rejected")
		}
		return nil
	})

	s := &Sensor{
		Name:            "temp",
		MsgType:         wire.TypePlatformEnvironment,
		Command:         wire.CmdGetTemperature,
		RefreshInterval: 10 * time.Millisecond,
		Timeout:         30 * time.Millisecond,
		MakeRequest:     func() ([]byte, error) { return wire.EncodeGetTemperatureReq(0), nil },
		DecodeResponse:  func(data []byte) error { return nil },
	}
	engine.AddSensor(3, s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx, 3)

	require.Eventually(t, func() bool { return engine.IsOffline(3) }, time.Second, 5*time.Millisecond)

	mu.Lock()
	countAtOffline := pollCount
	mu.Unlock()

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, countAtOffline, pollCount, "no polling while offline")
	failPing = false
	mu.Unlock()

	require.Eventually(t, func() bool { return !engine.IsOffline(3) }, 2*time.Second, 10*time.Millisecond)
}
