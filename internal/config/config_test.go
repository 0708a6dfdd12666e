package config

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/nsmd-sub004/internal/registry"
)

const sampleYAML = `
sensors:
  - name: gpu0-temp
    kind: simple
    endpoint_uuid: %s
    msg_type: 3
    command: 0
    priority: true
    refresh_interval: 500ms
    sink:
      sink: telemetry
      interface: GPU_SensorReading
      property: temperature
  - name: gpu0-power-cap
    kind: long-running
    endpoint_uuid: %s
    msg_type: 2
    command: 9
    long_running: true
    timeout: 30s
`

func TestParseSensorRecords(t *testing.T) {
	id := uuid.New()
	data := []byte(fmt.Sprintf(sampleYAML, id.String(), id.String()))

	f, err := Parse(data)
	require.NoError(t, err)
	require.Len(t, f.Sensors, 2)

	assert.Equal(t, "gpu0-temp", f.Sensors[0].Name)
	assert.True(t, f.Sensors[0].Priority)
	assert.Equal(t, 500*time.Millisecond, f.Sensors[0].RefreshInterval)
	assert.Equal(t, "telemetry", f.Sensors[0].Sink.Sink)

	assert.True(t, f.Sensors[1].LongRunning)
	assert.Equal(t, 30*time.Second, f.Sensors[1].Timeout)
}

func TestParseRejectsInvalidUUID(t *testing.T) {
	_, err := Parse([]byte(`
sensors:
  - name: bad
    endpoint_uuid: not-a-uuid
`))
	assert.Error(t, err)
}

func TestResolveDefersUnknownEndpoint(t *testing.T) {
	known := uuid.New()
	unknown := uuid.New()
	reg := registry.New()
	reg.Upsert(known, 5, registry.MediumPCIe, true)

	records := []SensorRecord{
		{Name: "a", EndpointUUID: known.String()},
		{Name: "b", EndpointUUID: unknown.String()},
	}
	resolved, deferred := Resolve(reg, records)
	require.Len(t, resolved, 1)
	assert.Equal(t, uint8(5), resolved[0].EndpointID)
	require.Len(t, deferred, 1)
	assert.Equal(t, "b", deferred[0].Name)
}

// TestDeferredSetRetriesOnRegistryMutation exercises the invariant that a
// sensor whose UUID does not yet resolve is retried (and eventually
// activated) once the registry is mutated, without needing to reparse
// configuration.
func TestDeferredSetRetriesOnRegistryMutation(t *testing.T) {
	id := uuid.New()
	reg := registry.New()

	set := NewDeferredSet([]SensorRecord{{Name: "late", EndpointUUID: id.String()}})
	require.Equal(t, 1, set.Pending())

	assert.Empty(t, set.Retry(reg))
	assert.Equal(t, 1, set.Pending())

	reg.Upsert(id, 9, registry.MediumI2C, true)
	resolved := set.Retry(reg)
	require.Len(t, resolved, 1)
	assert.Equal(t, uint8(9), resolved[0].EndpointID)
	assert.Equal(t, 0, set.Pending())
}
