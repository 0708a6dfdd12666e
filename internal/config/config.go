// Package config loads sensor configuration records from YAML, per spec
// §6's configuration input: name, kind, endpoint UUID, priority flag,
// aggregate-membership flag, command-specific parameters, refresh interval,
// long-running flag, and sink binding. Grounded on the pack's
// DataDog-datadog-agent config stack, which loads YAML with the same
// library (gopkg.in/yaml.v3) into plain structs rather than a schema-driven
// framework.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/NVIDIA/nsmd-sub004/internal/registry"
)

// SinkBinding names which sink a sensor's decoded value is published to, and
// under what (interface, property) pair.
type SinkBinding struct {
	Sink      string `yaml:"sink"`
	Interface string `yaml:"interface"`
	Property  string `yaml:"property"`
}

// Params carries command-specific parameters whose shape varies by command;
// kept as a raw map rather than typed per-command fields so this package
// does not grow a case per NSM command.
type Params map[string]any

// SensorRecord is one YAML entry under the top-level "sensors:" list.
type SensorRecord struct {
	Name            string        `yaml:"name"`
	Kind            string        `yaml:"kind"` // "simple" | "aggregator" | "long-running" | "two-phase"
	EndpointUUID    string        `yaml:"endpoint_uuid"`
	MsgType         uint8         `yaml:"msg_type"`
	Command         uint8         `yaml:"command"`
	Priority        bool          `yaml:"priority"`
	AggregateMember bool          `yaml:"aggregate_member"`
	AggregateTag    uint8         `yaml:"aggregate_tag"`
	Params          Params        `yaml:"params"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	Timeout         time.Duration `yaml:"timeout"`
	LongRunning     bool          `yaml:"long_running"`
	Sink            SinkBinding   `yaml:"sink"`
}

// File is the top-level shape of a configuration YAML document.
type File struct {
	Sensors []SensorRecord `yaml:"sensors"`
}

// Load parses a configuration file from disk.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses configuration YAML from an in-memory buffer, used by Load
// and directly by tests.
func Parse(data []byte) (File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("config: parse yaml: %w", err)
	}
	for i, s := range f.Sensors {
		if s.Name == "" {
			return File{}, fmt.Errorf("config: sensor at index %d has no name", i)
		}
		if _, err := uuid.Parse(s.EndpointUUID); err != nil {
			return File{}, fmt.Errorf("config: sensor %q: invalid endpoint_uuid %q: %w", s.Name, s.EndpointUUID, err)
		}
	}
	return f, nil
}

// Resolved is a SensorRecord whose endpoint UUID has been looked up against
// a registry and found present, paired with the resolved endpoint id.
type Resolved struct {
	Record     SensorRecord
	EndpointID uint8
}

// Resolve partitions records into those whose endpoint UUID currently
// resolves in reg and those that must be deferred, per spec §6's invariant:
// "a sensor whose UUID does not resolve in the registry is deferred, retried
// on the next registry mutation."
func Resolve(reg *registry.Registry, records []SensorRecord) (resolved []Resolved, deferred []SensorRecord) {
	for _, rec := range records {
		id, err := uuid.Parse(rec.EndpointUUID)
		if err != nil {
			deferred = append(deferred, rec)
			continue
		}
		entry, ok := reg.Preferred(id)
		if !ok {
			deferred = append(deferred, rec)
			continue
		}
		resolved = append(resolved, Resolved{Record: rec, EndpointID: entry.EndpointID})
	}
	return resolved, deferred
}

// DeferredSet tracks sensor records still waiting on a registry mutation to
// resolve their endpoint UUID. Callers re-run Retry whenever the registry
// changes (a discovery or rediscovery completes); records that resolve are
// returned and dropped from the set.
type DeferredSet struct {
	pending []SensorRecord
}

// NewDeferredSet seeds a DeferredSet from an initial deferred list, typically
// the second return value of Resolve.
func NewDeferredSet(records []SensorRecord) *DeferredSet {
	return &DeferredSet{pending: append([]SensorRecord(nil), records...)}
}

// Retry re-checks every still-pending record against reg, returning the ones
// that now resolve and keeping the rest pending.
func (d *DeferredSet) Retry(reg *registry.Registry) []Resolved {
	if len(d.pending) == 0 {
		return nil
	}
	resolved, still := Resolve(reg, d.pending)
	d.pending = still
	return resolved
}

// Pending reports how many records are still waiting on a registry mutation.
func (d *DeferredSet) Pending() int {
	return len(d.pending)
}
