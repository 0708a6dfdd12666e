// Package mctp is a thin wrapper around the external MCTP control plane,
// treated as an opaque source of (endpoint id, medium) tuples per spec §6
// ("CLI, env, persisted state... belong to the external collaborators").
// The real implementation would read /sys/bus/mctp or netlink; this
// package only defines the shape the discovery driver consumes, plus a
// static Enumerator usable in tests and for a statically-configured
// deployment.
package mctp

import "github.com/NVIDIA/nsmd-sub004/internal/registry"

// EndpointDescriptor is one entry the MCTP control plane reports.
type EndpointDescriptor struct {
	EndpointID uint8
	Medium     registry.Medium
}

// Enumerator lists the endpoints currently visible on the MCTP bus.
// Implementations must not block indefinitely; discovery's Start calls
// Enumerate synchronously with no timeout of its own.
type Enumerator interface {
	Enumerate() ([]EndpointDescriptor, error)
}

// StaticEnumerator returns a fixed, pre-populated endpoint list; used by
// tests and by deployments where the endpoint set is supplied out of band
// instead of discovered dynamically over netlink.
type StaticEnumerator struct {
	Endpoints []EndpointDescriptor
}

// Enumerate returns the configured endpoint list.
func (s StaticEnumerator) Enumerate() ([]EndpointDescriptor, error) {
	out := make([]EndpointDescriptor, len(s.Endpoints))
	copy(out, s.Endpoints)
	return out, nil
}
