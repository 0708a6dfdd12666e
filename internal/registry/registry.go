// Package registry implements the endpoint registry of spec §4.4: a
// multi-map from endpoint UUID to (endpoint id, medium) entries, plus the
// reverse index used to resolve an endpoint id back to its UUID. Discovery
// writes; the sensor engine reads, only between suspension points, so no
// locking is required by the cooperative model — but since this Go
// implementation runs the discovery driver and sensor engine on distinct
// goroutines, the registry still serializes access with a mutex, the same
// way the teacher's internal/interfaces.Backend implementations guard their
// own state even though ublk's queue runners are individually
// single-threaded per queue.
package registry

import (
	"sync"

	"github.com/google/uuid"
)

// Medium is the physical transport class of an endpoint (spec §3).
type Medium uint8

const (
	MediumPCIe Medium = iota
	MediumSPI
	MediumI2C
	MediumUSB
)

// Entry is one (endpoint id, medium) pairing for a UUID. Multiple Entries
// per UUID represent multi-path endpoints (spec §3); exactly one is marked
// Preferred.
type Entry struct {
	EndpointID uint8
	Medium     Medium
	Preferred  bool
}

// Registry is the multi-map uuid.UUID -> []Entry plus the endpoint-id ->
// uuid.UUID reverse index.
type Registry struct {
	mu       sync.RWMutex
	byUUID   map[uuid.UUID][]Entry
	byEPID   map[uint8]uuid.UUID
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byUUID: make(map[uuid.UUID][]Entry),
		byEPID: make(map[uint8]uuid.UUID),
	}
}

// Upsert records (or updates) an endpoint id for a UUID. If preferred is
// true, any other entry for the same UUID is demoted. Called only by the
// discovery driver.
func (r *Registry) Upsert(id uuid.UUID, endpointID uint8, medium Medium, preferred bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.byUUID[id]
	found := false
	for i := range entries {
		if entries[i].EndpointID == endpointID {
			entries[i].Medium = medium
			if preferred {
				entries[i].Preferred = true
			}
			found = true
		} else if preferred {
			entries[i].Preferred = false
		}
	}
	if !found {
		entries = append(entries, Entry{EndpointID: endpointID, Medium: medium, Preferred: preferred})
	}
	r.byUUID[id] = entries
	r.byEPID[endpointID] = id
}

// DropEndpointID removes the endpoint-id index entry for id, per spec
// §4.5's offline transition: "clears the registry's endpoint-id index (UUID
// remains)". The endpoint's entry is also removed from its UUID's entry
// list (the UUID key itself stays), so Resolved reports false until
// rediscovery's Upsert re-populates it.
func (r *Registry) DropEndpointID(endpointID uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byEPID[endpointID]
	if !ok {
		return
	}
	delete(r.byEPID, endpointID)
	entries := r.byUUID[id]
	for i, e := range entries {
		if e.EndpointID == endpointID {
			r.byUUID[id] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
}

// UUIDFor resolves an endpoint id to its UUID.
func (r *Registry) UUIDFor(endpointID uint8) (uuid.UUID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byEPID[endpointID]
	return id, ok
}

// Entries returns a point-in-time copy of the entries for a UUID. Callers
// must not hold a live reference into the registry across a suspension
// point (spec §4.4); returning a copy here makes that the only option.
func (r *Registry) Entries(id uuid.UUID) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.byUUID[id]
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}

// Preferred returns the preferred entry for a UUID, if any resolves.
func (r *Registry) Preferred(id uuid.UUID) (Entry, bool) {
	for _, e := range r.Entries(id) {
		if e.Preferred {
			return e, true
		}
	}
	entries := r.Entries(id)
	if len(entries) > 0 {
		return entries[0], true
	}
	return Entry{}, false
}

// Resolved reports whether id has at least one entry — the invariant spec
// §6 requires before a configured sensor can be activated ("every
// referenced UUID must resolve in the registry or the sensor is deferred").
func (r *Registry) Resolved(id uuid.UUID) bool {
	return len(r.Entries(id)) > 0
}

// Snapshot returns a point-in-time copy of every known UUID->entries
// mapping.
func (r *Registry) Snapshot() map[uuid.UUID][]Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[uuid.UUID][]Entry, len(r.byUUID))
	for id, entries := range r.byUUID {
		cp := make([]Entry, len(entries))
		copy(cp, entries)
		out[id] = cp
	}
	return out
}
