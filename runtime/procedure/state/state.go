// Package state defines the per-invocation key/value store. Values are
// restricted to JSON-compatible shapes so mutations can be journalled and
// snapshots persisted with the invocation record. The store itself is silent:
// events for mutations are emitted by the script bridge, which also journals
// them for replay.
package state

import (
	"encoding/json"

	"tactus.dev/tactus/runtime/procedure/fault"
)

// Store is the scoped key/value map owned by one invocation.
type Store interface {
	// Get returns the value for key and whether it exists.
	Get(key string) (any, bool)
	// Set stores a JSON-compatible value under key. Values are normalized
	// through a JSON round-trip so numbers are float64 and maps are
	// map[string]any regardless of origin.
	Set(key string, value any) (any, error)
	// Incr adds delta to the numeric value under key, treating a missing key
	// as zero, and returns the new total.
	Incr(key string, delta float64) (float64, error)
	// Has reports whether key exists.
	Has(key string) bool
	// Clear removes every entry.
	Clear()
	// Dump returns a copy of the full map.
	Dump() map[string]any
	// Keys returns the sorted key set.
	Keys() []string
	// Restore replaces the full map, bypassing normalization. Used when
	// loading a persisted snapshot.
	Restore(values map[string]any)
}

// Normalize round-trips value through JSON, producing the canonical
// representation stored and journalled by the runtime. Non-JSON values
// (channels, functions, cyclic structures) yield a validation fault.
func Normalize(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "value is not JSON-compatible")
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "normalize value")
	}
	return out, nil
}
