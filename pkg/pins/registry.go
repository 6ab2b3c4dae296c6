package pins

import (
	"errors"
	"sort"
	"sync"
)

var (
	// ErrPinBusy is returned when a pin is claimed while another handle owns it.
	ErrPinBusy = errors.New("pin already claimed")
	// ErrNotExported is returned by attribute access on a closed handle.
	ErrNotExported = errors.New("pin not exported")
)

// Registry records which pins currently have a live handle. One Registry
// should be shared by everything that exports pins in a process.
type Registry struct {
	mu      sync.Mutex
	claimed map[string]Role
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{claimed: make(map[string]Role)}
}

// Claim marks key as owned. It fails with ErrPinBusy if key is already owned.
func (r *Registry) Claim(key string, role Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.claimed[key]; ok {
		return &busyError{key: key, role: owner}
	}
	r.claimed[key] = role
	return nil
}

// Release forgets key. Releasing an unclaimed key is a no-op.
func (r *Registry) Release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.claimed, key)
}

// Claimed returns the sorted keys that currently have a live handle.
func (r *Registry) Claimed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.claimed))
	for k := range r.claimed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type busyError struct {
	key  string
	role Role
}

func (e *busyError) Error() string {
	return "pin " + e.key + " already claimed as " + string(e.role)
}

func (e *busyError) Is(target error) bool { return target == ErrPinBusy }
