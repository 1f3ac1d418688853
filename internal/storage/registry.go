package storage

import (
	"fmt"
	"sort"
)

// Registry routes storage ids and names to devices.
type Registry struct {
	byID map[uint8]Device
}

// NewRegistry returns a registry holding devs.
func NewRegistry(devs ...Device) (*Registry, error) {
	r := &Registry{byID: make(map[uint8]Device)}
	for _, d := range devs {
		if err := r.Add(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers d. Ids and names must be unique.
func (r *Registry) Add(d Device) error {
	if _, ok := r.byID[d.ID()]; ok {
		return fmt.Errorf("storage id %d registered twice", d.ID())
	}
	if _, ok := r.ByName(d.Name()); ok {
		return fmt.Errorf("storage %q registered twice", d.Name())
	}
	r.byID[d.ID()] = d
	return nil
}

// Get returns the device with the given id.
func (r *Registry) Get(id uint8) (Device, bool) {
	d, ok := r.byID[id]
	return d, ok
}

// ByName returns the device with the given name.
func (r *Registry) ByName(name string) (Device, bool) {
	for _, d := range r.byID {
		if d.Name() == name {
			return d, true
		}
	}
	return nil, false
}

// Devices returns all devices ordered by id.
func (r *Registry) Devices() []Device {
	out := make([]Device, 0, len(r.byID))
	for _, d := range r.byID {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
