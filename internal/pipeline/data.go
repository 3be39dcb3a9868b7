package pipeline

import (
	"fmt"
	"sync/atomic"
)

// nextArrayIdentity issues process-unique storage identities for data arrays.
var nextArrayIdentity atomic.Uint64

// DataArray is one named column of a dataset. The identity tags the
// underlying storage: cloning an array allocates fresh storage and therefore
// a fresh identity, while sharing an array between collections preserves it.
// Published arrays are immutable by convention; mutate only freshly cloned
// ones.
type DataArray struct {
	identity uint64
	Name     string
	Values   []float64
}

// NewDataArray creates an array over the given storage.
func NewDataArray(name string, values []float64) *DataArray {
	return &DataArray{
		identity: nextArrayIdentity.Add(1),
		Name:     name,
		Values:   values,
	}
}

// Identity returns the array's storage identity.
func (a *DataArray) Identity() uint64 { return a.identity }

// Len returns the number of elements.
func (a *DataArray) Len() int { return len(a.Values) }

// Clone returns a deep copy with a fresh storage identity.
func (a *DataArray) Clone() *DataArray {
	values := make([]float64, len(a.Values))
	copy(values, a.Values)
	return NewDataArray(a.Name, values)
}

// DataCollection is the payload flowing down a pipeline: an ordered list of
// data arrays. Collections are immutable by convention; all modification goes
// through copy-on-write (With), so an engine can safely read a published
// collection while the main loop keeps working.
type DataCollection struct {
	arrays []*DataArray
}

// NewDataCollection creates a collection over the given arrays.
func NewDataCollection(arrays ...*DataArray) *DataCollection {
	return &DataCollection{arrays: arrays}
}

// Arrays returns the top-level arrays in order. Callers must not mutate the
// returned slice.
func (c *DataCollection) Arrays() []*DataArray { return c.arrays }

// Len returns the number of top-level arrays.
func (c *DataCollection) Len() int { return len(c.arrays) }

// Get returns the array with the given name, or nil.
func (c *DataCollection) Get(name string) *DataArray {
	for _, a := range c.arrays {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// Expect returns the array with the given name or an error naming it.
func (c *DataCollection) Expect(name string) (*DataArray, error) {
	if a := c.Get(name); a != nil {
		return a, nil
	}
	return nil, fmt.Errorf("pipeline: collection has no array %q", name)
}

// With returns a new collection in which arr replaces the array of the same
// name, or is appended if no such array exists. The receiver is unchanged.
func (c *DataCollection) With(arr *DataArray) *DataCollection {
	out := make([]*DataArray, 0, len(c.arrays)+1)
	replaced := false
	for _, a := range c.arrays {
		if a.Name == arr.Name {
			out = append(out, arr)
			replaced = true
			continue
		}
		out = append(out, a)
	}
	if !replaced {
		out = append(out, arr)
	}
	return &DataCollection{arrays: out}
}
