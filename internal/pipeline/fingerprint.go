package pipeline

import (
	"encoding/binary"
	"hash/fnv"
)

// Fingerprint is a cheap summary of a data collection's shape: which storage
// buffers it references and how many elements each holds. Computing it is
// O(number of top-level arrays), not a content hash. It detects arrays being
// added, removed, replaced, or resized, but deliberately misses in-place
// mutations that preserve storage identity and element count; published
// collections are immutable by convention, so such mutations do not occur in
// correct code.
type Fingerprint uint64

// ComputeFingerprint fingerprints the given collection.
func ComputeFingerprint(c *DataCollection) Fingerprint {
	h := fnv.New64a()
	var buf [8]byte

	binary.LittleEndian.PutUint64(buf[:], uint64(c.Len()))
	h.Write(buf[:])
	for _, a := range c.Arrays() {
		binary.LittleEndian.PutUint64(buf[:], a.Identity())
		h.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], uint64(a.Len()))
		h.Write(buf[:])
	}
	return Fingerprint(h.Sum64())
}
