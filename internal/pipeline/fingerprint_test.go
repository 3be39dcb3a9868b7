package pipeline

import "testing"

func TestFingerprintStableForSameCollection(t *testing.T) {
	c := NewDataCollection(
		NewDataArray("a", []float64{1, 2, 3}),
		NewDataArray("b", []float64{4, 5}),
	)

	if ComputeFingerprint(c) != ComputeFingerprint(c) {
		t.Error("fingerprint not deterministic for the same collection")
	}
}

func TestFingerprintDetectsReplacedArray(t *testing.T) {
	a := NewDataArray("a", []float64{1, 2, 3})
	c1 := NewDataCollection(a)
	c2 := c1.With(a.Clone()) // same name and length, fresh storage

	if ComputeFingerprint(c1) == ComputeFingerprint(c2) {
		t.Error("fingerprint missed a replaced storage buffer")
	}
}

func TestFingerprintDetectsAddedAndRemovedArrays(t *testing.T) {
	a := NewDataArray("a", []float64{1})
	b := NewDataArray("b", []float64{2})

	one := NewDataCollection(a)
	two := NewDataCollection(a, b)

	if ComputeFingerprint(one) == ComputeFingerprint(two) {
		t.Error("fingerprint missed an added array")
	}
}

func TestFingerprintDetectsLengthChange(t *testing.T) {
	a := NewDataArray("a", []float64{1, 2, 3})
	c := NewDataCollection(a)
	before := ComputeFingerprint(c)

	// Growing the slice in place changes the element count even though the
	// array value identity is unchanged.
	a.Values = append(a.Values, 4)

	if ComputeFingerprint(c) == before {
		t.Error("fingerprint missed an element-count change")
	}
}

func TestFingerprintMissesInPlaceMutation(t *testing.T) {
	a := NewDataArray("a", []float64{1, 2, 3})
	c := NewDataCollection(a)
	before := ComputeFingerprint(c)

	// Identity- and count-preserving mutation is invisible: published
	// arrays are immutable by convention, so this is outside the contract.
	a.Values[0] = 99

	if ComputeFingerprint(c) != before {
		t.Error("fingerprint changed on an identity-preserving mutation")
	}
}
