package rollout

import "testing"

func TestSequenceBoundaries(t *testing.T) {
	episodeStarts := []float64{1, 0, 0, 1, 0}
	envChange := make([]float64, 5)
	selection := []int{0, 1, 2, 3, 4}

	starts, ends := sequenceBoundaries(selection, episodeStarts, envChange)

	wantStarts := []int{0, 3}
	wantEnds := []int{2, 4}
	if len(starts) != len(wantStarts) {
		t.Fatalf("got %v sequences, want %v", len(starts), len(wantStarts))
	}
	for i := range wantStarts {
		if starts[i] != wantStarts[i] || ends[i] != wantEnds[i] {
			t.Errorf("sequence %v: got [%v, %v], want [%v, %v]", i,
				starts[i], ends[i], wantStarts[i], wantEnds[i])
		}
	}
}

func TestSequenceBoundariesFirstForced(t *testing.T) {
	// No episode or environment boundary is set anywhere, but the
	// first selected index must still begin a sequence
	episodeStarts := make([]float64, 6)
	envChange := make([]float64, 6)
	selection := []int{2, 3, 4, 5}

	starts, ends := sequenceBoundaries(selection, episodeStarts, envChange)
	if len(starts) != 1 || starts[0] != 0 || ends[0] != 3 {
		t.Errorf("got starts %v ends %v, want [0] [3]", starts, ends)
	}
}

func TestSequenceBoundariesSingleIndex(t *testing.T) {
	episodeStarts := make([]float64, 3)
	envChange := make([]float64, 3)

	starts, ends := sequenceBoundaries([]int{1}, episodeStarts, envChange)
	if len(starts) != 1 || starts[0] != 0 || ends[0] != 0 {
		t.Errorf("got starts %v ends %v, want [0] [0]", starts, ends)
	}
}

func TestSequenceBoundariesEnvChange(t *testing.T) {
	// Two environments of three timesteps each in env-major order;
	// only the env-change mask separates them
	episodeStarts := make([]float64, 6)
	envChange := envChangeMask(3, 2)
	selection := []int{0, 1, 2, 3, 4, 5}

	starts, ends := sequenceBoundaries(selection, episodeStarts, envChange)
	if len(starts) != 2 {
		t.Fatalf("got %v sequences, want 2", len(starts))
	}
	if starts[0] != 0 || ends[0] != 2 || starts[1] != 3 || ends[1] != 5 {
		t.Errorf("got starts %v ends %v, want [0 3] [2 5]", starts, ends)
	}
}

func TestPadSequences(t *testing.T) {
	// Sequences of lengths 2, 5, and 3 must all be padded to length 5
	// with zeros at each shorter sequence's tail
	starts := []int{0, 2, 7}
	ends := []int{1, 6, 9}
	selection := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	data := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	padLen := maxSequenceLength(starts, ends)
	if padLen != 5 {
		t.Fatalf("got pad length %v, want 5", padLen)
	}

	padded := padSequences(data, 1, selection, starts, ends, padLen)
	want := []float64{
		1, 2, 0, 0, 0,
		3, 4, 5, 6, 7,
		8, 9, 10, 0, 0,
	}
	if len(padded) != len(want) {
		t.Fatalf("got %v padded elements, want %v", len(padded), len(want))
	}
	for i := range want {
		if padded[i] != want[i] {
			t.Errorf("padded[%v] = %v, want %v", i, padded[i], want[i])
		}
	}

	mask := paddingMask(starts, ends, padLen)
	wantMask := []float64{
		1, 1, 0, 0, 0,
		1, 1, 1, 1, 1,
		1, 1, 1, 0, 0,
	}
	for i := range wantMask {
		if mask[i] != wantMask[i] {
			t.Errorf("mask[%v] = %v, want %v", i, mask[i], wantMask[i])
		}
	}
}

func TestSwapAndFlatten(t *testing.T) {
	// (capacity 2, envs 2, features 2): row (t, e) holds
	// 10t + e in both feature slots
	src := []float64{
		0, 0, 1, 1, // t = 0: env 0, env 1
		10, 10, 11, 11, // t = 1: env 0, env 1
	}

	dst := swapAndFlatten(src, 2, 2, 2)
	want := []float64{
		0, 0, 10, 10, // env 0: t = 0, t = 1
		1, 1, 11, 11, // env 1: t = 0, t = 1
	}
	for i := range want {
		if dst[i] != want[i] {
			t.Errorf("dst[%v] = %v, want %v", i, dst[i], want[i])
		}
	}
}

func TestFlattenStates(t *testing.T) {
	// (capacity 2, layers 2, envs 2, dim 1): entry (t, l, e) holds
	// 100t + 10l + e
	src := []float64{
		0, 1, 10, 11, // t = 0: (l0 e0) (l0 e1) (l1 e0) (l1 e1)
		100, 101, 110, 111, // t = 1
	}

	dst := flattenStates(src, 2, 2, 2, 1)
	want := []float64{
		0, 10, 100, 110, // env 0: t0 (l0 l1), t1 (l0 l1)
		1, 11, 101, 111, // env 1
	}
	for i := range want {
		if dst[i] != want[i] {
			t.Errorf("dst[%v] = %v, want %v", i, dst[i], want[i])
		}
	}
}

func TestRotatedIndices(t *testing.T) {
	indices := rotatedIndices(5, 3)
	want := []int{3, 4, 0, 1, 2}
	for i := range want {
		if indices[i] != want[i] {
			t.Errorf("indices[%v] = %v, want %v", i, indices[i], want[i])
		}
	}

	// Rotation point 0 leaves the order unchanged
	indices = rotatedIndices(3, 0)
	for i, index := range indices {
		if index != i {
			t.Errorf("indices[%v] = %v, want %v", i, index, i)
		}
	}
}
