package rollout

import "github.com/samuelfneumann/gorollout/utils/intutils"

// This file implements the sequence machinery shared by Buffer and
// DictBuffer: computing the boundaries of episode sequences within a
// selection of flattened (environment, timestep) indices, right-padding
// variable-length sequences into a rectangular batch, and the
// env-major layout transforms applied once per fill cycle.

// sequenceBoundaries computes the boundaries of the sequences spanned
// by a selection of flattened storage indices. A new sequence begins
// at offset i whenever episodeStarts or envChange is set at
// selection[i]. The first offset always begins a sequence: the
// recurrent state recorded at any index was observed before that
// timestep, so it is valid to resume from.
//
// The returned starts and ends are offsets into selection, not
// storage indices, and ends are inclusive. A selection of length 1
// yields exactly one sequence.
func sequenceBoundaries(selection []int, episodeStarts,
	envChange []float64) (starts, ends []int) {
	for i, index := range selection {
		if i == 0 || episodeStarts[index] != 0 || envChange[index] != 0 {
			starts = append(starts, i)
		}
	}

	for i := 1; i < len(starts); i++ {
		ends = append(ends, starts[i]-1)
	}
	ends = append(ends, len(selection)-1)

	return starts, ends
}

// maxSequenceLength returns the length of the longest sequence, which
// every sequence in a batch is padded to
func maxSequenceLength(starts, ends []int) int {
	max := 0
	for i := range starts {
		max = intutils.Max(max, ends[i]-starts[i]+1)
	}
	return max
}

// padSequences gathers the rows of data addressed by selection,
// slices them into the sequences described by starts and ends, and
// right-pads every sequence with zeros to padLen timesteps. The data
// parameter is laid out as (rows, featDim) and the result as
// (len(starts) * padLen, featDim), with each sequence's real
// timesteps occupying its leading positions. Padding is always on the
// right so that the recurrence over a sequence begins at position 0.
func padSequences(data []float64, featDim int, selection, starts,
	ends []int, padLen int) []float64 {
	padded := make([]float64, len(starts)*padLen*featDim)

	for seq, start := range starts {
		for t := 0; t <= ends[seq]-start; t++ {
			row := selection[start+t] * featDim
			out := (seq*padLen + t) * featDim
			copy(padded[out:out+featDim], data[row:row+featDim])
		}
	}
	return padded
}

// paddingMask returns a (len(starts) * padLen) mask holding 1 at
// every real timestep and 0 at every padded position. Consumers
// should exclude masked-out positions from loss and gradient
// computations.
func paddingMask(starts, ends []int, padLen int) []float64 {
	mask := make([]float64, len(starts)*padLen)

	for seq, start := range starts {
		for t := 0; t <= ends[seq]-start; t++ {
			mask[seq*padLen+t] = 1
		}
	}
	return mask
}

// initialStates extracts one recurrent state per sequence - the state
// recorded at the sequence's first selected index. The states
// parameter is laid out as (rows, numLayers, dim) and the result as
// (numLayers, len(starts), dim). States are never padded: a single
// pair per sequence is all that unrolling the recurrence requires.
func initialStates(states []float64, numLayers, dim int, selection,
	starts []int) []float64 {
	nSeq := len(starts)
	out := make([]float64, numLayers*nSeq*dim)

	for seq, start := range starts {
		row := selection[start] * numLayers * dim
		for layer := 0; layer < numLayers; layer++ {
			src := row + layer*dim
			dst := (layer*nSeq + seq) * dim
			copy(out[dst:dst+dim], states[src:src+dim])
		}
	}
	return out
}

// swapAndFlatten converts an array from its fill-phase layout
// (capacity, numEnvs, feat) to the env-major sampling layout
// (numEnvs * capacity, feat), in which each environment's timesteps
// are contiguous and time ordered.
func swapAndFlatten(src []float64, capacity, numEnvs, feat int) []float64 {
	dst := make([]float64, len(src))

	for t := 0; t < capacity; t++ {
		for env := 0; env < numEnvs; env++ {
			in := (t*numEnvs + env) * feat
			out := (env*capacity + t) * feat
			copy(dst[out:out+feat], src[in:in+feat])
		}
	}
	return dst
}

// flattenStates converts recurrent state storage from its fill-phase
// layout (capacity, numLayers, numEnvs, dim) to the env-major
// sampling layout (numEnvs * capacity, numLayers, dim).
func flattenStates(src []float64, capacity, numLayers, numEnvs,
	dim int) []float64 {
	dst := make([]float64, len(src))

	for t := 0; t < capacity; t++ {
		for layer := 0; layer < numLayers; layer++ {
			for env := 0; env < numEnvs; env++ {
				in := ((t*numLayers+layer)*numEnvs + env) * dim
				out := ((env*capacity+t)*numLayers + layer) * dim
				copy(dst[out:out+dim], src[in:in+dim])
			}
		}
	}
	return dst
}

// envChangeMask returns the env-major flattened mask that is set
// wherever the flattened layout crosses from one environment's
// column to the next, so that sequences never span environments
// within a batch.
func envChangeMask(capacity, numEnvs int) []float64 {
	mask := make([]float64, capacity*numEnvs)
	for env := 0; env < numEnvs; env++ {
		mask[env*capacity] = 1
	}
	return mask
}

// rotatedIndices returns the flattened storage indices
// [0, n) rotated left at the given rotation point:
// rotation, rotation+1, ..., n-1, 0, 1, ..., rotation-1.
// Rotating at a single point keeps sequences contiguous while
// decorrelating minibatch start points across fill cycles.
func rotatedIndices(n, rotation int) []int {
	indices := make([]int, n)
	for i := range indices {
		indices[i] = (rotation + i) % n
	}
	return indices
}
