package rollout

import "gorgonia.org/tensor"

// Samples is one minibatch of training data emitted by a Buffer. All
// per-timestep fields are flattened to (NumSeqs * PadLength) rows in
// sequence-major order: row s*PadLength + t holds timestep t of
// sequence s, and rows past a sequence's real length are zero. Mask
// holds 1 at real timesteps and 0 at padded positions; consumers must
// exclude padded positions from loss and gradient computations.
//
// HiddenState and CellState hold the recurrent state from which each
// sequence resumes, shaped (numLayers, NumSeqs, hiddenDim).
//
// Samples reference the buffer's backing storage and are only valid
// until the buffer is Reset.
type Samples struct {
	Observations  *tensor.Dense // (NumSeqs * PadLength, obsDim)
	Actions       *tensor.Dense // (NumSeqs * PadLength, actionDim)
	OldValues     *tensor.Dense // (NumSeqs * PadLength)
	OldLogProbs   *tensor.Dense // (NumSeqs * PadLength)
	Advantages    *tensor.Dense // (NumSeqs * PadLength)
	Returns       *tensor.Dense // (NumSeqs * PadLength)
	EpisodeStarts *tensor.Dense // (NumSeqs * PadLength)
	Mask          *tensor.Dense // (NumSeqs * PadLength)

	HiddenState *tensor.Dense // (numLayers, NumSeqs, hiddenDim)
	CellState   *tensor.Dense // (numLayers, NumSeqs, hiddenDim)

	NumSeqs   int
	PadLength int
}

// DictSamples is one minibatch of training data emitted by a
// DictBuffer. It mirrors Samples, with each named observation
// sub-field padded to the same (NumSeqs * PadLength) rows using one
// shared set of sequence boundaries, and with a second recurrent
// state pair for the value function.
type DictSamples struct {
	Observations  map[string]*tensor.Dense // each (NumSeqs * PadLength, dim)
	Actions       *tensor.Dense
	OldValues     *tensor.Dense
	OldLogProbs   *tensor.Dense
	Advantages    *tensor.Dense
	Returns       *tensor.Dense
	EpisodeStarts *tensor.Dense
	Mask          *tensor.Dense

	HiddenState *tensor.Dense
	CellState   *tensor.Dense

	ValueHiddenState *tensor.Dense
	ValueCellState   *tensor.Dense

	NumSeqs   int
	PadLength int
}

// newTensor wraps a backing slice in a Dense tensor of the given
// shape
func newTensor(backing []float64, shape ...int) *tensor.Dense {
	return tensor.NewDense(
		tensor.Float64,
		tensor.Shape(shape),
		tensor.WithBacking(backing),
	)
}
