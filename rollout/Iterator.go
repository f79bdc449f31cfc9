package rollout

import (
	"fmt"

	"github.com/samuelfneumann/gorollout/utils/intutils"
)

// Iterator lazily produces the minibatches of one fill cycle. It is
// used in the manner of bufio.Scanner:
//
//	it, err := buffer.Get(batchSize)
//	if err != nil { ... }
//	for it.Next() {
//		batch := it.Samples()
//		...
//	}
//
// Together, the minibatches of one iterator cover every stored
// timestep exactly once. Iterators are finite and non-restartable.
type Iterator interface {
	// Next advances to the next minibatch, returning false when the
	// fill cycle is exhausted
	Next() bool

	// Samples returns the current minibatch. It is only valid after
	// a call to Next that returned true.
	Samples() *Samples
}

// defaultIterator walks a rotated ordering of the flattened storage
// indices in fixed-size windows, slicing each window into padded
// sequences. The last window may be smaller than batchSize.
type defaultIterator struct {
	buffer    *Buffer
	indices   []int
	envChange []float64
	batchSize int
	offset    int
	samples   *Samples
}

func (b *Buffer) defaultIterator(batchSize, rotation int) Iterator {
	return &defaultIterator{
		buffer:    b,
		indices:   rotatedIndices(b.capacity*b.numEnvs, rotation),
		envChange: envChangeMask(b.capacity, b.numEnvs),
		batchSize: batchSize,
	}
}

func (it *defaultIterator) Next() bool {
	if it.offset >= len(it.indices) {
		return false
	}

	end := intutils.Min(it.offset+it.batchSize, len(it.indices))
	it.samples = it.buffer.samplesFrom(it.indices[it.offset:end],
		it.envChange)
	it.offset = end
	return true
}

func (it *defaultIterator) Samples() *Samples {
	return it.samples
}

// unrollIterator produces minibatches of exactly unrollLength-long
// sequences by walking each environment's contiguous storage in
// unroll-sized chunks, stackSize chunks per environment per
// minibatch. No padding is ever needed.
type unrollIterator struct {
	buffer     *Buffer
	stackSize  int
	iterations int
	iteration  int
	samples    *Samples
}

func (b *Buffer) unrollIterator(batchSize int) (Iterator, error) {
	if batchSize < b.numEnvs {
		return nil, fmt.Errorf("get: batch size must be at least the "+
			"number of environments \n\tbatchSize(%v)\n\tnumEnvs(%v)",
			batchSize, b.numEnvs)
	}
	if batchSize%b.numEnvs != 0 {
		return nil, fmt.Errorf("get: batch size must be divisible by the "+
			"number of environments \n\tbatchSize(%v)\n\tnumEnvs(%v)",
			batchSize, b.numEnvs)
	}
	if batchSize*b.unrollLength != b.capacity*b.numEnvs {
		return nil, fmt.Errorf("get: batchSize * unrollLength must equal "+
			"capacity * numEnvs \n\thave(%v * %v = %v)\n\twant(%v * %v = %v)",
			batchSize, b.unrollLength, batchSize*b.unrollLength,
			b.capacity, b.numEnvs, b.capacity*b.numEnvs)
	}

	stackSize := batchSize / b.numEnvs
	return &unrollIterator{
		buffer:     b,
		stackSize:  stackSize,
		iterations: (b.capacity / b.unrollLength) / stackSize,
	}, nil
}

func (it *unrollIterator) Next() bool {
	if it.iteration >= it.iterations {
		return false
	}

	it.samples = it.buffer.unrollSamples(it.iteration, it.stackSize)
	it.iteration++
	return true
}

func (it *unrollIterator) Samples() *Samples {
	return it.samples
}

// unrollSamples assembles one fixed-unroll minibatch. Sequence
// j*numEnvs + env holds environment env's timesteps
// [(iteration*stackSize + j) * unrollLength, ... + unrollLength).
func (b *Buffer) unrollSamples(iteration, stackSize int) *Samples {
	unroll := b.unrollLength
	nSeq := stackSize * b.numEnvs
	rows := nSeq * unroll

	gather := func(data []float64, feat int) []float64 {
		out := make([]float64, rows*feat)
		for j := 0; j < stackSize; j++ {
			chunk := (iteration*stackSize + j) * unroll
			for env := 0; env < b.numEnvs; env++ {
				seq := j*b.numEnvs + env
				src := (env*b.capacity + chunk) * feat
				dst := seq * unroll * feat
				copy(out[dst:dst+unroll*feat], data[src:src+unroll*feat])
			}
		}
		return out
	}

	states := func(data []float64) []float64 {
		out := make([]float64, b.numLayers*nSeq*b.hiddenDim)
		for j := 0; j < stackSize; j++ {
			chunk := (iteration*stackSize + j) * unroll
			for env := 0; env < b.numEnvs; env++ {
				seq := j*b.numEnvs + env
				row := (env*b.capacity + chunk) * b.numLayers * b.hiddenDim
				for layer := 0; layer < b.numLayers; layer++ {
					src := row + layer*b.hiddenDim
					dst := (layer*nSeq + seq) * b.hiddenDim
					copy(out[dst:dst+b.hiddenDim], data[src:src+b.hiddenDim])
				}
			}
		}
		return out
	}

	mask := make([]float64, rows)
	for i := range mask {
		mask[i] = 1
	}

	return &Samples{
		Observations: newTensor(gather(b.observations, b.obsDim), rows,
			b.obsDim),
		Actions: newTensor(gather(b.actions, b.actionDim), rows,
			b.actionDim),
		OldValues:     newTensor(gather(b.values, 1), rows),
		OldLogProbs:   newTensor(gather(b.logProbs, 1), rows),
		Advantages:    newTensor(gather(b.advantages, 1), rows),
		Returns:       newTensor(gather(b.returns, 1), rows),
		EpisodeStarts: newTensor(gather(b.episodeStarts, 1), rows),
		Mask:          newTensor(mask, rows),

		HiddenState: newTensor(states(b.hiddenStates), b.numLayers, nSeq,
			b.hiddenDim),
		CellState: newTensor(states(b.cellStates), b.numLayers, nSeq,
			b.hiddenDim),

		NumSeqs:   nSeq,
		PadLength: unroll,
	}
}
