package rollout

import (
	"fmt"
	"sort"

	"golang.org/x/exp/rand"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/gorollout/gae"
	"github.com/samuelfneumann/gorollout/rnnstate"
	"github.com/samuelfneumann/gorollout/utils/intutils"
)

// DictBuffer is a rollout buffer for recurrent policies whose
// observation is a mapping from named sub-fields to flat arrays, such
// as an image channel alongside a proprioceptive vector. Each
// sub-field is segmented and padded with the same sequence
// boundaries, computed once per minibatch.
//
// DictBuffer additionally stores a second recurrent state pair for a
// separate value function, so Add requires rnnstate.PolicyAndValue
// states. Only the Default sampling strategy is supported: the
// FixedUnroll strategy cannot address sub-fields of differing sizes.
type DictBuffer struct {
	capacity  int
	numEnvs   int
	obsDims   map[string]int
	obsKeys   []string // sorted for deterministic iteration
	actionDim int
	numLayers int
	hiddenDim int

	gamma  float64
	lambda float64

	position int
	full     bool
	phase    Phase

	observations  map[string][]float64
	actions       []float64
	rewards       []float64
	episodeStarts []float64
	values        []float64
	logProbs      []float64
	advantages    []float64
	returns       []float64

	hiddenStates []float64
	cellStates   []float64

	valueHiddenStates []float64
	valueCellStates   []float64

	rng *rand.Rand
}

// NewDict creates and returns a new DictBuffer with the given
// configuration
func NewDict(config DictConfig) (*DictBuffer, error) {
	if config.Strategy != Default {
		return nil, fmt.Errorf("newDict: dict observations support only "+
			"the %v strategy \n\thave(%v)", Default, config.Strategy)
	}
	if len(config.ObsDims) == 0 {
		return nil, fmt.Errorf("newDict: need at least one observation " +
			"sub-field")
	}
	for key, dim := range config.ObsDims {
		if dim <= 0 {
			return nil, fmt.Errorf("newDict: observation sub-field %q "+
				"must have size > 0 \n\thave(%v)", key, dim)
		}
	}

	// Reuse the flat config validation for the shared fields
	shared := Config{
		Capacity:  config.Capacity,
		NumEnvs:   config.NumEnvs,
		ObsDim:    1,
		ActionDim: config.ActionDim,
		NumLayers: config.NumLayers,
		HiddenDim: config.HiddenDim,
		Strategy:  Default,
	}
	if err := shared.validate("newDict"); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(config.ObsDims))
	for key := range config.ObsDims {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	obsDims := make(map[string]int, len(config.ObsDims))
	for key, dim := range config.ObsDims {
		obsDims[key] = dim
	}

	b := &DictBuffer{
		capacity:  config.Capacity,
		numEnvs:   config.NumEnvs,
		obsDims:   obsDims,
		obsKeys:   keys,
		actionDim: config.ActionDim,
		numLayers: config.NumLayers,
		hiddenDim: config.HiddenDim,
		gamma:     config.Gamma,
		lambda:    config.Lambda,
		rng:       rand.New(rand.NewSource(config.Seed)),
	}
	b.Reset()

	return b, nil
}

// Reset discards all stored transitions and begins a new fill cycle
func (b *DictBuffer) Reset() {
	n := b.capacity * b.numEnvs

	b.observations = make(map[string][]float64, len(b.obsKeys))
	for _, key := range b.obsKeys {
		b.observations[key] = make([]float64, n*b.obsDims[key])
	}
	b.actions = make([]float64, n*b.actionDim)
	b.rewards = make([]float64, n)
	b.episodeStarts = make([]float64, n)
	b.values = make([]float64, n)
	b.logProbs = make([]float64, n)
	b.advantages = make([]float64, n)
	b.returns = make([]float64, n)

	stateSize := b.capacity * b.numLayers * b.numEnvs * b.hiddenDim
	b.hiddenStates = make([]float64, stateSize)
	b.cellStates = make([]float64, stateSize)
	b.valueHiddenStates = make([]float64, stateSize)
	b.valueCellStates = make([]float64, stateSize)

	b.position = 0
	b.full = false
	b.phase = Filling
}

// Add records one timestep of transitions across all environments.
// Every configured observation sub-field must be present in obs with
// numEnvs * its configured size elements. The state must be
// rnnstate.PolicyAndValue, supplying the recurrent states both of the
// policy and of the value function.
func (b *DictBuffer) Add(obs map[string][]float64, actions,
	rewards []float64, episodeStarts []bool, values, logProbs []float64,
	state rnnstate.State) error {
	if b.full {
		return &BufferError{Op: "add", Err: errFull}
	}

	if len(obs) != len(b.obsKeys) {
		return fmt.Errorf("add: invalid observation sub-field count "+
			"\n\twant(%v)\n\thave(%v)", len(b.obsKeys), len(obs))
	}
	for _, key := range b.obsKeys {
		field, ok := obs[key]
		if !ok {
			return fmt.Errorf("add: missing observation sub-field %q", key)
		}
		if len(field) != b.numEnvs*b.obsDims[key] {
			return fmt.Errorf("add: invalid size for observation "+
				"sub-field %q \n\twant(%v)\n\thave(%v)", key,
				b.numEnvs*b.obsDims[key], len(field))
		}
	}
	if len(actions) != b.numEnvs*b.actionDim {
		return fmt.Errorf("add: invalid action size "+
			"\n\twant(%v)\n\thave(%v)", b.numEnvs*b.actionDim, len(actions))
	}
	if len(rewards) != b.numEnvs || len(episodeStarts) != b.numEnvs ||
		len(values) != b.numEnvs || len(logProbs) != b.numEnvs {
		return fmt.Errorf("add: per-environment arrays must have one "+
			"entry per environment \n\twant(%v)\n\thave(rewards: %v, "+
			"episodeStarts: %v, values: %v, logProbs: %v)", b.numEnvs,
			len(rewards), len(episodeStarts), len(values), len(logProbs))
	}

	if state.Kind() != rnnstate.PolicyAndValue {
		return fmt.Errorf("add: illegal recurrent state kind for dict "+
			"observations \n\twant(%v)\n\thave(%v)", rnnstate.PolicyAndValue,
			state.Kind())
	}
	if err := state.Policy().Validate(b.numLayers, b.numEnvs,
		b.hiddenDim); err != nil {
		return fmt.Errorf("add: policy state: %v", err)
	}
	valueState, _ := state.Value()
	if err := valueState.Validate(b.numLayers, b.numEnvs,
		b.hiddenDim); err != nil {
		return fmt.Errorf("add: value state: %v", err)
	}

	for _, key := range b.obsKeys {
		dim := b.obsDims[key]
		start := b.position * b.numEnvs * dim
		copy(b.observations[key][start:start+b.numEnvs*dim], obs[key])
	}

	actStart := b.position * b.numEnvs * b.actionDim
	copy(b.actions[actStart:actStart+b.numEnvs*b.actionDim], actions)

	for env := 0; env < b.numEnvs; env++ {
		i := b.position*b.numEnvs + env
		b.rewards[i] = rewards[env]
		b.values[i] = values[env]
		b.logProbs[i] = logProbs[env]
		if episodeStarts[env] {
			b.episodeStarts[i] = 1
		}
	}

	stateStart := b.position * b.numLayers * b.numEnvs * b.hiddenDim
	stateSize := b.numLayers * b.numEnvs * b.hiddenDim
	copy(b.hiddenStates[stateStart:stateStart+stateSize],
		state.Policy().Hidden)
	copy(b.cellStates[stateStart:stateStart+stateSize], state.Policy().Cell)
	copy(b.valueHiddenStates[stateStart:stateStart+stateSize],
		valueState.Hidden)
	copy(b.valueCellStates[stateStart:stateStart+stateSize],
		valueState.Cell)

	b.position++
	if b.position == b.capacity {
		b.full = true
	}
	return nil
}

// ComputeReturnsAndAdvantage fills the buffer's advantage and return
// storage using GAE(λ), exactly as for Buffer.
func (b *DictBuffer) ComputeReturnsAndAdvantage(lastValues []float64,
	lastDones []bool) error {
	const op = "computeReturnsAndAdvantage"

	if !b.full {
		return &BufferError{Op: op, Err: errNotFull}
	}
	if b.phase != Filling {
		return &BufferError{Op: op, Err: errAlreadySampling}
	}
	if len(lastValues) != b.numEnvs || len(lastDones) != b.numEnvs {
		return fmt.Errorf("%v: need one final value and done flag per "+
			"environment \n\twant(%v)\n\thave(values: %v, dones: %v)", op,
			b.numEnvs, len(lastValues), len(lastDones))
	}

	estimator := gae.Estimator{Gamma: b.gamma, Lambda: b.lambda}

	rewards := make([]float64, b.capacity)
	values := make([]float64, b.capacity)
	starts := make([]float64, b.capacity)

	for env := 0; env < b.numEnvs; env++ {
		for t := 0; t < b.capacity; t++ {
			i := t*b.numEnvs + env
			rewards[t] = b.rewards[i]
			values[t] = b.values[i]
			starts[t] = b.episodeStarts[i]
		}

		advantages, returns, err := estimator.Estimate(rewards, values,
			starts, lastValues[env], lastDones[env])
		if err != nil {
			return fmt.Errorf("%v: %v", op, err)
		}

		for t := 0; t < b.capacity; t++ {
			i := t*b.numEnvs + env
			b.advantages[i] = advantages[t]
			b.returns[i] = returns[t]
		}
	}
	return nil
}

// prepareForSampling flattens all storage to the env-major sampling
// layout, once per fill cycle
func (b *DictBuffer) prepareForSampling() {
	if b.phase == ReadyForSampling {
		return
	}

	for _, states := range []*[]float64{&b.hiddenStates, &b.cellStates,
		&b.valueHiddenStates, &b.valueCellStates} {
		*states = flattenStates(*states, b.capacity, b.numLayers,
			b.numEnvs, b.hiddenDim)
	}

	for _, key := range b.obsKeys {
		b.observations[key] = swapAndFlatten(b.observations[key],
			b.capacity, b.numEnvs, b.obsDims[key])
	}
	b.actions = swapAndFlatten(b.actions, b.capacity, b.numEnvs, b.actionDim)

	for _, scalars := range []*[]float64{&b.rewards, &b.episodeStarts,
		&b.values, &b.logProbs, &b.advantages, &b.returns} {
		*scalars = swapAndFlatten(*scalars, b.capacity, b.numEnvs, 1)
	}

	b.phase = ReadyForSampling
}

// Get returns an iterator over the minibatches of the current fill
// cycle, with the same contract as Buffer.Get.
func (b *DictBuffer) Get(batchSize int) (DictIterator, error) {
	if !b.full {
		return nil, &BufferError{Op: "get", Err: errNotFull}
	}
	b.prepareForSampling()

	total := b.capacity * b.numEnvs
	if batchSize <= 0 {
		batchSize = total
	}

	return &dictIterator{
		buffer:    b,
		indices:   rotatedIndices(total, b.rng.Intn(total)),
		envChange: envChangeMask(b.capacity, b.numEnvs),
		batchSize: batchSize,
	}, nil
}

// samplesFrom assembles one minibatch from a selection of flattened
// storage indices. Every observation sub-field is padded with the
// same sequence boundaries.
func (b *DictBuffer) samplesFrom(selection []int,
	envChange []float64) *DictSamples {
	starts, ends := sequenceBoundaries(selection, b.episodeStarts, envChange)
	nSeq := len(starts)
	padLen := maxSequenceLength(starts, ends)
	rows := nSeq * padLen

	observations := make(map[string]*tensor.Dense, len(b.obsKeys))
	for _, key := range b.obsKeys {
		dim := b.obsDims[key]
		observations[key] = newTensor(padSequences(b.observations[key],
			dim, selection, starts, ends, padLen), rows, dim)
	}

	return &DictSamples{
		Observations: observations,
		Actions: newTensor(padSequences(b.actions, b.actionDim, selection,
			starts, ends, padLen), rows, b.actionDim),
		OldValues: newTensor(padSequences(b.values, 1, selection, starts,
			ends, padLen), rows),
		OldLogProbs: newTensor(padSequences(b.logProbs, 1, selection,
			starts, ends, padLen), rows),
		Advantages: newTensor(padSequences(b.advantages, 1, selection,
			starts, ends, padLen), rows),
		Returns: newTensor(padSequences(b.returns, 1, selection, starts,
			ends, padLen), rows),
		EpisodeStarts: newTensor(padSequences(b.episodeStarts, 1,
			selection, starts, ends, padLen), rows),
		Mask: newTensor(paddingMask(starts, ends, padLen), rows),

		HiddenState: newTensor(initialStates(b.hiddenStates, b.numLayers,
			b.hiddenDim, selection, starts), b.numLayers, nSeq, b.hiddenDim),
		CellState: newTensor(initialStates(b.cellStates, b.numLayers,
			b.hiddenDim, selection, starts), b.numLayers, nSeq, b.hiddenDim),
		ValueHiddenState: newTensor(initialStates(b.valueHiddenStates,
			b.numLayers, b.hiddenDim, selection, starts), b.numLayers, nSeq,
			b.hiddenDim),
		ValueCellState: newTensor(initialStates(b.valueCellStates,
			b.numLayers, b.hiddenDim, selection, starts), b.numLayers, nSeq,
			b.hiddenDim),

		NumSeqs:   nSeq,
		PadLength: padLen,
	}
}

// Position returns the buffer's write cursor: the number of timesteps
// added so far in the current fill cycle.
func (b *DictBuffer) Position() int {
	return b.position
}

// Full returns whether the buffer has been filled to capacity
func (b *DictBuffer) Full() bool {
	return b.full
}

// Phase returns the buffer's lifecycle phase within the current fill
// cycle
func (b *DictBuffer) Phase() Phase {
	return b.phase
}

// DictIterator lazily produces the minibatches of one DictBuffer fill
// cycle, with the same contract as Iterator.
type DictIterator interface {
	Next() bool
	Samples() *DictSamples
}

type dictIterator struct {
	buffer    *DictBuffer
	indices   []int
	envChange []float64
	batchSize int
	offset    int
	samples   *DictSamples
}

func (it *dictIterator) Next() bool {
	if it.offset >= len(it.indices) {
		return false
	}

	end := intutils.Min(it.offset+it.batchSize, len(it.indices))
	it.samples = it.buffer.samplesFrom(it.indices[it.offset:end],
		it.envChange)
	it.offset = end
	return true
}

func (it *dictIterator) Samples() *DictSamples {
	return it.samples
}
