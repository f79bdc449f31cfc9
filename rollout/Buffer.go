// Package rollout implements fixed-capacity experience buffers for
// on-policy training of recurrent policies. A buffer accumulates one
// timestep of transitions across a set of parallel environments per
// Add, recording alongside each transition the recurrent state the
// policy carried into that timestep. Once full, the buffer replays
// its contents as minibatches of contiguous sequences: runs of
// timesteps that cross neither an episode boundary nor an environment
// boundary, right-padded to a common length and paired with the
// recurrent state from which each run resumes.
//
// Buffers are single-threaded. Exactly one producer fills the buffer
// with Add, advantages and returns are computed with
// ComputeReturnsAndAdvantage, and minibatches are then drawn through
// the iterator returned by Get. A fill cycle ends with Reset, which
// invalidates all previously emitted minibatches.
package rollout

import (
	"fmt"

	"golang.org/x/exp/rand"

	"github.com/samuelfneumann/gorollout/gae"
	"github.com/samuelfneumann/gorollout/rnnstate"
)

// Phase denotes the lifecycle phase of a buffer within one fill cycle
type Phase int

const (
	// Filling buffers accept transitions through Add. Storage is laid
	// out timestep-major: (capacity, numEnvs, ...).
	Filling Phase = iota

	// ReadyForSampling buffers have had their storage flattened to
	// the env-major layout (numEnvs * capacity, ...) that sampling
	// indexes into. The transition happens once, on the first Get of
	// each fill cycle.
	ReadyForSampling
)

func (p Phase) String() string {
	switch p {
	case Filling:
		return "Filling"
	case ReadyForSampling:
		return "ReadyForSampling"
	default:
		return "UnknownPhase"
	}
}

// Buffer is a rollout buffer for recurrent policies whose observation
// is a single flat array. Observations with named sub-fields are
// handled by DictBuffer.
type Buffer struct {
	capacity  int
	numEnvs   int
	obsDim    int
	actionDim int
	numLayers int
	hiddenDim int

	gamma  float64
	lambda float64

	strategy     Strategy
	unrollLength int

	position int
	full     bool
	phase    Phase

	// Payload storage. While Filling, per-timestep arrays are laid
	// out (capacity, numEnvs, feat) and recurrent state arrays
	// (capacity, numLayers, numEnvs, hiddenDim).
	observations  []float64
	actions       []float64
	rewards       []float64
	episodeStarts []float64
	values        []float64
	logProbs      []float64
	advantages    []float64
	returns       []float64

	hiddenStates []float64
	cellStates   []float64

	rng *rand.Rand
}

// New creates and returns a new Buffer with the given configuration.
// The buffer starts a fresh fill cycle in the Filling phase.
func New(config Config) (*Buffer, error) {
	if err := config.validate("new"); err != nil {
		return nil, err
	}

	b := &Buffer{
		capacity:     config.Capacity,
		numEnvs:      config.NumEnvs,
		obsDim:       config.ObsDim,
		actionDim:    config.ActionDim,
		numLayers:    config.NumLayers,
		hiddenDim:    config.HiddenDim,
		gamma:        config.Gamma,
		lambda:       config.Lambda,
		strategy:     config.Strategy,
		unrollLength: config.UnrollLength,
		rng:          rand.New(rand.NewSource(config.Seed)),
	}
	b.Reset()

	return b, nil
}

// Reset discards all stored transitions and begins a new fill cycle.
// Minibatches emitted before the Reset must not be used afterwards.
func (b *Buffer) Reset() {
	n := b.capacity * b.numEnvs

	b.observations = make([]float64, n*b.obsDim)
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

	b.position = 0
	b.full = false
	b.phase = Filling
}

// Add records one timestep of transitions across all environments,
// together with the recurrent state the policy carried into the
// timestep. The state must be rnnstate.PolicyOnly and already in the
// buffer's native (layer, env, dim) array layout; any device or
// framework conversion is the producer's responsibility.
//
// Add returns an error satisfying IsFull if the buffer is at
// capacity, in which case it must be Reset before adding again.
func (b *Buffer) Add(obs, actions, rewards []float64, episodeStarts []bool,
	values, logProbs []float64, state rnnstate.State) error {
	if b.full {
		return &BufferError{Op: "add", Err: errFull}
	}

	if len(obs) != b.numEnvs*b.obsDim {
		return fmt.Errorf("add: invalid observation size "+
			"\n\twant(%v)\n\thave(%v)", b.numEnvs*b.obsDim, len(obs))
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

	if state.Kind() != rnnstate.PolicyOnly {
		return fmt.Errorf("add: illegal recurrent state kind for flat "+
			"observations \n\twant(%v)\n\thave(%v)", rnnstate.PolicyOnly,
			state.Kind())
	}
	if err := state.Policy().Validate(b.numLayers, b.numEnvs,
		b.hiddenDim); err != nil {
		return fmt.Errorf("add: %v", err)
	}

	obsStart := b.position * b.numEnvs * b.obsDim
	copy(b.observations[obsStart:obsStart+b.numEnvs*b.obsDim], obs)

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

	b.position++
	if b.position == b.capacity {
		b.full = true
	}
	return nil
}

// ComputeReturnsAndAdvantage fills the buffer's advantage and return
// storage using GAE(λ) with the configured gamma and lambda. The
// lastValues and lastDones parameters describe the timestep following
// the buffer's final one: the value estimate of each environment's
// next state, and whether each environment's final transition ended
// its episode.
//
// The buffer must be full and must not yet have been sampled from.
func (b *Buffer) ComputeReturnsAndAdvantage(lastValues []float64,
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

// prepareForSampling flattens all storage from its timestep-major
// fill layout to the env-major sampling layout. The transform runs
// once per fill cycle; later calls are no-ops.
func (b *Buffer) prepareForSampling() {
	if b.phase == ReadyForSampling {
		return
	}

	b.hiddenStates = flattenStates(b.hiddenStates, b.capacity, b.numLayers,
		b.numEnvs, b.hiddenDim)
	b.cellStates = flattenStates(b.cellStates, b.capacity, b.numLayers,
		b.numEnvs, b.hiddenDim)

	b.observations = swapAndFlatten(b.observations, b.capacity, b.numEnvs,
		b.obsDim)
	b.actions = swapAndFlatten(b.actions, b.capacity, b.numEnvs, b.actionDim)

	for _, scalars := range []*[]float64{&b.rewards, &b.episodeStarts,
		&b.values, &b.logProbs, &b.advantages, &b.returns} {
		*scalars = swapAndFlatten(*scalars, b.capacity, b.numEnvs, 1)
	}

	b.phase = ReadyForSampling
}

// Get returns an iterator over the minibatches of the current fill
// cycle. The iterator is finite and non-restartable: once exhausted,
// the buffer must be Reset and refilled before calling Get again.
// A batchSize <= 0 emits the whole buffer as a single minibatch.
//
// The first Get of each fill cycle flattens the buffer's storage in
// place; emitted minibatches reference that storage and remain valid
// only until the next Reset.
func (b *Buffer) Get(batchSize int) (Iterator, error) {
	if !b.full {
		return nil, &BufferError{Op: "get", Err: errNotFull}
	}
	b.prepareForSampling()

	total := b.capacity * b.numEnvs
	if batchSize <= 0 {
		batchSize = total
	}

	if b.strategy == FixedUnroll {
		return b.unrollIterator(batchSize)
	}
	return b.defaultIterator(batchSize, b.rng.Intn(total)), nil
}

// samplesFrom assembles one minibatch from a selection of flattened
// storage indices. Only valid in the ReadyForSampling phase.
func (b *Buffer) samplesFrom(selection []int, envChange []float64) *Samples {
	starts, ends := sequenceBoundaries(selection, b.episodeStarts, envChange)
	nSeq := len(starts)
	padLen := maxSequenceLength(starts, ends)
	rows := nSeq * padLen

	return &Samples{
		Observations: newTensor(padSequences(b.observations, b.obsDim,
			selection, starts, ends, padLen), rows, b.obsDim),
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
		EpisodeStarts: newTensor(padSequences(b.episodeStarts, 1, selection,
			starts, ends, padLen), rows),
		Mask: newTensor(paddingMask(starts, ends, padLen), rows),

		HiddenState: newTensor(initialStates(b.hiddenStates, b.numLayers,
			b.hiddenDim, selection, starts), b.numLayers, nSeq, b.hiddenDim),
		CellState: newTensor(initialStates(b.cellStates, b.numLayers,
			b.hiddenDim, selection, starts), b.numLayers, nSeq, b.hiddenDim),

		NumSeqs:   nSeq,
		PadLength: padLen,
	}
}

// Position returns the buffer's write cursor: the number of timesteps
// added so far in the current fill cycle.
func (b *Buffer) Position() int {
	return b.position
}

// Full returns whether the buffer has been filled to capacity
func (b *Buffer) Full() bool {
	return b.full
}

// Phase returns the buffer's lifecycle phase within the current fill
// cycle
func (b *Buffer) Phase() Phase {
	return b.phase
}

// Capacity returns the number of timesteps the buffer stores per
// environment
func (b *Buffer) Capacity() int {
	return b.capacity
}

// NumEnvs returns the number of parallel environments the buffer
// stores transitions for
func (b *Buffer) NumEnvs() int {
	return b.numEnvs
}
