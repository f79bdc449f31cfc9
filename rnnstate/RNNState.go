// Package rnnstate implements value types for the recurrent state
// carried by an LSTM-style policy. A recurrent state is a pair of
// arrays - the short-term (hidden) state and the long-term (cell)
// state - and a policy may carry one such pair for itself only, or
// one for itself and one for a separate value function.
package rnnstate

import "fmt"

// Pair holds the hidden and cell state arrays of one recurrent
// network, flattened in (layer, environment, dimension) order. Both
// arrays must always have the same length.
type Pair struct {
	Hidden []float64
	Cell   []float64
}

// NewPair creates and returns a new Pair from a hidden and a cell
// state array of equal length.
func NewPair(hidden, cell []float64) (Pair, error) {
	if len(hidden) != len(cell) {
		return Pair{}, fmt.Errorf("newPair: hidden and cell state lengths "+
			"differ \n\thidden(%v)\n\tcell(%v)", len(hidden), len(cell))
	}
	return Pair{Hidden: hidden, Cell: cell}, nil
}

// Zeros returns a zero-valued Pair sized for numLayers recurrent
// layers across numEnvs environments with hiddenDim units per layer.
func Zeros(numLayers, numEnvs, hiddenDim int) Pair {
	size := numLayers * numEnvs * hiddenDim
	return Pair{
		Hidden: make([]float64, size),
		Cell:   make([]float64, size),
	}
}

// Len returns the number of elements in each of the Pair's arrays
func (p Pair) Len() int {
	return len(p.Hidden)
}

// Validate checks that the Pair is consistent with the given recurrent
// layout, returning a descriptive error if it is not.
func (p Pair) Validate(numLayers, numEnvs, hiddenDim int) error {
	if len(p.Hidden) != len(p.Cell) {
		return fmt.Errorf("validate: hidden and cell state lengths differ "+
			"\n\thidden(%v)\n\tcell(%v)", len(p.Hidden), len(p.Cell))
	}
	if expect := numLayers * numEnvs * hiddenDim; len(p.Hidden) != expect {
		return fmt.Errorf("validate: illegal state length for "+
			"(layers, envs, dims) = (%v, %v, %v) \n\twant(%v)\n\thave(%v)",
			numLayers, numEnvs, hiddenDim, expect, len(p.Hidden))
	}
	return nil
}

// Kind denotes which recurrent state pairs a State carries
type Kind int

const (
	// PolicyOnly states carry a single recurrent state pair, shared
	// between the policy and its value head
	PolicyOnly Kind = iota

	// PolicyAndValue states carry one recurrent state pair for the
	// policy and a second for a separate value function
	PolicyAndValue
)

func (k Kind) String() string {
	switch k {
	case PolicyOnly:
		return "PolicyOnly"
	case PolicyAndValue:
		return "PolicyAndValue"
	default:
		return "UnknownKind"
	}
}

// State is a tagged union of the recurrent state pairs observed at a
// single timestep. A State is either PolicyOnly, carrying only the
// policy network's Pair, or PolicyAndValue, additionally carrying the
// value function's Pair. Consumers should switch on Kind() and treat
// any other value as a programming error.
type State struct {
	kind   Kind
	policy Pair
	value  Pair
}

// PolicyState returns a PolicyOnly State wrapping the policy
// network's recurrent state pair.
func PolicyState(policy Pair) State {
	return State{kind: PolicyOnly, policy: policy}
}

// PolicyValueState returns a PolicyAndValue State wrapping the policy
// network's and the value function's recurrent state pairs.
func PolicyValueState(policy, value Pair) State {
	return State{kind: PolicyAndValue, policy: policy, value: value}
}

// Kind returns the tag of the State
func (s State) Kind() Kind {
	return s.kind
}

// Policy returns the policy network's recurrent state pair
func (s State) Policy() Pair {
	return s.policy
}

// Value returns the value function's recurrent state pair. The
// second return value is false if the State is not PolicyAndValue,
// in which case the returned Pair holds no data.
func (s State) Value() (Pair, bool) {
	if s.kind != PolicyAndValue {
		return Pair{}, false
	}
	return s.value, true
}
