package rollout

import "fmt"

// Strategy stores the name of a sampling strategy that a buffer can
// be configured with
type Strategy string

// Sampling strategies available for configuration
const (
	// Default samples sequences of any length, right-padding them to
	// a common length within each minibatch. Any batch size is
	// supported. Minibatch order is decorrelated across fill cycles
	// by rotating the flattened index order at a single random point.
	Default Strategy = "Default"

	// FixedUnroll samples contiguous per-environment chunks of
	// exactly UnrollLength timesteps so that no padding is ever
	// needed. Requires Capacity % UnrollLength == 0 as well as
	// batchSize >= NumEnvs, batchSize % NumEnvs == 0, and
	// batchSize * UnrollLength == Capacity * NumEnvs.
	FixedUnroll Strategy = "FixedUnroll"
)

// Config implements a specific configuration of a Buffer. Configs are
// JSON serializable.
type Config struct {
	Capacity  int // Timesteps stored per environment
	NumEnvs   int // Number of parallel environments
	ObsDim    int // Size of a single flattened observation
	ActionDim int // Number of action dimensions

	// Recurrent state layout of the policy being trained
	NumLayers int
	HiddenDim int

	// Discounting for the generalized advantage estimate computed
	// over the filled buffer
	Gamma  float64
	Lambda float64

	Strategy     Strategy
	UnrollLength int // Only meaningful for FixedUnroll

	Seed uint64
}

// Create creates and returns the Buffer with the specified Config.
func (c Config) Create() (*Buffer, error) {
	return New(c)
}

// validate checks the fields shared by both buffer variants
func (c Config) validate(op string) error {
	if c.Capacity <= 0 {
		return fmt.Errorf("%v: capacity must be > 0", op)
	}
	if c.NumEnvs <= 0 {
		return fmt.Errorf("%v: numEnvs must be > 0", op)
	}
	if c.ObsDim <= 0 {
		return fmt.Errorf("%v: obsDim must be > 0", op)
	}
	if c.ActionDim <= 0 {
		return fmt.Errorf("%v: actionDim must be > 0", op)
	}
	if c.NumLayers <= 0 || c.HiddenDim <= 0 {
		return fmt.Errorf("%v: illegal recurrent state layout "+
			"(layers: %v, dims: %v)", op, c.NumLayers, c.HiddenDim)
	}

	switch c.Strategy {
	case Default:
		return nil

	case FixedUnroll:
		if c.UnrollLength <= 0 {
			return fmt.Errorf("%v: unrollLength must be > 0 for the "+
				"%v strategy", op, FixedUnroll)
		}
		if c.Capacity%c.UnrollLength != 0 {
			return fmt.Errorf("%v: capacity must be divisible by "+
				"unrollLength \n\tcapacity(%v)\n\tunrollLength(%v)", op,
				c.Capacity, c.UnrollLength)
		}
		return nil

	default:
		return fmt.Errorf("%v: unknown sampling strategy %q", op, c.Strategy)
	}
}

// DictConfig implements a specific configuration of a DictBuffer,
// whose observations are a mapping from named sub-fields to arrays.
// DictConfigs are JSON serializable.
type DictConfig struct {
	Capacity  int
	NumEnvs   int
	ObsDims   map[string]int // Size of each named observation sub-field
	ActionDim int

	NumLayers int
	HiddenDim int

	Gamma  float64
	Lambda float64

	// Only the Default strategy is supported: FixedUnroll cannot
	// address sub-fields of differing sizes.
	Strategy Strategy

	Seed uint64
}

// Create creates and returns the DictBuffer with the specified
// DictConfig.
func (c DictConfig) Create() (*DictBuffer, error) {
	return NewDict(c)
}
