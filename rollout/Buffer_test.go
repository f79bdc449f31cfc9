package rollout

import (
	"math"
	"testing"

	"github.com/samuelfneumann/gorollout/rnnstate"
)

// testConfig returns a small Default-strategy configuration that
// individual tests override as needed
func testConfig() Config {
	return Config{
		Capacity:  5,
		NumEnvs:   1,
		ObsDim:    1,
		ActionDim: 1,
		NumLayers: 1,
		HiddenDim: 2,
		Gamma:     0.99,
		Lambda:    0.95,
		Strategy:  Default,
		Seed:      14,
	}
}

// fill adds capacity timesteps to a buffer. The observation at
// timestep t for environment e is 10t + e, the hidden and cell state
// entries are 100t + e and 100t + e + 0.5, and episode starts are
// taken from episodeStarts[t][e].
func fill(t *testing.T, b *Buffer, config Config, episodeStarts [][]bool) {
	t.Helper()

	for step := 0; step < config.Capacity; step++ {
		obs := make([]float64, config.NumEnvs*config.ObsDim)
		actions := make([]float64, config.NumEnvs*config.ActionDim)
		rewards := make([]float64, config.NumEnvs)
		values := make([]float64, config.NumEnvs)
		logProbs := make([]float64, config.NumEnvs)

		pair := rnnstate.Zeros(config.NumLayers, config.NumEnvs,
			config.HiddenDim)

		for env := 0; env < config.NumEnvs; env++ {
			for d := 0; d < config.ObsDim; d++ {
				obs[env*config.ObsDim+d] = float64(10*step + env)
			}
			actions[env*config.ActionDim] = float64(step)
			rewards[env] = 1
			values[env] = 0.5
			logProbs[env] = -1

			for layer := 0; layer < config.NumLayers; layer++ {
				for d := 0; d < config.HiddenDim; d++ {
					i := (layer*config.NumEnvs+env)*config.HiddenDim + d
					pair.Hidden[i] = float64(100*step + env)
					pair.Cell[i] = float64(100*step+env) + 0.5
				}
			}
		}

		err := b.Add(obs, actions, rewards, episodeStarts[step], values,
			logProbs, rnnstate.PolicyState(pair))
		if err != nil {
			t.Fatalf("add: %v", err)
		}
	}
}

func singleEnvStarts(flags ...bool) [][]bool {
	starts := make([][]bool, len(flags))
	for i, flag := range flags {
		starts[i] = []bool{flag}
	}
	return starts
}

func TestFillToCapacity(t *testing.T) {
	config := testConfig()
	b, err := config.Create()
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if b.Full() || b.Position() != 0 || b.Phase() != Filling {
		t.Fatalf("new buffer: full %v, position %v, phase %v", b.Full(),
			b.Position(), b.Phase())
	}

	fill(t, b, config, singleEnvStarts(true, false, false, true, false))

	if !b.Full() {
		t.Error("buffer should be full after capacity adds")
	}
	if b.Position() != config.Capacity {
		t.Errorf("got position %v, want %v", b.Position(), config.Capacity)
	}
}

func TestAddWhenFull(t *testing.T) {
	config := testConfig()
	b, _ := config.Create()
	fill(t, b, config, singleEnvStarts(true, false, false, true, false))

	err := b.Add([]float64{0}, []float64{0}, []float64{0}, []bool{false},
		[]float64{0}, []float64{0},
		rnnstate.PolicyState(rnnstate.Zeros(1, 1, 2)))
	if !IsFull(err) {
		t.Errorf("got %v, want a full-buffer error", err)
	}

	// A Reset must make the buffer writable again
	b.Reset()
	if b.Full() || b.Position() != 0 || b.Phase() != Filling {
		t.Errorf("after reset: full %v, position %v, phase %v", b.Full(),
			b.Position(), b.Phase())
	}
}

func TestGetBeforeFull(t *testing.T) {
	config := testConfig()
	b, _ := config.Create()

	if _, err := b.Get(0); !IsNotFull(err) {
		t.Errorf("got %v, want a not-full error", err)
	}
}

func TestAddShapeValidation(t *testing.T) {
	config := testConfig()
	b, _ := config.Create()

	// Observation of the wrong size
	err := b.Add([]float64{0, 1}, []float64{0}, []float64{0}, []bool{true},
		[]float64{0}, []float64{0},
		rnnstate.PolicyState(rnnstate.Zeros(1, 1, 2)))
	if err == nil {
		t.Error("expected an error for a mis-sized observation")
	}

	// Hidden state inconsistent with the configured layout
	err = b.Add([]float64{0}, []float64{0}, []float64{0}, []bool{true},
		[]float64{0}, []float64{0},
		rnnstate.PolicyState(rnnstate.Zeros(2, 1, 2)))
	if err == nil {
		t.Error("expected an error for a mis-sized recurrent state")
	}

	// Dict-style states are rejected by the flat buffer
	err = b.Add([]float64{0}, []float64{0}, []float64{0}, []bool{true},
		[]float64{0}, []float64{0},
		rnnstate.PolicyValueState(rnnstate.Zeros(1, 1, 2),
			rnnstate.Zeros(1, 1, 2)))
	if err == nil {
		t.Error("expected an error for a PolicyAndValue state")
	}
}

func TestPrepareForSamplingIdempotent(t *testing.T) {
	config := testConfig()
	b, _ := config.Create()
	fill(t, b, config, singleEnvStarts(true, false, false, true, false))

	if _, err := b.Get(2); err != nil {
		t.Fatalf("get: %v", err)
	}
	if b.Phase() != ReadyForSampling {
		t.Fatalf("got phase %v, want %v", b.Phase(), ReadyForSampling)
	}

	snapshot := make([]float64, len(b.observations))
	copy(snapshot, b.observations)

	// A second Get within the same fill cycle must not re-apply the
	// layout transform
	if _, err := b.Get(2); err != nil {
		t.Fatalf("second get: %v", err)
	}
	b.prepareForSampling()

	if len(b.observations) != len(snapshot) {
		t.Fatalf("storage size changed: got %v, want %v",
			len(b.observations), len(snapshot))
	}
	for i := range snapshot {
		if b.observations[i] != snapshot[i] {
			t.Fatalf("observations[%v] changed from %v to %v", i,
				snapshot[i], b.observations[i])
		}
	}
}

func TestSegmentsAndHiddenStates(t *testing.T) {
	config := testConfig()
	b, _ := config.Create()
	fill(t, b, config, singleEnvStarts(true, false, false, true, false))

	b.prepareForSampling()
	selection := []int{0, 1, 2, 3, 4}
	samples := b.samplesFrom(selection, envChangeMask(config.Capacity,
		config.NumEnvs))

	if samples.NumSeqs != 2 {
		t.Fatalf("got %v sequences, want 2", samples.NumSeqs)
	}
	if samples.PadLength != 3 {
		t.Fatalf("got pad length %v, want 3", samples.PadLength)
	}

	// Sequence 0 carries the state stored at global index 0 and
	// sequence 1 the state stored at global index 3
	hidden := samples.HiddenState.Data().([]float64)
	cell := samples.CellState.Data().([]float64)
	wantHidden := []float64{0, 0, 300, 300}
	for i := range wantHidden {
		if hidden[i] != wantHidden[i] {
			t.Errorf("hidden[%v] = %v, want %v", i, hidden[i],
				wantHidden[i])
		}
		if cell[i] != wantHidden[i]+0.5 {
			t.Errorf("cell[%v] = %v, want %v", i, cell[i],
				wantHidden[i]+0.5)
		}
	}

	// Observations: [0 10 20] then [30] padded to length 3
	obs := samples.Observations.Data().([]float64)
	wantObs := []float64{0, 10, 20, 30, 0, 0}
	for i := range wantObs {
		if obs[i] != wantObs[i] {
			t.Errorf("obs[%v] = %v, want %v", i, obs[i], wantObs[i])
		}
	}

	mask := samples.Mask.Data().([]float64)
	wantMask := []float64{1, 1, 1, 1, 0, 0}
	for i := range wantMask {
		if mask[i] != wantMask[i] {
			t.Errorf("mask[%v] = %v, want %v", i, mask[i], wantMask[i])
		}
	}
}

func TestEndToEndSingleBatch(t *testing.T) {
	config := testConfig()
	config.Capacity = 4
	b, _ := config.Create()
	fill(t, b, config, singleEnvStarts(true, false, false, true))

	b.prepareForSampling()
	iterator := b.defaultIterator(4, 0) // fixed rotation point: no rotation

	if !iterator.Next() {
		t.Fatal("iterator should produce one batch")
	}
	samples := iterator.Samples()

	if samples.NumSeqs != 2 || samples.PadLength != 3 {
		t.Fatalf("got %v sequences padded to %v, want 2 padded to 3",
			samples.NumSeqs, samples.PadLength)
	}

	obs := samples.Observations.Data().([]float64)
	if len(obs) != 6 {
		t.Fatalf("got %v padded timesteps, want 6", len(obs))
	}
	wantObs := []float64{0, 10, 20, 30, 0, 0}
	for i := range wantObs {
		if obs[i] != wantObs[i] {
			t.Errorf("obs[%v] = %v, want %v", i, obs[i], wantObs[i])
		}
	}

	if iterator.Next() {
		t.Error("iterator should be exhausted after one batch")
	}
}

func TestRoundTripNoDuplicationNoOmission(t *testing.T) {
	config := testConfig()
	config.Capacity = 6
	config.NumEnvs = 2
	config.Seed = 1923
	b, _ := config.Create()

	episodeStarts := make([][]bool, config.Capacity)
	for step := range episodeStarts {
		episodeStarts[step] = []bool{step == 0 || step == 4, step == 0}
	}
	fill(t, b, config, episodeStarts)

	iterator, err := b.Get(0) // one batch covering everything
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !iterator.Next() {
		t.Fatal("iterator should produce one batch")
	}
	samples := iterator.Samples()

	// Padding only ever adds timesteps: with the mask applied, every
	// stored (timestep, env) observation appears exactly once
	obs := samples.Observations.Data().([]float64)
	mask := samples.Mask.Data().([]float64)

	seen := make(map[float64]int)
	maskSum := 0.0
	for i := range mask {
		maskSum += mask[i]
		if mask[i] != 0 {
			seen[obs[i]]++
		}
	}

	total := config.Capacity * config.NumEnvs
	if maskSum != float64(total) {
		t.Errorf("mask sum = %v, want %v", maskSum, total)
	}
	for step := 0; step < config.Capacity; step++ {
		for env := 0; env < config.NumEnvs; env++ {
			value := float64(10*step + env)
			if seen[value] != 1 {
				t.Errorf("observation %v appeared %v times, want 1", value,
					seen[value])
			}
		}
	}

	if iterator.Next() {
		t.Error("iterator should be exhausted after one batch")
	}
}

func TestMinibatchCoverage(t *testing.T) {
	config := testConfig()
	config.Capacity = 8
	config.NumEnvs = 2
	b, _ := config.Create()

	episodeStarts := make([][]bool, config.Capacity)
	for step := range episodeStarts {
		episodeStarts[step] = []bool{step%3 == 0, step == 0}
	}
	fill(t, b, config, episodeStarts)

	iterator, err := b.Get(5) // 16 indices: batches of 5, 5, 5, 1
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	batches := 0
	realSteps := 0.0
	for iterator.Next() {
		samples := iterator.Samples()
		for _, m := range samples.Mask.Data().([]float64) {
			realSteps += m
		}
		batches++
	}

	if batches != 4 {
		t.Errorf("got %v batches, want 4", batches)
	}
	if realSteps != 16 {
		t.Errorf("got %v real timesteps across batches, want 16", realSteps)
	}
}

func TestComputeReturnsAndAdvantage(t *testing.T) {
	config := testConfig()
	config.Capacity = 3
	config.Gamma = 0.5
	config.Lambda = 0.5
	b, _ := config.Create()
	fill(t, b, config, singleEnvStarts(true, false, false))

	// Must fail before the buffer is full
	empty, _ := testConfig().Create()
	if err := empty.ComputeReturnsAndAdvantage([]float64{0},
		[]bool{false}); !IsNotFull(err) {
		t.Errorf("got %v, want a not-full error", err)
	}

	err := b.ComputeReturnsAndAdvantage([]float64{0.5}, []bool{false})
	if err != nil {
		t.Fatalf("computeReturnsAndAdvantage: %v", err)
	}

	// rewards are all 1 and values all 0.5, so every
	// delta = 1 + 0.5*0.5 - 0.5 = 0.75 and the backward recursion
	// gives advantages (0.984375, 0.9375, 0.75)
	wantAdv := []float64{0.984375, 0.9375, 0.75}
	for i := range wantAdv {
		if math.Abs(b.advantages[i]-wantAdv[i]) > 1e-12 {
			t.Errorf("advantages[%v] = %v, want %v", i, b.advantages[i],
				wantAdv[i])
		}
		if math.Abs(b.returns[i]-(wantAdv[i]+0.5)) > 1e-12 {
			t.Errorf("returns[%v] = %v, want %v", i, b.returns[i],
				wantAdv[i]+0.5)
		}
	}

	// Once sampling has begun the layout is flattened and the
	// computation must be rejected
	if _, err := b.Get(0); err != nil {
		t.Fatalf("get: %v", err)
	}
	err = b.ComputeReturnsAndAdvantage([]float64{0.5}, []bool{false})
	if !IsAlreadySampling(err) {
		t.Errorf("got %v, want an already-sampling error", err)
	}
}
