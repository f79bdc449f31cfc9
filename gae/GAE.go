// Package gae implements generalized advantage estimation - GAE(λ) -
// over time-ordered rollout data, following
// https://arxiv.org/abs/1506.02438. It is the upstream collaborator
// that populates a rollout buffer's advantage and return storage
// before sampling begins.
package gae

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/samuelfneumann/gorollout/utils/matutils"
)

// Estimator computes GAE(λ) advantages and λ-returns for a single
// environment's time series of rewards and value estimates. Episode
// boundaries within the series are respected: the temporal-difference
// residual at the last step of an episode does not bootstrap from the
// first value of the next one, and advantages never accumulate across
// episodes.
type Estimator struct {
	Gamma  float64 // Discount factor ℽ
	Lambda float64 // λ for GAE(λ); 1 recovers the Monte-Carlo advantage
}

// Estimate computes advantages and returns for one environment. The
// episodeStarts parameter holds 1 at the first timestep of each
// episode and 0 elsewhere. The lastValue and lastDone parameters
// describe the timestep after the series' final one: the value
// estimate of the next state, used to bootstrap the final residual,
// and whether the final transition ended its episode.
//
// The returned advantages and returns have the same length as the
// inputs, with returns[t] = advantages[t] + values[t], the λ-return
// regression target for the value function.
func (e Estimator) Estimate(rewards, values, episodeStarts []float64,
	lastValue float64, lastDone bool) ([]float64, []float64, error) {
	n := len(rewards)
	if n == 0 {
		return nil, nil, fmt.Errorf("estimate: no timesteps given")
	}
	if len(values) != n || len(episodeStarts) != n {
		return nil, nil, fmt.Errorf("estimate: mismatched series lengths "+
			"\n\trewards(%v)\n\tvalues(%v)\n\tepisodeStarts(%v)", n,
			len(values), len(episodeStarts))
	}

	// nextNonTerminal[t] is 0 where timestep t ends an episode,
	// cutting both bootstrapping and advantage accumulation there
	nextNonTerminal := make([]float64, n)
	nextValues := make([]float64, n)
	for t := 0; t < n-1; t++ {
		nextNonTerminal[t] = 1 - episodeStarts[t+1]
		nextValues[t] = values[t+1]
	}
	nextNonTerminal[n-1] = 1
	if lastDone {
		nextNonTerminal[n-1] = 0
	}
	nextValues[n-1] = lastValue

	// deltas = rewards + ℽ * nextValues ∘ nextNonTerminal - values
	bootstraps := mat.NewVecDense(n, nil)
	bootstraps.MulElemVec(mat.NewVecDense(n, nextValues),
		mat.NewVecDense(n, nextNonTerminal))

	deltas := mat.NewVecDense(n, nil)
	deltas.AddScaledVec(mat.NewVecDense(n, rewards), e.Gamma, bootstraps)
	deltas.SubVec(deltas, mat.NewVecDense(n, values))

	// Backward recursion:
	// advantages[t] = deltas[t] + ℽλ * nextNonTerminal[t] * advantages[t+1]
	advantages := make([]float64, n)
	next := 0.0
	for t := n - 1; t >= 0; t-- {
		next = deltas.AtVec(t) + e.Gamma*e.Lambda*nextNonTerminal[t]*next
		advantages[t] = next
	}

	returns := make([]float64, n)
	floats.AddTo(returns, advantages, values)

	return advantages, returns, nil
}

// Normalize standardizes advantages in place to mean 0 and standard
// deviation 1. Training loops typically apply this per minibatch
// before computing the policy gradient.
func Normalize(advantages []float64) {
	adv := mat.NewVecDense(len(advantages), advantages)
	ones := matutils.VecOnes(adv.Len())

	mean := stat.Mean(advantages, nil)
	std := stat.StdDev(advantages, nil) + 1e-8
	stdVec := mat.NewVecDense(adv.Len(), nil)
	stdVec.AddScaledVec(stdVec, std, ones)

	adv.AddScaledVec(adv, -mean, ones)
	adv.DivElemVec(adv, stdVec)
}
