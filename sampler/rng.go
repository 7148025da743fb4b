package sampler

import "math/rand/v2"

// xorshiftRNG wraps the stdlib's PCG generator behind a narrow interface so
// Sample's weighted-choice draw is reproducible given a seed, matching the
// "seed" field of TaskParams (spec §3).
type xorshiftRNG struct {
	r *rand.Rand
}

func newRNG(seed uint64) *xorshiftRNG {
	if seed == 0 {
		seed = 0xdeadbeefcafef00d
	}

	return &xorshiftRNG{r: rand.New(rand.NewPCG(seed, seed>>32|1))}
}

func (x *xorshiftRNG) Float64() float64 { return x.r.Float64() }
