package spawn

import (
	"fmt"
	"math"
	"math/rand"
	"strconv"
)

// ArrivalSampler generates gaps between consecutive agent arrivals.
type ArrivalSampler interface {
	// SampleGap returns the next inter-arrival gap in ticks. Always >= 1.
	SampleGap(rng *rand.Rand) int64
}

// PoissonSampler generates exponentially-distributed gaps (CV=1).
type PoissonSampler struct {
	ratePerTick float64
}

func (s *PoissonSampler) SampleGap(rng *rand.Rand) int64 {
	return atLeastOne(rng.ExpFloat64() / s.ratePerTick)
}

// GammaSampler generates Gamma-distributed gaps. CV > 1 produces platoons,
// CV < 1 more regular headways.
type GammaSampler struct {
	shape float64 // 1/CV²
	scale float64 // CV²/rate, in ticks
}

func (s *GammaSampler) SampleGap(rng *rand.Rand) int64 {
	return atLeastOne(gammaRand(rng, s.shape, s.scale))
}

// gammaRand samples from Gamma(shape, scale) with Marsaglia-Tsang;
// shape < 1 uses Gamma(shape) = Gamma(shape+1) * U^(1/shape).
func gammaRand(rng *rand.Rand, shape, scale float64) float64 {
	if shape < 1.0 {
		u := rng.Float64()
		return gammaRand(rng, shape+1.0, scale) * math.Pow(u, 1.0/shape)
	}
	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9.0*d)
	for {
		var x, v float64
		for {
			x = rng.NormFloat64()
			v = 1.0 + c*x
			if v > 0 {
				break
			}
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1.0-0.0331*(x*x)*(x*x) {
			return d * v * scale
		}
		if math.Log(u) < 0.5*x*x+d*(1.0-v+math.Log(v)) {
			return d * v * scale
		}
	}
}

// UniformSampler spaces arrivals evenly at 1/rate ticks.
type UniformSampler struct {
	gap int64
}

func (s *UniformSampler) SampleGap(*rand.Rand) int64 { return s.gap }

func atLeastOne(v float64) int64 {
	if v < 1 {
		return 1
	}
	return int64(v)
}

// NewArrivalSampler creates a sampler for process ("poisson" default,
// "gamma", "uniform") at ratePerTick arrivals per tick. Gamma reads its
// coefficient of variation from params["cv"].
func NewArrivalSampler(process string, ratePerTick float64, params map[string]string) (ArrivalSampler, error) {
	if ratePerTick <= 0 || math.IsNaN(ratePerTick) || math.IsInf(ratePerTick, 0) {
		return nil, fmt.Errorf("rate must be a positive finite number, got %g", ratePerTick)
	}
	switch process {
	case "", "poisson":
		return &PoissonSampler{ratePerTick: ratePerTick}, nil
	case "gamma":
		cv := 1.0
		if raw, ok := params["cv"]; ok {
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil || v <= 0 {
				return nil, fmt.Errorf("cv must be a positive number, got %q", raw)
			}
			cv = v
		}
		return &GammaSampler{shape: 1 / (cv * cv), scale: cv * cv / ratePerTick}, nil
	case "uniform":
		return &UniformSampler{gap: atLeastOne(1 / ratePerTick)}, nil
	default:
		return nil, fmt.Errorf("unknown arrival process %q; valid: poisson, gamma, uniform", process)
	}
}
