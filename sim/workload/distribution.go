package workload

import (
	"fmt"
	"math"
	"math/rand"
)

// LengthSampler generates token count samples.
type LengthSampler interface {
	// Sample returns a positive token count (>= 1).
	Sample(rng *rand.Rand) int
}

// ConstantSampler always returns the same length.
type ConstantSampler struct {
	value int
}

func (s *ConstantSampler) Sample(_ *rand.Rand) int {
	return s.value
}

// GaussianSampler produces clamped Gaussian token lengths.
type GaussianSampler struct {
	mean, stdDev float64
	min, max     int
}

func (s *GaussianSampler) Sample(rng *rand.Rand) int {
	if s.min == s.max {
		return s.min
	}
	val := rng.NormFloat64()*s.stdDev + s.mean
	clamped := math.Min(float64(s.max), math.Max(float64(s.min), val))
	return max(1, int(math.Round(clamped)))
}

// ExponentialSampler produces exponentially-distributed token lengths,
// optionally capped at max.
type ExponentialSampler struct {
	mean float64
	max  int
}

func (s *ExponentialSampler) Sample(rng *rand.Rand) int {
	result := max(1, int(math.Round(rng.ExpFloat64()*s.mean)))
	if s.max > 0 && result > s.max {
		return s.max
	}
	return result
}

// NewLengthSampler builds the sampler a DistSpec describes.
func NewLengthSampler(d DistSpec) (LengthSampler, error) {
	p := d.Params
	switch d.Type {
	case "constant":
		v := int(p["value"])
		if v < 1 {
			return nil, fmt.Errorf("constant value must be >= 1, got %d", v)
		}
		return &ConstantSampler{value: v}, nil
	case "gaussian":
		lo, hi := int(p["min"]), int(p["max"])
		if lo < 1 || hi < lo {
			return nil, fmt.Errorf("gaussian bounds must satisfy 1 <= min <= max, got [%d, %d]", lo, hi)
		}
		if p["std_dev"] < 0 {
			return nil, fmt.Errorf("gaussian std_dev must be non-negative, got %f", p["std_dev"])
		}
		return &GaussianSampler{mean: p["mean"], stdDev: p["std_dev"], min: lo, max: hi}, nil
	case "exponential":
		if p["mean"] <= 0 {
			return nil, fmt.Errorf("exponential mean must be positive, got %f", p["mean"])
		}
		return &ExponentialSampler{mean: p["mean"], max: int(p["max"])}, nil
	default:
		return nil, fmt.Errorf("unknown distribution type %q", d.Type)
	}
}
