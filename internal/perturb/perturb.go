// Package perturb draws starting points for L2-bounded perturbation attacks.
//
// A start point lies on the perimeter of the L2 ball of radius epsilon around
// a clean input and inside the pixel box. Clamping a point into the box moves
// it towards the center, so the step along the random direction is lengthened
// until the clamped point sits exactly on the sphere.
package perturb

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// ErrUnreachable is returned when no point of the box lies at distance
// epsilon along the drawn directions.
var ErrUnreachable = errors.New("perturb: radius not reachable inside the pixel box")

const (
	// maxDraws bounds the directions tried before giving up.
	maxDraws = 64
	// maxDoublings bounds the search for a step that reaches the sphere.
	maxDoublings = 2100
	bisectIters  = 200
)

// Sampler draws points on L2 spheres clipped to the box [Lo, Hi]^n.
type Sampler struct {
	Lo, Hi float64
	Rand   *rand.Rand
}

// NewSampler returns a sampler over the unit pixel box.
func NewSampler(rng *rand.Rand) *Sampler {
	return &Sampler{Lo: 0, Hi: 1, Rand: rng}
}

// RandomStart returns a uniformly oriented point at L2 distance epsilon from
// center with every coordinate in [0,1]. center is not modified.
func RandomStart(center []float64, epsilon float64, rng *rand.Rand) ([]float64, error) {
	return NewSampler(rng).Point(center, epsilon)
}

// Point returns a point at L2 distance epsilon from center inside the box.
// The direction is drawn uniformly from [-1,1]^n.
func (s *Sampler) Point(center []float64, epsilon float64) ([]float64, error) {
	if err := s.validate(center, epsilon); err != nil {
		return nil, err
	}
	if epsilon == 0 {
		return append([]float64(nil), center...), nil
	}
	if corner := s.farthestCorner(center); corner < epsilon {
		return nil, errors.Wrapf(ErrUnreachable, "epsilon %g exceeds farthest corner %g", epsilon, corner)
	}

	dir := make([]float64, len(center))
	for draw := 0; draw < maxDraws; draw++ {
		for i := range dir {
			dir[i] = s.Rand.Float64()*2 - 1
		}
		norm := floats.Norm(dir, 2)
		if norm == 0 {
			continue
		}
		floats.Scale(1/norm, dir)
		if p, ok := s.onSphere(center, dir, epsilon); ok {
			return p, nil
		}
	}
	return nil, errors.Wrapf(ErrUnreachable, "no direction reached epsilon %g in %d draws", epsilon, maxDraws)
}

// Points applies Point to every row.
func (s *Sampler) Points(centers [][]float64, epsilon float64) ([][]float64, error) {
	out := make([][]float64, len(centers))
	for i, c := range centers {
		p, err := s.Point(c, epsilon)
		if err != nil {
			return nil, errors.Wrapf(err, "row %d", i)
		}
		out[i] = p
	}
	return out, nil
}

func (s *Sampler) validate(center []float64, epsilon float64) error {
	if s.Rand == nil {
		return errors.New("perturb: sampler has no random source")
	}
	if !(s.Lo < s.Hi) {
		return errors.Errorf("perturb: empty box [%g, %g]", s.Lo, s.Hi)
	}
	if len(center) == 0 {
		return errors.New("perturb: empty center")
	}
	if epsilon < 0 || math.IsNaN(epsilon) || math.IsInf(epsilon, 0) {
		return errors.Errorf("perturb: epsilon must be finite and >= 0 (got %g)", epsilon)
	}
	for i, v := range center {
		if v < s.Lo || v > s.Hi || math.IsNaN(v) {
			return errors.Errorf("perturb: center[%d]=%g outside [%g, %g]", i, v, s.Lo, s.Hi)
		}
	}
	return nil
}

// farthestCorner is the largest distance any point of the box has from center.
func (s *Sampler) farthestCorner(center []float64) float64 {
	sum := 0.0
	for _, c := range center {
		d := math.Max(c-s.Lo, s.Hi-c)
		sum += d * d
	}
	return math.Sqrt(sum)
}

// onSphere solves ||clamp(center + t*dir) - center|| = epsilon for t >= 0.
// The clamped distance is continuous and non-decreasing in t, and equals t
// until the first coordinate saturates. dir must have unit length.
func (s *Sampler) onSphere(center, dir []float64, epsilon float64) ([]float64, bool) {
	out := make([]float64, len(center))
	dist := func(t float64) float64 {
		s.step(out, center, dir, t)
		return floats.Distance(out, center, 2)
	}

	if s.reach(center, dir) < epsilon {
		return nil, false
	}

	lo, hi := 0.0, epsilon
	for i := 0; dist(hi) < epsilon; i++ {
		if i == maxDoublings {
			return nil, false
		}
		lo, hi = hi, hi*2
	}
	if lo == 0 && dist(hi)-epsilon <= 1e-12*epsilon {
		return out, true
	}
	for i := 0; i < bisectIters && hi-lo > 0; i++ {
		mid := lo + (hi-lo)/2
		if mid == lo || mid == hi {
			break
		}
		if dist(mid) < epsilon {
			lo = mid
		} else {
			hi = mid
		}
	}
	s.step(out, center, dir, hi)
	return out, true
}

// reach is the distance of the point where every coordinate moving along dir
// has hit the box.
func (s *Sampler) reach(center, dir []float64) float64 {
	sum := 0.0
	for i, c := range center {
		var d float64
		switch {
		case dir[i] > 0:
			d = s.Hi - c
		case dir[i] < 0:
			d = c - s.Lo
		}
		sum += d * d
	}
	return math.Sqrt(sum)
}

func (s *Sampler) step(dst, center, dir []float64, t float64) {
	for i, c := range center {
		dst[i] = math.Min(s.Hi, math.Max(s.Lo, c+t*dir[i]))
	}
}
