// Package isam implements an incremental nonlinear least squares smoother over a pose graph.
// New values and factors are appended on every update and the accumulated graph is
// relinearized with a bounded number of Gauss-Newton or Powell dogleg iterations.
package isam

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/globalmap/factorgraph"
	"go.viam.com/globalmap/logging"
	"go.viam.com/globalmap/spatialmath"
)

var (
	// ErrDuplicateKey is returned when an update re-introduces a known variable.
	ErrDuplicateKey = errors.New("variable already exists")
	// ErrUnknownKey is returned when a factor references a variable that was never added.
	ErrUnknownKey = errors.New("factor references unknown variable")
)

const (
	jacobianStep   = 1e-6
	maxDampingTry  = 8
	maxStepRetries = 10
)

// Params configure the smoother.
type Params struct {
	UseDogleg bool
	// RelinearizeSkip runs a full set of iterations every RelinearizeSkip updates and a single
	// iteration on the others.
	RelinearizeSkip int
	// RelinearizeThreshold stops iterating once no step component exceeds it.
	RelinearizeThreshold float64
	MaxIterations        int
	InitialTrustRadius   float64
}

// DefaultParams returns Gauss-Newton with a full relinearization on every update.
func DefaultParams() Params {
	return Params{
		RelinearizeSkip:      1,
		RelinearizeThreshold: 0.1,
		MaxIterations:        10,
		InitialTrustRadius:   1.0,
	}
}

// UpdateInfo describes the last update.
type UpdateInfo struct {
	Iterations   int
	InitialError float64
	FinalError   float64
	Converged    bool
}

// Smoother owns the accumulated graph and the current estimate.
type Smoother struct {
	params      Params
	logger      logging.Logger
	graph       *factorgraph.Graph
	values      factorgraph.Values
	updates     int
	converged   bool
	trustRadius float64
	last        UpdateInfo
}

// NewSmoother returns an empty smoother.
func NewSmoother(params Params, logger logging.Logger) *Smoother {
	if params.RelinearizeSkip < 1 {
		params.RelinearizeSkip = 1
	}
	if params.MaxIterations < 1 {
		params.MaxIterations = 1
	}
	if params.InitialTrustRadius <= 0 {
		params.InitialTrustRadius = 1
	}
	return &Smoother{
		params:      params,
		logger:      logger,
		graph:       factorgraph.NewGraph(),
		values:      factorgraph.Values{},
		converged:   true,
		trustRadius: params.InitialTrustRadius,
	}
}

// Update adds newValues and newFactors and relinearizes. On error the smoother is left exactly as
// it was before the call. An update with nothing new returns the current estimate without
// iterating. Non-convergence is not an error; the estimate reached within the iteration budget is
// kept.
func (s *Smoother) Update(newValues factorgraph.Values, newFactors []factorgraph.Factor) (factorgraph.Values, error) {
	for k := range newValues {
		if _, ok := s.values[k]; ok {
			return nil, errors.Wrapf(ErrDuplicateKey, "%s", k)
		}
	}
	for _, f := range newFactors {
		for _, k := range f.Keys() {
			_, known := s.values[k]
			_, added := newValues[k]
			if !known && !added {
				return nil, errors.Wrapf(ErrUnknownKey, "%s factor on %s", f.Kind(), k)
			}
		}
	}

	if len(newValues) == 0 && len(newFactors) == 0 {
		s.last = UpdateInfo{Converged: s.converged}
		return s.Estimate(), nil
	}

	saved := s.checkpoint()
	for k, v := range newValues {
		s.values[k] = v
	}
	s.graph.Add(newFactors...)
	s.updates++
	s.converged = false
	s.last = UpdateInfo{}
	if s.graph.Len() == 0 {
		s.converged = true
		s.last.Converged = true
		return s.Estimate(), nil
	}

	iterations := 1
	if s.updates%s.params.RelinearizeSkip == 0 {
		iterations = s.params.MaxIterations
	}
	if err := s.iterate(iterations); err != nil {
		s.restore(saved)
		return nil, err
	}
	s.logger.Debugw("smoother update",
		"update", s.updates,
		"factors", s.graph.Len(),
		"values", len(s.values),
		"iterations", s.last.Iterations,
		"initial_error", s.last.InitialError,
		"final_error", s.last.FinalError,
		"converged", s.last.Converged)
	return s.Estimate(), nil
}

type checkpoint struct {
	values      factorgraph.Values
	numFactors  int
	updates     int
	converged   bool
	trustRadius float64
	last        UpdateInfo
}

func (s *Smoother) checkpoint() checkpoint {
	return checkpoint{
		values:      s.values.Clone(),
		numFactors:  s.graph.Len(),
		updates:     s.updates,
		converged:   s.converged,
		trustRadius: s.trustRadius,
		last:        s.last,
	}
}

func (s *Smoother) restore(c checkpoint) {
	s.values = c.values
	s.graph.Truncate(c.numFactors)
	s.updates = c.updates
	s.converged = c.converged
	s.trustRadius = c.trustRadius
	s.last = c.last
}

// Estimate returns a copy of the current estimate.
func (s *Smoother) Estimate() factorgraph.Values {
	return s.values.Clone()
}

// CalculateEstimate returns the current estimate of a single variable.
func (s *Smoother) CalculateEstimate(key factorgraph.Key) (spatialmath.Pose, error) {
	p, ok := s.values[key]
	if !ok {
		return spatialmath.Pose{}, errors.Errorf("no estimate for %s", key)
	}
	return p, nil
}

// NumFactors returns the number of absorbed factors.
func (s *Smoother) NumFactors() int {
	return s.graph.Len()
}

// NumValues returns the number of variables.
func (s *Smoother) NumValues() int {
	return len(s.values)
}

// Factors returns the absorbed factors in insertion order.
func (s *Smoother) Factors() []factorgraph.Factor {
	return s.graph.Factors()
}

// LastUpdate returns statistics of the most recent update.
func (s *Smoother) LastUpdate() UpdateInfo {
	return s.last
}

func (s *Smoother) iterate(maxIterations int) error {
	keys := s.values.Keys()
	index := make(map[factorgraph.Key]int, len(keys))
	for i, k := range keys {
		index[k] = i * spatialmath.TangentDim
	}

	current, err := s.graph.Error(s.values)
	if err != nil {
		return err
	}
	s.last.InitialError = current

	for iter := 0; iter < maxIterations; iter++ {
		hessian, gradient, err := s.linearize(keys, index)
		if err != nil {
			return err
		}
		var step []float64
		var next factorgraph.Values
		var nextError float64
		if s.params.UseDogleg {
			step, next, nextError, err = s.doglegStep(hessian, gradient, keys, index, current)
		} else {
			step, next, nextError, err = s.gaussNewtonStep(hessian, gradient, keys, index, current)
		}
		if err != nil {
			return err
		}
		s.last.Iterations = iter + 1
		if next == nil {
			// no step reduced the error
			s.converged = true
			break
		}
		s.values = next
		current = nextError
		if maxAbs(step) < s.params.RelinearizeThreshold {
			s.converged = true
			break
		}
	}
	s.last.FinalError = current
	s.last.Converged = s.converged
	return nil
}

// linearize builds the normal equations J^T J and J^T r at the current estimate using central
// differences on the right perturbation of each pose.
func (s *Smoother) linearize(keys []factorgraph.Key, index map[factorgraph.Key]int) (*mat.SymDense, *mat.VecDense, error) {
	n := len(keys) * spatialmath.TangentDim
	h := make([]float64, n*n)
	g := make([]float64, n)

	for _, f := range s.graph.Factors() {
		fkeys := f.Keys()
		poses, err := s.values.Poses(fkeys)
		if err != nil {
			return nil, nil, err
		}
		lin := f
		if assoc, ok := f.(factorgraph.Associator); ok {
			lin = assoc.Associate(poses)
		}
		r0 := lin.Residual(poses)

		cols := make([][]float64, 0, len(fkeys)*spatialmath.TangentDim)
		offsets := make([]int, 0, cap(cols))
		perturbed := append([]spatialmath.Pose(nil), poses...)
		for ki, k := range fkeys {
			for d := 0; d < spatialmath.TangentDim; d++ {
				var delta spatialmath.Tangent
				delta[d] = jacobianStep
				perturbed[ki] = poses[ki].Retract(delta)
				plus := lin.Residual(perturbed)
				delta[d] = -jacobianStep
				perturbed[ki] = poses[ki].Retract(delta)
				minus := lin.Residual(perturbed)
				perturbed[ki] = poses[ki]

				col := make([]float64, len(r0))
				for i := range col {
					col[i] = (plus[i] - minus[i]) / (2 * jacobianStep)
				}
				cols = append(cols, col)
				offsets = append(offsets, index[k]+d)
			}
		}

		for a, colA := range cols {
			g[offsets[a]] += dot(colA, r0)
			for b := a; b < len(cols); b++ {
				v := dot(colA, cols[b])
				i, j := offsets[a], offsets[b]
				h[i*n+j] += v
				if i != j {
					h[j*n+i] += v
				}
			}
		}
	}
	return mat.NewSymDense(n, h), mat.NewVecDense(n, g), nil
}

// solve returns the Gauss-Newton step solving H x = -g, adding diagonal damping when H is not
// positive definite (e.g. a variable only reachable through an empty residual).
func solve(hessian *mat.SymDense, gradient *mat.VecDense) (*mat.VecDense, error) {
	n := gradient.Len()
	neg := mat.NewVecDense(n, nil)
	neg.ScaleVec(-1, gradient)

	maxDiag := 0.0
	for i := 0; i < n; i++ {
		maxDiag = math.Max(maxDiag, hessian.At(i, i))
	}
	damping := 0.0
	lambda := 1e-9 * (1 + maxDiag)
	for try := 0; try <= maxDampingTry; try++ {
		system := hessian
		if damping > 0 {
			system = mat.NewSymDense(n, nil)
			system.CopySym(hessian)
			for i := 0; i < n; i++ {
				system.SetSym(i, i, system.At(i, i)+damping)
			}
		}
		var chol mat.Cholesky
		if ok := chol.Factorize(system); ok {
			x := mat.NewVecDense(n, nil)
			if err := chol.SolveVecTo(x, neg); err == nil {
				return x, nil
			}
		}
		if damping == 0 {
			damping = lambda
		} else {
			damping *= 100
		}
	}
	return nil, errors.New("normal equations are singular")
}

func (s *Smoother) retract(keys []factorgraph.Key, index map[factorgraph.Key]int, step []float64) factorgraph.Values {
	next := make(factorgraph.Values, len(keys))
	for _, k := range keys {
		var delta spatialmath.Tangent
		copy(delta[:], step[index[k]:index[k]+spatialmath.TangentDim])
		next[k] = s.values[k].Retract(delta)
	}
	return next
}

// gaussNewtonStep takes the full step, halving it while it increases the error.
func (s *Smoother) gaussNewtonStep(
	hessian *mat.SymDense, gradient *mat.VecDense, keys []factorgraph.Key, index map[factorgraph.Key]int, current float64,
) ([]float64, factorgraph.Values, float64, error) {
	x, err := solve(hessian, gradient)
	if err != nil {
		return nil, nil, 0, err
	}
	step := append([]float64(nil), x.RawVector().Data...)
	for try := 0; try < maxStepRetries; try++ {
		next := s.retract(keys, index, step)
		nextError, err := s.graph.Error(next)
		if err != nil {
			return nil, nil, 0, err
		}
		if nextError <= current {
			return step, next, nextError, nil
		}
		for i := range step {
			step[i] *= 0.5
		}
	}
	return step, nil, current, nil
}

// doglegStep implements Powell's dogleg within the persistent trust radius.
func (s *Smoother) doglegStep(
	hessian *mat.SymDense, gradient *mat.VecDense, keys []factorgraph.Key, index map[factorgraph.Key]int, current float64,
) ([]float64, factorgraph.Values, float64, error) {
	g := gradient.RawVector().Data
	gNorm := math.Sqrt(dot(g, g))
	if gNorm == 0 {
		return make([]float64, len(g)), s.values.Clone(), current, nil
	}
	xgn, err := solve(hessian, gradient)
	if err != nil {
		return nil, nil, 0, err
	}
	hgn := xgn.RawVector().Data
	hg := mat.NewVecDense(len(g), nil)
	hg.MulVec(hessian, gradient)
	gHg := dot(g, hg.RawVector().Data)
	alpha := gNorm * gNorm / gHg
	hsd := make([]float64, len(g))
	for i := range g {
		hsd[i] = -alpha * g[i]
	}

	for try := 0; try < maxStepRetries; try++ {
		radius := s.trustRadius
		var step []float64
		switch {
		case norm(hgn) <= radius:
			step = append([]float64(nil), hgn...)
		case alpha*gNorm >= radius:
			step = make([]float64, len(g))
			for i := range g {
				step[i] = -radius / gNorm * g[i]
			}
		default:
			diff := make([]float64, len(g))
			for i := range g {
				diff[i] = hgn[i] - hsd[i]
			}
			c := dot(hsd, diff)
			d := dot(diff, diff)
			beta := (-c + math.Sqrt(c*c+d*(radius*radius-dot(hsd, hsd)))) / d
			step = make([]float64, len(g))
			for i := range g {
				step[i] = hsd[i] + beta*diff[i]
			}
		}

		hStep := mat.NewVecDense(len(step), nil)
		hStep.MulVec(hessian, mat.NewVecDense(len(step), step))
		predicted := -(dot(g, step) + 0.5*dot(step, hStep.RawVector().Data))
		next := s.retract(keys, index, step)
		nextError, err := s.graph.Error(next)
		if err != nil {
			return nil, nil, 0, err
		}
		actual := current - nextError
		rho := 0.0
		if predicted > 0 {
			rho = actual / predicted
		}
		stepNorm := norm(step)
		switch {
		case rho > 0.75:
			s.trustRadius = math.Max(s.trustRadius, 3*stepNorm)
		case rho < 0.25:
			s.trustRadius = 0.5 * stepNorm
		}
		if actual >= 0 {
			return step, next, nextError, nil
		}
		if s.trustRadius < 1e-12 {
			s.trustRadius = s.params.InitialTrustRadius
			break
		}
	}
	return nil, nil, current, nil
}

func dot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func norm(a []float64) float64 {
	return math.Sqrt(dot(a, a))
}

func maxAbs(a []float64) float64 {
	m := 0.0
	for _, x := range a {
		m = math.Max(m, math.Abs(x))
	}
	return m
}
