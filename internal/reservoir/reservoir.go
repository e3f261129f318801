// Package reservoir implements the fixed recurrent part of an echo state
// network: random weight construction scaled to a target spectral radius and
// the leaky state update used to turn an input sequence into a state
// trajectory.
package reservoir

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"stesn/internal/nn"
)

var ErrConfig = errors.New("invalid reservoir config")

// Config parameterizes construction. Sparseness is the fraction of
// recurrent connections that are kept, InputDensity the same for input
// weights.
type Config struct {
	InputSize          int     `json:"input_size"`
	ReservoirSize      int     `json:"reservoir_size"`
	SpectralRadius     float64 `json:"spectral_radius"`
	LeakingRate        float64 `json:"leaking_rate"`
	Sparseness         float64 `json:"sparseness"`
	InputScaling       float64 `json:"input_scaling"`
	InputDensity       float64 `json:"input_density"`
	NoiseLevel         float64 `json:"noise_level"`
	Bias               float64 `json:"bias"`
	OutputBias         float64 `json:"output_bias"`
	OutputInputScaling float64 `json:"output_input_scaling"`
	Activation         string  `json:"activation"`
	Seed               int64   `json:"seed"`
}

func DefaultConfig() Config {
	return Config{
		SpectralRadius:     1.0,
		LeakingRate:        1.0,
		Sparseness:         0.2,
		InputScaling:       1.0,
		InputDensity:       1.0,
		Bias:               1.0,
		OutputBias:         1.0,
		OutputInputScaling: 1.0,
		Activation:         "tanh",
	}
}

func (c Config) Validate() error {
	if c.InputSize <= 0 {
		return fmt.Errorf("%w: input size must be > 0", ErrConfig)
	}
	if c.ReservoirSize <= 0 {
		return fmt.Errorf("%w: reservoir size must be > 0", ErrConfig)
	}
	if c.SpectralRadius < 0 {
		return fmt.Errorf("%w: spectral radius must be >= 0", ErrConfig)
	}
	if c.LeakingRate <= 0 || c.LeakingRate > 1 {
		return fmt.Errorf("%w: leaking rate must be in (0, 1]", ErrConfig)
	}
	if c.Sparseness < 0 || c.Sparseness > 1 {
		return fmt.Errorf("%w: sparseness must be in [0, 1]", ErrConfig)
	}
	if c.InputDensity < 0 || c.InputDensity > 1 {
		return fmt.Errorf("%w: input density must be in [0, 1]", ErrConfig)
	}
	if c.NoiseLevel < 0 {
		return fmt.Errorf("%w: noise level must be >= 0", ErrConfig)
	}
	return nil
}

// Reservoir holds the untrained weights. It is safe for concurrent use:
// Propagate only reads the weights and writes the caller's state.
type Reservoir struct {
	cfg        Config
	activation nn.ActivationFunc
	// win is ReservoirSize x (1+InputSize); column 0 multiplies the bias.
	win *mat.Dense
	w   *mat.Dense
}

func New(cfg Config) (*Reservoir, error) {
	if cfg.Activation == "" {
		cfg.Activation = "tanh"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	activation, err := nn.GetActivation(cfg.Activation)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	n := cfg.ReservoirSize

	w := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			v := rng.Float64() - 0.5
			if rng.Float64() > cfg.Sparseness {
				v = 0
			}
			w.Set(i, j, v)
		}
	}
	radius, err := SpectralRadius(w)
	if err != nil {
		return nil, err
	}
	if radius > 0 {
		w.Scale(cfg.SpectralRadius/radius, w)
	}

	win := mat.NewDense(n, 1+cfg.InputSize, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < 1+cfg.InputSize; j++ {
			v := (rng.Float64() - 0.5) * cfg.InputScaling
			if rng.Float64() > cfg.InputDensity {
				v = 0
			}
			win.Set(i, j, v)
		}
	}

	return &Reservoir{cfg: cfg, activation: activation, win: win, w: w}, nil
}

// FromWeights rebuilds a reservoir from previously exported weights.
func FromWeights(cfg Config, win, w []float64) (*Reservoir, error) {
	if cfg.Activation == "" {
		cfg.Activation = "tanh"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := cfg.ReservoirSize
	if len(win) != n*(1+cfg.InputSize) {
		return nil, fmt.Errorf("%w: input weights need %d values, got %d", ErrConfig, n*(1+cfg.InputSize), len(win))
	}
	if len(w) != n*n {
		return nil, fmt.Errorf("%w: reservoir weights need %d values, got %d", ErrConfig, n*n, len(w))
	}
	activation, err := nn.GetActivation(cfg.Activation)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return &Reservoir{
		cfg:        cfg,
		activation: activation,
		win:        mat.NewDense(n, 1+cfg.InputSize, append([]float64(nil), win...)),
		w:          mat.NewDense(n, n, append([]float64(nil), w...)),
	}, nil
}

func (r *Reservoir) Config() Config { return r.cfg }

func (r *Reservoir) InputSize() int { return r.cfg.InputSize }

func (r *Reservoir) ReservoirSize() int { return r.cfg.ReservoirSize }

// Weights returns copies of the input and recurrent weights, row-major.
func (r *Reservoir) Weights() (win, w []float64) {
	return append([]float64(nil), r.win.RawMatrix().Data...), append([]float64(nil), r.w.RawMatrix().Data...)
}

// Propagate feeds inputs (T x InputSize) through the reservoir starting from
// state, which is updated in place to the final state. It returns the
// (1+InputSize+ReservoirSize) x (T-transient) design matrix whose columns are
// [outputBias; outputInputScaling*u_t; x_t]. rng may be nil when the noise
// level is zero.
func (r *Reservoir) Propagate(inputs *mat.Dense, transient int, state []float64, rng *rand.Rand) (*mat.Dense, error) {
	steps, width := inputs.Dims()
	if width != r.cfg.InputSize {
		return nil, fmt.Errorf("input width %d does not match reservoir input size %d", width, r.cfg.InputSize)
	}
	if len(state) != r.cfg.ReservoirSize {
		return nil, fmt.Errorf("state size %d does not match reservoir size %d", len(state), r.cfg.ReservoirSize)
	}
	if transient < 0 || transient >= steps {
		return nil, fmt.Errorf("transient time %d must be in [0, %d)", transient, steps)
	}
	if r.cfg.NoiseLevel > 0 && rng == nil {
		return nil, errors.New("noise level is set but no random source was supplied")
	}

	n := r.cfg.ReservoirSize
	rows := 1 + width + n
	out := mat.NewDense(rows, steps-transient, nil)

	u := mat.NewVecDense(1+width, nil)
	x := mat.NewVecDense(n, state)
	pre := mat.NewVecDense(n, nil)
	rec := mat.NewVecDense(n, nil)
	a := r.cfg.LeakingRate

	for t := 0; t < steps; t++ {
		u.SetVec(0, r.cfg.Bias)
		for j := 0; j < width; j++ {
			u.SetVec(1+j, inputs.At(t, j))
		}
		pre.MulVec(r.win, u)
		rec.MulVec(r.w, x)
		for i := 0; i < n; i++ {
			v := (1-a)*x.AtVec(i) + a*r.activation(pre.AtVec(i)+rec.AtVec(i))
			if r.cfg.NoiseLevel > 0 {
				v += r.cfg.NoiseLevel * (rng.Float64() - 0.5)
			}
			x.SetVec(i, v)
		}

		if t < transient {
			continue
		}
		col := t - transient
		out.Set(0, col, r.cfg.OutputBias)
		for j := 0; j < width; j++ {
			out.Set(1+j, col, r.cfg.OutputInputScaling*inputs.At(t, j))
		}
		for i := 0; i < n; i++ {
			out.Set(1+width+i, col, x.AtVec(i))
		}
	}
	return out, nil
}

// SpectralRadius is the largest eigenvalue magnitude of a square matrix.
func SpectralRadius(m *mat.Dense) (float64, error) {
	var eig mat.Eigen
	if ok := eig.Factorize(m, mat.EigenNone); !ok {
		return 0, errors.New("eigen decomposition did not converge")
	}
	radius := 0.0
	for _, v := range eig.Values(nil) {
		radius = math.Max(radius, cmplx.Abs(v))
	}
	return radius, nil
}
