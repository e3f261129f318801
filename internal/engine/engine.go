// Package engine trains and runs a spatio-temporal echo state network. Each
// location of an N-dimensional grid owns a reservoir state and is driven by
// the neighbourhood patch of its input; locations are processed in parallel
// and their readouts are either averaged into one model or kept apart.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/mat"

	"stesn/internal/grid"
	"stesn/internal/nn"
	"stesn/internal/patch"
	"stesn/internal/readout"
	"stesn/internal/reservoir"
	"stesn/internal/scheduler"
	"stesn/internal/slotpool"
)

var (
	ErrConfig     = errors.New("invalid engine config")
	ErrNotFitted  = errors.New("engine has not been fitted")
	ErrNoWeights  = errors.New("no readout weights for location")
	ErrTarget     = errors.New("target outside output activation range")
	ErrJobPanic   = errors.New("location job panicked")
	ErrDuplicate  = errors.New("location reduced twice")
	ErrPropagator = errors.New("propagator does not match engine config")
	ErrNonFinite  = errors.New("non-finite values at location")
)

// Propagator is the reservoir the engine drives. Propagate must only read
// shared weights so that it can be called from many goroutines at once.
type Propagator interface {
	InputSize() int
	ReservoirSize() int
	Propagate(inputs *mat.Dense, transient int, state []float64, rng *rand.Rand) (*mat.Dense, error)
}

type Config struct {
	InputShape           []int            `json:"input_shape"`
	ReservoirSize        int              `json:"reservoir_size"`
	FilterSize           int              `json:"filter_size"`
	Stride               int              `json:"stride"`
	BorderMode           string           `json:"border_mode"`
	Workers              int              `json:"workers"`
	ChunkSize            int              `json:"chunk_size"`
	AverageOutputWeights bool             `json:"average_output_weights"`
	Solver               string           `json:"solver"`
	Regularization       float64          `json:"regularization"`
	OutputActivation     string           `json:"output_activation"`
	Reservoir            reservoir.Config `json:"reservoir"`
	Logger               *slog.Logger     `json:"-"`
}

func DefaultConfig() Config {
	return Config{
		FilterSize:           1,
		Stride:               1,
		BorderMode:           string(patch.BorderMirror),
		AverageOutputWeights: true,
		Solver:               readout.NameLSQR,
		Regularization:       1e-6,
		OutputActivation:     "identity",
		Reservoir:            reservoir.DefaultConfig(),
	}
}

type LocationFailure struct {
	Location grid.Location `json:"location"`
	Index    int           `json:"index"`
	Reason   string        `json:"reason"`
	Err      error         `json:"-"`
}

type Engine struct {
	cfg       Config
	indexer   grid.Indexer
	locations []grid.Location
	extractor patch.Extractor
	border    patch.BorderMode
	solver    readout.Solver
	outAct    nn.ActivationFunc
	outInv    nn.ActivationFunc
	prop      Propagator
	pool      *slotpool.Pool
	workers   int
	logger    *slog.Logger

	mu       sync.Mutex
	calls    uint64
	fitted   bool
	xs       [][]float64
	averaged *mat.Dense
	perLoc   []*mat.Dense
}

// New validates cfg and builds the reservoir from cfg.Reservoir. The
// reservoir input size and reservoir size are derived from the filter and
// cfg.ReservoirSize.
func New(cfg Config) (*Engine, error) {
	e, err := prepare(cfg)
	if err != nil {
		return nil, err
	}
	res, err := reservoir.New(e.cfg.Reservoir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if err := e.attach(res); err != nil {
		return nil, err
	}
	return e, nil
}

// NewWithPropagator builds an engine around an existing reservoir.
func NewWithPropagator(cfg Config, prop Propagator) (*Engine, error) {
	e, err := prepare(cfg)
	if err != nil {
		return nil, err
	}
	if err := e.attach(prop); err != nil {
		return nil, err
	}
	return e, nil
}

func prepare(cfg Config) (*Engine, error) {
	shape := grid.Shape(cfg.InputShape)
	indexer, err := grid.NewIndexer(shape)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if cfg.ReservoirSize <= 0 {
		return nil, fmt.Errorf("%w: reservoir size must be > 0, got %d", ErrConfig, cfg.ReservoirSize)
	}
	if cfg.Stride == 0 {
		cfg.Stride = 1
	}
	extractor, err := patch.NewExtractor(cfg.FilterSize, cfg.Stride, len(shape))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if cfg.BorderMode == "" {
		cfg.BorderMode = string(patch.BorderMirror)
	}
	border, err := patch.ParseBorderMode(cfg.BorderMode)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	solver, err := readout.Parse(cfg.Solver, cfg.Regularization)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if cfg.AverageOutputWeights && !readout.Averageable(solver) {
		return nil, fmt.Errorf("%w: averaging output weights requires the %s solver, got %s", ErrConfig, readout.NameLSQR, solver.Name())
	}
	if cfg.Workers < 0 {
		return nil, fmt.Errorf("%w: workers must be >= 0, got %d", ErrConfig, cfg.Workers)
	}
	if cfg.ChunkSize < 0 {
		return nil, fmt.Errorf("%w: chunk size must be >= 0, got %d", ErrConfig, cfg.ChunkSize)
	}
	if cfg.OutputActivation == "" {
		cfg.OutputActivation = "identity"
	}
	outAct, outInv, err := nn.GetInvertible(cfg.OutputActivation)
	if err != nil {
		return nil, fmt.Errorf("%w: output activation: %w", ErrConfig, err)
	}

	cfg.InputShape = append([]int(nil), cfg.InputShape...)
	cfg.Reservoir.InputSize = extractor.Features()
	cfg.Reservoir.ReservoirSize = cfg.ReservoirSize

	workers := cfg.Workers
	if workers == 0 {
		workers = scheduler.DefaultWorkers()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Engine{
		cfg:       cfg,
		indexer:   indexer,
		locations: indexer.Locations(),
		extractor: extractor,
		border:    border,
		solver:    solver,
		outAct:    outAct,
		outInv:    outInv,
		workers:   workers,
		logger:    logger,
	}, nil
}

func (e *Engine) attach(prop Propagator) error {
	if prop.InputSize() != e.extractor.Features() {
		return fmt.Errorf("%w: input size %d, patch has %d features", ErrPropagator, prop.InputSize(), e.extractor.Features())
	}
	if prop.ReservoirSize() != e.cfg.ReservoirSize {
		return fmt.Errorf("%w: reservoir size %d, want %d", ErrPropagator, prop.ReservoirSize(), e.cfg.ReservoirSize)
	}
	pool, err := slotpool.New(e.workers, e.cfg.ReservoirSize)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	e.prop = prop
	e.pool = pool
	e.xs = make([][]float64, e.indexer.Size())
	for i := range e.xs {
		e.xs[i] = make([]float64, e.cfg.ReservoirSize)
	}
	e.clearWeights()
	return nil
}

// Config returns the resolved configuration.
func (e *Engine) Config() Config {
	cfg := e.cfg
	cfg.InputShape = append([]int(nil), e.cfg.InputShape...)
	return cfg
}

func (e *Engine) Workers() int { return e.workers }

func (e *Engine) Locations() int { return len(e.locations) }

// Features is the number of patch values per time step and location.
func (e *Engine) Features() int { return e.extractor.Features() }

// ResetState zeroes the scratch state of every worker slot, or of one slot
// when index is non-nil. Persistent per-location states are not touched.
func (e *Engine) ResetState(index *int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if index == nil {
		e.pool.Reset()
		return nil
	}
	return e.pool.ResetSlot(*index)
}

// ClearStates zeroes the persistent state of every location.
func (e *Engine) ClearStates() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, x := range e.xs {
		clear(x)
	}
}

// States returns a copy of the persistent per-location states in flat index
// order.
func (e *Engine) States() [][]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([][]float64, len(e.xs))
	for i, x := range e.xs {
		out[i] = append([]float64(nil), x...)
	}
	return out
}

// Weights returns copies of the readout weights. Exactly one of averaged and
// perLocation is non-nil; unset per-location entries are nil.
func (e *Engine) Weights() (averaged *mat.Dense, perLocation []*mat.Dense) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cfg.AverageOutputWeights {
		return mat.DenseCopyOf(e.averaged), nil
	}
	perLocation = make([]*mat.Dense, len(e.perLoc))
	for i, w := range e.perLoc {
		if w != nil {
			perLocation[i] = mat.DenseCopyOf(w)
		}
	}
	return nil, perLocation
}

func (e *Engine) Fitted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fitted
}

func (e *Engine) readoutSize() int {
	return 1 + e.extractor.Features() + e.cfg.ReservoirSize
}

func (e *Engine) clearWeights() {
	if e.cfg.AverageOutputWeights {
		e.averaged = mat.NewDense(1, e.readoutSize(), nil)
		e.perLoc = nil
		return
	}
	e.averaged = nil
	e.perLoc = make([]*mat.Dense, len(e.locations))
}

// noiseSource returns the random source for one location in one call, so
// that results do not depend on which worker runs the location.
func (e *Engine) noiseSource(call uint64, index int) *rand.Rand {
	seed := uint64(e.cfg.Reservoir.Seed)*0x9E3779B97F4A7C15 ^ call<<40 ^ uint64(index)
	return rand.New(rand.NewSource(int64(seed)))
}

func (e *Engine) schedulerOptions() scheduler.Options {
	return scheduler.Options{Workers: e.workers, ChunkSize: e.cfg.ChunkSize}
}
