package engine

import (
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/mat"

	"stesn/internal/grid"
	"stesn/internal/patch"
)

type job struct {
	loc   grid.Location
	index int
}

type result struct {
	loc   grid.Location
	index int
	// state is the final reservoir state; nil when no slot was acquired.
	state  []float64
	wout   *mat.Dense
	series []float64
	rmse   float64
	err    error
}

func (e *Engine) jobs() []job {
	out := make([]job, len(e.locations))
	for i, loc := range e.locations {
		out[i] = job{loc: loc, index: i}
	}
	return out
}

func recoverJob(res *result) {
	if r := recover(); r != nil {
		res.err = fmt.Errorf("%w: %v", ErrJobPanic, r)
	}
}

// reduction tracks per-call bookkeeping that only the reducer touches.
type reduction struct {
	verb     int
	logger   *slog.Logger
	op       string
	total    int
	done     int
	decile   int
	seen     []bool
	dup      error
	failures []LocationFailure
}

func newReduction(logger *slog.Logger, op string, total, verbosity int) *reduction {
	return &reduction{
		verb:   verbosity,
		logger: logger,
		op:     op,
		total:  total,
		seen:   make([]bool, total),
	}
}

// accept reports whether res is the first result for its index and records
// progress and failures.
func (r *reduction) accept(res result) bool {
	if res.index < 0 || res.index >= r.total || r.seen[res.index] {
		if r.dup == nil {
			r.dup = fmt.Errorf("%w: index %d", ErrDuplicate, res.index)
		}
		return false
	}
	r.seen[res.index] = true
	r.done++

	if res.err != nil {
		r.failures = append(r.failures, LocationFailure{
			Location: res.loc,
			Index:    res.index,
			Reason:   res.err.Error(),
			Err:      res.err,
		})
		r.logger.Warn(r.op+" location failed", "location", fmt.Sprint(res.loc), "index", res.index, "err", res.err)
	} else if r.verb >= 2 {
		r.logger.Debug(r.op+" location done", "location", fmt.Sprint(res.loc), "index", res.index, "rmse", res.rmse)
	}

	if r.verb >= 1 {
		if d := r.done * 10 / r.total; d > r.decile {
			r.decile = d
			r.logger.Info(r.op+" progress", "done", r.done, "total", r.total, "percent", d*10)
		}
	}
	return true
}

// splitSeries checks t against the configured grid and returns its series,
// each shaped (time, *grid). A tensor without a series axis is one series.
func (e *Engine) splitSeries(name string, t grid.Tensor, allowBatch bool) ([]grid.Tensor, error) {
	dims := len(e.cfg.InputShape)
	rank := t.Rank()
	switch {
	case rank == dims+1:
	case rank == dims+2 && allowBatch:
	default:
		if allowBatch {
			return nil, fmt.Errorf("%w: %s must have rank %d or %d, got %d", ErrConfig, name, dims+1, dims+2, rank)
		}
		return nil, fmt.Errorf("%w: %s must have rank %d, got %d", ErrConfig, name, dims+1, rank)
	}
	if !grid.Shape(e.cfg.InputShape).Equal(t.Shape[rank-dims:]) {
		return nil, fmt.Errorf("%w: %s spatial shape %v does not match %v", ErrConfig, name, t.Shape[rank-dims:], e.cfg.InputShape)
	}
	if len(t.Data) != grid.Shape(t.Shape).Size() {
		return nil, fmt.Errorf("%w: %s has %d values for shape %v", ErrConfig, name, len(t.Data), t.Shape)
	}
	if rank == dims+1 {
		return []grid.Tensor{t}, nil
	}
	series := make([]grid.Tensor, t.Shape[0])
	for i := range series {
		series[i] = t.Slice(i)
	}
	return series, nil
}

func (e *Engine) padSeries(series []grid.Tensor) ([]grid.Tensor, error) {
	dims := len(e.cfg.InputShape)
	out := make([]grid.Tensor, len(series))
	for i, s := range series {
		padded, err := patch.Pad(s, dims, e.extractor.Width(), e.border)
		if err != nil {
			return nil, fmt.Errorf("pad series %d: %w", i, err)
		}
		out[i] = padded
	}
	return out, nil
}

func checkTransient(transient int, series []grid.Tensor) error {
	for i, s := range series {
		if transient < 0 || transient >= s.Shape[0] {
			return fmt.Errorf("%w: transient time %d must be in [0, %d) for series %d", ErrConfig, transient, s.Shape[0], i)
		}
	}
	return nil
}

func rmse(got, want []float64) float64 {
	if len(got) == 0 {
		return 0
	}
	sum := 0.0
	for i := range got {
		d := got[i] - want[i]
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(got)))
}

func isFinite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// checkFinite reports the first NaN or infinite entry of m.
func checkFinite(what string, m mat.Matrix) error {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if v := m.At(i, j); !isFinite(v) {
				return fmt.Errorf("%w: %s[%d,%d] = %v", ErrNonFinite, what, i, j, v)
			}
		}
	}
	return nil
}
