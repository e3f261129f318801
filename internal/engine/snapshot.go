package engine

import (
	"errors"
	"fmt"
	"log/slog"

	"gonum.org/v1/gonum/mat"

	"stesn/internal/reservoir"
)

var ErrSnapshot = errors.New("invalid engine snapshot")

// Snapshot is the complete trained state of an engine in plain values.
type Snapshot struct {
	Config           Config      `json:"config"`
	InputWeights     []float64   `json:"input_weights"`
	ReservoirWeights []float64   `json:"reservoir_weights"`
	States           [][]float64 `json:"states"`
	Fitted           bool        `json:"fitted"`
	// Calls is the number of Fit and Predict calls made so far; it keeps
	// noise sequences from repeating across restores.
	Calls uint64 `json:"calls,omitempty"`
	// Averaged is set when the engine averages output weights, PerLocation
	// otherwise; unset locations are nil.
	Averaged    []float64   `json:"averaged,omitempty"`
	PerLocation [][]float64 `json:"per_location,omitempty"`
}

type weightExporter interface {
	Weights() (win, w []float64)
}

// Snapshot exports the engine. The propagator must be able to export its
// weights, which the built-in reservoir does.
func (e *Engine) Snapshot() (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	exp, ok := e.prop.(weightExporter)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: propagator %T cannot export weights", ErrSnapshot, e.prop)
	}
	win, w := exp.Weights()
	snap := Snapshot{
		Config:           e.Config(),
		InputWeights:     win,
		ReservoirWeights: w,
		States:           make([][]float64, len(e.xs)),
		Fitted:           e.fitted,
		Calls:            e.calls,
	}
	snap.Config.Logger = nil
	for i, x := range e.xs {
		snap.States[i] = append([]float64(nil), x...)
	}
	if e.cfg.AverageOutputWeights {
		snap.Averaged = append([]float64(nil), e.averaged.RawMatrix().Data...)
	} else {
		snap.PerLocation = make([][]float64, len(e.perLoc))
		for i, m := range e.perLoc {
			if m != nil {
				snap.PerLocation[i] = append([]float64(nil), m.RawMatrix().Data...)
			}
		}
	}
	return snap, nil
}

// Restore rebuilds an engine from a snapshot. logger may be nil.
func Restore(snap Snapshot, logger *slog.Logger) (*Engine, error) {
	cfg := snap.Config
	cfg.Logger = logger
	e, err := prepare(cfg)
	if err != nil {
		return nil, err
	}
	res, err := reservoir.FromWeights(e.cfg.Reservoir, snap.InputWeights, snap.ReservoirWeights)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSnapshot, err)
	}
	if err := e.attach(res); err != nil {
		return nil, err
	}

	if len(snap.States) != len(e.xs) {
		return nil, fmt.Errorf("%w: %d states for %d locations", ErrSnapshot, len(snap.States), len(e.xs))
	}
	for i, x := range snap.States {
		if len(x) != e.cfg.ReservoirSize {
			return nil, fmt.Errorf("%w: state %d has %d values, want %d", ErrSnapshot, i, len(x), e.cfg.ReservoirSize)
		}
		copy(e.xs[i], x)
	}

	size := e.readoutSize()
	if e.cfg.AverageOutputWeights {
		if len(snap.Averaged) != size {
			return nil, fmt.Errorf("%w: averaged readout has %d values, want %d", ErrSnapshot, len(snap.Averaged), size)
		}
		e.averaged = mat.NewDense(1, size, append([]float64(nil), snap.Averaged...))
	} else {
		if len(snap.PerLocation) != len(e.locations) {
			return nil, fmt.Errorf("%w: %d readouts for %d locations", ErrSnapshot, len(snap.PerLocation), len(e.locations))
		}
		for i, w := range snap.PerLocation {
			if w == nil {
				continue
			}
			if len(w) != size {
				return nil, fmt.Errorf("%w: readout %d has %d values, want %d", ErrSnapshot, i, len(w), size)
			}
			e.perLoc[i] = mat.NewDense(1, size, append([]float64(nil), w...))
		}
	}
	e.fitted = snap.Fitted
	e.calls = snap.Calls
	return e, nil
}
