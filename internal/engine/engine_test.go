package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"gonum.org/v1/gonum/mat"

	"stesn/internal/grid"
	"stesn/internal/patch"
	"stesn/internal/readout"
)

func testConfig(shape ...int) Config {
	cfg := DefaultConfig()
	cfg.InputShape = shape
	cfg.ReservoirSize = 5
	cfg.FilterSize = 1
	cfg.Stride = 1
	cfg.BorderMode = string(patch.BorderPadding)
	cfg.Workers = 1
	cfg.Solver = readout.NameLSQR
	cfg.Regularization = 1e-2
	cfg.Reservoir.SpectralRadius = 0.9
	cfg.Reservoir.Sparseness = 0.5
	cfg.Reservoir.Seed = 3
	return cfg
}

func waveTensor(steps int, shape []int, phase, amp float64) grid.Tensor {
	t := grid.NewTensor(append([]int{steps}, shape...)...)
	per := grid.Shape(shape).Size()
	for s := 0; s < steps; s++ {
		for i := 0; i < per; i++ {
			t.Data[s*per+i] = amp * math.Sin(0.3*float64(s)+0.7*float64(i)+phase)
		}
	}
	return t
}

func zeroLocation(t grid.Tensor, index int) {
	per := grid.Shape(t.Shape[1:]).Size()
	for s := 0; s < t.Shape[0]; s++ {
		t.Data[s*per+index] = 0
	}
}

func mustEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

var approx = cmpopts.EquateApprox(1e-9, 1e-10)

func TestFitPredictEndToEnd(t *testing.T) {
	shape := []int{3, 3}
	e := mustEngine(t, testConfig(shape...))
	input := waveTensor(20, shape, 0, 1)
	output := waveTensor(20, shape, 0.5, 0.5)

	res, err := e.Fit(context.Background(), input, output, FitOptions{TransientTime: 5})
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	if len(res.Failures) != 0 {
		t.Fatalf("unexpected failures: %+v", res.Failures)
	}
	if res.Locations != 9 || !isFinite(res.TrainingRMSE) {
		t.Fatalf("unexpected fit result: %+v", res)
	}

	pred, pres, err := e.Predict(context.Background(), input, PredictOptions{TransientTime: 5})
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if diff := cmp.Diff([]int{15, 3, 3}, pred.Shape); diff != "" {
		t.Fatalf("prediction shape (-want +got):\n%s", diff)
	}
	if len(pres.Failures) != 0 {
		t.Fatalf("unexpected predict failures: %+v", pres.Failures)
	}
	for i, v := range pred.Data {
		if !isFinite(v) {
			t.Fatalf("prediction value %d is not finite: %v", i, v)
		}
	}
}

func TestAveragedWeightsAreMeanOfLocalSolutions(t *testing.T) {
	shape := []int{2, 2}
	cfg := testConfig(shape...)
	cfg.FilterSize = 3
	cfg.BorderMode = string(patch.BorderMirror)
	e := mustEngine(t, cfg)

	input := waveTensor(30, shape, 0, 1)
	output := waveTensor(30, shape, 1, 0.8)
	const transient = 3
	if _, err := e.Fit(context.Background(), input, output, FitOptions{TransientTime: transient}); err != nil {
		t.Fatalf("fit: %v", err)
	}

	padded, err := patch.Pad(input, 2, e.extractor.Width(), e.border)
	if err != nil {
		t.Fatalf("pad: %v", err)
	}
	want := mat.NewDense(1, e.readoutSize(), nil)
	wantStates := make([][]float64, len(e.locations))
	for i, loc := range e.locations {
		window, err := e.extractor.Window(padded, loc)
		if err != nil {
			t.Fatalf("window: %v", err)
		}
		state := make([]float64, cfg.ReservoirSize)
		X, err := e.prop.Propagate(window, transient, state, nil)
		if err != nil {
			t.Fatalf("propagate: %v", err)
		}
		y, _ := patch.Target(output, loc)
		w, err := readout.Ridge{Lambda: cfg.Regularization}.Solve(X, y[transient:])
		if err != nil {
			t.Fatalf("solve: %v", err)
		}
		want.Add(want, w)
		wantStates[i] = state
	}
	want.Scale(1/float64(len(e.locations)), want)

	averaged, perLocation := e.Weights()
	if perLocation != nil {
		t.Fatal("averaging engine must not expose per-location weights")
	}
	if diff := cmp.Diff(mat.Row(nil, 0, want), mat.Row(nil, 0, averaged), approx); diff != "" {
		t.Fatalf("averaged weights (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantStates, e.States(), approx); diff != "" {
		t.Fatalf("persistent states (-want +got):\n%s", diff)
	}
}

func TestResultsIndependentOfWorkerCount(t *testing.T) {
	shape := []int{4, 3}
	input := waveTensor(25, shape, 0, 1)
	output := waveTensor(25, shape, 0.2, 0.6)

	run := func(workers int, average bool) (*mat.Dense, []*mat.Dense, [][]float64, grid.Tensor) {
		cfg := testConfig(shape...)
		cfg.Workers = workers
		cfg.ChunkSize = 1
		cfg.AverageOutputWeights = average
		cfg.FilterSize = 3
		cfg.Reservoir.NoiseLevel = 1e-3
		e := mustEngine(t, cfg)
		if _, err := e.Fit(context.Background(), input, output, FitOptions{TransientTime: 4}); err != nil {
			t.Fatalf("fit: %v", err)
		}
		pred, _, err := e.Predict(context.Background(), input, PredictOptions{TransientTime: 4})
		if err != nil {
			t.Fatalf("predict: %v", err)
		}
		averaged, perLocation := e.Weights()
		return averaged, perLocation, e.States(), pred
	}

	_, perOne, statesOne, predOne := run(1, false)
	_, perFour, statesFour, predFour := run(4, false)
	for i := range perOne {
		if !mat.Equal(perOne[i], perFour[i]) {
			t.Fatalf("location %d weights differ between worker counts", i)
		}
	}
	if diff := cmp.Diff(statesOne, statesFour); diff != "" {
		t.Fatalf("states differ between worker counts (-1 +4):\n%s", diff)
	}
	if diff := cmp.Diff(predOne.Data, predFour.Data); diff != "" {
		t.Fatalf("predictions differ between worker counts (-1 +4):\n%s", diff)
	}

	// Averaging sums in arrival order, so only rounding may differ.
	avgOne, _, _, _ := run(1, true)
	avgFour, _, _, _ := run(4, true)
	if diff := cmp.Diff(mat.Row(nil, 0, avgOne), mat.Row(nil, 0, avgFour), approx); diff != "" {
		t.Fatalf("averaged weights differ between worker counts (-1 +4):\n%s", diff)
	}
}

func TestSingularLocationIsExcluded(t *testing.T) {
	shape := []int{2, 2}
	cfg := testConfig(shape...)
	cfg.Regularization = 0
	e := mustEngine(t, cfg)

	input := waveTensor(40, shape, 0, 1)
	zeroLocation(input, 2)
	output := waveTensor(40, shape, 0.3, 0.5)
	const transient = 5

	res, err := e.Fit(context.Background(), input, output, FitOptions{TransientTime: transient})
	if err != nil {
		t.Fatalf("fit must complete despite a singular location: %v", err)
	}

	padded, _ := patch.Pad(input, 2, 0, e.border)
	want := mat.NewDense(1, e.readoutSize(), nil)
	wantFailed := map[int]bool{}
	for i, loc := range e.locations {
		window, _ := e.extractor.Window(padded, loc)
		X, err := e.prop.Propagate(window, transient, make([]float64, cfg.ReservoirSize), nil)
		if err != nil {
			t.Fatalf("propagate: %v", err)
		}
		y, _ := patch.Target(output, loc)
		w, err := readout.Ridge{}.Solve(X, y[transient:])
		if err != nil {
			wantFailed[i] = true
			continue
		}
		want.Add(want, w)
	}
	if !wantFailed[2] {
		t.Fatal("zero-input location should be singular")
	}
	want.Scale(1/float64(len(e.locations)), want)

	gotFailed := map[int]bool{}
	for _, f := range res.Failures {
		gotFailed[f.Index] = true
		if !errors.Is(f.Err, readout.ErrSingular) || f.Reason == "" {
			t.Fatalf("unexpected failure diagnostic: %+v", f)
		}
	}
	if diff := cmp.Diff(wantFailed, gotFailed); diff != "" {
		t.Fatalf("failed locations (-want +got):\n%s", diff)
	}
	for _, f := range res.Failures {
		if f.Index == 2 {
			if diff := cmp.Diff([]int{1, 0}, []int(f.Location)); diff != "" {
				t.Fatalf("failure location (-want +got):\n%s", diff)
			}
		}
	}

	averaged, _ := e.Weights()
	if diff := cmp.Diff(mat.Row(nil, 0, want), mat.Row(nil, 0, averaged), cmpopts.EquateApprox(1e-9, 1e-8)); diff != "" {
		t.Fatalf("averaged weights (-want +got):\n%s", diff)
	}
	for i, x := range e.States() {
		if allZero(x) {
			t.Fatalf("state of location %d was not advanced", i)
		}
	}
}

func allZero(xs []float64) bool {
	for _, v := range xs {
		if v != 0 {
			return false
		}
	}
	return true
}

func TestPerLocationFailureLeavesWeightsUnset(t *testing.T) {
	shape := []int{2, 2}
	cfg := testConfig(shape...)
	cfg.AverageOutputWeights = false
	cfg.Regularization = 0
	e := mustEngine(t, cfg)

	input := waveTensor(40, shape, 0, 1)
	zeroLocation(input, 1)
	output := waveTensor(40, shape, 0.3, 0.5)

	res, err := e.Fit(context.Background(), input, output, FitOptions{TransientTime: 5})
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	failed := map[int]bool{}
	for _, f := range res.Failures {
		failed[f.Index] = true
	}
	if !failed[1] {
		t.Fatalf("expected location 1 to fail, failures: %+v", res.Failures)
	}

	averaged, perLocation := e.Weights()
	if averaged != nil {
		t.Fatal("per-location engine must not expose averaged weights")
	}
	for i, w := range perLocation {
		if failed[i] != (w == nil) {
			t.Fatalf("location %d: failed=%v weights set=%v", i, failed[i], w != nil)
		}
	}

	pred, pres, err := e.Predict(context.Background(), input, PredictOptions{TransientTime: 5})
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	predFailed := map[int]bool{}
	for _, f := range pres.Failures {
		predFailed[f.Index] = true
		if !errors.Is(f.Err, ErrNoWeights) {
			t.Fatalf("unexpected predict failure: %+v", f)
		}
	}
	if diff := cmp.Diff(failed, predFailed); diff != "" {
		t.Fatalf("predict failures (-fit +predict):\n%s", diff)
	}
	for s := 0; s < pred.Shape[0]; s++ {
		if !math.IsNaN(pred.At(s, 0, 1)) {
			t.Fatalf("step %d: failed location must be NaN, got %v", s, pred.At(s, 0, 1))
		}
		if !failed[0] && !isFinite(pred.At(s, 0, 0)) {
			t.Fatalf("step %d: fitted location must be finite", s)
		}
	}
}

func TestNonFiniteInputLocationIsExcluded(t *testing.T) {
	shape := []int{2, 2}
	const transient = 4
	for _, average := range []bool{true, false} {
		cfg := testConfig(shape...)
		cfg.AverageOutputWeights = average
		e := mustEngine(t, cfg)

		input := waveTensor(30, shape, 0, 1)
		input.Set(math.NaN(), 10, 1, 1)
		output := waveTensor(30, shape, 0.6, 0.5)

		res, err := e.Fit(context.Background(), input, output, FitOptions{TransientTime: transient})
		if err != nil {
			t.Fatalf("average=%v: fit: %v", average, err)
		}
		if len(res.Failures) != 1 || res.Failures[0].Index != 3 || !errors.Is(res.Failures[0].Err, ErrNonFinite) {
			t.Fatalf("average=%v: unexpected failures: %+v", average, res.Failures)
		}
		if !isFinite(res.TrainingRMSE) {
			t.Fatalf("average=%v: training rmse not finite: %v", average, res.TrainingRMSE)
		}

		padded, _ := patch.Pad(input, 2, 0, e.border)
		want := mat.NewDense(1, e.readoutSize(), nil)
		solutions := make([]*mat.Dense, len(e.locations))
		for i, loc := range e.locations[:3] {
			window, _ := e.extractor.Window(padded, loc)
			X, err := e.prop.Propagate(window, transient, make([]float64, cfg.ReservoirSize), nil)
			if err != nil {
				t.Fatalf("propagate: %v", err)
			}
			y, _ := patch.Target(output, loc)
			w, err := readout.Ridge{Lambda: cfg.Regularization}.Solve(X, y[transient:])
			if err != nil {
				t.Fatalf("solve location %d: %v", i, err)
			}
			solutions[i] = w
			want.Add(want, w)
		}
		want.Scale(1/float64(len(e.locations)), want)

		averaged, perLocation := e.Weights()
		if average {
			if diff := cmp.Diff(mat.Row(nil, 0, want), mat.Row(nil, 0, averaged), approx); diff != "" {
				t.Fatalf("averaged weights (-want +got):\n%s", diff)
			}
		} else {
			if perLocation[3] != nil {
				t.Fatal("location with non-finite input must stay unset")
			}
			for i := 0; i < 3; i++ {
				if diff := cmp.Diff(mat.Row(nil, 0, solutions[i]), mat.Row(nil, 0, perLocation[i]), approx); diff != "" {
					t.Fatalf("location %d weights (-want +got):\n%s", i, diff)
				}
			}
		}
		for i, x := range e.States() {
			for _, v := range x {
				if !isFinite(v) {
					t.Fatalf("average=%v: state of location %d is not finite", average, i)
				}
			}
		}

		snap, err := e.Snapshot()
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		if _, err := json.Marshal(snap); err != nil {
			t.Fatalf("average=%v: snapshot must encode: %v", average, err)
		}

		pred, pres, err := e.Predict(context.Background(), input, PredictOptions{TransientTime: transient})
		if err != nil {
			t.Fatalf("predict: %v", err)
		}
		if len(pres.Failures) != 1 || pres.Failures[0].Index != 3 {
			t.Fatalf("average=%v: unexpected predict failures: %+v", average, pres.Failures)
		}
		for s := 0; s < pred.Shape[0]; s++ {
			if !math.IsNaN(pred.At(s, 1, 1)) || !isFinite(pred.At(s, 0, 0)) {
				t.Fatalf("average=%v step %d: unexpected prediction %v %v", average, s, pred.At(s, 1, 1), pred.At(s, 0, 0))
			}
		}
	}
}

func TestClearAndResetMakePredictRepeatable(t *testing.T) {
	shape := []int{3, 2}
	e := mustEngine(t, testConfig(shape...))
	input := waveTensor(20, shape, 0, 1)
	output := waveTensor(20, shape, 0.4, 0.5)
	if _, err := e.Fit(context.Background(), input, output, FitOptions{TransientTime: 2}); err != nil {
		t.Fatalf("fit: %v", err)
	}

	predict := func() (grid.Tensor, [][]float64) {
		pred, _, err := e.Predict(context.Background(), input, PredictOptions{TransientTime: 2})
		if err != nil {
			t.Fatalf("predict: %v", err)
		}
		return pred, e.States()
	}

	e.ClearStates()
	if err := e.ResetState(nil); err != nil {
		t.Fatalf("reset: %v", err)
	}
	first, firstStates := predict()

	e.ClearStates()
	if err := e.ResetState(nil); err != nil {
		t.Fatalf("reset: %v", err)
	}
	second, secondStates := predict()

	if diff := cmp.Diff(first.Data, second.Data); diff != "" {
		t.Fatalf("predictions differ after reset (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(firstStates, secondStates); diff != "" {
		t.Fatalf("states differ after reset (-first +second):\n%s", diff)
	}

	_, thirdStates := predict()
	if cmp.Equal(secondStates, thirdStates) {
		t.Fatal("predict without clearing must continue from the previous states")
	}
}

func TestResetStateLeavesPersistentStates(t *testing.T) {
	shape := []int{2, 2}
	e := mustEngine(t, testConfig(shape...))
	input := waveTensor(12, shape, 0, 1)
	if _, err := e.Fit(context.Background(), input, input, FitOptions{TransientTime: 1}); err != nil {
		t.Fatalf("fit: %v", err)
	}
	before := e.States()
	e.pool.State(0)[0] = 42
	idx := 0
	if err := e.ResetState(&idx); err != nil {
		t.Fatalf("reset slot: %v", err)
	}
	if e.pool.State(0)[0] != 0 {
		t.Fatal("slot scratch state was not cleared")
	}
	if diff := cmp.Diff(before, e.States()); diff != "" {
		t.Fatalf("reset touched persistent states (-before +after):\n%s", diff)
	}
	bad := 7
	if err := e.ResetState(&bad); err == nil {
		t.Fatal("expected error for unknown slot")
	}
}

func TestPredictClearsScratchSlots(t *testing.T) {
	cfg := testConfig(1)
	cfg.Workers = 2
	e := mustEngine(t, cfg)
	input := waveTensor(12, []int{1}, 0, 1)
	if _, err := e.Fit(context.Background(), input, input, FitOptions{}); err != nil {
		t.Fatalf("fit: %v", err)
	}
	for id := 0; id < e.pool.Size(); id++ {
		for i := range e.pool.State(id) {
			e.pool.State(id)[i] = 7
		}
	}
	if _, _, err := e.Predict(context.Background(), input, PredictOptions{}); err != nil {
		t.Fatalf("predict: %v", err)
	}
	// One location runs on one slot; the idle slot must have been zeroed.
	idle := 0
	for id := 0; id < e.pool.Size(); id++ {
		if allZero(e.pool.State(id)) {
			idle++
		}
	}
	if idle != 1 {
		t.Fatalf("expected one cleared idle slot, got %d", idle)
	}
}

func TestConfigurationErrors(t *testing.T) {
	cases := map[string]func(*Config){
		"even filter":       func(c *Config) { c.FilterSize = 2 },
		"zero filter":       func(c *Config) { c.FilterSize = 0 },
		"bad stride":        func(c *Config) { c.Stride = -1 },
		"border":            func(c *Config) { c.BorderMode = "reflect101" },
		"solver":            func(c *Config) { c.Solver = "sklearn_auto" },
		"averaging pinv":    func(c *Config) { c.Solver = readout.NamePinv },
		"negative lambda":   func(c *Config) { c.Regularization = -1 },
		"reservoir size":    func(c *Config) { c.ReservoirSize = 0 },
		"shape":             func(c *Config) { c.InputShape = []int{2, 0} },
		"workers":           func(c *Config) { c.Workers = -2 },
		"output activation": func(c *Config) { c.OutputActivation = "relu" },
		"leaking rate":      func(c *Config) { c.Reservoir.LeakingRate = 2 },
	}
	for name, mutate := range cases {
		cfg := testConfig(2, 2)
		mutate(&cfg)
		if _, err := New(cfg); !errors.Is(err, ErrConfig) {
			t.Fatalf("%s: expected ErrConfig, got %v", name, err)
		}
	}

	cfg := testConfig(2, 2)
	cfg.Solver = readout.NamePinv
	cfg.AverageOutputWeights = false
	if _, err := New(cfg); err != nil {
		t.Fatalf("pinv without averaging should be valid: %v", err)
	}
}

func TestFitAndPredictShapeErrors(t *testing.T) {
	shape := []int{2, 2}
	e := mustEngine(t, testConfig(shape...))
	ctx := context.Background()
	good := waveTensor(10, shape, 0, 1)

	if _, _, err := e.Predict(ctx, good, PredictOptions{}); !errors.Is(err, ErrNotFitted) {
		t.Fatalf("expected ErrNotFitted, got %v", err)
	}

	flat := grid.NewTensor(10, 4)
	if _, err := e.Fit(ctx, flat, flat, FitOptions{}); !errors.Is(err, ErrConfig) {
		t.Fatalf("rank mismatch: expected ErrConfig, got %v", err)
	}
	other := waveTensor(10, []int{2, 3}, 0, 1)
	if _, err := e.Fit(ctx, other, other, FitOptions{}); !errors.Is(err, ErrConfig) {
		t.Fatalf("grid mismatch: expected ErrConfig, got %v", err)
	}
	if _, err := e.Fit(ctx, good, waveTensor(9, shape, 0, 1), FitOptions{}); !errors.Is(err, ErrConfig) {
		t.Fatalf("length mismatch: expected ErrConfig, got %v", err)
	}
	if _, err := e.Fit(ctx, good, good, FitOptions{TransientTime: 10}); !errors.Is(err, ErrConfig) {
		t.Fatalf("transient: expected ErrConfig, got %v", err)
	}

	if _, err := e.Fit(ctx, good, good, FitOptions{TransientTime: 2}); err != nil {
		t.Fatalf("fit: %v", err)
	}
	batch := grid.NewTensor(2, 10, 2, 2)
	if _, _, err := e.Predict(ctx, batch, PredictOptions{}); !errors.Is(err, ErrConfig) {
		t.Fatalf("batched predict: expected ErrConfig, got %v", err)
	}
}

func TestFitMultipleSeriesCarriesState(t *testing.T) {
	shape := []int{2, 2}
	cfg := testConfig(shape...)
	cfg.AverageOutputWeights = false
	e := mustEngine(t, cfg)

	const steps, transient = 15, 3
	a := waveTensor(steps, shape, 0, 1)
	b := waveTensor(steps, shape, 2, 0.7)
	ya := waveTensor(steps, shape, 0.5, 0.5)
	yb := waveTensor(steps, shape, 2.5, 0.5)
	input := grid.NewTensor(2, steps, 2, 2)
	output := grid.NewTensor(2, steps, 2, 2)
	copy(input.Slice(0).Data, a.Data)
	copy(input.Slice(1).Data, b.Data)
	copy(output.Slice(0).Data, ya.Data)
	copy(output.Slice(1).Data, yb.Data)

	res, err := e.Fit(context.Background(), input, output, FitOptions{TransientTime: transient})
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	if len(res.Failures) != 0 {
		t.Fatalf("unexpected failures: %+v", res.Failures)
	}

	loc := grid.Location{1, 0}
	index, _ := e.indexer.Index(loc)
	state := make([]float64, cfg.ReservoirSize)
	var designs []*mat.Dense
	var targets [][]float64
	for _, pair := range [][2]grid.Tensor{{a, ya}, {b, yb}} {
		padded, _ := patch.Pad(pair[0], 2, 0, e.border)
		window, _ := e.extractor.Window(padded, loc)
		X, err := e.prop.Propagate(window, transient, state, nil)
		if err != nil {
			t.Fatalf("propagate: %v", err)
		}
		y, _ := patch.Target(pair[1], loc)
		designs = append(designs, X)
		targets = append(targets, y[transient:])
	}
	X, Y, err := readout.Stack(designs, targets)
	if err != nil {
		t.Fatalf("stack: %v", err)
	}
	want, err := readout.Ridge{Lambda: cfg.Regularization}.Solve(X, Y)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}

	_, perLocation := e.Weights()
	if diff := cmp.Diff(mat.Row(nil, 0, want), mat.Row(nil, 0, perLocation[index]), approx); diff != "" {
		t.Fatalf("multi-series weights (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(state, e.States()[index], approx); diff != "" {
		t.Fatalf("multi-series final state (-want +got):\n%s", diff)
	}
}

func TestOutputActivationRoundTrip(t *testing.T) {
	shape := []int{2, 1}
	cfg := testConfig(shape...)
	cfg.OutputActivation = "tanh"
	e := mustEngine(t, cfg)

	input := waveTensor(30, shape, 0, 1)
	output := waveTensor(30, shape, 0.1, 0.5)
	if _, err := e.Fit(context.Background(), input, output, FitOptions{TransientTime: 2}); err != nil {
		t.Fatalf("fit: %v", err)
	}
	pred, _, err := e.Predict(context.Background(), input, PredictOptions{TransientTime: 2})
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	for i, v := range pred.Data {
		if v <= -1 || v >= 1 {
			t.Fatalf("prediction %d outside tanh range: %v", i, v)
		}
	}

	bad := waveTensor(30, shape, 0.1, 2)
	res, err := e.Fit(context.Background(), input, bad, FitOptions{TransientTime: 2})
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	if len(res.Failures) != 2 || !errors.Is(res.Failures[0].Err, ErrTarget) {
		t.Fatalf("expected both locations to fail on out-of-range targets: %+v", res.Failures)
	}
}

func TestSnapshotRestore(t *testing.T) {
	shape := []int{3, 2}
	for _, average := range []bool{true, false} {
		cfg := testConfig(shape...)
		cfg.AverageOutputWeights = average
		e := mustEngine(t, cfg)
		input := waveTensor(20, shape, 0, 1)
		output := waveTensor(20, shape, 0.4, 0.5)
		if _, err := e.Fit(context.Background(), input, output, FitOptions{TransientTime: 2}); err != nil {
			t.Fatalf("fit: %v", err)
		}
		snap, err := e.Snapshot()
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		restored, err := Restore(snap, nil)
		if err != nil {
			t.Fatalf("restore: %v", err)
		}

		want, _, err := e.Predict(context.Background(), input, PredictOptions{})
		if err != nil {
			t.Fatalf("predict original: %v", err)
		}
		got, _, err := restored.Predict(context.Background(), input, PredictOptions{})
		if err != nil {
			t.Fatalf("predict restored: %v", err)
		}
		if diff := cmp.Diff(want.Data, got.Data); diff != "" {
			t.Fatalf("average=%v: restored predictions differ (-want +got):\n%s", average, diff)
		}
	}

	e := mustEngine(t, testConfig(2, 2))
	snap, _ := e.Snapshot()
	snap.States = snap.States[:1]
	if _, err := Restore(snap, nil); !errors.Is(err, ErrSnapshot) {
		t.Fatalf("expected ErrSnapshot, got %v", err)
	}
}

func TestRestoreContinuesNoiseSequence(t *testing.T) {
	shape := []int{2, 2}
	cfg := testConfig(shape...)
	cfg.Reservoir.NoiseLevel = 1e-2
	e := mustEngine(t, cfg)
	input := waveTensor(20, shape, 0, 1)
	output := waveTensor(20, shape, 0.4, 0.5)
	if _, err := e.Fit(context.Background(), input, output, FitOptions{}); err != nil {
		t.Fatalf("fit: %v", err)
	}
	snap, err := e.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Calls != 1 {
		t.Fatalf("expected one recorded call, got %d", snap.Calls)
	}
	restored, err := Restore(snap, nil)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}

	want, _, err := e.Predict(context.Background(), input, PredictOptions{})
	if err != nil {
		t.Fatalf("predict original: %v", err)
	}
	got, _, err := restored.Predict(context.Background(), input, PredictOptions{})
	if err != nil {
		t.Fatalf("predict restored: %v", err)
	}
	if diff := cmp.Diff(want.Data, got.Data); diff != "" {
		t.Fatalf("restored engine must draw the next noise sequence (-want +got):\n%s", diff)
	}
}

type panickyPropagator struct {
	inputs, size int
	calls        atomic.Int32
}

func (p *panickyPropagator) InputSize() int     { return p.inputs }
func (p *panickyPropagator) ReservoirSize() int { return p.size }

func (p *panickyPropagator) Propagate(inputs *mat.Dense, transient int, state []float64, _ *rand.Rand) (*mat.Dense, error) {
	if p.calls.Add(1) == 1 {
		panic("reservoir exploded")
	}
	steps, _ := inputs.Dims()
	rows := 1 + p.inputs + p.size
	out := mat.NewDense(rows, steps-transient, nil)
	for r := 0; r < rows; r++ {
		for c := 0; c < steps-transient; c++ {
			out.Set(r, c, math.Sin(float64(r*31+c*7+1)))
		}
	}
	for i := range state {
		state[i] = 1
	}
	return out, nil
}

func TestJobPanicBecomesFailure(t *testing.T) {
	cfg := testConfig(2, 2)
	cfg.Regularization = 1
	prop := &panickyPropagator{inputs: 1, size: cfg.ReservoirSize}
	e, err := NewWithPropagator(cfg, prop)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	input := waveTensor(10, []int{2, 2}, 0, 1)
	res, err := e.Fit(context.Background(), input, input, FitOptions{TransientTime: 1})
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	if len(res.Failures) != 1 || !errors.Is(res.Failures[0].Err, ErrJobPanic) {
		t.Fatalf("expected one panic failure, got %+v", res.Failures)
	}
	if e.pool.Available() != e.Workers() {
		t.Fatalf("slot leaked after panic: %d of %d free", e.pool.Available(), e.Workers())
	}

	if _, err := NewWithPropagator(cfg, &panickyPropagator{inputs: 2, size: cfg.ReservoirSize}); !errors.Is(err, ErrPropagator) {
		t.Fatalf("expected ErrPropagator, got %v", err)
	}
}

func TestFitHonoursCancellation(t *testing.T) {
	shape := []int{3, 3}
	e := mustEngine(t, testConfig(shape...))
	input := waveTensor(10, shape, 0, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Fit(ctx, input, input, FitOptions{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if e.Fitted() {
		t.Fatal("cancelled fit must not mark the engine fitted")
	}
}

func TestVerbosityLogsProgress(t *testing.T) {
	var buf bytes.Buffer
	cfg := testConfig(4, 5)
	cfg.Logger = slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	e := mustEngine(t, cfg)
	input := waveTensor(10, []int{4, 5}, 0, 1)

	if _, err := e.Fit(context.Background(), input, input, FitOptions{TransientTime: 1}); err != nil {
		t.Fatalf("fit: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("verbosity 0 must be silent, got %q", buf.String())
	}

	if _, err := e.Fit(context.Background(), input, input, FitOptions{TransientTime: 1, Verbosity: 1}); err != nil {
		t.Fatalf("fit: %v", err)
	}
	out := buf.String()
	if got := strings.Count(out, "fit progress"); got != 10 {
		t.Fatalf("expected 10 progress lines, got %d:\n%s", got, out)
	}
	if strings.Contains(out, "location done") {
		t.Fatal("verbosity 1 must not log per-location lines")
	}

	buf.Reset()
	if _, err := e.Fit(context.Background(), input, input, FitOptions{TransientTime: 1, Verbosity: 2}); err != nil {
		t.Fatalf("fit: %v", err)
	}
	if got := strings.Count(buf.String(), "fit location done"); got != 20 {
		t.Fatalf("expected 20 per-location lines, got %d", got)
	}
}
