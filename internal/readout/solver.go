package readout

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrSingular      = errors.New("singular design matrix")
	ErrUnknownSolver = errors.New("unknown solver")
	ErrDimensions    = errors.New("dimension mismatch")
)

const (
	NamePinv = "pinv"
	NameLSQR = "lsqr"
)

// eps is float64 machine epsilon, the pinv cutoff scale.
const eps = 0x1p-52

// Solver fits readout weights WOut (1 x rows(X)) so that WOut*X approximates
// the target row Y. Implementations are Pinv and Ridge.
type Solver interface {
	Name() string
	Solve(X *mat.Dense, Y []float64) (*mat.Dense, error)
}

// Pinv solves with the Moore-Penrose pseudo-inverse, WOut = Y*pinv(X).
type Pinv struct{}

// Ridge solves the Tikhonov-regularized normal equations,
// WOut = Y*X^T * inv(X*X^T + Lambda*I).
type Ridge struct {
	Lambda float64
}

func Parse(name string, lambda float64) (Solver, error) {
	switch name {
	case NamePinv:
		return Pinv{}, nil
	case NameLSQR:
		if lambda < 0 || math.IsNaN(lambda) {
			return nil, fmt.Errorf("regularization must be >= 0, got %v", lambda)
		}
		return Ridge{Lambda: lambda}, nil
	default:
		return nil, fmt.Errorf("%w: %q (want pinv|lsqr)", ErrUnknownSolver, name)
	}
}

// Averageable reports whether solutions of s are comparable across
// locations and may be averaged into one shared readout.
func Averageable(s Solver) bool {
	_, ok := s.(Ridge)
	return ok
}

func (Pinv) Name() string { return NamePinv }

func (Pinv) Solve(X *mat.Dense, Y []float64) (*mat.Dense, error) {
	rows, cols := X.Dims()
	if len(Y) != cols {
		return nil, fmt.Errorf("%w: target has %d samples, design matrix %d", ErrDimensions, len(Y), cols)
	}

	var svd mat.SVD
	if ok := svd.Factorize(X, mat.SVDThin); !ok {
		return nil, fmt.Errorf("%w: svd did not converge", ErrSingular)
	}
	values := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// pinv(X) = V * diag(1/s) * U^T, dropping singular values below tol.
	tol := 0.0
	if len(values) > 0 {
		tol = float64(max(rows, cols)) * values[0] * eps
	}
	k := len(values)
	yRow := mat.NewDense(1, cols, append([]float64(nil), Y...))

	var yv mat.Dense
	yv.Mul(yRow, &v) // 1 x k
	for i := 0; i < k; i++ {
		if values[i] > tol {
			yv.Set(0, i, yv.At(0, i)/values[i])
		} else {
			yv.Set(0, i, 0)
		}
	}
	out := mat.NewDense(1, rows, nil)
	out.Mul(&yv, u.T())
	return out, nil
}

func (r Ridge) Name() string { return NameLSQR }

func (r Ridge) Solve(X *mat.Dense, Y []float64) (*mat.Dense, error) {
	rows, cols := X.Dims()
	if len(Y) != cols {
		return nil, fmt.Errorf("%w: target has %d samples, design matrix %d", ErrDimensions, len(Y), cols)
	}

	gram := mat.NewDense(rows, rows, nil)
	gram.Mul(X, X.T())
	for i := 0; i < rows; i++ {
		gram.Set(i, i, gram.At(i, i)+r.Lambda)
	}

	var inv mat.Dense
	if err := inv.Inverse(gram); err != nil {
		var cond mat.Condition
		if errors.As(err, &cond) {
			return nil, fmt.Errorf("%w: condition number %g", ErrSingular, float64(cond))
		}
		return nil, fmt.Errorf("%w: %v", ErrSingular, err)
	}

	yRow := mat.NewDense(1, cols, append([]float64(nil), Y...))
	var yxt mat.Dense
	yxt.Mul(yRow, X.T())
	out := mat.NewDense(1, rows, nil)
	out.Mul(&yxt, &inv)
	return out, nil
}

// Stack concatenates per-series design matrices and targets columnwise.
func Stack(designs []*mat.Dense, targets [][]float64) (*mat.Dense, []float64, error) {
	if len(designs) == 0 || len(designs) != len(targets) {
		return nil, nil, fmt.Errorf("%w: %d design matrices for %d targets", ErrDimensions, len(designs), len(targets))
	}
	rows, _ := designs[0].Dims()
	total := 0
	for i, d := range designs {
		r, c := d.Dims()
		if r != rows {
			return nil, nil, fmt.Errorf("%w: series %d has %d rows, want %d", ErrDimensions, i, r, rows)
		}
		if len(targets[i]) != c {
			return nil, nil, fmt.Errorf("%w: series %d has %d targets for %d samples", ErrDimensions, i, len(targets[i]), c)
		}
		total += c
	}
	if len(designs) == 1 {
		return designs[0], targets[0], nil
	}

	X := mat.NewDense(rows, total, nil)
	Y := make([]float64, 0, total)
	col := 0
	for i, d := range designs {
		_, c := d.Dims()
		X.Slice(0, rows, col, col+c).(*mat.Dense).Copy(d)
		Y = append(Y, targets[i]...)
		col += c
	}
	return X, Y, nil
}

// Apply computes WOut*X as a series of length cols(X).
func Apply(wout *mat.Dense, X *mat.Dense) ([]float64, error) {
	_, wc := wout.Dims()
	rows, cols := X.Dims()
	if wc != rows {
		return nil, fmt.Errorf("%w: readout has %d weights, design matrix %d rows", ErrDimensions, wc, rows)
	}
	var y mat.Dense
	y.Mul(wout, X)
	return mat.Row(make([]float64, cols), 0, &y), nil
}
