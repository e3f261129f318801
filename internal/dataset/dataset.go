// Package dataset reads and writes tensors as JSON documents of the form
// {"shape": [...], "data": [...]} and generates synthetic wave fields.
// Input files may be JSONC (comments, trailing commas). Missing values are
// encoded as null and decode to NaN.
package dataset

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"

	"stesn/internal/grid"
)

var ErrFormat = errors.New("invalid tensor file")

type document struct {
	Shape []int      `json:"shape"`
	Data  []*float64 `json:"data"`
}

// Decode parses a JSON or JSONC tensor document.
func Decode(data []byte) (grid.Tensor, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return grid.Tensor{}, fmt.Errorf("%w: invalid JSONC: %w", ErrFormat, err)
	}
	var doc document
	if err := json.Unmarshal(standardized, &doc); err != nil {
		return grid.Tensor{}, fmt.Errorf("%w: invalid JSON: %w", ErrFormat, err)
	}
	if len(doc.Shape) == 0 {
		return grid.Tensor{}, fmt.Errorf("%w: shape is required", ErrFormat)
	}
	values := make([]float64, len(doc.Data))
	for i, v := range doc.Data {
		if v == nil {
			values[i] = math.NaN()
			continue
		}
		values[i] = *v
	}
	t, err := grid.FromData(doc.Shape, values)
	if err != nil {
		return grid.Tensor{}, fmt.Errorf("%w: %w", ErrFormat, err)
	}
	return t, nil
}

// Encode renders t as an indented JSON document; NaN and infinities become
// null.
func Encode(t grid.Tensor) ([]byte, error) {
	doc := document{Shape: t.Shape, Data: make([]*float64, len(t.Data))}
	for i := range t.Data {
		if !math.IsNaN(t.Data[i]) && !math.IsInf(t.Data[i], 0) {
			doc.Data[i] = &t.Data[i]
		}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func Load(path string) (grid.Tensor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return grid.Tensor{}, err
	}
	t, err := Decode(data)
	if err != nil {
		return grid.Tensor{}, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Save writes t to path atomically.
func Save(path string, t grid.Tensor) error {
	data, err := Encode(t)
	if err != nil {
		return err
	}
	return atomic.WriteFile(path, bytes.NewReader(data))
}
