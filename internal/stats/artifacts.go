package stats

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/natefinch/atomic"

	"stesn/internal/dataset"
	"stesn/internal/engine"
	"stesn/internal/grid"
)

const (
	runIndexFile       = "run_index.json"
	configFile         = "config.json"
	diagnosticsFile    = "diagnostics.json"
	predictionFile     = "prediction.json"
	predictionSummFile = "prediction_summary.json"
)

type RunConfig struct {
	RunID         string        `json:"run_id"`
	ModelID       string        `json:"model_id"`
	Kind          string        `json:"kind"`
	InputPath     string        `json:"input_path,omitempty"`
	OutputPath    string        `json:"output_path,omitempty"`
	InputShape    []int         `json:"input_shape"`
	TransientTime int           `json:"transient_time"`
	Verbosity     int           `json:"verbosity"`
	Engine        engine.Config `json:"engine"`
}

type Diagnostics struct {
	Locations    int                      `json:"locations"`
	Failures     []engine.LocationFailure `json:"failures"`
	TrainingRMSE float64                  `json:"training_rmse,omitempty"`
	ElapsedMS    int64                    `json:"elapsed_ms"`
}

// PredictionSummary condenses a prediction tensor; NaN entries come from
// failed locations and are counted instead of aggregated.
type PredictionSummary struct {
	Shape []int   `json:"shape"`
	Count int     `json:"count"`
	NaN   int     `json:"nan"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
	Std   float64 `json:"std"`
}

type RunArtifacts struct {
	Config      RunConfig    `json:"config"`
	Diagnostics Diagnostics  `json:"diagnostics"`
	Prediction  *grid.Tensor `json:"prediction,omitempty"`
}

type RunIndexEntry struct {
	RunID        string  `json:"run_id"`
	ModelID      string  `json:"model_id"`
	Kind         string  `json:"kind"`
	InputShape   []int   `json:"input_shape"`
	Locations    int     `json:"locations"`
	Failures     int     `json:"failures"`
	TrainingRMSE float64 `json:"training_rmse,omitempty"`
	CreatedAtUTC string  `json:"created_at_utc"`
}

func SummarizePrediction(t grid.Tensor) PredictionSummary {
	summary := PredictionSummary{Shape: append([]int(nil), t.Shape...)}
	sum, sumSq := 0.0, 0.0
	for _, v := range t.Data {
		if math.IsNaN(v) {
			summary.NaN++
			continue
		}
		if summary.Count == 0 || v < summary.Min {
			summary.Min = v
		}
		if summary.Count == 0 || v > summary.Max {
			summary.Max = v
		}
		summary.Count++
		sum += v
		sumSq += v * v
	}
	if summary.Count > 0 {
		n := float64(summary.Count)
		summary.Mean = sum / n
		summary.Std = math.Sqrt(math.Max(sumSq/n-summary.Mean*summary.Mean, 0))
	}
	return summary
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Config.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, configFile), artifacts.Config); err != nil {
		return "", err
	}
	diagnostics := artifacts.Diagnostics
	if diagnostics.Failures == nil {
		diagnostics.Failures = []engine.LocationFailure{}
	}
	if err := writeJSON(filepath.Join(runDir, diagnosticsFile), diagnostics); err != nil {
		return "", err
	}
	if artifacts.Prediction != nil {
		if err := writeJSON(filepath.Join(runDir, predictionSummFile), SummarizePrediction(*artifacts.Prediction)); err != nil {
			return "", err
		}
		if err := dataset.Save(filepath.Join(runDir, predictionFile), *artifacts.Prediction); err != nil {
			return "", err
		}
	}

	return runDir, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns index entries newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	path := filepath.Join(baseDir, runIndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Prefer later appended entries for equal timestamps.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

// ExportRunArtifacts copies the artifacts of runID into outDir/runID.
func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	for _, file := range []string{configFile, diagnosticsFile} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	for _, file := range []string{predictionSummFile, predictionFile} {
		path := filepath.Join(src, file)
		if _, err := os.Stat(path); err == nil {
			if err := copyFile(path, filepath.Join(dst, file)); err != nil {
				return "", err
			}
		} else if !os.IsNotExist(err) {
			return "", err
		}
	}

	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	var cfg RunConfig
	ok, err := readJSON(filepath.Join(baseDir, runID, configFile), &cfg)
	return cfg, ok, err
}

func ReadDiagnostics(baseDir, runID string) (Diagnostics, bool, error) {
	var diagnostics Diagnostics
	ok, err := readJSON(filepath.Join(baseDir, runID, diagnosticsFile), &diagnostics)
	return diagnostics, ok, err
}

func ReadPredictionSummary(baseDir, runID string) (PredictionSummary, bool, error) {
	var summary PredictionSummary
	ok, err := readJSON(filepath.Join(baseDir, runID, predictionSummFile), &summary)
	return summary, ok, err
}

func WriteRunConfig(baseDir, runID string, cfg RunConfig) error {
	if strings.TrimSpace(runID) == "" {
		return fmt.Errorf("run id is required")
	}
	if strings.TrimSpace(cfg.RunID) == "" {
		cfg.RunID = strings.TrimSpace(runID)
	}
	if cfg.RunID != strings.TrimSpace(runID) {
		return fmt.Errorf("run config run id mismatch: got=%s want=%s", cfg.RunID, strings.TrimSpace(runID))
	}
	runDir := filepath.Join(baseDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return err
	}
	return writeJSON(filepath.Join(runDir, configFile), cfg)
}

func readJSON(path string, value any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, value); err != nil {
		return false, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return atomic.WriteFile(path, bytes.NewReader(data))
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	return atomic.WriteFile(dst, in)
}
