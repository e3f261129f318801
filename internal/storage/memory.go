package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"stesn/internal/model"
)

// MemoryStore keeps encoded records so that callers never share slices with
// the store.
type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	models      map[string][]byte
	runs        map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.initialized = true
	s.models = make(map[string][]byte)
	s.runs = make(map[string][]byte)
	return nil
}

func (s *MemoryStore) SaveModel(_ context.Context, record model.ModelRecord) error {
	if record.ID == "" {
		return errors.New("model id is required")
	}
	payload, err := EncodeModel(record)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errors.New("store is not initialized")
	}
	s.models[record.ID] = payload
	return nil
}

func (s *MemoryStore) GetModel(_ context.Context, id string) (model.ModelRecord, bool, error) {
	s.mu.RLock()
	payload, ok := s.models[id]
	s.mu.RUnlock()
	if !ok {
		return model.ModelRecord{}, false, nil
	}

	record, err := DecodeModel(payload)
	if err != nil {
		return model.ModelRecord{}, false, fmt.Errorf("decode model %s: %w", id, err)
	}
	return record, true, nil
}

func (s *MemoryStore) ListModels(_ context.Context) ([]model.ModelInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]model.ModelInfo, 0, len(s.models))
	for id, payload := range s.models {
		record, err := DecodeModel(payload)
		if err != nil {
			return nil, fmt.Errorf("decode model %s: %w", id, err)
		}
		infos = append(infos, record.Info())
	}
	sortModelInfos(infos)
	return infos, nil
}

func (s *MemoryStore) DeleteModel(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.models[id]
	delete(s.models, id)
	return ok, nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run model.RunRecord) error {
	if run.ID == "" {
		return errors.New("run id is required")
	}
	payload, err := EncodeRun(run)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errors.New("store is not initialized")
	}
	s.runs[run.ID] = payload
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (model.RunRecord, bool, error) {
	s.mu.RLock()
	payload, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok {
		return model.RunRecord{}, false, nil
	}

	run, err := DecodeRun(payload)
	if err != nil {
		return model.RunRecord{}, false, fmt.Errorf("decode run %s: %w", id, err)
	}
	return run, true, nil
}

func (s *MemoryStore) ListRuns(_ context.Context, modelID string) ([]model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]model.RunRecord, 0, len(s.runs))
	for id, payload := range s.runs {
		run, err := DecodeRun(payload)
		if err != nil {
			return nil, fmt.Errorf("decode run %s: %w", id, err)
		}
		if modelID != "" && run.ModelID != modelID {
			continue
		}
		runs = append(runs, run)
	}
	sortRuns(runs)
	return runs, nil
}

func sortModelInfos(infos []model.ModelInfo) {
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].UpdatedAt.Equal(infos[j].UpdatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
	})
}

func sortRuns(runs []model.RunRecord) {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
}
