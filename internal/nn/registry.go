package nn

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

var (
	ErrActivationExists   = errors.New("activation already registered")
	ErrActivationNotFound = errors.New("activation not found")
	ErrNotInvertible      = errors.New("activation has no inverse")
)

type ActivationFunc func(x float64) float64

// ActivationSpec describes an activation. Inverse is optional; only
// invertible activations can be used as output activations, because
// training targets are mapped through the inverse before regression.
type ActivationSpec struct {
	Name    string
	Func    ActivationFunc
	Inverse ActivationFunc
}

type registeredActivation struct {
	fn      ActivationFunc
	inverse ActivationFunc
}

var activationRegistry = struct {
	mu sync.RWMutex
	m  map[string]registeredActivation
}{
	m: make(map[string]registeredActivation),
}

func init() {
	initializeBuiltInActivations()
}

func identity(x float64) float64 { return x }

func initializeBuiltInActivations() {
	MustRegisterActivation(ActivationSpec{Name: "identity", Func: identity, Inverse: identity})
	MustRegisterActivation(ActivationSpec{Name: "tanh", Func: math.Tanh, Inverse: math.Atanh})
	MustRegisterActivation(ActivationSpec{
		Name: "sigmoid",
		Func: func(x float64) float64 {
			return 1.0 / (1.0 + math.Exp(-x))
		},
		Inverse: func(y float64) float64 {
			return math.Log(y / (1 - y))
		},
	})
	MustRegisterActivation(ActivationSpec{
		Name: "relu",
		Func: func(x float64) float64 {
			if x < 0 {
				return 0
			}
			return x
		},
	})
}

func MustRegisterActivation(spec ActivationSpec) {
	if err := RegisterActivation(spec); err != nil {
		panic(err)
	}
}

func RegisterActivation(spec ActivationSpec) error {
	if spec.Name == "" {
		return errors.New("activation name is required")
	}
	if spec.Func == nil {
		return errors.New("activation function is required")
	}

	activationRegistry.mu.Lock()
	defer activationRegistry.mu.Unlock()

	if _, exists := activationRegistry.m[spec.Name]; exists {
		return fmt.Errorf("%w: %s", ErrActivationExists, spec.Name)
	}

	activationRegistry.m[spec.Name] = registeredActivation{
		fn:      spec.Func,
		inverse: spec.Inverse,
	}
	return nil
}

func GetActivation(name string) (ActivationFunc, error) {
	activationRegistry.mu.RLock()
	entry, ok := activationRegistry.m[name]
	activationRegistry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrActivationNotFound, name)
	}
	return entry.fn, nil
}

// GetInvertible returns an activation together with its inverse.
func GetInvertible(name string) (ActivationFunc, ActivationFunc, error) {
	activationRegistry.mu.RLock()
	entry, ok := activationRegistry.m[name]
	activationRegistry.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrActivationNotFound, name)
	}
	if entry.inverse == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotInvertible, name)
	}
	return entry.fn, entry.inverse, nil
}

func ListActivations() []string {
	activationRegistry.mu.RLock()
	defer activationRegistry.mu.RUnlock()

	names := make([]string, 0, len(activationRegistry.m))
	for name := range activationRegistry.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resetActivationRegistryForTests() {
	activationRegistry.mu.Lock()
	activationRegistry.m = make(map[string]registeredActivation)
	activationRegistry.mu.Unlock()
	initializeBuiltInActivations()
}
