package engine

import (
	"errors"
	"fmt"
)

// ErrShape is returned when a buffer does not match the bound tensor size or a
// model exposes a dimension that cannot be fixed at load time.
var ErrShape = errors.New("tensor shape mismatch")

// Engine opens models and reports its backend name.
type Engine interface {
	// Open loads the model at path. A positive batchSize replaces the dynamic
	// leading dimension of the model's tensors; zero keeps the model's own.
	Open(path string, batchSize int) (Network, error)
	Name() string
}

// Network is a loaded model able to create execution contexts.
type Network interface {
	InputName() string
	OutputNames() []string
	Dims(name string) ([]int64, error)
	NewRequest() (Request, error)
	Close() error
}

// Request is one reusable execution context with bound input and output
// buffers. A request is not safe for concurrent use.
type Request interface {
	SetInput(name string, data []float32) error
	Infer() error
	// StartAsync launches inference and calls done exactly once on completion.
	StartAsync(done func(error))
	// Output returns the named output buffer. It stays valid until the next
	// inference on the same request.
	Output(name string) ([]float32, error)
	Close() error
}

// TensorSpec names a tensor and its dimensions; -1 marks a dynamic dimension.
type TensorSpec struct {
	Name string
	Dims []int64
}

// Elements returns the number of elements described by dims.
func Elements(dims []int64) int {
	n := 1
	for _, d := range dims {
		n *= int(d)
	}
	return n
}

// fixDims substitutes the dynamic leading dimension with batchSize and rejects
// any other dynamic dimension.
func fixDims(name string, dims []int64, batchSize int) ([]int64, error) {
	fixed := make([]int64, len(dims))
	copy(fixed, dims)
	for i, d := range fixed {
		if d >= 0 {
			continue
		}
		if i != 0 {
			return nil, fmt.Errorf("%s: dynamic dimension %d: %w", name, i, ErrShape)
		}
		fixed[i] = 1
		if batchSize > 0 {
			fixed[i] = int64(batchSize)
		}
	}
	return fixed, nil
}

func checkLen(name string, got, want int) error {
	if got != want {
		return fmt.Errorf("%s: got %d elements, want %d: %w", name, got, want, ErrShape)
	}
	return nil
}
