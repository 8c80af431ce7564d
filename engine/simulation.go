package engine

import (
	"fmt"
	"time"
)

// SimulatedModel describes a model for the simulated engine. Compute fills
// every output buffer from the input; outputs arrive zeroed.
type SimulatedModel struct {
	Input   TensorSpec
	Outputs []TensorSpec
	Compute func(input []float32, outputs map[string][]float32)
}

// Simulated mimics an inference engine with a pure function plus a fixed
// latency. It stands in for ONNX Runtime in tests and when no runtime library
// is configured.
type Simulated struct {
	model   SimulatedModel
	latency time.Duration
}

func NewSimulated(model SimulatedModel, latency time.Duration) *Simulated {
	return &Simulated{model: model, latency: latency}
}

func (s *Simulated) Name() string { return "simulation" }

// Open ignores path; the simulated model is fixed at construction.
func (s *Simulated) Open(path string, batchSize int) (Network, error) {
	n := &simNetwork{
		engine: s,
		input:  s.model.Input.Name,
		dims:   make(map[string][]int64, len(s.model.Outputs)+1),
	}
	dims, err := fixDims(s.model.Input.Name, s.model.Input.Dims, batchSize)
	if err != nil {
		return nil, err
	}
	n.dims[n.input] = dims
	for _, out := range s.model.Outputs {
		dims, err := fixDims(out.Name, out.Dims, batchSize)
		if err != nil {
			return nil, err
		}
		n.outputs = append(n.outputs, out.Name)
		n.dims[out.Name] = dims
	}
	return n, nil
}

type simNetwork struct {
	engine  *Simulated
	input   string
	outputs []string
	dims    map[string][]int64
}

func (n *simNetwork) InputName() string     { return n.input }
func (n *simNetwork) OutputNames() []string { return n.outputs }

func (n *simNetwork) Dims(name string) ([]int64, error) {
	dims, ok := n.dims[name]
	if !ok {
		return nil, fmt.Errorf("unknown tensor %q", name)
	}
	return dims, nil
}

func (n *simNetwork) Close() error { return nil }

func (n *simNetwork) NewRequest() (Request, error) {
	r := &simRequest{
		engine:    n.engine,
		inputName: n.input,
		input:     make([]float32, Elements(n.dims[n.input])),
		outputs:   make(map[string][]float32, len(n.outputs)),
	}
	for _, name := range n.outputs {
		r.outputs[name] = make([]float32, Elements(n.dims[name]))
	}
	return r, nil
}

type simRequest struct {
	engine    *Simulated
	inputName string
	input     []float32
	outputs   map[string][]float32
}

func (r *simRequest) SetInput(name string, data []float32) error {
	if name != r.inputName {
		return fmt.Errorf("unknown input %q", name)
	}
	if err := checkLen(name, len(data), len(r.input)); err != nil {
		return err
	}
	copy(r.input, data)
	return nil
}

func (r *simRequest) Infer() error {
	if r.engine.latency > 0 {
		time.Sleep(r.engine.latency)
	}
	for _, out := range r.outputs {
		clear(out)
	}
	if r.engine.model.Compute != nil {
		r.engine.model.Compute(r.input, r.outputs)
	}
	return nil
}

func (r *simRequest) StartAsync(done func(error)) {
	go func() { done(r.Infer()) }()
}

func (r *simRequest) Output(name string) ([]float32, error) {
	out, ok := r.outputs[name]
	if !ok {
		return nil, fmt.Errorf("unknown output %q", name)
	}
	return out, nil
}

func (r *simRequest) Close() error { return nil }
