package engine

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"
)

// ONNX runs models through ONNX Runtime. Every request owns an AdvancedSession
// with its input and output tensors bound once at creation.
type ONNX struct {
	intraOpThreads int
	interOpThreads int
}

var ortOnce sync.Once
var ortErr error

// NewONNX initializes the ONNX Runtime environment from the shared library at
// libPath. Thread counts of zero leave the runtime defaults.
func NewONNX(libPath string, intraOpThreads, interOpThreads int) (*ONNX, error) {
	ortOnce.Do(func() {
		ort.SetSharedLibraryPath(libPath)
		ortErr = ort.InitializeEnvironment()
	})
	if ortErr != nil {
		return nil, fmt.Errorf("initialize onnxruntime: %w", ortErr)
	}
	return &ONNX{
		intraOpThreads: intraOpThreads,
		interOpThreads: interOpThreads,
	}, nil
}

func (o *ONNX) Name() string { return "onnxruntime" }

// Destroy tears down the runtime environment.
func (o *ONNX) Destroy() error {
	return ort.DestroyEnvironment()
}

func (o *ONNX) Open(path string, batchSize int) (Network, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("read model info %s: %w", path, err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("model %s has %d inputs and %d outputs", path, len(inputs), len(outputs))
	}

	n := &onnxNetwork{
		path:   path,
		engine: o,
		dims:   make(map[string][]int64, len(inputs)+len(outputs)),
	}

	// Only the first input is bound; the harness feeds a single image tensor.
	n.input = inputs[0].Name
	dims, err := fixDims(n.input, inputs[0].Dimensions, batchSize)
	if err != nil {
		return nil, err
	}
	if batchSize > 0 && len(dims) > 0 && dims[0] != int64(batchSize) {
		return nil, fmt.Errorf("%s: fixed batch %d, want %d: %w", n.input, dims[0], batchSize, ErrShape)
	}
	n.dims[n.input] = dims

	for _, info := range outputs {
		dims, err := fixDims(info.Name, info.Dimensions, batchSize)
		if err != nil {
			return nil, err
		}
		n.outputs = append(n.outputs, info.Name)
		n.dims[info.Name] = dims
	}
	return n, nil
}

type onnxNetwork struct {
	path    string
	engine  *ONNX
	input   string
	outputs []string
	dims    map[string][]int64
}

func (n *onnxNetwork) InputName() string     { return n.input }
func (n *onnxNetwork) OutputNames() []string { return n.outputs }

func (n *onnxNetwork) Dims(name string) ([]int64, error) {
	dims, ok := n.dims[name]
	if !ok {
		return nil, fmt.Errorf("unknown tensor %q", name)
	}
	return dims, nil
}

func (n *onnxNetwork) Close() error { return nil }

func (n *onnxNetwork) NewRequest() (Request, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	if n.engine.intraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(n.engine.intraOpThreads); err != nil {
			return nil, fmt.Errorf("error setting intra-op threads: %w", err)
		}
	}
	if n.engine.interOpThreads > 0 {
		if err := options.SetInterOpNumThreads(n.engine.interOpThreads); err != nil {
			return nil, fmt.Errorf("error setting inter-op threads: %w", err)
		}
	}

	r := &onnxRequest{outputs: make(map[string]*ort.Tensor[float32], len(n.outputs))}

	r.inputName = n.input
	r.input, err = ort.NewEmptyTensor[float32](ort.NewShape(n.dims[n.input]...))
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputs := make([]ort.ArbitraryTensor, 0, len(n.outputs))
	for _, name := range n.outputs {
		t, err := ort.NewEmptyTensor[float32](ort.NewShape(n.dims[name]...))
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("error creating output tensor %s: %w", name, err)
		}
		r.outputs[name] = t
		outputs = append(outputs, t)
	}

	r.session, err = ort.NewAdvancedSession(
		n.path,
		[]string{n.input},
		n.outputs,
		[]ort.ArbitraryTensor{r.input},
		outputs,
		options,
	)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("error creating session: %w", err)
	}
	return r, nil
}

type onnxRequest struct {
	session   *ort.AdvancedSession
	inputName string
	input     *ort.Tensor[float32]
	outputs   map[string]*ort.Tensor[float32]
}

func (r *onnxRequest) SetInput(name string, data []float32) error {
	if name != r.inputName {
		return fmt.Errorf("unknown input %q", name)
	}
	dst := r.input.GetData()
	if err := checkLen(name, len(data), len(dst)); err != nil {
		return err
	}
	copy(dst, data)
	return nil
}

func (r *onnxRequest) Infer() error {
	if err := r.session.Run(); err != nil {
		return fmt.Errorf("model inference: %w", err)
	}
	return nil
}

func (r *onnxRequest) StartAsync(done func(error)) {
	go func() { done(r.Infer()) }()
}

func (r *onnxRequest) Output(name string) ([]float32, error) {
	t, ok := r.outputs[name]
	if !ok {
		return nil, fmt.Errorf("unknown output %q", name)
	}
	return t.GetData(), nil
}

func (r *onnxRequest) Close() error {
	var err error
	if r.session != nil {
		err = multierr.Append(err, r.session.Destroy())
	}
	if r.input != nil {
		err = multierr.Append(err, r.input.Destroy())
	}
	for _, t := range r.outputs {
		err = multierr.Append(err, t.Destroy())
	}
	return err
}
