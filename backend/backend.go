package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mlosab3/ck-openvino/detections"
	"github.com/mlosab3/ck-openvino/engine"
	"github.com/mlosab3/ck-openvino/models"
	"github.com/mlosab3/ck-openvino/slots"
)

const ImageFormat = "NCHW"

var (
	// ErrWrongKind is returned when a detection call reaches a classifier or
	// the other way round.
	ErrWrongKind = errors.New("operation does not match the model family")
	ErrScenario  = errors.New("operation not available in this scenario")
	ErrNotLoaded = errors.New("model not loaded")
)

// ServerResult is one decoded completion in the Server scenario. Exactly one
// of Detection and Classification is set unless Err is.
type ServerResult struct {
	Detection      *models.DetectionResult
	Classification *models.ClassificationResult
	ResponseIDs    []models.ResponseID
	Err            error
}

type Options struct {
	Workload       string
	Scenario       Scenario
	NIReq          int
	BatchSize      int
	AcquireTimeout time.Duration
	OnServerResult func(ServerResult)
	Logger         *zap.Logger
}

// Backend runs one model family under one scenario.
type Backend struct {
	engine engine.Engine
	opts   Options
	family Family
	logger *zap.Logger

	network  engine.Network
	outputs  []string
	layout   detections.Layout
	inDims   []int64
	inputLen int

	// mu serializes the single-stream request, batchMu the pool cycles of
	// Offline and MultiStream calls against each other and against the
	// Reset and Flush barriers.
	mu      sync.Mutex
	batchMu sync.Mutex
	request engine.Request
	pool    *slots.Pool
}

func New(eng engine.Engine, opts Options) (*Backend, error) {
	family, err := Lookup(opts.Workload)
	if err != nil {
		return nil, err
	}
	if opts.NIReq <= 0 {
		opts.NIReq = slots.DefaultPoolSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.Scenario == SingleStream {
		opts.BatchSize = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Backend{
		engine: eng,
		opts:   opts,
		family: family,
		logger: opts.Logger.With(zap.String("workload", family.Name), zap.Stringer("scenario", opts.Scenario)),
	}, nil
}

func (b *Backend) Name() string        { return b.engine.Name() }
func (b *Backend) ImageFormat() string { return ImageFormat }
func (b *Backend) Family() Family      { return b.family }
func (b *Backend) Scenario() Scenario  { return b.opts.Scenario }
func (b *Backend) BatchSize() int      { return b.opts.BatchSize }

// InputLen is the number of floats one request input holds.
func (b *Backend) InputLen() int { return b.inputLen }

// InputSize returns the spatial size of the NCHW input tensor.
func (b *Backend) InputSize() (width, height int) {
	if len(b.inDims) < 4 {
		return b.family.InputSize, b.family.InputSize
	}
	return int(b.inDims[3]), int(b.inDims[2])
}

// Load opens the model and creates the single request or the request pool.
func (b *Backend) Load(ctx context.Context, modelPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()

	network, err := b.engine.Open(modelPath, b.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("open model %s: %w", modelPath, err)
	}

	outputs := b.family.Outputs
	if len(outputs) == 0 {
		names := network.OutputNames()
		if len(names) == 0 {
			network.Close()
			return fmt.Errorf("%s: model has no outputs: %w", b.family.Name, detections.ErrShape)
		}
		outputs = names[:1]
	}
	dims, err := network.Dims(outputs[0])
	if err != nil {
		network.Close()
		return fmt.Errorf("%s: %w", b.family.Name, err)
	}
	layout, err := b.family.layout(dims, b.opts.BatchSize)
	if err != nil {
		network.Close()
		return err
	}
	inDims, err := network.Dims(network.InputName())
	if err != nil {
		network.Close()
		return fmt.Errorf("%s: %w", b.family.Name, err)
	}

	b.network = network
	b.outputs = outputs
	b.layout = layout
	b.inDims = inDims
	b.inputLen = engine.Elements(inDims)

	if b.opts.Scenario.pooled() {
		opts := []slots.Option{
			slots.WithAcquireTimeout(b.opts.AcquireTimeout),
			slots.WithLogger(b.logger),
		}
		if b.opts.Scenario == Server {
			opts = append(opts, slots.WithCompletionHandler(b.onServerComplete))
		}
		b.pool, err = slots.NewPool(network, b.opts.NIReq, outputs, opts...)
	} else {
		b.request, err = network.NewRequest()
	}
	if err != nil {
		return multierr.Append(fmt.Errorf("create requests: %w", err), b.Close())
	}

	b.logger.Info("model loaded",
		zap.String("path", modelPath),
		zap.String("engine", b.engine.Name()),
		zap.Strings("outputs", outputs),
		zap.Int64s("output_dims", dims),
		zap.Int("max_proposals", layout.MaxProposals),
		zap.Int("object_size", layout.ObjectSize),
		zap.Int("nireq", b.opts.NIReq),
		zap.Int("batch_size", b.opts.BatchSize),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// PredictDetection runs one input synchronously on the single request.
func (b *Backend) PredictDetection(ctx context.Context, in models.Input) (models.DetectionResult, error) {
	if !b.family.IsDetection() {
		return models.DetectionResult{}, ErrWrongKind
	}
	item, err := b.inferSingle(ctx, in)
	if err != nil {
		return models.DetectionResult{}, err
	}
	return b.decodeDetection([]models.Item{item})
}

// PredictClassification runs one input synchronously on the single request.
func (b *Backend) PredictClassification(ctx context.Context, in models.Input) (models.ClassificationResult, error) {
	if b.family.IsDetection() {
		return models.ClassificationResult{}, ErrWrongKind
	}
	item, err := b.inferSingle(ctx, in)
	if err != nil {
		return models.ClassificationResult{}, err
	}
	return detections.DecodeClassification([]models.Item{item}, b.layout.BatchSize)
}

func (b *Backend) inferSingle(ctx context.Context, in models.Input) (models.Item, error) {
	if b.request == nil {
		if b.network == nil {
			return models.Item{}, ErrNotLoaded
		}
		return models.Item{}, fmt.Errorf("single request in %s: %w", b.opts.Scenario, ErrScenario)
	}
	if err := ctx.Err(); err != nil {
		return models.Item{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.request.SetInput(b.network.InputName(), in.Data); err != nil {
		return models.Item{}, err
	}
	if err := b.request.Infer(); err != nil {
		return models.Item{}, fmt.Errorf("infer: %w", err)
	}
	item := models.Item{
		SampleIdxs:  in.SampleIdxs,
		ResponseIDs: in.ResponseIDs,
		Buffers:     make([][]float32, 0, len(b.outputs)),
	}
	for _, name := range b.outputs {
		buf, err := b.request.Output(name)
		if err != nil {
			return models.Item{}, err
		}
		item.Buffers = append(item.Buffers, append([]float32(nil), buf...))
	}
	return item, nil
}

func (b *Backend) PredictOfflineDetection(ctx context.Context, inputs []models.Input, warmUp bool) (models.DetectionResult, error) {
	return b.batchDetection(ctx, inputs, warmUp, Offline)
}

func (b *Backend) PredictOfflineClassification(ctx context.Context, inputs []models.Input, warmUp bool) (models.ClassificationResult, error) {
	return b.batchClassification(ctx, inputs, warmUp, Offline)
}

func (b *Backend) PredictMultiStreamDetection(ctx context.Context, inputs []models.Input, warmUp bool) (models.DetectionResult, error) {
	return b.batchDetection(ctx, inputs, warmUp, MultiStream)
}

func (b *Backend) PredictMultiStreamClassification(ctx context.Context, inputs []models.Input, warmUp bool) (models.ClassificationResult, error) {
	return b.batchClassification(ctx, inputs, warmUp, MultiStream)
}

func (b *Backend) batchDetection(ctx context.Context, inputs []models.Input, warmUp bool, sc Scenario) (models.DetectionResult, error) {
	if !b.family.IsDetection() {
		return models.DetectionResult{}, ErrWrongKind
	}
	items, err := b.runAll(ctx, inputs, warmUp, sc)
	if err != nil {
		return models.DetectionResult{}, err
	}
	return b.decodeDetection(items)
}

func (b *Backend) batchClassification(ctx context.Context, inputs []models.Input, warmUp bool, sc Scenario) (models.ClassificationResult, error) {
	if b.family.IsDetection() {
		return models.ClassificationResult{}, ErrWrongKind
	}
	items, err := b.runAll(ctx, inputs, warmUp, sc)
	if err != nil {
		return models.ClassificationResult{}, err
	}
	return detections.DecodeClassification(items, b.layout.BatchSize)
}

// runAll submits every input, waits for the pool to drain and returns the
// completed items in submission order.
func (b *Backend) runAll(ctx context.Context, inputs []models.Input, warmUp bool, sc Scenario) ([]models.Item, error) {
	if err := b.checkPool(sc); err != nil {
		return nil, err
	}
	b.batchMu.Lock()
	defer b.batchMu.Unlock()

	cycle, err := b.pool.Begin()
	if err != nil {
		return nil, err
	}
	var submitErr error
	for i, in := range inputs {
		slot, err := b.pool.Acquire(ctx)
		if err != nil {
			submitErr = fmt.Errorf("input %d: %w", i, err)
			break
		}
		if err := b.pool.Submit(slot, in, warmUp); err != nil {
			submitErr = multierr.Append(fmt.Errorf("input %d: %w", i, err), b.pool.Release(slot))
			break
		}
	}

	// Drain even after a failed submission so the next call starts clean.
	items, err := b.pool.End(cycle)
	if err != nil {
		return nil, multierr.Append(submitErr, err)
	}
	if submitErr != nil {
		return nil, submitErr
	}
	if len(items) != len(inputs) {
		return nil, fmt.Errorf("collected %d items for %d inputs: %w", len(items), len(inputs), slots.ErrNotDrained)
	}
	return items, nil
}

// PredictServer submits one input and returns once it is running. The
// decoded result is delivered to Options.OnServerResult.
func (b *Backend) PredictServer(ctx context.Context, in models.Input, warmUp bool) error {
	if err := b.checkPool(Server); err != nil {
		return err
	}
	slot, err := b.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	if err := b.pool.Submit(slot, in, warmUp); err != nil {
		return multierr.Append(err, b.pool.Release(slot))
	}
	return nil
}

func (b *Backend) onServerComplete(item models.Item, err error) {
	res := ServerResult{ResponseIDs: item.ResponseIDs, Err: err}
	if err == nil {
		if b.family.IsDetection() {
			var det models.DetectionResult
			det, res.Err = b.decodeDetection([]models.Item{item})
			res.Detection = &det
		} else {
			var cls models.ClassificationResult
			cls, res.Err = detections.DecodeClassification([]models.Item{item}, b.layout.BatchSize)
			res.Classification = &cls
		}
	}
	if res.Err != nil {
		res.Detection, res.Classification = nil, nil
		b.logger.Error("server completion failed", zap.Any("response_ids", item.ResponseIDs), zap.Error(res.Err))
	}
	if b.opts.OnServerResult != nil {
		b.opts.OnServerResult(res)
	}
}

// Flush waits until every submitted server request has completed.
func (b *Backend) Flush() error {
	if b.pool == nil {
		return nil
	}
	b.batchMu.Lock()
	defer b.batchMu.Unlock()
	return b.pool.WaitAll()
}

func (b *Backend) checkPool(sc Scenario) error {
	if b.pool == nil {
		if b.network == nil {
			return ErrNotLoaded
		}
		return fmt.Errorf("%s call in %s: %w", sc, b.opts.Scenario, ErrScenario)
	}
	if b.opts.Scenario != sc {
		return fmt.Errorf("%s call in %s: %w", sc, b.opts.Scenario, ErrScenario)
	}
	return nil
}

func (b *Backend) decodeDetection(items []models.Item) (models.DetectionResult, error) {
	if b.family.Kind == MultiTensorDetection {
		return detections.DecodeMultiTensor(items, b.layout)
	}
	return detections.DecodeSingleTensor(items, b.layout)
}

// Reset drops pool state between the warm-up and the timed run.
func (b *Backend) Reset() error {
	if b.pool == nil {
		return nil
	}
	b.batchMu.Lock()
	defer b.batchMu.Unlock()
	return b.pool.Reset()
}

// PoolMetrics reports pool usage; ok is false in SingleStream.
func (b *Backend) PoolMetrics() (slots.Metrics, bool) {
	if b.pool == nil {
		return slots.Metrics{}, false
	}
	return b.pool.Metrics(), true
}

func (b *Backend) Close() error {
	var err error
	if b.pool != nil {
		err = multierr.Append(err, b.pool.Destroy())
	}
	if b.request != nil {
		err = multierr.Append(err, b.request.Close())
	}
	if b.network != nil {
		err = multierr.Append(err, b.network.Close())
	}
	return err
}
