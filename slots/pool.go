package slots

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mlosab3/ck-openvino/engine"
	"github.com/mlosab3/ck-openvino/models"
)

const (
	// DefaultPoolSize Pool configuration
	DefaultPoolSize       = 4
	DefaultAcquireTimeout = 5 * time.Second
)

var (
	// ErrSaturated is returned when no slot became idle before the acquire
	// deadline.
	ErrSaturated  = errors.New("no idle inference slot")
	ErrSlotBusy   = errors.New("slot is not held by the caller")
	ErrNotDrained = errors.New("outputs requested before all submissions completed")
	ErrPoolClosed = errors.New("pool is closed")
	// ErrCycleOpen is returned when a barrier or a new cycle overlaps a
	// cycle opened with Begin.
	ErrCycleOpen = errors.New("collection cycle in progress")
)

// Cycle identifies a collection cycle opened with Begin.
type Cycle uint64

// CompletionHandler receives every completed non-warm-up item when a pool
// runs in streaming mode. It is called from engine goroutines.
type CompletionHandler func(item models.Item, err error)

type Option func(*Pool)

// WithAcquireTimeout bounds Acquire. Zero waits until the context is done.
func WithAcquireTimeout(d time.Duration) Option {
	return func(p *Pool) { p.acquireTimeout = d }
}

// WithCompletionHandler switches the pool to streaming mode: completed items
// go to h instead of the outputs list.
func WithCompletionHandler(h CompletionHandler) Option {
	return func(p *Pool) { p.onComplete = h }
}

func WithLogger(logger *zap.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

// Pool is a fixed set of execution slots. Idle slot indices travel through a
// buffered channel; receiving an index is the claim on that slot.
type Pool struct {
	slots          []*Slot
	idle           chan int
	done           chan struct{}
	inputName      string
	outputNames    []string
	acquireTimeout time.Duration
	onComplete     CompletionHandler
	logger         *zap.Logger

	mu        sync.Mutex
	drained   *sync.Cond
	inFlight  int
	outputs   []models.Item
	cycleDone bool
	firstErr  error
	closed    bool
	open      Cycle
	lastCycle Cycle

	metrics poolMetrics
}

// Metrics is a snapshot of pool usage.
type Metrics struct {
	Size            int           `json:"pool_size"`
	InUse           int           `json:"slots_in_use"`
	TotalAcquired   int64         `json:"total_acquired"`
	TotalReleased   int64         `json:"total_released"`
	AcquireFailures int64         `json:"acquire_failures"`
	WaitTime        time.Duration `json:"wait_time_ns"`
}

type poolMetrics struct {
	mu sync.RWMutex
	Metrics
}

// NewPool creates size execution slots on network. outputNames selects, in
// order, the output buffers copied into every completed Item.
func NewPool(network engine.Network, size int, outputNames []string, opts ...Option) (*Pool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if len(outputNames) == 0 {
		outputNames = network.OutputNames()
	}

	p := &Pool{
		slots:          make([]*Slot, 0, size),
		idle:           make(chan int, size),
		done:           make(chan struct{}),
		inputName:      network.InputName(),
		outputNames:    outputNames,
		acquireTimeout: DefaultAcquireTimeout,
		logger:         zap.NewNop(),
		cycleDone:      true,
	}
	p.drained = sync.NewCond(&p.mu)
	p.metrics.Size = size
	for _, opt := range opts {
		opt(p)
	}

	for i := 0; i < size; i++ {
		request, err := network.NewRequest()
		if err != nil {
			err = fmt.Errorf("failed to initialize slot %d: %w", i, err)
			return nil, multierr.Append(err, p.Destroy())
		}
		p.slots = append(p.slots, newSlot(i, request))
		p.idle <- i
	}
	return p, nil
}

// Size returns the number of slots.
func (p *Pool) Size() int { return len(p.slots) }

// Acquire blocks until a slot is idle and hands it to the caller exclusively.
func (p *Pool) Acquire(ctx context.Context) (*Slot, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	start := time.Now()
	defer func() {
		p.metrics.mu.Lock()
		p.metrics.WaitTime += time.Since(start)
		p.metrics.mu.Unlock()
	}()

	var timeout <-chan time.Time
	if p.acquireTimeout > 0 {
		timer := time.NewTimer(p.acquireTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case i := <-p.idle:
		slot := p.slots[i]
		if !slot.state.CompareAndSwap(stateIdle, stateHeld) {
			// An index in the free list always belongs to an idle slot.
			panic(fmt.Sprintf("slots: slot %d handed out while not idle", i))
		}
		p.metrics.mu.Lock()
		p.metrics.InUse++
		p.metrics.TotalAcquired++
		p.metrics.mu.Unlock()
		return slot, nil
	case <-timeout:
		p.metrics.mu.Lock()
		p.metrics.AcquireFailures++
		p.metrics.mu.Unlock()
		return nil, fmt.Errorf("%w after %v", ErrSaturated, p.acquireTimeout)
	case <-p.done:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a held slot without running it.
func (p *Pool) Release(slot *Slot) error {
	if !slot.state.CompareAndSwap(stateHeld, stateIdle) {
		return fmt.Errorf("release slot %d: %w", slot.id, ErrSlotBusy)
	}
	slot.clear()
	p.putIdle(slot)
	return nil
}

// Submit binds in to a held slot and starts it asynchronously. Submitting a
// slot that is idle or already running is a protocol error.
func (p *Pool) Submit(slot *Slot, in models.Input, warmUp bool) error {
	if len(in.SampleIdxs) != len(in.ResponseIDs) {
		return fmt.Errorf("slot %d: %d sample indices for %d response ids", slot.id, len(in.SampleIdxs), len(in.ResponseIDs))
	}
	if !slot.state.CompareAndSwap(stateHeld, stateBusy) {
		return fmt.Errorf("submit slot %d: %w", slot.id, ErrSlotBusy)
	}
	if err := slot.request.SetInput(p.inputName, in.Data); err != nil {
		slot.state.Store(stateHeld)
		return fmt.Errorf("slot %d: %w", slot.id, err)
	}
	slot.bind(in, warmUp)

	p.mu.Lock()
	if p.cycleDone {
		p.outputs = nil
		p.firstErr = nil
		p.cycleDone = false
	}
	slot.position = -1
	if p.onComplete == nil {
		slot.position = len(p.outputs)
		p.outputs = append(p.outputs, models.Item{})
	}
	p.inFlight++
	p.mu.Unlock()

	slot.request.StartAsync(func(err error) { p.complete(slot, err) })
	return nil
}

func (p *Pool) complete(slot *Slot, err error) {
	item := models.Item{
		SampleIdxs:  append([]models.SampleIndex(nil), slot.sampleIdxs...),
		ResponseIDs: append([]models.ResponseID(nil), slot.responseIDs...),
		IsWarmUp:    slot.isWarmUp,
	}
	if err == nil {
		item.Buffers = make([][]float32, 0, len(p.outputNames))
		for _, name := range p.outputNames {
			buf, oerr := slot.request.Output(name)
			if oerr != nil {
				err = oerr
				break
			}
			item.Buffers = append(item.Buffers, append([]float32(nil), buf...))
		}
	}
	if err != nil {
		err = fmt.Errorf("slot %d: %w", slot.id, err)
		p.logger.Error("inference request failed", zap.Int("slot", slot.id), zap.Error(err))
	}

	p.mu.Lock()
	if err != nil && p.firstErr == nil {
		p.firstErr = err
	}
	if slot.position >= 0 {
		p.outputs[slot.position] = item
	}
	p.mu.Unlock()

	slot.clear()
	slot.state.Store(stateIdle)
	p.putIdle(slot)

	if p.onComplete != nil && !item.IsWarmUp {
		p.onComplete(item, err)
	}

	p.mu.Lock()
	p.inFlight--
	if p.inFlight == 0 {
		p.drained.Broadcast()
	}
	p.mu.Unlock()
}

func (p *Pool) putIdle(slot *Slot) {
	p.metrics.mu.Lock()
	p.metrics.InUse--
	p.metrics.TotalReleased++
	p.metrics.mu.Unlock()

	// The channel holds one entry per slot, so this never blocks.
	p.idle <- slot.id
}

// waitDrained blocks until nothing is in flight. p.mu must be held.
func (p *Pool) waitDrained() {
	for p.inFlight > 0 {
		p.drained.Wait()
	}
}

// WaitAll blocks until every submission made since the previous WaitAll has
// completed, and returns the first inference error of the cycle. It fails
// with ErrCycleOpen while a cycle opened with Begin is still being submitted.
func (p *Pool) WaitAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.open != 0 {
		return ErrCycleOpen
	}
	p.waitDrained()
	p.cycleDone = true
	return p.firstErr
}

// Begin opens a collection cycle owned by the caller. Until End is called
// with the returned token, every Submit adds to this cycle and WaitAll,
// Reset and other Begin calls fail with ErrCycleOpen.
func (p *Pool) Begin() (Cycle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrPoolClosed
	}
	if p.open != 0 {
		return 0, ErrCycleOpen
	}
	p.waitDrained()
	p.lastCycle++
	p.open = p.lastCycle
	p.outputs = nil
	p.firstErr = nil
	p.cycleDone = false
	return p.open, nil
}

// End waits for every submission of cycle c, closes it and returns its items
// in submission order along with the first inference error.
func (p *Pool) End(c Cycle) ([]models.Item, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c == 0 || p.open != c {
		return nil, fmt.Errorf("end cycle %d: %w", c, ErrCycleOpen)
	}
	p.waitDrained()
	p.open = 0
	p.cycleDone = true
	if p.firstErr != nil {
		return nil, p.firstErr
	}
	out := make([]models.Item, len(p.outputs))
	copy(out, p.outputs)
	return out, nil
}

// Outputs returns the items of the last cycle in submission order. It must be
// called after WaitAll and before the next Submit.
func (p *Pool) Outputs() ([]models.Item, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight > 0 || !p.cycleDone {
		return nil, ErrNotDrained
	}
	out := make([]models.Item, len(p.outputs))
	copy(out, p.outputs)
	return out, nil
}

// Reset waits for in-flight work and clears all collected state.
func (p *Pool) Reset() error {
	err := p.WaitAll()
	if errors.Is(err, ErrCycleOpen) {
		return err
	}

	p.mu.Lock()
	p.outputs = nil
	p.firstErr = nil
	p.cycleDone = true
	p.mu.Unlock()

	p.logger.Debug("request pool reset", zap.Int("size", len(p.slots)))
	return err
}

// Destroy waits for in-flight work and releases every slot's request.
func (p *Pool) Destroy() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.waitDrained()
	p.mu.Unlock()

	var err error
	for _, slot := range p.slots {
		err = multierr.Append(err, slot.request.Close())
	}
	return err
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Metrics returns a snapshot of pool usage.
func (p *Pool) Metrics() Metrics {
	p.metrics.mu.RLock()
	defer p.metrics.mu.RUnlock()
	return p.metrics.Metrics
}
