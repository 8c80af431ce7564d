package slots

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlosab3/ck-openvino/engine"
	"github.com/mlosab3/ck-openvino/models"
)

// echoNetwork copies its single-element input to its output and records how
// many requests run at once.
type echoNetwork struct {
	latency time.Duration
	failOn  float32

	mu        sync.Mutex
	active    int
	maxActive int
}

func (n *echoNetwork) InputName() string     { return "data" }
func (n *echoNetwork) OutputNames() []string { return []string{"out"} }
func (n *echoNetwork) Dims(string) ([]int64, error) {
	return []int64{1}, nil
}
func (n *echoNetwork) Close() error { return nil }
func (n *echoNetwork) NewRequest() (engine.Request, error) {
	return &echoRequest{net: n}, nil
}

type echoRequest struct {
	net *echoNetwork
	in  float32
	out []float32
}

func (r *echoRequest) SetInput(_ string, data []float32) error {
	if len(data) != 1 {
		return engine.ErrShape
	}
	r.in = data[0]
	return nil
}

func (r *echoRequest) Infer() error {
	r.net.mu.Lock()
	r.net.active++
	if r.net.active > r.net.maxActive {
		r.net.maxActive = r.net.active
	}
	r.net.mu.Unlock()

	time.Sleep(r.net.latency)
	r.out = []float32{r.in}

	r.net.mu.Lock()
	r.net.active--
	r.net.mu.Unlock()
	if r.net.failOn != 0 && r.in == r.net.failOn {
		return errors.New("device lost")
	}
	return nil
}

func (r *echoRequest) StartAsync(done func(error)) {
	go func() { done(r.Infer()) }()
}

func (r *echoRequest) Output(string) ([]float32, error) { return r.out, nil }
func (r *echoRequest) Close() error                     { return nil }

func input(i int) models.Input {
	return models.Input{
		Data:        []float32{float32(i)},
		SampleIdxs:  []models.SampleIndex{models.SampleIndex(i)},
		ResponseIDs: []models.ResponseID{models.ResponseID(100 + i)},
	}
}

func submitN(t *testing.T, p *Pool, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		slot, err := p.Acquire(context.Background())
		require.NoError(t, err)
		require.NoError(t, p.Submit(slot, input(i), false))
	}
}

func TestPool_TenSubmissionsOnFourSlots(t *testing.T) {
	net := &echoNetwork{latency: 5 * time.Millisecond}
	p, err := NewPool(net, 4, nil)
	require.NoError(t, err)
	defer p.Destroy()

	submitN(t, p, 10)
	require.NoError(t, p.WaitAll())

	items, err := p.Outputs()
	require.NoError(t, err)
	require.Len(t, items, 10)
	for i, item := range items {
		assert.Equal(t, []float32{float32(i)}, item.Buffers[0])
		assert.Equal(t, []models.SampleIndex{models.SampleIndex(i)}, item.SampleIdxs)
		assert.Equal(t, []models.ResponseID{models.ResponseID(100 + i)}, item.ResponseIDs)
	}

	again, err := p.Outputs()
	require.NoError(t, err)
	assert.Equal(t, items, again)

	assert.LessOrEqual(t, net.maxActive, 4)
	m := p.Metrics()
	assert.Equal(t, 4, m.Size)
	assert.Equal(t, 0, m.InUse)
	assert.Equal(t, int64(10), m.TotalAcquired)
	assert.Equal(t, int64(10), m.TotalReleased)
}

func TestPool_NewCycleDiscardsPreviousOutputs(t *testing.T) {
	p, err := NewPool(&echoNetwork{}, 2, nil)
	require.NoError(t, err)
	defer p.Destroy()

	submitN(t, p, 3)
	require.NoError(t, p.WaitAll())

	slot, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Submit(slot, input(7), false))
	require.NoError(t, p.WaitAll())

	items, err := p.Outputs()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, []float32{7}, items[0].Buffers[0])
}

func TestPool_OutputsBeforeWaitAll(t *testing.T) {
	p, err := NewPool(&echoNetwork{latency: 20 * time.Millisecond}, 1, nil)
	require.NoError(t, err)
	defer p.Destroy()

	submitN(t, p, 1)
	_, err = p.Outputs()
	assert.ErrorIs(t, err, ErrNotDrained)
	require.NoError(t, p.WaitAll())
	_, err = p.Outputs()
	assert.NoError(t, err)
}

func TestPool_AcquireTimesOutWhenSaturated(t *testing.T) {
	p, err := NewPool(&echoNetwork{}, 1, nil, WithAcquireTimeout(10*time.Millisecond))
	require.NoError(t, err)
	defer p.Destroy()

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrSaturated)
	assert.Equal(t, int64(1), p.Metrics().AcquireFailures)

	require.NoError(t, p.Release(held))
	slot, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, held.ID(), slot.ID())
}

func TestPool_AcquireHonoursContext(t *testing.T) {
	p, err := NewPool(&echoNetwork{}, 1, nil, WithAcquireTimeout(0))
	require.NoError(t, err)
	defer p.Destroy()

	_, err = p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPool_SubmitRequiresHeldSlot(t *testing.T) {
	p, err := NewPool(&echoNetwork{latency: 20 * time.Millisecond}, 1, nil)
	require.NoError(t, err)
	defer p.Destroy()

	slot, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Submit(slot, input(1), false))
	assert.True(t, slot.Busy())

	assert.ErrorIs(t, p.Submit(slot, input(2), false), ErrSlotBusy)
	assert.ErrorIs(t, p.Release(slot), ErrSlotBusy)

	require.NoError(t, p.WaitAll())
	assert.False(t, slot.Busy())
	assert.ErrorIs(t, p.Submit(slot, input(3), false), ErrSlotBusy)
}

func TestPool_SubmitRejectsBadInput(t *testing.T) {
	p, err := NewPool(&echoNetwork{}, 1, nil)
	require.NoError(t, err)
	defer p.Destroy()

	slot, err := p.Acquire(context.Background())
	require.NoError(t, err)

	bad := input(1)
	bad.Data = []float32{1, 2}
	assert.ErrorIs(t, p.Submit(slot, bad, false), engine.ErrShape)

	bad = input(1)
	bad.ResponseIDs = nil
	assert.Error(t, p.Submit(slot, bad, false))

	// The slot is still held and usable after a rejected submit.
	require.NoError(t, p.Submit(slot, input(1), false))
	require.NoError(t, p.WaitAll())
}

func TestPool_WaitAllReportsEngineErrors(t *testing.T) {
	p, err := NewPool(&echoNetwork{failOn: 2}, 2, nil)
	require.NoError(t, err)
	defer p.Destroy()

	submitN(t, p, 4)
	err = p.WaitAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device lost")

	submitN(t, p, 1)
	assert.NoError(t, p.WaitAll())
}

func TestPool_CompletionHandlerDropsWarmUp(t *testing.T) {
	var mu sync.Mutex
	var got []models.ResponseID
	handler := func(item models.Item, err error) {
		assert.NoError(t, err)
		mu.Lock()
		got = append(got, item.ResponseIDs...)
		mu.Unlock()
	}

	p, err := NewPool(&echoNetwork{}, 2, nil, WithCompletionHandler(handler))
	require.NoError(t, err)
	defer p.Destroy()

	for i := 0; i < 6; i++ {
		slot, err := p.Acquire(context.Background())
		require.NoError(t, err)
		require.NoError(t, p.Submit(slot, input(i), i%2 == 0))
	}
	require.NoError(t, p.WaitAll())

	assert.ElementsMatch(t, []models.ResponseID{101, 103, 105}, got)
	items, err := p.Outputs()
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestPool_ResetAndDestroy(t *testing.T) {
	p, err := NewPool(&echoNetwork{latency: 5 * time.Millisecond}, 2, nil)
	require.NoError(t, err)

	submitN(t, p, 3)
	require.NoError(t, p.Reset())
	items, err := p.Outputs()
	require.NoError(t, err)
	assert.Empty(t, items)

	require.NoError(t, p.Destroy())
	require.NoError(t, p.Destroy())
	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPool_ConcurrentCallersNeverShareSlots(t *testing.T) {
	net := &echoNetwork{latency: time.Millisecond}
	p, err := NewPool(net, 3, nil, WithAcquireTimeout(0))
	require.NoError(t, err)
	defer p.Destroy()

	var wg sync.WaitGroup
	var mu sync.Mutex
	held := map[int]bool{}
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				slot, err := p.Acquire(context.Background())
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				assert.False(t, held[slot.ID()], "slot %d handed out twice", slot.ID())
				held[slot.ID()] = true
				mu.Unlock()

				time.Sleep(100 * time.Microsecond)

				mu.Lock()
				held[slot.ID()] = false
				mu.Unlock()
				assert.NoError(t, p.Release(slot))
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 0, p.Metrics().InUse)
}

func TestPool_CycleRejectsOverlappingBarriers(t *testing.T) {
	p, err := NewPool(&echoNetwork{latency: time.Millisecond}, 1, nil)
	require.NoError(t, err)
	defer p.Destroy()

	cycle, err := p.Begin()
	require.NoError(t, err)
	submitN(t, p, 3)

	assert.ErrorIs(t, p.WaitAll(), ErrCycleOpen)
	assert.ErrorIs(t, p.Reset(), ErrCycleOpen)
	_, err = p.Begin()
	assert.ErrorIs(t, err, ErrCycleOpen)

	submitN(t, p, 2)
	items, err := p.End(cycle)
	require.NoError(t, err)
	require.Len(t, items, 5)
	assert.Equal(t, models.ResponseID(101), items[1].ResponseIDs[0])

	_, err = p.End(cycle)
	assert.ErrorIs(t, err, ErrCycleOpen)
	require.NoError(t, p.WaitAll())
	require.NoError(t, p.Reset())
}

func TestPool_EndReportsEngineErrors(t *testing.T) {
	p, err := NewPool(&echoNetwork{failOn: 2}, 2, nil)
	require.NoError(t, err)
	defer p.Destroy()

	cycle, err := p.Begin()
	require.NoError(t, err)
	submitN(t, p, 4)
	_, err = p.End(cycle)
	assert.ErrorContains(t, err, "device lost")

	next, err := p.Begin()
	require.NoError(t, err)
	assert.NotEqual(t, cycle, next)
	submitN(t, p, 1)
	items, err := p.End(next)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}
