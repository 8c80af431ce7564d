package slots

import (
	"sync/atomic"

	"github.com/mlosab3/ck-openvino/engine"
	"github.com/mlosab3/ck-openvino/models"
)

const (
	stateIdle int32 = iota
	stateHeld
	stateBusy
)

// Slot is one reusable execution context of a Pool. A slot returned by
// Acquire is held exclusively by the caller until it is submitted or
// released.
type Slot struct {
	id      int
	request engine.Request
	state   atomic.Int32

	sampleIdxs  []models.SampleIndex
	responseIDs []models.ResponseID
	isWarmUp    bool
	position    int
}

func newSlot(id int, request engine.Request) *Slot {
	return &Slot{id: id, request: request, position: -1}
}

// ID returns the slot's index inside its pool.
func (s *Slot) ID() int { return s.id }

// Busy reports whether the slot has been submitted and not yet completed.
func (s *Slot) Busy() bool { return s.state.Load() == stateBusy }

func (s *Slot) bind(in models.Input, warmUp bool) {
	s.sampleIdxs = append(s.sampleIdxs[:0], in.SampleIdxs...)
	s.responseIDs = append(s.responseIDs[:0], in.ResponseIDs...)
	s.isWarmUp = warmUp
}

func (s *Slot) clear() {
	s.sampleIdxs = s.sampleIdxs[:0]
	s.responseIDs = s.responseIDs[:0]
	s.isWarmUp = false
	s.position = -1
}
