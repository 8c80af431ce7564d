package detections

import (
	"errors"
	"fmt"

	"github.com/mlosab3/ck-openvino/models"
)

// ErrShape is returned when an output buffer does not match the layout the
// model family promises.
var ErrShape = errors.New("output tensor shape mismatch")

type ProcessingError struct {
	Message string
	Cause   error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProcessingError) Unwrap() error { return e.Cause }

func shapeError(format string, args ...any) error {
	return &ProcessingError{Message: fmt.Sprintf(format, args...), Cause: ErrShape}
}

// Layout describes the detection output of one request. BatchSize is the
// number of images the model was compiled for; an item may carry fewer
// samples when the last batch of a run is padded.
type Layout struct {
	BatchSize    int
	MaxProposals int
	ObjectSize   int
}

type scanState int

const (
	stateScanning scanState = iota
	stateFlushGap
	stateDone
)

// singleTensorScan walks one proposal buffer. image is the index of the image
// whose detections are being counted; every flush emits its CountEntry and
// moves to the next image.
type singleTensorScan struct {
	item   models.Item
	layout Layout
	out    *models.DetectionResult

	batch  int
	limit  int
	row    int
	image  int
	count  uint32
	target int
	stop   bool
}

func (s *singleTensorScan) flush() {
	s.out.Counts = append(s.out.Counts, s.count*models.RecordSize)
	s.out.ResponseIDs = append(s.out.ResponseIDs, s.item.ResponseIDs[s.image])
	s.image++
	s.count = 0
}

func (s *singleTensorScan) run() error {
	buf := s.item.Buffers[0]
	size := s.layout.ObjectSize
	state := stateScanning

	for state != stateDone {
		switch state {
		case stateScanning:
			if s.row == s.layout.MaxProposals {
				s.target, s.stop = s.batch, true
				state = stateFlushGap
				continue
			}
			row := buf[s.row*size : (s.row+1)*size]
			id := int(row[fieldImageID])
			switch {
			case id < 0:
				s.target, s.stop = s.batch, true
				state = stateFlushGap
				continue
			case id >= s.limit:
				return shapeError("proposal %d: image id %d outside batch of %d", s.row, id, s.limit)
			case id >= s.batch:
				// Proposals of padding images; nothing after them is real.
				s.target, s.stop = s.batch, true
				state = stateFlushGap
				continue
			case id < s.image:
				return shapeError("proposal %d: image id %d after %d", s.row, id, s.image)
			case id > s.image:
				s.target = id
				state = stateFlushGap
				continue
			}

			if float64(row[fieldConf]) > ConfThreshold {
				s.out.Records = append(s.out.Records,
					float32(s.item.SampleIdxs[s.image]),
					row[fieldYMin], row[fieldXMin], row[fieldYMax], row[fieldXMax],
					row[fieldConf], row[fieldLabel],
				)
				s.count++
			}
			s.row++

		case stateFlushGap:
			for s.image < s.target {
				s.flush()
			}
			state = stateScanning
			if s.stop {
				state = stateDone
			}
		}
	}
	return nil
}

// DecodeSingleTensor demultiplexes SSD outputs where all images share one
// [maxProposals, objectSize] tensor and rows carry their image id. Every
// sample of every item receives exactly one CountEntry, in item order.
func DecodeSingleTensor(items []models.Item, layout Layout) (models.DetectionResult, error) {
	var out models.DetectionResult
	if layout.ObjectSize < minRowSize {
		return out, shapeError("object size %d, need at least %d", layout.ObjectSize, minRowSize)
	}

	for i, item := range items {
		if err := checkItem(item, 1); err != nil {
			return models.DetectionResult{}, fmt.Errorf("item %d: %w", i, err)
		}
		if want := layout.MaxProposals * layout.ObjectSize; len(item.Buffers[0]) != want {
			return models.DetectionResult{}, fmt.Errorf("item %d: %w",
				i, shapeError("detection buffer has %d floats, want %d", len(item.Buffers[0]), want))
		}

		scan := &singleTensorScan{
			item:   item,
			layout: layout,
			out:    &out,
			batch:  len(item.ResponseIDs),
			limit:  max(layout.BatchSize, len(item.ResponseIDs)),
		}
		if err := scan.run(); err != nil {
			return models.DetectionResult{}, fmt.Errorf("item %d: %w", i, err)
		}
	}
	return out, nil
}

// DecodeMultiTensor demultiplexes SSD outputs split into boxes
// [batch, proposals, ObjectSize], scores [batch, proposals] and labels
// [batch, proposals]. Item buffers must be in that order.
func DecodeMultiTensor(items []models.Item, layout Layout) (models.DetectionResult, error) {
	var out models.DetectionResult
	if layout.ObjectSize < BoxSize {
		return out, shapeError("box size %d, need at least %d", layout.ObjectSize, BoxSize)
	}

	for i, item := range items {
		if err := checkItem(item, 3); err != nil {
			return models.DetectionResult{}, fmt.Errorf("item %d: %w", i, err)
		}
		batch := max(layout.BatchSize, len(item.ResponseIDs))
		boxes, scores, labels := item.Buffers[0], item.Buffers[1], item.Buffers[2]
		if len(boxes) != batch*layout.MaxProposals*layout.ObjectSize ||
			len(scores) != batch*layout.MaxProposals ||
			len(labels) != len(scores) {
			return models.DetectionResult{}, fmt.Errorf("item %d: %w", i,
				shapeError("got %d boxes, %d scores, %d labels for batch %d x %d proposals",
					len(boxes), len(scores), len(labels), batch, layout.MaxProposals))
		}

		for j := range item.ResponseIDs {
			var count uint32
			for p := 0; p < layout.MaxProposals; p++ {
				k := j*layout.MaxProposals + p
				conf := scores[k]
				if float64(conf) <= ConfThreshold {
					continue
				}
				box := boxes[k*layout.ObjectSize:]
				out.Records = append(out.Records,
					float32(item.SampleIdxs[j]),
					box[1], box[0], box[3], box[2],
					conf, float32(int(labels[k])),
				)
				count++
			}
			out.Counts = append(out.Counts, count*models.RecordSize)
			out.ResponseIDs = append(out.ResponseIDs, item.ResponseIDs[j])
		}
	}
	return out, nil
}

func checkItem(item models.Item, buffers int) error {
	if len(item.Buffers) < buffers {
		return shapeError("got %d output buffers, want %d", len(item.Buffers), buffers)
	}
	if len(item.SampleIdxs) != len(item.ResponseIDs) {
		return shapeError("%d sample indices for %d response ids", len(item.SampleIdxs), len(item.ResponseIDs))
	}
	return nil
}

// Split regroups a decoded stream into one slice of detections per
// CountEntry.
func Split(result models.DetectionResult) ([][]models.Detection, error) {
	out := make([][]models.Detection, 0, len(result.Counts))
	offset := 0
	for _, c := range result.Counts {
		end := offset + int(c)
		if c%models.RecordSize != 0 || end > len(result.Records) {
			return nil, shapeError("count %d at offset %d overruns %d records", c, offset, len(result.Records))
		}
		dets := make([]models.Detection, 0, int(c)/models.RecordSize)
		for r := offset; r < end; r += models.RecordSize {
			rec := result.Records[r : r+models.RecordSize]
			dets = append(dets, models.Detection{
				SampleIndex: models.SampleIndex(rec[0]),
				BBox:        [4]float32{rec[1], rec[2], rec[3], rec[4]},
				Confidence:  rec[5],
				Label:       int(rec[6]),
			})
		}
		out = append(out, dets)
		offset = end
	}
	if offset != len(result.Records) {
		return nil, shapeError("%d trailing floats after last count", len(result.Records)-offset)
	}
	return out, nil
}
