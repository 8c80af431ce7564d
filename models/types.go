package models

import "time"

// RecordSize is the number of floats in one flattened detection record:
// [sample_index, ymin, xmin, ymax, xmax, confidence, label].
const RecordSize = 7

// SampleIndex identifies a sample in the harness' sample library.
type SampleIndex uint64

// ResponseID identifies the harness response a result completes.
type ResponseID uint64

// Input is one input buffer tagged with the samples it carries. A batched
// buffer carries several samples; SampleIdxs and ResponseIDs are positionally
// paired.
type Input struct {
	Data        []float32
	SampleIdxs  []SampleIndex
	ResponseIDs []ResponseID
}

// Item is the output of one completed inference request. Buffers are ordered
// like the output names the request pool was built with.
type Item struct {
	Buffers     [][]float32
	SampleIdxs  []SampleIndex
	ResponseIDs []ResponseID
	IsWarmUp    bool
}

// DetectionResult is the aligned triple handed back to the harness: a flat
// record stream, one count (7 x detections) per sample and the response ids.
type DetectionResult struct {
	Records     []float32
	Counts      []uint32
	ResponseIDs []ResponseID
}

// Detections returns the number of records in the stream.
func (r DetectionResult) Detections() int {
	return len(r.Records) / RecordSize
}

type ClassificationResult struct {
	Labels      []int
	ResponseIDs []ResponseID
}

// Detection is the structured view of one record.
type Detection struct {
	SampleIndex SampleIndex `json:"sample_index"`
	BBox        [4]float32  `json:"bbox"` // ymin, xmin, ymax, xmax
	Confidence  float32     `json:"confidence"`
	Label       int         `json:"label"`
}

type ProcessingTimings struct {
	RequestID   string
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	Total       time.Duration
}
