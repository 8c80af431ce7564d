package backend

import (
	"math"

	"github.com/mlosab3/ck-openvino/engine"
)

const (
	simClasses        = 1001
	simProposals      = 100
	simMultiProposals = 200
	simMaxPerSample   = 4
)

// SimulatedModel builds a stand-in for the family's exported model. Every
// sample yields a result derived from its first input value v: classifiers
// pick class int(|v|) mod 1001, detectors emit int(|v|) mod 4 detections.
// side overrides the input resolution; zero keeps the family's.
func SimulatedModel(f Family, side int) engine.SimulatedModel {
	if side <= 0 {
		side = f.InputSize
	}
	sampleSize := 3 * side * side
	model := engine.SimulatedModel{
		Input: engine.TensorSpec{Name: "data", Dims: []int64{-1, 3, int64(side), int64(side)}},
	}
	signal := func(input []float32, b int) int {
		return int(math.Abs(float64(input[b*sampleSize])))
	}

	switch f.Kind {
	case Classification:
		model.Outputs = []engine.TensorSpec{{Name: "prob", Dims: []int64{-1, simClasses}}}
		model.Compute = func(input []float32, outputs map[string][]float32) {
			prob := outputs["prob"]
			for b := 0; b < len(input)/sampleSize; b++ {
				prob[b*simClasses+signal(input, b)%simClasses] = 1
			}
		}

	case SingleTensorDetection:
		model.Outputs = []engine.TensorSpec{{Name: "DetectionOutput", Dims: []int64{1, 1, simProposals, 7}}}
		model.Compute = func(input []float32, outputs map[string][]float32) {
			out := outputs["DetectionOutput"]
			row := 0
			emit := func(values ...float32) {
				copy(out[row*7:], values)
				row++
			}
			for b := 0; b < len(input)/sampleSize; b++ {
				for p := 0; p < signal(input, b)%simMaxPerSample && row < simProposals-1; p++ {
					emit(float32(b), float32(p+1), 0.9, 0.1, 0.2, 0.3, 0.4)
				}
			}
			emit(-1, 0, 0, 0, 0, 0, 0)
		}

	case MultiTensorDetection:
		model.Outputs = []engine.TensorSpec{
			{Name: f.Outputs[0], Dims: []int64{-1, simMultiProposals, 4}},
			{Name: f.Outputs[1], Dims: []int64{-1, simMultiProposals}},
			{Name: f.Outputs[2], Dims: []int64{-1, simMultiProposals}},
		}
		model.Compute = func(input []float32, outputs map[string][]float32) {
			boxes, scores, labels := outputs[f.Outputs[0]], outputs[f.Outputs[1]], outputs[f.Outputs[2]]
			for b := 0; b < len(input)/sampleSize; b++ {
				for p := 0; p < signal(input, b)%simMaxPerSample; p++ {
					k := b*simMultiProposals + p
					copy(boxes[k*4:], []float32{0.1, 0.2, 0.3, 0.4})
					scores[k] = 0.9
					labels[k] = float32(p + 1)
				}
			}
		}
	}
	return model
}
