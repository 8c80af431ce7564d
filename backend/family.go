package backend

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mlosab3/ck-openvino/detections"
	"github.com/mlosab3/ck-openvino/preprocess"
)

// ErrUnknownModel is returned for a workload outside the supported families.
var ErrUnknownModel = errors.New("unknown model family")

// Kind selects the output decoder of a family.
type Kind int

const (
	Classification Kind = iota
	SingleTensorDetection
	MultiTensorDetection
)

func (k Kind) String() string {
	switch k {
	case Classification:
		return "classification"
	case SingleTensorDetection:
		return "single-tensor-detection"
	case MultiTensorDetection:
		return "multi-tensor-detection"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Family fixes everything the adapter assumes about a model export: which
// outputs it reads, and where proposal count and object size sit in the
// first output's dimensions.
type Family struct {
	Name    string
	Kind    Kind
	Outputs []string

	ProposalAxis int
	ObjectAxis   int

	InputSize int
	Norm      preprocess.Normalization
}

var families = map[string]Family{
	"resnet50": {
		Name:      "resnet50",
		Kind:      Classification,
		InputSize: 224,
		Norm:      preprocess.ImageNet,
	},
	"mobilenet": {
		Name:      "mobilenet",
		Kind:      Classification,
		InputSize: 224,
		Norm:      preprocess.ImageNet,
	},
	"ssd-mobilenet": {
		Name:         "ssd-mobilenet",
		Kind:         SingleTensorDetection,
		ProposalAxis: 2,
		ObjectAxis:   3,
		InputSize:    300,
		Norm:         preprocess.MobileNetSSD,
	},
	"ssd-resnet34": {
		Name:         "ssd-resnet34",
		Kind:         MultiTensorDetection,
		Outputs:      []string{"Unsqueeze_bboxes777", "Unsqueeze_scores835", "Add_labels"},
		ProposalAxis: 1,
		ObjectAxis:   2,
		InputSize:    1200,
		Norm:         preprocess.ResNet34SSD,
	},
}

// Lookup resolves a workload name such as "ssd-mobilenet".
func Lookup(workload string) (Family, error) {
	f, ok := families[strings.ToLower(strings.TrimSpace(workload))]
	if !ok {
		return Family{}, fmt.Errorf("%w: %q (known: %s)", ErrUnknownModel, workload, strings.Join(Families(), ", "))
	}
	return f, nil
}

// Families lists the supported workload names.
func Families() []string {
	names := make([]string, 0, len(families))
	for name := range families {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsDetection reports whether the family produces detection records.
func (f Family) IsDetection() bool { return f.Kind != Classification }

// layout derives the detection layout from the dimensions of the first
// output tensor.
func (f Family) layout(dims []int64, batchSize int) (detections.Layout, error) {
	if !f.IsDetection() {
		return detections.Layout{BatchSize: batchSize}, nil
	}
	if len(dims) <= f.ProposalAxis || len(dims) <= f.ObjectAxis {
		return detections.Layout{}, fmt.Errorf("%s: output has %d dimensions, need axes %d and %d: %w",
			f.Name, len(dims), f.ProposalAxis, f.ObjectAxis, detections.ErrShape)
	}
	return detections.Layout{
		BatchSize:    batchSize,
		MaxProposals: int(dims[f.ProposalAxis]),
		ObjectSize:   int(dims[f.ObjectAxis]),
	}, nil
}
