package detections

const (
	// ConfThreshold is the minimum confidence a proposal needs to be kept.
	// Comparison happens in float64.
	ConfThreshold = 0.05

	// LabelOffset is subtracted from the top-1 index of classifiers whose
	// class 0 is background.
	LabelOffset = 1

	BoxSize = 4

	// Field positions of a single-tensor proposal row.
	fieldImageID = 0
	fieldLabel   = 1
	fieldConf    = 2
	fieldXMin    = 3
	fieldYMin    = 4
	fieldXMax    = 5
	fieldYMax    = 6
	minRowSize   = 7
)
