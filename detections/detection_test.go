package detections

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlosab3/ck-openvino/models"
)

type proposal struct {
	image int
	label float32
	conf  float32
}

// proposalBuffer lays rows out as [image_id, label, conf, xmin, ymin, xmax, ymax]
// and pads with zero rows up to maxProposals.
func proposalBuffer(maxProposals int, rows ...proposal) []float32 {
	buf := make([]float32, maxProposals*7)
	for i, r := range rows {
		row := buf[i*7:]
		row[0] = float32(r.image)
		row[1] = r.label
		row[2] = r.conf
		row[3], row[4], row[5], row[6] = 0.1, 0.2, 0.3, 0.4
	}
	return buf
}

func sampleItem(buffers [][]float32, samples ...int) models.Item {
	item := models.Item{Buffers: buffers}
	for _, s := range samples {
		item.SampleIdxs = append(item.SampleIdxs, models.SampleIndex(s))
		item.ResponseIDs = append(item.ResponseIDs, models.ResponseID(1000+s))
	}
	return item
}

func totalCounts(counts []uint32) int {
	n := 0
	for _, c := range counts {
		n += int(c)
	}
	return n
}

func TestDecodeSingleTensor_SkipFillsEmptyImages(t *testing.T) {
	buf := proposalBuffer(6,
		proposal{0, 3, 0.9},
		proposal{0, 4, 0.02},
		proposal{2, 5, 0.9},
		proposal{2, 6, 0.9},
		proposal{2, 7, 0.01},
		proposal{-1, 0, 0},
	)
	item := sampleItem([][]float32{buf}, 40, 41, 42)

	res, err := DecodeSingleTensor([]models.Item{item}, Layout{BatchSize: 3, MaxProposals: 6, ObjectSize: 7})
	require.NoError(t, err)

	assert.Equal(t, []uint32{7, 0, 14}, res.Counts)
	assert.Equal(t, []models.ResponseID{1040, 1041, 1042}, res.ResponseIDs)
	require.Equal(t, 3, res.Detections())
	assert.Equal(t, totalCounts(res.Counts), len(res.Records))

	// Records carry the caller's sample index and reorder the box to y/x.
	assert.Equal(t, []float32{40, 0.2, 0.1, 0.4, 0.3, 0.9, 3}, res.Records[:7])
	assert.Equal(t, float32(42), res.Records[7])
	assert.Equal(t, float32(42), res.Records[14])
}

func TestDecodeSingleTensor(t *testing.T) {
	layout := Layout{BatchSize: 4, MaxProposals: 4, ObjectSize: 7}
	tests := []struct {
		name       string
		rows       []proposal
		samples    []int
		wantCounts []uint32
	}{
		{
			name:       "sentinel first fills the whole batch",
			rows:       []proposal{{-1, 0, 0}},
			samples:    []int{0, 1, 2, 3},
			wantCounts: []uint32{0, 0, 0, 0},
		},
		{
			name:       "full buffer without sentinel",
			rows:       []proposal{{0, 1, 0.5}, {1, 1, 0.5}, {1, 1, 0.5}, {3, 1, 0.5}},
			samples:    []int{0, 1, 2, 3},
			wantCounts: []uint32{7, 14, 0, 7},
		},
		{
			name:       "last image empty after full buffer",
			rows:       []proposal{{0, 1, 0.5}, {0, 1, 0.5}, {0, 1, 0.5}, {1, 1, 0.5}},
			samples:    []int{0, 1, 2, 3},
			wantCounts: []uint32{21, 7, 0, 0},
		},
		{
			name:       "low confidence rows are dropped",
			rows:       []proposal{{0, 1, 0.04}, {0, 1, 0.06}, {-1, 0, 0}},
			samples:    []int{0, 1, 2, 3},
			wantCounts: []uint32{7, 0, 0, 0},
		},
		{
			name:       "padding images are ignored",
			rows:       []proposal{{0, 1, 0.9}, {2, 1, 0.9}, {3, 1, 0.9}},
			samples:    []int{0, 1},
			wantCounts: []uint32{7, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := sampleItem([][]float32{proposalBuffer(4, tt.rows...)}, tt.samples...)
			res, err := DecodeSingleTensor([]models.Item{item}, layout)
			require.NoError(t, err)
			assert.Equal(t, tt.wantCounts, res.Counts)
			assert.Len(t, res.ResponseIDs, len(tt.samples))
			assert.Equal(t, totalCounts(res.Counts), len(res.Records))
		})
	}
}

func TestDecodeSingleTensor_ConcatenatesItems(t *testing.T) {
	layout := Layout{BatchSize: 1, MaxProposals: 3, ObjectSize: 7}
	items := []models.Item{
		sampleItem([][]float32{proposalBuffer(3, proposal{0, 1, 0.9}, proposal{-1, 0, 0})}, 5),
		sampleItem([][]float32{proposalBuffer(3, proposal{-1, 0, 0})}, 6),
		sampleItem([][]float32{proposalBuffer(3, proposal{0, 1, 0.9}, proposal{0, 2, 0.8}, proposal{0, 3, 0.7})}, 7),
	}

	res, err := DecodeSingleTensor(items, layout)
	require.NoError(t, err)
	assert.Equal(t, []uint32{7, 0, 21}, res.Counts)
	assert.Equal(t, []models.ResponseID{1005, 1006, 1007}, res.ResponseIDs)

	again, err := DecodeSingleTensor(items, layout)
	require.NoError(t, err)
	assert.Equal(t, res, again)
}

func TestDecodeSingleTensor_Errors(t *testing.T) {
	layout := Layout{BatchSize: 2, MaxProposals: 3, ObjectSize: 7}

	short := sampleItem([][]float32{make([]float32, 20)}, 0, 1)
	_, err := DecodeSingleTensor([]models.Item{short}, layout)
	assert.ErrorIs(t, err, ErrShape)

	outside := sampleItem([][]float32{proposalBuffer(3, proposal{5, 1, 0.9})}, 0, 1)
	_, err = DecodeSingleTensor([]models.Item{outside}, layout)
	assert.ErrorIs(t, err, ErrShape)

	backwards := sampleItem([][]float32{proposalBuffer(3, proposal{1, 1, 0.9}, proposal{0, 1, 0.9})}, 0, 1)
	_, err = DecodeSingleTensor([]models.Item{backwards}, layout)
	assert.ErrorIs(t, err, ErrShape)

	noBuffer := sampleItem(nil, 0)
	_, err = DecodeSingleTensor([]models.Item{noBuffer}, layout)
	assert.ErrorIs(t, err, ErrShape)

	_, err = DecodeSingleTensor(nil, Layout{MaxProposals: 3, ObjectSize: 5})
	assert.ErrorIs(t, err, ErrShape)
}

func TestDecodeMultiTensor(t *testing.T) {
	layout := Layout{BatchSize: 2, MaxProposals: 3, ObjectSize: 4}
	boxes := make([]float32, 2*3*4)
	for i := range boxes {
		boxes[i] = float32(i)
	}
	scores := []float32{0.9, 0.01, 0.9, 0.01, 0.01, 0.01}
	labels := []float32{1.7, 2, 3.2, 4, 5, 6}
	item := sampleItem([][]float32{boxes, scores, labels}, 8, 9)

	res, err := DecodeMultiTensor([]models.Item{item}, layout)
	require.NoError(t, err)
	assert.Equal(t, []uint32{14, 0}, res.Counts)
	assert.Equal(t, []models.ResponseID{1008, 1009}, res.ResponseIDs)
	require.Equal(t, 2, res.Detections())

	// boxes arrive as xmin, ymin, xmax, ymax; labels are truncated.
	assert.Equal(t, []float32{8, 1, 0, 3, 2, 0.9, 1}, res.Records[:7])
	assert.Equal(t, []float32{8, 9, 8, 11, 10, 0.9, 3}, res.Records[7:])
}

func TestDecodeMultiTensor_PaddedBatch(t *testing.T) {
	layout := Layout{BatchSize: 2, MaxProposals: 1, ObjectSize: 4}
	item := sampleItem([][]float32{make([]float32, 8), {0.9, 0.9}, {1, 1}}, 3)

	res, err := DecodeMultiTensor([]models.Item{item}, layout)
	require.NoError(t, err)
	assert.Equal(t, []uint32{7}, res.Counts)
	assert.Equal(t, []models.ResponseID{1003}, res.ResponseIDs)
}

func TestDecodeMultiTensor_Errors(t *testing.T) {
	layout := Layout{BatchSize: 1, MaxProposals: 2, ObjectSize: 4}

	_, err := DecodeMultiTensor([]models.Item{sampleItem([][]float32{make([]float32, 8)}, 0)}, layout)
	assert.ErrorIs(t, err, ErrShape)

	mismatched := sampleItem([][]float32{make([]float32, 8), make([]float32, 2), make([]float32, 3)}, 0)
	_, err = DecodeMultiTensor([]models.Item{mismatched}, layout)
	assert.ErrorIs(t, err, ErrShape)
}

func TestSplit(t *testing.T) {
	res := models.DetectionResult{
		Records: []float32{
			4, 0.1, 0.2, 0.3, 0.4, 0.9, 2,
			6, 0.5, 0.6, 0.7, 0.8, 0.7, 1,
			6, 0.1, 0.1, 0.2, 0.2, 0.6, 3,
		},
		Counts:      []uint32{7, 0, 14},
		ResponseIDs: []models.ResponseID{1, 2, 3},
	}

	groups, err := Split(res)
	require.NoError(t, err)
	require.Len(t, groups, 3)
	assert.Len(t, groups[0], 1)
	assert.Empty(t, groups[1])
	require.Len(t, groups[2], 2)
	assert.Equal(t, models.Detection{
		SampleIndex: 6,
		BBox:        [4]float32{0.5, 0.6, 0.7, 0.8},
		Confidence:  0.7,
		Label:       1,
	}, groups[2][0])

	res.Counts = []uint32{7, 7}
	_, err = Split(res)
	assert.ErrorIs(t, err, ErrShape)
}
