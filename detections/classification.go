package detections

import (
	"fmt"
	"sort"

	"github.com/mlosab3/ck-openvino/models"
)

// TopK returns the indices of the k largest scores in descending order. Ties
// keep the lower index first.
func TopK(k int, scores []float32) []int {
	if k > len(scores) {
		k = len(scores)
	}
	if k <= 0 {
		return nil
	}

	if k == 1 {
		best := 0
		for i, s := range scores {
			if s > scores[best] {
				best = i
			}
		}
		return []int{best}
	}

	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}

	sort.SliceStable(idx, func(a, b int) bool {
		return scores[idx[a]] > scores[idx[b]]
	})
	return idx[:k]
}

// DecodeClassification reduces every sample's score vector to its top-1
// class minus LabelOffset. batchSize is the number of score vectors per
// buffer; zero means one per sample.
func DecodeClassification(items []models.Item, batchSize int) (models.ClassificationResult, error) {
	var out models.ClassificationResult
	for i, item := range items {
		if err := checkItem(item, 1); err != nil {
			return models.ClassificationResult{}, fmt.Errorf("item %d: %w", i, err)
		}
		rows := max(batchSize, len(item.ResponseIDs))
		if rows == 0 {
			continue
		}
		scores := item.Buffers[0]
		if len(scores) == 0 || len(scores)%rows != 0 {
			return models.ClassificationResult{}, fmt.Errorf("item %d: %w", i,
				shapeError("%d scores do not split into %d rows", len(scores), rows))
		}

		classes := len(scores) / rows
		for j, id := range item.ResponseIDs {
			top := TopK(1, scores[j*classes:(j+1)*classes])
			out.Labels = append(out.Labels, top[0]-LabelOffset)
			out.ResponseIDs = append(out.ResponseIDs, id)
		}
	}
	return out, nil
}
