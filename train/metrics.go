package train

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gorgonia.org/tensor"
)

// MetricFunc scores logits (batch, classes) against the labels exactly as
// the loader yielded them. Scores are fractions; reporting scales them to
// percentages.
type MetricFunc func(logits, labels tensor.Tensor) (float64, error)

// MeanAveragePrecision is the mean over classes of the average precision of
// the batch ranking, for multi-hot labels. Classes without a positive sample
// in the batch are skipped; a batch with no positives at all scores 0.
func MeanAveragePrecision(logits, labels tensor.Tensor) (float64, error) {
	scores, n, k, err := matrix(logits)
	if err != nil {
		return 0, errors.Wrap(err, "logits")
	}
	targets, err := values(labels)
	if err != nil {
		return 0, errors.Wrap(err, "labels")
	}
	if len(targets) != n*k {
		return 0, errors.Errorf("labels hold %d values, logits are %dx%d", len(targets), n, k)
	}

	var sum float64
	classes := 0
	col := make([]float64, n)
	order := make([]int, n)
	for c := 0; c < k; c++ {
		for i := 0; i < n; i++ {
			col[i] = -scores[i*k+c]
		}
		// ascending on negated scores is descending on scores
		floats.Argsort(col, order)

		hits := 0
		var ap float64
		for rank, i := range order {
			if targets[i*k+c] > 0.5 {
				hits++
				ap += float64(hits) / float64(rank+1)
			}
		}
		if hits == 0 {
			continue
		}
		sum += ap / float64(hits)
		classes++
	}
	if classes == 0 {
		return 0, nil
	}
	return sum / float64(classes), nil
}

// Top1Accuracy is the fraction of samples whose highest logit is the labeled
// class index.
func Top1Accuracy(logits, labels tensor.Tensor) (float64, error) {
	scores, n, k, err := matrix(logits)
	if err != nil {
		return 0, errors.Wrap(err, "logits")
	}
	idx, err := values(labels)
	if err != nil {
		return 0, errors.Wrap(err, "labels")
	}
	if len(idx) != n {
		return 0, errors.Errorf("%d labels for %d samples", len(idx), n)
	}
	if n == 0 {
		return 0, nil
	}
	correct := 0
	for i := 0; i < n; i++ {
		if floats.MaxIdx(scores[i*k:(i+1)*k]) == int(idx[i]) {
			correct++
		}
	}
	return float64(correct) / float64(n), nil
}

func matrix(t tensor.Tensor) ([]float64, int, int, error) {
	shape := t.Shape()
	if len(shape) != 2 {
		return nil, 0, 0, errors.Errorf("want (batch, classes), got %v", shape)
	}
	v, err := values(t)
	if err != nil {
		return nil, 0, 0, err
	}
	return v, shape[0], shape[1], nil
}

// values flattens a numeric tensor to float64.
func values(t tensor.Tensor) ([]float64, error) {
	switch d := t.Data().(type) {
	case []float32:
		out := make([]float64, len(d))
		for i, v := range d {
			out[i] = float64(v)
		}
		return out, nil
	case []float64:
		return append([]float64(nil), d...), nil
	case []int:
		out := make([]float64, len(d))
		for i, v := range d {
			out[i] = float64(v)
		}
		return out, nil
	case []int64:
		out := make([]float64, len(d))
		for i, v := range d {
			out[i] = float64(v)
		}
		return out, nil
	case []int32:
		out := make([]float64, len(d))
		for i, v := range d {
			out[i] = float64(v)
		}
		return out, nil
	default:
		return nil, errors.Errorf("unsupported label type %v", t.Dtype())
	}
}
