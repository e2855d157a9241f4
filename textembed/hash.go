package textembed

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"math/rand"

	"github.com/nlpodyssey/cybertron/pkg/tasks/textencoding"
	"github.com/nlpodyssey/spago/mat"
)

// HashEncoder is an offline stand-in for a pretrained text encoder.
// Each text is hashed with MD5 to seed a generator, so equal texts always get
// equal vectors and different texts get unrelated ones. It carries no
// semantics and exists for smoke runs without model downloads.
type HashEncoder struct {
	Dim int
}

// NewHashEncoder returns an encoder producing dim wide vectors in [-1, 1).
func NewHashEncoder(dim int) *HashEncoder {
	return &HashEncoder{Dim: dim}
}

// Encode implements textencoding.Interface. The pooling strategy is ignored.
func (h *HashEncoder) Encode(_ context.Context, text string, _ int) (textencoding.Response, error) {
	hash := md5.Sum([]byte(text))
	seed := int64(binary.BigEndian.Uint64(hash[:8]))
	r := rand.New(rand.NewSource(seed))

	data := make([]float64, h.Dim)
	for d := range data {
		data[d] = r.Float64()*2 - 1
	}
	return textencoding.Response{Vector: mat.NewDense[float64](mat.WithBacking(data))}, nil
}
