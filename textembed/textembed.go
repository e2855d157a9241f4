// Package textembed turns class names into the embedding matrix that seeds
// the per-class queries of the fusion model.
package textembed

import (
	"context"
	"fmt"
	"strings"

	"github.com/nlpodyssey/cybertron/pkg/tasks"
	"github.com/nlpodyssey/cybertron/pkg/tasks/textencoding"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorgonia.org/tensor"

	"vidclip/errs"
)

// DefaultModel is a small sentence encoder with a 384 wide pooled output.
const DefaultModel = "sentence-transformers/all-MiniLM-L6-v2"

// PoolingCLS asks the encoder for the first-token (pooled) representation.
const PoolingCLS = 0

// Config locates a pretrained text encoder.
type Config struct {
	ModelsDir string
	ModelName string
}

// LoadEncoder fetches (or reuses from ModelsDir) a cybertron text encoder.
// The encoder is returned to the caller, who passes it to Initializer; no
// package level cache is kept.
func LoadEncoder(cfg Config, log zerolog.Logger) (textencoding.Interface, error) {
	if cfg.ModelName == "" {
		cfg.ModelName = DefaultModel
	}
	if cfg.ModelsDir == "" {
		cfg.ModelsDir = "./models"
	}
	log.Info().Str("model", cfg.ModelName).Str("dir", cfg.ModelsDir).Msg("loading text encoder (this may take time on first run)")

	m, err := tasks.Load[textencoding.Interface](&tasks.Config{
		ModelsDir: cfg.ModelsDir,
		ModelName: cfg.ModelName,
	})
	if err != nil {
		return nil, errs.Unavailable(err, "load text encoder %s", cfg.ModelName)
	}
	return m, nil
}

// Initializer produces class embeddings with an injected encoder.
type Initializer struct {
	Encoder textencoding.Interface
	Pooling int

	// Template wraps each class name before encoding, e.g. "a video of %s".
	// Empty means the bare class name.
	Template string
}

// New returns an initializer using first-token pooling.
func New(enc textencoding.Interface) *Initializer {
	return &Initializer{Encoder: enc, Pooling: PoolingCLS}
}

// Prompts returns the texts that will be encoded, in class order.
func (in *Initializer) Prompts(classes []string) []string {
	out := make([]string, len(classes))
	for i, c := range classes {
		switch {
		case in.Template == "":
			out[i] = c
		case strings.Contains(in.Template, "%s"):
			out[i] = fmt.Sprintf(in.Template, c)
		default:
			out[i] = in.Template + " " + c
		}
	}
	return out
}

// ClassEmbeddings encodes every class name and stacks the pooled vectors
// into a (len(classes), dim) float32 matrix. The result shares no memory
// with the encoder and carries no gradient history.
func (in *Initializer) ClassEmbeddings(ctx context.Context, classes []string) (*tensor.Dense, error) {
	if len(classes) == 0 {
		return nil, errs.Configuration("no class names given")
	}
	var all []float32
	dim := 0
	for i, text := range in.Prompts(classes) {
		res, err := in.Encoder.Encode(ctx, text, in.Pooling)
		if err != nil {
			return nil, errs.Unavailable(err, "encode class %q", classes[i])
		}
		if res.Vector == nil {
			return nil, errs.Unavailable(errors.New("empty response"), "encode class %q", classes[i])
		}
		data := res.Vector.Data().F64()
		if dim == 0 {
			dim = len(data)
		}
		if len(data) != dim {
			return nil, errs.Unavailable(errors.Errorf("got %d values, want %d", len(data), dim), "encode class %q", classes[i])
		}
		for _, v := range data {
			all = append(all, float32(v))
		}
	}
	return tensor.New(tensor.WithShape(len(classes), dim), tensor.WithBacking(all)), nil
}
