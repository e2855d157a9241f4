package model

import (
	"context"
	"os"
	"strconv"

	"github.com/rs/zerolog"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"vidclip/errs"
	"vidclip/nn"
)

// BackboneConfig describes the space-time video transformer.
type BackboneConfig struct {
	ImageSize   int
	PatchSize   int
	Channels    int
	Hidden      int
	Heads       int
	Layers      int
	FeedForward int
	Dropout     float64
}

// DefaultBackboneConfig matches a base-sized TimeSformer.
func DefaultBackboneConfig() BackboneConfig {
	return BackboneConfig{
		ImageSize:   224,
		PatchSize:   16,
		Channels:    3,
		Hidden:      768,
		Heads:       12,
		Layers:      12,
		FeedForward: 3072,
	}
}

// Patches is the number of spatial patches per frame.
func (c BackboneConfig) Patches() int {
	n := c.ImageSize / c.PatchSize
	return n * n
}

// PatchDim is the flattened size of one patch.
func (c BackboneConfig) PatchDim() int { return c.Channels * c.PatchSize * c.PatchSize }

func (c BackboneConfig) validate() error {
	switch {
	case c.PatchSize <= 0 || c.ImageSize <= 0 || c.ImageSize%c.PatchSize != 0:
		return errs.Configuration("image size %d is not a multiple of patch size %d", c.ImageSize, c.PatchSize)
	case c.Hidden <= 0 || c.Heads <= 0 || c.Hidden%c.Heads != 0:
		return errs.Configuration("backbone hidden size %d is not divisible by %d heads", c.Hidden, c.Heads)
	case c.Channels <= 0 || c.Layers < 0 || c.FeedForward <= 0:
		return errs.Configuration("invalid backbone config %+v", c)
	}
	return nil
}

type backboneBlock struct {
	Norm1 *nn.LayerNorm
	Attn  *nn.MultiHeadAttention
	Norm2 *nn.LayerNorm
	MLP   *nn.FeedForward
}

// Backbone embeds every frame patch, adds spatial and temporal position
// embeddings, prepends a CLS token and runs pre-norm transformer blocks over
// the joint space-time sequence. Its output is the last hidden state of
// shape (batch, 1+frames*patches, Hidden).
type Backbone struct {
	Config    BackboneConfig
	NumFrames int
	Params    *nn.ParamSet

	PatchEmbed *nn.Linear
	CLS        *nn.Param // (1, Hidden)
	PosEmbed   *nn.Param // (Patches, Hidden)
	TimeEmbed  *nn.Param // (NumFrames, Hidden)
	Blocks     []*backboneBlock
	Norm       *nn.LayerNorm
}

// NewBackbone builds a randomly initialized backbone for numFrames frames.
func NewBackbone(cfg BackboneConfig, numFrames int) (*Backbone, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if numFrames <= 0 {
		return nil, errs.Configuration("backbone needs a positive frame count, got %d", numFrames)
	}
	ps := nn.NewParamSet("backbone")
	bb := &Backbone{
		Config:     cfg,
		NumFrames:  numFrames,
		Params:     ps,
		PatchEmbed: nn.NewLinear(ps, "embeddings.patch_embeddings", cfg.PatchDim(), cfg.Hidden, true),
		CLS:        ps.Add("embeddings.cls_token", nn.Glorot(1, cfg.Hidden)),
		PosEmbed:   ps.Add("embeddings.position_embeddings", nn.Glorot(cfg.Patches(), cfg.Hidden)),
		TimeEmbed:  ps.Add("embeddings.time_embeddings", nn.Glorot(numFrames, cfg.Hidden)),
	}
	for i := 0; i < cfg.Layers; i++ {
		name := "encoder.layer." + strconv.Itoa(i)
		bb.Blocks = append(bb.Blocks, &backboneBlock{
			Norm1: nn.NewLayerNorm(ps, name+".layernorm_before", cfg.Hidden),
			Attn:  nn.NewMultiHeadAttention(ps, name+".attention", cfg.Hidden, cfg.Heads, cfg.Dropout),
			Norm2: nn.NewLayerNorm(ps, name+".layernorm_after", cfg.Hidden),
			MLP:   nn.NewFeedForward(ps, name+".mlp", cfg.Hidden, cfg.FeedForward, cfg.Dropout),
		})
	}
	bb.Norm = nn.NewLayerNorm(ps, "layernorm", cfg.Hidden)
	return bb, nil
}

// WeightSource supplies pretrained backbone tensors keyed by local name.
type WeightSource interface {
	StateDict(ctx context.Context) (nn.StateDict, error)
}

// FileWeights reads a state dict file written by nn.WriteStateDict.
type FileWeights string

// StateDict implements WeightSource.
func (f FileWeights) StateDict(ctx context.Context) (nn.StateDict, error) {
	fh, err := os.Open(string(f))
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return nn.ReadStateDict(fh)
}

// LoadPretrained copies every tensor of src whose shape matches the live
// parameter. Tensors that are missing or have a different shape (for example
// the time embeddings of a checkpoint trained on another frame count) keep
// their fresh initialization. A failing source is fatal.
func (bb *Backbone) LoadPretrained(ctx context.Context, src WeightSource, log zerolog.Logger) error {
	sd, err := src.StateDict(ctx)
	if err != nil {
		return errs.Unavailable(err, "pretrained backbone weights")
	}
	loaded := 0
	for _, name := range bb.Params.Names() {
		p, _ := bb.Params.Get(name)
		t, ok := sd[name]
		switch {
		case !ok:
			log.Warn().Str("tensor", p.Name).Msg("missing from pretrained weights, newly initialized")
		case !t.Fits(p.Shape()):
			log.Warn().Str("tensor", p.Name).
				Ints("pretrained", t.Dims).Ints("model", p.Shape()).
				Msg("shape mismatch, newly initialized")
		default:
			copy(p.Data(), t.Data)
			loaded++
		}
	}
	log.Info().Int("loaded", loaded).Int("total", bb.Params.Len()).Msg("pretrained backbone weights applied")
	return nil
}

// Patchify cuts a (batch, frames, channels, height, width) video into
// non-overlapping patches, returning (batch*frames*patches, channels*p*p).
// Patches are ordered row-major within a frame; each patch is flattened
// channel first.
func (bb *Backbone) Patchify(video tensor.Tensor) (*tensor.Dense, error) {
	cfg := bb.Config
	shape := video.Shape()
	if len(shape) != 5 {
		return nil, errs.Configuration("video batch must be (batch, time, channels, height, width), got %v", shape)
	}
	bs, t, c, h, w := shape[0], shape[1], shape[2], shape[3], shape[4]
	if t != bb.NumFrames {
		return nil, errs.Configuration("backbone configured for %d frames, batch has %d", bb.NumFrames, t)
	}
	if c != cfg.Channels || h != cfg.ImageSize || w != cfg.ImageSize {
		return nil, errs.Configuration("frames must be %dx%dx%d, got %dx%dx%d", cfg.Channels, cfg.ImageSize, cfg.ImageSize, c, h, w)
	}
	src, ok := video.Data().([]float32)
	if !ok {
		return nil, errs.Configuration("video batch must be float32, got %v", video.Dtype())
	}

	p := cfg.PatchSize
	side := h / p
	pd := cfg.PatchDim()
	out := make([]float32, bs*t*side*side*pd)
	frame := c * h * w
	idx := 0
	for f := 0; f < bs*t; f++ {
		base := f * frame
		for py := 0; py < side; py++ {
			for px := 0; px < side; px++ {
				for ch := 0; ch < c; ch++ {
					for y := 0; y < p; y++ {
						row := base + ch*h*w + (py*p+y)*w + px*p
						copy(out[idx:idx+p], src[row:row+p])
						idx += p
					}
				}
			}
		}
	}
	return tensor.New(tensor.WithShape(bs*t*side*side, pd), tensor.WithBacking(out)), nil
}

// Forward runs the backbone on patchified input of shape
// (batch*NumFrames*Patches, PatchDim).
func (bb *Backbone) Forward(b *nn.Builder, patches *gorgonia.Node, batch int) (*gorgonia.Node, error) {
	cfg := bb.Config
	np, t, hd := cfg.Patches(), bb.NumFrames, cfg.Hidden

	x, err := bb.PatchEmbed.Forward(b, patches)
	if err != nil {
		return nil, err
	}
	if x, err = gorgonia.Reshape(x, tensor.Shape{batch, t, np, hd}); err != nil {
		return nil, err
	}

	pos, err := gorgonia.Reshape(b.Param(bb.PosEmbed), tensor.Shape{1, 1, np, hd})
	if err != nil {
		return nil, err
	}
	if x, err = gorgonia.BroadcastAdd(x, pos, nil, []byte{0, 1}); err != nil {
		return nil, err
	}
	tm, err := gorgonia.Reshape(b.Param(bb.TimeEmbed), tensor.Shape{1, t, 1, hd})
	if err != nil {
		return nil, err
	}
	if x, err = gorgonia.BroadcastAdd(x, tm, nil, []byte{0, 2}); err != nil {
		return nil, err
	}
	if x, err = gorgonia.Reshape(x, tensor.Shape{batch, t * np, hd}); err != nil {
		return nil, err
	}

	cls, err := gorgonia.Reshape(b.Param(bb.CLS), tensor.Shape{1, 1, hd})
	if err != nil {
		return nil, err
	}
	zeros := tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(batch, 1, hd))
	if cls, err = gorgonia.BroadcastAdd(b.Const("cls_zeros", zeros), cls, nil, []byte{0}); err != nil {
		return nil, err
	}
	if x, err = gorgonia.Concat(1, cls, x); err != nil {
		return nil, err
	}
	if x, err = b.Dropout(x, cfg.Dropout); err != nil {
		return nil, err
	}

	for _, blk := range bb.Blocks {
		h, err := blk.Norm1.Forward(b, x)
		if err != nil {
			return nil, err
		}
		if h, err = blk.Attn.Forward(b, h, h); err != nil {
			return nil, err
		}
		if h, err = b.Dropout(h, cfg.Dropout); err != nil {
			return nil, err
		}
		if x, err = gorgonia.Add(x, h); err != nil {
			return nil, err
		}
		if h, err = blk.Norm2.Forward(b, x); err != nil {
			return nil, err
		}
		if h, err = blk.MLP.Forward(b, h); err != nil {
			return nil, err
		}
		if h, err = b.Dropout(h, cfg.Dropout); err != nil {
			return nil, err
		}
		if x, err = gorgonia.Add(x, h); err != nil {
			return nil, err
		}
	}
	return bb.Norm.Forward(b, x)
}
