package model

import (
	"strconv"

	"gorgonia.org/gorgonia"

	"vidclip/errs"
	"vidclip/nn"
)

// TransformerConfig mirrors the knobs of a vanilla encoder-decoder transformer.
type TransformerConfig struct {
	Heads         int
	EncoderLayers int
	DecoderLayers int
	FeedForward   int
	Dropout       float64
}

// DefaultTransformerConfig is the classic 6+6 layer, 8 head setup.
func DefaultTransformerConfig() TransformerConfig {
	return TransformerConfig{
		Heads:         8,
		EncoderLayers: 6,
		DecoderLayers: 6,
		FeedForward:   2048,
		Dropout:       0.1,
	}
}

type encoderLayer struct {
	SelfAttn *nn.MultiHeadAttention
	Norm1    *nn.LayerNorm
	FF       *nn.FeedForward
	Norm2    *nn.LayerNorm
}

type decoderLayer struct {
	SelfAttn  *nn.MultiHeadAttention
	Norm1     *nn.LayerNorm
	CrossAttn *nn.MultiHeadAttention
	Norm2     *nn.LayerNorm
	FF        *nn.FeedForward
	Norm3     *nn.LayerNorm
}

// Transformer is a post-norm encoder-decoder working on batch-major
// (batch, seq, Dim) tensors, without masks.
type Transformer struct {
	Dim    int
	Config TransformerConfig
	Params *nn.ParamSet

	Encoder     []*encoderLayer
	EncoderNorm *nn.LayerNorm
	Decoder     []*decoderLayer
	DecoderNorm *nn.LayerNorm
}

// NewTransformer registers all encoder and decoder parameters.
func NewTransformer(dim int, cfg TransformerConfig) (*Transformer, error) {
	if cfg.Heads <= 0 || dim%cfg.Heads != 0 {
		return nil, errs.Configuration("transformer width %d is not divisible by %d heads", dim, cfg.Heads)
	}
	if cfg.FeedForward <= 0 || cfg.EncoderLayers < 0 || cfg.DecoderLayers < 0 {
		return nil, errs.Configuration("invalid transformer config %+v", cfg)
	}
	ps := nn.NewParamSet("transformer")
	t := &Transformer{Dim: dim, Config: cfg, Params: ps}
	for i := 0; i < cfg.EncoderLayers; i++ {
		name := "encoder.layers." + strconv.Itoa(i)
		t.Encoder = append(t.Encoder, &encoderLayer{
			SelfAttn: nn.NewMultiHeadAttention(ps, name+".self_attn", dim, cfg.Heads, cfg.Dropout),
			Norm1:    nn.NewLayerNorm(ps, name+".norm1", dim),
			FF:       nn.NewFeedForward(ps, name, dim, cfg.FeedForward, cfg.Dropout),
			Norm2:    nn.NewLayerNorm(ps, name+".norm2", dim),
		})
	}
	t.EncoderNorm = nn.NewLayerNorm(ps, "encoder.norm", dim)
	for i := 0; i < cfg.DecoderLayers; i++ {
		name := "decoder.layers." + strconv.Itoa(i)
		t.Decoder = append(t.Decoder, &decoderLayer{
			SelfAttn:  nn.NewMultiHeadAttention(ps, name+".self_attn", dim, cfg.Heads, cfg.Dropout),
			Norm1:     nn.NewLayerNorm(ps, name+".norm1", dim),
			CrossAttn: nn.NewMultiHeadAttention(ps, name+".multihead_attn", dim, cfg.Heads, cfg.Dropout),
			Norm2:     nn.NewLayerNorm(ps, name+".norm2", dim),
			FF:        nn.NewFeedForward(ps, name, dim, cfg.FeedForward, cfg.Dropout),
			Norm3:     nn.NewLayerNorm(ps, name+".norm3", dim),
		})
	}
	t.DecoderNorm = nn.NewLayerNorm(ps, "decoder.norm", dim)
	return t, nil
}

// Forward encodes src (batch, S, Dim) and decodes tgt (batch, T, Dim)
// against it, returning (batch, T, Dim).
func (t *Transformer) Forward(b *nn.Builder, src, tgt *gorgonia.Node) (*gorgonia.Node, error) {
	drop := t.Config.Dropout

	mem := src
	for _, l := range t.Encoder {
		a, err := l.SelfAttn.Forward(b, mem, mem)
		if err != nil {
			return nil, err
		}
		if mem, err = nn.Residual(b, l.Norm1, mem, a, drop); err != nil {
			return nil, err
		}
		f, err := l.FF.Forward(b, mem)
		if err != nil {
			return nil, err
		}
		if mem, err = nn.Residual(b, l.Norm2, mem, f, drop); err != nil {
			return nil, err
		}
	}
	mem, err := t.EncoderNorm.Forward(b, mem)
	if err != nil {
		return nil, err
	}

	out := tgt
	for _, l := range t.Decoder {
		a, err := l.SelfAttn.Forward(b, out, out)
		if err != nil {
			return nil, err
		}
		if out, err = nn.Residual(b, l.Norm1, out, a, drop); err != nil {
			return nil, err
		}
		c, err := l.CrossAttn.Forward(b, out, mem)
		if err != nil {
			return nil, err
		}
		if out, err = nn.Residual(b, l.Norm2, out, c, drop); err != nil {
			return nil, err
		}
		f, err := l.FF.Forward(b, out)
		if err != nil {
			return nil, err
		}
		if out, err = nn.Residual(b, l.Norm3, out, f, drop); err != nil {
			return nil, err
		}
	}
	return t.DecoderNorm.Forward(b, out)
}
