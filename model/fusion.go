package model

import (
	"math/rand"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"vidclip/errs"
	"vidclip/nn"
)

// Config collects the architecture knobs of the fusion model.
type Config struct {
	Backbone          BackboneConfig
	Transformer       TransformerConfig
	PositionalDropout float64
	MaxLen            int
	Seed              int64
}

// DefaultConfig returns the base-sized configuration.
func DefaultConfig() Config {
	return Config{
		Backbone:          DefaultBackboneConfig(),
		Transformer:       DefaultTransformerConfig(),
		PositionalDropout: 0.1,
		MaxLen:            DefaultMaxLen,
		Seed:              1,
	}
}

// Component is one independently persisted part of the model.
type Component struct {
	Name   string
	Params *nn.ParamSet
}

// Fusion classifies videos by letting one learned query per class attend over
// backbone frame features. The queries start from the class text embeddings.
type Fusion struct {
	NumClasses int
	EmbedDim   int
	NumFrames  int

	Backbone    *Backbone
	Linear      *nn.Linear
	PosEncoding *PositionalEncoding
	QueryEmbed  *nn.Param // (NumClasses, EmbedDim)
	Transformer *Transformer
	GroupLinear *GroupWiseLinear

	linearParams *nn.ParamSet
	queryParams  *nn.ParamSet
}

// New builds a fusion model seeded with classEmbed (num_classes, embed_dim)
// for videos of numFrames frames. The embedding matrix is copied; the model
// never aliases caller memory.
func New(classEmbed *tensor.Dense, numFrames int, cfg Config) (*Fusion, error) {
	shape := classEmbed.Shape()
	if len(shape) != 2 || shape[0] == 0 || shape[1] == 0 {
		return nil, errs.Configuration("class embedding must be (num_classes, embed_dim), got %v", shape)
	}
	if classEmbed.Dtype() != tensor.Float32 {
		return nil, errs.Configuration("class embedding must be float32, got %v", classEmbed.Dtype())
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = DefaultMaxLen
	}
	numClasses, embedDim := shape[0], shape[1]

	backbone, err := NewBackbone(cfg.Backbone, numFrames)
	if err != nil {
		return nil, err
	}
	transformer, err := NewTransformer(embedDim, cfg.Transformer)
	if err != nil {
		return nil, err
	}

	m := &Fusion{
		NumClasses:   numClasses,
		EmbedDim:     embedDim,
		NumFrames:    numFrames,
		Backbone:     backbone,
		PosEncoding:  NewPositionalEncoding(embedDim, cfg.MaxLen, cfg.PositionalDropout),
		Transformer:  transformer,
		GroupLinear:  NewGroupWiseLinear(rand.New(rand.NewSource(cfg.Seed)), numClasses, embedDim, true),
		linearParams: nn.NewParamSet("linear"),
		queryParams:  nn.NewParamSet("query_embed"),
	}
	m.Linear = nn.NewLinear(m.linearParams, "", cfg.Backbone.Hidden, embedDim, false)
	m.QueryEmbed = m.queryParams.Add("weight", nn.TensorOf(classEmbed).Dense())
	return m, nil
}

// Components returns the persisted parts in checkpoint order.
func (m *Fusion) Components() []Component {
	return []Component{
		{Name: "backbone", Params: m.Backbone.Params},
		{Name: "linear", Params: m.linearParams},
		{Name: "transformer", Params: m.Transformer.Params},
		{Name: "query_embed", Params: m.queryParams},
		{Name: "group_linear", Params: m.GroupLinear.Params},
	}
}

// Parameters returns every learnable parameter in a stable order.
func (m *Fusion) Parameters() []*nn.Param {
	var out []*nn.Param
	for _, c := range m.Components() {
		out = append(out, c.Params.Params()...)
	}
	return out
}

// Forward maps patchified video (see Backbone.Patchify) of batch items to
// raw logits of shape (batch, NumClasses).
func (m *Fusion) Forward(b *nn.Builder, patches *gorgonia.Node, batch int) (*gorgonia.Node, error) {
	x, err := m.Backbone.Forward(b, patches, batch)
	if err != nil {
		return nil, err
	}
	// resample the space-time tokens to one position per frame
	if x, err = AdaptiveAvgPool(b, x, m.NumFrames); err != nil {
		return nil, err
	}
	if x, err = m.Linear.Forward(b, x); err != nil {
		return nil, err
	}
	if x, err = m.PosEncoding.Forward(b, x); err != nil {
		return nil, err
	}

	query, err := gorgonia.Reshape(b.Param(m.QueryEmbed), tensor.Shape{1, m.NumClasses, m.EmbedDim})
	if err != nil {
		return nil, err
	}
	zeros := tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(batch, m.NumClasses, m.EmbedDim))
	if query, err = gorgonia.BroadcastAdd(b.Const("query_zeros", zeros), query, nil, []byte{0}); err != nil {
		return nil, err
	}

	hs, err := m.Transformer.Forward(b, x, query)
	if err != nil {
		return nil, err
	}
	return m.GroupLinear.Forward(b, hs)
}

// Graph is the fusion model compiled for one batch size and mode.
type Graph struct {
	Batch   int
	Train   bool
	Builder *nn.Builder
	Input   *gorgonia.Node // (batch*frames*patches, patch_dim)
	Logits  *gorgonia.Node // (batch, classes)

	model *Fusion
}

// Build compiles the forward graph for batch items.
func (m *Fusion) Build(batch int, train bool) (*Graph, error) {
	b := nn.NewBuilder(train)
	cfg := m.Backbone.Config
	input := b.Input("video_patches", batch*m.NumFrames*cfg.Patches(), cfg.PatchDim())
	logits, err := m.Forward(b, input, batch)
	if err != nil {
		return nil, err
	}
	return &Graph{Batch: batch, Train: train, Builder: b, Input: input, Logits: logits, model: m}, nil
}

// Bind loads a (batch, time, channels, height, width) video into the graph
// and points every parameter node at the current owned values.
func (g *Graph) Bind(video tensor.Tensor) error {
	if n := video.Shape()[0]; n != g.Batch {
		return errs.Configuration("graph compiled for batch %d, got %d", g.Batch, n)
	}
	patches, err := g.model.Backbone.Patchify(video)
	if err != nil {
		return err
	}
	if err := gorgonia.Let(g.Input, patches); err != nil {
		return err
	}
	return g.Builder.Rebind()
}
