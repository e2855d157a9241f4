package model

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"vidclip/errs"
	"vidclip/nn"
)

var approx = cmpopts.EquateApprox(0, 1e-4)

func tinyConfig() Config {
	return Config{
		Backbone: BackboneConfig{
			ImageSize:   4,
			PatchSize:   2,
			Channels:    1,
			Hidden:      8,
			Heads:       2,
			Layers:      1,
			FeedForward: 16,
		},
		Transformer: TransformerConfig{
			Heads:         2,
			EncoderLayers: 1,
			DecoderLayers: 1,
			FeedForward:   16,
		},
		MaxLen: 16,
		Seed:   7,
	}
}

func ramp(n int, scale float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i) * scale
	}
	return out
}

func runGraph(t *testing.T, b *nn.Builder) gorgonia.VM {
	t.Helper()
	if err := b.Rebind(); err != nil {
		t.Fatal(err)
	}
	m := gorgonia.NewTapeMachine(b.G)
	if err := m.RunAll(); err != nil {
		m.Close()
		t.Fatal(err)
	}
	return m
}

func TestPositionalEncodingValues(t *testing.T) {
	for _, dim := range []int{2, 6, 16} {
		pe := NewPositionalEncoding(dim, 10, 0)
		table, err := pe.Table(7)
		if err != nil {
			t.Fatal(err)
		}
		got := table.Data().([]float32)
		for p := 0; p < 7; p++ {
			for i := 0; 2*i < dim; i++ {
				angle := float64(p) / math.Pow(10000, float64(2*i)/float64(dim))
				if d := math.Abs(float64(got[p*dim+2*i]) - math.Sin(angle)); d > 1e-5 {
					t.Errorf("dim %d pos %d feature %d: got %v want sin %v", dim, p, 2*i, got[p*dim+2*i], math.Sin(angle))
				}
				if d := math.Abs(float64(got[p*dim+2*i+1]) - math.Cos(angle)); d > 1e-5 {
					t.Errorf("dim %d pos %d feature %d: got %v want cos %v", dim, p, 2*i+1, got[p*dim+2*i+1], math.Cos(angle))
				}
			}
		}
	}
}

func TestPositionalEncodingForwardAddsTable(t *testing.T) {
	pe := NewPositionalEncoding(4, 8, 0.5)
	b := nn.NewBuilder(false)
	x := b.Input("x", 2, 3, 4)
	out, err := pe.Forward(b, x)
	if err != nil {
		t.Fatal(err)
	}
	in := ramp(24, 0.1)
	if err := gorgonia.Let(x, tensor.New(tensor.WithShape(2, 3, 4), tensor.WithBacking(append([]float32(nil), in...)))); err != nil {
		t.Fatal(err)
	}
	m := runGraph(t, b)
	defer m.Close()

	table, _ := pe.Table(3)
	pos := table.Data().([]float32)
	want := make([]float32, 24)
	for i := range want {
		want[i] = in[i] + pos[i%12]
	}
	if diff := cmp.Diff(want, out.Value().Data().([]float32), approx); diff != "" {
		t.Errorf("output (-want +got):\n%s", diff)
	}
}

func TestPositionalEncodingCapacity(t *testing.T) {
	pe := NewPositionalEncoding(4, 5, 0)
	if _, err := pe.Table(6); !errors.Is(err, errs.ErrConfiguration) {
		t.Fatalf("Table(6) = %v, want configuration error", err)
	}
	b := nn.NewBuilder(true)
	if _, err := pe.Forward(b, b.Input("x", 1, 6, 4)); !errors.Is(err, errs.ErrConfiguration) {
		t.Fatalf("Forward over capacity = %v, want configuration error", err)
	}
}

func TestGroupWiseLinearClassIndependence(t *testing.T) {
	g := NewGroupWiseLinear(rand.New(rand.NewSource(3)), 3, 4, true)
	b := nn.NewBuilder(false)
	x := b.Input("x", 2, 3, 4)
	out, err := g.Forward(b, x)
	if err != nil {
		t.Fatal(err)
	}
	if err := gorgonia.Let(x, tensor.New(tensor.WithShape(2, 3, 4), tensor.WithBacking(ramp(24, 0.25)))); err != nil {
		t.Fatal(err)
	}
	m := runGraph(t, b)
	defer m.Close()
	before := append([]float32(nil), out.Value().Data().([]float32)...)

	// reference: out[n, k] = sum_d W[k, d] * x[n, k, d] + b[k]
	xs, w, bias := ramp(24, 0.25), g.W.Data(), g.B.Data()
	for n := 0; n < 2; n++ {
		for k := 0; k < 3; k++ {
			want := bias[k]
			for d := 0; d < 4; d++ {
				want += w[k*4+d] * xs[n*12+k*4+d]
			}
			if math.Abs(float64(want-before[n*3+k])) > 1e-4 {
				t.Errorf("out[%d,%d] = %v, want %v", n, k, before[n*3+k], want)
			}
		}
	}

	for d := 0; d < 4; d++ {
		w[4+d] += 1
	}
	bias[1] -= 2
	m.Reset()
	if err := b.Rebind(); err != nil {
		t.Fatal(err)
	}
	if err := m.RunAll(); err != nil {
		t.Fatal(err)
	}
	after := out.Value().Data().([]float32)
	for n := 0; n < 2; n++ {
		for k := 0; k < 3; k++ {
			changed := before[n*3+k] != after[n*3+k]
			if changed != (k == 1) {
				t.Errorf("out[%d,%d] changed=%v after editing class 1 only", n, k, changed)
			}
		}
	}
}

func TestInitGroupWise(t *testing.T) {
	w1, b1 := InitGroupWise(rand.New(rand.NewSource(11)), 5, 16, true)
	w2, b2 := InitGroupWise(rand.New(rand.NewSource(11)), 5, 16, true)
	if !cmp.Equal(w1.Data(), w2.Data()) || !cmp.Equal(b1.Data(), b2.Data()) {
		t.Fatal("same seed must give the same initialization")
	}
	bound := float32(1 / math.Sqrt(16))
	for _, v := range append(w1.Data().([]float32), b1.Data().([]float32)...) {
		if v < -bound || v > bound {
			t.Fatalf("value %v outside ±%v", v, bound)
		}
	}
	if _, b := InitGroupWise(rand.New(rand.NewSource(1)), 2, 4, false); b != nil {
		t.Fatal("bias returned for a bias-free layer")
	}
}

func TestAdaptivePoolMatrix(t *testing.T) {
	third, half := float32(1)/3, float32(0.5)
	tests := []struct {
		in, out int
		want    []float32
	}{
		{5, 2, []float32{third, third, third, 0, 0, 0, 0, third, third, third}},
		{2, 4, []float32{1, 0, 1, 0, 0, 1, 0, 1}},
		{4, 2, []float32{half, half, 0, 0, 0, 0, half, half}},
	}
	for _, tt := range tests {
		got := AdaptivePoolMatrix(tt.in, tt.out)
		if diff := cmp.Diff(tt.want, got, approx); diff != "" {
			t.Errorf("AdaptivePoolMatrix(%d, %d) (-want +got):\n%s", tt.in, tt.out, diff)
		}
	}
}

func TestPatchify(t *testing.T) {
	bb, err := NewBackbone(tinyConfig().Backbone, 2)
	if err != nil {
		t.Fatal(err)
	}
	video := tensor.New(tensor.WithShape(1, 2, 1, 4, 4), tensor.WithBacking(ramp(32, 1)))
	p, err := bb.Patchify(video)
	if err != nil {
		t.Fatal(err)
	}
	if !p.Shape().Eq(tensor.Shape{8, 4}) {
		t.Fatalf("shape = %v, want (8, 4)", p.Shape())
	}
	got := p.Data().([]float32)
	// frame 0, patch (0,1) covers pixels 2,3,6,7
	if diff := cmp.Diff([]float32{2, 3, 6, 7}, got[4:8]); diff != "" {
		t.Errorf("patch 1 (-want +got):\n%s", diff)
	}
	// frame 1, patch (1,0) covers pixels 16+8,9,12,13
	if diff := cmp.Diff([]float32{24, 25, 28, 29}, got[6*4:7*4]); diff != "" {
		t.Errorf("patch 6 (-want +got):\n%s", diff)
	}
}

func TestPatchifyRejectsBadInput(t *testing.T) {
	bb, err := NewBackbone(tinyConfig().Backbone, 2)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name  string
		video tensor.Tensor
	}{
		{"frames", tensor.New(tensor.WithShape(1, 3, 1, 4, 4), tensor.Of(tensor.Float32))},
		{"size", tensor.New(tensor.WithShape(1, 2, 1, 6, 6), tensor.Of(tensor.Float32))},
		{"rank", tensor.New(tensor.WithShape(2, 1, 4, 4), tensor.Of(tensor.Float32))},
		{"dtype", tensor.New(tensor.WithShape(1, 2, 1, 4, 4), tensor.Of(tensor.Float64))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := bb.Patchify(tt.video); !errors.Is(err, errs.ErrConfiguration) {
				t.Fatalf("Patchify = %v, want configuration error", err)
			}
		})
	}
}

func TestBackboneConfigValidation(t *testing.T) {
	cfg := tinyConfig().Backbone
	cfg.ImageSize = 5
	if _, err := NewBackbone(cfg, 2); !errors.Is(err, errs.ErrConfiguration) {
		t.Fatalf("image size not divisible by patch: %v", err)
	}
	if _, err := NewTransformer(10, TransformerConfig{Heads: 3, EncoderLayers: 1, DecoderLayers: 1, FeedForward: 4}); !errors.Is(err, errs.ErrConfiguration) {
		t.Fatalf("heads not dividing width: %v", err)
	}
}

type stateDictSource struct {
	sd  nn.StateDict
	err error
}

func (s stateDictSource) StateDict(context.Context) (nn.StateDict, error) { return s.sd, s.err }

func TestLoadPretrainedIgnoresMismatchedSizes(t *testing.T) {
	cfg := tinyConfig().Backbone
	src, err := NewBackbone(cfg, 4)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range src.Params.Params() {
		for i := range p.Data() {
			p.Data()[i] = 0.125
		}
	}
	sd := src.Params.StateDict()
	delete(sd, "layernorm.bias")
	gamma := sd["layernorm.weight"]
	gamma.Dims = []int{1, cfg.Hidden}
	sd["layernorm.weight"] = gamma

	dst, err := NewBackbone(cfg, 2)
	if err != nil {
		t.Fatal(err)
	}
	timeBefore := append([]float32(nil), dst.TimeEmbed.Data()...)
	if err := dst.LoadPretrained(context.Background(), stateDictSource{sd: sd}, zerolog.Nop()); err != nil {
		t.Fatal(err)
	}
	if !cmp.Equal(timeBefore, dst.TimeEmbed.Data()) {
		t.Error("time embedding of a different frame count must keep its initialization")
	}
	if !cmp.Equal(dst.Norm.Beta.Data(), make([]float32, cfg.Hidden)) {
		t.Error("missing tensor must keep its initialization")
	}
	for _, v := range dst.Norm.Gamma.Data() {
		if v != 1 {
			t.Fatalf("tensor with extra unit dimension loaded: %v", v)
		}
	}
	for _, v := range dst.PosEmbed.Data() {
		if v != 0.125 {
			t.Fatalf("matching tensor not loaded: %v", v)
		}
	}

	failing := stateDictSource{err: errors.New("connection refused")}
	if err := dst.LoadPretrained(context.Background(), failing, zerolog.Nop()); !errors.Is(err, errs.ErrResourceUnavailable) {
		t.Fatalf("failing source = %v, want resource unavailable", err)
	}
}

func TestFusionOutputShape(t *testing.T) {
	embed := tensor.New(tensor.WithShape(3, 8), tensor.WithBacking(ramp(24, 0.01)))
	for _, tc := range []struct{ batch, frames int }{{1, 2}, {2, 3}} {
		m, err := New(embed, tc.frames, tinyConfig())
		if err != nil {
			t.Fatal(err)
		}
		g, err := m.Build(tc.batch, false)
		if err != nil {
			t.Fatal(err)
		}
		n := tc.batch * tc.frames * 16
		video := tensor.New(tensor.WithShape(tc.batch, tc.frames, 1, 4, 4), tensor.WithBacking(ramp(n, 0.01)))
		if err := g.Bind(video); err != nil {
			t.Fatal(err)
		}
		vm := gorgonia.NewTapeMachine(g.Builder.G)
		if err := vm.RunAll(); err != nil {
			t.Fatal(err)
		}
		vm.Close()
		if got := g.Logits.Value().Shape(); !got.Eq(tensor.Shape{tc.batch, 3}) {
			t.Errorf("batch %d frames %d: logits shape %v", tc.batch, tc.frames, got)
		}
	}
}

func TestFusionCopiesClassEmbedding(t *testing.T) {
	data := ramp(16, 1)
	embed := tensor.New(tensor.WithShape(2, 8), tensor.WithBacking(data))
	m, err := New(embed, 2, tinyConfig())
	if err != nil {
		t.Fatal(err)
	}
	data[0] = 99
	if m.QueryEmbed.Data()[0] != 0 {
		t.Fatal("query embedding aliases the class embedding matrix")
	}
	names := make([]string, 0, 5)
	for _, c := range m.Components() {
		names = append(names, c.Name)
	}
	if diff := cmp.Diff([]string{"backbone", "linear", "transformer", "query_embed", "group_linear"}, names); diff != "" {
		t.Errorf("components (-want +got):\n%s", diff)
	}
}

func TestFusionRejectsWrongFrameCount(t *testing.T) {
	embed := tensor.New(tensor.WithShape(2, 8), tensor.WithBacking(ramp(16, 1)))
	m, err := New(embed, 2, tinyConfig())
	if err != nil {
		t.Fatal(err)
	}
	g, err := m.Build(1, false)
	if err != nil {
		t.Fatal(err)
	}
	video := tensor.New(tensor.WithShape(1, 3, 1, 4, 4), tensor.Of(tensor.Float32))
	if err := g.Bind(video); !errors.Is(err, errs.ErrConfiguration) {
		t.Fatalf("Bind = %v, want configuration error", err)
	}
}
