package train

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/nlpodyssey/cybertron/pkg/tasks/textencoding"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorgonia.org/tensor"

	"vidclip/checkpoint"
	"vidclip/data"
	"vidclip/dist"
	"vidclip/errs"
	"vidclip/model"
	"vidclip/nn"
	"vidclip/optim"
	"vidclip/textembed"
)

var classes = []string{"dribble", "pass", "shoot"}

func tinyModel() model.Config {
	return model.Config{
		Backbone: model.BackboneConfig{
			ImageSize:   4,
			PatchSize:   2,
			Channels:    1,
			Hidden:      8,
			Heads:       2,
			Layers:      1,
			FeedForward: 16,
		},
		Transformer: model.TransformerConfig{
			Heads:         2,
			EncoderLayers: 1,
			DecoderLayers: 1,
			FeedForward:   16,
		},
		MaxLen: 16,
		Seed:   3,
	}
}

// countingLoader records how often it is iterated and how many batches it served.
type countingLoader struct {
	data.Loader
	passes  int
	batches int
}

func (c *countingLoader) Iterate(fn func(data.Batch) error) error {
	c.passes++
	return c.Loader.Iterate(func(b data.Batch) error {
		c.batches++
		return fn(b)
	})
}

func loader(t *testing.T, samples, frames int, seed int64, batch int) *data.SliceLoader {
	t.Helper()
	videos, labels := data.Synthetic(data.SyntheticConfig{
		Samples: samples, Classes: len(classes), Frames: frames, Channels: 1, Size: 4, Noise: 0.1, Seed: seed,
	})
	l, err := data.Split(videos, labels, batch)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func baseConfig(t *testing.T) Config {
	return Config{
		TrainLoader: loader(t, 4, 2, 1, 2),
		TestLoader:  loader(t, 2, 2, 2, 2),
		Labels:      data.MultiHot,
		Classes:     classes,
		TestEvery:   1,
		Encoder:     textembed.NewHashEncoder(8),
		Model:       tinyModel(),
		Adam:        optim.AdamConfig{LearnRate: 1e-3, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8},
		Logger:      zerolog.Nop(),
	}
}

func newExecutor(t *testing.T, cfg Config) *Executor {
	t.Helper()
	e, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func snapshot(e *Executor) map[string]nn.StateDict {
	out := map[string]nn.StateDict{}
	for _, c := range e.Model().Components() {
		out[c.Name] = c.Params.StateDict()
	}
	return out
}

func TestTrainRunsOnePassAndOneEvaluation(t *testing.T) {
	cfg := baseConfig(t)
	tr := &countingLoader{Loader: cfg.TrainLoader}
	te := &countingLoader{Loader: cfg.TestLoader}
	cfg.TrainLoader, cfg.TestLoader = tr, te
	steps := 0
	cfg.AfterStep = func(int, int, []*nn.Param) { steps++ }

	e := newExecutor(t, cfg)
	if err := e.Train(0, 1); err != nil {
		t.Fatal(err)
	}
	if tr.passes != 1 || tr.batches != 2 || steps != 2 {
		t.Errorf("training: %d passes, %d batches, %d steps; want 1, 2, 2", tr.passes, tr.batches, steps)
	}
	if te.passes != 1 || te.batches != 1 {
		t.Errorf("evaluation: %d passes over %d batches; want 1 over 1", te.passes, te.batches)
	}
	if e.Mode() != Evaluation {
		t.Errorf("mode after evaluation = %v", e.Mode())
	}
	if st := e.Scheduler().State(); st.Epoch != 1 {
		t.Errorf("schedule advanced %d times, want 1", st.Epoch)
	}
}

func TestTestCadence(t *testing.T) {
	cfg := baseConfig(t)
	te := &countingLoader{Loader: cfg.TestLoader}
	cfg.TestLoader = te
	cfg.TestEvery = 2
	e := newExecutor(t, cfg)
	if err := e.Train(0, 5); err != nil {
		t.Fatal(err)
	}
	if te.passes != 2 {
		t.Errorf("evaluated %d times in 5 epochs with cadence 2, want 2", te.passes)
	}
}

func TestTrainingChangesEveryComponent(t *testing.T) {
	e := newExecutor(t, baseConfig(t))
	before := snapshot(e)
	if err := e.Train(0, 1); err != nil {
		t.Fatal(err)
	}
	after := snapshot(e)
	for name := range before {
		if cmp.Equal(before[name], after[name]) {
			t.Errorf("component %s did not change after training", name)
		}
	}
}

func TestTestDoesNotModifyWeights(t *testing.T) {
	e := newExecutor(t, baseConfig(t))
	before := snapshot(e)
	v, err := e.Test()
	if err != nil {
		t.Fatal(err)
	}
	if v < 0 || v > 1 {
		t.Errorf("metric %v outside [0, 1]", v)
	}
	if diff := cmp.Diff(before, snapshot(e)); diff != "" {
		t.Errorf("weights changed during evaluation (-before +after):\n%s", diff)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	cfg := baseConfig(t)
	path := filepath.Join(t.TempDir(), "runs", "ckpt.gob")

	src := newExecutor(t, cfg)
	if err := src.Train(0, 1); err != nil {
		t.Fatal(err)
	}
	if err := src.Save(path); err != nil {
		t.Fatal(err)
	}

	dstCfg := cfg
	dstCfg.Model.Seed = 99
	dst := newExecutor(t, dstCfg)
	if err := dst.Load(path); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(snapshot(src), snapshot(dst)); diff != "" {
		t.Fatalf("parameters differ after load (-saved +loaded):\n%s", diff)
	}
	if diff := cmp.Diff(src.Optimizer().State(), dst.Optimizer().State()); diff != "" {
		t.Fatalf("optimizer differs after load (-saved +loaded):\n%s", diff)
	}
	if src.Scheduler().State() != dst.Scheduler().State() {
		t.Fatalf("schedule %+v, want %+v", dst.Scheduler().State(), src.Scheduler().State())
	}

	// the resumed executor takes the same next step
	if err := src.Train(1, 2); err != nil {
		t.Fatal(err)
	}
	if err := dst.Train(1, 2); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(snapshot(src), snapshot(dst), cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Errorf("resumed training diverged (-original +resumed):\n%s", diff)
	}
}

func TestLoadMissingEntryChangesNothing(t *testing.T) {
	cfg := baseConfig(t)
	dir := t.TempDir()
	full := filepath.Join(dir, "full.gob")

	src := newExecutor(t, cfg)
	if err := src.Train(0, 1); err != nil {
		t.Fatal(err)
	}
	if err := src.Save(full); err != nil {
		t.Fatal(err)
	}
	f, err := checkpoint.Read(full)
	if err != nil {
		t.Fatal(err)
	}
	delete(f, checkpoint.Transformer)
	partial := filepath.Join(dir, "partial.gob")
	if err := checkpoint.Write(partial, f); err != nil {
		t.Fatal(err)
	}

	dst := newExecutor(t, cfg)
	before, opt := snapshot(dst), dst.Optimizer().State()
	if err := dst.Load(partial); !errors.Is(err, errs.ErrCorruptCheckpoint) {
		t.Fatalf("Load = %v, want corrupt checkpoint", err)
	}
	if diff := cmp.Diff(before, snapshot(dst)); diff != "" {
		t.Errorf("failed load changed parameters (-before +after):\n%s", diff)
	}
	if diff := cmp.Diff(opt, dst.Optimizer().State()); diff != "" {
		t.Errorf("failed load changed the optimizer (-before +after):\n%s", diff)
	}
}

func TestLoadShapeMismatchChangesNothing(t *testing.T) {
	cfg := baseConfig(t)
	path := filepath.Join(t.TempDir(), "ckpt.gob")
	src := newExecutor(t, cfg)
	if err := src.Save(path); err != nil {
		t.Fatal(err)
	}

	other := cfg
	other.Classes = append([]string{"header"}, classes...)
	other.TrainLoader = &data.SliceLoader{Batches: []data.Batch{{
		Video:  tensor.New(tensor.WithShape(1, 2, 1, 4, 4), tensor.Of(tensor.Float32)),
		Labels: tensor.New(tensor.WithShape(1, 4), tensor.Of(tensor.Float32)),
	}}}
	dst := newExecutor(t, other)
	before := snapshot(dst)
	if err := dst.Load(path); !errors.Is(err, errs.ErrCorruptCheckpoint) {
		t.Fatalf("Load = %v, want corrupt checkpoint", err)
	}
	if diff := cmp.Diff(before, snapshot(dst)); diff != "" {
		t.Errorf("failed load changed parameters (-before +after):\n%s", diff)
	}
}

func TestSaveUnwritableDestination(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	e := newExecutor(t, baseConfig(t))
	if err := e.Save(filepath.Join(blocker, "ckpt.gob")); !errors.Is(err, errs.ErrIO) {
		t.Fatalf("Save = %v, want io error", err)
	}
}

func TestDataParallelReplicasStayIdentical(t *testing.T) {
	const participants = 2
	type key struct{ epoch, step int }
	var mu sync.Mutex
	seen := make([]map[key][]float32, participants)
	configs := make([]Config, participants)
	for rank := range configs {
		configs[rank] = baseConfig(t)
		// every participant trains on its own shard
		configs[rank].TrainLoader = loader(t, 4, 2, int64(10+rank), 2)
	}

	err := dist.Launch(context.Background(), participants, func(ctx context.Context, rank int, g *dist.Group) error {
		cfg := configs[rank]
		cfg.Distributed = true
		cfg.Group = g
		cfg.Device = rank
		cfg.AfterStep = func(epoch, step int, params []*nn.Param) {
			var flat []float32
			for _, p := range params {
				flat = append(flat, p.Data()...)
			}
			mu.Lock()
			if seen[rank] == nil {
				seen[rank] = map[key][]float32{}
			}
			seen[rank][key{epoch, step}] = flat
			mu.Unlock()
		}
		e, err := New(ctx, cfg)
		if err != nil {
			return err
		}
		defer e.Close()
		return e.Train(0, 3)
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(seen[0]) != 6 || len(seen[1]) != 6 {
		t.Fatalf("recorded %d and %d steps, want 6 each", len(seen[0]), len(seen[1]))
	}
	for k, want := range seen[0] {
		got, ok := seen[1][k]
		if !ok {
			t.Fatalf("rank 1 has no step %+v", k)
		}
		if !cmp.Equal(want, got) {
			t.Errorf("replicas differ after epoch %d step %d", k.epoch, k.step)
		}
	}
}

func TestClassIndexLabels(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Labels = data.ClassIndex
	video := tensor.New(tensor.WithShape(2, 2, 1, 4, 4), tensor.WithBacking(make([]float32, 64)))
	batch := data.Batch{Video: video, Labels: tensor.New(tensor.WithShape(2), tensor.WithBacking([]int{2, 0}))}
	cfg.TrainLoader = &data.SliceLoader{Batches: []data.Batch{batch}}
	cfg.TestLoader = &data.SliceLoader{Batches: []data.Batch{batch}}
	e := newExecutor(t, cfg)
	if err := e.Train(0, 1); err != nil {
		t.Fatal(err)
	}

	bad := data.Batch{Video: video, Labels: tensor.New(tensor.WithShape(2), tensor.WithBacking([]int{3, 0}))}
	if _, err := e.trainBatch(bad); !errors.Is(err, errs.ErrConfiguration) {
		t.Fatalf("out of range class index = %v, want configuration error", err)
	}
}

func TestTrainingWithDropoutStaysFinite(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Model.Backbone.Dropout = 0.1
	cfg.Model.Transformer.Dropout = 0.1
	cfg.Model.PositionalDropout = 0.1
	cfg.TrainLoader = loader(t, 8, 2, 1, 4)
	e := newExecutor(t, cfg)

	for step := 0; step < 4; step++ {
		var loss float64
		err := cfg.TrainLoader.Iterate(func(b data.Batch) error {
			var err error
			loss, err = e.trainBatch(b)
			return err
		})
		if err != nil {
			t.Fatal(err)
		}
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			t.Fatalf("step %d: loss = %v", step, loss)
		}
	}
	for _, c := range e.Model().Components() {
		for name, st := range c.Params.StateDict() {
			for _, v := range st.Data {
				if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
					t.Fatalf("%s.%s holds %v after training", c.Name, name, v)
				}
			}
		}
	}
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		kind   error
	}{
		{"cadence", func(c *Config) { c.TestEvery = 0 }, errs.ErrConfiguration},
		{"classes", func(c *Config) { c.Classes = nil }, errs.ErrConfiguration},
		{"encoder", func(c *Config) { c.Encoder = failingEncoder{} }, errs.ErrResourceUnavailable},
		{"group", func(c *Config) { c.Distributed = true }, errs.ErrConfiguration},
		{"heads", func(c *Config) { c.Model.Transformer.Heads = 3 }, errs.ErrConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig(t)
			tt.modify(&cfg)
			if _, err := New(context.Background(), cfg); !errors.Is(err, tt.kind) {
				t.Fatalf("New = %v, want %v", err, tt.kind)
			}
		})
	}
}

func TestFrameMismatchInEvaluation(t *testing.T) {
	cfg := baseConfig(t)
	cfg.TestLoader = loader(t, 2, 3, 2, 2)
	e := newExecutor(t, cfg)
	if _, err := e.Test(); !errors.Is(err, errs.ErrConfiguration) {
		t.Fatalf("Test = %v, want configuration error", err)
	}
}

type failingEncoder struct{}

func (failingEncoder) Encode(context.Context, string, int) (textencoding.Response, error) {
	return textencoding.Response{}, errors.New("model files not found")
}
