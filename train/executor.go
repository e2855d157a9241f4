// Package train drives the fusion model: construction from class names,
// epoch-level training with periodic evaluation, and checkpointing.
package train

import (
	"context"
	"time"

	"github.com/nlpodyssey/cybertron/pkg/tasks/textencoding"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorgonia.org/gorgonia"
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

// Mode is the executor state.
type Mode int

const (
	Training Mode = iota
	Evaluation
)

func (m Mode) String() string {
	if m == Training {
		return "training"
	}
	return "evaluation"
}

// Config wires an Executor.
type Config struct {
	TrainLoader data.Loader
	TestLoader  data.Loader
	// Loss and Metric default to BCEWithLogits/MeanAveragePrecision for
	// multi-hot labels and SoftmaxCrossEntropy/Top1Accuracy for class indices.
	Loss   LossFunc
	Metric MetricFunc
	Labels data.LabelFormat

	Classes   []string
	TestEvery int

	// Distributed runs the executor as participant Device of Group.
	Distributed bool
	Group       *dist.Group
	Device      int

	Encoder         textencoding.Interface
	Prompt          string
	Model           model.Config
	BackboneWeights model.WeightSource

	Adam          optim.AdamConfig
	RestartPeriod int

	Logger zerolog.Logger
	// AfterStep, if set, runs after every optimizer step.
	AfterStep func(epoch, step int, params []*nn.Param)
}

type graphKey struct {
	mode  Mode
	batch int
}

type compiled struct {
	graph   *model.Graph
	targets *gorgonia.Node
	loss    *gorgonia.Node
	machine gorgonia.VM
}

// Executor owns the model, the optimizer and the schedule.
type Executor struct {
	cfg     Config
	log     zerolog.Logger
	report  reporter
	replica dist.Replica
	opt     *optim.Adam
	sched   *optim.CosineWarmRestarts

	mode   Mode
	graphs map[graphKey]*compiled
}

// New builds the class embeddings, the model and the optimizer. The frame
// count of the backbone is taken from the training loader's sample shape.
// In distributed mode every participant must call New, since the initial
// weights are broadcast from participant 0.
func New(ctx context.Context, cfg Config) (*Executor, error) {
	if cfg.TrainLoader == nil || cfg.TestLoader == nil {
		return nil, errs.Configuration("train and test loaders are required")
	}
	if cfg.TestEvery <= 0 {
		return nil, errs.Configuration("test cadence must be positive, got %d", cfg.TestEvery)
	}
	if len(cfg.Classes) == 0 {
		return nil, errs.Configuration("class list is empty")
	}
	if cfg.Encoder == nil {
		return nil, errs.Configuration("text encoder is required")
	}
	switch cfg.Labels {
	case data.MultiHot:
		if cfg.Loss == nil {
			cfg.Loss = BCEWithLogits
		}
		if cfg.Metric == nil {
			cfg.Metric = MeanAveragePrecision
		}
	case data.ClassIndex:
		if cfg.Loss == nil {
			cfg.Loss = SoftmaxCrossEntropy
		}
		if cfg.Metric == nil {
			cfg.Metric = Top1Accuracy
		}
	default:
		return nil, errs.Configuration("unknown label format %v", cfg.Labels)
	}
	if cfg.Model == (model.Config{}) {
		cfg.Model = model.DefaultConfig()
	}
	if cfg.Adam == (optim.AdamConfig{}) {
		cfg.Adam = optim.DefaultAdamConfig()
	}
	if cfg.RestartPeriod <= 0 {
		cfg.RestartPeriod = 10
	}

	sample := cfg.TrainLoader.SampleShape()
	if len(sample) != 4 {
		return nil, errs.Configuration("video samples must be (time, channels, height, width), got %v", sample)
	}
	numFrames := sample[0]

	rank := 0
	if cfg.Distributed {
		if cfg.Group == nil {
			return nil, errs.Configuration("distributed executor needs a group")
		}
		if cfg.Device < 0 || cfg.Device >= cfg.Group.Size() {
			return nil, errs.Configuration("device %d outside group of %d", cfg.Device, cfg.Group.Size())
		}
		rank = cfg.Device
	}
	log := cfg.Logger.With().Int("rank", rank).Logger()

	embedder := textembed.New(cfg.Encoder)
	embedder.Template = cfg.Prompt
	classEmbed, err := embedder.ClassEmbeddings(ctx, cfg.Classes)
	if err != nil {
		return nil, err
	}
	m, err := model.New(classEmbed, numFrames, cfg.Model)
	if err != nil {
		return nil, err
	}
	if cfg.BackboneWeights != nil {
		if err := m.Backbone.LoadPretrained(ctx, cfg.BackboneWeights, log); err != nil {
			return nil, err
		}
	}

	var replica dist.Replica
	if cfg.Distributed {
		if replica, err = dist.NewDataParallel(m, cfg.Group, rank); err != nil {
			return nil, err
		}
	} else {
		replica = dist.NewLocal(m)
	}

	opt := optim.NewAdam(cfg.Adam)
	e := &Executor{
		cfg:     cfg,
		log:     log,
		report:  reporter{log: log, enabled: rank == 0},
		replica: replica,
		opt:     opt,
		sched:   optim.NewCosineWarmRestarts(opt, cfg.RestartPeriod, 1, 0),
		mode:    Training,
		graphs:  make(map[graphKey]*compiled),
	}
	log.Debug().
		Int("classes", len(cfg.Classes)).
		Int("frames", numFrames).
		Int("params", len(replica.Parameters())).
		Str("labels", cfg.Labels.String()).
		Msg("executor ready")
	return e, nil
}

// Model returns the live model.
func (e *Executor) Model() *model.Fusion { return e.replica.Model() }

// Replica returns the model as seen by the training loop.
func (e *Executor) Replica() dist.Replica { return e.replica }

// Optimizer returns the live optimizer.
func (e *Executor) Optimizer() *optim.Adam { return e.opt }

// Scheduler returns the learning-rate schedule.
func (e *Executor) Scheduler() *optim.CosineWarmRestarts { return e.sched }

// Mode reports whether the executor last ran training or evaluation.
func (e *Executor) Mode() Mode { return e.mode }

// Close releases every compiled graph.
func (e *Executor) Close() error {
	var first error
	for k, c := range e.graphs {
		if err := c.machine.Close(); err != nil && first == nil {
			first = err
		}
		delete(e.graphs, k)
	}
	return first
}

// Train runs epochs [start, end). After every epoch the schedule advances,
// and every TestEvery epochs the evaluation pass runs and is reported.
func (e *Executor) Train(start, end int) error {
	for epoch := start; epoch < end; epoch++ {
		if err := e.trainEpoch(epoch); err != nil {
			return errors.Wrapf(err, "epoch %d", epoch+1)
		}
		if (epoch+1)%e.cfg.TestEvery == 0 {
			metric, err := e.Test()
			if err != nil {
				return errors.Wrapf(err, "evaluate after epoch %d", epoch+1)
			}
			e.report.metric(metric)
		}
	}
	return nil
}

func (e *Executor) trainEpoch(epoch int) error {
	e.mode = Training
	var meter AverageMeter
	began := time.Now()
	step := 0
	err := e.cfg.TrainLoader.Iterate(func(b data.Batch) error {
		loss, err := e.trainBatch(b)
		if err != nil {
			return errors.Wrapf(err, "step %d", step)
		}
		meter.Update(loss, b.Size())
		if e.cfg.AfterStep != nil {
			e.cfg.AfterStep(epoch, step, e.replica.Parameters())
		}
		step++
		return nil
	})
	if err != nil {
		return err
	}
	e.sched.Step()
	e.report.epoch(epoch+1, time.Since(began), meter.Avg())
	e.log.Debug().Int("steps", step).Float64("lr", e.opt.LearnRate()).Msg("epoch done")
	return nil
}

// trainBatch runs forward, backward, gradient sync and one optimizer step,
// and returns the batch loss.
func (e *Executor) trainBatch(b data.Batch) (float64, error) {
	c, err := e.compiled(Training, b.Size())
	if err != nil {
		return 0, err
	}
	params := e.replica.Parameters()
	for _, p := range params {
		p.ZeroGrad()
	}
	targets, err := e.targets(b.Labels, b.Size())
	if err != nil {
		return 0, err
	}

	c.machine.Reset()
	if err := c.graph.Bind(b.Video); err != nil {
		return 0, err
	}
	if err := gorgonia.Let(c.targets, targets); err != nil {
		return 0, err
	}
	if err := c.machine.RunAll(); err != nil {
		return 0, err
	}
	if err := c.graph.Builder.CollectGrads(); err != nil {
		return 0, err
	}
	if err := e.replica.SyncGradients(); err != nil {
		return 0, err
	}
	if err := e.opt.Step(params); err != nil {
		return 0, err
	}
	return scalar(c.loss.Value())
}

// Test runs the evaluation source once and returns the sample-weighted mean
// of the metric. Weights are not modified.
func (e *Executor) Test() (float64, error) {
	e.mode = Evaluation
	var meter AverageMeter
	err := e.cfg.TestLoader.Iterate(func(b data.Batch) error {
		c, err := e.compiled(Evaluation, b.Size())
		if err != nil {
			return err
		}
		c.machine.Reset()
		if err := c.graph.Bind(b.Video); err != nil {
			return err
		}
		if err := c.machine.RunAll(); err != nil {
			return err
		}
		logits, ok := c.graph.Logits.Value().(tensor.Tensor)
		if !ok {
			return errors.Errorf("logits are %T, not a tensor", c.graph.Logits.Value())
		}
		v, err := e.cfg.Metric(logits.Clone().(tensor.Tensor), b.Labels)
		if err != nil {
			return err
		}
		meter.Update(v, b.Size())
		return nil
	})
	if err != nil {
		return 0, err
	}
	return meter.Avg(), nil
}

// compiled returns the cached graph for (mode, batch), building it on first use.
func (e *Executor) compiled(mode Mode, batch int) (*compiled, error) {
	key := graphKey{mode: mode, batch: batch}
	if c, ok := e.graphs[key]; ok {
		return c, nil
	}
	g, err := e.replica.Build(batch, mode == Training)
	if err != nil {
		return nil, err
	}
	c := &compiled{graph: g}
	if mode == Evaluation {
		c.machine = gorgonia.NewTapeMachine(g.Builder.G)
		e.graphs[key] = c
		return c, nil
	}

	c.targets = g.Builder.Input("targets", batch, e.Model().NumClasses)
	if c.loss, err = e.cfg.Loss(g.Logits, c.targets); err != nil {
		return nil, errors.Wrap(err, "loss")
	}
	learnables := g.Builder.Learnables()
	if _, err := gorgonia.Grad(c.loss, learnables...); err != nil {
		return nil, errors.Wrap(err, "gradients")
	}
	c.machine = gorgonia.NewTapeMachine(g.Builder.G, gorgonia.BindDualValues(learnables...))
	e.graphs[key] = c
	e.log.Debug().Int("batch", batch).Int("nodes", len(g.Builder.G.AllNodes())).Msg("compiled training graph")
	return c, nil
}

// targets turns loader labels into the (batch, classes) float32 matrix the
// loss expects. Class indices become one-hot rows.
func (e *Executor) targets(labels tensor.Tensor, batch int) (*tensor.Dense, error) {
	k := e.Model().NumClasses
	v, err := values(labels)
	if err != nil {
		return nil, errs.Configuration("labels: %v", err)
	}
	out := make([]float32, batch*k)
	switch e.cfg.Labels {
	case data.ClassIndex:
		if len(v) != batch {
			return nil, errs.Configuration("%d class indices for a batch of %d", len(v), batch)
		}
		for i, c := range v {
			idx := int(c)
			if idx < 0 || idx >= k {
				return nil, errs.Configuration("class index %d outside [0, %d)", idx, k)
			}
			out[i*k+idx] = 1
		}
	default:
		if len(v) != batch*k {
			return nil, errs.Configuration("labels hold %d values, want %dx%d", len(v), batch, k)
		}
		for i, x := range v {
			out[i] = float32(x)
		}
	}
	return tensor.New(tensor.WithShape(batch, k), tensor.WithBacking(out)), nil
}

func scalar(v gorgonia.Value) (float64, error) {
	if v == nil {
		return 0, errors.New("loss was not computed")
	}
	switch d := v.Data().(type) {
	case float32:
		return float64(d), nil
	case float64:
		return d, nil
	case []float32:
		if len(d) == 1 {
			return float64(d[0]), nil
		}
	case []float64:
		if len(d) == 1 {
			return d[0], nil
		}
	}
	return 0, errors.Errorf("loss is not a scalar: %v", v.Shape())
}

// Save writes the six-entry checkpoint to path. The schedule position is
// stored with the optimizer state.
func (e *Executor) Save(path string) error {
	f := checkpoint.File{}
	for _, c := range e.Model().Components() {
		b, err := checkpoint.EncodeStateDict(c.Params.StateDict())
		if err != nil {
			return errors.Wrapf(err, "encode %s", c.Name)
		}
		f[c.Name] = b
	}
	st := e.opt.State()
	st.Schedule = e.sched.State()
	b, err := checkpoint.EncodeOptimizer(st)
	if err != nil {
		return err
	}
	f[checkpoint.Optimizer] = b
	if err := checkpoint.Write(path, f); err != nil {
		return err
	}
	e.log.Info().Str("path", path).Msg("checkpoint saved")
	return nil
}

// Load restores model, optimizer and schedule from path. Every entry is
// decoded and checked against the live components before anything is
// applied, so a failed load leaves the executor unchanged.
func (e *Executor) Load(path string) error {
	f, err := checkpoint.Read(path)
	if err != nil {
		return err
	}
	comps := e.Model().Components()
	dicts := make([]nn.StateDict, len(comps))
	for i, c := range comps {
		sd, err := checkpoint.DecodeStateDict(c.Name, f[c.Name])
		if err != nil {
			return err
		}
		if err := c.Params.CheckStateDict(sd); err != nil {
			return errors.Wrapf(err, "entry %q", c.Name)
		}
		dicts[i] = sd
	}
	st, err := checkpoint.DecodeOptimizer(f[checkpoint.Optimizer])
	if err != nil {
		return err
	}
	params := e.replica.Parameters()
	if err := e.opt.CheckState(st, params); err != nil {
		return err
	}

	for i, c := range comps {
		if err := c.Params.LoadStateDict(dicts[i]); err != nil {
			return err
		}
	}
	if err := e.opt.LoadState(st, params); err != nil {
		return err
	}
	e.sched.LoadState(st.Schedule)
	e.log.Info().Str("path", path).Int("epoch", st.Schedule.Epoch).Msg("checkpoint loaded")
	return nil
}
