package main

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/nlpodyssey/cybertron/pkg/tasks/textencoding"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"vidclip/data"
	"vidclip/dist"
	"vidclip/model"
	"vidclip/optim"
	"vidclip/textembed"
	"vidclip/train"
)

func main() {
	cfg := loadConfig()
	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Logger()

	if err := run(context.Background(), cfg, log); err != nil {
		log.Fatal().Err(err).Msg("training failed")
	}
}

func run(ctx context.Context, cfg config, log zerolog.Logger) error {
	enc, err := loadEncoder(cfg, log)
	if err != nil {
		return err
	}
	trainSet, testSet, err := syntheticSplits(cfg)
	if err != nil {
		return err
	}

	if cfg.Participants <= 1 {
		return participant(ctx, cfg, log, enc, trainSet, testSet, 0, nil)
	}
	if len(trainSet.Batches)%cfg.Participants != 0 {
		return errors.Errorf("%d train batches do not split evenly over %d participants", len(trainSet.Batches), cfg.Participants)
	}
	log.Info().Int("participants", cfg.Participants).Msg("starting data-parallel run")
	return dist.Launch(ctx, cfg.Participants, func(ctx context.Context, rank int, g *dist.Group) error {
		return participant(ctx, cfg, log, enc, shard(trainSet, rank, g.Size()), testSet, rank, g)
	})
}

// participant builds one executor, optionally resumes it, trains, and lets
// rank 0 write the checkpoint.
func participant(ctx context.Context, cfg config, log zerolog.Logger, enc textencoding.Interface,
	trainSet, testSet *data.SliceLoader, rank int, g *dist.Group) error {
	adam := optim.DefaultAdamConfig()
	adam.LearnRate = cfg.LearnRate

	var weights model.WeightSource
	if cfg.BackboneWeights != "" {
		weights = model.FileWeights(cfg.BackboneWeights)
	}

	ex, err := train.New(ctx, train.Config{
		TrainLoader:     trainSet,
		TestLoader:      testSet,
		Labels:          data.MultiHot,
		Classes:         cfg.Classes,
		TestEvery:       cfg.TestEvery,
		Distributed:     g != nil,
		Group:           g,
		Device:          rank,
		Encoder:         enc,
		Prompt:          cfg.Prompt,
		Model:           cfg.modelConfig(),
		BackboneWeights: weights,
		Adam:            adam,
		Logger:          log,
	})
	if err != nil {
		return errors.Wrap(err, "build executor")
	}
	defer ex.Close()

	start := 0
	if cfg.Resume != "" {
		if err := ex.Load(cfg.Resume); err != nil {
			return errors.Wrap(err, "resume")
		}
		start = ex.Scheduler().State().Epoch
	}
	if err := ex.Train(start, cfg.Epochs); err != nil {
		return err
	}
	if rank != 0 || cfg.Checkpoint == "" {
		return nil
	}
	return ex.Save(cfg.Checkpoint)
}

func loadEncoder(cfg config, log zerolog.Logger) (textencoding.Interface, error) {
	if cfg.TextModel == "hash" {
		log.Info().Int("dim", cfg.HashDim).Msg("using hash text encoder")
		return textembed.NewHashEncoder(cfg.HashDim), nil
	}
	enc, err := textembed.LoadEncoder(textembed.Config{ModelsDir: cfg.ModelsDir, ModelName: cfg.TextModel}, log)
	if err != nil {
		return nil, err
	}
	return &lockedEncoder{enc: enc}, nil
}

// lockedEncoder serializes Encode calls so participants can share one model.
type lockedEncoder struct {
	mu  sync.Mutex
	enc textencoding.Interface
}

func (l *lockedEncoder) Encode(ctx context.Context, text string, pooling int) (textencoding.Response, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enc.Encode(ctx, text, pooling)
}

// syntheticSplits generates one sample pool so train and test share the
// class templates, then cuts it into batches.
func syntheticSplits(cfg config) (*data.SliceLoader, *data.SliceLoader, error) {
	if cfg.BatchSize <= 0 || cfg.TrainSamples%cfg.BatchSize != 0 {
		return nil, nil, errors.Errorf("train samples (%d) must be a positive multiple of the batch size (%d)", cfg.TrainSamples, cfg.BatchSize)
	}
	videos, labels := data.Synthetic(data.SyntheticConfig{
		Samples:  cfg.TrainSamples + cfg.TestSamples,
		Classes:  len(cfg.Classes),
		Frames:   cfg.Frames,
		Channels: cfg.modelConfig().Backbone.Channels,
		Size:     cfg.ImageSize,
		Noise:    0.5,
		Seed:     cfg.Seed,
	})
	all, err := data.Split(videos, labels, cfg.BatchSize)
	if err != nil {
		return nil, nil, err
	}
	n := cfg.TrainSamples / cfg.BatchSize
	return &data.SliceLoader{Batches: all.Batches[:n]}, &data.SliceLoader{Batches: all.Batches[n:]}, nil
}

// shard keeps every size-th batch starting at rank.
func shard(l *data.SliceLoader, rank, size int) *data.SliceLoader {
	out := &data.SliceLoader{}
	for i, b := range l.Batches {
		if i%size == rank {
			out.Batches = append(out.Batches, b)
		}
	}
	return out
}
