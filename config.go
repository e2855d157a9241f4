package main

import (
	"os"
	"strconv"
	"strings"

	"vidclip/model"
)

// config is read from VIDCLIP_* environment variables.
type config struct {
	Epochs       int
	TestEvery    int
	Participants int
	BatchSize    int
	LearnRate    float64
	Seed         int64

	TextModel string
	ModelsDir string
	Prompt    string
	HashDim   int
	Classes   []string

	BackboneWeights string
	Checkpoint      string
	Resume          string

	TrainSamples int
	TestSamples  int
	Frames       int
	ImageSize    int
	PatchSize    int
	Hidden       int
	Heads        int
	Layers       int
	Debug        bool
}

func loadConfig() config {
	return config{
		Epochs:       getenvInt("VIDCLIP_EPOCHS", 20),
		TestEvery:    getenvInt("VIDCLIP_TEST_EVERY", 5),
		Participants: getenvInt("VIDCLIP_PARTICIPANTS", 1),
		BatchSize:    getenvInt("VIDCLIP_BATCH", 4),
		LearnRate:    getenvFloat("VIDCLIP_LR", 1e-5),
		Seed:         int64(getenvInt("VIDCLIP_SEED", 1)),

		TextModel: getenvStr("VIDCLIP_TEXT_MODEL", "hash"),
		ModelsDir: getenvStr("VIDCLIP_MODELS_DIR", "./models"),
		Prompt:    getenvStr("VIDCLIP_PROMPT", ""),
		HashDim:   getenvInt("VIDCLIP_HASH_DIM", 64),
		Classes:   getenvList("VIDCLIP_CLASSES", []string{"dribble", "pass", "shoot", "tackle", "header"}),

		BackboneWeights: getenvStr("VIDCLIP_BACKBONE_WEIGHTS", ""),
		Checkpoint:      getenvStr("VIDCLIP_CHECKPOINT", "./checkpoints/checkpoint.gob"),
		Resume:          getenvStr("VIDCLIP_RESUME", ""),

		TrainSamples: getenvInt("VIDCLIP_TRAIN_SAMPLES", 32),
		TestSamples:  getenvInt("VIDCLIP_TEST_SAMPLES", 8),
		Frames:       getenvInt("VIDCLIP_FRAMES", 4),
		ImageSize:    getenvInt("VIDCLIP_IMAGE_SIZE", 32),
		PatchSize:    getenvInt("VIDCLIP_PATCH_SIZE", 8),
		Hidden:       getenvInt("VIDCLIP_HIDDEN", 64),
		Heads:        getenvInt("VIDCLIP_HEADS", 4),
		Layers:       getenvInt("VIDCLIP_LAYERS", 2),
		Debug:        getenvInt("VIDCLIP_DEBUG", 0) != 0,
	}
}

// modelConfig scales the default architecture down to the configured size.
func (c config) modelConfig() model.Config {
	m := model.DefaultConfig()
	m.Seed = c.Seed
	m.Backbone.ImageSize = c.ImageSize
	m.Backbone.PatchSize = c.PatchSize
	m.Backbone.Hidden = c.Hidden
	m.Backbone.Heads = c.Heads
	m.Backbone.Layers = c.Layers
	m.Backbone.FeedForward = 4 * c.Hidden
	m.Transformer.EncoderLayers = c.Layers
	m.Transformer.DecoderLayers = c.Layers
	m.Transformer.FeedForward = 4 * c.Hidden
	return m
}

func getenvStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// getenvList splits a comma separated value, dropping empty items.
func getenvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
