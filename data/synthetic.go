package data

import (
	"math/rand"

	"gorgonia.org/tensor"
)

// SyntheticConfig shapes a generated multi-label video set.
type SyntheticConfig struct {
	Samples    int
	Classes    int
	Frames     int
	Channels   int
	Size       int
	Noise      float64
	Seed       int64
	ActiveProb float64
}

// Synthetic builds videos where every class owns a fixed random template
// clip; a sample is the sum of the templates of its active classes plus
// gaussian noise. At least one class is active per sample. Labels are
// multi-hot (Samples, Classes).
func Synthetic(cfg SyntheticConfig) (videos, labels *tensor.Dense) {
	rng := rand.New(rand.NewSource(cfg.Seed))
	clip := cfg.Frames * cfg.Channels * cfg.Size * cfg.Size
	if cfg.ActiveProb <= 0 {
		cfg.ActiveProb = 0.3
	}

	templates := make([][]float32, cfg.Classes)
	for k := range templates {
		templates[k] = make([]float32, clip)
		for i := range templates[k] {
			templates[k][i] = float32(rng.NormFloat64())
		}
	}

	v := make([]float32, cfg.Samples*clip)
	y := make([]float32, cfg.Samples*cfg.Classes)
	for s := 0; s < cfg.Samples; s++ {
		active := 0
		for k := 0; k < cfg.Classes; k++ {
			if rng.Float64() < cfg.ActiveProb {
				y[s*cfg.Classes+k] = 1
				active++
			}
		}
		if active == 0 {
			y[s*cfg.Classes+rng.Intn(cfg.Classes)] = 1
		}
		out := v[s*clip : (s+1)*clip]
		for k := 0; k < cfg.Classes; k++ {
			if y[s*cfg.Classes+k] == 0 {
				continue
			}
			for i, t := range templates[k] {
				out[i] += t
			}
		}
		for i := range out {
			out[i] += float32(rng.NormFloat64() * cfg.Noise)
		}
	}

	videos = tensor.New(tensor.WithShape(cfg.Samples, cfg.Frames, cfg.Channels, cfg.Size, cfg.Size), tensor.WithBacking(v))
	labels = tensor.New(tensor.WithShape(cfg.Samples, cfg.Classes), tensor.WithBacking(y))
	return videos, labels
}
