package train

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// formatElapsed renders d as HH:MM:SS, truncated to whole seconds.
func formatElapsed(d time.Duration) string {
	s := int(d.Seconds())
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, (s/60)%60, s%60)
}

// reporter prints progress for the coordinating participant only.
type reporter struct {
	log     zerolog.Logger
	enabled bool
}

func (r reporter) epoch(epoch int, elapsed time.Duration, loss float64) {
	if !r.enabled {
		return
	}
	r.log.Info().
		Int("epoch", epoch).
		Str("elapsed", formatElapsed(elapsed)).
		Float64("loss", loss).
		Msgf("Epoch [%d][%s] loss: %.4f", epoch, formatElapsed(elapsed), loss)
}

func (r reporter) metric(v float64) {
	if !r.enabled {
		return
	}
	r.log.Info().Float64("metric", v).Msgf("[INFO] Evaluation Metric: %.2f", v*100)
}
