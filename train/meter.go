package train

// AverageMeter keeps a sample-weighted running average.
type AverageMeter struct {
	Sum   float64
	Count int
}

// Update adds value measured over n samples.
func (m *AverageMeter) Update(value float64, n int) {
	m.Sum += value * float64(n)
	m.Count += n
}

// Avg is the running average, 0 before the first update.
func (m *AverageMeter) Avg() float64 {
	if m.Count == 0 {
		return 0
	}
	return m.Sum / float64(m.Count)
}

// Reset clears the meter.
func (m *AverageMeter) Reset() { *m = AverageMeter{} }
