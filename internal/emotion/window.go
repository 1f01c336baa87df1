package emotion

import "sync"

// Window is a bounded FIFO of recent samples used for temporal smoothing.
type Window struct {
	mu      sync.Mutex
	samples []Sample
	size    int
}

// NewWindow creates a window holding at most size samples.
func NewWindow(size int) *Window {
	if size < 1 {
		size = 1
	}
	return &Window{size: size, samples: make([]Sample, 0, size)}
}

// Add appends s, evicting the oldest sample when full, and returns the
// stable label for the window's new contents.
func (w *Window) Add(s Sample, threshold float64) (Label, float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.samples) == w.size {
		copy(w.samples, w.samples[1:])
		w.samples = w.samples[:w.size-1]
	}
	w.samples = append(w.samples, s)
	return stable(w.samples, threshold)
}

// Len returns the number of samples held.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.samples)
}

// stable returns the label with the highest mean confidence (ties go to the
// label seen first) and that mean. A mean below threshold reports Neutral.
func stable(samples []Sample, threshold float64) (Label, float64) {
	if len(samples) == 0 {
		return Neutral, 0
	}

	type agg struct {
		sum   float64
		count int
	}
	var order []Label
	byLabel := make(map[Label]*agg)
	for _, s := range samples {
		a, ok := byLabel[s.Label]
		if !ok {
			a = &agg{}
			byLabel[s.Label] = a
			order = append(order, s.Label)
		}
		a.sum += s.Confidence
		a.count++
	}

	best := order[0]
	bestMean := -1.0
	for _, l := range order {
		a := byLabel[l]
		if mean := a.sum / float64(a.count); mean > bestMean {
			best, bestMean = l, mean
		}
	}

	if bestMean < threshold {
		return Neutral, bestMean
	}
	return best, bestMean
}
