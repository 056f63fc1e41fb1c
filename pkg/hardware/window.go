// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package hardware

// DefaultWindowSize is the number of readings each bag is smoothed over
const DefaultWindowSize = 10

// Window is a fixed-capacity FIFO of recent readings
type Window struct {
	size   int
	values []float64
}

// NewWindow creates a window holding at most size readings
func NewWindow(size int) *Window {
	if size < 1 {
		size = 1
	}
	return &Window{size: size, values: make([]float64, 0, size)}
}

// Push appends a reading, evicting the oldest when full, and returns the new mean
func (w *Window) Push(v float64) float64 {
	if len(w.values) == w.size {
		copy(w.values, w.values[1:])
		w.values = w.values[:w.size-1]
	}
	w.values = append(w.values, v)
	return w.Mean()
}

// Mean returns the arithmetic mean of the window, 0 when empty
func (w *Window) Mean() float64 {
	if len(w.values) == 0 {
		return 0
	}
	sum := 0.
	for _, v := range w.values {
		sum += v
	}
	return sum / float64(len(w.values))
}

// Len returns the number of readings held
func (w *Window) Len() int {
	return len(w.values)
}

// Values returns a copy of the readings, oldest first
func (w *Window) Values() []float64 {
	return append([]float64(nil), w.values...)
}

// Reset empties the window
func (w *Window) Reset() {
	w.values = w.values[:0]
}
