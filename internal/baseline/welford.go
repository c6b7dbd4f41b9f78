package baseline

import "math"

// welford keeps a running mean and sum of squared deviations that supports both
// adding and removing observations in O(1).
type welford struct {
	count int
	mean  float64
	m2    float64
}

func (w *welford) add(x float64) {
	w.count++
	delta := x - w.mean
	w.mean += delta / float64(w.count)
	delta2 := x - w.mean
	w.m2 += delta * delta2
}

// remove reverses add for a value that is currently part of the window.
func (w *welford) remove(x float64) {
	if w.count <= 1 {
		*w = welford{}
		return
	}
	w.count--
	delta := x - w.mean
	w.mean -= delta / float64(w.count)
	w.m2 -= delta * (x - w.mean)
	if w.m2 < 0 {
		w.m2 = 0
	}
}

// variance is the population variance of the current window.
func (w *welford) variance() float64 {
	if w.count < 2 {
		return 0
	}
	return w.m2 / float64(w.count)
}

func (w *welford) stddev() float64 {
	return math.Sqrt(w.variance())
}
