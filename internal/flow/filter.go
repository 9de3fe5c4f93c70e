package flow

import (
	"math"
	"math/cmplx"
)

// butter designs an order-n low-pass Butterworth filter with cutoff fc Hz
// at sample rate fs Hz using the bilinear transform. The coefficients are
// in z^-1 form with a[0] == 1 and unit gain at DC.
func butter(n int, fc, fs float64) (b, a []float64) {
	warped := 2 * fs * math.Tan(math.Pi*fc/fs)
	twoFs := complex(2*fs, 0)
	poles := make([]complex128, n)
	for k := 0; k < n; k++ {
		theta := math.Pi * float64(2*k+n+1) / float64(2*n)
		p := complex(warped, 0) * cmplx.Exp(complex(0, theta))
		poles[k] = (twoFs + p) / (twoFs - p)
	}
	a = realPoly(poles)

	b = make([]float64, n+1)
	b[0] = 1
	for k := 1; k <= n; k++ {
		b[k] = b[k-1] * float64(n-k+1) / float64(k)
	}
	var sa, sb float64
	for i := range a {
		sa += a[i]
		sb += b[i]
	}
	for i := range b {
		b[i] *= sa / sb
	}
	return b, a
}

// realPoly expands prod(1 - r z^-1) over roots that come in conjugate
// pairs, returning the real coefficients.
func realPoly(roots []complex128) []float64 {
	c := []complex128{1}
	for _, r := range roots {
		next := make([]complex128, len(c)+1)
		for i, v := range c {
			next[i] += v
			next[i+1] -= v * r
		}
		c = next
	}
	out := make([]float64, len(c))
	for i, v := range c {
		out[i] = real(v)
	}
	return out
}

// lfilter applies the filter in transposed direct form II starting from
// state zi, which it does not modify.
func lfilter(b, a, x, zi []float64) []float64 {
	n := len(a) - 1
	z := append([]float64(nil), zi...)
	y := make([]float64, len(x))
	for i, xi := range x {
		yi := b[0]*xi + z[0]
		for j := 1; j < n; j++ {
			z[j-1] = b[j]*xi + z[j] - a[j]*yi
		}
		z[n-1] = b[n]*xi - a[n]*yi
		y[i] = yi
	}
	return y
}

// lfilterZI returns the state for which a constant unit input produces a
// constant output from the first sample.
func lfilterZI(b, a []float64) []float64 {
	n := len(a) - 1
	m := make([][]float64, n)
	rhs := make([]float64, n)
	for i := 0; i < n; i++ {
		m[i] = make([]float64, n)
		m[i][i] = 1
		m[i][0] += a[i+1]
		if i+1 < n {
			m[i][i+1] -= 1
		}
		rhs[i] = b[i+1] - a[i+1]*b[0]
	}
	return solve(m, rhs)
}

// solve runs Gaussian elimination with partial pivoting. m and rhs are
// overwritten.
func solve(m [][]float64, rhs []float64) []float64 {
	n := len(rhs)
	for col := 0; col < n; col++ {
		pivot := col
		for r := col + 1; r < n; r++ {
			if math.Abs(m[r][col]) > math.Abs(m[pivot][col]) {
				pivot = r
			}
		}
		m[col], m[pivot] = m[pivot], m[col]
		rhs[col], rhs[pivot] = rhs[pivot], rhs[col]
		for r := col + 1; r < n; r++ {
			f := m[r][col] / m[col][col]
			for c := col; c < n; c++ {
				m[r][c] -= f * m[col][c]
			}
			rhs[r] -= f * rhs[col]
		}
	}
	x := make([]float64, n)
	for r := n - 1; r >= 0; r-- {
		s := rhs[r]
		for c := r + 1; c < n; c++ {
			s -= m[r][c] * x[c]
		}
		x[r] = s / m[r][r]
	}
	return x
}

// filtfilt runs the filter forward then backward over an odd extension of
// x, giving zero phase shift. Inputs no longer than the padding are
// returned unfiltered.
func filtfilt(b, a, x []float64) []float64 {
	pad := 3 * len(a)
	if len(x) <= pad {
		return append([]float64(nil), x...)
	}
	n := len(x)
	ext := make([]float64, 0, n+2*pad)
	for i := pad; i >= 1; i-- {
		ext = append(ext, 2*x[0]-x[i])
	}
	ext = append(ext, x...)
	for i := n - 2; i >= n-1-pad; i-- {
		ext = append(ext, 2*x[n-1]-x[i])
	}

	zi := lfilterZI(b, a)
	scaled := func(v float64) []float64 {
		out := make([]float64, len(zi))
		for i := range zi {
			out[i] = zi[i] * v
		}
		return out
	}
	y := lfilter(b, a, ext, scaled(ext[0]))
	reverse(y)
	y = lfilter(b, a, y, scaled(y[0]))
	reverse(y)
	return y[pad : pad+n]
}

func reverse(v []float64) {
	for i, j := 0, len(v)-1; i < j; i, j = i+1, j-1 {
		v[i], v[j] = v[j], v[i]
	}
}

// resample linearly interpolates (ts, v) onto a uniform grid with the
// given step starting at ts[0]. ts must be strictly increasing.
func resample(ts []int64, v []float64, step int64) ([]int64, []float64) {
	if len(ts) == 0 || step <= 0 {
		return nil, nil
	}
	last := ts[len(ts)-1]
	count := int((last-ts[0])/step) + 1
	gridTs := make([]int64, 0, count)
	gridV := make([]float64, 0, count)
	j := 0
	for t := ts[0]; t <= last; t += step {
		for j+1 < len(ts) && ts[j+1] < t {
			j++
		}
		if j+1 >= len(ts) || t <= ts[j] {
			gridTs = append(gridTs, t)
			gridV = append(gridV, v[j])
			continue
		}
		frac := float64(t-ts[j]) / float64(ts[j+1]-ts[j])
		gridTs = append(gridTs, t)
		gridV = append(gridV, v[j]+frac*(v[j+1]-v[j]))
	}
	return gridTs, gridV
}
