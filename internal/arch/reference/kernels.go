package reference

import "math"

// Host kernels over NHWC float32 buffers.

// conv1x1 applies a pointwise convolution: w is [cin, cout] row-major, b may be nil.
func conv1x1(x []float32, cin int, w, b []float32, cout int) []float32 {
	pixels := len(x) / cin
	out := make([]float32, pixels*cout)
	for p := 0; p < pixels; p++ {
		src := x[p*cin : (p+1)*cin]
		dst := out[p*cout : (p+1)*cout]
		if b != nil {
			copy(dst, b)
		}
		for i, v := range src {
			row := w[i*cout : (i+1)*cout]
			for o := range dst {
				dst[o] += v * row[o]
			}
		}
	}
	return out
}

// matVec returns v·w for w of shape [len(v), n].
func matVec(v, w []float32, n int) []float32 {
	out := make([]float32, n)
	for i, x := range v {
		row := w[i*n : (i+1)*n]
		for o := range out {
			out[o] += x * row[o]
		}
	}
	return out
}

// avgPool downsamples by f in both spatial dimensions.
func avgPool(x []float32, n, h, w, c, f int) []float32 {
	oh, ow := h/f, w/f
	out := make([]float32, n*oh*ow*c)
	scale := 1 / float32(f*f)
	for b := 0; b < n; b++ {
		for y := 0; y < oh; y++ {
			for xx := 0; xx < ow; xx++ {
				dst := out[((b*oh+y)*ow+xx)*c:][:c]
				for dy := 0; dy < f; dy++ {
					for dx := 0; dx < f; dx++ {
						src := x[((b*h+y*f+dy)*w+xx*f+dx)*c:][:c]
						for k := range dst {
							dst[k] += src[k]
						}
					}
				}
				for k := range dst {
					dst[k] *= scale
				}
			}
		}
	}
	return out
}

// upsampleNearest repeats every pixel f times in both spatial dimensions.
func upsampleNearest(x []float32, n, h, w, c, f int) []float32 {
	oh, ow := h*f, w*f
	out := make([]float32, n*oh*ow*c)
	for b := 0; b < n; b++ {
		for y := 0; y < oh; y++ {
			for xx := 0; xx < ow; xx++ {
				copy(out[((b*oh+y)*ow+xx)*c:][:c], x[((b*h+y/f)*w+xx/f)*c:][:c])
			}
		}
	}
	return out
}

func silu(x float32) float32 {
	return x / (1 + float32(math.Exp(float64(-x))))
}

func tanh(x float32) float32 {
	return float32(math.Tanh(float64(x)))
}

// addChannels adds a per-channel vector to every pixel of one batch entry.
func addChannels(x []float32, v []float32, scale float32) {
	c := len(v)
	for p := 0; p < len(x)/c; p++ {
		px := x[p*c : (p+1)*c]
		for k := range px {
			px[k] += scale * v[k]
		}
	}
}
