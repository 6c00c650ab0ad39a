package tensor

import (
	"fmt"
	"math"
	"slices"
)

// Concat joins tensors of equal dtype along axis. All other dimensions must agree.
func Concat(name string, parts []Data, axis int) (Data, error) {
	if len(parts) == 0 {
		return Data{}, fmt.Errorf("concat %s: no inputs", name)
	}
	first := parts[0]
	if axis < 0 || axis >= len(first.Shape) {
		return Data{}, fmt.Errorf("concat %s: axis %d out of range for rank %d", name, axis, len(first.Shape))
	}
	shape := slices.Clone(first.Shape)
	shape[axis] = 0
	for _, p := range parts {
		if p.DType != first.DType || len(p.Shape) != len(first.Shape) {
			return Data{}, fmt.Errorf("concat %s: %s incompatible with %s", name, p, first)
		}
		for i := range p.Shape {
			if i != axis && p.Shape[i] != first.Shape[i] {
				return Data{}, fmt.Errorf("concat %s: %s incompatible with %s", name, p, first)
			}
		}
		shape[axis] += p.Shape[axis]
	}

	out := New(name, first.DType, shape...)
	outer := NumElements(shape[:axis])
	inner := NumElements(shape[axis+1:]) * first.DType.Size()
	off := 0
	for o := 0; o < outer; o++ {
		for _, p := range parts {
			n := p.Shape[axis] * inner
			copy(out.Bytes[off:off+n], p.Bytes[o*n:(o+1)*n])
			off += n
		}
	}
	return out, nil
}

// Slice returns length entries of t along axis starting at start.
func Slice(name string, t Data, axis, start, length int) (Data, error) {
	if axis < 0 || axis >= len(t.Shape) {
		return Data{}, fmt.Errorf("slice %s: axis %d out of range for rank %d", name, axis, len(t.Shape))
	}
	if start < 0 || length <= 0 || start+length > t.Shape[axis] {
		return Data{}, fmt.Errorf("slice %s: [%d:%d] out of range for dim %d", name, start, start+length, t.Shape[axis])
	}
	shape := slices.Clone(t.Shape)
	shape[axis] = length

	out := New(name, t.DType, shape...)
	outer := NumElements(t.Shape[:axis])
	inner := NumElements(t.Shape[axis+1:]) * t.DType.Size()
	src := t.Shape[axis] * inner
	n := length * inner
	for o := 0; o < outer; o++ {
		copy(out.Bytes[o*n:(o+1)*n], t.Bytes[o*src+start*inner:o*src+start*inner+n])
	}
	return out, nil
}

// Stats summarises values, skipping NaN and Inf entries for the moments.
type Stats struct {
	Max   float32
	Min   float32
	Mean  float32
	RMS   float32
	Zeros int
	NaNs  int
	Infs  int
}

func Summarize(data []float32) Stats {
	var s Stats
	var sum, sumSq float64
	seen := false
	for _, v := range data {
		if math.IsNaN(float64(v)) {
			s.NaNs++
			continue
		}
		if math.IsInf(float64(v), 0) {
			s.Infs++
			continue
		}
		if v == 0 {
			s.Zeros++
		}
		if !seen || v > s.Max {
			s.Max = v
		}
		if !seen || v < s.Min {
			s.Min = v
		}
		seen = true
		sum += float64(v)
		sumSq += float64(v) * float64(v)
	}
	if n := len(data) - s.NaNs - s.Infs; n > 0 {
		s.Mean = float32(sum / float64(n))
		s.RMS = float32(math.Sqrt(sumSq / float64(n)))
	}
	return s
}

// Finite reports whether the summary saw no NaN or Inf values.
func (s Stats) Finite() bool {
	return s.NaNs == 0 && s.Infs == 0
}
