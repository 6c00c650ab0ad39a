package tensor

import (
	"math"
	"slices"
	"testing"
)

func TestFloat16RoundTrip(t *testing.T) {
	values := []float32{0, 1, -1, 0.5, 0.18215, 65504, -2.25}
	d := FromFloat32("x", Float16, []int{len(values)}, values)
	if len(d.Bytes) != len(values)*2 {
		t.Fatalf("expected %d bytes, got %d", len(values)*2, len(d.Bytes))
	}
	got := d.Float32s()
	for i, v := range values {
		if diff := math.Abs(float64(got[i] - v)); diff > 1e-3*math.Max(1, math.Abs(float64(v))) {
			t.Errorf("value %d: expected %v, got %v", i, v, got[i])
		}
	}
}

func TestInt32AndUint8(t *testing.T) {
	ids := FromInt32("tokens", []int{2, 3}, []int32{49406, 1, -7, 0, 49407, 3})
	if !slices.Equal(ids.Int32s(), []int32{49406, 1, -7, 0, 49407, 3}) {
		t.Errorf("int32 round trip failed: %v", ids.Int32s())
	}

	px := FromUint8("px", []int{1, 1, 4}, []byte{0, 128, 255, 7})
	if f := px.Float32s(); f[2] != 255 {
		t.Errorf("expected 255, got %v", f[2])
	}
	px.SetFloat32s([]float32{1.4, 1.6, 254.5, 0})
	if !slices.Equal(px.Bytes, []byte{1, 2, 255, 0}) {
		t.Errorf("unexpected rounding: %v", px.Bytes)
	}
}

func TestMatches(t *testing.T) {
	d := New("latent", Float32, 1, 8, 8, 4)
	tests := []struct {
		name    string
		slot    Slot
		wantErr bool
	}{
		{"exact", Slot{Name: "latent", Shape: []int{1, 8, 8, 4}, DType: Float32}, false},
		{"dtype", Slot{Name: "latent", Shape: []int{1, 8, 8, 4}, DType: Float16}, true},
		{"shape", Slot{Name: "latent", Shape: []int{2, 8, 8, 4}, DType: Float32}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := d.Matches(tt.slot); (err != nil) != tt.wantErr {
				t.Errorf("Matches() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConcatSliceInverse(t *testing.T) {
	a := FromFloat32("a", Float32, []int{1, 2, 3}, []float32{1, 2, 3, 4, 5, 6})
	b := FromFloat32("b", Float32, []int{1, 2, 3}, []float32{7, 8, 9, 10, 11, 12})

	cat, err := Concat("ab", []Data{a, b}, 0)
	if err != nil {
		t.Fatalf("Concat: %v", err)
	}
	if !slices.Equal(cat.Shape, []int{2, 2, 3}) {
		t.Fatalf("unexpected shape %v", cat.Shape)
	}

	for i, want := range []Data{a, b} {
		part, err := Slice("part", cat, 0, i, 1)
		if err != nil {
			t.Fatalf("Slice: %v", err)
		}
		if !slices.Equal(part.Float32s(), want.Float32s()) {
			t.Errorf("part %d: expected %v, got %v", i, want.Float32s(), part.Float32s())
		}
	}
}

func TestConcatInnerAxis(t *testing.T) {
	a := FromFloat32("a", Float32, []int{2, 1}, []float32{1, 2})
	b := FromFloat32("b", Float32, []int{2, 2}, []float32{3, 4, 5, 6})

	cat, err := Concat("ab", []Data{a, b}, 1)
	if err != nil {
		t.Fatalf("Concat: %v", err)
	}
	if want := []float32{1, 3, 4, 2, 5, 6}; !slices.Equal(cat.Float32s(), want) {
		t.Errorf("expected %v, got %v", want, cat.Float32s())
	}

	if _, err := Concat("bad", []Data{a, b}, 0); err == nil {
		t.Error("expected mismatch error on axis 0")
	}
	if _, err := Slice("bad", b, 1, 1, 2); err == nil {
		t.Error("expected out of range slice error")
	}
}

func TestSummarize(t *testing.T) {
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))
	s := Summarize([]float32{nan, -2, 0, 2, inf})

	if s.NaNs != 1 || s.Infs != 1 || s.Zeros != 1 {
		t.Errorf("unexpected counts: %+v", s)
	}
	if s.Max != 2 || s.Min != -2 || s.Mean != 0 {
		t.Errorf("unexpected moments: %+v", s)
	}
	if s.Finite() {
		t.Error("expected non-finite summary")
	}
}
