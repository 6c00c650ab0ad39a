package scheduler

import (
	"context"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-naiad/internal/arch"
	"github.com/23skdu/longbow-naiad/internal/arch/reference"
	"github.com/23skdu/longbow-naiad/internal/engine/host"
	"github.com/23skdu/longbow-naiad/internal/weights"
)

func TestNew(t *testing.T) {
	s, err := New(28)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.StepSize != 35 {
		t.Errorf("expected step size 35, got %d", s.StepSize)
	}
	if len(s.Grid) != 28 {
		t.Fatalf("expected 28 timesteps, got %d", len(s.Grid))
	}
	if !slices.Equal(s.Grid[:3], []int{1, 36, 71}) {
		t.Errorf("unexpected grid prefix %v", s.Grid[:3])
	}
	for i := 1; i < len(s.Grid); i++ {
		if s.Grid[i] <= s.Grid[i-1] {
			t.Fatalf("grid not strictly increasing at %d: %v", i, s.Grid)
		}
	}
}

func TestTimeStepsReversedPrefix(t *testing.T) {
	s, _ := New(4)
	half := float32(0.5)
	tests := map[string]struct {
		strength *float32
		want     []int
	}{
		"text to image": {nil, []int{751, 501, 251, 1}},
		"half strength": {&half, []int{251, 1}},
	}
	for name, tt := range tests {
		if diff := cmp.Diff(tt.want, s.TimeSteps(tt.strength)); diff != "" {
			t.Errorf("%s: TimeSteps mismatch (-want +got):\n%s", name, diff)
		}
	}
}

func TestNewInvalid(t *testing.T) {
	for _, steps := range []int{0, -3, 1001} {
		if _, err := New(steps); err == nil {
			t.Errorf("expected error for %d steps", steps)
		}
	}
}

func TestTimeSteps(t *testing.T) {
	s, _ := New(28)
	half := float32(0.5)
	zero := float32(0)
	one := float32(1)

	tests := []struct {
		name     string
		strength *float32
		wantLen  int
	}{
		{"full", nil, 28},
		{"half", &half, 14},
		{"zero", &zero, 0},
		{"one", &one, 28},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := s.TimeSteps(tt.strength)
			if len(ts) != tt.wantLen {
				t.Fatalf("expected %d timesteps, got %d", tt.wantLen, len(ts))
			}
			for i := 1; i < len(ts); i++ {
				if ts[i] >= ts[i-1] {
					t.Fatalf("timesteps not decreasing: %v", ts)
				}
			}
		})
	}

	ts := s.TimeSteps(&half)
	if ts[0] != s.Grid[13] || ts[len(ts)-1] != 1 {
		t.Errorf("unexpected half schedule %v", ts)
	}
}

func TestStartIndex(t *testing.T) {
	s, _ := New(10)
	tests := []struct {
		strength float32
		want     int
	}{
		{0, 0},
		{0.35, 3},
		{0.99, 9},
		{1, 9},
	}
	for _, tt := range tests {
		if got := s.StartIndex(tt.strength); got != tt.want {
			t.Errorf("StartIndex(%v) = %d, want %d", tt.strength, got, tt.want)
		}
	}
}

func TestAlphas(t *testing.T) {
	a := Alphas(reference.ScaledLinearAlphas(TrainSteps, 0.00085, 0.012))
	assert.InDelta(t, 1-0.00085, a.At(0), 1e-6)
	assert.Equal(t, a.At(999), a.At(5000))
	assert.Equal(t, a.At(0), a.At(-4))
	for i := 1; i < len(a); i++ {
		require.Less(t, a[i], a[i-1])
	}
	sa, sb := a.Sqrt(500)
	assert.InDelta(t, 1, sa*sa+sb*sb, 1e-5)
}

func TestTimeEmbedder(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, reference.GenerateWeights(dir, reference.DefaultDims(), 1, false))
	store := weights.NewStore(dir, false)
	p, err := reference.Open(store)
	require.NoError(t, err)

	alphas, err := LoadAlphas(store)
	require.NoError(t, err)
	assert.Len(t, alphas, TrainSteps)

	eng := host.New()
	te, err := NewTimeEmbedder(context.Background(), eng, p, arch.Options{Batch: 1, LatentHeight: 4, LatentWidth: 4})
	require.NoError(t, err)
	defer te.Release()

	f0, err := te.Feature(context.Background(), 1)
	require.NoError(t, err)
	f1, err := te.Feature(context.Background(), 981)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2 * reference.DefaultDims().TimeCoefficients}, f0.Shape)
	assert.NotEqual(t, f0.Float32s(), f1.Float32s())
}
