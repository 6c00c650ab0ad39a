// Package scheduler builds the discrete timestep grid and the noise schedule used by the
// denoising loop.
package scheduler

import (
	"context"
	"fmt"
	"math"

	"github.com/23skdu/longbow-naiad/internal/arch"
	"github.com/23skdu/longbow-naiad/internal/engine"
	"github.com/23skdu/longbow-naiad/internal/tensor"
	"github.com/23skdu/longbow-naiad/internal/weights"
)

// TrainSteps is the length of the training noise schedule.
const TrainSteps = 1000

type Schedule struct {
	Steps    int
	StepSize int
	// Grid is strictly increasing: 1, 1+StepSize, ...
	Grid []int
}

func New(steps int) (Schedule, error) {
	if steps < 1 || steps > TrainSteps {
		return Schedule{}, fmt.Errorf("invalid steps: %d (must be 1..%d)", steps, TrainSteps)
	}
	s := Schedule{Steps: steps, StepSize: TrainSteps / steps, Grid: make([]int, steps)}
	for i := range s.Grid {
		s.Grid[i] = 1 + i*s.StepSize
	}
	return s, nil
}

// StartIndex is the grid position an input image is noised to: floor(Steps*strength),
// clamped to the last grid entry.
func (s Schedule) StartIndex(strength float32) int {
	i := int(float32(s.Steps) * strength)
	return max(0, min(i, s.Steps-1))
}

// TimeSteps returns the timesteps to visit, highest first. With a strength only the
// first floor(Steps*strength) grid entries are used.
func (s Schedule) TimeSteps(strength *float32) []int {
	n := s.Steps
	if strength != nil {
		n = max(0, min(int(float32(s.Steps)*(*strength)), s.Steps))
	}
	out := make([]int, n)
	for i := range out {
		out[i] = s.Grid[n-1-i]
	}
	return out
}

// Alphas is the cumulative product of (1 - beta) over the training schedule.
type Alphas []float32

// LoadAlphas reads the alphas_cumprod table from a weights store.
func LoadAlphas(store *weights.Store) (Alphas, error) {
	v, err := store.Float32s("alphas_cumprod", TrainSteps)
	if err != nil {
		return nil, err
	}
	return Alphas(v), nil
}

// At returns alpha_cumprod for t, clamping t to the table.
func (a Alphas) At(t int) float32 {
	return a[max(0, min(t, len(a)-1))]
}

// Sqrt returns sqrt(alpha) and sqrt(1 - alpha) at t.
func (a Alphas) Sqrt(t int) (float32, float32) {
	v := float64(a.At(t))
	return float32(math.Sqrt(v)), float32(math.Sqrt(1 - v))
}

// TimeEmbedder turns a timestep into the denoiser's time feature.
type TimeEmbedder struct {
	exe  engine.Executable
	bind engine.Binding
}

func NewTimeEmbedder(ctx context.Context, eng engine.Engine, p arch.Provider, opts arch.Options) (*TimeEmbedder, error) {
	g, err := p.Graph(ctx, arch.TimeEmbed, opts)
	if err != nil {
		return nil, err
	}
	exe, err := eng.Compile(ctx, g)
	if err != nil {
		return nil, err
	}
	b, err := engine.Bind(exe)
	if err != nil {
		exe.Release()
		return nil, err
	}
	return &TimeEmbedder{exe: exe, bind: b}, nil
}

func (e *TimeEmbedder) Feature(ctx context.Context, t int) (tensor.Data, error) {
	out, err := engine.Call(ctx, e.exe, e.bind, tensor.FromInt32(arch.Timestep, []int{1}, []int32{int32(t)}))
	if err != nil {
		return tensor.Data{}, err
	}
	return out.Must(e.exe.Name(), arch.Temb)
}

func (e *TimeEmbedder) Release() {
	e.exe.Release()
}
