// Package host is the CPU reference implementation of engine.Engine.
package host

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/23skdu/longbow-naiad/internal/engine"
	"github.com/23skdu/longbow-naiad/internal/logger"
	"github.com/23skdu/longbow-naiad/internal/metrics"
	"github.com/23skdu/longbow-naiad/internal/tensor"
)

var errReleased = errors.New("executable released")

type Option func(*Engine)

// WithShuffledSlots makes every compiled executable report its inputs in a seeded random
// order, as some accelerator compilers do.
func WithShuffledSlots(seed int64) Option {
	return func(e *Engine) {
		e.shuffle = rand.New(rand.NewPCG(uint64(seed), 0x5eed))
	}
}

// WithMemoryLimit fails compilation once resident graphs would exceed limit bytes.
func WithMemoryLimit(limit int64) Option {
	return func(e *Engine) {
		e.limit = limit
	}
}

type Engine struct {
	mu      sync.Mutex
	inUse   int64
	limit   int64
	shuffle *rand.Rand
	live    map[string]int
}

func New(opts ...Option) *Engine {
	e := &Engine{live: make(map[string]int)}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Compile(ctx context.Context, g engine.Graph) (engine.Executable, error) {
	if err := ctx.Err(); err != nil {
		return nil, &engine.DeviceError{Op: "compile", Graph: g.Name, Err: err}
	}
	if g.Kernel == nil {
		return nil, &engine.DeviceError{Op: "compile", Graph: g.Name, Err: errors.New("graph has no kernel")}
	}
	seen := make(map[string]bool, len(g.Inputs))
	for _, s := range g.Inputs {
		if seen[s.Name] {
			return nil, &engine.DeviceError{Op: "compile", Graph: g.Name, Err: fmt.Errorf("duplicate input %q", s.Name)}
		}
		seen[s.Name] = true
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.limit > 0 && e.inUse+g.Bytes > e.limit {
		metrics.RecordDeviceError("compile")
		return nil, &engine.DeviceError{
			Op:    "compile",
			Graph: g.Name,
			Err:   fmt.Errorf("out of memory: %d in use, %d requested, limit %d", e.inUse, g.Bytes, e.limit),
		}
	}

	slots := append([]tensor.Slot(nil), g.Inputs...)
	if e.shuffle != nil {
		e.shuffle.Shuffle(len(slots), func(i, j int) { slots[i], slots[j] = slots[j], slots[i] })
	}
	e.inUse += g.Bytes
	e.live[g.Name]++
	metrics.RecordCompile(g.Name)
	metrics.RecordDeviceMemory(e.inUse)
	logger.Log.Debug("compiled graph", "graph", g.Name, "bytes", g.Bytes, "in_use", e.inUse)

	return &executable{engine: e, graph: g, slots: slots}, nil
}

func (e *Engine) release(g engine.Graph) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inUse -= g.Bytes
	if e.live[g.Name]--; e.live[g.Name] <= 0 {
		delete(e.live, g.Name)
	}
	metrics.RecordDeviceMemory(e.inUse)
	logger.Log.Debug("released graph", "graph", g.Name, "in_use", e.inUse)
}

func (e *Engine) MemoryInUse() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inUse
}

// Live returns how many executables of each graph are currently compiled.
func (e *Engine) Live() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int, len(e.live))
	for k, v := range e.live {
		out[k] = v
	}
	return out
}

// RandomNormal draws float32 standard normal values from a generator seeded only by seed.
func (e *Engine) RandomNormal(name string, shape []int, seed int64) tensor.Data {
	r := rand.New(rand.NewPCG(uint64(seed), 0x9e3779b97f4a7c15))
	v := make([]float32, tensor.NumElements(shape))
	for i := range v {
		v[i] = float32(r.NormFloat64())
	}
	return tensor.FromFloat32(name, tensor.Float32, shape, v)
}

func (e *Engine) Concat(ctx context.Context, parts []tensor.Data, axis int) (tensor.Data, error) {
	if err := ctx.Err(); err != nil {
		return tensor.Data{}, &engine.DeviceError{Op: "concat", Err: err}
	}
	name := ""
	if len(parts) > 0 {
		name = parts[0].Name
	}
	out, err := tensor.Concat(name, parts, axis)
	if err != nil {
		return tensor.Data{}, &engine.DeviceError{Op: "concat", Err: err}
	}
	return out, nil
}

func (e *Engine) Slice(ctx context.Context, t tensor.Data, axis, start, length int) (tensor.Data, error) {
	if err := ctx.Err(); err != nil {
		return tensor.Data{}, &engine.DeviceError{Op: "slice", Err: err}
	}
	out, err := tensor.Slice(t.Name, t, axis, start, length)
	if err != nil {
		return tensor.Data{}, &engine.DeviceError{Op: "slice", Err: err}
	}
	return out, nil
}

type executable struct {
	engine   *Engine
	graph    engine.Graph
	slots    []tensor.Slot
	released atomic.Bool
}

func (x *executable) Name() string { return x.graph.Name }

func (x *executable) Inputs() []tensor.Slot {
	return append([]tensor.Slot(nil), x.slots...)
}

func (x *executable) Run(ctx context.Context, inputs []tensor.Data) ([]tensor.Data, error) {
	if x.released.Load() {
		return nil, &engine.DeviceError{Op: "run", Graph: x.graph.Name, Err: errReleased}
	}
	if len(inputs) != len(x.slots) {
		return nil, &engine.DeviceError{
			Op:    "run",
			Graph: x.graph.Name,
			Err:   fmt.Errorf("got %d inputs, want %d", len(inputs), len(x.slots)),
		}
	}
	named := make(map[string]tensor.Data, len(inputs))
	for i, s := range x.slots {
		if err := inputs[i].Matches(s); err != nil {
			return nil, &engine.DeviceError{Op: "run", Graph: x.graph.Name, Err: err}
		}
		named[s.Name] = inputs[i].Named(s.Name)
	}
	if err := ctx.Err(); err != nil {
		return nil, &engine.DeviceError{Op: "run", Graph: x.graph.Name, Err: err}
	}

	out, err := x.graph.Kernel(ctx, named)
	if err != nil {
		return nil, &engine.DeviceError{Op: "run", Graph: x.graph.Name, Err: err}
	}
	for _, want := range x.graph.Outputs {
		got, ok := engine.Outputs(out).Get(want.Name)
		if !ok {
			return nil, &engine.DeviceError{Op: "run", Graph: x.graph.Name, Err: fmt.Errorf("kernel did not produce %q", want.Name)}
		}
		if err := got.Matches(want); err != nil {
			return nil, &engine.DeviceError{Op: "run", Graph: x.graph.Name, Err: err}
		}
	}
	return out, nil
}

// Release frees the executable. It is safe to call more than once.
func (x *executable) Release() {
	if x.released.CompareAndSwap(false, true) {
		x.engine.release(x.graph)
	}
}
