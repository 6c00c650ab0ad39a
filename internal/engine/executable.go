// Package engine defines the tensor execution engine the pipeline runs sub-graphs on.
//
// A Graph is compiled once into an Executable. Executables declare named input slots and may
// report them in any order; callers bind arguments by name through a Binding captured once
// per executable and never rely on declaration order.
package engine

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-naiad/internal/tensor"
)

// Kernel computes a graph's outputs from its named inputs on the host.
type Kernel func(ctx context.Context, in map[string]tensor.Data) ([]tensor.Data, error)

// Graph is a compilable sub-graph description.
type Graph struct {
	Name    string
	Inputs  []tensor.Slot
	Outputs []tensor.Slot
	Kernel  Kernel
	// Bytes is the resident size of the compiled graph, mostly parameters.
	Bytes int64
}

// Executable is a compiled graph.
type Executable interface {
	Name() string
	// Inputs lists the input slots in the order Run expects them.
	Inputs() []tensor.Slot
	Run(ctx context.Context, inputs []tensor.Data) ([]tensor.Data, error)
	Release()
}

// Engine compiles graphs and provides the few host-side primitives the pipeline needs.
type Engine interface {
	Compile(ctx context.Context, g Graph) (Executable, error)
	// RandomNormal returns standard normal noise. The same seed always yields the same values.
	RandomNormal(name string, shape []int, seed int64) tensor.Data
	Concat(ctx context.Context, parts []tensor.Data, axis int) (tensor.Data, error)
	Slice(ctx context.Context, t tensor.Data, axis, start, length int) (tensor.Data, error)
	MemoryInUse() int64
}

// DeviceError wraps a failure of an engine operation on a graph.
type DeviceError struct {
	Op    string
	Graph string
	Err   error
}

func (e *DeviceError) Error() string {
	if e.Graph == "" {
		return fmt.Sprintf("device %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("device %s %s: %v", e.Op, e.Graph, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Outputs is the result list of one Run, addressable by tensor name.
type Outputs []tensor.Data

// Get returns the output with the given name.
func (o Outputs) Get(name string) (tensor.Data, bool) {
	for _, t := range o {
		if t.Name == name {
			return t, true
		}
	}
	return tensor.Data{}, false
}

// Must returns the named output or a DeviceError naming the missing tensor.
func (o Outputs) Must(graph, name string) (tensor.Data, error) {
	t, ok := o.Get(name)
	if !ok {
		return tensor.Data{}, &DeviceError{Op: "output", Graph: graph, Err: fmt.Errorf("no output named %q", name)}
	}
	return t, nil
}
