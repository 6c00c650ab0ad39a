package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/23skdu/longbow-naiad/internal/metrics"
	"github.com/23skdu/longbow-naiad/internal/tensor"
)

// Binding maps input names to positions in an executable's compiled order.
type Binding struct {
	graph string
	slots []tensor.Slot
	index map[string]int
}

// Bind captures exe's input order. Duplicate slot names are rejected.
func Bind(exe Executable) (Binding, error) {
	slots := exe.Inputs()
	b := Binding{graph: exe.Name(), slots: slots, index: make(map[string]int, len(slots))}
	for i, s := range slots {
		if _, dup := b.index[s.Name]; dup {
			return Binding{}, &DeviceError{Op: "bind", Graph: b.graph, Err: fmt.Errorf("duplicate input slot %q", s.Name)}
		}
		b.index[s.Name] = i
	}
	return b, nil
}

// Names returns the bound input names in compiled order.
func (b Binding) Names() []string {
	out := make([]string, len(b.slots))
	for i, s := range b.slots {
		out[i] = s.Name
	}
	return out
}

// Has reports whether the executable declares an input called name.
func (b Binding) Has(name string) bool {
	_, ok := b.index[name]
	return ok
}

// Args orders named tensors into the executable's input order. Every slot must be supplied
// exactly once and match its declared shape and dtype.
func (b Binding) Args(in ...tensor.Data) ([]tensor.Data, error) {
	args := make([]tensor.Data, len(b.slots))
	set := make([]bool, len(b.slots))
	for _, t := range in {
		i, ok := b.index[t.Name]
		if !ok {
			return nil, &DeviceError{Op: "bind", Graph: b.graph, Err: fmt.Errorf("no input slot named %q", t.Name)}
		}
		if set[i] {
			return nil, &DeviceError{Op: "bind", Graph: b.graph, Err: fmt.Errorf("input %q supplied twice", t.Name)}
		}
		if err := t.Matches(b.slots[i]); err != nil {
			return nil, &DeviceError{Op: "bind", Graph: b.graph, Err: err}
		}
		args[i] = t
		set[i] = true
	}
	for i, ok := range set {
		if !ok {
			return nil, &DeviceError{Op: "bind", Graph: b.graph, Err: fmt.Errorf("input %q not supplied", b.slots[i].Name)}
		}
	}
	return args, nil
}

// Call binds the named inputs, runs exe and records timing.
func Call(ctx context.Context, exe Executable, b Binding, in ...tensor.Data) (Outputs, error) {
	args, err := b.Args(in...)
	if err != nil {
		metrics.RecordDeviceError("bind")
		return nil, err
	}
	start := time.Now()
	out, err := exe.Run(ctx, args)
	if err != nil {
		metrics.RecordDeviceError("run")
		var de *DeviceError
		if errors.As(err, &de) {
			return nil, err
		}
		return nil, &DeviceError{Op: "run", Graph: exe.Name(), Err: err}
	}
	metrics.RecordGraphRun(exe.Name(), time.Since(start))
	return Outputs(out), nil
}
