package diffusion

import (
	"context"

	"github.com/23skdu/longbow-naiad/internal/arch"
	"github.com/23skdu/longbow-naiad/internal/engine"
	"github.com/23skdu/longbow-naiad/internal/logger"
	"github.com/23skdu/longbow-naiad/internal/tensor"
)

// program is a compiled sub-graph together with the binding captured at compile time.
type program struct {
	exe  engine.Executable
	bind engine.Binding
}

func compileProgram(ctx context.Context, eng engine.Engine, p arch.Provider, id arch.GraphID, opts arch.Options) (*program, error) {
	g, err := p.Graph(ctx, id, opts)
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
	logger.Log.Debug("compiled", "graph", string(id), "batch", opts.Batch, "inputs", b.Names())
	return &program{exe: exe, bind: b}, nil
}

func (p *program) call(ctx context.Context, in ...tensor.Data) (engine.Outputs, error) {
	return engine.Call(ctx, p.exe, p.bind, in...)
}

// callOne runs the program and returns the single named output.
func (p *program) callOne(ctx context.Context, name string, in ...tensor.Data) (tensor.Data, error) {
	out, err := p.call(ctx, in...)
	if err != nil {
		return tensor.Data{}, err
	}
	return out.Must(p.exe.Name(), name)
}

// pick selects the tensors this program declares from a pool of named candidates. Later
// entries shadow earlier ones with the same name.
func (p *program) pick(pool []tensor.Data) []tensor.Data {
	args := make([]tensor.Data, 0, len(pool))
	for _, name := range p.bind.Names() {
		for i := len(pool) - 1; i >= 0; i-- {
			if pool[i].Name == name {
				args = append(args, pool[i])
				break
			}
		}
	}
	return args
}

func (p *program) release() {
	p.exe.Release()
}

func releaseProgram(p *program) { p.release() }
