// Package trace records the denoising loop of each generation as an Arrow IPC file: one
// row per step with latent statistics and the latent values themselves.
package trace

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"

	"github.com/23skdu/longbow-naiad/internal/config"
	"github.com/23skdu/longbow-naiad/internal/diffusion"
	"github.com/23skdu/longbow-naiad/internal/logger"
)

// Column order of the step schema.
const (
	colStep = iota
	colTimestep
	colDuration
	colMax
	colMin
	colMean
	colRMS
	colNaNs
	colInfs
	colLatent
)

// Schema metadata keys.
const (
	MetaPrompt   = "naiad.prompt"
	MetaAnti     = "naiad.anti_prompt"
	MetaSeed     = "naiad.seed"
	MetaSteps    = "naiad.steps"
	MetaGuidance = "naiad.guidance_scale"
	MetaTier     = "naiad.tier"
)

func stepFields() []arrow.Field {
	return []arrow.Field{
		{Name: "step", Type: arrow.PrimitiveTypes.Int32},
		{Name: "timestep", Type: arrow.PrimitiveTypes.Int32},
		{Name: "duration_ms", Type: arrow.PrimitiveTypes.Float64},
		{Name: "max", Type: arrow.PrimitiveTypes.Float32},
		{Name: "min", Type: arrow.PrimitiveTypes.Float32},
		{Name: "mean", Type: arrow.PrimitiveTypes.Float32},
		{Name: "rms", Type: arrow.PrimitiveTypes.Float32},
		{Name: "nans", Type: arrow.PrimitiveTypes.Int32},
		{Name: "infs", Type: arrow.PrimitiveTypes.Int32},
		{Name: "latent", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
	}
}

// Writer opens one trace file per generation under Dir.
type Writer struct {
	Dir string
	mem memory.Allocator
}

func New(dir string) (*Writer, error) {
	return NewWithAllocator(dir, memory.NewGoAllocator())
}

func NewWithAllocator(dir string, mem memory.Allocator) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("trace dir: %w", err)
	}
	return &Writer{Dir: dir, mem: mem}, nil
}

// Trace starts a file named after the seed and a fresh id.
func (w *Writer) Trace(req diffusion.Request, tier config.Tier) (diffusion.StepSink, error) {
	name := fmt.Sprintf("seed%d-%s.arrow", req.Seed, uuid.NewString())
	path := filepath.Join(w.Dir, name)

	md := arrow.NewMetadata(
		[]string{MetaPrompt, MetaAnti, MetaSeed, MetaSteps, MetaGuidance, MetaTier},
		[]string{
			req.Prompt,
			req.AntiPrompt,
			strconv.FormatInt(req.Seed, 10),
			strconv.Itoa(req.Steps),
			strconv.FormatFloat(float64(req.GuidanceScale), 'g', -1, 32),
			string(tier),
		},
	)
	schema := arrow.NewSchema(stepFields(), &md)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create trace: %w", err)
	}
	fw, err := ipc.NewFileWriter(f, ipc.WithSchema(schema), ipc.WithAllocator(w.mem))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open trace writer: %w", err)
	}
	logger.Log.Debug("step trace opened", "path", path)
	return &sink{
		path: path,
		file: f,
		fw:   fw,
		b:    array.NewRecordBuilder(w.mem, schema),
	}, nil
}

// sink writes each step as its own record batch so an interrupted generation still leaves
// a readable file once closed.
type sink struct {
	mu   sync.Mutex
	path string
	file *os.File
	fw   *ipc.FileWriter
	b    *array.RecordBuilder
	rows int
}

func (s *sink) Record(r diffusion.StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.b.Field(colStep).(*array.Int32Builder).Append(int32(r.Index))
	s.b.Field(colTimestep).(*array.Int32Builder).Append(int32(r.Timestep))
	s.b.Field(colDuration).(*array.Float64Builder).Append(float64(r.Duration) / float64(time.Millisecond))
	s.b.Field(colMax).(*array.Float32Builder).Append(r.Stats.Max)
	s.b.Field(colMin).(*array.Float32Builder).Append(r.Stats.Min)
	s.b.Field(colMean).(*array.Float32Builder).Append(r.Stats.Mean)
	s.b.Field(colRMS).(*array.Float32Builder).Append(r.Stats.RMS)
	s.b.Field(colNaNs).(*array.Int32Builder).Append(int32(r.Stats.NaNs))
	s.b.Field(colInfs).(*array.Int32Builder).Append(int32(r.Stats.Infs))

	lb := s.b.Field(colLatent).(*array.ListBuilder)
	lb.Append(true)
	lb.ValueBuilder().(*array.Float32Builder).AppendValues(r.Latent.Float32s(), nil)

	rec := s.b.NewRecord()
	defer rec.Release()
	if err := s.fw.Write(rec); err != nil {
		return fmt.Errorf("write trace step %d: %w", r.Index, err)
	}
	s.rows++
	return nil
}

func (s *sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.b.Release()

	err := s.fw.Close()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("close trace: %w", err)
	}
	logger.Log.Info("step trace written", "path", s.path, "steps", s.rows)
	return nil
}
