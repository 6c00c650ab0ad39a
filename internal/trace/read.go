package trace

import (
	"fmt"
	"os"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-naiad/internal/tensor"
)

// Step is one decoded trace row.
type Step struct {
	Index    int
	Timestep int
	Duration time.Duration
	Stats    tensor.Stats
	Latent   []float32
}

// File is a decoded trace: the generation parameters and its steps in order.
type File struct {
	Metadata map[string]string
	Steps    []Step
}

// Read decodes a trace file written by Writer.
func Read(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("open trace %s: %w", path, err)
	}
	defer r.Close()

	out := &File{Metadata: make(map[string]string)}
	md := r.Schema().Metadata()
	for i, k := range md.Keys() {
		out.Metadata[k] = md.Values()[i]
	}
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			return nil, fmt.Errorf("read trace batch %d: %w", i, err)
		}
		out.Steps = append(out.Steps, decodeRows(rec)...)
	}
	return out, nil
}

func decodeRows(rec arrow.Record) []Step {
	step := rec.Column(colStep).(*array.Int32)
	ts := rec.Column(colTimestep).(*array.Int32)
	dur := rec.Column(colDuration).(*array.Float64)
	mx := rec.Column(colMax).(*array.Float32)
	mn := rec.Column(colMin).(*array.Float32)
	mean := rec.Column(colMean).(*array.Float32)
	rms := rec.Column(colRMS).(*array.Float32)
	nans := rec.Column(colNaNs).(*array.Int32)
	infs := rec.Column(colInfs).(*array.Int32)
	latent := rec.Column(colLatent).(*array.List)
	values := latent.ListValues().(*array.Float32)

	rows := make([]Step, rec.NumRows())
	for i := range rows {
		start, end := latent.ValueOffsets(i)
		rows[i] = Step{
			Index:    int(step.Value(i)),
			Timestep: int(ts.Value(i)),
			Duration: time.Duration(dur.Value(i) * float64(time.Millisecond)),
			Stats: tensor.Stats{
				Max:  mx.Value(i),
				Min:  mn.Value(i),
				Mean: mean.Value(i),
				RMS:  rms.Value(i),
				NaNs: int(nans.Value(i)),
				Infs: int(infs.Value(i)),
			},
			Latent: append([]float32(nil), values.Float32Values()[start:end]...),
		}
	}
	return rows
}
