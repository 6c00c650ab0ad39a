// Package flight serves generations over Arrow Flight. A DoGet ticket carries the request;
// the stream carries one record per progress event with the image as PNG bytes.
package flight

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-naiad/internal/diffusion"
	"github.com/23skdu/longbow-naiad/internal/imageio"
)

// ActionCancel stops the running generation.
const ActionCancel = "cancel"

// MetaRequestID is the event schema metadata key holding the studio request id.
const MetaRequestID = "naiad.request_id"

const (
	colStage = iota
	colProgress
	colImage
	colError
)

func eventSchema(requestID string) *arrow.Schema {
	md := arrow.NewMetadata([]string{MetaRequestID}, []string{requestID})
	return arrow.NewSchema([]arrow.Field{
		{Name: "stage", Type: arrow.BinaryTypes.String},
		{Name: "progress", Type: arrow.PrimitiveTypes.Float64},
		{Name: "image_png", Type: arrow.BinaryTypes.Binary, Nullable: true},
		{Name: "error", Type: arrow.BinaryTypes.String, Nullable: true},
	}, &md)
}

// ticket is the JSON body of a DoGet ticket.
type ticket struct {
	Prompt        string   `json:"prompt"`
	AntiPrompt    string   `json:"anti_prompt,omitempty"`
	Seed          int64    `json:"seed"`
	Steps         int      `json:"steps"`
	GuidanceScale float32  `json:"guidance_scale"`
	Strength      *float32 `json:"strength,omitempty"`
	ImagePNG      []byte   `json:"image_png,omitempty"`
}

func encodeTicket(req diffusion.Request) ([]byte, error) {
	t := ticket{
		Prompt:        req.Prompt,
		AntiPrompt:    req.AntiPrompt,
		Seed:          req.Seed,
		Steps:         req.Steps,
		GuidanceScale: req.GuidanceScale,
		Strength:      req.Strength,
	}
	if req.Image != nil {
		b, err := imageio.EncodePNG(req.Image)
		if err != nil {
			return nil, err
		}
		t.ImagePNG = b
	}
	return json.Marshal(t)
}

func decodeTicket(b []byte) (diffusion.Request, error) {
	var t ticket
	if err := json.Unmarshal(b, &t); err != nil {
		return diffusion.Request{}, fmt.Errorf("decode ticket: %w", err)
	}
	req := diffusion.Request{
		Prompt:        t.Prompt,
		AntiPrompt:    t.AntiPrompt,
		Seed:          t.Seed,
		Steps:         t.Steps,
		GuidanceScale: t.GuidanceScale,
		Strength:      t.Strength,
	}
	if len(t.ImagePNG) > 0 {
		img, err := imageio.Decode(bytes.NewReader(t.ImagePNG))
		if err != nil {
			return diffusion.Request{}, fmt.Errorf("decode ticket image: %w", err)
		}
		req.Image = img
	}
	return req, nil
}

// eventRecord builds a one-row record for res. A non-nil err is carried in the error column.
func eventRecord(mem memory.Allocator, schema *arrow.Schema, res diffusion.Result, err error) (arrow.Record, error) {
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	b.Field(colStage).(*array.StringBuilder).Append(res.Stage)
	b.Field(colProgress).(*array.Float64Builder).Append(res.Progress)

	ib := b.Field(colImage).(*array.BinaryBuilder)
	if res.Image != nil {
		png, perr := imageio.EncodePNG(res.Image)
		if perr != nil {
			return nil, perr
		}
		ib.Append(png)
	} else {
		ib.AppendNull()
	}

	eb := b.Field(colError).(*array.StringBuilder)
	if err != nil {
		eb.Append(err.Error())
	} else {
		eb.AppendNull()
	}
	return b.NewRecord(), nil
}

// event is a decoded stream row.
type event struct {
	result diffusion.Result
	err    string
}

func decodeEvents(rec arrow.Record) ([]event, error) {
	stage := rec.Column(colStage).(*array.String)
	progress := rec.Column(colProgress).(*array.Float64)
	images := rec.Column(colImage).(*array.Binary)
	errs := rec.Column(colError).(*array.String)

	out := make([]event, rec.NumRows())
	for i := range out {
		out[i].result = diffusion.Result{Stage: stage.Value(i), Progress: progress.Value(i)}
		if images.IsValid(i) {
			img, err := imageio.Decode(bytes.NewReader(images.Value(i)))
			if err != nil {
				return nil, fmt.Errorf("decode event image: %w", err)
			}
			out[i].result.Image = toRGBA(img)
		}
		if errs.IsValid(i) {
			out[i].err = errs.Value(i)
		}
	}
	return out, nil
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	return imageio.Fit(img, b.Dx(), b.Dy())
}
