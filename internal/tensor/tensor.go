// Package tensor holds the typed, shaped buffers exchanged with the execution engine.
package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"

	"github.com/x448/float16"
)

type DType int

const (
	Float16 DType = iota
	Float32
	Int32
	Uint8
)

// Size is the width of one element in bytes.
func (d DType) Size() int {
	switch d {
	case Float16:
		return 2
	case Float32, Int32:
		return 4
	case Uint8:
		return 1
	}
	return 0
}

func (d DType) String() string {
	switch d {
	case Float16:
		return "f16"
	case Float32:
		return "f32"
	case Int32:
		return "i32"
	case Uint8:
		return "u8"
	}
	return fmt.Sprintf("dtype(%d)", int(d))
}

// Slot is a declared executable input: a stable name plus the shape and type it accepts.
type Slot struct {
	Name  string
	Shape []int
	DType DType
}

func (s Slot) String() string {
	return fmt.Sprintf("%s%v:%s", s.Name, s.Shape, s.DType)
}

// Data is a host-visible tensor. Bytes are little-endian, row-major.
type Data struct {
	Name  string
	Shape []int
	DType DType
	Bytes []byte
}

func NumElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// New returns a zeroed tensor.
func New(name string, dtype DType, shape ...int) Data {
	return Data{
		Name:  name,
		Shape: slices.Clone(shape),
		DType: dtype,
		Bytes: make([]byte, NumElements(shape)*dtype.Size()),
	}
}

// FromFloat32 stores v in the requested floating dtype.
func FromFloat32(name string, dtype DType, shape []int, v []float32) Data {
	d := New(name, dtype, shape...)
	d.SetFloat32s(v)
	return d
}

func FromInt32(name string, shape []int, v []int32) Data {
	d := New(name, Int32, shape...)
	for i, x := range v {
		binary.LittleEndian.PutUint32(d.Bytes[i*4:], uint32(x))
	}
	return d
}

func FromUint8(name string, shape []int, v []byte) Data {
	return Data{Name: name, Shape: slices.Clone(shape), DType: Uint8, Bytes: slices.Clone(v)}
}

func (d Data) Len() int {
	return NumElements(d.Shape)
}

// Named returns a shallow copy of d carrying a different name.
func (d Data) Named(name string) Data {
	d.Name = name
	return d
}

// Float32s widens any dtype to float32.
func (d Data) Float32s() []float32 {
	n := d.Len()
	out := make([]float32, n)
	switch d.DType {
	case Float16:
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(d.Bytes[i*2:])).Float32()
		}
	case Float32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(d.Bytes[i*4:]))
		}
	case Int32:
		for i := range out {
			out[i] = float32(int32(binary.LittleEndian.Uint32(d.Bytes[i*4:])))
		}
	case Uint8:
		for i := range out {
			out[i] = float32(d.Bytes[i])
		}
	}
	return out
}

// SetFloat32s narrows v into d's dtype. Integer dtypes round to nearest.
func (d Data) SetFloat32s(v []float32) {
	switch d.DType {
	case Float16:
		for i, x := range v {
			binary.LittleEndian.PutUint16(d.Bytes[i*2:], float16.Fromfloat32(x).Bits())
		}
	case Float32:
		for i, x := range v {
			binary.LittleEndian.PutUint32(d.Bytes[i*4:], math.Float32bits(x))
		}
	case Int32:
		for i, x := range v {
			binary.LittleEndian.PutUint32(d.Bytes[i*4:], uint32(int32(math.Round(float64(x)))))
		}
	case Uint8:
		for i, x := range v {
			d.Bytes[i] = uint8(math.Round(float64(x)))
		}
	}
}

func (d Data) Int32s() []int32 {
	if d.DType != Int32 {
		f := d.Float32s()
		out := make([]int32, len(f))
		for i, x := range f {
			out[i] = int32(x)
		}
		return out
	}
	out := make([]int32, d.Len())
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(d.Bytes[i*4:]))
	}
	return out
}

// Matches reports whether d can be fed to slot s.
func (d Data) Matches(s Slot) error {
	if d.DType != s.DType {
		return fmt.Errorf("slot %s: dtype %s, want %s", s.Name, d.DType, s.DType)
	}
	if !slices.Equal(d.Shape, s.Shape) {
		return fmt.Errorf("slot %s: shape %v, want %v", s.Name, d.Shape, s.Shape)
	}
	if len(d.Bytes) != d.Len()*d.DType.Size() {
		return fmt.Errorf("slot %s: %d bytes for %d elements of %s", s.Name, len(d.Bytes), d.Len(), d.DType)
	}
	return nil
}

func (d Data) String() string {
	return fmt.Sprintf("%s%v:%s", d.Name, d.Shape, d.DType)
}
