// Package weights reads per-parameter flat binaries from a weights directory.
//
// Each parameter lives in its own file, <name>.bin holding little-endian float16 values or
// <name>_fp32.bin holding float32 values. The file carries no header, so the caller supplies
// the expected shape and a size mismatch is reported as a configuration error.
package weights

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/23skdu/longbow-naiad/internal/logger"
	"github.com/23skdu/longbow-naiad/internal/tensor"
)

// ConfigurationError reports a missing or malformed model resource. It is fatal before any
// generation starts.
type ConfigurationError struct {
	Resource string
	Err      error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %v", e.Resource, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Store resolves parameter names to files under Dir.
type Store struct {
	Dir  string
	FP32 bool

	mu    sync.Mutex
	cache map[string]tensor.Data
}

func NewStore(dir string, fp32 bool) *Store {
	return &Store{Dir: dir, FP32: fp32, cache: make(map[string]tensor.Data)}
}

// DType is the on-disk element type of this store.
func (s *Store) DType() tensor.DType {
	if s.FP32 {
		return tensor.Float32
	}
	return tensor.Float16
}

// Path returns the file backing a parameter.
func (s *Store) Path(name string) string {
	if s.FP32 {
		return filepath.Join(s.Dir, name+"_fp32.bin")
	}
	return filepath.Join(s.Dir, name+".bin")
}

// Load reads a parameter of the given shape. Results are cached; callers must not mutate the
// returned bytes.
func (s *Store) Load(name string, shape ...int) (tensor.Data, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache == nil {
		s.cache = make(map[string]tensor.Data)
	}
	if t, ok := s.cache[name]; ok {
		if tensor.NumElements(t.Shape) != tensor.NumElements(shape) {
			return tensor.Data{}, &ConfigurationError{Resource: name, Err: fmt.Errorf("requested shape %v, loaded %v", shape, t.Shape)}
		}
		return t, nil
	}

	path := s.Path(name)
	raw, err := os.ReadFile(path)
	if err != nil {
		return tensor.Data{}, &ConfigurationError{Resource: path, Err: err}
	}
	dtype := s.DType()
	want := tensor.NumElements(shape) * dtype.Size()
	if len(raw) != want {
		return tensor.Data{}, &ConfigurationError{
			Resource: path,
			Err:      fmt.Errorf("size %d bytes, expected %d for shape %v %s", len(raw), want, shape, dtype),
		}
	}

	t := tensor.Data{Name: name, Shape: append([]int(nil), shape...), DType: dtype, Bytes: raw}
	s.cache[name] = t
	logger.Log.Debug("loaded weight", "name", name, "shape", shape, "dtype", dtype.String())
	return t, nil
}

// Float32s loads a parameter and widens it.
func (s *Store) Float32s(name string, shape ...int) ([]float32, error) {
	t, err := s.Load(name, shape...)
	if err != nil {
		return nil, err
	}
	return t.Float32s(), nil
}

// Write stores values for a parameter in this store's dtype, replacing any cached copy.
func (s *Store) Write(name string, values []float32) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("create weights dir: %w", err)
	}
	t := tensor.FromFloat32(name, s.DType(), []int{len(values)}, values)
	if err := os.WriteFile(s.Path(name), t.Bytes, 0o644); err != nil {
		return fmt.Errorf("write weight %s: %w", name, err)
	}
	s.mu.Lock()
	delete(s.cache, name)
	s.mu.Unlock()
	return nil
}

// Verify checks that every named parameter exists. It does not read the files.
func (s *Store) Verify(names []string) error {
	var missing []error
	for _, name := range names {
		path := s.Path(name)
		info, err := os.Stat(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			missing = append(missing, fmt.Errorf("%s: missing", filepath.Base(path)))
		case err != nil:
			missing = append(missing, err)
		case info.IsDir():
			missing = append(missing, fmt.Errorf("%s: is a directory", filepath.Base(path)))
		}
	}
	if len(missing) > 0 {
		return &ConfigurationError{Resource: s.Dir, Err: errors.Join(missing...)}
	}
	return nil
}

// Release drops cached parameters.
func (s *Store) Release() {
	s.mu.Lock()
	clear(s.cache)
	s.mu.Unlock()
}
