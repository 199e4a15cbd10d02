// Package npy reads and writes NumPy .npy tensor files. Voice presets and
// auxiliary model tensors are distributed in this format.
package npy

import (
	"fmt"
	"os"

	"github.com/sbinet/npyio"
)

// Tensor is a float32 tensor loaded from a .npy file.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// ReadFile loads a little-endian float32 .npy file and returns its data and
// shape. Fortran-ordered files are rejected.
func ReadFile(path string) (*Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open npy file: %w", err)
	}
	defer f.Close()

	r, err := npyio.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("parse npy header %q: %w", path, err)
	}

	if r.Header.Descr.Fortran {
		return nil, fmt.Errorf("npy file %q is Fortran-ordered", path)
	}

	var data []float32
	if err := r.Read(&data); err != nil {
		return nil, fmt.Errorf("read npy data %q: %w", path, err)
	}

	shape := make([]int64, len(r.Header.Descr.Shape))
	count := 1
	for i, dim := range r.Header.Descr.Shape {
		if dim < 1 {
			return nil, fmt.Errorf("npy file %q has non-positive dim %d", path, dim)
		}
		shape[i] = int64(dim)
		count *= dim
	}
	if count != len(data) {
		return nil, fmt.Errorf("npy file %q: shape %v expects %d elements, got %d", path, shape, count, len(data))
	}

	return &Tensor{Shape: shape, Data: data}, nil
}

// ReadFileWithShape loads a .npy file and verifies its shape exactly.
func ReadFileWithShape(path string, want []int64) (*Tensor, error) {
	t, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(t.Shape) != len(want) {
		return nil, fmt.Errorf("npy file %q: rank %d, want %d", path, len(t.Shape), len(want))
	}
	for i := range want {
		if t.Shape[i] != want[i] {
			return nil, fmt.Errorf("npy file %q: shape %v, want %v", path, t.Shape, want)
		}
	}
	return t, nil
}
