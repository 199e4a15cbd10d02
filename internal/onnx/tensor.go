// Package onnx provides the tensor type, graph runner, and artifact
// manifest used to execute the exported VibeVoice ONNX graphs.
package onnx

import (
	"fmt"
	"math"
	"strings"
)

type TensorDType string

const (
	DTypeFloat32 TensorDType = "float32"
	DTypeInt64   TensorDType = "int64"
)

// Tensor is a dense tensor with an explicit dtype tag. The backing slice is
// owned by the tensor; accessors return copies.
type Tensor struct {
	dtype TensorDType
	shape []int64
	data  any
}

func NewTensor[T ~int64 | ~float32](data []T, shape []int64) (*Tensor, error) {
	var zero T
	var dtype TensorDType
	switch any(zero).(type) {
	case int64:
		dtype = DTypeInt64
	case float32:
		dtype = DTypeFloat32
	}
	count, err := ElementCount(shape)
	if err != nil {
		return nil, err
	}
	if count != len(data) {
		return nil, fmt.Errorf("shape %v expects %d elements, got %d", shape, count, len(data))
	}

	t := &Tensor{
		dtype: dtype,
		shape: append([]int64(nil), shape...),
	}
	switch dtype {
	case DTypeFloat32:
		converted := make([]float32, len(data))
		for i, v := range data {
			converted[i] = float32(v)
		}
		t.data = converted
	case DTypeInt64:
		converted := make([]int64, len(data))
		for i, v := range data {
			converted[i] = int64(v)
		}
		t.data = converted
	}
	return t, nil
}

// NewZeroTensor allocates a zero-filled tensor of the given dtype and shape.
func NewZeroTensor(dtype TensorDType, shape []int64) (*Tensor, error) {
	count, err := ElementCount(shape)
	if err != nil {
		return nil, err
	}
	switch dtype {
	case DTypeFloat32:
		return NewTensor(make([]float32, count), shape)
	case DTypeInt64:
		return NewTensor(make([]int64, count), shape)
	default:
		return nil, fmt.Errorf("unsupported tensor dtype %q", dtype)
	}
}

func (t *Tensor) DType() TensorDType {
	return t.dtype
}

func (t *Tensor) Shape() []int64 {
	return append([]int64(nil), t.shape...)
}

// Len returns the total element count.
func (t *Tensor) Len() int {
	n, _ := ElementCount(t.shape)
	return n
}

// Data returns a copy of the backing slice as []float32 or []int64.
func (t *Tensor) Data() any {
	switch v := t.data.(type) {
	case []float32:
		return append([]float32(nil), v...)
	case []int64:
		return append([]int64(nil), v...)
	default:
		return nil
	}
}

// Float32s returns a copy of the data, failing if the dtype is not float32.
func (t *Tensor) Float32s() ([]float32, error) {
	data, ok := t.data.([]float32)
	if !ok {
		return nil, fmt.Errorf("expected float32 tensor, got %s", t.dtype)
	}
	return append([]float32(nil), data...), nil
}

// Int64s returns a copy of the data, failing if the dtype is not int64.
func (t *Tensor) Int64s() ([]int64, error) {
	data, ok := t.data.([]int64)
	if !ok {
		return nil, fmt.Errorf("expected int64 tensor, got %s", t.dtype)
	}
	return append([]int64(nil), data...), nil
}

// Clone returns a deep copy with freshly allocated backing storage.
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{
		dtype: t.dtype,
		shape: append([]int64(nil), t.shape...),
	}
	switch v := t.data.(type) {
	case []float32:
		out.data = append([]float32(nil), v...)
	case []int64:
		out.data = append([]int64(nil), v...)
	}
	return out
}

// CanonicalDType normalizes dtype spellings found in artifact manifests,
// including the ORT "tensor(float)" form.
func CanonicalDType(raw string) (TensorDType, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.TrimPrefix(normalized, "tensor(")
	normalized = strings.TrimSuffix(normalized, ")")
	switch normalized {
	case "float", "float32":
		return DTypeFloat32, nil
	case "int64", "long":
		return DTypeInt64, nil
	default:
		return "", fmt.Errorf("unsupported tensor dtype %q", raw)
	}
}

// ElementCount returns the product of the shape dimensions. A rank-0 shape
// counts as one element.
func ElementCount(shape []int64) (int, error) {
	count := int64(1)
	for i, dim := range shape {
		if dim < 1 {
			return 0, fmt.Errorf("shape[%d]=%d is not positive", i, dim)
		}
		if count > math.MaxInt64/dim {
			return 0, fmt.Errorf("shape %v overflows element count", shape)
		}
		count *= dim
	}
	if count > int64(math.MaxInt) {
		return 0, fmt.Errorf("shape %v exceeds platform int capacity", shape)
	}
	return int(count), nil
}
