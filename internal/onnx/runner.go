package onnx

import (
	"context"
	"fmt"

	ort "github.com/shota3506/onnxruntime-purego/onnxruntime"
)

// GraphRunner is the minimal contract the engine needs from a loaded graph.
// Tests substitute fake runners; production uses ORT-backed Runners.
type GraphRunner interface {
	Run(ctx context.Context, inputs map[string]*Tensor) (map[string]*Tensor, error)
	Name() string
	Close()
}

// RunnerConfig selects the ONNX Runtime shared library to load.
type RunnerConfig struct {
	LibraryPath string
	APIVersion  uint32
}

// Runner executes one manifest graph through an ONNX Runtime session. Each
// runner owns its runtime handle, environment and session, released together
// by Close.
type Runner struct {
	name    string
	runtime *ort.Runtime
	env     *ort.Env
	session *ort.Session
	meta    Graph
}

// NewRunner loads the graph described by meta into a fresh ORT session.
func NewRunner(meta Graph, cfg RunnerConfig) (*Runner, error) {
	if cfg.APIVersion == 0 {
		cfg.APIVersion = 23
	}

	runtime, err := ort.NewRuntime(cfg.LibraryPath, cfg.APIVersion)
	if err != nil {
		return nil, fmt.Errorf("ort runtime for %q: %w", meta.Name, err)
	}

	r := &Runner{name: meta.Name, runtime: runtime, meta: meta}

	r.env, err = runtime.NewEnv("vibevoice-"+meta.Name, ort.LoggingLevelWarning)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("ort env for %q: %w", meta.Name, err)
	}

	r.session, err = runtime.NewSession(r.env, meta.Path, nil)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("ort session for %q (%s): %w", meta.Name, meta.Path, err)
	}

	return r, nil
}

// Run feeds the named tensors through the session and converts every output
// back into an owned Tensor. Input and output ORT values live only for the
// duration of the call.
func (r *Runner) Run(ctx context.Context, inputs map[string]*Tensor) (map[string]*Tensor, error) {
	fed := make(ortValues, len(inputs))
	defer fed.closeAll()

	for name, t := range inputs {
		var v *ort.Value
		var err error
		switch data := t.Data().(type) {
		case []float32:
			v, err = ort.NewTensorValue(r.runtime, data, t.Shape())
		case []int64:
			v, err = ort.NewTensorValue(r.runtime, data, t.Shape())
		default:
			err = fmt.Errorf("unsupported tensor dtype %T", data)
		}
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", name, err)
		}
		fed[name] = v
	}

	produced, err := r.session.Run(ctx, fed)
	if err != nil {
		return nil, fmt.Errorf("run %q: %w", r.name, err)
	}
	defer ortValues(produced).closeAll()

	results := make(map[string]*Tensor, len(produced))
	for name, v := range produced {
		t, err := tensorFromValue(v)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", name, err)
		}
		results[name] = t
	}
	return results, nil
}

// Name reports the manifest graph name.
func (r *Runner) Name() string {
	return r.name
}

// Close releases the session, environment and runtime. Idempotent.
func (r *Runner) Close() {
	if r.session != nil {
		r.session.Close()
		r.session = nil
	}
	if r.env != nil {
		r.env.Close()
		r.env = nil
	}
	if r.runtime != nil {
		_ = r.runtime.Close()
		r.runtime = nil
	}
}

// tensorFromValue copies an ORT output into a Tensor, dispatching on the
// element type reported by the value itself.
func tensorFromValue(v *ort.Value) (*Tensor, error) {
	elemType, err := v.GetTensorElementType()
	if err != nil {
		return nil, fmt.Errorf("get element type: %w", err)
	}

	switch elemType {
	case ort.ONNXTensorElementDataTypeFloat:
		return readTensorAs[float32](v)
	case ort.ONNXTensorElementDataTypeInt64:
		return readTensorAs[int64](v)
	default:
		return nil, fmt.Errorf("unsupported ORT element type %d", elemType)
	}
}

func readTensorAs[T int64 | float32](v *ort.Value) (*Tensor, error) {
	data, shape, err := ort.GetTensorData[T](v)
	if err != nil {
		return nil, err
	}
	return NewTensor(data, shape)
}

type ortValues map[string]*ort.Value

func (m ortValues) closeAll() {
	for _, v := range m {
		if v != nil {
			v.Close()
		}
	}
}
