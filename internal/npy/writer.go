package npy

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strings"
)

// WriteFile writes a float32 tensor as a version 1.0 .npy file. The npyio
// reader only needs C-ordered '<f4' payloads, which is all presets use, but
// the writer emits the full header so files round-trip through NumPy.
// Used by preset export tooling and test fixtures.
func WriteFile(path string, t *Tensor) error {
	count := 1
	dims := make([]string, len(t.Shape))
	for i, dim := range t.Shape {
		if dim < 1 {
			return fmt.Errorf("shape[%d]=%d is not positive", i, dim)
		}
		count *= int(dim)
		dims[i] = fmt.Sprintf("%d", dim)
	}
	if count != len(t.Data) {
		return fmt.Errorf("shape %v expects %d elements, got %d", t.Shape, count, len(t.Data))
	}

	// NumPy spells a 1-tuple "(n,)" and an empty tuple "()".
	shapeRepr := "(" + strings.Join(dims, ", ") + ")"
	if len(dims) == 1 {
		shapeRepr = "(" + dims[0] + ",)"
	}

	header := fmt.Sprintf("{'descr': '<f4', 'fortran_order': False, 'shape': %s, }", shapeRepr)
	// Total header (magic + version + length + dict + padding) must be a
	// multiple of 64 bytes, terminated by a newline.
	unpadded := 6 + 2 + 2 + len(header) + 1
	padding := (64 - unpadded%64) % 64
	header += strings.Repeat(" ", padding) + "\n"
	if len(header) > math.MaxUint16 {
		return fmt.Errorf("npy header of %d bytes exceeds version 1.0 limit", len(header))
	}

	buf := make([]byte, 0, 10+len(header)+len(t.Data)*4)
	buf = append(buf, "\x93NUMPY"...)
	buf = append(buf, 1, 0)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(header)))
	buf = append(buf, header...)
	for _, v := range t.Data {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}

	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("write npy file: %w", err)
	}
	return nil
}
