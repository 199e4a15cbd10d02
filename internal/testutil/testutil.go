// Package testutil provides shared skip helpers and assertions for tests.
//
// Each skip helper calls t.Skip with a human-readable reason when the named
// prerequisite is absent, so integration tests remain runnable in partial
// environments without failing noisily.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// RequireONNXRuntime skips the test if no ONNX Runtime shared library can
// be located. It checks (in order): the VIBEVOICE_ORT_LIB env var, then
// ORT_LIBRARY_PATH, then common system library paths.
func RequireONNXRuntime(tb testing.TB) {
	tb.Helper()

	for _, env := range []string{"VIBEVOICE_ORT_LIB", "ORT_LIBRARY_PATH"} {
		if p := os.Getenv(env); p != "" {
			if _, err := os.Stat(p); err == nil {
				return
			}
			tb.Skipf("ONNX Runtime library not found at %s=%q", env, p)
		}
	}
	candidates := []string{
		"/usr/lib/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.so",
		"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return
		}
	}

	tb.Skip("ONNX Runtime shared library not found; set VIBEVOICE_ORT_LIB or ORT_LIBRARY_PATH")
}

// RequireModelDir skips the test if the models directory with a
// manifest.json is not present at the given path.
func RequireModelDir(tb testing.TB, dir string) {
	tb.Helper()

	if _, err := os.Stat(filepath.Join(dir, "manifest.json")); err != nil {
		tb.Skipf("model manifest not available at %q: %v", dir, err)
	}
}
