package onnx

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// RuntimeInfo is the backend selector produced by capability detection.
// Detection runs once at engine startup; everything downstream consumes the
// typed result without further branching.
type RuntimeInfo struct {
	LibraryPath string
	Version     string
}

var versionPattern = regexp.MustCompile(`([0-9]+\.[0-9]+\.[0-9]+)`)

// DetectRuntime resolves the ONNX Runtime shared library. Resolution order:
// explicit config value, VIBEVOICE_ORT_LIB, ORT_LIBRARY_PATH, then common
// system install locations.
func DetectRuntime(libraryPath, version string) (RuntimeInfo, error) {
	path := libraryPath
	if path == "" {
		path = os.Getenv("VIBEVOICE_ORT_LIB")
	}
	if path == "" {
		path = os.Getenv("ORT_LIBRARY_PATH")
	}

	if path == "" {
		candidates := []string{
			"/usr/lib/libonnxruntime.so",
			"/usr/local/lib/libonnxruntime.so",
			"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
			"/opt/homebrew/lib/libonnxruntime.dylib",
			"C:/onnxruntime/lib/onnxruntime.dll",
		}
		for _, c := range candidates {
			if _, err := os.Stat(c); err == nil {
				path = c
				break
			}
		}
	}

	if path == "" {
		return RuntimeInfo{}, errors.New("unable to detect ONNX Runtime library path")
	}

	if _, err := os.Stat(path); err != nil {
		return RuntimeInfo{LibraryPath: path}, fmt.Errorf("onnx runtime library path check failed: %w", err)
	}

	if version == "" {
		version = os.Getenv("ORT_VERSION")
	}
	if version == "" {
		version = inferVersionFromPath(path)
	}
	if version == "" {
		version = "unknown"
	}

	return RuntimeInfo{LibraryPath: path, Version: version}, nil
}

func inferVersionFromPath(path string) string {
	name := filepath.Base(path)
	if m := versionPattern.FindStringSubmatch(name); len(m) == 2 {
		return m[1]
	}

	return ""
}
