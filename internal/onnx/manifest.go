package onnx

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// NodeInfo describes one named graph input or output as recorded in the
// artifact manifest.
type NodeInfo struct {
	Name  string `json:"name"`
	DType string `json:"dtype"`
	Shape []any  `json:"shape"`
}

// Graph is one resolved entry from the artifact manifest.
type Graph struct {
	Name string
	Path string

	Inputs  []NodeInfo
	Outputs []NodeInfo
}

// Manifest is the fixed, versioned inventory of exported ONNX graphs.
// Every graph the engine needs must be named here; there is no runtime
// probing for alternate graph or tensor names.
type Manifest struct {
	version int
	graphs  map[string]Graph
	order   []string
}

type manifestFile struct {
	Version int             `json:"version"`
	Graphs  []manifestGraph `json:"graphs"`
}

type manifestGraph struct {
	Name     string     `json:"name"`
	Filename string     `json:"filename"`
	Inputs   []NodeInfo `json:"inputs"`
	Outputs  []NodeInfo `json:"outputs"`
}

// ManifestVersion is the only artifact manifest layout this build understands.
const ManifestVersion = 1

// LoadManifest reads and validates manifest.json. Graph filenames are
// resolved relative to the manifest directory and must exist on disk.
func LoadManifest(manifestPath string) (*Manifest, error) {
	if manifestPath == "" {
		return nil, errors.New("manifest path is required")
	}

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("read artifact manifest: %w", err)
	}

	var file manifestFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode artifact manifest: %w", err)
	}

	if file.Version != ManifestVersion {
		return nil, fmt.Errorf("artifact manifest version %d, want %d", file.Version, ManifestVersion)
	}
	if len(file.Graphs) == 0 {
		return nil, errors.New("artifact manifest has no graphs")
	}

	baseDir := filepath.Dir(manifestPath)
	m := &Manifest{
		version: file.Version,
		graphs:  make(map[string]Graph, len(file.Graphs)),
		order:   make([]string, 0, len(file.Graphs)),
	}

	for _, g := range file.Graphs {
		if g.Name == "" {
			return nil, errors.New("manifest graph has empty name")
		}
		if g.Filename == "" {
			return nil, fmt.Errorf("manifest graph %q has empty filename", g.Name)
		}
		if _, exists := m.graphs[g.Name]; exists {
			return nil, fmt.Errorf("duplicate graph name %q in manifest", g.Name)
		}

		graphPath := g.Filename
		if !filepath.IsAbs(graphPath) {
			graphPath = filepath.Join(baseDir, g.Filename)
		}
		graphPath = filepath.Clean(graphPath)
		if _, err := os.Stat(graphPath); err != nil {
			return nil, fmt.Errorf("graph file for %q: %w", g.Name, err)
		}

		for _, n := range append(append([]NodeInfo(nil), g.Inputs...), g.Outputs...) {
			if n.DType == "" {
				continue
			}
			if _, err := CanonicalDType(n.DType); err != nil {
				return nil, fmt.Errorf("graph %q node %q: %w", g.Name, n.Name, err)
			}
		}

		m.graphs[g.Name] = Graph{
			Name:    g.Name,
			Path:    graphPath,
			Inputs:  append([]NodeInfo(nil), g.Inputs...),
			Outputs: append([]NodeInfo(nil), g.Outputs...),
		}
		m.order = append(m.order, g.Name)

		slog.Debug("manifest graph",
			"name", g.Name,
			"path", graphPath,
			"inputs", nodeNames(g.Inputs),
			"outputs", nodeNames(g.Outputs),
		)
	}

	return m, nil
}

// Graph looks up a graph by manifest name.
func (m *Manifest) Graph(name string) (Graph, bool) {
	g, ok := m.graphs[name]
	return g, ok
}

// Names returns the graph names in manifest order.
func (m *Manifest) Names() []string {
	return append([]string(nil), m.order...)
}

// RequireGraphs fails if any of the named graphs is absent from the
// manifest. Load-time validation keeps missing artifacts from surfacing as
// mid-generation errors.
func (m *Manifest) RequireGraphs(names ...string) error {
	var missing []string
	for _, name := range names {
		if _, ok := m.graphs[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("artifact manifest is missing graphs: %s", strings.Join(missing, ", "))
	}
	return nil
}

func nodeNames(nodes []NodeInfo) string {
	names := make([]string, 0, len(nodes))
	for _, n := range nodes {
		names = append(names, n.Name)
	}
	return strings.Join(names, ",")
}
