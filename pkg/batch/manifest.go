// Package batch loads batch-analysis manifests and expands file selections.
//
// A manifest names the files to analyze, either explicitly or through glob
// patterns, plus the engine and submission flags shared by the whole batch.
// Jobs are still submitted one at a time: the service tracks a single active
// job per client.
package batch

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/histpath/histpath/pkg/analysis"
)

// Manifest describes one batch of analysis submissions.
type Manifest struct {
	// Engine applies to every file in the batch. Defaults to paddle.
	Engine string `yaml:"engine"`

	ExtractTextOnly bool `yaml:"extract_text_only"`

	// Visualization defaults to true when omitted.
	Visualization *bool `yaml:"visualization"`

	// Files are explicit paths, relative to the manifest location.
	Files []string `yaml:"files"`

	// Include are doublestar glob patterns, e.g. "scans/**/*.png".
	Include []string `yaml:"include"`

	// Exclude patterns are applied to include matches, not explicit files.
	Exclude []string `yaml:"exclude"`
}

// Load reads and validates a manifest from a YAML file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("manifest file not found: %s", path)
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	return &m, nil
}

// Validate checks field values without touching the filesystem.
func (m *Manifest) Validate() error {
	if m.Engine != "" {
		if _, err := analysis.ParseEngine(m.Engine); err != nil {
			return err
		}
	}
	if len(m.Files) == 0 && len(m.Include) == 0 {
		return fmt.Errorf("manifest selects no files (need files or include patterns)")
	}
	for _, p := range m.Include {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid include pattern: %s", p)
		}
	}
	for _, p := range m.Exclude {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid exclude pattern: %s", p)
		}
	}
	return nil
}

// EngineOrDefault returns the validated engine selection.
func (m *Manifest) EngineOrDefault() analysis.Engine {
	if m.Engine == "" {
		return analysis.EnginePaddle
	}
	e, _ := analysis.ParseEngine(m.Engine)
	return e
}

// VisualizationEnabled reports the effective visualization flag.
func (m *Manifest) VisualizationEnabled() bool {
	return m.Visualization == nil || *m.Visualization
}

// Expand resolves the manifest's file selection against baseDir (normally
// the manifest's directory). Explicit files must exist; include patterns may
// match nothing. The result is deduplicated and sorted.
func (m *Manifest) Expand(baseDir string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string

	add := func(p string) {
		p = filepath.Clean(p)
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}

	for _, f := range m.Files {
		p := f
		if !filepath.IsAbs(p) {
			p = filepath.Join(baseDir, p)
		}
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("manifest file not found: %s", f)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("manifest file is a directory: %s", f)
		}
		add(p)
	}

	for _, pattern := range m.Include {
		p := pattern
		if !filepath.IsAbs(p) {
			p = filepath.Join(baseDir, p)
		}
		matches, err := doublestar.FilepathGlob(p, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("expand pattern %s: %w", pattern, err)
		}
		for _, match := range matches {
			if m.excluded(baseDir, match) {
				continue
			}
			add(match)
		}
	}

	sort.Strings(out)
	return out, nil
}

func (m *Manifest) excluded(baseDir, path string) bool {
	rel, err := filepath.Rel(baseDir, path)
	if err != nil {
		rel = path
	}
	rel = filepath.ToSlash(rel)
	for _, pattern := range m.Exclude {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// ExpandGlobs resolves command-line glob arguments without a manifest.
// A literal path that exists is passed through as-is.
func ExpandGlobs(patterns []string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string

	for _, pattern := range patterns {
		if info, err := os.Stat(pattern); err == nil && !info.IsDir() {
			p := filepath.Clean(pattern)
			if _, ok := seen[p]; !ok {
				seen[p] = struct{}{}
				out = append(out, p)
			}
			continue
		}

		if !doublestar.ValidatePattern(filepath.ToSlash(pattern)) {
			return nil, fmt.Errorf("invalid glob pattern: %s", pattern)
		}
		matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("expand pattern %s: %w", pattern, err)
		}
		for _, match := range matches {
			p := filepath.Clean(match)
			if _, ok := seen[p]; !ok {
				seen[p] = struct{}{}
				out = append(out, p)
			}
		}
	}

	sort.Strings(out)
	return out, nil
}
