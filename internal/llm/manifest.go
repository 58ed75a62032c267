package llm

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ManifestFile is the name of the manifest inside a WASM engine's model
// directory.
const ManifestFile = "engine.yaml"

// Manifest describes a WASM generation engine package.
type Manifest struct {
	Name         string            `yaml:"name"`
	Version      string            `yaml:"version"`
	Description  string            `yaml:"description,omitempty"`
	Module       string            `yaml:"module"`
	Entrypoint   string            `yaml:"entrypoint"`
	HostVersion  string            `yaml:"host_version"`
	SystemPrompt string            `yaml:"system_prompt,omitempty"`
	MaxTokens    int               `yaml:"max_tokens,omitempty"`
	Env          map[string]string `yaml:"env,omitempty"`
}

// LoadManifest reads a manifest from disk. A relative module path is
// resolved against the manifest's directory.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if m.Module != "" && !filepath.IsAbs(m.Module) {
		m.Module = filepath.Join(filepath.Dir(path), m.Module)
	}
	return m, nil
}

// ValidateManifest ensures the manifest contains the required fields.
func ValidateManifest(m Manifest) error {
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	if m.Version == "" {
		return fmt.Errorf("version is required")
	}
	if m.Module == "" {
		return fmt.Errorf("module is required")
	}
	if m.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}
	switch m.HostVersion {
	case "", "v1":
	default:
		return fmt.Errorf("host_version %q not supported", m.HostVersion)
	}
	if m.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must not be negative")
	}
	return nil
}
