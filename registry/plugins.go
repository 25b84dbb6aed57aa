package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// PluginManifest is the on-disk description of declarative components.
// Executable component kinds cannot be loaded from manifests; those are
// registered in process by the embedding application.
type PluginManifest struct {
	Name       string            `yaml:"name"`
	Version    string            `yaml:"version"`
	Components []PluginComponent `yaml:"components"`
}

// PluginComponent is one named component inside a manifest.
type PluginComponent struct {
	Space Space          `yaml:"space"`
	Name  string         `yaml:"name"`
	Spec  map[string]any `yaml:"spec"`
}

// declarativeSpaces are the spaces whose components are pure data and can
// therefore come from a manifest file.
var declarativeSpaces = map[Space]bool{
	SpacePromptTemplate: true,
	SpaceChain:          true,
	SpaceWorkflow:       true,
}

// LoadPlugins reads every *.yaml manifest under dir and registers its
// components. When allowDynamic is false, manifests naming executable
// spaces are rejected outright.
func (r *Registry) LoadPlugins(dir string, allowDynamic bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read plugin directory: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		if err := r.loadManifest(path, allowDynamic); err != nil {
			return fmt.Errorf("plugin manifest %s: %w", name, err)
		}
	}

	return nil
}

func (r *Registry) loadManifest(path string, allowDynamic bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest PluginManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("failed to parse manifest: %w", err)
	}
	if manifest.Name == "" {
		return fmt.Errorf("manifest has no name")
	}

	for _, c := range manifest.Components {
		if !validSpaces[c.Space] {
			return fmt.Errorf("component %q names unknown space %q", c.Name, c.Space)
		}
		if !declarativeSpaces[c.Space] {
			if !allowDynamic {
				return fmt.Errorf("component %q in space %q requires dynamic loading, which is disabled", c.Name, c.Space)
			}
			return fmt.Errorf("component %q in space %q: dynamic code loading is not supported from manifests", c.Name, c.Space)
		}

		// Manifest registrations use the manifest name as the token so
		// reloading the same file is idempotent.
		spec := c.Spec
		err := r.RegisterFactory(c.Space, c.Name, manifest.Name, func() (any, error) {
			return spec, nil
		}, false)
		if err != nil {
			return err
		}
	}

	return nil
}
