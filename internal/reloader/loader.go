package reloader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultConfigNames are the config filenames probed under the root, in
// order. The JS names are kept for compatibility with existing projects;
// their content is consumed as JSON.
var DefaultConfigNames = []string{
	"fortistate.config.json",
	"fortistate.config.js",
	"fortistate.config.mjs",
}

// Preset is a named value from the preset catalog.
type Preset struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Value       json.RawMessage `json:"value"`
	CSS         string          `json:"css,omitempty"`
}

// PresetEntry is either an inline preset object or a string path to a JSON
// file holding one preset or a list of presets.
type PresetEntry struct {
	Path   string
	Inline *Preset
}

// UnmarshalJSON accepts a string (path) or an object (inline preset).
func (e *PresetEntry) UnmarshalJSON(data []byte) error {
	var path string
	if err := json.Unmarshal(data, &path); err == nil {
		e.Path = path
		return nil
	}
	var p Preset
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	e.Inline = &p
	return nil
}

// FileConfig is the parsed plugin/preset configuration.
type FileConfig struct {
	Stores  map[string]json.RawMessage `json:"stores,omitempty"`
	Presets []PresetEntry              `json:"presets,omitempty"`
	Plugins []string                   `json:"plugins,omitempty"`
}

// pluginFile is the shape of a referenced plugin JSON file.
type pluginFile struct {
	Stores  map[string]json.RawMessage `json:"stores,omitempty"`
	Presets []Preset                   `json:"presets,omitempty"`
}

// LoadResult is the outcome of one loader pass.
type LoadResult struct {
	Loaded     int
	ConfigPath string
	Config     *FileConfig
	Presets    []Preset
}

// RegisterFunc records one plugin-owned store and creates the underlying
// primitive.
type RegisterFunc func(key string, initial json.RawMessage)

// Loader resolves the configuration and registers plugin stores. The default
// implementation parses JSON; resolving real JS modules is delegated to
// external tooling whose output follows the same contract.
type Loader interface {
	Load(root string, register RegisterFunc) (*LoadResult, error)
}

// JSONLoader is the built-in Loader.
type JSONLoader struct{}

// Load resolves the config under root, registers every contributed store,
// and collects the preset catalog.
func (JSONLoader) Load(root string, register RegisterFunc) (*LoadResult, error) {
	res := &LoadResult{Config: &FileConfig{}}

	for _, name := range DefaultConfigNames {
		candidate := filepath.Join(root, name)
		if _, err := os.Stat(candidate); err == nil {
			res.ConfigPath = candidate
			break
		}
	}
	if res.ConfigPath == "" {
		return res, nil
	}

	data, err := os.ReadFile(res.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, res.Config); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", res.ConfigPath, err)
	}

	for key, initial := range res.Config.Stores {
		register(key, initial)
	}

	for _, entry := range res.Config.Presets {
		if entry.Inline != nil {
			res.Presets = append(res.Presets, *entry.Inline)
			res.Loaded++
			continue
		}
		presets, err := readPresetFile(filepath.Join(root, entry.Path))
		if err != nil {
			return nil, fmt.Errorf("preset %s: %w", entry.Path, err)
		}
		res.Presets = append(res.Presets, presets...)
		res.Loaded++
	}

	for _, path := range res.Config.Plugins {
		pf, err := readPluginFile(filepath.Join(root, path))
		if err != nil {
			return nil, fmt.Errorf("plugin %s: %w", path, err)
		}
		for key, initial := range pf.Stores {
			register(key, initial)
		}
		res.Presets = append(res.Presets, pf.Presets...)
		res.Loaded++
	}

	return res, nil
}

func readPresetFile(path string) ([]Preset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var list []Preset
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var one Preset
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, err
	}
	return []Preset{one}, nil
}

func readPluginFile(path string) (*pluginFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var pf pluginFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, err
	}
	return &pf, nil
}
