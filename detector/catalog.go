package detector

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/k4Y53N/nanoServer/types"
)

// descriptorExts are the file extensions scanned for detector descriptors.
var descriptorExts = map[string]bool{
	".json": true,
	".yaml": true,
	".yml":  true,
}

// ConfigLoadError reports a descriptor that could not be read, or a model
// that could not be loaded from it.
type ConfigLoadError struct {
	Name string
	Path string
	Err  error
}

func (e *ConfigLoadError) Error() string {
	switch {
	case e.Name != "" && e.Path != "":
		return fmt.Sprintf("config %q (%s): %v", e.Name, e.Path, e.Err)
	case e.Path != "":
		return fmt.Sprintf("config %s: %v", e.Path, e.Err)
	default:
		return fmt.Sprintf("config %q: %v", e.Name, e.Err)
	}
}

func (e *ConfigLoadError) Unwrap() error {
	return e.Err
}

// IsDescriptor reports whether path has a descriptor extension.
func IsDescriptor(path string) bool {
	return descriptorExts[strings.ToLower(filepath.Ext(path))]
}

// LoadDescriptor reads one descriptor file. The format follows the extension.
// A missing name defaults to the file stem; a relative weights path is
// resolved against the descriptor's directory.
func LoadDescriptor(path string) (types.DetectorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.DetectorConfig{}, &ConfigLoadError{Path: path, Err: err}
	}

	var cfg types.DetectorConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &cfg)
	default:
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return types.DetectorConfig{}, &ConfigLoadError{Path: path, Err: fmt.Errorf("parse: %w", err)}
	}

	if cfg.Name == "" {
		cfg.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if cfg.Weights != "" && !filepath.IsAbs(cfg.Weights) {
		cfg.Weights = filepath.Join(filepath.Dir(path), cfg.Weights)
	}
	if err := validate(cfg); err != nil {
		return types.DetectorConfig{}, &ConfigLoadError{Name: cfg.Name, Path: path, Err: err}
	}
	return cfg, nil
}

func validate(cfg types.DetectorConfig) error {
	if cfg.Size <= 0 {
		return fmt.Errorf("size must be positive, got %d", cfg.Size)
	}
	if cfg.ModelType == "" {
		return fmt.Errorf("model_type is required")
	}
	if len(cfg.Classes) == 0 {
		return fmt.Errorf("classes must not be empty")
	}
	if cfg.ScoreThreshold < 0 || cfg.ScoreThreshold > 1 {
		return fmt.Errorf("score_threshold must be within [0, 1], got %v", cfg.ScoreThreshold)
	}
	if cfg.IOUThreshold < 0 || cfg.IOUThreshold > 1 {
		return fmt.Errorf("iou_threshold must be within [0, 1], got %v", cfg.IOUThreshold)
	}
	return nil
}

// ScanDir loads every descriptor in dir. Bad files are returned as errors
// and skipped; a duplicate name keeps the first file in lexical order.
func ScanDir(dir string) (map[string]types.DetectorConfig, []error) {
	configs := make(map[string]types.DetectorConfig)
	if dir == "" {
		return configs, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return configs, []error{&ConfigLoadError{Path: dir, Err: err}}
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && IsDescriptor(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		path := filepath.Join(dir, name)
		cfg, err := LoadDescriptor(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if prev, dup := configs[cfg.Name]; dup {
			errs = append(errs, &ConfigLoadError{
				Name: cfg.Name,
				Path: path,
				Err:  fmt.Errorf("duplicate name, already defined with size %d", prev.Size),
			})
			continue
		}
		configs[cfg.Name] = cfg
	}
	return configs, errs
}
