package template

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// LoadCatalogDir loads YAML template definitions from a directory on top
// of the built-ins. Files are applied in name order; later definitions
// override earlier ones with the same id. Invalid files are skipped with
// a warning so one bad catalog entry cannot block startup.
func (r *Registry) LoadCatalogDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read template catalog %s: %w", dir, err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			files = append(files, name)
		}
	}
	sort.Strings(files)

	for _, name := range files {
		path := filepath.Join(dir, name)
		infos, err := loadCatalogFile(path)
		if err != nil {
			r.logger.Warn("skipping invalid template catalog file",
				zap.String("path", path),
				zap.Error(err))
			continue
		}
		for _, info := range infos {
			if err := r.Register(info); err != nil {
				r.logger.Warn("skipping invalid template definition",
					zap.String("path", path),
					zap.String("template_id", info.ID),
					zap.Error(err))
				continue
			}
			r.logger.Info("loaded catalog template",
				zap.String("path", path),
				zap.String("template_id", info.ID))
		}
	}

	return nil
}

// loadCatalogFile parses one YAML catalog file. The document either holds
// a templates list or a single template definition. YAML decoding goes
// through a JSON round so numeric and map types match the embedded JSON
// definitions exactly.
func loadCatalogFile(path string) ([]*Info, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("normalize %s: %w", path, err)
	}

	var catalog templatesConfig
	if err := json.Unmarshal(normalized, &catalog); err == nil && len(catalog.Templates) > 0 {
		return catalog.Templates, nil
	}

	var single Info
	if err := json.Unmarshal(normalized, &single); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if single.ID == "" {
		return nil, fmt.Errorf("%s: no template definitions found", path)
	}
	return []*Info{&single}, nil
}
