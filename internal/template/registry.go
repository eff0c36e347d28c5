package template

import (
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
)

//go:embed templates.json
var templatesFS embed.FS

// Info describes one template: identity plus its configuration schema.
// This is the serialization returned to external clients.
type Info struct {
	ID          string         `json:"id"`
	Framework   string         `json:"framework"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Version     string         `json:"version"`
	Config      []*ConfigField `json:"config"`
}

// templatesConfig is the structure of the templates.json file
type templatesConfig struct {
	Version   string  `json:"version"`
	Templates []*Info `json:"templates"`
}

// CheckSchema verifies the template identity and every config field.
func (i *Info) CheckSchema() error {
	if i.ID == "" {
		return fmt.Errorf("template is missing an id")
	}
	if i.Name == "" {
		return fmt.Errorf("template %q is missing a name", i.ID)
	}
	for _, field := range i.Config {
		if field == nil {
			return fmt.Errorf("template %q has a nil config field", i.ID)
		}
		if err := field.CheckSchema(); err != nil {
			return fmt.Errorf("template %q: %w", i.ID, err)
		}
	}
	return nil
}

// Clone returns a deep copy of the template info.
func (i *Info) Clone() *Info {
	if i == nil {
		return nil
	}
	clone := *i
	clone.Config = make([]*ConfigField, len(i.Config))
	for idx, f := range i.Config {
		clone.Config[idx] = f.Clone()
	}
	return &clone
}

// Registry holds the templates known to this process. It is populated at
// startup and read-mostly afterwards; a rebuild is a full restart.
type Registry struct {
	templates map[string]*Info
	mu        sync.RWMutex
	logger    *logger.Logger
}

// NewRegistry creates a registry preloaded with the embedded built-in
// templates.
func NewRegistry(log *logger.Logger) (*Registry, error) {
	r := &Registry{
		templates: make(map[string]*Info),
		logger:    log,
	}

	builtins, err := loadEmbeddedTemplates()
	if err != nil {
		return nil, err
	}
	for _, info := range builtins {
		r.templates[info.ID] = info
		log.Info("loaded built-in template",
			zap.String("template_id", info.ID),
			zap.String("version", info.Version))
	}

	return r, nil
}

// Register adds or replaces a template definition.
func (r *Registry) Register(info *Info) error {
	if err := info.CheckSchema(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.templates[info.ID] = info
	r.logger.Info("registered template", zap.String("template_id", info.ID))
	return nil
}

// Get returns the template with the given id.
func (r *Registry) Get(id string) (*Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.templates[id]
	return info, ok
}

// Has reports whether a template with the given id exists. When version
// is non-empty it must match as well.
func (r *Registry) Has(id, version string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.templates[id]
	if !ok {
		return false
	}
	return version == "" || info.Version == version
}

// List returns all templates sorted by id.
func (r *Registry) List() []*Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Info, 0, len(r.templates))
	for _, info := range r.templates {
		result = append(result, info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// ValidateConfiguration checks a configuration mapping against the schema
// of the given template. The ok result is false when the template is
// unknown or any field fails validation.
func (r *Registry) ValidateConfiguration(id string, cfg map[string]any) (bool, []string) {
	info, ok := r.Get(id)
	if !ok {
		return false, []string{fmt.Sprintf("template %q not found", id)}
	}
	errs := Validate(cfg, info.Config)
	return len(errs) == 0, errs
}

// loadEmbeddedTemplates parses the built-in definitions from templates.json.
func loadEmbeddedTemplates() ([]*Info, error) {
	data, err := templatesFS.ReadFile("templates.json")
	if err != nil {
		return nil, fmt.Errorf("read embedded templates: %w", err)
	}

	var cfg templatesConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse embedded templates: %w", err)
	}

	for _, info := range cfg.Templates {
		if err := info.CheckSchema(); err != nil {
			return nil, fmt.Errorf("embedded templates: %w", err)
		}
	}

	return cfg.Templates, nil
}
