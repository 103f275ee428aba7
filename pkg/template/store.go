package template

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/flosch/pongo2/v6"
	"github.com/rs/zerolog"

	"github.com/lxstack/lxmq/pkg/fault"
	"github.com/lxstack/lxmq/pkg/log"
	"github.com/lxstack/lxmq/pkg/types"
)

// Suffix is the file name suffix recognized as a container template.
const Suffix = ".json.j2"

// Template is one named container specification: the metadata the pipeline
// reads (port count, post-create commands) plus the raw source that is
// rendered and handed to the host driver.
type Template struct {
	Name     string
	Ports    int
	Commands [][]string

	src []byte
}

// Store loads and indexes container templates from a directory. Immutable
// after load.
type Store struct {
	templates map[string]*Template
	logger    zerolog.Logger
}

// NewStore loads every template file under dir. Files that do not parse
// are logged and skipped; they never abort startup.
func NewStore(dir string) (*Store, error) {
	s := &Store{
		templates: make(map[string]*Template),
		logger:    log.WithComponent("template"),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read template directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), Suffix) {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		tpl, err := load(path)
		if err != nil {
			s.logger.Warn().Err(err).Str("file", entry.Name()).Msg("Skipping template")
			continue
		}

		s.templates[tpl.Name] = tpl
		s.logger.Info().Str("name", tpl.Name).Str("file", entry.Name()).Msg("Loaded template")
	}

	return s, nil
}

// load parses one template file. The file is JSON with render placeholders
// confined to string values, so it decodes as-is; the `template` object
// carries the metadata.
func load(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var obj struct {
		Template struct {
			Name     string     `json:"name"`
			Ports    int        `json:"ports"`
			Commands [][]string `json:"commands"`
		} `json:"template"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("not a template object: %w", err)
	}
	if obj.Template.Name == "" {
		return nil, fmt.Errorf("missing template.name")
	}

	return &Template{
		Name:     obj.Template.Name,
		Ports:    obj.Template.Ports,
		Commands: obj.Template.Commands,
		src:      data,
	}, nil
}

// Get returns the named template.
func (s *Store) Get(name string) (*Template, bool) {
	tpl, ok := s.templates[name]
	return tpl, ok
}

// Names returns the loaded template names.
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.templates))
	for name := range s.templates {
		names = append(names, name)
	}
	return names
}

// Render substitutes placeholders in the named template's JSON form using
// the supplied context and returns the rendered text.
func (s *Store) Render(name string, ctx map[string]any) (string, error) {
	tpl, ok := s.templates[name]
	if !ok {
		return "", fault.New(fault.TemplateNotFound, "template %s not found", name)
	}

	compiled, err := pongo2.FromBytes(tpl.src)
	if err != nil {
		return "", fault.New(fault.TemplateRender, "template %s: %v", name, err)
	}
	out, err := compiled.Execute(pongo2.Context(ctx))
	if err != nil {
		return "", fault.New(fault.TemplateRender, "template %s: %v", name, err)
	}
	return out, nil
}

// RenderList renders each item independently, preserving order.
func (s *Store) RenderList(items []string, ctx map[string]any) ([]string, error) {
	out := make([]string, 0, len(items))
	for _, item := range items {
		compiled, err := pongo2.FromString(item)
		if err != nil {
			return nil, fault.New(fault.TemplateRender, "list item %q: %v", item, err)
		}
		rendered, err := compiled.Execute(pongo2.Context(ctx))
		if err != nil {
			return nil, fault.New(fault.TemplateRender, "list item %q: %v", item, err)
		}
		out = append(out, rendered)
	}
	return out, nil
}

// Context builds the render context for an environment and its reserved
// ports. The environment goes through a JSON round-trip so templates
// address fields by their wire names (environment.instance.id, not the Go
// field names).
func Context(env *types.Environment, ports []int) (map[string]any, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if ports == nil {
		ports = []int{}
	}
	return map[string]any{
		"environment": m,
		"ports":       ports,
	}, nil
}
