package persona

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultTemplate is used when an identity does not name one.
const DefaultTemplate = "default"

// Source is one identity document paired with its resolved template.
type Source struct {
	Path     string
	Identity *Identity
	Template *Template
}

// Loader reads identity documents from PersonaDir and templates from
// TemplateDir. Both are YAML.
type Loader struct {
	PersonaDir  string
	TemplateDir string
}

// SourceError describes one document that could not be loaded.
type SourceError struct {
	Path string
	Err  error
}

func (e *SourceError) Error() string { return fmt.Sprintf("%s: %v", e.Path, e.Err) }
func (e *SourceError) Unwrap() error { return e.Err }

// Load reads every identity document, sorted by path. Documents that fail
// are reported in the second result and left out of the first. The error
// is set only when the persona directory itself cannot be read.
func (l *Loader) Load() ([]Source, []error, error) {
	paths, err := yamlFiles(l.PersonaDir)
	if err != nil {
		return nil, nil, fmt.Errorf("read persona dir: %w", err)
	}

	templates := make(map[string]*Template)
	var (
		sources []Source
		skipped []error
	)
	for _, path := range paths {
		id, err := readIdentity(path)
		if err != nil {
			skipped = append(skipped, &SourceError{Path: path, Err: err})
			continue
		}
		name := id.Template
		if name == "" {
			name = DefaultTemplate
		}
		tpl, ok := templates[name]
		if !ok {
			tpl, err = l.readTemplate(name)
			if err != nil {
				skipped = append(skipped, &SourceError{Path: path, Err: err})
				continue
			}
			templates[name] = tpl
		}
		sources = append(sources, Source{Path: path, Identity: id, Template: tpl})
	}
	return sources, skipped, nil
}

func readIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var id Identity
	if err := yaml.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if id.ID == "" {
		id.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &id, nil
}

func (l *Loader) readTemplate(name string) (*Template, error) {
	for _, ext := range []string{".yaml", ".yml"} {
		data, err := os.ReadFile(filepath.Join(l.TemplateDir, name+ext))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var tpl Template
		if err := yaml.Unmarshal(data, &tpl); err != nil {
			return nil, fmt.Errorf("%w: template %s: %v", ErrInvalidDocument, name, err)
		}
		if tpl.Name == "" {
			tpl.Name = name
		}
		return &tpl, nil
	}
	if name == DefaultTemplate {
		return &Template{Name: DefaultTemplate, ResponseLength: "short"}, nil
	}
	return nil, fmt.Errorf("%w: template %q not found", ErrInvalidDocument, name)
}

func yamlFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !isYAML(e.Name()) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return (ext == ".yaml" || ext == ".yml") && !strings.HasPrefix(filepath.Base(name), ".")
}
