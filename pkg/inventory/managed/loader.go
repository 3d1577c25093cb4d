// Package managed ships the built-in namespace groups, namespaces and
// metrics, and keeps each domain's copy of them at the catalog version.
package managed

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"sync"

	k8syaml "k8s.io/apimachinery/pkg/util/yaml"
)

//go:embed catalog
var catalogFS embed.FS

const (
	groupDir     = "namespace_group"
	namespaceDir = "namespace"
	metricDir    = "metric"
)

// GroupDef is a built-in namespace group.
type GroupDef struct {
	NamespaceGroupID string         `json:"namespace_group_id"`
	Name             string         `json:"name"`
	Icon             string         `json:"icon,omitempty"`
	Description      string         `json:"description,omitempty"`
	Tags             map[string]any `json:"tags,omitempty"`
	Version          string         `json:"version"`
}

// NamespaceDef is a built-in namespace.
type NamespaceDef struct {
	NamespaceID      string         `json:"namespace_id"`
	Name             string         `json:"name"`
	Category         string         `json:"category,omitempty"`
	Icon             string         `json:"icon,omitempty"`
	Tag              map[string]any `json:"tag,omitempty"`
	NamespaceGroupID string         `json:"namespace_group_id"`
	Version          string         `json:"version"`
}

// MetricDef is a built-in metric.
type MetricDef struct {
	MetricID     string           `json:"metric_id"`
	Name         string           `json:"name"`
	MetricType   string           `json:"metric_type"`
	ResourceType string           `json:"resource_type"`
	QueryOptions map[string]any   `json:"query_options,omitempty"`
	DateField    string           `json:"date_field,omitempty"`
	Unit         string           `json:"unit,omitempty"`
	Tags         map[string]any   `json:"tags,omitempty"`
	LabelsInfo   []map[string]any `json:"labels_info,omitempty"`
	NamespaceID  string           `json:"namespace_id"`
	Version      string           `json:"version"`
}

// Catalog is the parsed catalog keyed by id. It is shared and must not be
// modified.
type Catalog struct {
	Groups     map[string]GroupDef
	Namespaces map[string]NamespaceDef
	Metrics    map[string]MetricDef
}

// Loader parses the catalog once and hands out the shared result.
type Loader struct {
	fsys fs.FS

	once    sync.Once
	mu      sync.RWMutex
	catalog *Catalog
	err     error
}

// NewLoader reads the catalog from fsys, which holds the namespace_group,
// namespace and metric directories at its root.
func NewLoader(fsys fs.FS) *Loader {
	return &Loader{fsys: fsys}
}

// DefaultLoader reads the catalog embedded in the binary.
func DefaultLoader() *Loader {
	sub, err := fs.Sub(catalogFS, "catalog")
	if err != nil {
		panic(err)
	}
	return NewLoader(sub)
}

// Catalog returns the parsed catalog, parsing it on first use.
func (l *Loader) Catalog() (*Catalog, error) {
	l.once.Do(func() { _ = l.Reload() })
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.catalog, l.err
}

// Reload parses the catalog again and replaces the shared copy. After a
// failed reload Catalog returns the error until a reload succeeds.
func (l *Loader) Reload() error {
	c, err := parseCatalog(l.fsys)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.catalog, l.err = c, err
	return err
}

func parseCatalog(fsys fs.FS) (*Catalog, error) {
	c := &Catalog{
		Groups:     map[string]GroupDef{},
		Namespaces: map[string]NamespaceDef{},
		Metrics:    map[string]MetricDef{},
	}
	err := readDir(fsys, groupDir, func(name string, data []byte) error {
		var def GroupDef
		if err := k8syaml.UnmarshalStrict(data, &def); err != nil {
			return err
		}
		return addDef(c.Groups, name, def.NamespaceGroupID, def.Version, def)
	})
	if err != nil {
		return nil, err
	}
	err = readDir(fsys, namespaceDir, func(name string, data []byte) error {
		var def NamespaceDef
		if err := k8syaml.UnmarshalStrict(data, &def); err != nil {
			return err
		}
		if def.NamespaceGroupID == "" {
			return fmt.Errorf("namespace_group_id is required")
		}
		return addDef(c.Namespaces, name, def.NamespaceID, def.Version, def)
	})
	if err != nil {
		return nil, err
	}
	err = readDir(fsys, metricDir, func(name string, data []byte) error {
		var def MetricDef
		if err := k8syaml.UnmarshalStrict(data, &def); err != nil {
			return err
		}
		return addDef(c.Metrics, name, def.MetricID, def.Version, def)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// readDir calls parse for every YAML file of dir. A missing dir is an empty
// catalog section.
func readDir(fsys fs.FS, dir string, parse func(name string, data []byte) error) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read managed catalog %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !(strings.HasSuffix(e.Name(), ".yaml") || strings.HasSuffix(e.Name(), ".yml")) {
			continue
		}
		name := path.Join(dir, e.Name())
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("read managed catalog file %s: %w", name, err)
		}
		if err := parse(name, data); err != nil {
			return fmt.Errorf("parse managed catalog file %s: %w", name, err)
		}
	}
	return nil
}

func addDef[T any](into map[string]T, name, id, version string, def T) error {
	if id == "" {
		return fmt.Errorf("id is required")
	}
	if version == "" {
		return fmt.Errorf("version is required")
	}
	if _, dup := into[id]; dup {
		return fmt.Errorf("duplicate id %s in %s", id, name)
	}
	into[id] = def
	return nil
}
