// Package modelproviders manages the model provider catalog and the switch
// between local (container-backed) and external model backends.
package modelproviders

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrUnknownProvider is returned for kinds missing from the catalog.
var ErrUnknownProvider = errors.New("unknown provider kind")

//go:embed providers.yaml
var embeddedCatalog []byte

// Backend distinguishes how a provider is served.
const (
	BackendDocker   = "docker"
	BackendExternal = "external"
)

// DockerSpec describes the container serving a local provider.
type DockerSpec struct {
	Image string   `yaml:"image"`
	Tag   string   `yaml:"tag"`
	Port  int      `yaml:"port"`
	Args  []string `yaml:"args"`
}

// Provider is one catalog entry.
type Provider struct {
	Kind    string     `yaml:"kind" json:"kind"`
	Name    string     `yaml:"name" json:"name"`
	BaseURL string     `yaml:"base_url" json:"base_url"`
	Backend string     `yaml:"backend" json:"backend"`
	Docker  DockerSpec `yaml:"docker" json:"-"`
}

// ImageRef returns the full image reference for a docker-backed provider.
func (p Provider) ImageRef() string {
	if p.Docker.Tag == "" {
		return p.Docker.Image
	}
	return p.Docker.Image + ":" + p.Docker.Tag
}

type catalogFile struct {
	Providers []Provider `yaml:"providers"`
}

// Catalog is the registry of known providers.
type Catalog struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// LoadCatalog parses the embedded catalog, or the file at path when given.
func LoadCatalog(path string) (*Catalog, error) {
	raw := embeddedCatalog
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read provider catalog %s: %w", path, err)
		}
		raw = data
	}

	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse provider catalog: %w", err)
	}

	c := &Catalog{providers: make(map[string]Provider, len(file.Providers))}
	for _, p := range file.Providers {
		if p.Kind == "" {
			return nil, fmt.Errorf("provider catalog entry without kind")
		}
		if p.Backend != BackendDocker && p.Backend != BackendExternal {
			return nil, fmt.Errorf("provider %s: unknown backend %q", p.Kind, p.Backend)
		}
		if p.Backend == BackendDocker && p.Docker.Image == "" {
			return nil, fmt.Errorf("provider %s: docker backend requires an image", p.Kind)
		}
		c.providers[p.Kind] = p
	}
	return c, nil
}

// Get returns the provider for a kind.
func (c *Catalog) Get(kind string) (Provider, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.providers[kind]
	if !ok {
		return Provider{}, fmt.Errorf("%w: %s", ErrUnknownProvider, kind)
	}
	return p, nil
}

// List returns all providers sorted by kind.
func (c *Catalog) List() []Provider {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Provider, 0, len(c.providers))
	for _, p := range c.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// Put inserts or replaces a provider. Config overrides use this at startup.
func (c *Catalog) Put(p Provider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[p.Kind] = p
}
