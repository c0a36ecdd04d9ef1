package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Catalog is the validated models.yaml document: providers keyed by name and
// client-facing models mapped onto provider models with pricing and limits.
type Catalog struct {
	Version      int                       `yaml:"version"`
	Providers    map[string]ProviderConfig `yaml:"providers"`
	Models       map[string]ModelConfig    `yaml:"models"`
	DefaultModel string                    `yaml:"default_model"`
}

type ProviderConfig struct {
	BaseURL string `yaml:"base_url"`
	Type    string `yaml:"type"`
}

type ModelConfig struct {
	Provider      string            `yaml:"provider"`
	ProviderModel string            `yaml:"provider_model"`
	Pricing       ModelPricing      `yaml:"pricing"`
	Limits        ModelLimits       `yaml:"limits"`
	Capabilities  ModelCapabilities `yaml:"capabilities"`
}

// ModelPricing is per-token cost in micro-USD.
type ModelPricing struct {
	InputMicro  int64 `yaml:"input_micro"`
	OutputMicro int64 `yaml:"output_micro"`
}

type ModelLimits struct {
	MaxTokens int `yaml:"max_tokens"`
}

type ModelCapabilities struct {
	Reasoning bool `yaml:"reasoning"`
	Tools     bool `yaml:"tools"`
	Vision    bool `yaml:"vision"`
}

func (c *Catalog) validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported catalog version %d", c.Version)
	}
	if len(c.Models) == 0 {
		return fmt.Errorf("catalog defines no models")
	}
	for name, p := range c.Providers {
		if p.BaseURL == "" {
			return fmt.Errorf("provider %q has no base_url", name)
		}
		if p.Type != "openai_compatible" {
			return fmt.Errorf("provider %q has unsupported type %q", name, p.Type)
		}
	}
	for name, m := range c.Models {
		if _, ok := c.Providers[m.Provider]; !ok {
			return fmt.Errorf("model %q references unknown provider %q", name, m.Provider)
		}
		if m.ProviderModel == "" {
			return fmt.Errorf("model %q has no provider_model", name)
		}
		if m.Pricing.InputMicro < 0 || m.Pricing.OutputMicro < 0 {
			return fmt.Errorf("model %q has negative pricing", name)
		}
		if m.Limits.MaxTokens < 1 {
			return fmt.Errorf("model %q has max_tokens < 1", name)
		}
	}
	if c.DefaultModel != "" {
		if _, ok := c.Models[c.DefaultModel]; !ok {
			return fmt.Errorf("default model %q not found in models list", c.DefaultModel)
		}
	}
	return nil
}

// CatalogStore loads models.yaml and serves it to readers with atomic reload:
// a failed reload keeps the previous valid catalog in place.
type CatalogStore struct {
	path    string
	current atomic.Pointer[Catalog]
}

// NewCatalogStore points at <configDir>/models.yaml without loading it.
func NewCatalogStore(configDir string) *CatalogStore {
	return &CatalogStore{path: filepath.Join(configDir, "models.yaml")}
}

// Load parses and validates the catalog file, swapping it in on success.
// On failure the previous catalog, if any, stays active.
func (s *CatalogStore) Load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", s.path, err)
	}
	var cat Catalog
	if err := yaml.Unmarshal(raw, &cat); err != nil {
		return fmt.Errorf("config: parsing %s: %w", s.path, err)
	}
	if err := cat.validate(); err != nil {
		if s.current.Load() != nil {
			return fmt.Errorf("config: invalid catalog (previous retained): %w", err)
		}
		return fmt.Errorf("config: invalid catalog (no fallback): %w", err)
	}
	s.current.Store(&cat)
	return nil
}

// Replace installs a catalog directly. Used by tests and by admin reload
// paths that already validated the document.
func (s *CatalogStore) Replace(cat *Catalog) error {
	if err := cat.validate(); err != nil {
		return err
	}
	s.current.Store(cat)
	return nil
}

// Catalog returns the active catalog, or nil before the first successful load.
func (s *CatalogStore) Catalog() *Catalog {
	return s.current.Load()
}

// Model looks up a client-facing model by name.
func (s *CatalogStore) Model(name string) (ModelConfig, bool) {
	cat := s.current.Load()
	if cat == nil {
		return ModelConfig{}, false
	}
	m, ok := cat.Models[name]
	return m, ok
}

// Provider looks up a provider by name.
func (s *CatalogStore) Provider(name string) (ProviderConfig, bool) {
	cat := s.current.Load()
	if cat == nil {
		return ProviderConfig{}, false
	}
	p, ok := cat.Providers[name]
	return p, ok
}

// DefaultModel returns the configured default, or an arbitrary model when
// none is set.
func (s *CatalogStore) DefaultModel() string {
	cat := s.current.Load()
	if cat == nil {
		return ""
	}
	if cat.DefaultModel != "" {
		return cat.DefaultModel
	}
	for name := range cat.Models {
		return name
	}
	return ""
}
