package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/lorehq/lore/pkg/models"
)

//go:embed providers.yaml
var defaultProvidersYAML []byte

// Provider describes one transcript source's capabilities. Behavior that used
// to hide in per-provider code paths is data here: the merge and enqueue
// logic read these fields instead of switching on the provider key.
type Provider struct {
	Key              string   `yaml:"-"`
	Name             string   `yaml:"name"`
	SourceType       string   `yaml:"source_type"`
	TranscriptGlob   string   `yaml:"transcript_glob"`
	Analyses         []string `yaml:"analyses"`
	MessageIDs       bool     `yaml:"message_ids"`
	Threading        bool     `yaml:"threading"`
	StripBlankSystem bool     `yaml:"strip_blank_system"`
}

// AnalysisTypes returns the analyses to enqueue after a sync of this
// provider, dropping unknown entries.
func (p *Provider) AnalysisTypes() []models.AnalysisType {
	out := make([]models.AnalysisType, 0, len(p.Analyses))
	for _, a := range p.Analyses {
		t := models.AnalysisType(a)
		if t.Valid() {
			out = append(out, t)
		}
	}
	return out
}

// Registry maps provider keys to their capabilities.
type Registry struct {
	providers map[string]Provider
}

type providersFile struct {
	Providers map[string]Provider `yaml:"providers"`
}

// LoadProviders builds the registry from the embedded table, then merges an
// optional providers.yaml in the data directory over it.
func LoadProviders(dataDir string) (*Registry, error) {
	reg := &Registry{providers: map[string]Provider{}}
	if err := reg.merge(defaultProvidersYAML); err != nil {
		return nil, fmt.Errorf("parse embedded provider table: %w", err)
	}

	if dataDir != "" {
		override := filepath.Join(dataDir, "providers.yaml")
		if data, err := os.ReadFile(override); err == nil {
			if err := reg.merge(data); err != nil {
				return nil, fmt.Errorf("parse %s: %w", override, err)
			}
		}
	}
	return reg, nil
}

func (r *Registry) merge(data []byte) error {
	var f providersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return err
	}
	for key, p := range f.Providers {
		p.Key = key
		r.providers[key] = p
	}
	return nil
}

// Get returns the provider for key.
func (r *Registry) Get(key string) (Provider, bool) {
	p, ok := r.providers[key]
	return p, ok
}

// Keys returns all provider keys, sorted.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.providers))
	for k := range r.providers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
