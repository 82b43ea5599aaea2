package catalog

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrNoModels is returned when no source yields a usable model.
var ErrNoModels = errors.New("no models available")

// ModelInfo describes one model a question can be fanned out to.
//
// Name is the backend identifier sent to the provider (e.g. "llama3:8b").
// DisplayName is the short identifier used on the wire and must be unique
// within a catalog listing.
type ModelInfo struct {
	Name        string `json:"name" yaml:"name"`
	DisplayName string `json:"display_name" yaml:"display_name"`
	Provider    string `json:"provider" yaml:"provider"`
}

// Key returns the identifier a model is tracked by inside a session.
func (m ModelInfo) Key() string {
	if m.DisplayName != "" {
		return m.DisplayName
	}
	return m.Name
}

// Source lists models from one place (a local Ollama daemon, a YAML file, ...).
type Source interface {
	Name() string
	List(ctx context.Context) ([]ModelInfo, error)
}

// Catalog merges the models of several sources and caches the result until Refresh.
type Catalog struct {
	sources []Source

	mu     sync.RWMutex
	models []ModelInfo
	loaded bool
}

func New(sources ...Source) *Catalog {
	return &Catalog{sources: sources}
}

// List returns the cached listing, loading it on first use.
func (c *Catalog) List(ctx context.Context) ([]ModelInfo, error) {
	c.mu.RLock()
	if c.loaded {
		out := append([]ModelInfo(nil), c.models...)
		c.mu.RUnlock()
		return out, nil
	}
	c.mu.RUnlock()
	return c.Refresh(ctx)
}

// Refresh queries every source again. A source that fails is skipped; when every
// source fails (or nothing is listed) the previous listing is kept and an error returned.
func (c *Catalog) Refresh(ctx context.Context) ([]ModelInfo, error) {
	var (
		merged []ModelInfo
		seen   = map[string]struct{}{}
		errs   []string
	)
	for _, src := range c.sources {
		models, err := src.List(ctx)
		if err != nil {
			log.Warn().Err(err).Str("component", "catalog").Str("source", src.Name()).Msg("listing models failed")
			errs = append(errs, src.Name()+": "+err.Error())
			continue
		}
		for _, m := range models {
			if m.Name == "" {
				continue
			}
			if m.DisplayName == "" {
				m.DisplayName = CleanName(m.Name)
			}
			if m.Provider == "" {
				m.Provider = src.Name()
			}
			if _, dup := seen[m.Key()]; dup && m.DisplayName != m.Name {
				m.DisplayName = m.Name
			}
			if _, dup := seen[m.Key()]; dup {
				log.Debug().Str("component", "catalog").Str("model", m.Name).Msg("skipping duplicate model")
				continue
			}
			seen[m.Key()] = struct{}{}
			merged = append(merged, m)
		}
	}

	if len(merged) == 0 {
		if len(errs) > 0 {
			return nil, errors.Wrap(ErrNoModels, strings.Join(errs, "; "))
		}
		return nil, ErrNoModels
	}

	c.mu.Lock()
	c.models = merged
	c.loaded = true
	c.mu.Unlock()
	log.Info().Str("component", "catalog").Int("models", len(merged)).Msg("model catalog refreshed")
	return append([]ModelInfo(nil), merged...), nil
}

// Lookup finds a model by display name or backend name in the cached listing.
func (c *Catalog) Lookup(ctx context.Context, name string) (ModelInfo, bool) {
	models, err := c.List(ctx)
	if err != nil {
		return ModelInfo{}, false
	}
	for _, m := range models {
		if m.DisplayName == name || m.Name == name {
			return m, true
		}
	}
	return ModelInfo{}, false
}

// CleanName strips the tag suffix of an Ollama model name ("llama3:8b" -> "llama3").
func CleanName(name string) string {
	if i := strings.Index(name, ":"); i > 0 {
		return name[:i]
	}
	return name
}

// StaticSource serves a fixed list of models.
type StaticSource struct {
	SourceName string
	Models     []ModelInfo
}

func (s StaticSource) Name() string { return s.SourceName }

func (s StaticSource) List(context.Context) ([]ModelInfo, error) {
	return append([]ModelInfo(nil), s.Models...), nil
}
