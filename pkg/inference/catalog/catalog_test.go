package catalog

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type failingSource struct{}

func (failingSource) Name() string { return "broken" }

func (failingSource) List(context.Context) ([]ModelInfo, error) {
	return nil, errors.New("connection refused")
}

type countingSource struct {
	calls  atomic.Int32
	models []ModelInfo
}

func (c *countingSource) Name() string { return "ollama" }

func (c *countingSource) List(context.Context) ([]ModelInfo, error) {
	c.calls.Add(1)
	return c.models, nil
}

func TestCatalogMergesSourcesInOrder(t *testing.T) {
	cat := New(
		StaticSource{SourceName: "ollama", Models: []ModelInfo{{Name: "llama3:8b"}, {Name: "mistral:latest"}}},
		failingSource{},
		StaticSource{SourceName: "anthropic", Models: []ModelInfo{{Name: "claude-3-5-haiku-latest", DisplayName: "haiku"}}},
	)

	models, err := cat.List(context.Background())
	require.NoError(t, err)
	require.Equal(t, []ModelInfo{
		{Name: "llama3:8b", DisplayName: "llama3", Provider: "ollama"},
		{Name: "mistral:latest", DisplayName: "mistral", Provider: "ollama"},
		{Name: "claude-3-5-haiku-latest", DisplayName: "haiku", Provider: "anthropic"},
	}, models)
}

func TestCatalogDisambiguatesCleanNames(t *testing.T) {
	cat := New(StaticSource{SourceName: "ollama", Models: []ModelInfo{{Name: "llama3:8b"}, {Name: "llama3:70b"}}})
	models, err := cat.List(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	require.Equal(t, "llama3", models[0].Key())
	require.Equal(t, "llama3:70b", models[1].Key())
}

func TestCatalogCachesUntilRefresh(t *testing.T) {
	src := &countingSource{models: []ModelInfo{{Name: "phi3:mini"}}}
	cat := New(src)

	_, err := cat.List(context.Background())
	require.NoError(t, err)
	_, err = cat.List(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(1), src.calls.Load())

	_, err = cat.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(2), src.calls.Load())

	m, ok := cat.Lookup(context.Background(), "phi3")
	require.True(t, ok)
	require.Equal(t, "phi3:mini", m.Name)
}

func TestCatalogEmptyIsError(t *testing.T) {
	cat := New(failingSource{})
	_, err := cat.List(context.Background())
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNoModels))
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`models:
  - name: claude-3-5-haiku-latest
    display_name: haiku
    provider: anthropic
  - name: gpt-4o-mini
    provider: openai
`), 0o644))

	models, err := FileSource{Path: path}.List(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	require.Equal(t, "haiku", models[0].DisplayName)
	require.Equal(t, "openai", models[1].Provider)

	require.NoError(t, os.WriteFile(path, []byte("models:\n  - name: x\n"), 0o644))
	_, err = FileSource{Path: path}.List(context.Background())
	require.Error(t, err)
}
