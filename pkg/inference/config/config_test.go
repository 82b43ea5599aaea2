package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/askq/pkg/inference/catalog"
	"github.com/go-go-golems/askq/pkg/inference/client"
	"github.com/go-go-golems/askq/pkg/inference/client/anthropic"
	"github.com/go-go-golems/askq/pkg/inference/client/geppetto"
	"github.com/go-go-golems/askq/pkg/inference/client/openai"
	"github.com/go-go-golems/askq/pkg/summary"
)

func TestBuildEchoBackends(t *testing.T) {
	b := Settings{EchoModels: []string{"alpha", " ", "beta:2b"}, JudgeTimeout: 5}.Build()

	models, err := b.Catalog.List(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	require.Equal(t, "alpha", models[0].Key())
	require.Equal(t, "beta", models[1].Key())
	require.Equal(t, "echo", models[1].Provider)

	c, err := b.Providers.Resolve(models[1])
	require.NoError(t, err)
	text, err := client.Collect(context.Background(), c, client.Request{Prompt: "Question: why?"})
	require.NoError(t, err)
	require.Equal(t, "beta heard: why?", text)

	analysis, err := b.Judge(Settings{JudgeTimeout: 5}).Judge(context.Background(), summary.JudgeRequest{
		Model:     "alpha",
		Responses: []summary.Response{{Model: "beta", Text: "an answer"}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, analysis)
}

func TestBuildWithoutBackendsHasEmptyCatalog(t *testing.T) {
	b := Settings{}.Build()
	_, err := b.Catalog.List(context.Background())
	require.Error(t, err)
}

func TestDriverSelectsHostedClients(t *testing.T) {
	hosted := Settings{OllamaEnabled: true, OllamaURL: DefaultOllamaURL, OpenAIAPIKey: "sk", AnthropicAPIKey: "sk-ant"}
	ollama := catalog.ModelInfo{Name: "llama3:8b", Provider: "ollama"}
	gpt := catalog.ModelInfo{Name: "gpt-4o-mini", Provider: "openai"}
	claude := catalog.ModelInfo{Name: "claude-3-5-haiku-latest", Provider: "anthropic"}

	viaEngines := hosted
	viaEngines.Driver = DriverGeppetto
	b := viaEngines.Build()
	for _, m := range []catalog.ModelInfo{ollama, gpt, claude} {
		c, err := b.Providers.Resolve(m)
		require.NoError(t, err)
		require.IsType(t, &geppetto.Model{}, c)
	}

	viaSDK := hosted
	viaSDK.Driver = DriverSDK
	b = viaSDK.Build()
	c, err := b.Providers.Resolve(ollama)
	require.NoError(t, err)
	require.IsType(t, &openai.Model{}, c)
	c, err = b.Providers.Resolve(gpt)
	require.NoError(t, err)
	require.IsType(t, &openai.Model{}, c)
	c, err = b.Providers.Resolve(claude)
	require.NoError(t, err)
	require.IsType(t, &anthropic.Model{}, c)
}

func TestSchedulerOptions(t *testing.T) {
	require.Empty(t, Settings{}.SchedulerOptions())
	require.Len(t, Settings{ModelTimeout: int((30 * time.Second).Seconds()), BatchSize: 2, MaxChars: 10}.SchedulerOptions(), 3)
}

func TestNewSection(t *testing.T) {
	s, err := NewSection()
	require.NoError(t, err)
	require.Equal(t, SectionSlug, s.GetSlug())
}
