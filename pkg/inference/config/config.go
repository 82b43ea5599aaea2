// Package config holds the "inference" section: where models come from and how
// they are called.
package config

import (
	"strings"
	"time"

	"github.com/go-go-golems/geppetto/pkg/steps/ai/types"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/askq/pkg/fanout"
	"github.com/go-go-golems/askq/pkg/inference/catalog"
	"github.com/go-go-golems/askq/pkg/inference/client"
	"github.com/go-go-golems/askq/pkg/inference/client/anthropic"
	"github.com/go-go-golems/askq/pkg/inference/client/geppetto"
	"github.com/go-go-golems/askq/pkg/inference/client/openai"
	"github.com/go-go-golems/askq/pkg/summary"
)

const SectionSlug = "inference"

const DefaultOllamaURL = "http://localhost:11434/v1/"

// Drivers calling hosted and Ollama models.
const (
	DriverGeppetto = "geppetto"
	DriverSDK      = "sdk"
)

type Settings struct {
	Driver           string   `glazed:"driver"`
	OllamaEnabled    bool     `glazed:"ollama-enabled"`
	OllamaURL        string   `glazed:"ollama-url"`
	OpenAIAPIKey     string   `glazed:"openai-api-key"`
	OpenAIBaseURL    string   `glazed:"openai-base-url"`
	AnthropicAPIKey  string   `glazed:"anthropic-api-key"`
	AnthropicBaseURL string   `glazed:"anthropic-base-url"`
	ModelsFile       string   `glazed:"models-file"`
	EchoModels       []string `glazed:"echo-models"`
	ModelTimeout     int      `glazed:"model-timeout"`
	JudgeTimeout     int      `glazed:"judge-timeout"`
	BatchSize        int      `glazed:"batch-size"`
	MaxChars         int      `glazed:"max-chars"`
}

func NewSection() (schema.Section, error) {
	return schema.NewSection(
		SectionSlug,
		"Model backends and inference limits",
		schema.WithFields(
			fields.New("driver", fields.TypeChoice, fields.WithDefault(DriverGeppetto),
				fields.WithChoices(DriverGeppetto, DriverSDK),
				fields.WithHelp("Call models through geppetto engines or the provider SDKs directly")),
			fields.New("ollama-enabled", fields.TypeBool, fields.WithDefault(true),
				fields.WithHelp("Discover models from the Ollama OpenAI-compatible API")),
			fields.New("ollama-url", fields.TypeString, fields.WithDefault(DefaultOllamaURL),
				fields.WithHelp("Base URL of the Ollama OpenAI-compatible API")),
			fields.New("openai-api-key", fields.TypeString, fields.WithDefault(""),
				fields.WithHelp("OpenAI API key; enables models with provider openai")),
			fields.New("openai-base-url", fields.TypeString, fields.WithDefault(""),
				fields.WithHelp("Override the OpenAI base URL")),
			fields.New("anthropic-api-key", fields.TypeString, fields.WithDefault(""),
				fields.WithHelp("Anthropic API key; enables models with provider anthropic")),
			fields.New("anthropic-base-url", fields.TypeString, fields.WithDefault(""),
				fields.WithHelp("Override the Anthropic base URL")),
			fields.New("models-file", fields.TypeString, fields.WithDefault(""),
				fields.WithHelp("YAML file listing hosted models (name, display_name, provider)")),
			fields.New("echo-models", fields.TypeStringList, fields.WithDefault([]string{}),
				fields.WithHelp("Offline echo models, useful for demos and tests")),
			fields.New("model-timeout", fields.TypeInteger, fields.WithDefault(int(fanout.DefaultModelTimeout/time.Second)),
				fields.WithHelp("Per-model timeout in seconds")),
			fields.New("judge-timeout", fields.TypeInteger, fields.WithDefault(int(fanout.DefaultModelTimeout/time.Second)),
				fields.WithHelp("Timeout of the report analysis call in seconds")),
			fields.New("batch-size", fields.TypeInteger, fields.WithDefault(fanout.DefaultBatchSize),
				fields.WithHelp("Concurrent models in batch mode")),
			fields.New("max-chars", fields.TypeInteger, fields.WithDefault(fanout.DefaultMaxChars),
				fields.WithHelp("Maximum characters kept per answer before truncation")),
		),
	)
}

// Backends is everything built from Settings: the model catalog and the
// providers able to call the models it lists.
type Backends struct {
	Catalog   *catalog.Catalog
	Providers *client.Providers
}

// Build registers one provider per configured backend and the catalog sources
// discovering their models. Order of sources is the order models are asked in.
func (s Settings) Build() *Backends {
	providers := client.NewProviders()
	var sources []catalog.Source

	if s.OllamaEnabled && s.OllamaURL != "" {
		// model discovery always goes through the OpenAI-compatible listing
		ollama := openai.NewProvider(func(o *openai.Options) {
			o.Name = "ollama"
			o.BaseURL = s.OllamaURL
			o.APIKey = "ollama"
		})
		sources = append(sources, ollama)
		if s.useSDK() {
			providers.Register(ollama)
		} else {
			providers.Register(geppetto.NewProvider(func(o *geppetto.Options) {
				o.Name = "ollama"
				o.ApiType = types.ApiTypeOpenAI
				o.BaseURL = s.OllamaURL
				o.APIKey = "ollama"
			}))
		}
	}
	if s.OpenAIAPIKey != "" {
		if s.useSDK() {
			providers.Register(openai.NewProvider(func(o *openai.Options) {
				o.APIKey = s.OpenAIAPIKey
				o.BaseURL = s.OpenAIBaseURL
			}))
		} else {
			providers.Register(geppetto.NewProvider(func(o *geppetto.Options) {
				o.Name = "openai"
				o.ApiType = types.ApiTypeOpenAI
				o.APIKey = s.OpenAIAPIKey
				o.BaseURL = s.OpenAIBaseURL
			}))
		}
	}
	if s.AnthropicAPIKey != "" {
		if s.useSDK() {
			providers.Register(anthropic.NewProvider(func(o *anthropic.Options) {
				o.APIKey = s.AnthropicAPIKey
				o.BaseURL = s.AnthropicBaseURL
			}))
		} else {
			providers.Register(geppetto.NewProvider(func(o *geppetto.Options) {
				o.Name = "anthropic"
				o.ApiType = types.ApiTypeClaude
				o.APIKey = s.AnthropicAPIKey
				o.BaseURL = s.AnthropicBaseURL
			}))
		}
	}
	if s.ModelsFile != "" {
		sources = append(sources, catalog.FileSource{Path: s.ModelsFile})
	}
	if len(s.EchoModels) > 0 {
		providers.Register(client.EchoProvider{})
		var models []catalog.ModelInfo
		for _, name := range s.EchoModels {
			if name = strings.TrimSpace(name); name != "" {
				models = append(models, catalog.ModelInfo{Name: name, Provider: "echo"})
			}
		}
		sources = append(sources, catalog.StaticSource{SourceName: "echo", Models: models})
	}

	log.Debug().Str("component", "inference").Str("driver", s.Driver).Int("sources", len(sources)).Msg("built model backends")
	return &Backends{Catalog: catalog.New(sources...), Providers: providers}
}

func (s Settings) useSDK() bool { return s.Driver == DriverSDK }

func (s Settings) SchedulerOptions() []fanout.Option {
	var opts []fanout.Option
	if s.ModelTimeout > 0 {
		opts = append(opts, fanout.WithModelTimeout(time.Duration(s.ModelTimeout)*time.Second))
	}
	if s.BatchSize > 0 {
		opts = append(opts, fanout.WithBatchSize(s.BatchSize))
	}
	if s.MaxChars > 0 {
		opts = append(opts, fanout.WithMaxChars(s.MaxChars))
	}
	return opts
}

// Judge calls report analyses through the same providers as the answers.
func (b *Backends) Judge(s Settings) *summary.ClientJudge {
	return summary.NewClientJudge(b.Catalog, b.Providers, time.Duration(s.JudgeTimeout)*time.Second)
}
