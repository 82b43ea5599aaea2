// Package geppetto runs models through geppetto inference engines. Engines are
// built per request from step settings; partial-completion events reach the
// caller through an event sink attached to the run.
package geppetto

import (
	"context"
	"strings"
	"sync"

	"github.com/go-go-golems/geppetto/pkg/events"
	"github.com/go-go-golems/geppetto/pkg/inference/engine/factory"
	"github.com/go-go-golems/geppetto/pkg/inference/middleware"
	"github.com/go-go-golems/geppetto/pkg/inference/toolloop/enginebuilder"
	"github.com/go-go-golems/geppetto/pkg/steps/ai/settings"
	"github.com/go-go-golems/geppetto/pkg/steps/ai/types"
	"github.com/go-go-golems/geppetto/pkg/turns"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/askq/pkg/inference/catalog"
	"github.com/go-go-golems/askq/pkg/inference/client"
)

// Options configure a Provider.
type Options struct {
	// Name is the provider name catalog entries refer to ("ollama", "openai", "anthropic").
	Name    string
	ApiType types.ApiType
	BaseURL string
	APIKey  string
}

// Provider builds one engine per request for the models of one backend.
type Provider struct {
	opts Options
}

func NewProvider(optFns ...func(o *Options)) *Provider {
	opts := Options{Name: "openai", ApiType: types.ApiTypeOpenAI}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Provider{opts: opts}
}

func (p *Provider) Name() string { return p.opts.Name }

func (p *Provider) Client(model catalog.ModelInfo) (client.Client, error) {
	if model.Name == "" {
		return nil, errors.New("geppetto: model name is empty")
	}
	return &Model{provider: p, info: model}, nil
}

// StepSettings maps one request onto the chat and API settings of an engine.
func (p *Provider) StepSettings(model catalog.ModelInfo, req client.Request) (*settings.StepSettings, error) {
	ss, err := settings.NewStepSettings()
	if err != nil {
		return nil, errors.Wrap(err, "step settings")
	}
	engineName := model.Name
	apiType := p.opts.ApiType
	ss.Chat.Engine = &engineName
	ss.Chat.ApiType = &apiType
	ss.Chat.Stream = true
	if req.Temperature > 0 {
		t := req.Temperature
		ss.Chat.Temperature = &t
	}
	if req.TopP > 0 {
		topP := req.TopP
		ss.Chat.TopP = &topP
	}
	if req.MaxTokens > 0 {
		n := req.MaxTokens
		ss.Chat.MaxResponseTokens = &n
	}
	for _, stop := range req.Stop {
		// claude rejects whitespace-only stop sequences
		if apiType == types.ApiTypeClaude && strings.TrimSpace(stop) == "" {
			continue
		}
		ss.Chat.Stop = append(ss.Chat.Stop, stop)
	}

	prefix := string(apiType)
	if p.opts.APIKey != "" {
		ss.API.APIKeys[prefix+"-api-key"] = p.opts.APIKey
	}
	if p.opts.BaseURL != "" {
		ss.API.BaseUrls[prefix+"-base-url"] = p.opts.BaseURL
	}
	return ss, nil
}

// Model streams one model through a geppetto engine.
type Model struct {
	provider *Provider
	info     catalog.ModelInfo
}

func (m *Model) Model() catalog.ModelInfo { return m.info }

func (m *Model) Generate(ctx context.Context, req client.Request) (<-chan client.Chunk, <-chan error) {
	out := make(chan client.Chunk, 16)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)

		ss, err := m.provider.StepSettings(m.info, req)
		if err != nil {
			errCh <- err
			return
		}
		eng, err := factory.NewEngineFromStepSettings(ss)
		if err != nil {
			errCh <- errors.Wrapf(err, "engine init failed for %s", m.info.Name)
			return
		}
		var mws []middleware.Middleware
		if req.System != "" {
			mws = append(mws, middleware.NewSystemPromptMiddleware(req.System))
		}

		send := client.NewSender(ctx, out)
		sink := NewChunkSink(send)
		runner, err := enginebuilder.New(
			enginebuilder.WithBase(eng),
			enginebuilder.WithMiddlewares(mws...),
			enginebuilder.WithEventSinks(sink),
		).Build(ctx, m.info.Name)
		if err != nil {
			errCh <- errors.Wrapf(err, "build runner for %s", m.info.Name)
			return
		}

		seed := turns.NewTurnBuilder().WithUserPrompt(req.Prompt).Build()
		if _, err := runner.RunInference(ctx, seed); err != nil {
			errCh <- errors.Wrapf(err, "%s inference %s", m.provider.opts.Name, m.info.Name)
			return
		}
		log.Debug().Str("component", "geppetto").Str("model", m.info.Name).Msg("inference finished")
		send.Send(client.Chunk{Done: true, Final: sink.Final()})
	}()
	return out, errCh
}

// ChunkSink turns the partial-completion events of one run into chunks.
type ChunkSink struct {
	send client.Sender

	mu    sync.Mutex
	final *string
}

var _ events.EventSink = &ChunkSink{}

func NewChunkSink(send client.Sender) *ChunkSink {
	return &ChunkSink{send: send}
}

func (s *ChunkSink) PublishEvent(ev events.Event) error {
	switch e := ev.(type) {
	case *events.EventPartialCompletion:
		if e.Delta != "" && !s.send.Send(client.Chunk{Delta: e.Delta}) {
			return context.Canceled
		}
	case *events.EventFinal:
		if e.Text == "" {
			return nil
		}
		text := e.Text
		s.mu.Lock()
		s.final = &text
		s.mu.Unlock()
	}
	return nil
}

// Final is the text of the final event, nil until one arrived.
func (s *ChunkSink) Final() *string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.final
}
