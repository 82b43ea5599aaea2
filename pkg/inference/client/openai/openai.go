// Package openai streams chat completions through the OpenAI API, or any server
// speaking its protocol (Ollama exposes one under /v1).
package openai

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/pkg/errors"

	"github.com/go-go-golems/askq/pkg/inference/catalog"
	"github.com/go-go-golems/askq/pkg/inference/client"
)

// Options configure a Provider.
type Options struct {
	// Name is the provider name catalog entries refer to ("openai", "ollama").
	Name    string
	BaseURL string
	APIKey  string
}

// Provider creates streaming clients sharing one SDK client.
type Provider struct {
	client *openai.Client
	opts   Options
}

func NewProvider(optFns ...func(o *Options)) *Provider {
	opts := Options{Name: "openai"}
	for _, fn := range optFns {
		fn(&opts)
	}
	var clientOpts []option.RequestOption
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	c := openai.NewClient(clientOpts...)
	return &Provider{client: &c, opts: opts}
}

func (p *Provider) Name() string { return p.opts.Name }

func (p *Provider) Client(model catalog.ModelInfo) (client.Client, error) {
	if model.Name == "" {
		return nil, errors.New("openai: model name is empty")
	}
	return &Model{client: p.client, info: model}, nil
}

// List returns the models the server advertises, tagged with this provider's name.
// It makes a Provider usable as a catalog.Source.
func (p *Provider) List(ctx context.Context) ([]catalog.ModelInfo, error) {
	page, err := p.client.Models.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list models")
	}
	models := make([]catalog.ModelInfo, 0, len(page.Data))
	for _, m := range page.Data {
		models = append(models, catalog.ModelInfo{
			Name:        m.ID,
			DisplayName: catalog.CleanName(m.ID),
			Provider:    p.opts.Name,
		})
	}
	return models, nil
}

// Model streams one chat model.
type Model struct {
	client *openai.Client
	info   catalog.ModelInfo
}

func (m *Model) Model() catalog.ModelInfo { return m.info }

func (m *Model) Generate(ctx context.Context, req client.Request) (<-chan client.Chunk, <-chan error) {
	out := make(chan client.Chunk, 32)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)

		stream := m.client.Chat.Completions.NewStreaming(ctx, m.buildParams(req))
		defer func() { _ = stream.Close() }()

		send := client.NewSender(ctx, out)
		for stream.Next() {
			ck := stream.Current()
			for _, ch := range ck.Choices {
				if ch.Delta.Content == "" {
					continue
				}
				if !send.Send(client.Chunk{Delta: ch.Delta.Content}) {
					errCh <- ctx.Err()
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			errCh <- errors.Wrapf(err, "openai streaming %s", m.info.Name)
			return
		}
		send.Send(client.Chunk{Done: true})
	}()
	return out, errCh
}

// maxStop is the number of stop sequences chat completion endpoints accept.
const maxStop = 4

// buildParams maps the request onto chat completion parameters.
func (m *Model) buildParams(req client.Request) openai.ChatCompletionNewParams {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Messages: messages,
		Model:    openai.ChatModel(m.info.Name),
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = openai.Float(req.TopP)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if len(req.Stop) > 0 {
		stop := req.Stop
		if len(stop) > maxStop {
			stop = stop[:maxStop]
		}
		params.Stop = openai.ChatCompletionNewParamsStopUnion{OfStringArray: stop}
	}
	return params
}
