// Package anthropic streams answers from the Anthropic Messages API.
package anthropic

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/pkg/errors"

	"github.com/go-go-golems/askq/pkg/inference/catalog"
	"github.com/go-go-golems/askq/pkg/inference/client"
)

const defaultMaxTokens = 1024

// Options configure a Provider.
type Options struct {
	APIKey  string
	BaseURL string
}

// Provider creates streaming clients sharing one SDK client.
type Provider struct {
	client *anthropic.Client
}

func NewProvider(optFns ...func(o *Options)) *Provider {
	var opts Options
	for _, fn := range optFns {
		fn(&opts)
	}
	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	c := anthropic.NewClient(clientOpts...)
	return &Provider{client: &c}
}

func (p *Provider) Name() string { return "anthropic" }

func (p *Provider) Client(model catalog.ModelInfo) (client.Client, error) {
	if model.Name == "" {
		return nil, errors.New("anthropic: model name is empty")
	}
	return &Model{client: p.client, info: model}, nil
}

// Model streams one Claude model.
type Model struct {
	client *anthropic.Client
	info   catalog.ModelInfo
}

func (m *Model) Model() catalog.ModelInfo { return m.info }

func (m *Model) Generate(ctx context.Context, req client.Request) (<-chan client.Chunk, <-chan error) {
	out := make(chan client.Chunk, 32)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)

		stream := m.client.Messages.NewStreaming(ctx, buildParams(m.info.Name, req))
		defer func() { _ = stream.Close() }()

		send := client.NewSender(ctx, out)
		for stream.Next() {
			event := stream.Current()
			ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			delta, ok := ev.Delta.AsAny().(anthropic.TextDelta)
			if !ok || delta.Text == "" {
				continue
			}
			if !send.Send(client.Chunk{Delta: delta.Text}) {
				errCh <- ctx.Err()
				return
			}
		}
		if err := stream.Err(); err != nil {
			errCh <- errors.Wrapf(err, "anthropic streaming %s", m.info.Name)
			return
		}
		send.Send(client.Chunk{Done: true})
	}()
	return out, errCh
}

func buildParams(model string, req client.Request) anthropic.MessageNewParams {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = anthropic.Float(req.TopP)
	}
	// whitespace-only stop sequences are rejected by the API
	for _, stop := range req.Stop {
		if strings.TrimSpace(stop) != "" {
			params.StopSequences = append(params.StopSequences, stop)
		}
	}
	return params
}
