// Package client defines the uniform streaming capability every model backend
// is wrapped in, plus the resolver that maps catalog entries to clients.
package client

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/askq/pkg/inference/catalog"
)

// ErrUnknownProvider is returned when no provider is registered for a catalog entry.
var ErrUnknownProvider = errors.New("unknown model provider")

// Request is one prompt sent to one model.
type Request struct {
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float64
	TopP        float64
	Stop        []string
}

// Chunk is one streamed increment. The last chunk of a successful stream has Done
// set; Final, when non-nil, is the authoritative full answer and replaces the
// accumulated increments.
type Chunk struct {
	Delta string
	Done  bool
	Final *string
}

// Client streams a single backend model.
//
// Generate returns immediately. The chunk channel is closed when the stream ends;
// the error channel then yields at most one error and is closed too. Implementations
// must stop sending when ctx is cancelled.
type Client interface {
	Model() catalog.ModelInfo
	Generate(ctx context.Context, req Request) (<-chan Chunk, <-chan error)
}

// Provider builds clients for the models of one backend.
type Provider interface {
	Name() string
	Client(model catalog.ModelInfo) (Client, error)
}

// Resolver maps a catalog entry to a Client.
type Resolver interface {
	Resolve(model catalog.ModelInfo) (Client, error)
}

// Providers is a Resolver dispatching on ModelInfo.Provider.
type Providers struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewProviders(providers ...Provider) *Providers {
	p := &Providers{providers: map[string]Provider{}}
	for _, pr := range providers {
		p.Register(pr)
	}
	return p
}

func (p *Providers) Register(pr Provider) {
	if pr == nil {
		return
	}
	p.mu.Lock()
	p.providers[pr.Name()] = pr
	p.mu.Unlock()
}

func (p *Providers) Resolve(model catalog.ModelInfo) (Client, error) {
	p.mu.RLock()
	pr, ok := p.providers[model.Provider]
	p.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownProvider, "provider %q for model %s", model.Provider, model.Name)
	}
	return pr.Client(model)
}

// Collect drains a stream into the full answer text.
func Collect(ctx context.Context, c Client, req Request) (string, error) {
	chunks, errs := c.Generate(ctx, req)
	var text []byte
	var final *string
	for ch := range chunks {
		text = append(text, ch.Delta...)
		if ch.Final != nil {
			final = ch.Final
		}
	}
	if err := <-errs; err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if final != nil {
		return *final, nil
	}
	return string(text), nil
}

// Sender wraps the chunk channel of a Generate implementation so that sends give
// up once ctx is cancelled.
type Sender struct {
	ctx context.Context
	out chan<- Chunk
}

func NewSender(ctx context.Context, out chan<- Chunk) Sender {
	return Sender{ctx: ctx, out: out}
}

// Send reports false when the consumer has gone away.
func (s Sender) Send(c Chunk) bool {
	select {
	case s.out <- c:
		return true
	case <-s.ctx.Done():
		return false
	}
}
