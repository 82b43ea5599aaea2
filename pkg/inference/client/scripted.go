package client

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/askq/pkg/inference/catalog"
)

// Step is one scripted action of a Scripted client.
type Step struct {
	Delta string
	Final *string
	Err   error
	Delay time.Duration
}

// Scripted replays a fixed list of steps. It backs the "echo" provider and tests.
type Scripted struct {
	model catalog.ModelInfo
	steps []Step

	// OnStart, when set, runs when Generate starts streaming.
	OnStart func(req Request)
}

func NewScripted(model catalog.ModelInfo, steps ...Step) *Scripted {
	return &Scripted{model: model, steps: steps}
}

func (s *Scripted) Model() catalog.ModelInfo { return s.model }

func (s *Scripted) Generate(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	out := make(chan Chunk, 8)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		if s.OnStart != nil {
			s.OnStart(req)
		}
		send := NewSender(ctx, out)
		for _, st := range s.steps {
			if st.Delay > 0 {
				t := time.NewTimer(st.Delay)
				select {
				case <-ctx.Done():
					t.Stop()
					errCh <- ctx.Err()
					return
				case <-t.C:
				}
			}
			if st.Err != nil {
				errCh <- st.Err
				return
			}
			if st.Delta != "" && !send.Send(Chunk{Delta: st.Delta}) {
				errCh <- ctx.Err()
				return
			}
			if st.Final != nil {
				if !send.Send(Chunk{Done: true, Final: st.Final}) {
					errCh <- ctx.Err()
				}
				return
			}
		}
		if !send.Send(Chunk{Done: true}) {
			errCh <- ctx.Err()
		}
	}()
	return out, errCh
}

// Words turns a text into one step per word, each delayed by d.
func Words(text string, d time.Duration) []Step {
	fields := strings.Fields(text)
	steps := make([]Step, 0, len(fields))
	for i, w := range fields {
		if i > 0 {
			w = " " + w
		}
		steps = append(steps, Step{Delta: w, Delay: d})
	}
	return steps
}

// EchoProvider answers every prompt by streaming the question back word by word.
// It needs no backend and is used for demos and smoke tests.
type EchoProvider struct {
	Delay time.Duration
}

func (EchoProvider) Name() string { return "echo" }

func (p EchoProvider) Client(model catalog.ModelInfo) (Client, error) {
	if model.Name == "" {
		return nil, errors.New("echo: model name is empty")
	}
	return &echoClient{model: model, delay: p.Delay}, nil
}

type echoClient struct {
	model catalog.ModelInfo
	delay time.Duration
}

func (e *echoClient) Model() catalog.ModelInfo { return e.model }

func (e *echoClient) Generate(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	text := e.model.Key() + " heard: " + questionOf(req.Prompt)
	return NewScripted(e.model, Words(text, e.delay)...).Generate(ctx, req)
}

func questionOf(prompt string) string {
	for _, line := range strings.Split(prompt, "\n") {
		if q, ok := strings.CutPrefix(line, "Question: "); ok {
			return q
		}
	}
	return prompt
}
