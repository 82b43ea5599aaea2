package client

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/askq/pkg/inference/catalog"
)

func TestProvidersResolve(t *testing.T) {
	p := NewProviders(EchoProvider{})

	c, err := p.Resolve(catalog.ModelInfo{Name: "echo-a", Provider: "echo"})
	require.NoError(t, err)
	require.Equal(t, "echo-a", c.Model().Name)

	_, err = p.Resolve(catalog.ModelInfo{Name: "x", Provider: "nope"})
	require.True(t, errors.Is(err, ErrUnknownProvider))
}

func TestEchoAnswersTheQuestion(t *testing.T) {
	c, err := EchoProvider{}.Client(catalog.ModelInfo{Name: "echo-a", DisplayName: "a", Provider: "echo"})
	require.NoError(t, err)

	text, err := Collect(context.Background(), c, Request{Prompt: "Be brief.\n\nQuestion: why is the sky blue?\n\nAnswer."})
	require.NoError(t, err)
	require.Equal(t, "a heard: why is the sky blue?", text)
}

func TestScriptedFinalReplacesText(t *testing.T) {
	final := "authoritative"
	c := NewScripted(catalog.ModelInfo{Name: "m"}, Step{Delta: "partial"}, Step{Final: &final})

	text, err := Collect(context.Background(), c, Request{})
	require.NoError(t, err)
	require.Equal(t, "authoritative", text)
}

func TestScriptedError(t *testing.T) {
	c := NewScripted(catalog.ModelInfo{Name: "m"}, Step{Delta: "x"}, Step{Err: errors.New("boom")})
	_, err := Collect(context.Background(), c, Request{})
	require.EqualError(t, err, "boom")
}

func TestScriptedStopsOnCancel(t *testing.T) {
	c := NewScripted(catalog.ModelInfo{Name: "m"}, Words("one two three four", 50*time.Millisecond)...)
	ctx, cancel := context.WithCancel(context.Background())

	chunks, errs := c.Generate(ctx, Request{})
	first := <-chunks
	require.Equal(t, "one", first.Delta)
	cancel()
	for range chunks {
	}
	require.ErrorIs(t, <-errs, context.Canceled)
}
