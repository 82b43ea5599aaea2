package summary

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/askq/pkg/inference/catalog"
	"github.com/go-go-golems/askq/pkg/inference/client"
)

const (
	JudgeTemperature = 0.3
	JudgeMaxTokens   = 1500

	// AnalysisPrompt opens every judge request.
	AnalysisPrompt = "Please analyze and summarize the following AI model responses. " +
		"Provide insights about which response is most comprehensive, accurate, and helpful."
)

var ErrUnknownModel = errors.New("unknown model")

// Response is one model's answer handed to the judge.
type Response struct {
	Model string `json:"model"`
	Text  string `json:"text"`
}

// JudgeRequest asks Model to compare Responses, guided by Prompt.
type JudgeRequest struct {
	Model     string
	Prompt    string
	Responses []Response
}

// SortedResponses turns a model -> answer map into a deterministic list.
func SortedResponses(m map[string]string) []Response {
	out := make([]Response, 0, len(m))
	for model, text := range m {
		out = append(out, Response{Model: model, Text: text})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

// BuildJudgePrompt renders the prompt followed by each response under its model name.
func BuildJudgePrompt(prompt string, responses []Response) string {
	var b strings.Builder
	b.WriteString(prompt)
	for _, r := range responses {
		b.WriteString("\n\n### ")
		b.WriteString(r.Model)
		b.WriteString("\n\n")
		b.WriteString(strings.TrimSpace(r.Text))
	}
	return b.String()
}

// Judge produces the analysis text for a set of answers.
type Judge interface {
	Judge(ctx context.Context, req JudgeRequest) (string, error)
}

// Lookup finds a model by the name clients use.
type Lookup interface {
	Lookup(ctx context.Context, name string) (catalog.ModelInfo, bool)
}

// ClientJudge asks a catalog model through its streaming client.
type ClientJudge struct {
	models   Lookup
	resolver client.Resolver
	timeout  time.Duration
}

func NewClientJudge(models Lookup, resolver client.Resolver, timeout time.Duration) *ClientJudge {
	return &ClientJudge{models: models, resolver: resolver, timeout: timeout}
}

func (j *ClientJudge) Judge(ctx context.Context, req JudgeRequest) (string, error) {
	if req.Model == "" {
		return "", errors.New("judge model is empty")
	}
	info, ok := j.models.Lookup(ctx, req.Model)
	if !ok {
		return "", errors.Wrap(ErrUnknownModel, req.Model)
	}
	c, err := j.resolver.Resolve(info)
	if err != nil {
		return "", err
	}
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}
	prompt := req.Prompt
	if prompt == "" {
		prompt = AnalysisPrompt
	}
	text, err := client.Collect(ctx, c, client.Request{
		Prompt:      BuildJudgePrompt(prompt, req.Responses),
		Temperature: JudgeTemperature,
		MaxTokens:   JudgeMaxTokens,
	})
	if err != nil {
		return "", errors.Wrapf(err, "judge %s", req.Model)
	}
	if strings.TrimSpace(text) == "" {
		return "", errors.Errorf("judge %s returned an empty analysis", req.Model)
	}
	return text, nil
}
