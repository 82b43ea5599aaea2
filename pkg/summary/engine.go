// Package summary compares the finished answers of a session and writes the report.
package summary

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/askq/pkg/session"
)

var ErrNothingToSummarize = errors.New("nothing to summarize")

// Report is the immutable outcome of a session.
type Report struct {
	SessionID       string         `json:"session_id" yaml:"session_id"`
	Question        string         `json:"question" yaml:"question"`
	BestModel       string         `json:"best_model" yaml:"best_model"`
	TotalModels     int            `json:"total_models" yaml:"total_models"`
	CompletedModels int            `json:"completed_models" yaml:"completed_models"`
	FailedModels    int            `json:"failed_models" yaml:"failed_models"`
	AverageWords    float64        `json:"average_words" yaml:"average_words"`
	Analysis        string         `json:"analysis" yaml:"analysis"`
	JudgeModel      string         `json:"judge_model" yaml:"judge_model"`
	JudgeFailed     bool           `json:"judge_failed" yaml:"judge_failed"`
	Rankings        []ModelMetrics `json:"rankings" yaml:"rankings"`
	Recommendations []string       `json:"recommendations" yaml:"recommendations"`
	CreatedAt       time.Time      `json:"created_at" yaml:"created_at"`
}

// Input is a snapshot of a finished session.
type Input struct {
	SessionID string
	Question  string
	Runs      []session.ModelRun
}

// Engine builds reports.
type Engine struct {
	judge   Judge
	scorer  Scorer
	counter TokenCounter
	now     func() time.Time
}

type Option func(*Engine)

func WithScorer(s Scorer) Option {
	return func(e *Engine) {
		if s != nil {
			e.scorer = s
		}
	}
}

func WithTokenCounter(c TokenCounter) Option {
	return func(e *Engine) {
		if c != nil {
			e.counter = c
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine builds an engine. judge may be nil, in which case every report
// carries the fallback analysis.
func NewEngine(judge Judge, opts ...Option) *Engine {
	e := &Engine{judge: judge, scorer: DefaultScorer, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	if e.counter == nil {
		e.counter = NewTokenCounter()
	}
	return e
}

// Judge forwards a free-form comparison request to the configured judge.
func (e *Engine) Judge(ctx context.Context, req JudgeRequest) (string, error) {
	if e.judge == nil {
		return "", errors.New("no judge configured")
	}
	return e.judge.Judge(ctx, req)
}

// Summarize ranks the completed runs and asks the best one for an analysis.
// Errored and stopped runs count towards the totals only.
func (e *Engine) Summarize(ctx context.Context, in Input) (*Report, error) {
	var completed []session.ModelRun
	for _, r := range in.Runs {
		if r.Status == session.RunCompleted {
			completed = append(completed, r)
		}
	}
	if len(completed) == 0 {
		return nil, ErrNothingToSummarize
	}

	words := make([]int, len(completed))
	totalWords := 0
	best := 0
	for i, r := range completed {
		words[i] = wordCount(r.Text)
		totalWords += words[i]
		if words[i] > words[best] {
			best = i
		}
	}
	avg := float64(totalWords) / float64(len(completed))

	metrics := make([]ModelMetrics, len(completed))
	for i, r := range completed {
		lines := lineCount(r.Text)
		m := ModelMetrics{
			Model:        r.Model,
			WordCount:    words[i],
			TokenCount:   e.counter.Count(r.Text),
			LineCount:    lines,
			Completeness: completeness(words[i], avg),
			BestUseCase:  bestUseCase(r.Text, words[i]),
		}
		m.Strengths, m.Weaknesses = assess(r.Text, words[i], lines, avg)
		m.Score = e.scorer.Score(m)
		metrics[i] = m
	}
	sort.SliceStable(metrics, func(i, j int) bool { return metrics[i].Score > metrics[j].Score })
	for i := range metrics {
		metrics[i].Rank = i + 1
	}

	report := &Report{
		SessionID:       in.SessionID,
		Question:        in.Question,
		BestModel:       completed[best].Model,
		TotalModels:     len(in.Runs),
		CompletedModels: len(completed),
		FailedModels:    len(in.Runs) - len(completed),
		AverageWords:    round1(avg),
		JudgeModel:      completed[best].Model,
		Rankings:        metrics,
		CreatedAt:       e.now(),
	}
	report.Recommendations = recommendations(report, completed, words)

	responses := make([]Response, len(completed))
	for i, r := range completed {
		responses[i] = Response{Model: r.Model, Text: r.Text}
	}
	analysis, err := e.Judge(ctx, JudgeRequest{
		Model:     completed[best].Target().Name,
		Prompt:    AnalysisPrompt,
		Responses: responses,
	})
	if err != nil {
		log.Warn().Err(err).Str("component", "summary").Str("session_id", in.SessionID).Msg("judge failed, using fallback analysis")
		report.JudgeFailed = true
		report.Analysis = "Summary generation failed: " + err.Error()
	} else {
		report.Analysis = strings.TrimSpace(analysis)
	}
	return report, nil
}

func recommendations(r *Report, completed []session.ModelRun, words []int) []string {
	best, concise := 0, 0
	for i := range completed {
		if words[i] > words[best] {
			best = i
		}
		if words[i] < words[concise] {
			concise = i
		}
	}
	recs := []string{
		fmt.Sprintf("%s provided the most detailed response (%d words)", completed[best].Model, words[best]),
	}
	if concise != best {
		recs = append(recs, fmt.Sprintf("%s gave the most concise response (%d words)", completed[concise].Model, words[concise]))
	}
	recs = append(recs, fmt.Sprintf("Average response length: %.0f words", r.AverageWords))
	if r.FailedModels > 0 {
		recs = append(recs, fmt.Sprintf("%d model(s) failed to complete - consider checking system resources", r.FailedModels))
	}
	if r.CompletedModels >= 5 {
		recs = append(recs, fmt.Sprintf("%d models answered; compare their perspectives before settling on one", r.CompletedModels))
	}
	return recs
}

// Markdown renders the report for terminals.
func (r *Report) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Report\n\n**Question:** %s\n\n", r.Question)
	fmt.Fprintf(&b, "**Best model:** %s (%d/%d models completed)\n\n", r.BestModel, r.CompletedModels, r.TotalModels)
	b.WriteString("## Rankings\n\n| Rank | Model | Score | Words | Tokens | Best for |\n|---|---|---|---|---|---|\n")
	for _, m := range r.Rankings {
		fmt.Fprintf(&b, "| %d | %s | %.1f | %d | %d | %s |\n", m.Rank, m.Model, m.Score, m.WordCount, m.TokenCount, m.BestUseCase)
	}
	b.WriteString("\n## Analysis\n\n")
	b.WriteString(r.Analysis)
	b.WriteString("\n\n## Recommendations\n\n")
	for _, rec := range r.Recommendations {
		fmt.Fprintf(&b, "- %s\n", rec)
	}
	return b.String()
}
