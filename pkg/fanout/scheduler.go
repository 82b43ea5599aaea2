// Package fanout launches one question against many models under an admission
// policy and reports every increment as an Update.
package fanout

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/askq/pkg/inference/catalog"
	"github.com/go-go-golems/askq/pkg/inference/client"
)

const (
	DefaultBatchSize    = 3
	DefaultModelTimeout = 120 * time.Second
	DefaultMaxChars     = 10000
	DefaultTemperature  = 0.7
	DefaultTopP         = 0.9

	TruncationNotice = "\n\n[Response truncated - maximum length reached]"
)

// UpdateKind discriminates Update.
type UpdateKind int

const (
	// UpdateStarting is the first update of a run: Total models in Mode.
	UpdateStarting UpdateKind = iota
	// UpdateProgress announces a batch (batch mode) or a model (sequential mode) being admitted.
	UpdateProgress
	// UpdateLaunched means a model's stream is about to open.
	UpdateLaunched
	UpdateChunk
	UpdateDone
	UpdateFailed
	// UpdateFinished is the last update: every admitted task has returned.
	UpdateFinished
)

// Update is what the scheduler reports to the aggregator.
type Update struct {
	Kind    UpdateKind
	Model   string
	Delta   string
	Final   *string
	Err     string
	Message string
	// Admitted counts models admitted so far; set on UpdateProgress.
	Admitted int
	Total    int
	Mode     Mode
}

// Request is one question to fan out.
type Request struct {
	Question    string
	Mode        Mode
	Length      Length
	CustomLines int
	Targets     []catalog.ModelInfo
}

// Scheduler launches model clients for a Request.
type Scheduler struct {
	resolver     client.Resolver
	batchSize    int
	modelTimeout time.Duration
	maxChars     int
	temperature  float64
	topP         float64
}

type Option func(*Scheduler)

func WithBatchSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func WithModelTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.modelTimeout = d
		}
	}
}

func WithMaxChars(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxChars = n
		}
	}
}

func WithSampling(temperature, topP float64) Option {
	return func(s *Scheduler) {
		s.temperature = temperature
		s.topP = topP
	}
}

func NewScheduler(resolver client.Resolver, opts ...Option) *Scheduler {
	s := &Scheduler{
		resolver:     resolver,
		batchSize:    DefaultBatchSize,
		modelTimeout: DefaultModelTimeout,
		maxChars:     DefaultMaxChars,
		temperature:  DefaultTemperature,
		topP:         DefaultTopP,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Scheduler) limit(mode Mode) int {
	switch mode {
	case ModeParallel:
		return -1
	case ModeSequential:
		return 1
	default:
		return s.batchSize
	}
}

// Run launches every target and blocks until each admitted task returned. It
// stops admitting when ctx is cancelled. A failing model never affects its
// siblings; the returned error is only ever ctx.Err().
func (s *Scheduler) Run(ctx context.Context, req Request, out chan<- Update) error {
	mode := req.Mode
	if mode == "" {
		mode = ModeBatch
	}
	total := len(req.Targets)
	emit := func(u Update) bool {
		select {
		case out <- u:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !emit(Update{
		Kind:    UpdateStarting,
		Total:   total,
		Mode:    mode,
		Message: fmt.Sprintf("Starting processing with %d models in %s mode", total, mode),
	}) {
		return ctx.Err()
	}

	prompt := BuildPrompt(req.Question, req.Length, req.CustomLines)
	creq := client.Request{
		Prompt:      prompt,
		MaxTokens:   req.Length.MaxTokens(),
		Temperature: s.temperature,
		TopP:        s.topP,
		Stop:        StopSequences,
	}

	eg := errgroup.Group{}
	eg.SetLimit(s.limit(mode))
	batches := (total + s.batchSize - 1) / s.batchSize

	for i, target := range req.Targets {
		if ctx.Err() != nil {
			break
		}
		eg.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if msg, ok := s.progressMessage(mode, i, req.Targets, batches); ok {
				if !emit(Update{Kind: UpdateProgress, Message: msg, Admitted: s.admitted(mode, i, total), Total: total, Mode: mode}) {
					return nil
				}
			}
			s.runOne(ctx, target, creq, emit)
			return nil
		})
	}
	_ = eg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	emit(Update{Kind: UpdateFinished, Total: total, Mode: mode})
	return nil
}

// progressMessage is emitted when the first model of a batch (batch mode) or any
// model (sequential mode) starts.
func (s *Scheduler) progressMessage(mode Mode, i int, targets []catalog.ModelInfo, batches int) (string, bool) {
	switch mode {
	case ModeSequential:
		return fmt.Sprintf("Processing model %d/%d: %s", i+1, len(targets), targets[i].Key()), true
	case ModeBatch:
		if i%s.batchSize != 0 {
			return "", false
		}
		end := min(i+s.batchSize, len(targets))
		names := make([]string, 0, end-i)
		for _, t := range targets[i:end] {
			names = append(names, t.Key())
		}
		return fmt.Sprintf("Processing batch %d/%d: %s", i/s.batchSize+1, batches, strings.Join(names, ", ")), true
	default:
		return "", false
	}
}

func (s *Scheduler) admitted(mode Mode, i, total int) int {
	if mode == ModeBatch {
		return min(i+s.batchSize, total)
	}
	return i + 1
}

// runOne streams one model. Nothing is emitted once the session context is done;
// the aggregator marks such runs stopped.
func (s *Scheduler) runOne(ctx context.Context, target catalog.ModelInfo, req client.Request, emit func(Update) bool) {
	model := target.Key()
	if !emit(Update{Kind: UpdateLaunched, Model: model}) {
		return
	}

	c, err := s.resolver.Resolve(target)
	if err != nil {
		emit(Update{Kind: UpdateFailed, Model: model, Err: err.Error()})
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, s.modelTimeout)
	defer cancel()

	chunks, errs := c.Generate(runCtx, req)
	var (
		length    int
		final     *string
		truncated bool
		text      strings.Builder
	)
	for ch := range chunks {
		if truncated {
			continue
		}
		if ch.Delta != "" {
			delta := ch.Delta
			n := utf8.RuneCountInString(delta)
			if length+n > s.maxChars {
				delta = cutRunes(delta, s.maxChars-length)
				n = utf8.RuneCountInString(delta)
				truncated = true
			}
			length += n
			text.WriteString(delta)
			if delta != "" && !emit(Update{Kind: UpdateChunk, Model: model, Delta: delta}) {
				return
			}
			if truncated {
				full := text.String() + TruncationNotice
				final = &full
				cancel()
				continue
			}
		}
		if ch.Final != nil {
			final = ch.Final
		}
	}
	streamErr := <-errs

	if ctx.Err() != nil {
		return
	}
	if streamErr != nil && !truncated {
		detail := streamErr.Error()
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			detail = fmt.Sprintf("Model %s timed out after %d seconds", model, int(s.modelTimeout.Seconds()))
		}
		log.Warn().Err(streamErr).Str("component", "fanout").Str("model", model).Msg("model failed")
		emit(Update{Kind: UpdateFailed, Model: model, Err: detail})
		return
	}
	if final == nil {
		full := text.String()
		final = &full
	}
	emit(Update{Kind: UpdateDone, Model: model, Final: final})
}

// cutRunes returns the first n runes of s.
func cutRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
