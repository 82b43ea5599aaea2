// Package orchestrator runs a question end to end: it begins the session, fans
// the question out, aggregates the answers and publishes the final report.
package orchestrator

import (
	"context"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/askq/pkg/events"
	"github.com/go-go-golems/askq/pkg/fanout"
	"github.com/go-go-golems/askq/pkg/inference/catalog"
	"github.com/go-go-golems/askq/pkg/persistence/reportstore"
	"github.com/go-go-golems/askq/pkg/session"
	"github.com/go-go-golems/askq/pkg/stream"
	"github.com/go-go-golems/askq/pkg/summary"
)

var (
	ErrEmptyQuestion = errors.New("No question provided")
	ErrNoModels      = errors.New("No models available")
)

// Question is one submission of a client.
type Question struct {
	Text        string
	Mode        fanout.Mode
	Length      fanout.Length
	CustomLines int
	// SessionID is the id the client proposes for the session.
	SessionID string
	// Models restricts the fan-out to these catalog names when non-empty.
	Models []string
}

// Catalog lists the models a question is fanned out to.
type Catalog interface {
	List(ctx context.Context) ([]catalog.ModelInfo, error)
}

// Orchestrator wires the registry, scheduler, bus, summary engine and report store.
type Orchestrator struct {
	registry    *session.Registry
	catalog     Catalog
	scheduler   *fanout.Scheduler
	publisher   message.Publisher
	summarizer  *summary.Engine
	store       reportstore.Store
	channelSize int

	wg sync.WaitGroup
}

type Option func(*Orchestrator)

func WithReportStore(s reportstore.Store) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.store = s
		}
	}
}

func WithChannelSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.channelSize = n
		}
	}
}

func New(
	registry *session.Registry,
	cat Catalog,
	scheduler *fanout.Scheduler,
	publisher message.Publisher,
	summarizer *summary.Engine,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		registry:    registry,
		catalog:     cat,
		scheduler:   scheduler,
		publisher:   publisher,
		summarizer:  summarizer,
		store:       reportstore.NewInMemoryStore(),
		channelSize: stream.DefaultChannelSize,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) Registry() *session.Registry { return o.registry }

func (o *Orchestrator) Reports() reportstore.Store { return o.store }

// Submit begins a session for the connection, superseding its previous one, and
// processes it in the background. Events go to the connection's bus topic.
func (o *Orchestrator) Submit(ctx context.Context, connID string, q Question) (*session.Session, error) {
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return nil, ErrEmptyQuestion
	}
	sess, err := o.registry.Begin(connID, session.WithSessionID(q.SessionID))
	if err != nil {
		return nil, err
	}
	emitter := stream.NewEmitter(o.publisher, connID, sess.ID)

	targets, err := o.targets(ctx, q.Models)
	if err != nil {
		log.Warn().Err(err).Str("component", "orchestrator").Str("session_id", sess.ID).Msg("no models to ask")
		sess.MarkFailed(ErrNoModels.Error())
		emitter.Lifecycle(events.LifecycleError, ErrNoModels.Error(), 0)
		sess.Release()
		return sess, nil
	}
	if err := sess.AddRuns(targets); err != nil {
		// superseded between Begin and here
		return sess, nil
	}

	log.Info().Str("component", "orchestrator").Str("conn_id", connID).Str("session_id", sess.ID).
		Int("models", len(targets)).Str("mode", string(q.Mode)).Msg("session submitted")

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.process(sess, emitter, fanout.Request{
			Question:    q.Text,
			Mode:        q.Mode,
			Length:      q.Length,
			CustomLines: q.CustomLines,
			Targets:     targets,
		})
	}()
	return sess, nil
}

// Wait blocks until every submitted session has finished processing.
func (o *Orchestrator) Wait() { o.wg.Wait() }

func (o *Orchestrator) targets(ctx context.Context, only []string) ([]catalog.ModelInfo, error) {
	models, err := o.catalog.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(only) > 0 {
		want := map[string]bool{}
		for _, m := range only {
			want[m] = true
		}
		var filtered []catalog.ModelInfo
		for _, m := range models {
			if want[m.Key()] || want[m.Name] {
				filtered = append(filtered, m)
			}
		}
		models = filtered
	}
	if len(models) == 0 {
		return nil, ErrNoModels
	}
	return models, nil
}

func (o *Orchestrator) process(sess *session.Session, emitter *stream.Emitter, req fanout.Request) {
	ctx := sess.Context()
	defer sess.Release()

	agg := stream.NewAggregator(sess, emitter, o.channelSize)
	go func() {
		if err := o.scheduler.Run(ctx, req, agg.Updates()); err != nil {
			log.Debug().Err(err).Str("component", "orchestrator").Str("session_id", sess.ID).Msg("scheduler stopped early")
		}
	}()

	state := agg.Run(ctx)
	if state != session.StateCompleted {
		log.Info().Str("component", "orchestrator").Str("session_id", sess.ID).Str("state", string(state)).Msg("session ended without report")
		return
	}

	report, err := o.summarizer.Summarize(ctx, summary.Input{SessionID: sess.ID, Question: req.Question, Runs: sess.Runs()})
	if err != nil {
		if errors.Is(err, summary.ErrNothingToSummarize) {
			emitter.Lifecycle(events.LifecycleError, "No successful responses: nothing to summarize", events.ProgressDone)
			return
		}
		log.Error().Err(err).Str("component", "orchestrator").Str("session_id", sess.ID).Msg("summary failed")
		emitter.Lifecycle(events.LifecycleError, "Summary failed: "+err.Error(), events.ProgressDone)
		return
	}

	if err := o.store.Save(context.WithoutCancel(ctx), report); err != nil {
		log.Warn().Err(err).Str("component", "orchestrator").Str("session_id", sess.ID).Msg("failed to persist report")
	}
	emitter.Emit(events.NewReport(report))
	log.Info().Str("component", "orchestrator").Str("session_id", sess.ID).Str("best_model", report.BestModel).
		Bool("judge_failed", report.JudgeFailed).Msg("report published")
}
