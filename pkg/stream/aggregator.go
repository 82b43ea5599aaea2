package stream

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/askq/pkg/events"
	"github.com/go-go-golems/askq/pkg/fanout"
	"github.com/go-go-golems/askq/pkg/session"
)

const DefaultChannelSize = 64

// Emitter publishes session events on the topic of the session's connection.
type Emitter struct {
	publisher message.Publisher
	topic     string
	sessionID string
}

func NewEmitter(publisher message.Publisher, connID, sessionID string) *Emitter {
	return &Emitter{publisher: publisher, topic: TopicForConnection(connID), sessionID: sessionID}
}

// Emit publishes one event. Failures are logged; a lost event never stops a session.
func (e *Emitter) Emit(ev events.Event) {
	payload, err := events.Encode(ev)
	if err != nil {
		log.Error().Err(err).Str("component", "stream").Str("session_id", e.sessionID).Msg("encode event failed")
		return
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set(MetadataSessionID, ev.Session())
	msg.Metadata.Set(MetadataType, string(ev.EventType()))
	if mu, ok := ev.(*events.ModelUpdate); ok {
		msg.Metadata.Set(MetadataModel, mu.Model)
	}
	if err := e.publisher.Publish(e.topic, msg); err != nil {
		log.Warn().Err(err).Str("component", "stream").Str("session_id", e.sessionID).Str("topic", e.topic).Msg("publish failed")
	}
}

// Lifecycle publishes a lifecycle update for the emitter's session.
func (e *Emitter) Lifecycle(status events.Lifecycle, message string, progress int) {
	e.Emit(events.NewLifecycle(e.sessionID, status, message, progress))
}

// Aggregator is the single writer of a session's run state. Producers send
// updates on its bounded channel; it applies them and publishes the resulting events.
type Aggregator struct {
	sess     *session.Session
	emitter  *Emitter
	updates  chan fanout.Update
	progress int
	mode     fanout.Mode
}

func NewAggregator(sess *session.Session, emitter *Emitter, size int) *Aggregator {
	if size <= 0 {
		size = DefaultChannelSize
	}
	return &Aggregator{
		sess:    sess,
		emitter: emitter,
		updates: make(chan fanout.Update, size),
	}
}

// Updates is the channel producers send on.
func (a *Aggregator) Updates() chan<- fanout.Update { return a.updates }

// Run consumes updates until the producers report UpdateFinished or the session
// context ends. It returns the session state it left the session in.
func (a *Aggregator) Run(ctx context.Context) session.State {
	for {
		select {
		case <-ctx.Done():
			return a.stopped()
		case u := <-a.updates:
			if done := a.apply(u); done {
				return a.sess.State()
			}
		}
	}
}

func (a *Aggregator) apply(u fanout.Update) bool {
	sid := a.sess.ID
	switch u.Kind {
	case fanout.UpdateStarting:
		a.mode = u.Mode
		a.progress = events.ProgressStarting
		if a.sess.State() == session.StateActive {
			a.emitter.Lifecycle(events.LifecycleStarting, u.Message, a.progress)
		}

	case fanout.UpdateProgress:
		if a.sess.State() != session.StateActive {
			return false
		}
		if u.Total > 0 {
			p := events.ProgressStarting + (events.ProgressCap-events.ProgressStarting)*u.Admitted/u.Total
			a.progress = max(a.progress, min(p, events.ProgressCap))
		}
		a.emitter.Lifecycle(events.LifecycleBatchUpdate, u.Message, a.progress)

	case fanout.UpdateLaunched:
		if run, ok := a.sess.Start(u.Model); ok {
			a.emitter.Emit(events.NewModelUpdate(sid, run))
		}

	case fanout.UpdateChunk:
		if run, ok := a.sess.Append(u.Model, u.Delta); ok {
			ev := events.NewModelUpdate(sid, run)
			ev.Content = u.Delta
			a.emitter.Emit(ev)
		}

	case fanout.UpdateDone:
		if run, ok := a.sess.Complete(u.Model, u.Final); ok {
			ev := events.NewModelUpdate(sid, run)
			text := run.Text
			ev.FullResponse = &text
			a.emitter.Emit(ev)
		}

	case fanout.UpdateFailed:
		if run, ok := a.sess.Fail(u.Model, u.Err); ok {
			ev := events.NewModelUpdate(sid, run)
			ev.Error = run.Error
			a.emitter.Emit(ev)
		}

	case fanout.UpdateFinished:
		if !a.sess.Finish() {
			// producers returned without settling every run
			a.sess.Stop()
			a.settle()
			return true
		}
		completed := 0
		runs := a.sess.Runs()
		for _, r := range runs {
			if r.Status == session.RunCompleted {
				completed++
			}
		}
		a.progress = events.ProgressDone
		a.emitter.Lifecycle(events.LifecycleAllCompleted,
			fmt.Sprintf("%s processing complete. %d/%d models responded successfully.", a.mode.Title(), completed, len(runs)),
			a.progress)
		return true
	}
	return false
}

// stopped settles a session whose context ended while runs were in flight.
// Results already queued are applied first so finished runs keep them.
func (a *Aggregator) stopped() session.State {
	if a.sess.Stop() {
		log.Debug().Str("component", "stream").Str("session_id", a.sess.ID).Msg("session context ended, runs stopped")
	}
	a.drain()
	a.settle()
	return a.sess.State()
}

func (a *Aggregator) drain() {
	for {
		select {
		case u := <-a.updates:
			if u.Kind == fanout.UpdateDone || u.Kind == fanout.UpdateFailed {
				a.apply(u)
			}
		default:
			return
		}
	}
}

func (a *Aggregator) settle() {
	for _, run := range a.sess.Settle() {
		a.emitter.Emit(events.NewModelUpdate(a.sess.ID, run))
	}
}
