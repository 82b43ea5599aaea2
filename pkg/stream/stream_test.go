package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/askq/pkg/events"
	"github.com/go-go-golems/askq/pkg/fanout"
	"github.com/go-go-golems/askq/pkg/inference/catalog"
	"github.com/go-go-golems/askq/pkg/inference/client"
	"github.com/go-go-golems/askq/pkg/session"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) add(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

func (r *recorder) forSession(id string) []events.Event {
	var out []events.Event
	for _, e := range r.snapshot() {
		if e.Session() == id {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) lifecycle(id string, status events.Lifecycle) *events.LifecycleUpdate {
	for _, e := range r.forSession(id) {
		if lu, ok := e.(*events.LifecycleUpdate); ok && lu.Status == status {
			return lu
		}
	}
	return nil
}

type scriptResolver map[string][]client.Step

func (s scriptResolver) Resolve(m catalog.ModelInfo) (client.Client, error) {
	steps, ok := s[m.Key()]
	if !ok {
		return nil, errors.Errorf("no script for %s", m.Key())
	}
	return client.NewScripted(m, steps...), nil
}

type harness struct {
	t       *testing.T
	backend Backend
	reg     *session.Registry
	rec     *recorder
	connID  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		backend: NewMemoryBackend(NewZerologAdapter(zerolog.Nop())),
		reg:     session.NewRegistry(),
		rec:     &recorder{},
		connID:  "conn-1",
	}
	sub, owned, err := h.backend.BuildSubscriber(context.Background(), h.connID)
	require.NoError(t, err)
	fw := NewForwarder(h.connID, sub, owned, func(sid string, payload []byte) (bool, error) {
		return h.reg.Deliver(h.connID, sid, func() error {
			ev, err := events.Decode(payload)
			if err != nil {
				return err
			}
			h.rec.add(ev)
			return nil
		})
	})
	require.NoError(t, fw.Start(context.Background()))
	t.Cleanup(func() {
		fw.Close()
		_ = h.backend.Close()
	})
	return h
}

// run drives one session to its end and returns the state the aggregator left it in.
func (h *harness) start(resolver client.Resolver, mode fanout.Mode, targets []catalog.ModelInfo) (*session.Session, <-chan session.State) {
	sess, err := h.reg.Begin(h.connID)
	require.NoError(h.t, err)
	require.NoError(h.t, sess.AddRuns(targets))

	agg := NewAggregator(sess, NewEmitter(h.backend.Publisher(), h.connID, sess.ID), 0)
	sched := fanout.NewScheduler(resolver)
	go func() {
		_ = sched.Run(sess.Context(), fanout.Request{Question: "q", Mode: mode, Targets: targets}, agg.Updates())
	}()
	out := make(chan session.State, 1)
	go func() { out <- agg.Run(sess.Context()) }()
	return sess, out
}

func abc() []catalog.ModelInfo {
	return []catalog.ModelInfo{
		{Name: "a", DisplayName: "A", Provider: "test"},
		{Name: "b", DisplayName: "B", Provider: "test"},
		{Name: "c", DisplayName: "C", Provider: "test"},
	}
}

func waitState(t *testing.T, ch <-chan session.State) session.State {
	t.Helper()
	select {
	case st := <-ch:
		return st
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for aggregator")
		return ""
	}
}

func TestSessionCompletesAndTextsReconstruct(t *testing.T) {
	h := newHarness(t)
	resolver := scriptResolver{
		"A": client.Words("Paris is the capital of France.", time.Millisecond),
		"B": {{Delta: "The capital", Delay: time.Millisecond}, {Err: errors.New("timeout")}},
		"C": client.Words("France's capital is Paris, a major European city.", time.Millisecond),
	}
	sess, done := h.start(resolver, fanout.ModeBatch, abc())
	require.Equal(t, session.StateCompleted, waitState(t, done))

	require.Eventually(t, func() bool {
		return h.rec.lifecycle(sess.ID, events.LifecycleAllCompleted) != nil
	}, 2*time.Second, 5*time.Millisecond)

	final := h.rec.lifecycle(sess.ID, events.LifecycleAllCompleted)
	require.Equal(t, "Batch processing complete. 2/3 models responded successfully.", final.Message)
	require.Equal(t, 100, final.Progress)

	streamed := map[string]string{}
	fullResponse := map[string]string{}
	errs := map[string]string{}
	for _, e := range h.rec.forSession(sess.ID) {
		mu, ok := e.(*events.ModelUpdate)
		if !ok {
			continue
		}
		streamed[mu.Model] += mu.Content
		if mu.FullResponse != nil {
			fullResponse[mu.Model] = *mu.FullResponse
		}
		if mu.Status == session.RunError {
			errs[mu.Model] = mu.Error
		}
	}
	require.Equal(t, "Paris is the capital of France.", fullResponse["A"])
	require.Equal(t, streamed["A"], fullResponse["A"])
	require.Equal(t, streamed["C"], fullResponse["C"])
	require.Equal(t, "timeout", errs["B"])

	runs := sess.Runs()
	require.Equal(t, session.RunCompleted, runs[0].Status)
	require.Equal(t, session.RunError, runs[1].Status)
	require.Equal(t, "The capital", runs[1].Text)
	require.Equal(t, fullResponse["C"], runs[2].Text)
}

func TestLifecycleProgressIsMonotonic(t *testing.T) {
	h := newHarness(t)
	resolver := scriptResolver{}
	var targets []catalog.ModelInfo
	for _, n := range []string{"m1", "m2", "m3", "m4", "m5", "m6", "m7"} {
		resolver[n] = client.Words("short answer", time.Millisecond)
		targets = append(targets, catalog.ModelInfo{Name: n, Provider: "test"})
	}
	sess, done := h.start(resolver, fanout.ModeBatch, targets)
	require.Equal(t, session.StateCompleted, waitState(t, done))
	require.Eventually(t, func() bool {
		return h.rec.lifecycle(sess.ID, events.LifecycleAllCompleted) != nil
	}, 2*time.Second, 5*time.Millisecond)

	var progress []int
	for _, e := range h.rec.forSession(sess.ID) {
		if lu, ok := e.(*events.LifecycleUpdate); ok {
			progress = append(progress, lu.Progress)
		}
	}
	require.Equal(t, 10, progress[0])
	require.Equal(t, 100, progress[len(progress)-1])
	for i := 1; i < len(progress); i++ {
		require.GreaterOrEqual(t, progress[i], progress[i-1])
		if i < len(progress)-1 {
			require.LessOrEqual(t, progress[i], 90)
		}
	}
	// starting + three batches + all_completed
	require.Len(t, progress, 5)
}

func TestStopMidStream(t *testing.T) {
	h := newHarness(t)
	resolver := scriptResolver{
		"A": client.Words("one two three four five six seven eight", 20*time.Millisecond),
		"B": client.Words("one two three four five six seven eight", 20*time.Millisecond),
		"C": client.Words("one two three four five six seven eight", 20*time.Millisecond),
	}
	sess, done := h.start(resolver, fanout.ModeParallel, abc())

	require.Eventually(t, func() bool {
		r, _ := sess.Run("A")
		return r.Chunks > 0
	}, 2*time.Second, 2*time.Millisecond)
	require.True(t, h.reg.Stop(sess.ID))

	require.Equal(t, session.StateStopped, waitState(t, done))
	for _, r := range sess.Runs() {
		require.Equal(t, session.RunStopped, r.Status)
	}
	frozen := sess.Runs()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, frozen, sess.Runs())
	require.Nil(t, h.rec.lifecycle(sess.ID, events.LifecycleAllCompleted))
}

func TestStopKeepsResultsQueuedBeforeIt(t *testing.T) {
	h := newHarness(t)
	sess, err := h.reg.Begin(h.connID)
	require.NoError(t, err)
	require.NoError(t, sess.AddRuns(abc()))

	agg := NewAggregator(sess, NewEmitter(h.backend.Publisher(), h.connID, sess.ID), 0)
	final := "Paris."
	agg.Updates() <- fanout.Update{Kind: fanout.UpdateLaunched, Model: "A"}
	agg.Updates() <- fanout.Update{Kind: fanout.UpdateChunk, Model: "A", Delta: "Paris."}
	agg.Updates() <- fanout.Update{Kind: fanout.UpdateDone, Model: "A", Final: &final}
	agg.Updates() <- fanout.Update{Kind: fanout.UpdateFailed, Model: "B", Err: "timeout"}
	require.True(t, h.reg.Stop(sess.ID))

	require.Equal(t, session.StateStopped, agg.Run(sess.Context()))
	runs := sess.Runs()
	require.Equal(t, session.RunCompleted, runs[0].Status)
	require.Equal(t, "Paris.", runs[0].Text)
	require.Equal(t, session.RunError, runs[1].Status)
	require.Equal(t, session.RunStopped, runs[2].Status)

	// late results after settlement are refused
	_, ok := sess.Complete("C", &final)
	require.False(t, ok)

	require.Eventually(t, func() bool {
		statuses := map[string]session.RunStatus{}
		for _, e := range h.rec.forSession(sess.ID) {
			if mu, ok := e.(*events.ModelUpdate); ok {
				statuses[mu.Model] = mu.Status
			}
		}
		return statuses["A"] == session.RunCompleted && statuses["B"] == session.RunError && statuses["C"] == session.RunStopped
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSupersededSessionIsNotDelivered(t *testing.T) {
	h := newHarness(t)
	slow := scriptResolver{
		"A": client.Words("one two three four five six seven eight nine ten", 15*time.Millisecond),
		"B": client.Words("one two three four five six seven eight nine ten", 15*time.Millisecond),
		"C": client.Words("one two three four five six seven eight nine ten", 15*time.Millisecond),
	}
	first, firstDone := h.start(slow, fanout.ModeParallel, abc())
	require.Eventually(t, func() bool { return len(h.rec.forSession(first.ID)) > 3 }, 2*time.Second, 2*time.Millisecond)

	fast := scriptResolver{
		"A": client.Words("a", time.Millisecond),
		"B": client.Words("b", time.Millisecond),
		"C": client.Words("c", time.Millisecond),
	}
	second, secondDone := h.start(fast, fanout.ModeParallel, abc())
	seenBefore := len(h.rec.forSession(first.ID))

	require.Equal(t, session.StateStopped, waitState(t, firstDone))
	require.Equal(t, session.StateCompleted, waitState(t, secondDone))
	require.Eventually(t, func() bool {
		return h.rec.lifecycle(second.ID, events.LifecycleAllCompleted) != nil
	}, 2*time.Second, 5*time.Millisecond)

	// only a delivery already past the check when Begin ran may land, and it
	// lands before anything of the new session
	require.LessOrEqual(t, len(h.rec.forSession(first.ID)), seenBefore+1)
	lastOld, firstNew := -1, -1
	for i, e := range h.rec.snapshot() {
		switch e.Session() {
		case first.ID:
			lastOld = i
		case second.ID:
			if firstNew < 0 {
				firstNew = i
			}
		}
	}
	require.Less(t, lastOld, firstNew)
}

type stubSubscriber struct {
	ch chan *message.Message
}

func (s *stubSubscriber) Subscribe(ctx context.Context, _ string) (<-chan *message.Message, error) {
	out := make(chan *message.Message)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-s.ch:
				if !ok {
					return
				}
				out <- m
			}
		}
	}()
	return out, nil
}

func (s *stubSubscriber) Close() error { return nil }

func TestForwarderDropsUndeliverable(t *testing.T) {
	sub := &stubSubscriber{ch: make(chan *message.Message, 2)}
	var mu sync.Mutex
	var got []string
	fw := NewForwarder("c1", sub, true, func(sid string, payload []byte) (bool, error) {
		if sid != "current" {
			return false, nil
		}
		mu.Lock()
		got = append(got, string(payload))
		mu.Unlock()
		return true, nil
	})
	require.NoError(t, fw.Start(context.Background()))

	stale := message.NewMessage("1", []byte("stale"))
	stale.Metadata.Set(MetadataSessionID, "old")
	fresh := message.NewMessage("2", []byte("fresh"))
	fresh.Metadata.Set(MetadataSessionID, "current")
	sub.ch <- stale
	sub.ch <- fresh

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"fresh"}, got)

	fw.Close()
	require.False(t, fw.IsRunning())
}
