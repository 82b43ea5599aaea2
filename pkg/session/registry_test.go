package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/askq/pkg/inference/catalog"
)

var threeModels = []catalog.ModelInfo{
	{Name: "a:latest", DisplayName: "A", Provider: "echo"},
	{Name: "b:latest", DisplayName: "B", Provider: "echo"},
	{Name: "c:latest", DisplayName: "C", Provider: "echo"},
}

func TestBeginSupersedesPreviousSession(t *testing.T) {
	r := NewRegistry()

	s1, err := r.Begin("conn-1")
	require.NoError(t, err)
	require.NoError(t, s1.AddRuns(threeModels))
	_, ok := s1.Append("A", "partial")
	require.True(t, ok)

	s2, err := r.Begin("conn-1")
	require.NoError(t, err)
	require.NotEqual(t, s1.ID, s2.ID)

	require.Equal(t, StateStopped, s1.State())
	require.Error(t, s1.Context().Err())
	require.Len(t, s1.Settle(), 3)
	for _, run := range s1.Runs() {
		require.Equal(t, RunStopped, run.Status)
	}
	require.Equal(t, StateActive, s2.State())
	require.True(t, r.IsCurrent("conn-1", s2.ID))
	require.False(t, r.IsCurrent("conn-1", s1.ID))

	ran, err := r.Deliver("conn-1", s1.ID, func() error { return nil })
	require.NoError(t, err)
	require.False(t, ran)
}

func TestBeginAdoptsProposedID(t *testing.T) {
	r := NewRegistry()

	s, err := r.Begin("conn-1", WithSessionID("client-chosen"))
	require.NoError(t, err)
	require.Equal(t, "client-chosen", s.ID)

	other, err := r.Begin("conn-2", WithSessionID("client-chosen"))
	require.NoError(t, err)
	require.NotEqual(t, "client-chosen", other.ID)

	_, err = r.Begin("")
	require.ErrorIs(t, err, ErrNoConnection)
}

func TestConnectionsAreIndependent(t *testing.T) {
	r := NewRegistry()
	a, err := r.Begin("conn-a")
	require.NoError(t, err)
	b, err := r.Begin("conn-b")
	require.NoError(t, err)

	require.Equal(t, StateActive, a.State())
	require.Equal(t, StateActive, b.State())
	require.False(t, r.IsCurrent("conn-a", b.ID))
}

func TestStopIsIdempotent(t *testing.T) {
	r := NewRegistry()
	s, err := r.Begin("conn-1")
	require.NoError(t, err)
	require.NoError(t, s.AddRuns(threeModels))
	_, ok := s.Complete("A", nil)
	require.True(t, ok)

	require.True(t, r.Stop(s.ID))
	require.Len(t, s.Settle(), 2)
	first := s.Runs()
	require.False(t, r.Stop(s.ID))
	require.Empty(t, s.Settle())
	require.Equal(t, first, s.Runs())

	require.Equal(t, RunCompleted, first[0].Status)
	require.Equal(t, RunStopped, first[1].Status)
	require.False(t, r.Stop("unknown"))
}

func TestStoppedSessionKeepsTerminalResultsUntilSettled(t *testing.T) {
	r := NewRegistry()
	s, err := r.Begin("conn-1")
	require.NoError(t, err)
	require.NoError(t, s.AddRuns(threeModels))
	_, ok := s.Append("A", "Paris")
	require.True(t, ok)

	require.True(t, r.Stop(s.ID))
	_, ok = s.Append("A", " is")
	require.False(t, ok)
	run, ok := s.Complete("A", nil)
	require.True(t, ok)
	require.Equal(t, "Paris", run.Text)
	_, ok = s.Fail("B", "timeout")
	require.True(t, ok)

	settled := s.Settle()
	require.Len(t, settled, 1)
	require.Equal(t, "C", settled[0].Model)
	_, ok = s.Fail("C", "late")
	require.False(t, ok)
}

func TestStopAfterCompletionIsNoop(t *testing.T) {
	r := NewRegistry()
	s, err := r.Begin("conn-1")
	require.NoError(t, err)
	require.NoError(t, s.AddRuns(threeModels[:1]))
	_, ok := s.Complete("A", nil)
	require.True(t, ok)
	require.True(t, s.Finish())

	require.False(t, r.Stop(s.ID))
	require.Equal(t, StateCompleted, s.State())
}

func TestTerminalRunDropsLateIncrements(t *testing.T) {
	r := NewRegistry()
	s, err := r.Begin("conn-1")
	require.NoError(t, err)
	require.NoError(t, s.AddRuns(threeModels))

	_, ok := s.Append("A", "Paris ")
	require.True(t, ok)
	_, ok = s.Append("A", "is the capital.")
	require.True(t, ok)
	final := "Paris is the capital of France."
	run, ok := s.Complete("A", &final)
	require.True(t, ok)
	require.Equal(t, final, run.Text)
	require.Equal(t, 2, run.Chunks)

	_, ok = s.Append("A", " late")
	require.False(t, ok)
	_, ok = s.Fail("A", "late error")
	require.False(t, ok)
	got, _ := s.Run("A")
	require.Equal(t, final, got.Text)
	require.Equal(t, RunCompleted, got.Status)
	require.Empty(t, got.Error)
}

func TestFinishNeedsAllRunsTerminal(t *testing.T) {
	r := NewRegistry()
	s, err := r.Begin("conn-1")
	require.NoError(t, err)
	require.NoError(t, s.AddRuns(threeModels))

	s.Complete("A", nil)
	s.Fail("B", "timeout")
	require.False(t, s.Finish())
	s.Complete("C", nil)
	require.True(t, s.Finish())
	require.Equal(t, StateCompleted, s.State())
	require.False(t, s.Finish())
}

func TestDisconnectStopsCurrentSession(t *testing.T) {
	r := NewRegistry()
	s, err := r.Begin("conn-1")
	require.NoError(t, err)

	r.Disconnect("conn-1")
	require.Equal(t, StateStopped, s.State())
	_, ok := r.Current("conn-1")
	require.False(t, ok)
}

func TestRetentionPrunesTerminalSessions(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	r := NewRegistry(WithClock(clock), WithRetention(time.Minute))
	old, err := r.Begin("conn-1")
	require.NoError(t, err)
	cur, err := r.Begin("conn-1")
	require.NoError(t, err)

	advance(2 * time.Minute)
	r.Stop(cur.ID)

	ids := map[string]bool{}
	for _, s := range r.Sessions() {
		ids[s.ID] = true
	}
	require.False(t, ids[old.ID])
	require.True(t, ids[cur.ID])
	_, err = r.Lookup(old.ID)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestBeginDoesNotWaitForSlowDelivery(t *testing.T) {
	r := NewRegistry()
	s1, err := r.Begin("conn-1")
	require.NoError(t, err)

	writing := make(chan struct{})
	release := make(chan struct{})
	deliverDone := make(chan bool, 1)
	go func() {
		ran, _ := r.Deliver("conn-1", s1.ID, func() error {
			close(writing)
			<-release
			return nil
		})
		deliverDone <- ran
	}()
	<-writing

	begun := make(chan *Session, 1)
	go func() {
		s2, err := r.Begin("conn-1")
		if err == nil {
			begun <- s2
		}
	}()
	var s2 *Session
	select {
	case s2 = <-begun:
	case <-time.After(time.Second):
		t.Fatal("Begin blocked behind a delivery")
	}
	close(release)
	require.True(t, <-deliverDone)

	ran, err := r.Deliver("conn-1", s1.ID, func() error { return nil })
	require.NoError(t, err)
	require.False(t, ran)
	ran, err = r.Deliver("conn-1", s2.ID, func() error { return nil })
	require.NoError(t, err)
	require.True(t, ran)
}
