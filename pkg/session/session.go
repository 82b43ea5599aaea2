package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/askq/pkg/inference/catalog"
)

// State is the lifecycle state of a Session.
type State string

const (
	StateActive    State = "active"
	StateStopped   State = "stopped"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

func (s State) Terminal() bool { return s != StateActive }

// RunStatus is the lifecycle state of one model inside a session.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunStreaming RunStatus = "streaming"
	RunCompleted RunStatus = "completed"
	RunError     RunStatus = "error"
	RunStopped   RunStatus = "stopped"
)

func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunError || s == RunStopped
}

// ModelRun is the per-model state of a session. Values returned by Session are copies.
type ModelRun struct {
	Index      int       `json:"index"`
	Model      string    `json:"model"`
	ModelName  string    `json:"model_name"`
	Provider   string    `json:"provider"`
	Status     RunStatus `json:"status"`
	Text       string    `json:"text"`
	Error      string    `json:"error,omitempty"`
	Chunks     int       `json:"chunks"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Target returns the catalog entry the run was created from.
func (r ModelRun) Target() catalog.ModelInfo {
	return catalog.ModelInfo{Name: r.ModelName, DisplayName: r.Model, Provider: r.Provider}
}

// Session is one question fanned out to a set of models for one connection.
//
// All state changes go through methods holding mu. Stop issued from the
// transport only flips the session state; run status is written by the
// aggregator, which settles unfinished runs with Settle.
type Session struct {
	ID           string
	ConnectionID string
	CreatedAt    time.Time

	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time

	mu         sync.Mutex
	state      State
	reason     string
	runs       []*ModelRun
	byModel    map[string]*ModelRun
	finishedAt time.Time
	settled    bool
}

func newSession(parent context.Context, id, connID string, now func() time.Time) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		ID:           id,
		ConnectionID: connID,
		CreatedAt:    now(),
		ctx:          ctx,
		cancel:       cancel,
		now:          now,
		state:        StateActive,
		byModel:      map[string]*ModelRun{},
	}
}

// Context is cancelled when the session is stopped or released.
func (s *Session) Context() context.Context { return s.ctx }

// Release cancels the session context without changing its state.
func (s *Session) Release() { s.cancel() }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reason describes why a session failed.
func (s *Session) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Session) FinishedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedAt
}

// AddRuns registers one pending run per target, in order. Targets whose key is
// already registered are skipped.
func (s *Session) AddRuns(targets []catalog.ModelInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return errors.Errorf("session %s is %s", s.ID, s.state)
	}
	for _, t := range targets {
		key := t.Key()
		if _, ok := s.byModel[key]; ok {
			continue
		}
		r := &ModelRun{
			Index:     len(s.runs),
			Model:     key,
			ModelName: t.Name,
			Provider:  t.Provider,
			Status:    RunPending,
		}
		s.runs = append(s.runs, r)
		s.byModel[key] = r
	}
	return nil
}

// Runs returns a snapshot of every run in discovery order.
func (s *Session) Runs() []ModelRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ModelRun, len(s.runs))
	for i, r := range s.runs {
		out[i] = *r
	}
	return out
}

func (s *Session) Run(model string) (ModelRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byModel[model]
	if !ok {
		return ModelRun{}, false
	}
	return *r, true
}

// live returns the run if both the session and the run still accept updates.
func (s *Session) live(model string) *ModelRun {
	if s.state != StateActive {
		return nil
	}
	r, ok := s.byModel[model]
	if !ok || r.Status.Terminal() {
		return nil
	}
	return r
}

// settling returns the run if it may still record a terminal result: the
// session is active, or stopped and not yet settled.
func (s *Session) settling(model string) *ModelRun {
	if s.state != StateActive && (s.state != StateStopped || s.settled) {
		return nil
	}
	r, ok := s.byModel[model]
	if !ok || r.Status.Terminal() {
		return nil
	}
	return r
}

// Start moves a pending run to streaming. It reports false when the update is dropped.
func (s *Session) Start(model string) (ModelRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.live(model)
	if r == nil {
		return ModelRun{}, false
	}
	r.Status = RunStreaming
	if r.StartedAt.IsZero() {
		r.StartedAt = s.now()
	}
	return *r, true
}

// Append adds an increment to a non-terminal run.
func (s *Session) Append(model, delta string) (ModelRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.live(model)
	if r == nil {
		return ModelRun{}, false
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = s.now()
	}
	r.Status = RunStreaming
	r.Text += delta
	r.Chunks++
	return *r, true
}

// Complete freezes the run's text, replacing it with final when provided.
func (s *Session) Complete(model string, final *string) (ModelRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.settling(model)
	if r == nil {
		return ModelRun{}, false
	}
	if final != nil {
		r.Text = *final
	}
	r.Status = RunCompleted
	r.FinishedAt = s.now()
	return *r, true
}

// Fail marks the run as errored.
func (s *Session) Fail(model, detail string) (ModelRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.settling(model)
	if r == nil {
		return ModelRun{}, false
	}
	r.Status = RunError
	r.Error = detail
	r.FinishedAt = s.now()
	return *r, true
}

// Stop marks an active session stopped and cancels the session context. It
// reports whether the state changed. Runs keep their status until Settle.
func (s *Session) Stop() bool {
	s.mu.Lock()
	changed := false
	if s.state == StateActive {
		s.state = StateStopped
		s.finishedAt = s.now()
		changed = true
	}
	s.mu.Unlock()
	s.cancel()
	return changed
}

// Settle moves the non-terminal runs of a stopped session to stopped and
// returns them. Results arriving afterwards are refused.
func (s *Session) Settle() []ModelRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateActive || s.settled {
		return nil
	}
	s.settled = true
	now := s.now()
	var out []ModelRun
	for _, r := range s.runs {
		if !r.Status.Terminal() {
			r.Status = RunStopped
			r.FinishedAt = now
			out = append(out, *r)
		}
	}
	return out
}

// MarkFailed moves an active session to failed.
func (s *Session) MarkFailed(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return false
	}
	now := s.now()
	for _, r := range s.runs {
		if !r.Status.Terminal() {
			r.Status = RunStopped
			r.FinishedAt = now
		}
	}
	s.state = StateFailed
	s.reason = reason
	s.finishedAt = now
	return true
}

// Finish completes an active session whose runs are all terminal.
func (s *Session) Finish() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return false
	}
	for _, r := range s.runs {
		if !r.Status.Terminal() {
			return false
		}
	}
	s.state = StateCompleted
	s.finishedAt = s.now()
	return true
}
