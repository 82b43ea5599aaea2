// Package events defines the outbound messages a client receives for a session.
// Every message is a JSON object with a "type" discriminant and a "sessionId".
package events

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/go-go-golems/askq/pkg/session"
	"github.com/go-go-golems/askq/pkg/summary"
)

type Type string

const (
	TypeModel  Type = "model"
	TypeStatus Type = "status"
	TypeReport Type = "report"
)

// Lifecycle is the status of a lifecycle update.
type Lifecycle string

const (
	LifecycleStarting     Lifecycle = "starting"
	LifecycleBatchUpdate  Lifecycle = "batch_update"
	LifecycleAllCompleted Lifecycle = "all_completed"
	LifecycleError        Lifecycle = "error"
)

// Progress values of the lifecycle updates.
const (
	ProgressStarting = 10
	ProgressCap      = 90
	ProgressDone     = 100
)

// Event is implemented by every outbound message.
type Event interface {
	EventType() Type
	Session() string
}

// ModelUpdate reports the state of one model run.
type ModelUpdate struct {
	Type         Type              `json:"type"`
	Model        string            `json:"model"`
	Status       session.RunStatus `json:"status"`
	Content      string            `json:"content,omitempty"`
	FullResponse *string           `json:"full_response,omitempty"`
	Error        string            `json:"error,omitempty"`
	SessionID    string            `json:"sessionId"`
}

func (e *ModelUpdate) EventType() Type { return TypeModel }
func (e *ModelUpdate) Session() string { return e.SessionID }

// LifecycleUpdate reports the progress of the whole session.
type LifecycleUpdate struct {
	Type      Type      `json:"type"`
	Status    Lifecycle `json:"status"`
	Message   string    `json:"message"`
	Progress  int       `json:"progress"`
	SessionID string    `json:"sessionId"`
}

func (e *LifecycleUpdate) EventType() Type { return TypeStatus }
func (e *LifecycleUpdate) Session() string { return e.SessionID }

// ReportReady carries the final comparative report of a session.
type ReportReady struct {
	Type      Type            `json:"type"`
	SessionID string          `json:"sessionId"`
	Report    *summary.Report `json:"report"`
}

func (e *ReportReady) EventType() Type { return TypeReport }
func (e *ReportReady) Session() string { return e.SessionID }

func NewModelUpdate(sessionID string, run session.ModelRun) *ModelUpdate {
	return &ModelUpdate{Type: TypeModel, Model: run.Model, Status: run.Status, SessionID: sessionID}
}

func NewLifecycle(sessionID string, status Lifecycle, message string, progress int) *LifecycleUpdate {
	return &LifecycleUpdate{Type: TypeStatus, Status: status, Message: message, Progress: progress, SessionID: sessionID}
}

func NewReport(report *summary.Report) *ReportReady {
	return &ReportReady{Type: TypeReport, SessionID: report.SessionID, Report: report}
}

// Encode marshals an event, filling in its type discriminant.
func Encode(e Event) ([]byte, error) {
	switch ev := e.(type) {
	case *ModelUpdate:
		ev.Type = TypeModel
	case *LifecycleUpdate:
		ev.Type = TypeStatus
	case *ReportReady:
		ev.Type = TypeReport
	default:
		return nil, errors.Errorf("unknown event %T", e)
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "marshal event")
	}
	return b, nil
}

// Decode parses an outbound message back into its typed form.
func Decode(b []byte) (Event, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return nil, errors.Wrap(err, "decode event envelope")
	}
	var e Event
	switch head.Type {
	case TypeModel:
		e = &ModelUpdate{}
	case TypeStatus:
		e = &LifecycleUpdate{}
	case TypeReport:
		e = &ReportReady{}
	default:
		return nil, errors.Errorf("unknown event type %q", head.Type)
	}
	if err := json.Unmarshal(b, e); err != nil {
		return nil, errors.Wrapf(err, "decode %s event", head.Type)
	}
	return e, nil
}
