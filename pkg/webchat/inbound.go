package webchat

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/askq/pkg/fanout"
)

// InboundType tags client messages. A message without a type is a question.
type InboundType string

const (
	InboundQuestion InboundType = "question"
	InboundStop     InboundType = "stop"
	InboundPing     InboundType = "ping"
)

var (
	ErrInvalidJSON    = errors.New("Invalid JSON format")
	ErrNoQuestion     = errors.New("No question provided")
	ErrUnknownInbound = errors.New("Unknown message type")
	ErrInvalidLength  = errors.New("Invalid custom length")
)

// Inbound is one decoded client message.
type Inbound struct {
	Type           InboundType `json:"type"`
	Question       string      `json:"question"`
	Mode           string      `json:"mode"`
	ResponseLength string      `json:"responseLength"`
	CustomLength   flexInt     `json:"customLength"`
	SessionID      string      `json:"sessionId"`
	Models         []string    `json:"models,omitempty"`
}

// flexInt accepts a JSON number or a numeric string; browsers send either.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return ErrInvalidLength
	}
	*f = flexInt(n)
	return nil
}

// ParseInbound decodes and validates a client frame. The returned message is
// usable for its session id even when err is not nil.
func ParseInbound(data []byte) (Inbound, error) {
	var in Inbound
	text := strings.TrimSpace(string(data))
	if strings.EqualFold(text, "ping") {
		return Inbound{Type: InboundPing}, nil
	}
	if err := json.Unmarshal(data, &in); err != nil {
		if errors.Is(err, ErrInvalidLength) {
			return in, ErrInvalidLength
		}
		return in, ErrInvalidJSON
	}
	in.Type = InboundType(strings.ToLower(strings.TrimSpace(string(in.Type))))
	if in.Type == "" {
		in.Type = InboundQuestion
	}
	switch in.Type {
	case InboundQuestion:
		in.Question = strings.TrimSpace(in.Question)
		if in.Question == "" {
			return in, ErrNoQuestion
		}
		if in.CustomLength < 0 {
			return in, ErrInvalidLength
		}
	case InboundStop, InboundPing:
	default:
		return in, ErrUnknownInbound
	}
	return in, nil
}

func (in Inbound) ModeValue() fanout.Mode { return fanout.ParseMode(in.Mode) }

func (in Inbound) LengthValue() fanout.Length { return fanout.ParseLength(in.ResponseLength) }
