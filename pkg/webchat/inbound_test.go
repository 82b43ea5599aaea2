package webchat

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/askq/pkg/fanout"
)

func TestParseInbound(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    Inbound
		wantErr error
	}{
		{
			name: "untyped frame is a question",
			data: `{"question":" Why? ","mode":"parallel","responseLength":"custom","customLength":"7","sessionId":"s1"}`,
			want: Inbound{Type: InboundQuestion, Question: "Why?", Mode: "parallel", ResponseLength: "custom", CustomLength: 7, SessionID: "s1"},
		},
		{
			name: "numeric custom length",
			data: `{"type":"question","question":"q","customLength":12}`,
			want: Inbound{Type: InboundQuestion, Question: "q", CustomLength: 12},
		},
		{
			name: "stop",
			data: `{"type":"stop","sessionId":"s1"}`,
			want: Inbound{Type: InboundStop, SessionID: "s1"},
		},
		{
			name: "plain ping",
			data: "ping",
			want: Inbound{Type: InboundPing},
		},
		{
			name:    "empty question",
			data:    `{"question":"   ","sessionId":"s2"}`,
			want:    Inbound{Type: InboundQuestion, SessionID: "s2"},
			wantErr: ErrNoQuestion,
		},
		{
			name:    "malformed json",
			data:    `{"question":`,
			wantErr: ErrInvalidJSON,
		},
		{
			name:    "bad custom length",
			data:    `{"question":"q","customLength":"many"}`,
			wantErr: ErrInvalidLength,
		},
		{
			name:    "unknown type",
			data:    `{"type":"dance"}`,
			want:    Inbound{Type: "dance"},
			wantErr: ErrUnknownInbound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseInbound([]byte(tt.data))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				if tt.want.Type != "" {
					require.Equal(t, tt.want, got)
				}
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestInboundDefaults(t *testing.T) {
	in := Inbound{Mode: "unknown", ResponseLength: ""}
	require.Equal(t, fanout.ModeBatch, in.ModeValue())
	require.Equal(t, fanout.LengthMedium, in.LengthValue())
}
