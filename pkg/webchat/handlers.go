package webchat

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/askq/pkg/events"
	"github.com/go-go-golems/askq/pkg/orchestrator"
	"github.com/go-go-golems/askq/pkg/stream"
	"github.com/go-go-golems/askq/pkg/summary"
)

func (s *Server) handleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Debug().Err(err).Str("component", "webchat").Msg("ws upgrade failed")
		return
	}
	connID := uuid.NewString()
	wsLog := log.With().
		Str("component", "webchat").
		Str("remote", conn.RemoteAddr().String()).
		Str("conn_id", connID).
		Logger()

	s.pool.Add(connID, conn)
	registry := s.orch.Registry()

	sub, owned, err := s.backend.BuildSubscriber(req.Context(), connID)
	if err != nil {
		wsLog.Error().Err(err).Msg("ws subscriber setup failed")
		s.pool.Remove(connID)
		return
	}
	fw := stream.NewForwarder(connID, sub, owned, func(sessionID string, payload []byte) (bool, error) {
		return registry.Deliver(connID, sessionID, func() error {
			return s.pool.Send(connID, payload)
		})
	})
	if err := fw.Start(s.baseCtx); err != nil {
		wsLog.Error().Err(err).Msg("ws forwarder start failed")
		if owned {
			_ = sub.Close()
		}
		s.pool.Remove(connID)
		return
	}
	wsLog.Info().Msg("ws connected")

	defer func() {
		registry.Disconnect(connID)
		fw.Close()
		s.backend.Release(s.baseCtx, connID)
		s.pool.Remove(connID)
		wsLog.Info().Msg("ws disconnected")
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			wsLog.Debug().Err(err).Msg("ws read loop end")
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.handleInbound(connID, data)
	}
}

func (s *Server) handleInbound(connID string, data []byte) {
	in, err := ParseInbound(data)
	if err != nil {
		s.sendError(connID, in.SessionID, err.Error())
		return
	}
	registry := s.orch.Registry()

	switch in.Type {
	case InboundPing:
		_ = s.pool.Send(connID, []byte(`{"type":"pong"}`))

	case InboundStop:
		sid := in.SessionID
		if sid == "" {
			sid, _ = registry.Current(connID)
		}
		if sid == "" || !registry.IsCurrent(connID, sid) {
			log.Debug().Str("component", "webchat").Str("conn_id", connID).Str("session_id", sid).Msg("stop for unknown session ignored")
			return
		}
		registry.Stop(sid)

	case InboundQuestion:
		_, err := s.orch.Submit(s.baseCtx, connID, orchestrator.Question{
			Text:        in.Question,
			Mode:        in.ModeValue(),
			Length:      in.LengthValue(),
			CustomLines: int(in.CustomLength),
			SessionID:   in.SessionID,
			Models:      in.Models,
		})
		if err != nil {
			log.Warn().Err(err).Str("component", "webchat").Str("conn_id", connID).Msg("submit failed")
			s.sendError(connID, in.SessionID, err.Error())
		}
	}
}

// sendError writes a lifecycle error straight to the socket; it belongs to no
// live session so it bypasses the bus.
func (s *Server) sendError(connID, sessionID, message string) {
	b, err := events.Encode(events.NewLifecycle(sessionID, events.LifecycleError, message, 0))
	if err != nil {
		return
	}
	_ = s.pool.Send(connID, b)
}

type metaSummaryRequest struct {
	Model     string            `json:"model"`
	Prompt    string            `json:"prompt"`
	Responses map[string]string `json:"responses"`
}

func (s *Server) handleMetaSummary(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.judge == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "summary engine not configured"})
		return
	}
	var body metaSummaryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 4<<20)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": ErrInvalidJSON.Error()})
		return
	}
	body.Model = strings.TrimSpace(body.Model)
	if body.Model == "" || strings.TrimSpace(body.Prompt) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing model or prompt"})
		return
	}

	content, err := s.judge.Judge(req.Context(), summary.JudgeRequest{
		Model:     body.Model,
		Prompt:    body.Prompt,
		Responses: summary.SortedResponses(body.Responses),
	})
	if err != nil {
		if errors.Is(err, summary.ErrUnknownModel) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Model " + body.Model + " not found"})
			return
		}
		log.Warn().Err(err).Str("component", "webchat").Str("model", body.Model).Msg("meta-summary failed")
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": content})
}

func (s *Server) handleReport(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessionID := strings.TrimSpace(strings.TrimPrefix(req.URL.Path, "/api/reports/"))
	if sessionID == "" {
		reports, err := s.reports.List(req.Context(), 50)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "listing reports failed"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"reports": reports})
		return
	}
	report, ok, err := s.reports.Get(req.Context(), sessionID)
	if err != nil {
		log.Error().Err(err).Str("component", "webchat").Str("session_id", sessionID).Msg("report lookup failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "report lookup failed"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "report not found"})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Str("component", "webchat").Msg("response write failed")
	}
}
