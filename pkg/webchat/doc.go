// Package webchat is the websocket transport of askq.
//
// Every websocket gets a connection id. Client frames (question, stop, ping) are
// decoded by ParseInbound and turned into orchestrator calls. Session events
// come back over the event bus: a per-connection stream.Forwarder writes them
// to the socket through SessionRegistry.Deliver, which drops events of
// superseded sessions.
//
// Routes:
//   - /ws                      websocket endpoint
//   - POST /api/meta-summary   ad-hoc judge call over a set of answers
//   - GET /api/reports/{id}    persisted session report
package webchat
