// websocket.go - WebSocket push for batch job progress
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/kontext-harmonise/backend/internal/batch"
)

// Server -> client message types
const (
	MsgTypeProgress = "progress"
	MsgTypeComplete = "complete"
	MsgTypeError    = "error"
)

// WSMessage is the envelope for progress messages pushed to the client.
type WSMessage struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The UI is served from the same origin; cross-origin policy is enforced
	// by the CORS middleware on the HTTP routes.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleBatchWS upgrades the connection and pushes job progress until the
// job finishes or the client goes away.
func (h *Handler) HandleBatchWS(c echo.Context) error {
	id := c.Param("jobId")
	if id == "" {
		return NewValidationError("jobId")
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return NewBadRequestError("websocket upgrade failed", err)
	}
	defer conn.Close()

	// Drain client messages so pings are answered and closes are seen.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return nil
		case <-ticker.C:
			job, ok := h.batchMgr.GetJob(id)
			if !ok {
				writeWSMessage(conn, MsgTypeError, map[string]string{"error": "job not found"})
				return nil
			}

			msgType := MsgTypeProgress
			switch job.Status {
			case batch.StatusComplete:
				msgType = MsgTypeComplete
			case batch.StatusError:
				msgType = MsgTypeError
			}
			if err := writeWSMessage(conn, msgType, job); err != nil {
				return nil
			}
			if msgType != MsgTypeProgress {
				return nil
			}
		}
	}
}

// writeWSMessage marshals and sends one envelope.
func writeWSMessage(conn *websocket.Conn, msgType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	msg := WSMessage{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UnixMilli(),
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(msg)
}
