package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/homeport-sh/homeport/internal/lifecycle"
	"github.com/homeport-sh/homeport/internal/store"
)

const (
	logPollInterval = 1 * time.Second
	logBatchSize    = 100
	writeWait       = 10 * time.Second
	pingPeriod      = 30 * time.Second
)

// LogStreamHandler streams deployment log entries over a websocket.
type LogStreamHandler struct {
	tracker  *lifecycle.Tracker
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewLogStreamHandler creates a new log stream handler.
func NewLogStreamHandler(trk *lifecycle.Tracker, logger *slog.Logger) *LogStreamHandler {
	return &LogStreamHandler{
		tracker: trk,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The API is operator-facing on the local network; tokens
			// already gate the route.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Stream handles GET /v1/deployments/:deploymentID/logs/ws - tails the
// deployment log until the deployment reaches a terminal state or the client
// disconnects.
func (h *LogStreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	deploymentID := chi.URLParam(r, "deploymentID")

	if _, err := h.tracker.Get(r.Context(), deploymentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "Deployment not found")
			return
		}
		h.logger.Error("failed to get deployment", "error", err, "deployment_id", deploymentID)
		WriteInternalError(w, "Failed to get deployment")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err, "deployment_id", deploymentID)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reader pump: the client sends nothing we care about, but reading is
	// how we notice a disconnect.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.tail(ctx, conn, deploymentID)
}

func (h *LogStreamHandler) tail(ctx context.Context, conn *websocket.Conn, deploymentID string) {
	poll := time.NewTicker(logPollInterval)
	defer poll.Stop()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	var lastID int64
	for {
		entries, err := h.tracker.LogsAfter(ctx, deploymentID, lastID, logBatchSize)
		if err != nil {
			h.logger.Warn("log tail read failed", "error", err, "deployment_id", deploymentID)
			return
		}

		for _, entry := range entries {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(entry); err != nil {
				return
			}
			lastID = entry.ID
		}

		// Only stop on a terminal deployment once the backlog is drained.
		if len(entries) < logBatchSize {
			d, err := h.tracker.Get(ctx, deploymentID)
			if err != nil {
				return
			}
			if d.Status.IsTerminal() {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(d.Status)))
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-poll.C:
		}
	}
}
