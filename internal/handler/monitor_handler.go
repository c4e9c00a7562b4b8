package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/response"
	"github.com/stemsi/exstem-engine/internal/room"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
	refreshTimeout    = 5 * time.Second // prevent slow reads from blocking the SSE loop
)

type MonitorHandler struct {
	proctor *room.Proctor
	log     zerolog.Logger
}

func NewMonitorHandler(proctor *room.Proctor, log zerolog.Logger) *MonitorHandler {
	return &MonitorHandler{
		proctor: proctor,
		log:     log.With().Str("component", "monitor_handler").Logger(),
	}
}

// MonitorRoomSSE godoc
// GET /api/v1/proctor/rooms/:assignment_id/monitor
// Streams a room snapshot, then every heartbeat, violation, kick and status
// change, with periodic full refreshes.
func (h *MonitorHandler) MonitorRoomSSE(c *gin.Context) {
	assignmentID := c.Param("assignment_id")
	reqCtx := c.Request.Context()

	view, err := h.proctor.Get(reqCtx, assignmentID)
	if err != nil {
		if errors.Is(err, room.ErrRoomNotFound) {
			response.Fail(c, http.StatusNotFound, response.ErrRoomNotFound)
			return
		}
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	// Subscribe before the snapshot goes out so nothing published in
	// between is lost.
	pubsub := h.proctor.Subscribe(reqCtx, assignmentID)
	defer pubsub.Close()
	ch := pubsub.Channel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	c.SSEvent("message", gin.H{"type": "snapshot", "data": view})
	c.Writer.Flush()

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()

	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()

	log := h.log.With().Str("assignment_id", assignmentID).Logger()
	log.Info().Msg("Proctor attached to live monitor SSE")

	// Pre-allocate a reusable ping payload (never changes)
	pingPayload, _ := json.Marshal(map[string]string{"type": "ping"})

	for {
		select {
		case <-reqCtx.Done():
			log.Info().Msg("Proctor disconnected from live monitor SSE")
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			// Forward raw JSON directly, no deserialization needed.
			writeSSEData(c, []byte(msg.Payload))

		case <-refreshTicker.C:
			h.sendRefresh(c, reqCtx, assignmentID, log)

		case <-keepAliveTicker.C:
			writeSSEData(c, pingPayload)
		}
	}
}

// sendRefresh re-reads the room and sends a full refresh event.
func (h *MonitorHandler) sendRefresh(c *gin.Context, parentCtx context.Context, assignmentID string, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(parentCtx, refreshTimeout)
	defer cancel()

	view, err := h.proctor.Get(ctx, assignmentID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to fetch room for refresh")
		return
	}

	c.SSEvent("message", gin.H{"type": "refresh", "data": view})
	c.Writer.Flush()
}

func writeSSEData(c *gin.Context, data []byte) {
	c.Writer.Write([]byte("data: "))
	c.Writer.Write(data)
	c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}
