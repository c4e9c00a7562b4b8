package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/engine"
	"github.com/stemsi/exstem-engine/internal/middleware"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/repository"
	"github.com/stemsi/exstem-engine/internal/response"
	"github.com/stemsi/exstem-engine/internal/room"
	"github.com/stemsi/exstem-engine/internal/service"
	"github.com/stemsi/exstem-engine/internal/store"
	ws "github.com/stemsi/exstem-engine/internal/websocket"
)

// supersedeWait bounds how long a new connection waits for the one it
// replaces to tear down.
const supersedeWait = 5 * time.Second

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// DefinitionSource resolves the assessment an attempt runs against.
type DefinitionSource interface {
	Get(ctx context.Context, id uuid.UUID) (*model.Assessment, error)
}

// beaconWaiter is the part of the attempt store a superseding connection
// waits on before it resumes.
type beaconWaiter interface {
	WaitBeacons(ctx context.Context) error
}

type liveAttempt struct {
	cancel  context.CancelFunc
	done    <-chan struct{}
	beacons beaconWaiter
}

// WSHandler runs one attempt engine per participant connection.
type WSHandler struct {
	rdb         *redis.Client
	assessments DefinitionSource
	cfg         config.EngineConfig
	log         zerolog.Logger
	upgrader    websocket.Upgrader

	root context.Context
	stop context.CancelFunc

	mu     sync.Mutex
	live   map[string]*liveAttempt
	active atomic.Int64
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(rdb *redis.Client, assessments DefinitionSource, cfg config.EngineConfig, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	root, stop := context.WithCancel(context.Background())
	return &WSHandler{
		rdb:         rdb,
		assessments: assessments,
		cfg:         cfg,
		log:         log.With().Str("component", "ws_handler").Logger(),
		upgrader:    buildUpgrader(allowedOrigins),
		root:        root,
		stop:        stop,
		live:        make(map[string]*liveAttempt),
	}
}

// ActiveAttempts returns the number of connected attempts.
func (h *WSHandler) ActiveAttempts() int64 { return h.active.Load() }

// Close tears down every running attempt with an unload save and waits
// for the runners and their saves to finish.
func (h *WSHandler) Close(ctx context.Context) {
	h.stop()

	h.mu.Lock()
	pending := make([]*liveAttempt, 0, len(h.live))
	for _, a := range h.live {
		pending = append(pending, a)
	}
	h.mu.Unlock()

	for _, a := range pending {
		select {
		case <-a.done:
		case <-ctx.Done():
			return
		}
		if a.beacons != nil {
			if err := a.beacons.WaitBeacons(ctx); err != nil {
				return
			}
		}
	}
}

func (h *WSHandler) engineConfig() engine.Config {
	return engine.Config{
		TickInterval:         time.Second,
		AutosaveInterval:     h.cfg.AutosaveInterval,
		HeartbeatInterval:    h.cfg.HeartbeatInterval,
		RoomPollInterval:     h.cfg.RoomPollInterval,
		RoomWaitInterval:     h.cfg.RoomWaitInterval,
		RequestTimeout:       h.cfg.RequestTimeout,
		MaxSubmitRetries:     h.cfg.MaxSubmitRetries,
		DefaultMaxViolations: h.cfg.DefaultMaxViolations,
	}
}

// claim registers a new connection for key, cancelling and waiting for
// any older connection on the same attempt. The older connection's unload
// save must land before the new one resumes from the store.
func (h *WSHandler) claim(key string, next *liveAttempt) {
	h.mu.Lock()
	prev := h.live[key]
	h.live[key] = next
	h.mu.Unlock()

	if prev == nil {
		return
	}
	prev.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), supersedeWait)
	defer cancel()
	select {
	case <-prev.done:
	case <-ctx.Done():
		h.log.Warn().Str("attempt_key", key).Msg("Superseded connection did not stop in time")
		return
	}
	if prev.beacons == nil {
		return
	}
	if err := prev.beacons.WaitBeacons(ctx); err != nil {
		h.log.Warn().Err(err).Str("attempt_key", key).Msg("Superseded unload save did not finish in time")
	}
}

func (h *WSHandler) release(key string, done <-chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if a, ok := h.live[key]; ok && a.done == done {
		delete(h.live, key)
	}
}

// AttemptStream godoc
// WS /ws/v1/assessments/:assessment_id/stream?token=...&assignment_id=...
// Upgrades to WebSocket and drives one attempt for the authenticated participant.
func (h *WSHandler) AttemptStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	assessmentID, err := uuid.Parse(c.Param("assessment_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	def, err := h.assessments.Get(c.Request.Context(), assessmentID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrAssessmentNotFound):
			response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		case errors.Is(err, service.ErrAssessmentNotPublished):
			response.Fail(c, http.StatusForbidden, response.ErrAssessmentNotPublished)
		default:
			h.log.Error().Err(err).Str("assessment_id", assessmentID.String()).Msg("Load assessment failed")
			response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		}
		return
	}

	participantID := claims.Subject
	assignmentID := c.Query("assignment_id")

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	wsLog := h.log.With().
		Str("participant_id", participantID).
		Str("assessment_id", assessmentID.String()).
		Str("assignment_id", assignmentID).
		Logger()

	attemptStore := store.NewRedisStore(h.rdb, participantID, wsLog)
	p := engine.Params{
		Assessment:   def,
		AssignmentID: assignmentID,
		Store:        attemptStore,
		Config:       h.engineConfig(),
		Log:          wsLog,
	}
	if assignmentID != "" {
		p.Room = room.NewRedisRoom(h.rdb, assignmentID, participantID, wsLog)
	}
	runner := engine.NewRunner(p)

	ctx, cancel := context.WithCancel(h.root)
	defer cancel()

	key := fmt.Sprintf("%s|%s|%s", participantID, assessmentID, assignmentID)
	h.claim(key, &liveAttempt{cancel: cancel, done: runner.Done(), beacons: attemptStore})
	defer h.release(key, runner.Done())

	h.active.Add(1)
	defer h.active.Add(-1)

	writer := ws.NewWriter(conn)
	wsLog.Info().Msg("Participant connected")

	runErr := make(chan error, 1)
	go func() { runErr <- runner.Run(ctx) }()

	pumped := make(chan struct{})
	go func() {
		defer close(pumped)
		h.pumpEvents(writer, runner, wsLog)
	}()

	h.readLoop(ctx, conn, writer, runner, wsLog)

	cancel()
	<-pumped
	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
		wsLog.Warn().Err(err).Msg("Attempt ended with error")
		writer.WriteError("", startErrorMessage(err))
		writer.Close(websocket.CloseInternalServerErr, "attempt failed")
		return
	}
	writer.Close(websocket.CloseNormalClosure, "")
	wsLog.Info().Msg("Participant disconnected")
}

// pumpEvents forwards engine updates until the runner closes its stream.
func (h *WSHandler) pumpEvents(writer *ws.Writer, runner *engine.Runner, log zerolog.Logger) {
	for u := range runner.Events() {
		if err := writer.WriteTyped(ws.StateResponse{Event: ws.EventState, Cause: string(u.Kind), View: u.View}); err != nil {
			log.Debug().Err(err).Msg("Write state failed")
			continue
		}

		var extra interface{}
		switch u.Kind {
		case engine.EventViolation:
			extra = ws.ViolationResponse{Event: ws.EventViolation, Count: u.Violations}
		case engine.EventSubmitted:
			extra = ws.SubmittedResponse{Event: ws.EventSubmitted, ResultID: u.ResultID}
		case engine.EventSubmitFailed:
			msg := "submission failed"
			if u.Err != nil {
				msg = u.Err.Error()
			}
			extra = ws.SubmitFailedResponse{Event: ws.EventSubmitFailed, Error: msg}
		case engine.EventRemoved:
			extra = ws.RemovedResponse{Event: ws.EventRemoved, Reason: u.Reason}
		}
		if extra != nil {
			if err := writer.WriteTyped(extra); err != nil {
				log.Debug().Err(err).Msg("Write event failed")
			}
		}
	}
}

// readLoop dispatches client actions to the engine until the connection
// drops or the runner stops.
func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, writer *ws.Writer, runner *engine.Runner, log zerolog.Logger) {
	// Unblock ReadMessage once the runner stops on its own.
	go func() {
		select {
		case <-runner.Done():
			conn.SetReadDeadline(time.Now())
		case <-ctx.Done():
			conn.SetReadDeadline(time.Now())
		}
	}()

	for {
		data, err := ws.ReadMessage(conn)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("Unexpected close")
			} else {
				log.Debug().Msg("Connection closed")
			}
			return
		}

		var env ws.RequestEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			writer.WriteError("", "invalid message")
			continue
		}

		if env.Action == ws.ActionPing {
			writer.WriteTyped(ws.PongResponse{Event: ws.EventPong})
			continue
		}

		cmd, err := decodeAction(env.Action, data)
		if err != nil {
			writer.WriteError(env.Ref, err.Error())
			continue
		}

		if err := runner.Do(ctx, cmd); err != nil {
			if errors.Is(err, engine.ErrRunnerStopped) || ctx.Err() != nil {
				return
			}
			writer.WriteError(env.Ref, err.Error())
		}
	}
}

// decodeAction parses an action payload into an engine command.
func decodeAction(action ws.Action, data []byte) (func(*engine.Engine) error, error) {
	switch action {
	case ws.ActionSelectChoice:
		var req ws.SelectChoiceRequest
		if err := json.Unmarshal(data, &req); err != nil || req.QID == "" || req.ChoiceID == "" {
			return nil, errors.New("q_id and choice_id are required")
		}
		return func(e *engine.Engine) error { return e.SelectChoice(req.QID, req.ChoiceID) }, nil

	case ws.ActionSetText:
		var req ws.SetTextRequest
		if err := json.Unmarshal(data, &req); err != nil || req.QID == "" {
			return nil, errors.New("q_id is required")
		}
		return func(e *engine.Engine) error { return e.SetFreeText(req.QID, req.Text) }, nil

	case ws.ActionToggleFlag:
		var req ws.ToggleFlagRequest
		if err := json.Unmarshal(data, &req); err != nil || req.QID == "" {
			return nil, errors.New("q_id is required")
		}
		return func(e *engine.Engine) error { return e.ToggleFlag(req.QID) }, nil

	case ws.ActionAdvance:
		var req ws.AdvanceRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, errors.New("direction is required")
		}
		return func(e *engine.Engine) error { return e.Advance(req.Direction) }, nil

	case ws.ActionJump:
		var req ws.JumpRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, errors.New("index is required")
		}
		return func(e *engine.Engine) error { return e.JumpTo(req.Index) }, nil

	case ws.ActionRequestSectionComplete:
		return (*engine.Engine).RequestSectionCompletion, nil
	case ws.ActionCancelSectionComplete:
		return (*engine.Engine).CancelSectionCompletion, nil
	case ws.ActionCompleteSection:
		return (*engine.Engine).CompleteSection, nil

	case ws.ActionViolation:
		var req ws.ViolationRequest
		if err := json.Unmarshal(data, &req); err != nil || req.Type == "" {
			return nil, errors.New("type is required")
		}
		t := model.ParseViolationType(req.Type)
		return func(e *engine.Engine) error { return e.ReportViolation(t, req.Detail) }, nil

	case ws.ActionFocusRestored:
		return func(e *engine.Engine) error { e.FocusRestored(); return nil }, nil
	case ws.ActionFullscreenEntered:
		return func(e *engine.Engine) error { e.FullscreenEntered(); return nil }, nil

	case ws.ActionSubmit:
		return (*engine.Engine).Submit, nil
	}
	return nil, fmt.Errorf("unknown action: %s", action)
}

func startErrorMessage(err error) string {
	switch {
	case errors.Is(err, store.ErrAttemptClosed):
		return "attempt already submitted"
	case errors.Is(err, engine.ErrRoomClosed):
		return "virtual room already ended"
	case errors.Is(err, engine.ErrRemoved):
		return "removed from the virtual room"
	}
	return "could not start attempt"
}
