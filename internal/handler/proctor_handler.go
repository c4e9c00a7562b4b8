package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/middleware"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/repository"
	"github.com/stemsi/exstem-engine/internal/response"
	"github.com/stemsi/exstem-engine/internal/room"
	"github.com/stemsi/exstem-engine/internal/service"
	"github.com/stemsi/exstem-engine/internal/validator"
)

// ProctorHandler handles virtual room control endpoints.
type ProctorHandler struct {
	proctor     *room.Proctor
	assessments DefinitionSource
	log         zerolog.Logger
}

// NewProctorHandler creates a new ProctorHandler.
func NewProctorHandler(proctor *room.Proctor, assessments DefinitionSource, log zerolog.Logger) *ProctorHandler {
	return &ProctorHandler{
		proctor:     proctor,
		assessments: assessments,
		log:         log.With().Str("component", "proctor_handler").Logger(),
	}
}

// failRoom maps room errors onto the response envelope.
func failRoom(c *gin.Context, err error) {
	switch {
	case errors.Is(err, room.ErrRoomNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrRoomNotFound)
	case errors.Is(err, room.ErrRoomExists):
		response.Fail(c, http.StatusConflict, response.ErrRoomExists)
	case errors.Is(err, room.ErrRoomEnded):
		response.Fail(c, http.StatusConflict, response.ErrRoomEnded)
	case errors.Is(err, room.ErrInvalidTransition):
		response.Fail(c, http.StatusConflict, response.ErrInvalidTransition)
	default:
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}

// OpenRoom godoc
// POST /api/v1/proctor/rooms
// Opens a WAITING room for an assignment of a published assessment.
func (h *ProctorHandler) OpenRoom(c *gin.Context) {
	var req model.OpenRoomRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	assessmentID := uuid.MustParse(req.AssessmentID)
	if _, err := h.assessments.Get(c.Request.Context(), assessmentID); err != nil {
		switch {
		case errors.Is(err, repository.ErrAssessmentNotFound):
			response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		case errors.Is(err, service.ErrAssessmentNotPublished):
			response.Fail(c, http.StatusConflict, response.ErrAssessmentNotPublished)
		default:
			response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		}
		return
	}

	if err := h.proctor.Open(c.Request.Context(), req.AssignmentID, req.AssessmentID); err != nil {
		failRoom(c, err)
		return
	}

	ev := h.log.Info().Str("assignment_id", req.AssignmentID)
	if claims := middleware.GetClaims(c); claims != nil {
		ev = ev.Str("proctor_id", claims.Subject)
	}
	ev.Msg("Room opened")
	h.respondRoom(c, http.StatusCreated, req.AssignmentID)
}

// GetRoom godoc
// GET /api/v1/proctor/rooms/:assignment_id
func (h *ProctorHandler) GetRoom(c *gin.Context) {
	h.respondRoom(c, http.StatusOK, c.Param("assignment_id"))
}

// ActivateRoom godoc
// POST /api/v1/proctor/rooms/:assignment_id/activate
// Lets admitted participants start their attempts.
func (h *ProctorHandler) ActivateRoom(c *gin.Context) {
	h.transition(c, h.proctor.Activate)
}

// CompleteRoom godoc
// POST /api/v1/proctor/rooms/:assignment_id/complete
// Ends the room; running attempts submit on their next poll.
func (h *ProctorHandler) CompleteRoom(c *gin.Context) {
	h.transition(c, h.proctor.Complete)
}

// TerminateRoom godoc
// POST /api/v1/proctor/rooms/:assignment_id/terminate
func (h *ProctorHandler) TerminateRoom(c *gin.Context) {
	h.transition(c, h.proctor.Terminate)
}

func (h *ProctorHandler) transition(c *gin.Context, fn func(ctx context.Context, assignmentID string) error) {
	assignmentID := c.Param("assignment_id")
	if err := fn(c.Request.Context(), assignmentID); err != nil {
		failRoom(c, err)
		return
	}
	h.respondRoom(c, http.StatusOK, assignmentID)
}

// AdmitParticipant godoc
// POST /api/v1/proctor/rooms/:assignment_id/participants
func (h *ProctorHandler) AdmitParticipant(c *gin.Context) {
	var req model.AdmitRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	assignmentID := c.Param("assignment_id")
	if err := h.proctor.Admit(c.Request.Context(), assignmentID, req.ParticipantID); err != nil {
		failRoom(c, err)
		return
	}
	h.respondRoom(c, http.StatusOK, assignmentID)
}

// KickParticipant godoc
// POST /api/v1/proctor/rooms/:assignment_id/participants/:participant_id/kick
// The participant's attempt ends on its next heartbeat, without submission.
func (h *ProctorHandler) KickParticipant(c *gin.Context) {
	var req model.KickRequest
	if c.Request.ContentLength != 0 {
		if fields := validator.Bind(c, &req); fields != nil {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
			return
		}
	}

	assignmentID := c.Param("assignment_id")
	if err := h.proctor.Kick(c.Request.Context(), assignmentID, c.Param("participant_id"), req.Reason); err != nil {
		failRoom(c, err)
		return
	}
	h.respondRoom(c, http.StatusOK, assignmentID)
}

func (h *ProctorHandler) respondRoom(c *gin.Context, status int, assignmentID string) {
	view, err := h.proctor.Get(c.Request.Context(), assignmentID)
	if err != nil {
		if !errors.Is(err, room.ErrRoomNotFound) {
			h.log.Error().Err(err).Str("assignment_id", assignmentID).Msg("Read room failed")
		}
		failRoom(c, err)
		return
	}
	response.Success(c, status, gin.H{"room": view})
}
