package engine

import (
	"context"
	"fmt"

	"github.com/stemsi/exstem-engine/internal/model"
)

// awaitRoom checks that the virtual room has begun and the participant is
// admitted. Timing never starts before that.
func (e *Engine) awaitRoom(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	sig, err := e.room.Status(reqCtx)
	if err != nil {
		e.status = StatusWaiting
		e.log.Warn().Err(err).Msg("Room status unavailable, waiting")
		return fmt.Errorf("%w: %v", ErrRoomNotOpen, err)
	}

	switch {
	case sig.Kicked:
		e.remove(sig.KickedReason)
		return ErrRemoved
	case sig.HasSession && sig.Status.Ended():
		e.status = StatusFailed
		return ErrRoomClosed
	case !sig.HasSession || sig.ParticipantID == "" || sig.Status != model.RoomStatusActive:
		if e.status != StatusWaiting {
			e.status = StatusWaiting
			e.emit(Event{Kind: EventWaitingRoom})
		}
		return ErrRoomNotOpen
	}

	e.participantID = sig.ParticipantID
	e.log = e.log.With().Str("participant_id", e.participantID).Logger()
	return nil
}

// Heartbeat reports progress to the room. Failures are logged and the next
// interval retries.
func (e *Engine) Heartbeat() {
	if !e.virtualRoom() || e.status != StatusActive || e.participantID == "" || e.heartbeatInFlight {
		return
	}
	payload := model.HeartbeatPayload{
		ParticipantID:        e.participantID,
		CurrentQuestionIndex: e.state.current,
		AnsweredCount:        e.state.answeredCount(),
	}

	e.heartbeatInFlight = true
	var (
		ack model.HeartbeatAck
		err error
	)
	e.exec.Go(func() {
		ctx, cancel := e.requestContext()
		defer cancel()
		ack, err = e.room.Heartbeat(ctx, payload)
	}, func() {
		e.heartbeatInFlight = false
		if err != nil {
			e.log.Warn().Err(err).Msg("Heartbeat failed")
			return
		}
		if ack.Kicked {
			e.remove(ack.KickedReason)
		}
	})
}

// PollRoom queries the room status and applies its control signals.
func (e *Engine) PollRoom() {
	if !e.virtualRoom() || e.status != StatusActive || e.pollInFlight {
		return
	}

	e.pollInFlight = true
	var (
		sig model.RoomSignal
		err error
	)
	e.exec.Go(func() {
		ctx, cancel := e.requestContext()
		defer cancel()
		sig, err = e.room.Status(ctx)
	}, func() {
		e.pollInFlight = false
		if err != nil {
			e.log.Warn().Err(err).Msg("Room status poll failed")
			return
		}
		e.applySignal(sig)
	})
}

// applySignal evaluates both control outcomes on every poll; a kick wins
// over remote termination.
func (e *Engine) applySignal(sig model.RoomSignal) {
	if e.status != StatusActive {
		return
	}
	if sig.ParticipantID != "" && e.participantID == "" {
		e.participantID = sig.ParticipantID
	}
	if sig.Kicked {
		e.remove(sig.KickedReason)
		return
	}
	if sig.HasSession && sig.Status.Ended() {
		e.log.Info().Str("room_status", string(sig.Status)).Msg("Room ended, forcing submission")
		e.force(model.SubmitReasonRemoteEnded)
	}
}

// remove moves to the terminal removed state. Nothing is submitted.
func (e *Engine) remove(reason string) {
	if e.status == StatusRemoved || e.status == StatusSubmitted {
		return
	}
	e.status = StatusRemoved
	e.removedReason = reason
	e.nav.confirming = false
	e.log.Warn().Str("reason", reason).Msg("Participant removed from room")
	e.emit(Event{Kind: EventRemoved, Reason: reason})
}
