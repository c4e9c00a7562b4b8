package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/model"
)

var (
	ErrRoomNotFound      = errors.New("room not found")
	ErrRoomExists        = errors.New("room already exists")
	ErrInvalidTransition = errors.New("room status transition not allowed")
	ErrRoomEnded         = errors.New("room already ended")
)

// RoomTTL keeps room state around after the session for late reconnects.
const RoomTTL = 48 * time.Hour

// transitions lists the statuses each target may be reached from.
var transitions = map[model.RoomStatus][]model.RoomStatus{
	model.RoomStatusActive:     {model.RoomStatusWaiting},
	model.RoomStatusCompleted:  {model.RoomStatusActive},
	model.RoomStatusTerminated: {model.RoomStatusWaiting, model.RoomStatusActive},
}

// Proctor is the proctor-side control of virtual rooms.
type Proctor struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewProctor creates a new Proctor.
func NewProctor(rdb *redis.Client, log zerolog.Logger) *Proctor {
	return &Proctor{
		rdb: rdb,
		log: log.With().Str("component", "proctor").Logger(),
	}
}

// Open creates a waiting room for an assignment of assessmentID.
func (p *Proctor) Open(ctx context.Context, assignmentID, assessmentID string) error {
	key := config.CacheKey.RoomKey(assignmentID)
	created, err := p.rdb.HSetNX(ctx, key, fieldStatus, string(model.RoomStatusWaiting)).Result()
	if err != nil {
		return fmt.Errorf("open room: %w", err)
	}
	if !created {
		return ErrRoomExists
	}

	pipe := p.rdb.Pipeline()
	pipe.HSet(ctx, key, fieldAssessmentID, assessmentID, fieldUpdatedAt, time.Now().UTC().Format(time.RFC3339))
	pipe.Expire(ctx, key, RoomTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("open room: %w", err)
	}

	p.log.Info().Str("assignment_id", assignmentID).Str("assessment_id", assessmentID).Msg("Room opened")
	return nil
}

// Activate starts the session. Waiting participants begin their attempts on
// their next status check.
func (p *Proctor) Activate(ctx context.Context, assignmentID string) error {
	return p.transition(ctx, assignmentID, model.RoomStatusActive)
}

// Complete ends the session normally. Active attempts are force-submitted.
func (p *Proctor) Complete(ctx context.Context, assignmentID string) error {
	return p.transition(ctx, assignmentID, model.RoomStatusCompleted)
}

// Terminate aborts the session. Active attempts are force-submitted.
func (p *Proctor) Terminate(ctx context.Context, assignmentID string) error {
	return p.transition(ctx, assignmentID, model.RoomStatusTerminated)
}

// transition moves the room to status under optimistic locking.
func (p *Proctor) transition(ctx context.Context, assignmentID string, to model.RoomStatus) error {
	key := config.CacheKey.RoomKey(assignmentID)

	txf := func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, fieldStatus).Result()
		if errors.Is(err, redis.Nil) {
			return ErrRoomNotFound
		}
		if err != nil {
			return err
		}
		if !slices.Contains(transitions[to], model.RoomStatus(current)) {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, current, to)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldStatus, string(to), fieldUpdatedAt, time.Now().UTC().Format(time.RFC3339))
			return nil
		})
		return err
	}

	if err := p.rdb.Watch(ctx, txf, key); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("%w: concurrent update", ErrInvalidTransition)
		}
		return err
	}

	p.publish(ctx, assignmentID, model.MonitorMessage{
		Type: model.MonitorRoom,
		Data: map[string]any{fieldStatus: to},
		At:   time.Now().UTC(),
	})
	p.log.Info().Str("assignment_id", assignmentID).Str("status", string(to)).Msg("Room status changed")
	return nil
}

// Admit lets a participant into the room.
func (p *Proctor) Admit(ctx context.Context, assignmentID, participantID string) error {
	status, err := p.status(ctx, assignmentID)
	if err != nil {
		return err
	}
	if status.Ended() {
		return ErrRoomEnded
	}

	key := config.CacheKey.RoomParticipantKey(assignmentID, participantID)
	pipe := p.rdb.TxPipeline()
	pipe.HSet(ctx, key, fieldAdmitted, "1")
	pipe.Expire(ctx, key, RoomTTL)
	pipe.SAdd(ctx, config.CacheKey.RoomParticipantsKey(assignmentID), participantID)
	pipe.Expire(ctx, config.CacheKey.RoomParticipantsKey(assignmentID), RoomTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("admit participant: %w", err)
	}
	return nil
}

// Kick removes a participant. Their attempt ends without submission.
func (p *Proctor) Kick(ctx context.Context, assignmentID, participantID, reason string) error {
	if _, err := p.status(ctx, assignmentID); err != nil {
		return err
	}

	key := config.CacheKey.RoomParticipantKey(assignmentID, participantID)
	if err := p.rdb.HSet(ctx, key, fieldKicked, "1", fieldKickedReason, reason).Err(); err != nil {
		return fmt.Errorf("kick participant: %w", err)
	}

	p.publish(ctx, assignmentID, model.MonitorMessage{
		Type:          model.MonitorKicked,
		ParticipantID: participantID,
		Data:          map[string]any{fieldKickedReason: reason},
		At:            time.Now().UTC(),
	})
	p.log.Warn().
		Str("assignment_id", assignmentID).
		Str("participant_id", participantID).
		Str("reason", reason).
		Msg("Participant kicked")
	return nil
}

// Get returns the room and every admitted participant.
func (p *Proctor) Get(ctx context.Context, assignmentID string) (model.RoomView, error) {
	room, err := p.rdb.HGetAll(ctx, config.CacheKey.RoomKey(assignmentID)).Result()
	if err != nil {
		return model.RoomView{}, fmt.Errorf("read room: %w", err)
	}
	if len(room) == 0 {
		return model.RoomView{}, ErrRoomNotFound
	}

	ids, err := p.rdb.SMembers(ctx, config.CacheKey.RoomParticipantsKey(assignmentID)).Result()
	if err != nil {
		return model.RoomView{}, fmt.Errorf("read participants: %w", err)
	}
	sort.Strings(ids)

	view := model.RoomView{
		AssignmentID: assignmentID,
		AssessmentID: room[fieldAssessmentID],
		Status:       model.RoomStatus(room[fieldStatus]),
		Participants: make([]model.RoomParticipant, 0, len(ids)),
	}
	if len(ids) == 0 {
		return view, nil
	}

	pipe := p.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, config.CacheKey.RoomParticipantKey(assignmentID, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return model.RoomView{}, fmt.Errorf("read participants: %w", err)
	}

	for i, id := range ids {
		h := cmds[i].Val()
		rp := model.RoomParticipant{
			ParticipantID:        id,
			Admitted:             h[fieldAdmitted] == "1",
			Kicked:               h[fieldKicked] == "1",
			KickedReason:         h[fieldKickedReason],
			CurrentQuestionIndex: parseInt(h[fieldQuestionIndex]),
			AnsweredCount:        parseInt(h[fieldAnswered]),
		}
		if ts, err := time.Parse(time.RFC3339, h[fieldLastHeartbeat]); err == nil {
			rp.LastHeartbeat = &ts
		}
		view.Participants = append(view.Participants, rp)
	}
	return view, nil
}

// Subscribe attaches to the room's monitor channel. The caller closes it.
func (p *Proctor) Subscribe(ctx context.Context, assignmentID string) *redis.PubSub {
	return p.rdb.Subscribe(ctx, config.CacheKey.RoomMonitorChannel(assignmentID))
}

func (p *Proctor) status(ctx context.Context, assignmentID string) (model.RoomStatus, error) {
	s, err := p.rdb.HGet(ctx, config.CacheKey.RoomKey(assignmentID), fieldStatus).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrRoomNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read room: %w", err)
	}
	return model.RoomStatus(s), nil
}

// publish is best effort; the monitor also refreshes from Get.
func (p *Proctor) publish(ctx context.Context, assignmentID string, msg model.MonitorMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := p.rdb.Publish(ctx, config.CacheKey.RoomMonitorChannel(assignmentID), data).Err(); err != nil {
		p.log.Warn().Err(err).Str("assignment_id", assignmentID).Msg("Monitor publish failed")
	}
}
