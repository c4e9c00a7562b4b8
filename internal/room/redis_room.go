// Package room keeps virtual room proctoring state in Redis: the room hash,
// one hash per participant, and a pub/sub channel feeding the proctor monitor.
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/model"
)

// Hash fields.
const (
	fieldStatus       = "status"
	fieldAssessmentID = "assessment_id"
	fieldUpdatedAt    = "updated_at"

	fieldAdmitted      = "admitted"
	fieldKicked        = "is_kicked"
	fieldKickedReason  = "kicked_reason"
	fieldQuestionIndex = "current_question_index"
	fieldAnswered      = "answered_count"
	fieldLastHeartbeat = "last_heartbeat"
)

// RedisRoom is the participant-side view of one virtual room.
type RedisRoom struct {
	rdb           *redis.Client
	assignmentID  string
	participantID string
	log           zerolog.Logger
}

// NewRedisRoom creates the room client for participantID in assignmentID.
func NewRedisRoom(rdb *redis.Client, assignmentID, participantID string, log zerolog.Logger) *RedisRoom {
	return &RedisRoom{
		rdb:           rdb,
		assignmentID:  assignmentID,
		participantID: participantID,
		log: log.With().
			Str("component", "virtual_room").
			Str("assignment_id", assignmentID).
			Str("participant_id", participantID).
			Logger(),
	}
}

// Status reads the room and the participant's admission in one round trip.
func (r *RedisRoom) Status(ctx context.Context) (model.RoomSignal, error) {
	pipe := r.rdb.Pipeline()
	roomCmd := pipe.HGetAll(ctx, config.CacheKey.RoomKey(r.assignmentID))
	partCmd := pipe.HGetAll(ctx, config.CacheKey.RoomParticipantKey(r.assignmentID, r.participantID))
	if _, err := pipe.Exec(ctx); err != nil {
		return model.RoomSignal{}, fmt.Errorf("read room: %w", err)
	}

	room := roomCmd.Val()
	part := partCmd.Val()
	if len(room) == 0 {
		return model.RoomSignal{}, nil
	}

	sig := model.RoomSignal{
		HasSession:   true,
		Status:       model.RoomStatus(room[fieldStatus]),
		Kicked:       part[fieldKicked] == "1",
		KickedReason: part[fieldKickedReason],
	}
	if part[fieldAdmitted] == "1" {
		sig.ParticipantID = r.participantID
	}
	return sig, nil
}

// Heartbeat records progress, notifies the monitor and returns whether the
// participant has been kicked.
func (r *RedisRoom) Heartbeat(ctx context.Context, p model.HeartbeatPayload) (model.HeartbeatAck, error) {
	key := config.CacheKey.RoomParticipantKey(r.assignmentID, r.participantID)
	now := time.Now().UTC()

	msg, err := json.Marshal(model.MonitorMessage{
		Type:          model.MonitorHeartbeat,
		ParticipantID: r.participantID,
		Data: map[string]any{
			fieldQuestionIndex: p.CurrentQuestionIndex,
			fieldAnswered:      p.AnsweredCount,
		},
		At: now,
	})
	if err != nil {
		return model.HeartbeatAck{}, fmt.Errorf("encode heartbeat: %w", err)
	}

	pipe := r.rdb.Pipeline()
	pipe.HSet(ctx, key,
		fieldQuestionIndex, p.CurrentQuestionIndex,
		fieldAnswered, p.AnsweredCount,
		fieldLastHeartbeat, now.Format(time.RFC3339),
	)
	kickCmd := pipe.HMGet(ctx, key, fieldKicked, fieldKickedReason)
	pipe.Publish(ctx, config.CacheKey.RoomMonitorChannel(r.assignmentID), msg)
	if _, err := pipe.Exec(ctx); err != nil {
		return model.HeartbeatAck{}, fmt.Errorf("heartbeat: %w", err)
	}

	vals := kickCmd.Val()
	ack := model.HeartbeatAck{}
	if len(vals) == 2 {
		ack.Kicked = vals[0] == "1"
		if reason, ok := vals[1].(string); ok {
			ack.KickedReason = reason
		}
	}
	return ack, nil
}

// LogViolation queues the audit record for PostgreSQL and forwards it to
// the monitor.
func (r *RedisRoom) LogViolation(ctx context.Context, v model.ViolationLog) error {
	rec, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode violation: %w", err)
	}
	msg, err := json.Marshal(model.MonitorMessage{
		Type:          model.MonitorViolation,
		ParticipantID: v.ParticipantID,
		Data: map[string]any{
			"event_type": v.EventType,
			"count":      v.Metadata["count"],
		},
		At: v.RecordedAt,
	})
	if err != nil {
		return fmt.Errorf("encode violation: %w", err)
	}

	pipe := r.rdb.Pipeline()
	pipe.RPush(ctx, config.WorkerKey.PersistViolationsQueue, rec)
	pipe.Publish(ctx, config.CacheKey.RoomMonitorChannel(r.assignmentID), msg)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("log violation: %w", err)
	}
	return nil
}

func parseInt(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
