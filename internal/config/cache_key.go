package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// AssessmentPayloadKey returns the cache key for an assessment definition
func (r *CacheKeyStruct) AssessmentPayloadKey(assessmentID string) string {
	return fmt.Sprintf("assessment:%s:payload", assessmentID)
}

// ActiveAttemptKey returns the key pointing at a participant's in-progress attempt.
// assignmentID may be empty for self-paced attempts.
func (r *CacheKeyStruct) ActiveAttemptKey(participantID, assessmentID, assignmentID string) string {
	if assignmentID == "" {
		assignmentID = "-"
	}
	return fmt.Sprintf("participant:%s:assessment:%s:assignment:%s:attempt", participantID, assessmentID, assignmentID)
}

// AttemptProgressKey returns the key holding the latest progress snapshot of an attempt
func (r *CacheKeyStruct) AttemptProgressKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:progress", attemptID)
}

// AttemptResultKey returns the key holding the result id once an attempt is submitted
func (r *CacheKeyStruct) AttemptResultKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:result", attemptID)
}

// RoomKey returns the hash key of a virtual room
func (r *CacheKeyStruct) RoomKey(assignmentID string) string {
	return fmt.Sprintf("room:%s", assignmentID)
}

// RoomParticipantKey returns the hash key of one participant inside a virtual room
func (r *CacheKeyStruct) RoomParticipantKey(assignmentID, participantID string) string {
	return fmt.Sprintf("room:%s:participant:%s", assignmentID, participantID)
}

// RoomMonitorChannel returns the Redis PubSub channel name for a room's proctor monitor
func (r *CacheKeyStruct) RoomMonitorChannel(assignmentID string) string {
	return fmt.Sprintf("room:%s:monitor", assignmentID)
}

var CacheKey = NewCacheKeyStruct()

// RoomParticipantsKey returns the set of participant ids admitted to a virtual room
func (r *CacheKeyStruct) RoomParticipantsKey(assignmentID string) string {
	return fmt.Sprintf("room:%s:participants", assignmentID)
}
