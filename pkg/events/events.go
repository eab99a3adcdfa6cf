// Package events defines the wake-up events the engine publishes: session and
// task lifecycle notifications consumed by coordinators and agents.
package events

import (
	"time"

	"github.com/fluxionlabs/fluxion/pkg/models"
	"github.com/google/uuid"
)

type EventType string

// Topic carries every engine event.
const Topic = "fluxion.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	SessionCreatedEvent  EventType = "session.created"
	SessionFinishedEvent EventType = "session.finished"
	SessionCanceledEvent EventType = "session.canceled"

	TaskReadyEvent    EventType = "task.ready"
	TaskFinishedEvent EventType = "task.finished"
	LeaseExpiredEvent EventType = "lease.expired"
)

type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	SessionID int64     `json:"session_id"`
}

// NewBaseEvent creates the common envelope for an engine event.
func NewBaseEvent(eventType EventType, sessionID int64) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
	}
}

// SessionCreated signals that a new session and its task snapshot exist and
// need a first readiness evaluation.
type SessionCreated struct {
	BaseEvent

	WorkflowID  string    `json:"workflow_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

func (e SessionCreated) GetType() EventType {
	return SessionCreatedEvent
}

// SessionFinished signals that every task of the session reached a terminal
// state.
type SessionFinished struct {
	BaseEvent

	WorkflowID string               `json:"workflow_id"`
	Status     models.SessionStatus `json:"status"`
}

func (e SessionFinished) GetType() EventType {
	return SessionFinishedEvent
}

// SessionCanceled signals an explicit cancel. Agents abort matching leased
// tasks best-effort; storage remains authoritative.
type SessionCanceled struct {
	BaseEvent
}

func (e SessionCanceled) GetType() EventType {
	return SessionCanceledEvent
}

// TaskReady signals that a task was enqueued for dispatch, waking polling
// agents.
type TaskReady struct {
	BaseEvent

	TaskID     string `json:"task_id"`
	Capability string `json:"capability"`
}

func (e TaskReady) GetType() EventType {
	return TaskReadyEvent
}

// TaskFinished signals a completed attempt, successful or not, and triggers
// re-evaluation of the session.
type TaskFinished struct {
	BaseEvent

	TaskID string           `json:"task_id"`
	State  models.TaskState `json:"state"`
	Error  string           `json:"error,omitempty"`
}

func (e TaskFinished) GetType() EventType {
	return TaskFinishedEvent
}

// LeaseExpired signals that the dispatcher reclaimed a task from a silent
// executor and re-queued it.
type LeaseExpired struct {
	BaseEvent

	TaskID     string `json:"task_id"`
	Capability string `json:"capability"`
}

func (e LeaseExpired) GetType() EventType {
	return LeaseExpiredEvent
}
