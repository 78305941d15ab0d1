package appointment

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	EventRequestCreated      = "APPOINTMENT_REQUEST_CREATED"
	EventRequestApproved     = "APPOINTMENT_REQUEST_APPROVED"
	EventRequestModified     = "APPOINTMENT_REQUEST_MODIFIED"
	EventRequestRejected     = "APPOINTMENT_REQUEST_REJECTED"
	EventAssignmentAccepted  = "APPOINTMENT_ASSIGNMENT_ACCEPTED"
	EventAssignmentDeclined  = "APPOINTMENT_ASSIGNMENT_DECLINED"
	EventRequestCancelled    = "APPOINTMENT_REQUEST_CANCELLED"
	EventRequestCheckedIn    = "APPOINTMENT_REQUEST_CHECKED_IN"
	EventRequestCompleted    = "APPOINTMENT_REQUEST_COMPLETED"
	EventRequestIncomplete   = "APPOINTMENT_REQUEST_INCOMPLETE"
	EventRequestExpired      = "APPOINTMENT_REQUEST_EXPIRED"
	EventRequestExpiringSoon = "APPOINTMENT_REQUEST_EXPIRING_SOON"
)

// Event is what the core hands to the external notifier. Delivery is fire-and-forget.
type Event struct {
	Type        string         `json:"type"`
	RequestID   uuid.UUID      `json:"request_id"`
	DonorID     uuid.UUID      `json:"donor_id"`
	LocationID  uuid.UUID      `json:"location_id"`
	Status      RequestStatus  `json:"status"`
	Priority    int            `json:"priority"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	OccurredAt  time.Time      `json:"occurred_at"`
	ActorID     *uuid.UUID     `json:"actor_id,omitempty"`
	RequestType RequestType    `json:"request_type"`
}

type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, Event) {}

// emit records ev in the event log and passes it to the notifier. Failures are logged only.
func (s *Service) emit(ctx context.Context, eventType string, r *AppointmentRequest, actor Actor, payload map[string]any) {
	now := s.now()
	ev := Event{
		Type:        eventType,
		RequestID:   r.ID,
		DonorID:     r.DonorID,
		LocationID:  r.EffectiveSlot().LocationID,
		Status:      r.Status,
		Priority:    r.Priority,
		ExpiresAt:   r.ExpiresAt,
		Payload:     payload,
		OccurredAt:  now,
		RequestType: r.RequestType,
	}
	if actor.ID != uuid.Nil {
		id := actor.ID
		ev.ActorID = &id
	}

	data, err := json.Marshal(ev)
	if err != nil {
		s.log.Warn("marshal event payload", zap.String("event", eventType), zap.Error(err))
		data = nil
	}

	apptID := r.ID
	if err := s.repo.InsertEvent(ctx, EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     now,
	}); err != nil {
		s.log.Warn("insert event log",
			zap.String("event", eventType),
			zap.Stringer("request_id", r.ID),
			zap.Error(err))
	}

	s.notifier.Notify(ctx, ev)
}
