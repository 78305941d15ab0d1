package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository contains all DB interactions needed by the service.
type Repository interface {
	GetRequest(ctx context.Context, id uuid.UUID) (*AppointmentRequest, error)
	InsertRequest(ctx context.Context, r *AppointmentRequest) error
	// UpdateRequest persists r only if the stored version still equals expectedVersion, and
	// bumps r.Version on success. A lost race returns errVersionConflict.
	UpdateRequest(ctx context.Context, r *AppointmentRequest, expectedVersion int64) error
	ListRequests(ctx context.Context, f Filter) ([]AppointmentRequest, error)

	// Capacity accounting, always computed from request rows
	CountConsuming(ctx context.Context, key SlotKey, excludeID uuid.UUID) (int, error)
	CountConsumingRange(ctx context.Context, locationID uuid.UUID, from, to time.Time) (map[SlotKey]int, error)
	HasActiveRequest(ctx context.Context, donorID uuid.UUID) (bool, error)

	// Expiry
	FindExpired(ctx context.Context, now time.Time) ([]AppointmentRequest, error)
	FindExpiring(ctx context.Context, from, to time.Time, unwarnedOnly bool) ([]AppointmentRequest, error)

	// Blood request link
	FindLinkedRequests(ctx context.Context, bloodRequestID uuid.UUID) ([]uuid.UUID, error)

	// Capacity store
	ListCapacityRecords(ctx context.Context, locationID uuid.UUID) ([]CapacityRecord, error)
	GetCapacityRecord(ctx context.Context, id uuid.UUID) (*CapacityRecord, error)
	SaveCapacityRecord(ctx context.Context, rec *CapacityRecord) error

	// Workflow conversion. Applies the completed request (version CAS) and creates d, or
	// links the existing donation d.ID when bind is set, in one atomic unit.
	CompleteWithDonation(ctx context.Context, r *AppointmentRequest, expectedVersion int64, d *Donation, bind bool) error
	GetDonationByRequest(ctx context.Context, requestID uuid.UUID) (*Donation, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}
