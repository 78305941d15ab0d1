package appointment

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusApproved   RequestStatus = "approved"
	StatusAccepted   RequestStatus = "accepted"
	StatusCheckedIn  RequestStatus = "checked_in"
	StatusCompleted  RequestStatus = "completed"
	StatusRejected   RequestStatus = "rejected"
	StatusCancelled  RequestStatus = "cancelled"
	StatusExpired    RequestStatus = "expired"
	StatusIncomplete RequestStatus = "incomplete"
)

// Terminal reports whether no further transition is possible from s.
func (s RequestStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusCancelled, StatusExpired, StatusIncomplete:
		return true
	}
	return false
}

// ConsumesCapacity reports whether a request in s occupies its slot.
func (s RequestStatus) ConsumesCapacity() bool {
	switch s {
	case StatusRejected, StatusCancelled, StatusExpired:
		return false
	}
	return true
}

// HasConfirmation reports whether the confirmed fields must be populated in s.
func (s RequestStatus) HasConfirmation() bool {
	switch s {
	case StatusApproved, StatusAccepted, StatusCheckedIn, StatusCompleted:
		return true
	}
	return false
}

func ParseStatus(s string) (RequestStatus, error) {
	st := RequestStatus(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusPending, StatusApproved, StatusAccepted, StatusCheckedIn, StatusCompleted,
		StatusRejected, StatusCancelled, StatusExpired, StatusIncomplete:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrValidation, s)
}

type RequestType string

const (
	DonorInitiated RequestType = "donor_initiated"
	StaffInitiated RequestType = "staff_initiated"
)

type TimeSlot string

const (
	SlotMorning   TimeSlot = "Morning"
	SlotAfternoon TimeSlot = "Afternoon"
	SlotEvening   TimeSlot = "Evening"
)

// TimeSlots lists the daily windows in calendar order.
var TimeSlots = []TimeSlot{SlotMorning, SlotAfternoon, SlotEvening}

func ParseTimeSlot(s string) (TimeSlot, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "morning":
		return SlotMorning, nil
	case "afternoon":
		return SlotAfternoon, nil
	case "evening":
		return SlotEvening, nil
	}
	return "", fmt.Errorf("%w: unknown time slot %q", ErrValidation, s)
}

// DonorResponse is the donor's answer to a staff assignment.
type DonorResponse string

const (
	ResponseUnset    DonorResponse = "unset"
	ResponseAccepted DonorResponse = "accepted"
	ResponseDeclined DonorResponse = "declined"
)

const (
	PriorityNormal   = 1
	PriorityHigh     = 2
	PriorityCritical = 3
)

type AppointmentRequest struct {
	ID          uuid.UUID
	DonorID     uuid.UUID
	InitiatedBy *uuid.UUID
	ReviewedBy  *uuid.UUID
	ReviewedAt  *time.Time

	PreferredDate   time.Time
	PreferredSlot   TimeSlot
	LocationID      uuid.UUID
	BloodGroupID    *uuid.UUID
	ComponentTypeID *uuid.UUID

	RequestType RequestType
	Status      RequestStatus

	ConfirmedDate       *time.Time
	ConfirmedSlot       *TimeSlot
	ConfirmedLocationID *uuid.UUID

	// Held* record the last confirmed slot. Unlike the confirmed fields they survive the move
	// to Incomplete, which keeps counting against that slot.
	HeldDate       *time.Time
	HeldSlot       *TimeSlot
	HeldLocationID *uuid.UUID

	DonorResponse      DonorResponse
	DonorRespondedAt   *time.Time
	DonorResponseNotes string

	IsUrgent bool
	Priority int

	Notes              string
	ReviewNotes        string
	RejectionReason    string
	CancellationReason string
	IncompleteReason   string

	ExpiresAt      *time.Time
	ExpiryWarnedAt *time.Time

	BloodRequestID *uuid.UUID

	CreatedAt     time.Time
	UpdatedAt     time.Time
	CheckInTime   *time.Time
	CompletedTime *time.Time
	CancelledTime *time.Time

	Version int64
}

// SlotKey identifies one bookable unit of capacity.
type SlotKey struct {
	LocationID uuid.UUID
	Date       time.Time
	Slot       TimeSlot
}

func (k SlotKey) String() string {
	return fmt.Sprintf("slot:%s:%s:%s", k.LocationID, k.Date.Format(DateLayout), k.Slot)
}

// EffectiveSlot is where the request currently holds capacity: the confirmed slot once staff
// or the donor fixed it, the held slot after an incomplete outcome cleared the confirmation, the
// preferred slot before either.
func (r *AppointmentRequest) EffectiveSlot() SlotKey {
	key := SlotKey{LocationID: r.LocationID, Date: r.PreferredDate, Slot: r.PreferredSlot}
	date, slot, loc := r.ConfirmedDate, r.ConfirmedSlot, r.ConfirmedLocationID
	if date == nil && slot == nil && loc == nil {
		date, slot, loc = r.HeldDate, r.HeldSlot, r.HeldLocationID
	}
	if date != nil {
		key.Date = *date
	}
	if slot != nil {
		key.Slot = *slot
	}
	if loc != nil {
		key.LocationID = *loc
	}
	return key
}

type CapacityRecord struct {
	ID             uuid.UUID
	LocationID     uuid.UUID
	Slot           TimeSlot
	TotalCapacity  int
	DayOfWeek      *time.Weekday
	EffectiveFrom  *time.Time
	EffectiveUntil *time.Time
	Active         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SlotAvailability is one row of the availability grid. Full slots are reported, not omitted.
type SlotAvailability struct {
	Date      time.Time
	Slot      TimeSlot
	Available int
	Total     int
}

func (s SlotAvailability) IsFull() bool {
	return s.Available <= 0
}

type Donation struct {
	ID                   uuid.UUID
	DonorID              uuid.UUID
	AppointmentRequestID *uuid.UUID
	BloodRequestID       *uuid.UUID
	LocationID           uuid.UUID
	BloodGroupID         *uuid.UUID
	ComponentTypeID      *uuid.UUID
	DonationDate         time.Time
	CollectedBy          uuid.UUID
	VolumeML             int
	Notes                string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// Filter narrows ListRequests. Zero values mean "any".
type Filter struct {
	Statuses             []RequestStatus
	DonorID              *uuid.UUID
	LocationID           *uuid.UUID
	Urgent               *bool
	From                 *time.Time
	To                   *time.Time
	PendingReview        bool
	PendingDonorResponse bool
	Limit                int
	Offset               int
}

const DateLayout = "2006-01-02"

// DateOf truncates t to its civil date in loc, returned as midnight UTC so dates compare with ==.
func DateOf(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// civilDate drops the clock part of t, keeping the calendar date as seen in t's own location.
func civilDate(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date must be YYYY-MM-DD", ErrValidation)
	}
	return d, nil
}
