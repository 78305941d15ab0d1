package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/donation-scheduling/internal/appointment"
)

type CreateDonorRequestRequest struct {
	DonorID         string  `json:"donor_id" validate:"omitempty,uuid"`
	PreferredDate   string  `json:"preferred_date" validate:"required,datetime=2006-01-02"`
	PreferredSlot   string  `json:"preferred_slot" validate:"required"`
	LocationID      string  `json:"location_id" validate:"required,uuid"`
	BloodGroupID    *string `json:"blood_group_id" validate:"omitempty,uuid"`
	ComponentTypeID *string `json:"component_type_id" validate:"omitempty,uuid"`
	BloodRequestID  *string `json:"blood_request_id" validate:"omitempty,uuid"`
	Notes           string  `json:"notes" validate:"max=2000"`
	IsUrgent        bool    `json:"is_urgent"`
}

type CreateStaffRequestRequest struct {
	DonorID         string  `json:"donor_id" validate:"required,uuid"`
	PreferredDate   string  `json:"preferred_date" validate:"required,datetime=2006-01-02"`
	PreferredSlot   string  `json:"preferred_slot" validate:"required"`
	LocationID      string  `json:"location_id" validate:"required,uuid"`
	BloodGroupID    *string `json:"blood_group_id" validate:"omitempty,uuid"`
	ComponentTypeID *string `json:"component_type_id" validate:"omitempty,uuid"`
	BloodRequestID  *string `json:"blood_request_id" validate:"omitempty,uuid"`
	Notes           string  `json:"notes" validate:"max=2000"`
	Priority        int     `json:"priority" validate:"omitempty,min=1,max=3"`
	AutoExpireHours *int    `json:"auto_expire_hours"`
}

// ReviewRequest is the body of approve and modify.
type ReviewRequest struct {
	ConfirmedDate       string  `json:"confirmed_date" validate:"required,datetime=2006-01-02"`
	ConfirmedSlot       string  `json:"confirmed_slot" validate:"required"`
	ConfirmedLocationID *string `json:"confirmed_location_id" validate:"omitempty,uuid"`
	Notes               string  `json:"notes" validate:"max=2000"`
}

// ReasonRequest carries the free text of reject, cancel, accept and decline.
type ReasonRequest struct {
	Reason string `json:"reason" validate:"max=2000"`
	Notes  string `json:"notes" validate:"max=2000"`
}

type CheckInRequest struct {
	CheckInTime *time.Time `json:"check_in_time"`
}

type CompleteRequest struct {
	Outcome    string  `json:"outcome" validate:"required,oneof=completed health_check_failed no_show"`
	DonationID *string `json:"donation_id" validate:"omitempty,uuid"`
	VolumeML   int     `json:"volume_ml" validate:"min=0"`
	Notes      string  `json:"notes" validate:"max=2000"`
	Reason     string  `json:"reason" validate:"max=2000"`
}

type CapacityRequest struct {
	Slot           string  `json:"slot" validate:"required"`
	TotalCapacity  int     `json:"total_capacity" validate:"min=0"`
	DayOfWeek      *int    `json:"day_of_week" validate:"omitempty,min=0,max=6"`
	EffectiveFrom  *string `json:"effective_from" validate:"omitempty,datetime=2006-01-02"`
	EffectiveUntil *string `json:"effective_until" validate:"omitempty,datetime=2006-01-02"`
	Active         *bool   `json:"active"`
}

// CapacityUpdateRequest omits location and slot, which are fixed at creation.
type CapacityUpdateRequest struct {
	TotalCapacity  int     `json:"total_capacity" validate:"min=0"`
	DayOfWeek      *int    `json:"day_of_week" validate:"omitempty,min=0,max=6"`
	EffectiveFrom  *string `json:"effective_from" validate:"omitempty,datetime=2006-01-02"`
	EffectiveUntil *string `json:"effective_until" validate:"omitempty,datetime=2006-01-02"`
	Active         *bool   `json:"active"`
}

type AppointmentRequestResponse struct {
	ID                  uuid.UUID  `json:"id"`
	DonorID             uuid.UUID  `json:"donor_id"`
	RequestType         string     `json:"request_type"`
	Status              string     `json:"status"`
	PreferredDate       string     `json:"preferred_date"`
	PreferredSlot       string     `json:"preferred_slot"`
	LocationID          uuid.UUID  `json:"location_id"`
	BloodGroupID        *uuid.UUID `json:"blood_group_id,omitempty"`
	ComponentTypeID     *uuid.UUID `json:"component_type_id,omitempty"`
	BloodRequestID      *uuid.UUID `json:"blood_request_id,omitempty"`
	ConfirmedDate       *string    `json:"confirmed_date,omitempty"`
	ConfirmedSlot       *string    `json:"confirmed_slot,omitempty"`
	ConfirmedLocationID *uuid.UUID `json:"confirmed_location_id,omitempty"`
	SlotDate            string     `json:"slot_date"`
	Slot                string     `json:"slot"`
	SlotLocationID      uuid.UUID  `json:"slot_location_id"`
	DonorResponse       string     `json:"donor_response"`
	DonorRespondedAt    *time.Time `json:"donor_responded_at,omitempty"`
	IsUrgent            bool       `json:"is_urgent"`
	Priority            int        `json:"priority"`
	Notes               string     `json:"notes,omitempty"`
	ReviewNotes         string     `json:"review_notes,omitempty"`
	RejectionReason     string     `json:"rejection_reason,omitempty"`
	CancellationReason  string     `json:"cancellation_reason,omitempty"`
	IncompleteReason    string     `json:"incomplete_reason,omitempty"`
	InitiatedBy         *uuid.UUID `json:"initiated_by,omitempty"`
	ReviewedBy          *uuid.UUID `json:"reviewed_by,omitempty"`
	ReviewedAt          *time.Time `json:"reviewed_at,omitempty"`
	ExpiresAt           *time.Time `json:"expires_at,omitempty"`
	CheckInTime         *time.Time `json:"check_in_time,omitempty"`
	CompletedTime       *time.Time `json:"completed_time,omitempty"`
	CancelledTime       *time.Time `json:"cancelled_time,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	Version             int64      `json:"version"`
}

type DonationResponse struct {
	ID                   uuid.UUID  `json:"id"`
	DonorID              uuid.UUID  `json:"donor_id"`
	AppointmentRequestID *uuid.UUID `json:"appointment_request_id,omitempty"`
	BloodRequestID       *uuid.UUID `json:"blood_request_id,omitempty"`
	LocationID           uuid.UUID  `json:"location_id"`
	BloodGroupID         *uuid.UUID `json:"blood_group_id,omitempty"`
	ComponentTypeID      *uuid.UUID `json:"component_type_id,omitempty"`
	DonationDate         string     `json:"donation_date"`
	CollectedBy          uuid.UUID  `json:"collected_by"`
	VolumeML             int        `json:"volume_ml"`
	Notes                string     `json:"notes,omitempty"`
}

type CompleteResponse struct {
	Request  AppointmentRequestResponse `json:"request"`
	Donation *DonationResponse          `json:"donation,omitempty"`
}

type ListResponse struct {
	Items  []AppointmentRequestResponse `json:"items"`
	Limit  int                          `json:"limit"`
	Offset int                          `json:"offset"`
}

type SlotAvailabilityResponse struct {
	Date      string `json:"date"`
	Slot      string `json:"slot"`
	Available int    `json:"available"`
	Total     int    `json:"total"`
	Full      bool   `json:"full"`
}

type CapacityRecordResponse struct {
	ID             uuid.UUID `json:"id"`
	LocationID     uuid.UUID `json:"location_id"`
	Slot           string    `json:"slot"`
	TotalCapacity  int       `json:"total_capacity"`
	DayOfWeek      *int      `json:"day_of_week,omitempty"`
	EffectiveFrom  *string   `json:"effective_from,omitempty"`
	EffectiveUntil *string   `json:"effective_until,omitempty"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func dateString(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(appointment.DateLayout)
	return &s
}

func toRequestResponse(r *appointment.AppointmentRequest) AppointmentRequestResponse {
	resp := AppointmentRequestResponse{
		ID:                  r.ID,
		DonorID:             r.DonorID,
		RequestType:         string(r.RequestType),
		Status:              string(r.Status),
		PreferredDate:       r.PreferredDate.Format(appointment.DateLayout),
		PreferredSlot:       string(r.PreferredSlot),
		LocationID:          r.LocationID,
		BloodGroupID:        r.BloodGroupID,
		ComponentTypeID:     r.ComponentTypeID,
		BloodRequestID:      r.BloodRequestID,
		ConfirmedDate:       dateString(r.ConfirmedDate),
		ConfirmedLocationID: r.ConfirmedLocationID,
		DonorResponse:       string(r.DonorResponse),
		DonorRespondedAt:    r.DonorRespondedAt,
		IsUrgent:            r.IsUrgent,
		Priority:            r.Priority,
		Notes:               r.Notes,
		ReviewNotes:         r.ReviewNotes,
		RejectionReason:     r.RejectionReason,
		CancellationReason:  r.CancellationReason,
		IncompleteReason:    r.IncompleteReason,
		InitiatedBy:         r.InitiatedBy,
		ReviewedBy:          r.ReviewedBy,
		ReviewedAt:          r.ReviewedAt,
		ExpiresAt:           r.ExpiresAt,
		CheckInTime:         r.CheckInTime,
		CompletedTime:       r.CompletedTime,
		CancelledTime:       r.CancelledTime,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
		Version:             r.Version,
	}
	if r.ConfirmedSlot != nil {
		s := string(*r.ConfirmedSlot)
		resp.ConfirmedSlot = &s
	}
	held := r.EffectiveSlot()
	resp.SlotDate = held.Date.Format(appointment.DateLayout)
	resp.Slot = string(held.Slot)
	resp.SlotLocationID = held.LocationID
	return resp
}

func toRequestResponses(rs []appointment.AppointmentRequest) []AppointmentRequestResponse {
	out := make([]AppointmentRequestResponse, 0, len(rs))
	for i := range rs {
		out = append(out, toRequestResponse(&rs[i]))
	}
	return out
}

func toDonationResponse(d *appointment.Donation) *DonationResponse {
	if d == nil {
		return nil
	}
	return &DonationResponse{
		ID:                   d.ID,
		DonorID:              d.DonorID,
		AppointmentRequestID: d.AppointmentRequestID,
		BloodRequestID:       d.BloodRequestID,
		LocationID:           d.LocationID,
		BloodGroupID:         d.BloodGroupID,
		ComponentTypeID:      d.ComponentTypeID,
		DonationDate:         d.DonationDate.Format(appointment.DateLayout),
		CollectedBy:          d.CollectedBy,
		VolumeML:             d.VolumeML,
		Notes:                d.Notes,
	}
}

func toCapacityResponse(c *appointment.CapacityRecord) CapacityRecordResponse {
	resp := CapacityRecordResponse{
		ID:             c.ID,
		LocationID:     c.LocationID,
		Slot:           string(c.Slot),
		TotalCapacity:  c.TotalCapacity,
		EffectiveFrom:  dateString(c.EffectiveFrom),
		EffectiveUntil: dateString(c.EffectiveUntil),
		Active:         c.Active,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
	if c.DayOfWeek != nil {
		d := int(*c.DayOfWeek)
		resp.DayOfWeek = &d
	}
	return resp
}
