package appointment

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Op names a command against the request lifecycle. It drives both the transition table and
// the permission predicate.
type Op string

const (
	OpCreateDonorRequest Op = "create_donor_request"
	OpCreateStaffRequest Op = "create_staff_request"
	OpApprove            Op = "approve"
	OpReject             Op = "reject"
	OpModify             Op = "modify"
	OpAccept             Op = "accept_assignment"
	OpDecline            Op = "reject_assignment"
	OpCancel             Op = "cancel"
	OpCheckIn            Op = "check_in"
	OpComplete           Op = "complete"
	OpExpire             Op = "expire"
	OpView               Op = "view"
	OpManageCapacity     Op = "manage_capacity"
	OpMaintenance        Op = "maintenance"
	OpUnlinkBloodRequest Op = "unlink_blood_request"
)

var nonTerminal = []RequestStatus{StatusPending, StatusApproved, StatusAccepted, StatusCheckedIn}

var allowedFrom = map[Op][]RequestStatus{
	OpApprove:  {StatusPending},
	OpReject:   nonTerminal,
	OpModify:   {StatusPending, StatusApproved},
	OpAccept:   {StatusPending},
	OpDecline:  {StatusPending},
	OpCancel:   nonTerminal,
	OpCheckIn:  {StatusApproved, StatusAccepted},
	OpComplete: {StatusCheckedIn},
	OpExpire:   nonTerminal,
}

var requiredType = map[Op]RequestType{
	OpApprove: DonorInitiated,
	OpModify:  DonorInitiated,
	OpAccept:  StaffInitiated,
	OpDecline: StaffInitiated,
}

// CanTransition checks that op is legal for r's provenance and current status.
func CanTransition(op Op, r *AppointmentRequest) error {
	if t, ok := requiredType[op]; ok && r.RequestType != t {
		return fmt.Errorf("%w: %s applies to %s requests only", ErrInvalidTransition, op, t)
	}
	from, ok := allowedFrom[op]
	if !ok {
		return fmt.Errorf("%w: %s is not a transition", ErrInvalidTransition, op)
	}
	for _, s := range from {
		if r.Status == s {
			return nil
		}
	}
	return fmt.Errorf("%w: cannot %s a %s request", ErrInvalidTransition, op, r.Status)
}

// Confirmation is the date, slot and location staff (or the donor's acceptance) fixes.
type Confirmation struct {
	Date       time.Time
	Slot       TimeSlot
	LocationID uuid.UUID
}

func (c Confirmation) key() SlotKey {
	return SlotKey{LocationID: c.LocationID, Date: c.Date, Slot: c.Slot}
}

type Outcome string

const (
	OutcomeCompleted         Outcome = "completed"
	OutcomeHealthCheckFailed Outcome = "health_check_failed"
	OutcomeNoShow            Outcome = "no_show"
)

func ParseOutcome(s string) (Outcome, error) {
	o := Outcome(strings.ToLower(strings.TrimSpace(s)))
	switch o {
	case OutcomeCompleted, OutcomeHealthCheckFailed, OutcomeNoShow:
		return o, nil
	}
	return "", fmt.Errorf("%w: unknown outcome %q", ErrValidation, s)
}

// The functions below mutate r in place after checking the transition. None of them touch
// storage; the service persists the result with a version compare-and-swap.

func Approve(r *AppointmentRequest, staff uuid.UUID, c Confirmation, notes string, deadline, now time.Time) error {
	if err := CanTransition(OpApprove, r); err != nil {
		return err
	}
	r.Status = StatusApproved
	review(r, staff, notes, now)
	confirm(r, c, deadline)
	r.UpdatedAt = now
	return nil
}

func Modify(r *AppointmentRequest, staff uuid.UUID, c Confirmation, notes string, deadline, now time.Time) error {
	if err := CanTransition(OpModify, r); err != nil {
		return err
	}
	prev := r.EffectiveSlot()
	change := fmt.Sprintf("modified %s %s -> %s %s",
		prev.Date.Format(DateLayout), prev.Slot, c.Date.Format(DateLayout), c.Slot)
	if prev.LocationID != c.LocationID {
		change += fmt.Sprintf(" (location %s -> %s)", prev.LocationID, c.LocationID)
	}
	if notes != "" {
		change += ": " + notes
	}

	r.Status = StatusApproved
	review(r, staff, joinNotes(r.ReviewNotes, change), now)
	confirm(r, c, deadline)
	r.UpdatedAt = now
	return nil
}

func Reject(r *AppointmentRequest, staff uuid.UUID, reason string, now time.Time) error {
	if err := CanTransition(OpReject, r); err != nil {
		return err
	}
	r.Status = StatusRejected
	review(r, staff, r.ReviewNotes, now)
	r.RejectionReason = reason
	clearConfirmation(r)
	r.UpdatedAt = now
	return nil
}

func Accept(r *AppointmentRequest, notes string, deadline, now time.Time) error {
	if err := CanTransition(OpAccept, r); err != nil {
		return err
	}
	r.Status = StatusAccepted
	r.DonorResponse = ResponseAccepted
	r.DonorRespondedAt = &now
	r.DonorResponseNotes = notes

	c := Confirmation{Date: r.PreferredDate, Slot: r.PreferredSlot, LocationID: r.LocationID}
	if r.ConfirmedDate != nil {
		c.Date = *r.ConfirmedDate
	}
	if r.ConfirmedSlot != nil {
		c.Slot = *r.ConfirmedSlot
	}
	if r.ConfirmedLocationID != nil {
		c.LocationID = *r.ConfirmedLocationID
	}
	confirm(r, c, deadline)
	r.UpdatedAt = now
	return nil
}

func Decline(r *AppointmentRequest, notes string, now time.Time) error {
	if err := CanTransition(OpDecline, r); err != nil {
		return err
	}
	r.Status = StatusRejected
	r.DonorResponse = ResponseDeclined
	r.DonorRespondedAt = &now
	r.DonorResponseNotes = notes
	clearConfirmation(r)
	r.UpdatedAt = now
	return nil
}

func Cancel(r *AppointmentRequest, reason string, now time.Time) error {
	if err := CanTransition(OpCancel, r); err != nil {
		return err
	}
	r.Status = StatusCancelled
	r.CancelledTime = &now
	r.CancellationReason = reason
	clearConfirmation(r)
	r.UpdatedAt = now
	return nil
}

func CheckIn(r *AppointmentRequest, at, now time.Time) error {
	if err := CanTransition(OpCheckIn, r); err != nil {
		return err
	}
	r.Status = StatusCheckedIn
	r.CheckInTime = &at
	r.ExpiresAt = nil
	r.UpdatedAt = now
	return nil
}

func Complete(r *AppointmentRequest, now time.Time) error {
	if err := CanTransition(OpComplete, r); err != nil {
		if r.Status == StatusCompleted {
			return fmt.Errorf("%w: request %s", ErrAlreadyConverted, r.ID)
		}
		return err
	}
	r.Status = StatusCompleted
	r.CompletedTime = &now
	r.UpdatedAt = now
	return nil
}

func MarkIncomplete(r *AppointmentRequest, outcome Outcome, reason string, now time.Time) error {
	if err := CanTransition(OpComplete, r); err != nil {
		return err
	}
	r.Status = StatusIncomplete
	r.IncompleteReason = string(outcome)
	if reason != "" {
		r.IncompleteReason += ": " + reason
	}
	clearConfirmation(r)
	r.UpdatedAt = now
	return nil
}

// Expire applies only once the deadline has passed.
func Expire(r *AppointmentRequest, now time.Time) error {
	if err := CanTransition(OpExpire, r); err != nil {
		return err
	}
	if r.ExpiresAt == nil || !r.ExpiresAt.Before(now) {
		return fmt.Errorf("%w: request %s has not reached its deadline", ErrInvalidTransition, r.ID)
	}
	r.Status = StatusExpired
	clearConfirmation(r)
	r.UpdatedAt = now
	return nil
}

func review(r *AppointmentRequest, staff uuid.UUID, notes string, now time.Time) {
	r.ReviewedBy = &staff
	r.ReviewedAt = &now
	r.ReviewNotes = notes
}

func confirm(r *AppointmentRequest, c Confirmation, deadline time.Time) {
	date, slot, loc := c.Date, c.Slot, c.LocationID
	r.ConfirmedDate = &date
	r.ConfirmedSlot = &slot
	r.ConfirmedLocationID = &loc
	r.HeldDate, r.HeldSlot, r.HeldLocationID = &date, &slot, &loc
	r.ExpiresAt = &deadline
	r.ExpiryWarnedAt = nil
}

func clearConfirmation(r *AppointmentRequest) {
	r.ConfirmedDate = nil
	r.ConfirmedSlot = nil
	r.ConfirmedLocationID = nil
}

func joinNotes(existing, add string) string {
	if existing == "" {
		return add
	}
	return existing + "\n" + add
}
