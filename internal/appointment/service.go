package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/donation-scheduling/internal/config"
	"github.com/hackgods/donation-scheduling/internal/lock"
)

type Service struct {
	repo      Repository
	dir       Directory
	locker    lock.Locker
	notifier  Notifier
	cache     CapacityCache
	converter *Converter
	log       *zap.Logger
	cfg       config.Config
	loc       *time.Location
	now       func() time.Time
}

func NewService(repo Repository, dir Directory, locker lock.Locker, notifier Notifier, cfg config.Config, logger *zap.Logger) *Service {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:      repo,
		dir:       dir,
		locker:    locker,
		notifier:  notifier,
		converter: NewConverter(repo),
		log:       logger.Named("appointment"),
		cfg:       cfg,
		loc:       cfg.Location(),
		now:       time.Now,
	}
}

// WithCapacityCache lets availability queries read capacity records from c.
func (s *Service) WithCapacityCache(c CapacityCache) *Service {
	s.cache = c
	return s
}

// WithClock replaces time.Now, mainly for tests and the simulator.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type DonorRequestInput struct {
	DonorID         uuid.UUID
	PreferredDate   time.Time
	PreferredSlot   TimeSlot
	LocationID      uuid.UUID
	BloodGroupID    *uuid.UUID
	ComponentTypeID *uuid.UUID
	BloodRequestID  *uuid.UUID
	Notes           string
	Urgent          bool
}

type StaffRequestInput struct {
	DonorID         uuid.UUID
	PreferredDate   time.Time
	PreferredSlot   TimeSlot
	LocationID      uuid.UUID
	BloodGroupID    *uuid.UUID
	ComponentTypeID *uuid.UUID
	BloodRequestID  *uuid.UUID
	Notes           string
	Priority        int
	// AutoExpireHours overrides the configured assignment lifetime; 0 disables expiry.
	AutoExpireHours *int
}

// CreateDonorRequest books a provisional hold on the donor's preferred slot. The hold counts
// against capacity until staff review it.
func (s *Service) CreateDonorRequest(ctx context.Context, actor Actor, in DonorRequestInput) (*AppointmentRequest, error) {
	now := s.now()
	in.PreferredDate = civilDate(in.PreferredDate)
	priority := PriorityNormal
	if in.Urgent {
		priority = PriorityHigh
	}

	r := &AppointmentRequest{
		ID:              uuid.New(),
		DonorID:         in.DonorID,
		PreferredDate:   in.PreferredDate,
		PreferredSlot:   in.PreferredSlot,
		LocationID:      in.LocationID,
		BloodGroupID:    in.BloodGroupID,
		ComponentTypeID: in.ComponentTypeID,
		BloodRequestID:  in.BloodRequestID,
		RequestType:     DonorInitiated,
		Status:          StatusPending,
		DonorResponse:   ResponseUnset,
		IsUrgent:        in.Urgent,
		Priority:        priority,
		Notes:           in.Notes,
		CreatedAt:       now,
		UpdatedAt:       now,
		Version:         1,
	}
	deadline := s.endOfDay(in.PreferredDate)
	r.ExpiresAt = &deadline

	if err := s.create(ctx, actor, OpCreateDonorRequest, r); err != nil {
		return nil, err
	}
	return r, nil
}

// CreateStaffRequest assigns a slot to a donor, who must accept or decline it before the
// assignment lapses.
func (s *Service) CreateStaffRequest(ctx context.Context, actor Actor, in StaffRequestInput) (*AppointmentRequest, error) {
	if in.Priority < PriorityNormal || in.Priority > PriorityCritical {
		return nil, fmt.Errorf("%w: priority must be between %d and %d", ErrValidation, PriorityNormal, PriorityCritical)
	}

	now := s.now()
	in.PreferredDate = civilDate(in.PreferredDate)
	staffID := actor.ID
	r := &AppointmentRequest{
		ID:              uuid.New(),
		DonorID:         in.DonorID,
		InitiatedBy:     &staffID,
		PreferredDate:   in.PreferredDate,
		PreferredSlot:   in.PreferredSlot,
		LocationID:      in.LocationID,
		BloodGroupID:    in.BloodGroupID,
		ComponentTypeID: in.ComponentTypeID,
		BloodRequestID:  in.BloodRequestID,
		RequestType:     StaffInitiated,
		Status:          StatusPending,
		DonorResponse:   ResponseUnset,
		IsUrgent:        in.Priority > PriorityNormal,
		Priority:        in.Priority,
		Notes:           in.Notes,
		CreatedAt:       now,
		UpdatedAt:       now,
		Version:         1,
	}

	ttl := s.cfg.StaffRequestTTL
	if in.AutoExpireHours != nil {
		if *in.AutoExpireHours < 0 {
			return nil, fmt.Errorf("%w: auto_expire_hours must not be negative", ErrValidation)
		}
		ttl = time.Duration(*in.AutoExpireHours) * time.Hour
	}
	if ttl > 0 {
		expiresAt := now.Add(ttl)
		r.ExpiresAt = &expiresAt
	}

	if err := s.create(ctx, actor, OpCreateStaffRequest, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Service) create(ctx context.Context, actor Actor, op Op, r *AppointmentRequest) error {
	if err := authorize(actor, op, r); err != nil {
		return err
	}
	if err := s.validateSlot(r.PreferredDate, r.PreferredSlot); err != nil {
		return err
	}
	if err := requireRefs(ctx, s.dir, map[RefKind][]*uuid.UUID{
		RefDonor:         {&r.DonorID},
		RefLocation:      {&r.LocationID},
		RefBloodGroup:    {r.BloodGroupID},
		RefComponentType: {r.ComponentTypeID},
		RefBloodRequest:  {r.BloodRequestID},
	}); err != nil {
		return err
	}

	key := r.EffectiveSlot()
	keys := []string{donorLockKey(r.DonorID), key.String()}

	err := lock.WithLocks(ctx, s.locker, keys, func(lockCtx context.Context) error {
		active, err := s.repo.HasActiveRequest(lockCtx, r.DonorID)
		if err != nil {
			return fmt.Errorf("check active requests: %w", err)
		}
		if active {
			return ErrDuplicateActiveRequest
		}

		if err := s.checkCapacity(lockCtx, key, uuid.Nil); err != nil {
			return err
		}

		if err := s.repo.InsertRequest(lockCtx, r); err != nil {
			return fmt.Errorf("insert appointment request: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Info("appointment request created",
		zap.Stringer("request_id", r.ID),
		zap.String("type", string(r.RequestType)),
		zap.String("slot", key.String()))
	s.emit(ctx, EventRequestCreated, r, actor, map[string]any{
		"date": r.PreferredDate.Format(DateLayout),
		"slot": r.PreferredSlot,
	})
	return nil
}

// checkCapacity must run while holding the lock for key. It re-reads live capacity records and
// request rows; excludeID skips a request that is moving within or into key.
func (s *Service) checkCapacity(ctx context.Context, key SlotKey, excludeID uuid.UUID) error {
	records, err := s.repo.ListCapacityRecords(ctx, key.LocationID)
	if err != nil {
		return fmt.Errorf("load capacity records: %w", err)
	}
	total := CapacityFor(records, key.Date, key.Slot)

	used, err := s.repo.CountConsuming(ctx, key, excludeID)
	if err != nil {
		return fmt.Errorf("count committed requests: %w", err)
	}
	if used >= total {
		return fmt.Errorf("%w: %s holds %d of %d", ErrCapacityExceeded, key, used, total)
	}
	return nil
}

type ReviewInput struct {
	Date       time.Time
	Slot       TimeSlot
	LocationID *uuid.UUID // defaults to the request's location
	Notes      string
}

func (s *Service) ApproveRequest(ctx context.Context, actor Actor, id uuid.UUID, in ReviewInput) (*AppointmentRequest, error) {
	return s.reschedule(ctx, actor, OpApprove, id, in)
}

func (s *Service) ModifyRequest(ctx context.Context, actor Actor, id uuid.UUID, in ReviewInput) (*AppointmentRequest, error) {
	return s.reschedule(ctx, actor, OpModify, id, in)
}

// reschedule fixes the confirmed slot for approve and modify, re-validating capacity at the
// target slot under its lock.
func (s *Service) reschedule(ctx context.Context, actor Actor, op Op, id uuid.UUID, in ReviewInput) (*AppointmentRequest, error) {
	in.Date = civilDate(in.Date)
	if err := s.validateSlot(in.Date, in.Slot); err != nil {
		return nil, err
	}
	if err := requireRefs(ctx, s.dir, map[RefKind][]*uuid.UUID{RefLocation: {in.LocationID}}); err != nil {
		return nil, err
	}

	return s.transition(ctx, actor, op, id, func(lockCtx context.Context, r *AppointmentRequest, now time.Time) error {
		c := Confirmation{Date: in.Date, Slot: in.Slot, LocationID: r.LocationID}
		if in.LocationID != nil {
			c.LocationID = *in.LocationID
		}

		return s.locker.WithLock(lockCtx, c.key().String(), func(slotCtx context.Context) error {
			if err := s.checkCapacity(slotCtx, c.key(), r.ID); err != nil {
				return err
			}
			deadline := s.endOfDay(c.Date)
			if op == OpApprove {
				return Approve(r, actor.ID, c, in.Notes, deadline, now)
			}
			return Modify(r, actor.ID, c, in.Notes, deadline, now)
		})
	})
}

func (s *Service) RejectRequest(ctx context.Context, actor Actor, id uuid.UUID, reason string) (*AppointmentRequest, error) {
	return s.transition(ctx, actor, OpReject, id, func(_ context.Context, r *AppointmentRequest, now time.Time) error {
		return Reject(r, actor.ID, reason, now)
	})
}

func (s *Service) AcceptAssignment(ctx context.Context, actor Actor, id uuid.UUID, notes string) (*AppointmentRequest, error) {
	return s.transition(ctx, actor, OpAccept, id, func(_ context.Context, r *AppointmentRequest, now time.Time) error {
		date := r.PreferredDate
		if r.ConfirmedDate != nil {
			date = *r.ConfirmedDate
		}
		return Accept(r, notes, s.endOfDay(date), now)
	})
}

func (s *Service) RejectAssignment(ctx context.Context, actor Actor, id uuid.UUID, notes string) (*AppointmentRequest, error) {
	return s.transition(ctx, actor, OpDecline, id, func(_ context.Context, r *AppointmentRequest, now time.Time) error {
		return Decline(r, notes, now)
	})
}

func (s *Service) CancelRequest(ctx context.Context, actor Actor, id uuid.UUID, reason string) (*AppointmentRequest, error) {
	return s.transition(ctx, actor, OpCancel, id, func(_ context.Context, r *AppointmentRequest, now time.Time) error {
		return Cancel(r, reason, now)
	})
}

// CheckIn records arrival. A zero at means now.
func (s *Service) CheckIn(ctx context.Context, actor Actor, id uuid.UUID, at time.Time) (*AppointmentRequest, error) {
	return s.transition(ctx, actor, OpCheckIn, id, func(_ context.Context, r *AppointmentRequest, now time.Time) error {
		if at.IsZero() {
			at = now
		}
		return CheckIn(r, at, now)
	})
}

type applyFunc func(ctx context.Context, r *AppointmentRequest, now time.Time) error

// withRequest runs fn holding the request lock, after loading, authorizing and checking that
// op is legal from the current status. Completing an already completed request reports
// ErrAlreadyConverted rather than a bare transition error.
func (s *Service) withRequest(ctx context.Context, actor Actor, op Op, id uuid.UUID, fn func(ctx context.Context, r *AppointmentRequest) error) error {
	return s.locker.WithLock(ctx, requestLockKey(id), func(lockCtx context.Context) error {
		r, err := s.repo.GetRequest(lockCtx, id)
		if err != nil {
			return err
		}
		if err := authorize(actor, op, r); err != nil {
			return err
		}
		if op == OpComplete && r.Status == StatusCompleted {
			return fmt.Errorf("%w: request %s", ErrAlreadyConverted, id)
		}
		if err := CanTransition(op, r); err != nil {
			return err
		}
		return fn(lockCtx, r)
	})
}

// transition linearizes one command on a request: lock, load, authorize, apply, compare-and-swap.
// A caller that loses a race against another command observes the new status and fails with
// ErrInvalidTransition.
func (s *Service) transition(ctx context.Context, actor Actor, op Op, id uuid.UUID, apply applyFunc) (*AppointmentRequest, error) {
	var out *AppointmentRequest

	err := s.withRequest(ctx, actor, op, id, func(lockCtx context.Context, r *AppointmentRequest) error {
		expected := r.Version
		if err := apply(lockCtx, r, s.now()); err != nil {
			return err
		}
		if err := s.repo.UpdateRequest(lockCtx, r, expected); err != nil {
			return updateErr(id, err)
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("appointment request transitioned",
		zap.Stringer("request_id", id),
		zap.String("op", string(op)),
		zap.String("status", string(out.Status)))
	s.emit(ctx, eventFor(op, out), out, actor, nil)
	return out, nil
}

func updateErr(id uuid.UUID, err error) error {
	if errors.Is(err, errVersionConflict) {
		return fmt.Errorf("%w: request %s changed concurrently", ErrInvalidTransition, id)
	}
	return fmt.Errorf("update appointment request: %w", err)
}

func eventFor(op Op, r *AppointmentRequest) string {
	switch op {
	case OpApprove:
		return EventRequestApproved
	case OpModify:
		return EventRequestModified
	case OpReject:
		return EventRequestRejected
	case OpAccept:
		return EventAssignmentAccepted
	case OpDecline:
		return EventAssignmentDeclined
	case OpCancel:
		return EventRequestCancelled
	case OpCheckIn:
		return EventRequestCheckedIn
	case OpExpire:
		return EventRequestExpired
	case OpComplete:
		if r.Status == StatusCompleted {
			return EventRequestCompleted
		}
		return EventRequestIncomplete
	}
	return string(op)
}

// validateSlot enforces a known time slot and a date between today and the booking horizon.
func (s *Service) validateSlot(date time.Time, slot TimeSlot) error {
	if _, err := ParseTimeSlot(string(slot)); err != nil {
		return err
	}
	if date.IsZero() {
		return fmt.Errorf("%w: date is required", ErrValidation)
	}
	today := DateOf(s.now(), s.loc)
	if date.Before(today) {
		return fmt.Errorf("%w: %s is in the past", ErrValidation, date.Format(DateLayout))
	}
	if date.After(s.horizonEnd()) {
		return fmt.Errorf("%w: %s is beyond the %d day booking horizon", ErrValidation, date.Format(DateLayout), s.cfg.BookingHorizonDays)
	}
	return nil
}

func (s *Service) horizonEnd() time.Time {
	return DateOf(s.now(), s.loc).AddDate(0, 0, s.cfg.BookingHorizonDays)
}

// endOfDay is the first instant after date in the business timezone.
func (s *Service) endOfDay(date time.Time) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, s.loc)
}

func donorLockKey(id uuid.UUID) string {
	return "donor:" + id.String()
}

func requestLockKey(id uuid.UUID) string {
	return "request:" + id.String()
}
