package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

func (s *Service) GetRequest(ctx context.Context, actor Actor, id uuid.UUID) (*AppointmentRequest, error) {
	r, err := s.repo.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(actor, OpView, r); err != nil {
		return nil, err
	}
	return r, nil
}

// ListRequests returns requests ordered by priority (highest first), then preferred date.
// Donors only ever see their own requests.
func (s *Service) ListRequests(ctx context.Context, actor Actor, f Filter) ([]AppointmentRequest, error) {
	switch {
	case actor.isStaff():
	case actor.Role == RoleDonor:
		id := actor.ID
		f.DonorID = &id
	default:
		return nil, fmt.Errorf("%w: %s may not list requests", ErrUnauthorized, actor.Role)
	}

	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		return nil, fmt.Errorf("%w: offset must not be negative", ErrValidation)
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return nil, fmt.Errorf("%w: to is before from", ErrValidation)
	}
	return s.repo.ListRequests(ctx, f)
}

// GetDonation returns the donation a completed request converted into.
func (s *Service) GetDonation(ctx context.Context, actor Actor, requestID uuid.UUID) (*Donation, error) {
	if _, err := s.GetRequest(ctx, actor, requestID); err != nil {
		return nil, err
	}
	return s.repo.GetDonationByRequest(ctx, requestID)
}

// UnlinkBloodRequest clears the link on every request referencing bloodRequestID, the way a
// deleted blood request leaves its appointments in place.
func (s *Service) UnlinkBloodRequest(ctx context.Context, actor Actor, bloodRequestID uuid.UUID) (int, error) {
	if err := authorize(actor, OpUnlinkBloodRequest, nil); err != nil {
		return 0, err
	}
	ids, err := s.repo.FindLinkedRequests(ctx, bloodRequestID)
	if err != nil {
		return 0, fmt.Errorf("find linked appointment requests: %w", err)
	}

	n := 0
	for _, id := range ids {
		changed, err := s.unlinkOne(ctx, id, bloodRequestID)
		if err != nil {
			return n, fmt.Errorf("clear blood request link: %w", err)
		}
		if changed {
			n++
		}
	}
	s.log.Info("blood request unlinked",
		zap.Stringer("blood_request_id", bloodRequestID),
		zap.Int("requests", n))
	return n, nil
}

// unlinkOne clears the link under the request lock so it serializes with lifecycle commands.
func (s *Service) unlinkOne(ctx context.Context, id, bloodRequestID uuid.UUID) (bool, error) {
	changed := false
	err := s.locker.WithLock(ctx, requestLockKey(id), func(lockCtx context.Context) error {
		r, err := s.repo.GetRequest(lockCtx, id)
		if err != nil {
			return err
		}
		if r.BloodRequestID == nil || *r.BloodRequestID != bloodRequestID {
			return nil
		}

		expected := r.Version
		r.BloodRequestID = nil
		r.UpdatedAt = s.now()
		if err := s.repo.UpdateRequest(lockCtx, r, expected); err != nil {
			return updateErr(id, err)
		}
		changed = true
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return changed, err
}

// Today is the current civil date in the business timezone.
func (s *Service) Today() time.Time {
	return DateOf(s.now(), s.loc)
}
