package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SweepExpired moves every live request whose deadline has passed to Expired and returns how
// many it changed. Requests that are already terminal, or that another command moved first,
// are skipped, so the sweep is safe to run redundantly.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	now := s.now()
	candidates, err := s.repo.FindExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("find expired appointment requests: %w", err)
	}

	expired := 0
	for _, c := range candidates {
		ok, err := s.expireOne(ctx, c.ID)
		if err != nil {
			s.log.Warn("failed to expire appointment request", zap.Stringer("request_id", c.ID), zap.Error(err))
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

// SweepExpiredAs is the on-demand maintenance command.
func (s *Service) SweepExpiredAs(ctx context.Context, actor Actor) (int, error) {
	if err := authorize(actor, OpMaintenance, nil); err != nil {
		return 0, err
	}
	return s.SweepExpired(ctx)
}

func (s *Service) expireOne(ctx context.Context, id uuid.UUID) (bool, error) {
	var out *AppointmentRequest

	err := s.locker.WithLock(ctx, requestLockKey(id), func(lockCtx context.Context) error {
		r, err := s.repo.GetRequest(lockCtx, id)
		if err != nil {
			return err
		}
		now := s.now()
		if r.Status.Terminal() || r.ExpiresAt == nil || !r.ExpiresAt.Before(now) {
			return nil
		}

		expected := r.Version
		if err := Expire(r, now); err != nil {
			return err
		}
		if err := s.repo.UpdateRequest(lockCtx, r, expected); err != nil {
			return updateErr(id, err)
		}
		out = r
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil || out == nil {
		return false, err
	}

	s.log.Info("appointment request expired", zap.Stringer("request_id", id))
	s.emit(ctx, EventRequestExpired, out, SystemActor, map[string]any{"reason": "sweeper"})
	return true, nil
}

// ExpiringWithin lists live requests whose deadline falls in the next d, soonest first.
func (s *Service) ExpiringWithin(ctx context.Context, actor Actor, d time.Duration) ([]AppointmentRequest, error) {
	if !actor.isStaff() {
		return nil, fmt.Errorf("%w: expiring list is staff only", ErrUnauthorized)
	}
	if d <= 0 {
		return nil, fmt.Errorf("%w: window must be positive", ErrValidation)
	}
	now := s.now()
	return s.repo.FindExpiring(ctx, now, now.Add(d), false)
}

// SendExpiryWarnings emits one expiring-soon event per request whose deadline falls within d.
// It changes no status; each request is warned at most once per deadline.
func (s *Service) SendExpiryWarnings(ctx context.Context, d time.Duration) (int, error) {
	now := s.now()
	due, err := s.repo.FindExpiring(ctx, now, now.Add(d), true)
	if err != nil {
		return 0, fmt.Errorf("find expiring appointment requests: %w", err)
	}

	sent := 0
	for _, c := range due {
		r, err := s.warnOne(ctx, c.ID, now, now.Add(d))
		if err != nil {
			s.log.Warn("failed to mark expiry warning", zap.Stringer("request_id", c.ID), zap.Error(err))
			continue
		}
		if r == nil {
			continue
		}
		s.emit(ctx, EventRequestExpiringSoon, r, SystemActor, map[string]any{
			"hours_left": r.ExpiresAt.Sub(now).Hours(),
		})
		sent++
	}
	return sent, nil
}

// warnOne re-reads the request under its lock and marks it warned only if the deadline is still
// unwarned and inside [from, to). A nil request means another command moved it first.
func (s *Service) warnOne(ctx context.Context, id uuid.UUID, from, to time.Time) (*AppointmentRequest, error) {
	var out *AppointmentRequest

	err := s.locker.WithLock(ctx, requestLockKey(id), func(lockCtx context.Context) error {
		r, err := s.repo.GetRequest(lockCtx, id)
		if err != nil {
			return err
		}
		if r.Status.Terminal() || r.ExpiresAt == nil || r.ExpiryWarnedAt != nil ||
			r.ExpiresAt.Before(from) || !r.ExpiresAt.Before(to) {
			return nil
		}

		expected := r.Version
		at := from
		r.ExpiryWarnedAt = &at
		if err := s.repo.UpdateRequest(lockCtx, r, expected); err != nil {
			return updateErr(id, err)
		}
		out = r
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return out, err
}

func (s *Service) SendExpiryWarningsAs(ctx context.Context, actor Actor, d time.Duration) (int, error) {
	if err := authorize(actor, OpMaintenance, nil); err != nil {
		return 0, err
	}
	return s.SendExpiryWarnings(ctx, d)
}
