package appointment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/donation-scheduling/internal/lock"
)

type CapacityInput struct {
	LocationID     uuid.UUID
	Slot           TimeSlot
	TotalCapacity  int
	DayOfWeek      *time.Weekday
	EffectiveFrom  *time.Time
	EffectiveUntil *time.Time
	// Active defaults to true on create.
	Active *bool
}

// CapacityUpdate replaces the scope and size of an existing record. Location and slot are fixed
// at creation.
type CapacityUpdate struct {
	TotalCapacity  int
	DayOfWeek      *time.Weekday
	EffectiveFrom  *time.Time
	EffectiveUntil *time.Time
	Active         bool
}

func (s *Service) ListCapacityRecords(ctx context.Context, actor Actor, locationID uuid.UUID) ([]CapacityRecord, error) {
	if !actor.isStaff() {
		return nil, fmt.Errorf("%w: capacity records are staff only", ErrUnauthorized)
	}
	if err := requireRefs(ctx, s.dir, map[RefKind][]*uuid.UUID{RefLocation: {&locationID}}); err != nil {
		return nil, err
	}
	recs, err := s.repo.ListCapacityRecords(ctx, locationID)
	if err != nil {
		return nil, fmt.Errorf("load capacity records: %w", err)
	}
	sortRecords(recs)
	return recs, nil
}

func (s *Service) CreateCapacityRecord(ctx context.Context, actor Actor, in CapacityInput) (*CapacityRecord, error) {
	if err := authorize(actor, OpManageCapacity, nil); err != nil {
		return nil, err
	}
	if err := requireRefs(ctx, s.dir, map[RefKind][]*uuid.UUID{RefLocation: {&in.LocationID}}); err != nil {
		return nil, err
	}

	slot, err := ParseTimeSlot(string(in.Slot))
	if err != nil {
		return nil, err
	}

	now := s.now()
	rec := CapacityRecord{
		ID:             uuid.New(),
		LocationID:     in.LocationID,
		Slot:           slot,
		TotalCapacity:  in.TotalCapacity,
		DayOfWeek:      in.DayOfWeek,
		EffectiveFrom:  civilDatePtr(in.EffectiveFrom),
		EffectiveUntil: civilDatePtr(in.EffectiveUntil),
		Active:         in.Active == nil || *in.Active,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := validateCapacityRecord(rec); err != nil {
		return nil, err
	}

	if err := s.saveCapacity(ctx, rec.LocationID, rec.Slot, func([]CapacityRecord) (CapacityRecord, error) {
		return rec, nil
	}); err != nil {
		return nil, err
	}

	s.log.Info("capacity record created",
		zap.Stringer("capacity_id", rec.ID),
		zap.Stringer("location_id", rec.LocationID),
		zap.String("slot", string(rec.Slot)),
		zap.Int("total", rec.TotalCapacity))
	return &rec, nil
}

// UpdateCapacityRecord also covers deactivation (Active false).
func (s *Service) UpdateCapacityRecord(ctx context.Context, actor Actor, id uuid.UUID, in CapacityUpdate) (*CapacityRecord, error) {
	if err := authorize(actor, OpManageCapacity, nil); err != nil {
		return nil, err
	}
	existing, err := s.repo.GetCapacityRecord(ctx, id)
	if err != nil {
		return nil, err
	}

	var saved CapacityRecord
	err = s.saveCapacity(ctx, existing.LocationID, existing.Slot, func(current []CapacityRecord) (CapacityRecord, error) {
		var base *CapacityRecord
		for i := range current {
			if current[i].ID == id {
				base = &current[i]
				break
			}
		}
		if base == nil {
			return CapacityRecord{}, fmt.Errorf("%w: capacity record %s", ErrNotFound, id)
		}

		rec := *base
		rec.TotalCapacity = in.TotalCapacity
		rec.DayOfWeek = in.DayOfWeek
		rec.EffectiveFrom = civilDatePtr(in.EffectiveFrom)
		rec.EffectiveUntil = civilDatePtr(in.EffectiveUntil)
		rec.Active = in.Active
		rec.UpdatedAt = s.now()
		if err := validateCapacityRecord(rec); err != nil {
			return CapacityRecord{}, err
		}
		saved = rec
		return rec, nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("capacity record updated",
		zap.Stringer("capacity_id", id),
		zap.Int("total", saved.TotalCapacity),
		zap.Bool("active", saved.Active))
	return &saved, nil
}

// saveCapacity serializes writers for (location, slot), then locks every date inside the
// booking horizon whose resolved total would drop, so no booking can commit against the old
// total while the new one is checked against live counts.
func (s *Service) saveCapacity(ctx context.Context, locationID uuid.UUID, slot TimeSlot, build func(current []CapacityRecord) (CapacityRecord, error)) error {
	return s.locker.WithLock(ctx, capacityLockKey(locationID, slot), func(lockCtx context.Context) error {
		current, err := s.repo.ListCapacityRecords(lockCtx, locationID)
		if err != nil {
			return fmt.Errorf("load capacity records: %w", err)
		}
		rec, err := build(current)
		if err != nil {
			return err
		}
		proposed := replaceRecord(current, rec)

		from, to := DateOf(s.now(), s.loc), s.horizonEnd()
		var (
			shrinking []time.Time
			keys      []string
		)
		for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
			if CapacityFor(proposed, d, slot) < CapacityFor(current, d, slot) {
				shrinking = append(shrinking, d)
				keys = append(keys, SlotKey{LocationID: locationID, Date: d, Slot: slot}.String())
			}
		}

		err = lock.WithLocks(lockCtx, s.locker, keys, func(slotCtx context.Context) error {
			if len(shrinking) > 0 {
				used, err := s.repo.CountConsumingRange(slotCtx, locationID, shrinking[0], shrinking[len(shrinking)-1])
				if err != nil {
					return fmt.Errorf("count committed requests: %w", err)
				}
				for _, d := range shrinking {
					key := SlotKey{LocationID: locationID, Date: d, Slot: slot}
					if total := CapacityFor(proposed, d, slot); total < used[key] {
						return fmt.Errorf("%w: %s already holds %d requests, capacity would drop to %d",
							ErrValidation, key, used[key], total)
					}
				}
			}
			if err := s.repo.SaveCapacityRecord(slotCtx, &rec); err != nil {
				return fmt.Errorf("save capacity record: %w", err)
			}
			return nil
		})
		if err != nil {
			return err
		}

		if s.cache != nil {
			s.cache.Invalidate(ctx, locationID)
		}
		return nil
	})
}

func validateCapacityRecord(rec CapacityRecord) error {
	if _, err := ParseTimeSlot(string(rec.Slot)); err != nil {
		return err
	}
	if rec.TotalCapacity < 0 {
		return fmt.Errorf("%w: total capacity must not be negative", ErrValidation)
	}
	if rec.DayOfWeek != nil && (*rec.DayOfWeek < time.Sunday || *rec.DayOfWeek > time.Saturday) {
		return fmt.Errorf("%w: day of week out of range", ErrValidation)
	}
	if rec.EffectiveFrom != nil && rec.EffectiveUntil != nil && rec.EffectiveUntil.Before(*rec.EffectiveFrom) {
		return fmt.Errorf("%w: effective window ends before it starts", ErrValidation)
	}
	return nil
}

func replaceRecord(current []CapacityRecord, rec CapacityRecord) []CapacityRecord {
	out := make([]CapacityRecord, 0, len(current)+1)
	for _, c := range current {
		if c.ID != rec.ID {
			out = append(out, c)
		}
	}
	return append(out, rec)
}

func civilDatePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	d := civilDate(*t)
	return &d
}

func capacityLockKey(locationID uuid.UUID, slot TimeSlot) string {
	return fmt.Sprintf("capacity:%s:%s", locationID, slot)
}
