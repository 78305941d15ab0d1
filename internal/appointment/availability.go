package appointment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MaxAvailabilityDays bounds one availability query.
const MaxAvailabilityDays = 62

// CapacityCache holds capacity records per location for read-only queries. Booking decisions
// never consult it.
type CapacityCache interface {
	Get(ctx context.Context, locationID uuid.UUID) ([]CapacityRecord, bool)
	Set(ctx context.Context, locationID uuid.UUID, recs []CapacityRecord)
	Invalidate(ctx context.Context, locationID uuid.UUID)
}

// AvailableSlots reports, for each of days dates from `from` and each time slot, the remaining
// capacity at the location. Full slots are included with Available 0.
func (s *Service) AvailableSlots(ctx context.Context, locationID uuid.UUID, from time.Time, days int) ([]SlotAvailability, error) {
	if days <= 0 || days > MaxAvailabilityDays {
		return nil, fmt.Errorf("%w: days must be between 1 and %d", ErrValidation, MaxAvailabilityDays)
	}
	from = civilDate(from)
	if err := requireRefs(ctx, s.dir, map[RefKind][]*uuid.UUID{RefLocation: {&locationID}}); err != nil {
		return nil, err
	}

	records, err := s.cachedCapacityRecords(ctx, locationID)
	if err != nil {
		return nil, err
	}

	to := from.AddDate(0, 0, days-1)
	used, err := s.repo.CountConsumingRange(ctx, locationID, from, to)
	if err != nil {
		return nil, fmt.Errorf("count committed requests: %w", err)
	}

	out := make([]SlotAvailability, 0, days*len(TimeSlots))
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		for _, slot := range TimeSlots {
			total := CapacityFor(records, d, slot)
			available := total - used[SlotKey{LocationID: locationID, Date: d, Slot: slot}]
			if available < 0 {
				available = 0
			}
			out = append(out, SlotAvailability{Date: d, Slot: slot, Available: available, Total: total})
		}
	}
	return out, nil
}

func (s *Service) cachedCapacityRecords(ctx context.Context, locationID uuid.UUID) ([]CapacityRecord, error) {
	if s.cache != nil {
		if recs, ok := s.cache.Get(ctx, locationID); ok {
			return recs, nil
		}
	}

	recs, err := s.repo.ListCapacityRecords(ctx, locationID)
	if err != nil {
		return nil, fmt.Errorf("load capacity records: %w", err)
	}

	if s.cache != nil {
		s.cache.Set(ctx, locationID, recs)
		s.log.Debug("capacity records cached", zap.Stringer("location_id", locationID), zap.Int("records", len(recs)))
	}
	return recs, nil
}
