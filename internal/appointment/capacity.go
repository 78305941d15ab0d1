package appointment

import (
	"sort"
	"time"
)

// Specificity tiers used when several records could govern the same (location, date, slot).
const (
	tierNone = iota
	tierDefault
	tierWeekday
	tierWindow
)

func hasWindow(rec CapacityRecord) bool {
	return rec.EffectiveFrom != nil || rec.EffectiveUntil != nil
}

// inWindow is inclusive on both bounds.
func inWindow(rec CapacityRecord, date time.Time) bool {
	if rec.EffectiveFrom != nil && date.Before(*rec.EffectiveFrom) {
		return false
	}
	if rec.EffectiveUntil != nil && date.After(*rec.EffectiveUntil) {
		return false
	}
	return true
}

// tier returns how specifically rec governs (date, slot), or tierNone if it does not apply.
func tier(rec CapacityRecord, date time.Time, slot TimeSlot) int {
	if !rec.Active || rec.Slot != slot || !inWindow(rec, date) {
		return tierNone
	}
	if rec.DayOfWeek != nil && *rec.DayOfWeek != date.Weekday() {
		return tierNone
	}
	switch {
	case hasWindow(rec):
		return tierWindow
	case rec.DayOfWeek != nil:
		return tierWeekday
	default:
		return tierDefault
	}
}

func windowDays(rec CapacityRecord) float64 {
	if rec.EffectiveFrom == nil || rec.EffectiveUntil == nil {
		return 1 << 30
	}
	return rec.EffectiveUntil.Sub(*rec.EffectiveFrom).Hours() / 24
}

// ResolveCapacity picks the record that governs (date, slot) among records for one location.
// A date-window record beats a weekday record, which beats an unscoped default. Inside a tier
// a record that also pins the weekday wins, then the narrower window, then the most recently
// updated, then the lowest id. ok is false when nothing applies.
func ResolveCapacity(records []CapacityRecord, date time.Time, slot TimeSlot) (CapacityRecord, bool) {
	var (
		best     CapacityRecord
		bestTier = tierNone
	)
	for _, rec := range records {
		t := tier(rec, date, slot)
		if t == tierNone {
			continue
		}
		if t > bestTier || (t == bestTier && moreSpecific(rec, best)) {
			best, bestTier = rec, t
		}
	}
	return best, bestTier != tierNone
}

func moreSpecific(a, b CapacityRecord) bool {
	if (a.DayOfWeek != nil) != (b.DayOfWeek != nil) {
		return a.DayOfWeek != nil
	}
	if wa, wb := windowDays(a), windowDays(b); wa != wb {
		return wa < wb
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.ID.String() < b.ID.String()
}

// CapacityFor returns the total capacity for (date, slot), zero when no record applies.
func CapacityFor(records []CapacityRecord, date time.Time, slot TimeSlot) int {
	rec, ok := ResolveCapacity(records, date, slot)
	if !ok {
		return 0
	}
	return rec.TotalCapacity
}

func sortRecords(recs []CapacityRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Slot != recs[j].Slot {
			return slotIndex(recs[i].Slot) < slotIndex(recs[j].Slot)
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}

func slotIndex(s TimeSlot) int {
	for i, t := range TimeSlots {
		if t == s {
			return i
		}
	}
	return len(TimeSlots)
}
