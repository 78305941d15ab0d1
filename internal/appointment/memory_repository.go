package appointment

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is a Repository held in process memory. It backs the package tests, the
// API tests and the simulator's dry-run mode.
type MemoryRepository struct {
	mu        sync.RWMutex
	requests  map[uuid.UUID]AppointmentRequest
	capacity  map[uuid.UUID]CapacityRecord
	donations map[uuid.UUID]Donation
	events    []EventLog
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		requests:  make(map[uuid.UUID]AppointmentRequest),
		capacity:  make(map[uuid.UUID]CapacityRecord),
		donations: make(map[uuid.UUID]Donation),
	}
}

func (m *MemoryRepository) GetRequest(_ context.Context, id uuid.UUID) (*AppointmentRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: appointment request %s", ErrNotFound, id)
	}
	return &r, nil
}

func (m *MemoryRepository) InsertRequest(_ context.Context, r *AppointmentRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.requests[r.ID]; ok {
		return fmt.Errorf("appointment request %s already exists", r.ID)
	}
	m.requests[r.ID] = *r
	return nil
}

func (m *MemoryRepository) UpdateRequest(_ context.Context, r *AppointmentRequest, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.updateLocked(r, expectedVersion)
}

func (m *MemoryRepository) updateLocked(r *AppointmentRequest, expectedVersion int64) error {
	cur, ok := m.requests[r.ID]
	if !ok || cur.Version != expectedVersion {
		return errVersionConflict
	}
	r.Version = expectedVersion + 1
	m.requests[r.ID] = *r
	return nil
}

func (m *MemoryRepository) ListRequests(_ context.Context, f Filter) ([]AppointmentRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []AppointmentRequest
	for _, r := range m.requests {
		if matches(r, f) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.PreferredDate.Equal(b.PreferredDate) {
			return a.PreferredDate.Before(b.PreferredDate)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

func matches(r AppointmentRequest, f Filter) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if r.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	key := r.EffectiveSlot()
	switch {
	case f.DonorID != nil && r.DonorID != *f.DonorID:
		return false
	case f.LocationID != nil && key.LocationID != *f.LocationID:
		return false
	case f.Urgent != nil && r.IsUrgent != *f.Urgent:
		return false
	case f.From != nil && key.Date.Before(*f.From):
		return false
	case f.To != nil && key.Date.After(*f.To):
		return false
	case f.PendingReview && (r.Status != StatusPending || r.RequestType != DonorInitiated):
		return false
	case f.PendingDonorResponse && (r.Status != StatusPending || r.RequestType != StaffInitiated):
		return false
	}
	return true
}

func (m *MemoryRepository) CountConsuming(_ context.Context, key SlotKey, excludeID uuid.UUID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, r := range m.requests {
		if r.ID != excludeID && r.Status.ConsumesCapacity() && r.EffectiveSlot() == key {
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) CountConsumingRange(_ context.Context, locationID uuid.UUID, from, to time.Time) (map[SlotKey]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[SlotKey]int)
	for _, r := range m.requests {
		if !r.Status.ConsumesCapacity() {
			continue
		}
		key := r.EffectiveSlot()
		if key.LocationID != locationID || key.Date.Before(from) || key.Date.After(to) {
			continue
		}
		out[key]++
	}
	return out, nil
}

func (m *MemoryRepository) HasActiveRequest(_ context.Context, donorID uuid.UUID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.requests {
		if r.DonorID == donorID && !r.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryRepository) FindExpired(_ context.Context, now time.Time) ([]AppointmentRequest, error) {
	return m.findByDeadline(func(r AppointmentRequest) bool {
		return r.ExpiresAt.Before(now)
	}), nil
}

func (m *MemoryRepository) FindExpiring(_ context.Context, from, to time.Time, unwarnedOnly bool) ([]AppointmentRequest, error) {
	return m.findByDeadline(func(r AppointmentRequest) bool {
		if unwarnedOnly && r.ExpiryWarnedAt != nil {
			return false
		}
		return !r.ExpiresAt.Before(from) && r.ExpiresAt.Before(to)
	}), nil
}

func (m *MemoryRepository) findByDeadline(pred func(AppointmentRequest) bool) []AppointmentRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []AppointmentRequest
	for _, r := range m.requests {
		if r.Status.Terminal() || r.ExpiresAt == nil {
			continue
		}
		if pred(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	return out
}

func (m *MemoryRepository) FindLinkedRequests(_ context.Context, bloodRequestID uuid.UUID) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []uuid.UUID
	for id, r := range m.requests {
		if r.BloodRequestID != nil && *r.BloodRequestID == bloodRequestID {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *MemoryRepository) ListCapacityRecords(_ context.Context, locationID uuid.UUID) ([]CapacityRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []CapacityRecord
	for _, c := range m.capacity {
		if c.LocationID == locationID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MemoryRepository) GetCapacityRecord(_ context.Context, id uuid.UUID) (*CapacityRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.capacity[id]
	if !ok {
		return nil, fmt.Errorf("%w: capacity record %s", ErrNotFound, id)
	}
	return &c, nil
}

func (m *MemoryRepository) SaveCapacityRecord(_ context.Context, rec *CapacityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.capacity[rec.ID] = *rec
	return nil
}

func (m *MemoryRepository) CompleteWithDonation(_ context.Context, r *AppointmentRequest, expectedVersion int64, d *Donation, bind bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.donations {
		if existing.AppointmentRequestID != nil && *existing.AppointmentRequestID == r.ID {
			return fmt.Errorf("%w: request %s", ErrAlreadyConverted, r.ID)
		}
	}

	stored := *d
	if bind {
		existing, ok := m.donations[d.ID]
		switch {
		case !ok:
			return fmt.Errorf("%w: donation %s", ErrNotFound, d.ID)
		case existing.AppointmentRequestID != nil:
			return fmt.Errorf("%w: donation %s is linked to another appointment", ErrAlreadyConverted, d.ID)
		case existing.DonorID != d.DonorID:
			return fmt.Errorf("%w: donation %s belongs to donor %s", ErrValidation, d.ID, existing.DonorID)
		}
		stored = existing
		stored.AppointmentRequestID = d.AppointmentRequestID
		if stored.BloodRequestID == nil {
			stored.BloodRequestID = d.BloodRequestID
		}
		stored.UpdatedAt = d.UpdatedAt
	}

	if err := m.updateLocked(r, expectedVersion); err != nil {
		return err
	}
	m.donations[stored.ID] = stored
	*d = stored
	return nil
}

func (m *MemoryRepository) GetDonationByRequest(_ context.Context, requestID uuid.UUID) (*Donation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.donations {
		if d.AppointmentRequestID != nil && *d.AppointmentRequestID == requestID {
			return &d, nil
		}
	}
	return nil, fmt.Errorf("%w: no donation for request %s", ErrNotFound, requestID)
}

// AddDonation registers a donation recorded outside the appointment flow, for binding.
func (m *MemoryRepository) AddDonation(d Donation) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.donations[d.ID] = d
}

func (m *MemoryRepository) InsertEvent(_ context.Context, ev EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev.ID = int64(len(m.events) + 1)
	m.events = append(m.events, ev)
	return nil
}

// Events returns a copy of the event log.
func (m *MemoryRepository) Events() []EventLog {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]EventLog(nil), m.events...)
}
