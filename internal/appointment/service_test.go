package appointment

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/donation-scheduling/internal/config"
	"github.com/hackgods/donation-scheduling/internal/lock"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	ctx      context.Context
	svc      *Service
	repo     *MemoryRepository
	dir      *StaticDirectory
	clock    *testClock
	location uuid.UUID
	staff    Actor
	admin    Actor
	today    time.Time
}

// newFixture starts the clock on Monday 2026-03-02 09:00 UTC.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	repo := NewMemoryRepository()
	dir := NewStaticDirectory()
	clock := &testClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	cfg := config.Config{
		StaffRequestTTL:    72 * time.Hour,
		BookingHorizonDays: 90,
		Timezone:           "UTC",
	}

	location := uuid.New()
	dir.Add(RefLocation, location)

	return &fixture{
		ctx:      context.Background(),
		svc:      NewService(repo, dir, lock.NewLocal(), nil, cfg, zap.NewNop()).WithClock(clock.Now),
		repo:     repo,
		dir:      dir,
		clock:    clock,
		location: location,
		staff:    Actor{ID: uuid.New(), Role: RoleStaff},
		admin:    Actor{ID: uuid.New(), Role: RoleAdmin},
		today:    time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) donor() Actor {
	id := uuid.New()
	f.dir.Add(RefDonor, id)
	return Actor{ID: id, Role: RoleDonor}
}

// capacity stores an unscoped default record for slot at the fixture location.
func (f *fixture) capacity(t *testing.T, slot TimeSlot, total int) {
	t.Helper()
	require.NoError(t, f.repo.SaveCapacityRecord(f.ctx, &CapacityRecord{
		ID:            uuid.New(),
		LocationID:    f.location,
		Slot:          slot,
		TotalCapacity: total,
		Active:        true,
		CreatedAt:     f.clock.Now(),
		UpdatedAt:     f.clock.Now(),
	}))
}

func (f *fixture) book(donor Actor, date time.Time, slot TimeSlot) (*AppointmentRequest, error) {
	return f.svc.CreateDonorRequest(f.ctx, donor, DonorRequestInput{
		DonorID:       donor.ID,
		PreferredDate: date,
		PreferredSlot: slot,
		LocationID:    f.location,
	})
}

func (f *fixture) assign(donor Actor, date time.Time, slot TimeSlot, autoExpireHours *int) (*AppointmentRequest, error) {
	return f.svc.CreateStaffRequest(f.ctx, f.staff, StaffRequestInput{
		DonorID:         donor.ID,
		PreferredDate:   date,
		PreferredSlot:   slot,
		LocationID:      f.location,
		Priority:        PriorityNormal,
		AutoExpireHours: autoExpireHours,
	})
}

func (f *fixture) used(t *testing.T, date time.Time, slot TimeSlot) int {
	t.Helper()
	n, err := f.repo.CountConsuming(f.ctx, SlotKey{LocationID: f.location, Date: date, Slot: slot}, uuid.Nil)
	require.NoError(t, err)
	return n
}

func (f *fixture) checkedIn(t *testing.T, donor Actor, date time.Time) *AppointmentRequest {
	t.Helper()
	r, err := f.book(donor, date, SlotMorning)
	require.NoError(t, err)
	_, err = f.svc.ApproveRequest(f.ctx, f.staff, r.ID, ReviewInput{Date: date, Slot: SlotMorning})
	require.NoError(t, err)
	r, err = f.svc.CheckIn(f.ctx, f.staff, r.ID, time.Time{})
	require.NoError(t, err)
	return r
}

func intPtr(v int) *int { return &v }

func TestCreateDonorRequest(t *testing.T) {
	f := newFixture(t)
	f.capacity(t, SlotMorning, 5)
	donor := f.donor()
	date := f.today.AddDate(0, 0, 2)

	r, err := f.book(donor, date, SlotMorning)
	require.NoError(t, err)

	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, DonorInitiated, r.RequestType)
	assert.Equal(t, ResponseUnset, r.DonorResponse)
	assert.Equal(t, PriorityNormal, r.Priority)
	assert.Nil(t, r.ConfirmedDate)
	require.NotNil(t, r.ExpiresAt)
	assert.Equal(t, date.AddDate(0, 0, 1), *r.ExpiresAt)
	assert.Equal(t, 1, f.used(t, date, SlotMorning))

	events := f.repo.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventRequestCreated, events[0].EventType)
}

func TestUrgentDonorRequestIsHighPriority(t *testing.T) {
	f := newFixture(t)
	f.capacity(t, SlotMorning, 5)
	donor := f.donor()

	r, err := f.svc.CreateDonorRequest(f.ctx, donor, DonorRequestInput{
		DonorID:       donor.ID,
		PreferredDate: f.today.AddDate(0, 0, 1),
		PreferredSlot: SlotMorning,
		LocationID:    f.location,
		Urgent:        true,
	})
	require.NoError(t, err)
	assert.True(t, r.IsUrgent)
	assert.Equal(t, PriorityHigh, r.Priority)
}

func TestThreeDonorsCompeteForTwoPlaces(t *testing.T) {
	f := newFixture(t)
	f.capacity(t, SlotMorning, 2)
	date := f.today.AddDate(0, 0, 3)

	donors := []Actor{f.donor(), f.donor(), f.donor()}
	errs := make([]error, len(donors))

	var wg sync.WaitGroup
	for i, d := range donors {
		wg.Add(1)
		go func(i int, d Actor) {
			defer wg.Done()
			_, errs[i] = f.book(d, date, SlotMorning)
		}(i, d)
	}
	wg.Wait()

	ok, full := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrCapacityExceeded):
			full++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 2, ok)
	assert.Equal(t, 1, full)
	assert.Equal(t, 2, f.used(t, date, SlotMorning))
}

func TestConcurrentBookingsNeverOverfillSlot(t *testing.T) {
	f := newFixture(t)
	const capacity, donors = 5, 25
	f.capacity(t, SlotEvening, capacity)
	date := f.today.AddDate(0, 0, 7)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < donors; i++ {
		d := f.donor()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.book(d, date, SlotEvening); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrCapacityExceeded)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, capacity, success)
	assert.Equal(t, capacity, f.used(t, date, SlotEvening))
}

func TestDuplicateActiveRequest(t *testing.T) {
	f := newFixture(t)
	f.capacity(t, SlotMorning, 5)
	f.capacity(t, SlotAfternoon, 5)
	donor := f.donor()
	date := f.today.AddDate(0, 0, 1)

	first, err := f.book(donor, date, SlotMorning)
	require.NoError(t, err)

	_, err = f.book(donor, date, SlotAfternoon)
	require.ErrorIs(t, err, ErrDuplicateActiveRequest)

	_, err = f.assign(donor, date, SlotAfternoon, nil)
	require.ErrorIs(t, err, ErrDuplicateActiveRequest)

	_, err = f.svc.CancelRequest(f.ctx, donor, first.ID, "changed plans")
	require.NoError(t, err)

	_, err = f.book(donor, date, SlotAfternoon)
	require.NoError(t, err)
}

func TestDonorCannotBookForAnotherDonor(t *testing.T) {
	f := newFixture(t)
	f.capacity(t, SlotMorning, 5)
	donor, other := f.donor(), f.donor()

	_, err := f.svc.CreateDonorRequest(f.ctx, donor, DonorRequestInput{
		DonorID:       other.ID,
		PreferredDate: f.today.AddDate(0, 0, 1),
		PreferredSlot: SlotMorning,
		LocationID:    f.location,
	})
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.svc.CreateStaffRequest(f.ctx, donor, StaffRequestInput{
		DonorID:       donor.ID,
		PreferredDate: f.today.AddDate(0, 0, 1),
		PreferredSlot: SlotMorning,
		LocationID:    f.location,
		Priority:      PriorityNormal,
	})
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestCreateValidatesDateSlotAndReferences(t *testing.T) {
	f := newFixture(t)
	f.capacity(t, SlotMorning, 5)
	donor := f.donor()

	_, err := f.book(donor, f.today.AddDate(0, 0, -1), SlotMorning)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.book(donor, f.today.AddDate(0, 0, 91), SlotMorning)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.book(donor, f.today.AddDate(0, 0, 1), TimeSlot("Night"))
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.CreateDonorRequest(f.ctx, donor, DonorRequestInput{
		DonorID:       donor.ID,
		PreferredDate: f.today.AddDate(0, 0, 1),
		PreferredSlot: SlotMorning,
		LocationID:    uuid.New(),
	})
	assert.ErrorIs(t, err, ErrNotFound)

	r, err := f.book(donor, f.today.AddDate(0, 0, 90), SlotMorning)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, r.Status)
}

func TestCreateWithoutCapacityRecordIsFull(t *testing.T) {
	f := newFixture(t)
	donor := f.donor()

	_, err := f.book(donor, f.today.AddDate(0, 0, 1), SlotMorning)
	require.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestApproveIntoFullSlotKeepsRequestPending(t *testing.T) {
	f := newFixture(t)
	f.capacity(t, SlotMorning, 1)
	f.capacity(t, SlotAfternoon, 1)
	date := f.today.AddDate(0, 0, 4)

	_, err := f.book(f.donor(), date, SlotAfternoon)
	require.NoError(t, err)
	r, err := f.book(f.donor(), date, SlotMorning)
	require.NoError(t, err)

	_, err = f.svc.ApproveRequest(f.ctx, f.staff, r.ID, ReviewInput{Date: date, Slot: SlotAfternoon})
	require.ErrorIs(t, err, ErrCapacityExceeded)

	got, err := f.repo.GetRequest(f.ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Nil(t, got.ConfirmedDate)
	assert.Nil(t, got.ReviewedBy)
	assert.Equal(t, r.Version, got.Version)
}

func TestApproveIntoOwnSlotDoesNotCountItself(t *testing.T) {
	f := newFixture(t)
	f.capacity(t, SlotMorning, 1)
	date := f.today.AddDate(0, 0, 4)

	r, err := f.book(f.donor(), date, SlotMorning)
	require.NoError(t, err)

	got, err := f.svc.ApproveRequest(f.ctx, f.staff, r.ID, ReviewInput{Date: date, Slot: SlotMorning, Notes: "ok"})
	require.NoError(t, err)

	assert.Equal(t, StatusApproved, got.Status)
	require.NotNil(t, got.ConfirmedSlot)
	assert.Equal(t, SlotMorning, *got.ConfirmedSlot)
	assert.Equal(t, f.location, *got.ConfirmedLocationID)
	assert.Equal(t, f.staff.ID, *got.ReviewedBy)
	assert.Equal(t, "ok", got.ReviewNotes)
	assert.Equal(t, 1, f.used(t, date, SlotMorning))
}

func TestModifyMovesCapacityAndRecordsChange(t *testing.T) {
	f := newFixture(t)
	f.capacity(t, SlotMorning, 1)
	f.capacity(t, SlotEvening, 1)
	date := f.today.AddDate(0, 0, 5)

	r, err := f.book(f.donor(), date, SlotMorning)
	require.NoError(t, err)
	_, err = f.svc.ApproveRequest(f.ctx, f.staff, r.ID, ReviewInput{Date: date, Slot: SlotMorning})
	require.NoError(t, err)

	later := date.AddDate(0, 0, 1)
	got, err := f.svc.ModifyRequest(f.ctx, f.staff, r.ID, ReviewInput{Date: later, Slot: SlotEvening, Notes: "donor asked"})
	require.NoError(t, err)

	assert.Equal(t, StatusApproved, got.Status)
	assert.Equal(t, later, *got.ConfirmedDate)
	assert.Contains(t, got.ReviewNotes, "modified")
	assert.Contains(t, got.ReviewNotes, "donor asked")
	assert.Equal(t, later.AddDate(0, 0, 1), *got.ExpiresAt)
	assert.Equal(t, 0, f.used(t, date, SlotMorning))
	assert.Equal(t, 1, f.used(t, later, SlotEvening))
}

func TestStaffAssignmentAutoExpires(t *testing.T) {
	f := newFixture(t)
	f.capacity(t, SlotMorning, 1)
	donor := f.donor()
	date := f.today.AddDate(0, 0, 2)

	r, err := f.assign(donor, date, SlotMorning, intPtr(1))
	require.NoError(t, err)
	require.NotNil(t, r.ExpiresAt)
	assert.Equal(t, f.clock.Now().Add(time.Hour), *r.ExpiresAt)

	n, err := f.svc.SweepExpired(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(61 * time.Minute)

	n, err = f.svc.SweepExpired(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.repo.GetRequest(f.ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
	assert.Nil(t, got.ConfirmedDate)
	assert.Equal(t, 0, f.used(t, date, SlotMorning))

	n, err = f.svc.SweepExpired(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = f.svc.AcceptAssignment(f.ctx, donor, r.ID, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.book(f.donor(), date, SlotMorning)
	assert.NoError(t, err)
}

func TestStaffAssignmentDefaultAndDisabledExpiry(t *testing.T) {
	f := newFixture(t)
	f.capacity(t, SlotMorning, 5)

	r, err := f.assign(f.donor(), f.today.AddDate(0, 0, 2), SlotMorning, nil)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(72*time.Hour), *r.ExpiresAt)

	never, err := f.assign(f.donor(), f.today.AddDate(0, 0, 2), SlotMorning, intPtr(0))
	require.NoError(t, err)
	assert.Nil(t, never.ExpiresAt)

	_, err = f.assign(f.donor(), f.today.AddDate(0, 0, 2), SlotMorning, intPtr(-1))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestAcceptAssignmentConfirmsPreferredSlot(t *testing.T) {
	f := newFixture(t)
	f.capacity(t, SlotAfternoon, 2)
	donor := f.donor()
	date := f.today.AddDate(0, 0, 3)

	r, err := f.assign(donor, date, SlotAfternoon, nil)
	require.NoError(t, err)

	_, err = f.svc.AcceptAssignment(f.ctx, f.donor(), r.ID, "")
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.svc.ApproveRequest(f.ctx, f.staff, r.ID, ReviewInput{Date: date, Slot: SlotAfternoon})
	require.ErrorIs(t, err, ErrInvalidTransition)

	got, err := f.svc.AcceptAssignment(f.ctx, donor, r.ID, "see you")
	require.NoError(t, err)

	assert.Equal(t, StatusAccepted, got.Status)
	assert.Equal(t, ResponseAccepted, got.DonorResponse)
	require.NotNil(t, got.DonorRespondedAt)
	assert.Equal(t, "see you", got.DonorResponseNotes)
	assert.Equal(t, date, *got.ConfirmedDate)
	assert.Equal(t, SlotAfternoon, *got.ConfirmedSlot)
	assert.Equal(t, date.AddDate(0, 0, 1), *got.ExpiresAt)
}

func TestRejectAssignmentReleasesSlot(t *testing.T) {
	f := newFixture(t)
	f.capacity(t, SlotAfternoon, 1)
	donor := f.donor()
	date := f.today.AddDate(0, 0, 3)

	r, err := f.assign(donor, date, SlotAfternoon, nil)
	require.NoError(t, err)

	got, err := f.svc.RejectAssignment(f.ctx, donor, r.ID, "travelling")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, got.Status)
	assert.Equal(t, ResponseDeclined, got.DonorResponse)
	assert.Nil(t, got.ConfirmedDate)
	assert.Equal(t, 0, f.used(t, date, SlotAfternoon))
}

func TestDonorResponseStaysUnsetForDonorRequests(t *testing.T) {
	f := newFixture(t)
	f.capacity(t, SlotMorning, 2)
	donor := f.donor()
	date := f.today

	r := f.checkedIn(t, donor, date)
	assert.Equal(t, ResponseUnset, r.DonorResponse)

	_, err := f.svc.AcceptAssignment(f.ctx, donor, r.ID, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	done, _, err := f.svc.CompleteOrMarkIncomplete(f.ctx, f.staff, r.ID, CompletionInput{Outcome: OutcomeCompleted})
	require.NoError(t, err)
	assert.Equal(t, ResponseUnset, done.DonorResponse)
	assert.Nil(t, done.DonorRespondedAt)
}

func TestCompleteConvertsExactlyOnce(t *testing.T) {
	f := newFixture(t)
	f.capacity(t, SlotMorning, 2)
	donor := f.donor()
	r := f.checkedIn(t, donor, f.today)
	require.Nil(t, r.ExpiresAt)
	require.NotNil(t, r.CheckInTime)

	done, donation, err := f.svc.CompleteOrMarkIncomplete(f.ctx, f.staff, r.ID, CompletionInput{Outcome: OutcomeCompleted})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedTime)
	require.NotNil(t, donation)
	assert.Equal(t, donor.ID, donation.DonorID)
	assert.Equal(t, r.ID, *donation.AppointmentRequestID)
	assert.Equal(t, f.location, donation.LocationID)
	assert.Equal(t, DefaultDonationVolumeML, donation.VolumeML)
	assert.Equal(t, f.staff.ID, donation.CollectedBy)

	_, _, err = f.svc.CompleteOrMarkIncomplete(f.ctx, f.staff, r.ID, CompletionInput{Outcome: OutcomeCompleted})
	require.ErrorIs(t, err, ErrAlreadyConverted)

	stored, err := f.svc.GetDonation(f.ctx, donor, r.ID)
	require.NoError(t, err)
	assert.Equal(t, donation.ID, stored.ID)
	assert.Equal(t, 1, f.used(t, f.today, SlotMorning))
}

func TestConcurrentCompletionConvertsOnce(t *testing.T) {
	f := newFixture(t)
	f.capacity(t, SlotMorning, 2)
	r := f.checkedIn(t, f.donor(), f.today)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, dupe int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := f.svc.CompleteOrMarkIncomplete(f.ctx, f.staff, r.ID, CompletionInput{Outcome: OutcomeCompleted})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrAlreadyConverted):
				dupe++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, 7, dupe)
}

func TestCompleteBindsExistingDonation(t *testing.T) {
	f := newFixture(t)
	f.capacity(t, SlotMorning, 2)
	donor := f.donor()
	r := f.checkedIn(t, donor, f.today)

	existing := Donation{ID: uuid.New(), DonorID: donor.ID, LocationID: f.location, VolumeML: 300, DonationDate: f.today}
	f.repo.AddDonation(existing)

	_, donation, err := f.svc.CompleteOrMarkIncomplete(f.ctx, f.staff, r.ID, CompletionInput{
		Outcome:    OutcomeCompleted,
		DonationID: &existing.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, existing.ID, donation.ID)
	assert.Equal(t, 300, donation.VolumeML)
	assert.Equal(t, r.ID, *donation.AppointmentRequestID)
}

func TestCompleteBindingUnknownDonationLeavesRequestCheckedIn(t *testing.T) {
	f := newFixture(t)
	f.capacity(t, SlotMorning, 2)
	r := f.checkedIn(t, f.donor(), f.today)

	missing := uuid.New()
	_, _, err := f.svc.CompleteOrMarkIncomplete(f.ctx, f.staff, r.ID, CompletionInput{
		Outcome:    OutcomeCompleted,
		DonationID: &missing,
	})
	require.ErrorIs(t, err, ErrNotFound)

	got, err := f.repo.GetRequest(f.ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCheckedIn, got.Status)
}

func TestNoShowMarksIncomplete(t *testing.T) {
	f := newFixture(t)
	f.capacity(t, SlotMorning, 2)
	r := f.checkedIn(t, f.donor(), f.today)

	got, donation, err := f.svc.CompleteOrMarkIncomplete(f.ctx, f.staff, r.ID, CompletionInput{
		Outcome: OutcomeNoShow,
		Reason:  "left before screening",
	})
	require.NoError(t, err)
	assert.Nil(t, donation)
	assert.Equal(t, StatusIncomplete, got.Status)
	assert.True(t, strings.HasPrefix(got.IncompleteReason, string(OutcomeNoShow)))
	assert.Nil(t, got.ConfirmedDate)
	assert.Nil(t, got.CompletedTime)

	_, err = f.svc.GetDonation(f.ctx, f.staff, r.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIllegalTransitionLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	f.capacity(t, SlotMorning, 2)
	donor := f.donor()

	r, err := f.book(donor, f.today.AddDate(0, 0, 1), SlotMorning)
	require.NoError(t, err)

	_, err = f.svc.CheckIn(f.ctx, f.staff, r.ID, time.Time{})
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, _, err = f.svc.CompleteOrMarkIncomplete(f.ctx, f.staff, r.ID, CompletionInput{Outcome: OutcomeCompleted})
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.svc.ApproveRequest(f.ctx, donor, r.ID, ReviewInput{Date: r.PreferredDate, Slot: SlotMorning})
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.svc.CancelRequest(f.ctx, f.staff, uuid.New(), "")
	require.ErrorIs(t, err, ErrNotFound)

	got, err := f.repo.GetRequest(f.ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, *r, *got)
}

func TestRejectClearsConfirmationAndSetsReason(t *testing.T) {
	f := newFixture(t)
	f.capacity(t, SlotMorning, 1)
	date := f.today.AddDate(0, 0, 1)

	r, err := f.book(f.donor(), date, SlotMorning)
	require.NoError(t, err)
	_, err = f.svc.ApproveRequest(f.ctx, f.staff, r.ID, ReviewInput{Date: date, Slot: SlotMorning})
	require.NoError(t, err)

	got, err := f.svc.RejectRequest(f.ctx, f.staff, r.ID, "deferred: low haemoglobin")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, got.Status)
	assert.Equal(t, "deferred: low haemoglobin", got.RejectionReason)
	assert.Nil(t, got.ConfirmedDate)
	assert.Nil(t, got.ConfirmedSlot)
	assert.Equal(t, 0, f.used(t, date, SlotMorning))
}

func TestCancelSetsCancelledTimeOnce(t *testing.T) {
	f := newFixture(t)
	f.capacity(t, SlotMorning, 1)
	donor := f.donor()

	r, err := f.book(donor, f.today.AddDate(0, 0, 1), SlotMorning)
	require.NoError(t, err)

	_, err = f.svc.CancelRequest(f.ctx, f.donor(), r.ID, "")
	require.ErrorIs(t, err, ErrUnauthorized)

	got, err := f.svc.CancelRequest(f.ctx, donor, r.ID, "sick")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	require.NotNil(t, got.CancelledTime)
	assert.Nil(t, got.CompletedTime)

	_, err = f.svc.CancelRequest(f.ctx, donor, r.ID, "again")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSweepLeavesFutureAndTerminalRequests(t *testing.T) {
	f := newFixture(t)
	f.capacity(t, SlotMorning, 5)
	date := f.today.AddDate(0, 0, 1)

	pending, err := f.book(f.donor(), date, SlotMorning)
	require.NoError(t, err)
	cancelled, err := f.assign(f.donor(), date, SlotMorning, intPtr(1))
	require.NoError(t, err)
	_, err = f.svc.CancelRequest(f.ctx, f.staff, cancelled.ID, "")
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	n, err := f.svc.SweepExpired(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Donor requests lapse once their preferred day is over.
	f.clock.Advance(48 * time.Hour)
	n, err = f.svc.SweepExpired(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.repo.GetRequest(f.ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)

	got, err = f.repo.GetRequest(f.ctx, cancelled.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestSweepExpiredAsRequiresMaintenanceRole(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.SweepExpiredAs(f.ctx, f.staff)
	assert.ErrorIs(t, err, ErrUnauthorized)

	n, err := f.svc.SweepExpiredAs(f.ctx, f.admin)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExpiryWarningsAreSentOnce(t *testing.T) {
	f := newFixture(t)
	f.capacity(t, SlotMorning, 5)
	date := f.today.AddDate(0, 0, 2)

	soon, err := f.assign(f.donor(), date, SlotMorning, intPtr(6))
	require.NoError(t, err)
	_, err = f.assign(f.donor(), date, SlotMorning, intPtr(48))
	require.NoError(t, err)

	expiring, err := f.svc.ExpiringWithin(f.ctx, f.staff, 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	assert.Equal(t, soon.ID, expiring[0].ID)

	n, err := f.svc.SendExpiryWarnings(f.ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.svc.SendExpiryWarnings(f.ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := f.repo.GetRequest(f.ctx, soon.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.NotNil(t, got.ExpiryWarnedAt)

	var warned int
	for _, ev := range f.repo.Events() {
		if ev.EventType == EventRequestExpiringSoon {
			warned++
		}
	}
	assert.Equal(t, 1, warned)
}

func TestUnlinkBloodRequest(t *testing.T) {
	f := newFixture(t)
	f.capacity(t, SlotMorning, 5)
	bloodRequest := uuid.New()
	f.dir.Add(RefBloodRequest, bloodRequest)
	donor := f.donor()

	r, err := f.svc.CreateDonorRequest(f.ctx, donor, DonorRequestInput{
		DonorID:        donor.ID,
		PreferredDate:  f.today.AddDate(0, 0, 1),
		PreferredSlot:  SlotMorning,
		LocationID:     f.location,
		BloodRequestID: &bloodRequest,
	})
	require.NoError(t, err)

	_, err = f.svc.UnlinkBloodRequest(f.ctx, f.staff, bloodRequest)
	require.ErrorIs(t, err, ErrUnauthorized)

	n, err := f.svc.UnlinkBloodRequest(f.ctx, f.admin, bloodRequest)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.svc.GetRequest(f.ctx, donor, r.ID)
	require.NoError(t, err)
	assert.Nil(t, got.BloodRequestID)
	assert.Equal(t, StatusPending, got.Status)
}

func TestListRequestsScopesDonorsAndSortsByPriority(t *testing.T) {
	f := newFixture(t)
	f.capacity(t, SlotMorning, 10)
	donor := f.donor()

	mine, err := f.book(donor, f.today.AddDate(0, 0, 3), SlotMorning)
	require.NoError(t, err)

	other := f.donor()
	urgent, err := f.svc.CreateStaffRequest(f.ctx, f.staff, StaffRequestInput{
		DonorID:       other.ID,
		PreferredDate: f.today.AddDate(0, 0, 5),
		PreferredSlot: SlotMorning,
		LocationID:    f.location,
		Priority:      PriorityCritical,
	})
	require.NoError(t, err)

	all, err := f.svc.ListRequests(f.ctx, f.staff, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, urgent.ID, all[0].ID)
	assert.Equal(t, mine.ID, all[1].ID)

	own, err := f.svc.ListRequests(f.ctx, donor, Filter{})
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.Equal(t, mine.ID, own[0].ID)

	review, err := f.svc.ListRequests(f.ctx, f.staff, Filter{PendingReview: true})
	require.NoError(t, err)
	require.Len(t, review, 1)
	assert.Equal(t, mine.ID, review[0].ID)

	waiting, err := f.svc.ListRequests(f.ctx, f.staff, Filter{PendingDonorResponse: true})
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, urgent.ID, waiting[0].ID)

	_, err = f.svc.GetRequest(f.ctx, donor, urgent.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestIncompleteKeepsCountingAtConfirmedSlot(t *testing.T) {
	f := newFixture(t)
	f.capacity(t, SlotMorning, 1)
	f.capacity(t, SlotAfternoon, 1)
	date := f.today.AddDate(0, 0, 1)

	first, err := f.book(f.donor(), date, SlotMorning)
	require.NoError(t, err)
	_, err = f.svc.ApproveRequest(f.ctx, f.staff, first.ID, ReviewInput{Date: date, Slot: SlotAfternoon})
	require.NoError(t, err)

	// Morning was freed by the move, so another donor takes it.
	_, err = f.book(f.donor(), date, SlotMorning)
	require.NoError(t, err)

	_, err = f.svc.CheckIn(f.ctx, f.staff, first.ID, time.Time{})
	require.NoError(t, err)
	got, _, err := f.svc.CompleteOrMarkIncomplete(f.ctx, f.staff, first.ID, CompletionInput{
		Outcome: OutcomeHealthCheckFailed,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusIncomplete, got.Status)
	assert.Nil(t, got.ConfirmedDate)
	assert.Nil(t, got.ConfirmedSlot)
	require.NotNil(t, got.HeldSlot)
	assert.Equal(t, SlotAfternoon, *got.HeldSlot)

	assert.Equal(t, 1, f.used(t, date, SlotMorning))
	assert.Equal(t, 1, f.used(t, date, SlotAfternoon))

	_, err = f.book(f.donor(), date, SlotAfternoon)
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	grid, err := f.svc.AvailableSlots(f.ctx, f.location, date, 1)
	require.NoError(t, err)
	for _, cell := range grid {
		assert.Zero(t, cell.Available, cell.Slot)
	}
}

func TestSweepAndAcceptRaceHasOneWinner(t *testing.T) {
	for i := 0; i < 50; i++ {
		f := newFixture(t)
		f.capacity(t, SlotMorning, 5)
		donor := f.donor()
		date := f.today.AddDate(0, 0, 2)

		r, err := f.assign(donor, date, SlotMorning, intPtr(1))
		require.NoError(t, err)
		f.clock.Advance(61 * time.Minute)

		var (
			wg        sync.WaitGroup
			start     = make(chan struct{})
			acceptErr error
			expired   int
			sweepErr  error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_, acceptErr = f.svc.AcceptAssignment(f.ctx, donor, r.ID, "")
		}()
		go func() {
			defer wg.Done()
			<-start
			expired, sweepErr = f.svc.SweepExpired(f.ctx)
		}()
		close(start)
		wg.Wait()

		require.NoError(t, sweepErr)
		got, err := f.repo.GetRequest(f.ctx, r.ID)
		require.NoError(t, err)

		if acceptErr == nil {
			assert.Zero(t, expired)
			assert.Equal(t, StatusAccepted, got.Status)
		} else {
			assert.ErrorIs(t, acceptErr, ErrInvalidTransition)
			assert.Equal(t, 1, expired)
			assert.Equal(t, StatusExpired, got.Status)
		}
	}
}

// hookedRepository runs afterFind once, between the expiry scan and the per-request work.
type hookedRepository struct {
	*MemoryRepository
	once      sync.Once
	afterFind func()
}

func (h *hookedRepository) FindExpiring(ctx context.Context, from, to time.Time, unwarnedOnly bool) ([]AppointmentRequest, error) {
	out, err := h.MemoryRepository.FindExpiring(ctx, from, to, unwarnedOnly)
	if err == nil && h.afterFind != nil {
		h.once.Do(h.afterFind)
	}
	return out, err
}

func TestExpiryWarningSkipsDeadlineMovedByAccept(t *testing.T) {
	f := newFixture(t)
	f.capacity(t, SlotMorning, 5)
	donor := f.donor()
	date := f.today.AddDate(0, 0, 2)

	repo := &hookedRepository{MemoryRepository: f.repo}
	cfg := config.Config{StaffRequestTTL: 72 * time.Hour, BookingHorizonDays: 90, Timezone: "UTC"}
	svc := NewService(repo, f.dir, lock.NewLocal(), nil, cfg, zap.NewNop()).WithClock(f.clock.Now)

	r, err := svc.CreateStaffRequest(f.ctx, f.staff, StaffRequestInput{
		DonorID:         donor.ID,
		PreferredDate:   date,
		PreferredSlot:   SlotMorning,
		LocationID:      f.location,
		Priority:        PriorityNormal,
		AutoExpireHours: intPtr(6),
	})
	require.NoError(t, err)

	// Accepting moves the deadline to the end of the appointment day, outside the window.
	repo.afterFind = func() {
		_, err := svc.AcceptAssignment(f.ctx, donor, r.ID, "")
		require.NoError(t, err)
	}

	n, err := svc.SendExpiryWarnings(f.ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := f.repo.GetRequest(f.ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, got.Status)
	assert.Nil(t, got.ExpiryWarnedAt)
	for _, ev := range f.repo.Events() {
		assert.NotEqual(t, EventRequestExpiringSoon, ev.EventType)
	}
}

func TestUnlinkDoesNotFailConcurrentCommands(t *testing.T) {
	for i := 0; i < 50; i++ {
		f := newFixture(t)
		f.capacity(t, SlotMorning, 5)
		bloodRequest := uuid.New()
		f.dir.Add(RefBloodRequest, bloodRequest)
		donor := f.donor()

		r, err := f.svc.CreateDonorRequest(f.ctx, donor, DonorRequestInput{
			DonorID:        donor.ID,
			PreferredDate:  f.today.AddDate(0, 0, 1),
			PreferredSlot:  SlotMorning,
			LocationID:     f.location,
			BloodRequestID: &bloodRequest,
		})
		require.NoError(t, err)

		var (
			wg        sync.WaitGroup
			start     = make(chan struct{})
			cancelErr error
			unlinked  int
			unlinkErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_, cancelErr = f.svc.CancelRequest(f.ctx, donor, r.ID, "travelling")
		}()
		go func() {
			defer wg.Done()
			<-start
			unlinked, unlinkErr = f.svc.UnlinkBloodRequest(f.ctx, f.admin, bloodRequest)
		}()
		close(start)
		wg.Wait()

		require.NoError(t, cancelErr)
		require.NoError(t, unlinkErr)
		assert.Equal(t, 1, unlinked)

		got, err := f.repo.GetRequest(f.ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, got.Status)
		assert.Nil(t, got.BloodRequestID)
	}
}
