package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultDonationVolumeML is one standard whole-blood unit.
const DefaultDonationVolumeML = 450

type CompletionInput struct {
	Outcome Outcome
	// DonationID binds an already registered donation instead of creating one.
	DonationID *uuid.UUID
	VolumeML   int
	Notes      string
	// Reason explains a health-check failure or no-show.
	Reason string
}

// Converter turns a completed appointment into its donation record, exactly once.
type Converter struct {
	repo Repository
}

func NewConverter(repo Repository) *Converter {
	return &Converter{repo: repo}
}

// Convert persists r (already moved to Completed) together with its donation. The
// repository rejects a second donation for the same request with ErrAlreadyConverted.
func (c *Converter) Convert(ctx context.Context, r *AppointmentRequest, expectedVersion int64, staff uuid.UUID, in CompletionInput, now time.Time) (*Donation, error) {
	if r.Status != StatusCompleted {
		return nil, fmt.Errorf("%w: only completed requests convert, got %s", ErrInvalidTransition, r.Status)
	}

	volume := in.VolumeML
	if volume == 0 {
		volume = DefaultDonationVolumeML
	}

	requestID := r.ID
	key := r.EffectiveSlot()
	d := &Donation{
		ID:                   uuid.New(),
		DonorID:              r.DonorID,
		AppointmentRequestID: &requestID,
		BloodRequestID:       r.BloodRequestID,
		LocationID:           key.LocationID,
		BloodGroupID:         r.BloodGroupID,
		ComponentTypeID:      r.ComponentTypeID,
		DonationDate:         key.Date,
		CollectedBy:          staff,
		VolumeML:             volume,
		Notes:                in.Notes,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	bind := in.DonationID != nil
	if bind {
		d.ID = *in.DonationID
	}

	if err := c.repo.CompleteWithDonation(ctx, r, expectedVersion, d, bind); err != nil {
		return nil, err
	}
	return d, nil
}

// CompleteOrMarkIncomplete closes a checked-in appointment. A completed outcome hands off to
// the converter; health-check failures and no-shows end as Incomplete with no donation.
func (s *Service) CompleteOrMarkIncomplete(ctx context.Context, actor Actor, id uuid.UUID, in CompletionInput) (*AppointmentRequest, *Donation, error) {
	if _, err := ParseOutcome(string(in.Outcome)); err != nil {
		return nil, nil, err
	}
	if in.VolumeML < 0 {
		return nil, nil, fmt.Errorf("%w: volume_ml must not be negative", ErrValidation)
	}

	var (
		out      *AppointmentRequest
		donation *Donation
	)
	err := s.withRequest(ctx, actor, OpComplete, id, func(lockCtx context.Context, r *AppointmentRequest) error {
		now := s.now()
		expected := r.Version

		if in.Outcome != OutcomeCompleted {
			if err := MarkIncomplete(r, in.Outcome, in.Reason, now); err != nil {
				return err
			}
			if err := s.repo.UpdateRequest(lockCtx, r, expected); err != nil {
				return updateErr(id, err)
			}
			out = r
			return nil
		}

		if err := Complete(r, now); err != nil {
			return err
		}
		d, err := s.converter.Convert(lockCtx, r, expected, actor.ID, in, now)
		if errors.Is(err, errVersionConflict) {
			return updateErr(id, err)
		}
		if err != nil {
			return err
		}
		out, donation = r, d
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	payload := map[string]any{"outcome": in.Outcome}
	if donation != nil {
		payload["donation_id"] = donation.ID
		if donation.BloodRequestID != nil {
			payload["blood_request_id"] = *donation.BloodRequestID
		}
	}
	s.log.Info("appointment request closed",
		zap.Stringer("request_id", id),
		zap.String("status", string(out.Status)))
	s.emit(ctx, eventFor(OpComplete, out), out, actor, payload)
	return out, donation, nil
}
