package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// dbtx is satisfied by both the pool and a pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Helpers

const requestColumns = `
	id, donor_id, initiated_by, reviewed_by, reviewed_at,
	preferred_date, preferred_slot, location_id, blood_group_id, component_type_id,
	request_type, status,
	confirmed_date, confirmed_slot, confirmed_location_id,
	held_date, held_slot, held_location_id,
	donor_response, donor_responded_at, donor_response_notes,
	is_urgent, priority,
	notes, review_notes, rejection_reason, cancellation_reason, incomplete_reason,
	expires_at, expiry_warned_at, blood_request_id,
	created_at, updated_at, check_in_time, completed_time, cancelled_time,
	version`

// Effective slot of a request, as SQL expressions. The confirmed_* and held_* columns are each
// written as a group, so the COALESCE chain matches EffectiveSlot.
const (
	effLocation = `COALESCE(confirmed_location_id, held_location_id, location_id)`
	effDate     = `COALESCE(confirmed_date, held_date, preferred_date)`
	effSlot     = `COALESCE(confirmed_slot, held_slot, preferred_slot)`
)

const consumingStatus = `status NOT IN ('rejected', 'cancelled', 'expired')`
const activeStatus = `status IN ('pending', 'approved', 'accepted', 'checked_in')`

func scanRequest(row pgx.Row) (*AppointmentRequest, error) {
	var r AppointmentRequest

	err := row.Scan(
		&r.ID, &r.DonorID, &r.InitiatedBy, &r.ReviewedBy, &r.ReviewedAt,
		&r.PreferredDate, &r.PreferredSlot, &r.LocationID, &r.BloodGroupID, &r.ComponentTypeID,
		&r.RequestType, &r.Status,
		&r.ConfirmedDate, &r.ConfirmedSlot, &r.ConfirmedLocationID,
		&r.HeldDate, &r.HeldSlot, &r.HeldLocationID,
		&r.DonorResponse, &r.DonorRespondedAt, &r.DonorResponseNotes,
		&r.IsUrgent, &r.Priority,
		&r.Notes, &r.ReviewNotes, &r.RejectionReason, &r.CancellationReason, &r.IncompleteReason,
		&r.ExpiresAt, &r.ExpiryWarnedAt, &r.BloodRequestID,
		&r.CreatedAt, &r.UpdatedAt, &r.CheckInTime, &r.CompletedTime, &r.CancelledTime,
		&r.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &r, nil
}

func scanCapacity(row pgx.Row) (*CapacityRecord, error) {
	var c CapacityRecord
	var dow *int16

	err := row.Scan(
		&c.ID,
		&c.LocationID,
		&c.Slot,
		&c.TotalCapacity,
		&dow,
		&c.EffectiveFrom,
		&c.EffectiveUntil,
		&c.Active,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if dow != nil {
		wd := time.Weekday(*dow)
		c.DayOfWeek = &wd
	}
	return &c, nil
}

func scanDonation(row pgx.Row) (*Donation, error) {
	var d Donation

	err := row.Scan(
		&d.ID,
		&d.DonorID,
		&d.AppointmentRequestID,
		&d.BloodRequestID,
		&d.LocationID,
		&d.BloodGroupID,
		&d.ComponentTypeID,
		&d.DonationDate,
		&d.CollectedBy,
		&d.VolumeML,
		&d.Notes,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &d, nil
}

func collectRequests(rows pgx.Rows) ([]AppointmentRequest, error) {
	defer rows.Close()

	var result []AppointmentRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *r)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// Interface methods

func (p *PgRepository) GetRequest(ctx context.Context, id uuid.UUID) (*AppointmentRequest, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM appointment_requests WHERE id = $1`, id)
	r, err := scanRequest(row)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: appointment request %s", ErrNotFound, id)
	}
	return r, err
}

func (p *PgRepository) InsertRequest(ctx context.Context, r *AppointmentRequest) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO appointment_requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
		        $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32, $33, $34,
		        $35, $36, $37)
	`,
		r.ID, r.DonorID, r.InitiatedBy, r.ReviewedBy, r.ReviewedAt,
		r.PreferredDate, r.PreferredSlot, r.LocationID, r.BloodGroupID, r.ComponentTypeID,
		r.RequestType, r.Status,
		r.ConfirmedDate, r.ConfirmedSlot, r.ConfirmedLocationID,
		r.HeldDate, r.HeldSlot, r.HeldLocationID,
		r.DonorResponse, r.DonorRespondedAt, r.DonorResponseNotes,
		r.IsUrgent, r.Priority,
		r.Notes, r.ReviewNotes, r.RejectionReason, r.CancellationReason, r.IncompleteReason,
		r.ExpiresAt, r.ExpiryWarnedAt, r.BloodRequestID,
		r.CreatedAt, r.UpdatedAt, r.CheckInTime, r.CompletedTime, r.CancelledTime,
		r.Version,
	)
	if err != nil {
		return fmt.Errorf("insert appointment request: %w", err)
	}
	return nil
}

func (p *PgRepository) UpdateRequest(ctx context.Context, r *AppointmentRequest, expectedVersion int64) error {
	return updateRequest(ctx, p.pool, r, expectedVersion)
}

// updateRequest writes every mutable column in one conditional UPDATE. Identity, parties,
// preferences and provenance never change after insert.
func updateRequest(ctx context.Context, q dbtx, r *AppointmentRequest, expectedVersion int64) error {
	tag, err := q.Exec(ctx, `
		UPDATE appointment_requests
		SET reviewed_by = $3,
		    reviewed_at = $4,
		    status = $5,
		    confirmed_date = $6,
		    confirmed_slot = $7,
		    confirmed_location_id = $8,
		    donor_response = $9,
		    donor_responded_at = $10,
		    donor_response_notes = $11,
		    review_notes = $12,
		    rejection_reason = $13,
		    cancellation_reason = $14,
		    incomplete_reason = $15,
		    expires_at = $16,
		    expiry_warned_at = $17,
		    blood_request_id = $18,
		    updated_at = $19,
		    check_in_time = $20,
		    completed_time = $21,
		    cancelled_time = $22,
		    held_date = $23,
		    held_slot = $24,
		    held_location_id = $25,
		    version = version + 1
		WHERE id = $1
		  AND version = $2
	`,
		r.ID, expectedVersion,
		r.ReviewedBy, r.ReviewedAt, r.Status,
		r.ConfirmedDate, r.ConfirmedSlot, r.ConfirmedLocationID,
		r.DonorResponse, r.DonorRespondedAt, r.DonorResponseNotes,
		r.ReviewNotes, r.RejectionReason, r.CancellationReason, r.IncompleteReason,
		r.ExpiresAt, r.ExpiryWarnedAt, r.BloodRequestID,
		r.UpdatedAt, r.CheckInTime, r.CompletedTime, r.CancelledTime,
		r.HeldDate, r.HeldSlot, r.HeldLocationID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errVersionConflict
	}

	r.Version = expectedVersion + 1
	return nil
}

func (p *PgRepository) ListRequests(ctx context.Context, f Filter) ([]AppointmentRequest, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}
	if f.DonorID != nil {
		where = append(where, "donor_id = "+arg(*f.DonorID))
	}
	if f.LocationID != nil {
		where = append(where, effLocation+" = "+arg(*f.LocationID))
	}
	if f.Urgent != nil {
		where = append(where, "is_urgent = "+arg(*f.Urgent))
	}
	if f.From != nil {
		where = append(where, effDate+" >= "+arg(*f.From))
	}
	if f.To != nil {
		where = append(where, effDate+" <= "+arg(*f.To))
	}
	if f.PendingReview {
		where = append(where, "status = 'pending' AND request_type = 'donor_initiated'")
	}
	if f.PendingDonorResponse {
		where = append(where, "status = 'pending' AND request_type = 'staff_initiated'")
	}

	sql := `SELECT ` + requestColumns + ` FROM appointment_requests`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY priority DESC, preferred_date ASC, created_at ASC"
	sql += " LIMIT " + arg(f.Limit) + " OFFSET " + arg(f.Offset)

	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list appointment requests: %w", err)
	}
	return collectRequests(rows)
}

func (p *PgRepository) CountConsuming(ctx context.Context, key SlotKey, excludeID uuid.UUID) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM appointment_requests
		WHERE `+effLocation+` = $1
		  AND `+effDate+` = $2
		  AND `+effSlot+` = $3
		  AND `+consumingStatus+`
		  AND id <> $4
	`, key.LocationID, key.Date, key.Slot, excludeID).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (p *PgRepository) CountConsumingRange(ctx context.Context, locationID uuid.UUID, from, to time.Time) (map[SlotKey]int, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+effDate+` AS d, `+effSlot+` AS s, count(*)
		FROM appointment_requests
		WHERE `+effLocation+` = $1
		  AND `+effDate+` BETWEEN $2 AND $3
		  AND `+consumingStatus+`
		GROUP BY d, s
	`, locationID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[SlotKey]int)
	for rows.Next() {
		var (
			date time.Time
			slot TimeSlot
			n    int
		)
		if err := rows.Scan(&date, &slot, &n); err != nil {
			return nil, err
		}
		out[SlotKey{LocationID: locationID, Date: date, Slot: slot}] = n
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PgRepository) HasActiveRequest(ctx context.Context, donorID uuid.UUID) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointment_requests
			WHERE donor_id = $1 AND `+activeStatus+`
		)
	`, donorID).Scan(&exists)
	return exists, err
}

func (p *PgRepository) FindExpired(ctx context.Context, now time.Time) ([]AppointmentRequest, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+requestColumns+`
		FROM appointment_requests
		WHERE `+activeStatus+`
		  AND expires_at IS NOT NULL
		  AND expires_at < $1
		ORDER BY expires_at
	`, now)
	if err != nil {
		return nil, err
	}
	return collectRequests(rows)
}

func (p *PgRepository) FindExpiring(ctx context.Context, from, to time.Time, unwarnedOnly bool) ([]AppointmentRequest, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+requestColumns+`
		FROM appointment_requests
		WHERE `+activeStatus+`
		  AND expires_at >= $1
		  AND expires_at < $2
		  AND (NOT $3 OR expiry_warned_at IS NULL)
		ORDER BY expires_at
	`, from, to, unwarnedOnly)
	if err != nil {
		return nil, err
	}
	return collectRequests(rows)
}

func (p *PgRepository) FindLinkedRequests(ctx context.Context, bloodRequestID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id FROM appointment_requests WHERE blood_request_id = $1
	`, bloodRequestID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

const capacityColumns = `id, location_id, slot, total_capacity, day_of_week, effective_from, effective_until, active, created_at, updated_at`

func (p *PgRepository) ListCapacityRecords(ctx context.Context, locationID uuid.UUID) ([]CapacityRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+capacityColumns+`
		FROM capacity_records
		WHERE location_id = $1
	`, locationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []CapacityRecord
	for rows.Next() {
		c, err := scanCapacity(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *c)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (p *PgRepository) GetCapacityRecord(ctx context.Context, id uuid.UUID) (*CapacityRecord, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+capacityColumns+` FROM capacity_records WHERE id = $1`, id)
	c, err := scanCapacity(row)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: capacity record %s", ErrNotFound, id)
	}
	return c, err
}

func (p *PgRepository) SaveCapacityRecord(ctx context.Context, rec *CapacityRecord) error {
	var dow *int16
	if rec.DayOfWeek != nil {
		v := int16(*rec.DayOfWeek)
		dow = &v
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO capacity_records (`+capacityColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE
		SET total_capacity = EXCLUDED.total_capacity,
		    day_of_week = EXCLUDED.day_of_week,
		    effective_from = EXCLUDED.effective_from,
		    effective_until = EXCLUDED.effective_until,
		    active = EXCLUDED.active,
		    updated_at = EXCLUDED.updated_at
	`,
		rec.ID, rec.LocationID, rec.Slot, rec.TotalCapacity, dow,
		rec.EffectiveFrom, rec.EffectiveUntil, rec.Active, rec.CreatedAt, rec.UpdatedAt,
	)
	return err
}

// CompleteWithDonation commits the completed request and its donation in one transaction. The
// unique index on donations.appointment_request_id is the last line against a double conversion.
func (p *PgRepository) CompleteWithDonation(ctx context.Context, r *AppointmentRequest, expectedVersion int64, d *Donation, bind bool) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := updateRequest(ctx, tx, r, expectedVersion); err != nil {
		return err
	}

	if bind {
		err = bindDonation(ctx, tx, d)
	} else {
		err = insertDonation(ctx, tx, d)
	}
	if err != nil {
		r.Version = expectedVersion
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		r.Version = expectedVersion
		return fmt.Errorf("commit completion: %w", err)
	}
	return nil
}

func insertDonation(ctx context.Context, q dbtx, d *Donation) error {
	_, err := q.Exec(ctx, `
		INSERT INTO donations (`+donationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		d.ID, d.DonorID, d.AppointmentRequestID, d.BloodRequestID, d.LocationID,
		d.BloodGroupID, d.ComponentTypeID, d.DonationDate, d.CollectedBy, d.VolumeML,
		d.Notes, d.CreatedAt, d.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: request %s", ErrAlreadyConverted, *d.AppointmentRequestID)
	}
	if err != nil {
		return fmt.Errorf("insert donation: %w", err)
	}
	return nil
}

// bindDonation attaches an existing donation of the same donor that is not yet linked to any
// request, and reloads it into d.
func bindDonation(ctx context.Context, q dbtx, d *Donation) error {
	row := q.QueryRow(ctx, `
		UPDATE donations
		SET appointment_request_id = $2,
		    blood_request_id = COALESCE(blood_request_id, $3),
		    updated_at = $4
		WHERE id = $1
		  AND donor_id = $5
		  AND appointment_request_id IS NULL
		RETURNING `+donationColumns,
		d.ID, d.AppointmentRequestID, d.BloodRequestID, d.UpdatedAt, d.DonorID)
	bound, err := scanDonation(row)
	if err == nil {
		*d = *bound
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: request %s", ErrAlreadyConverted, *d.AppointmentRequestID)
	}
	if !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("bind donation: %w", err)
	}

	var (
		donorID uuid.UUID
		linked  bool
	)
	err = q.QueryRow(ctx, `
		SELECT donor_id, appointment_request_id IS NOT NULL
		FROM donations
		WHERE id = $1
	`, d.ID).Scan(&donorID, &linked)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("%w: donation %s", ErrNotFound, d.ID)
	case err != nil:
		return fmt.Errorf("lookup donation: %w", err)
	case linked:
		return fmt.Errorf("%w: donation %s is linked to another appointment", ErrAlreadyConverted, d.ID)
	default:
		return fmt.Errorf("%w: donation %s belongs to donor %s", ErrValidation, d.ID, donorID)
	}
}

const donationColumns = `id, donor_id, appointment_request_id, blood_request_id, location_id,
	blood_group_id, component_type_id, donation_date, collected_by, volume_ml,
	notes, created_at, updated_at`

func (p *PgRepository) GetDonationByRequest(ctx context.Context, requestID uuid.UUID) (*Donation, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT `+donationColumns+`
		FROM donations
		WHERE appointment_request_id = $1
	`, requestID)
	d, err := scanDonation(row)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: no donation for request %s", ErrNotFound, requestID)
	}
	return d, err
}

func (p *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_request_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
