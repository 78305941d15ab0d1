package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/donation-scheduling/internal/appointment"
)

// requireActor fetches the caller set by AuthMiddleware.
func requireActor(w http.ResponseWriter, r *http.Request) (appointment.Actor, bool) {
	actor, ok := ActorFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "")
	}
	return actor, ok
}

func pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+param, param+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

type slotFields struct {
	date time.Time
	slot appointment.TimeSlot
}

func parseSlotFields(w http.ResponseWriter, date, slot string) (slotFields, bool) {
	d, err := appointment.ParseDate(date)
	if err != nil {
		handleServiceError(w, err)
		return slotFields{}, false
	}
	s, err := appointment.ParseTimeSlot(slot)
	if err != nil {
		handleServiceError(w, err)
		return slotFields{}, false
	}
	return slotFields{date: d, slot: s}, true
}

func createDonorRequestHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		var req CreateDonorRequestRequest
		if !decodeBody(w, r, &req) {
			return
		}
		sf, ok := parseSlotFields(w, req.PreferredDate, req.PreferredSlot)
		if !ok {
			return
		}

		// Donors book for themselves; staff filing on a donor's behalf name the donor.
		donorID := actor.ID
		if req.DonorID != "" {
			donorID = uuid.MustParse(req.DonorID)
		}

		appt, err := svc.CreateDonorRequest(r.Context(), actor, appointment.DonorRequestInput{
			DonorID:         donorID,
			PreferredDate:   sf.date,
			PreferredSlot:   sf.slot,
			LocationID:      uuid.MustParse(req.LocationID),
			BloodGroupID:    parseOptionalUUID(req.BloodGroupID),
			ComponentTypeID: parseOptionalUUID(req.ComponentTypeID),
			BloodRequestID:  parseOptionalUUID(req.BloodRequestID),
			Notes:           req.Notes,
			Urgent:          req.IsUrgent,
		})
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toRequestResponse(appt))
	}
}

func createStaffRequestHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		var req CreateStaffRequestRequest
		if !decodeBody(w, r, &req) {
			return
		}
		sf, ok := parseSlotFields(w, req.PreferredDate, req.PreferredSlot)
		if !ok {
			return
		}
		if req.Priority == 0 {
			req.Priority = appointment.PriorityNormal
		}

		appt, err := svc.CreateStaffRequest(r.Context(), actor, appointment.StaffRequestInput{
			DonorID:         uuid.MustParse(req.DonorID),
			PreferredDate:   sf.date,
			PreferredSlot:   sf.slot,
			LocationID:      uuid.MustParse(req.LocationID),
			BloodGroupID:    parseOptionalUUID(req.BloodGroupID),
			ComponentTypeID: parseOptionalUUID(req.ComponentTypeID),
			BloodRequestID:  parseOptionalUUID(req.BloodRequestID),
			Notes:           req.Notes,
			Priority:        req.Priority,
			AutoExpireHours: req.AutoExpireHours,
		})
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toRequestResponse(appt))
	}
}

func getRequestHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		appt, err := svc.GetRequest(r.Context(), actor, id)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toRequestResponse(appt))
	}
}

func listRequestsHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		f, err := parseFilter(r)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		items, err := svc.ListRequests(r.Context(), actor, f)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		limit := f.Limit
		if limit <= 0 {
			limit = appointment.DefaultListLimit
		}
		if limit > appointment.MaxListLimit {
			limit = appointment.MaxListLimit
		}
		writeJSON(w, http.StatusOK, ListResponse{Items: toRequestResponses(items), Limit: limit, Offset: f.Offset})
	}
}

func parseFilter(r *http.Request) (appointment.Filter, error) {
	q := r.URL.Query()
	var f appointment.Filter

	for _, s := range q["status"] {
		st, err := appointment.ParseStatus(s)
		if err != nil {
			return f, err
		}
		f.Statuses = append(f.Statuses, st)
	}
	if v := q.Get("donor_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, badQuery("donor_id")
		}
		f.DonorID = &id
	}
	if v := q.Get("location_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, badQuery("location_id")
		}
		f.LocationID = &id
	}
	if v := q.Get("urgent"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, badQuery("urgent")
		}
		f.Urgent = &b
	}
	for name, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		if v := q.Get(name); v != "" {
			d, err := appointment.ParseDate(v)
			if err != nil {
				return f, err
			}
			*dst = &d
		}
	}
	var err error
	if f.PendingReview, err = boolQuery(q.Get("pending_review")); err != nil {
		return f, badQuery("pending_review")
	}
	if f.PendingDonorResponse, err = boolQuery(q.Get("pending_response")); err != nil {
		return f, badQuery("pending_response")
	}
	if f.Limit, err = intQuery(q.Get("limit"), 0); err != nil {
		return f, badQuery("limit")
	}
	if f.Offset, err = intQuery(q.Get("offset"), 0); err != nil {
		return f, badQuery("offset")
	}
	return f, nil
}

func intQuery(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func boolQuery(v string) (bool, error) {
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}

func badQuery(name string) error {
	return &queryError{name: name}
}

type queryError struct{ name string }

func (e *queryError) Error() string { return "invalid query parameter " + e.name }

func (e *queryError) Unwrap() error { return appointment.ErrValidation }

func expiringRequestsHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		hours, err := intQuery(r.URL.Query().Get("hours"), 24)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_hours", "hours must be an integer")
			return
		}

		items, err := svc.ExpiringWithin(r.Context(), actor, time.Duration(hours)*time.Hour)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toRequestResponses(items))
	}
}

func getDonationHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		d, err := svc.GetDonation(r.Context(), actor, id)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toDonationResponse(d))
	}
}

func reviewHandler(svc *appointment.Service, modify bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var req ReviewRequest
		if !decodeBody(w, r, &req) {
			return
		}
		sf, ok := parseSlotFields(w, req.ConfirmedDate, req.ConfirmedSlot)
		if !ok {
			return
		}

		in := appointment.ReviewInput{
			Date:       sf.date,
			Slot:       sf.slot,
			LocationID: parseOptionalUUID(req.ConfirmedLocationID),
			Notes:      req.Notes,
		}
		var appt *appointment.AppointmentRequest
		var err error
		if modify {
			appt, err = svc.ModifyRequest(r.Context(), actor, id, in)
		} else {
			appt, err = svc.ApproveRequest(r.Context(), actor, id, in)
		}
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toRequestResponse(appt))
	}
}

type textCommand func(svc *appointment.Service, r *http.Request, actor appointment.Actor, id uuid.UUID, req ReasonRequest) (*appointment.AppointmentRequest, error)

func rejectCommand(svc *appointment.Service, r *http.Request, actor appointment.Actor, id uuid.UUID, req ReasonRequest) (*appointment.AppointmentRequest, error) {
	return svc.RejectRequest(r.Context(), actor, id, req.Reason)
}

func cancelCommand(svc *appointment.Service, r *http.Request, actor appointment.Actor, id uuid.UUID, req ReasonRequest) (*appointment.AppointmentRequest, error) {
	return svc.CancelRequest(r.Context(), actor, id, req.Reason)
}

func acceptCommand(svc *appointment.Service, r *http.Request, actor appointment.Actor, id uuid.UUID, req ReasonRequest) (*appointment.AppointmentRequest, error) {
	return svc.AcceptAssignment(r.Context(), actor, id, req.Notes)
}

func declineCommand(svc *appointment.Service, r *http.Request, actor appointment.Actor, id uuid.UUID, req ReasonRequest) (*appointment.AppointmentRequest, error) {
	notes := req.Notes
	if notes == "" {
		notes = req.Reason
	}
	return svc.RejectAssignment(r.Context(), actor, id, notes)
}

// textHandler serves the commands whose body is at most a reason or a note.
func textHandler(svc *appointment.Service, cmd textCommand) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var req ReasonRequest
		if !decodeBody(w, r, &req) {
			return
		}

		appt, err := cmd(svc, r, actor, id, req)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toRequestResponse(appt))
	}
}

func checkInHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var req CheckInRequest
		if !decodeBody(w, r, &req) {
			return
		}

		var at time.Time
		if req.CheckInTime != nil {
			at = *req.CheckInTime
		}
		appt, err := svc.CheckIn(r.Context(), actor, id, at)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toRequestResponse(appt))
	}
}

func completeHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var req CompleteRequest
		if !decodeBody(w, r, &req) {
			return
		}

		appt, donation, err := svc.CompleteOrMarkIncomplete(r.Context(), actor, id, appointment.CompletionInput{
			Outcome:    appointment.Outcome(req.Outcome),
			DonationID: parseOptionalUUID(req.DonationID),
			VolumeML:   req.VolumeML,
			Notes:      req.Notes,
			Reason:     req.Reason,
		})
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, CompleteResponse{
			Request:  toRequestResponse(appt),
			Donation: toDonationResponse(donation),
		})
	}
}

func availabilityHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		locationID, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		q := r.URL.Query()

		from := svc.Today()
		if v := q.Get("from"); v != "" {
			d, err := appointment.ParseDate(v)
			if err != nil {
				handleServiceError(w, err)
				return
			}
			from = d
		}
		days, err := intQuery(q.Get("days"), 7)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_days", "days must be an integer")
			return
		}

		grid, err := svc.AvailableSlots(r.Context(), locationID, from, days)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		out := make([]SlotAvailabilityResponse, 0, len(grid))
		for _, s := range grid {
			out = append(out, SlotAvailabilityResponse{
				Date:      s.Date.Format(appointment.DateLayout),
				Slot:      string(s.Slot),
				Available: s.Available,
				Total:     s.Total,
				Full:      s.IsFull(),
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func sweepExpiredHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		n, err := svc.SweepExpiredAs(r.Context(), actor)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"expired": n})
	}
}

func expiryWarningsHandler(svc *appointment.Service, window time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		hours, err := intQuery(r.URL.Query().Get("hours"), int(window/time.Hour))
		if err != nil || hours <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_hours", "hours must be a positive integer")
			return
		}

		n, err := svc.SendExpiryWarningsAs(r.Context(), actor, time.Duration(hours)*time.Hour)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"warned": n})
	}
}

func unlinkBloodRequestHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		n, err := svc.UnlinkBloodRequest(r.Context(), actor, id)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"unlinked": n})
	}
}
