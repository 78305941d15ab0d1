package api

import (
	"net/http"
	"time"

	"github.com/hackgods/donation-scheduling/internal/appointment"
)

type capacityScope struct {
	dayOfWeek *time.Weekday
	from      *time.Time
	until     *time.Time
}

func parseCapacityScope(w http.ResponseWriter, dayOfWeek *int, from, until *string) (capacityScope, bool) {
	var out capacityScope
	if dayOfWeek != nil {
		d := time.Weekday(*dayOfWeek)
		out.dayOfWeek = &d
	}
	for _, f := range []struct {
		src *string
		dst **time.Time
	}{{from, &out.from}, {until, &out.until}} {
		if f.src == nil {
			continue
		}
		d, err := appointment.ParseDate(*f.src)
		if err != nil {
			handleServiceError(w, err)
			return out, false
		}
		*f.dst = &d
	}
	return out, true
}

func listCapacityHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		locationID, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		recs, err := svc.ListCapacityRecords(r.Context(), actor, locationID)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		out := make([]CapacityRecordResponse, 0, len(recs))
		for i := range recs {
			out = append(out, toCapacityResponse(&recs[i]))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func createCapacityHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		locationID, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var req CapacityRequest
		if !decodeBody(w, r, &req) {
			return
		}
		slot, err := appointment.ParseTimeSlot(req.Slot)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		cf, ok := parseCapacityScope(w, req.DayOfWeek, req.EffectiveFrom, req.EffectiveUntil)
		if !ok {
			return
		}

		rec, err := svc.CreateCapacityRecord(r.Context(), actor, appointment.CapacityInput{
			LocationID:     locationID,
			Slot:           slot,
			TotalCapacity:  req.TotalCapacity,
			DayOfWeek:      cf.dayOfWeek,
			EffectiveFrom:  cf.from,
			EffectiveUntil: cf.until,
			Active:         req.Active,
		})
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toCapacityResponse(rec))
	}
}

// updateCapacityHandler replaces a record's scope and size. An omitted active flag keeps the
// record active.
func updateCapacityHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var req CapacityUpdateRequest
		if !decodeBody(w, r, &req) {
			return
		}
		cf, ok := parseCapacityScope(w, req.DayOfWeek, req.EffectiveFrom, req.EffectiveUntil)
		if !ok {
			return
		}

		active := true
		if req.Active != nil {
			active = *req.Active
		}
		rec, err := svc.UpdateCapacityRecord(r.Context(), actor, id, appointment.CapacityUpdate{
			TotalCapacity:  req.TotalCapacity,
			DayOfWeek:      cf.dayOfWeek,
			EffectiveFrom:  cf.from,
			EffectiveUntil: cf.until,
			Active:         active,
		})
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toCapacityResponse(rec))
	}
}
