package appointment

import (
	"fmt"

	"github.com/google/uuid"
)

type Role string

const (
	RoleDonor  Role = "donor"
	RoleStaff  Role = "staff"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

// Actor is the authenticated caller as supplied by the identity layer.
type Actor struct {
	ID   uuid.UUID
	Role Role
}

// SystemActor is used by the expiry worker.
var SystemActor = Actor{Role: RoleSystem}

func (a Actor) isStaff() bool {
	return a.Role == RoleStaff || a.Role == RoleAdmin
}

// Can is the single permission predicate evaluated once per command. For creation req is the
// draft; it is nil for operations that do not target a request.
func Can(a Actor, op Op, req *AppointmentRequest) bool {
	switch op {
	case OpCreateDonorRequest:
		if a.isStaff() {
			return true
		}
		return a.Role == RoleDonor && req != nil && req.DonorID == a.ID
	case OpCreateStaffRequest, OpApprove, OpReject, OpModify, OpCheckIn, OpComplete:
		return a.isStaff()
	case OpAccept, OpDecline:
		return a.Role == RoleDonor && req != nil && req.DonorID == a.ID
	case OpCancel, OpView:
		if a.isStaff() {
			return true
		}
		return a.Role == RoleDonor && req != nil && req.DonorID == a.ID
	case OpExpire, OpMaintenance:
		return a.Role == RoleSystem || a.Role == RoleAdmin
	case OpManageCapacity, OpUnlinkBloodRequest:
		return a.Role == RoleAdmin
	}
	return false
}

func authorize(a Actor, op Op, req *AppointmentRequest) error {
	if Can(a, op, req) {
		return nil
	}
	return fmt.Errorf("%w: %s may not %s", ErrUnauthorized, a.Role, op)
}
