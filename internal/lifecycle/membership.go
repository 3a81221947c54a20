package lifecycle

import (
	"github.com/spec-kit/as-dispatch/internal/domain"
	apperrors "github.com/spec-kit/as-dispatch/pkg/util"
)

// IsParty reports whether actor may observe req: its customer, its assigned
// technician (any technician while unassigned), or staff monitoring it.
func IsParty(req *domain.AsRequest, actor domain.Actor) bool {
	if req == nil {
		return false
	}
	switch actor.Role {
	case domain.RoleStaff:
		return true
	case domain.RoleCustomer:
		return req.CustomerID == actor.ID
	case domain.RoleTechnician:
		return req.AssignedTechnicianID == nil || req.IsAssignedTo(actor.ID)
	}
	return false
}

// IsChatParticipant reports whether actor receives chat traffic for req:
// the customer, the assigned technician, and monitoring staff.
func IsChatParticipant(req *domain.AsRequest, actor domain.Actor) bool {
	if req == nil {
		return false
	}
	switch actor.Role {
	case domain.RoleStaff:
		return true
	case domain.RoleCustomer:
		return req.CustomerID == actor.ID
	case domain.RoleTechnician:
		return req.IsAssignedTo(actor.ID)
	}
	return false
}

// AuthorizeView returns a forbidden error unless actor is a party to req.
func AuthorizeView(req *domain.AsRequest, actor domain.Actor) error {
	if !IsParty(req, actor) {
		return apperrors.NewForbidden("actor is not a party to this request")
	}
	return nil
}
