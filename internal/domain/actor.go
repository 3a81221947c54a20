package domain

// Role differentiates the parties of an AS request.
type Role string

const (
	RoleCustomer   Role = "customer"
	RoleTechnician Role = "technician"
	RoleStaff      Role = "staff"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleTechnician, RoleStaff:
		return true
	}
	return false
}

// Actor is an authenticated identity handed in by the auth layer.
type Actor struct {
	ID          string `json:"id"`
	Role        Role   `json:"role"`
	DisplayName string `json:"display_name,omitempty"`
	Contact     string `json:"contact,omitempty"`
}
