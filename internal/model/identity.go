package model

// Roles carried in the identity provider's "role" claim.
const (
	RoleCustomer = "CUSTOMER"
	RoleAdmin    = "ADMIN"
)

// Actor is the resolved caller of an operation.  An empty UserID
// means the caller is anonymous.
type Actor struct {
	UserID string
	Role   string
}

// Anonymous reports whether no user could be resolved.
func (a Actor) Anonymous() bool { return a.UserID == "" }

// IsAdmin reports whether the actor holds the ADMIN role.
func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }
