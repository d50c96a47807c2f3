package types

// Role of an authenticated user.
type Role int

const (
	RoleMember Role = iota
	RoleAdmin
)

func (r Role) String() string {
	if r == RoleAdmin {
		return "admin"
	}
	return "member"
}

// Identity is the session payload resolved from a session token. The shape is a
// versioned contract: fields may be added, never renamed or repurposed, so that
// session stores surviving a restart keep resolving.
type Identity struct {
	UserID      int64  `json:"user_id"`
	Role        Role   `json:"role"`
	DisplayName string `json:"display_name"`
}
