package domain

// Contact roles used in escalation sequences.
const (
	RolePrimary   = "primary"
	RoleSecondary = "secondary"
)

// Contact is a configured on-call destination.
type Contact struct {
	Name    string
	Address string
	Role    string
}

// IsZero reports whether the contact has no address configured.
func (c Contact) IsZero() bool {
	return c.Address == ""
}
