package chatgate

// Permissions is the set of capabilities a user holds. It is owned by the
// persistence layer; the gateway only reads it to decide visibility.
type Permissions uint32

const (
	PermissionManageRooms Permissions = 1 << iota
	PermissionManageMessages
	PermissionBanUsers
	PermissionAdministrator
)

// Has reports whether every bit of p is granted. Administrators hold every
// permission.
func (ps Permissions) Has(p Permissions) bool {
	if ps&PermissionAdministrator != 0 {
		return true
	}
	return ps&p == p
}

// IsAdministrator reports whether the administrator bit is set.
func (ps Permissions) IsAdministrator() bool {
	return ps&PermissionAdministrator != 0
}
